// Copyright 2024 The ursoDB Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

/*
Package raft is the consensus engine of a data node. It implements leader
election with randomized timeouts, vote arbitration, log replication with
conflict truncation and quorum based commit.

The engine is a deterministic state machine. It performs no I/O and keeps no
goroutines: its owner drives it by calling Tick on every logical clock tick,
Handle for every received message and Propose for client commands, then
collects the resulting Update, persists and sends its content and finally
calls Commit. All calls must be made from a single goroutine.
*/
package raft

import (
	"fmt"
	"math/rand"
	"sort"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/lni/goutils/logutil"

	"github.com/jorgefdc97/SistemasDistribuidos-Project/config"
	"github.com/jorgefdc97/SistemasDistribuidos-Project/logger"
	"github.com/jorgefdc97/SistemasDistribuidos-Project/raftio"
	pb "github.com/jorgefdc97/SistemasDistribuidos-Project/raftpb"
)

var plog = logger.GetLogger("raft")

var (
	// ErrNotLeader is returned when a command is proposed to a non-leader
	// replica.
	ErrNotLeader = errors.New("not the leader")
)

const (
	// NoLeader is the leader ID used when there is no known leader.
	NoLeader = raftio.NoLeader
	// NoNode is the vote value used when no vote was granted in the term.
	NoNode uint64 = 0
	// maxEntriesPerMessage caps the number of entries carried by a single
	// Replicate message.
	maxEntriesPerMessage uint64 = 128
)

// Role is the role of a replica in the election state machine.
type Role uint8

const (
	// Follower is the initial role.
	Follower Role = iota
	// Candidate is the role of a replica running an election.
	Candidate
	// Leader is the role of the elected replica.
	Leader
)

var roleNames = [...]string{"Follower", "Candidate", "Leader"}

func (r Role) String() string {
	if int(r) < len(roleNames) {
		return roleNames[r]
	}
	return fmt.Sprintf("Role(%d)", uint8(r))
}

type raft struct {
	groupID     uint64
	nodeID      uint64
	term        uint64
	vote        uint64
	leaderID    uint64
	role        Role
	log         *entryLog
	remotes     map[uint64]*remote
	votes       map[uint64]bool
	msgs        []pb.Message
	checkQuorum bool
	upToDate    config.LogUpToDateFunc
	compression pb.CompressionType
	rand        *rand.Rand

	electionTick              uint64
	heartbeatTick             uint64
	electionMin               uint64
	electionMax               uint64
	heartbeatTimeout          uint64
	randomizedElectionTimeout uint64
}

func newRaft(cfg config.Config, peers []uint64, rs raftio.RaftState, applied uint64) *raft {
	r := &raft{
		groupID:          cfg.GroupID,
		nodeID:           cfg.NodeID,
		term:             rs.State.Term,
		vote:             rs.State.Vote,
		leaderID:         NoLeader,
		remotes:          make(map[uint64]*remote),
		votes:            make(map[uint64]bool),
		checkQuorum:      cfg.CheckQuorum,
		upToDate:         cfg.LogUpToDate,
		compression:      cfg.EntryCompressionType,
		electionMin:      cfg.ElectionMinRTT,
		electionMax:      cfg.ElectionMaxRTT,
		heartbeatTimeout: cfg.HeartbeatRTT,
		rand:             rand.New(rand.NewSource(time.Now().UnixNano() + int64(cfg.NodeID))),
	}
	if r.upToDate == nil {
		r.upToDate = upToDate
	}
	if len(rs.Entries) > 0 || rs.State.Commit > 0 || applied > 0 {
		r.log = newEntryLogFromState(rs.Entries, rs.State.Commit, applied)
	} else {
		r.log = newEntryLog()
	}
	for _, id := range peers {
		if id == r.nodeID {
			plog.Panicf("%s listed itself as a peer", r.describe())
		}
		r.remotes[id] = &remote{next: r.log.lastIndex() + 1}
	}
	r.becomeFollower(r.term, NoLeader)
	plog.Infof("%s started with %d peers, commit %d, applied %d",
		r.describe(), len(peers), r.log.committed, r.log.processed)
	return r
}

func (r *raft) describe() string {
	return fmt.Sprintf("%s term %d last %d lt %d",
		logutil.DescribeNode(r.groupID, r.nodeID), r.term,
		r.log.lastIndex(), r.log.lastTerm())
}

func (r *raft) raftState() pb.State {
	return pb.State{Term: r.term, Vote: r.vote, Commit: r.log.committed}
}

func (r *raft) isLeader() bool {
	return r.role == Leader
}

func (r *raft) quorum() int {
	return (len(r.remotes)+1)/2 + 1
}

func (r *raft) isSingleNodeQuorum() bool {
	return r.quorum() == 1
}

//
// state transitions
//

func (r *raft) reset(term uint64) {
	if r.term != term {
		r.term = term
		r.vote = NoNode
	}
	r.votes = make(map[uint64]bool)
	r.electionTick = 0
	r.heartbeatTick = 0
	r.setRandomizedElectionTimeout()
	for _, rp := range r.remotes {
		rp.reset(r.log.lastIndex())
	}
}

func (r *raft) setRandomizedElectionTimeout() {
	span := r.electionMax - r.electionMin + 1
	r.randomizedElectionTimeout = r.electionMin + uint64(r.rand.Int63n(int64(span)))
}

func (r *raft) becomeFollower(term uint64, leaderID uint64) {
	r.role = Follower
	r.reset(term)
	r.leaderID = leaderID
	plog.Debugf("%s became follower, leader %s", r.describe(), logutil.NodeID(leaderID))
}

func (r *raft) becomeCandidate() {
	if r.role == Leader {
		plog.Panicf("%s transitioning to candidate from leader", r.describe())
	}
	r.role = Candidate
	r.reset(r.term + 1)
	r.vote = r.nodeID
	r.leaderID = NoLeader
	plog.Infof("%s became candidate", r.describe())
}

func (r *raft) becomeLeader() {
	if r.role != Candidate {
		plog.Panicf("%s transitioning to leader from %s", r.describe(), r.role)
	}
	r.role = Leader
	r.reset(r.term)
	r.leaderID = r.nodeID
	r.appendEntries(pb.Entry{Type: pb.NoOPEntry})
	plog.Infof("%s became leader", r.describe())
}

//
// ticks
//

func (r *raft) tick() {
	if r.role == Leader {
		r.leaderTick()
	} else {
		r.nonLeaderTick()
	}
}

func (r *raft) nonLeaderTick() {
	r.electionTick++
	if r.electionTick >= r.randomizedElectionTimeout {
		r.electionTick = 0
		r.handle(pb.Message{Type: pb.Election, From: r.nodeID})
	}
}

func (r *raft) leaderTick() {
	r.electionTick++
	if r.checkQuorum && r.electionTick >= r.electionMin {
		r.electionTick = 0
		if !r.quorumActive() {
			plog.Warningf("%s lost quorum, stepping down", r.describe())
			r.becomeFollower(r.term, NoLeader)
			return
		}
	}
	r.heartbeatTick++
	if r.heartbeatTick >= r.heartbeatTimeout {
		r.heartbeatTick = 0
		r.broadcastReplicate()
	}
}

// quorumActive returns whether a quorum was heard from since the last
// check, active flags are cleared.
func (r *raft) quorumActive() bool {
	count := 1
	for _, rp := range r.remotes {
		if rp.active {
			count++
		}
		rp.active = false
	}
	return count >= r.quorum()
}

//
// message handling
//

func (r *raft) send(m pb.Message) {
	m.From = r.nodeID
	m.GroupID = r.groupID
	if m.Term == 0 {
		m.Term = r.term
	}
	r.msgs = append(r.msgs, m)
}

func (r *raft) handle(m pb.Message) {
	if !r.checkTerm(m) {
		return
	}
	switch m.Type {
	case pb.Election:
		r.handleElection(m)
	case pb.RequestVote:
		r.handleRequestVote(m)
	case pb.RequestVoteResp:
		r.handleRequestVoteResp(m)
	case pb.Replicate, pb.Heartbeat:
		r.handleReplicate(m)
	case pb.ReplicateResp, pb.HeartbeatResp:
		r.handleReplicateResp(m)
	default:
		plog.Warningf("%s dropped unexpected message %s", r.describe(), m.Type)
	}
}

// checkTerm compares the term carried by the message with the local term.
// Higher terms are adopted and force the replica back to follower. Messages
// with lower terms are rejected, requests are answered with the local term
// so stale senders can catch up. It returns whether the message should be
// handled further.
func (r *raft) checkTerm(m pb.Message) bool {
	if m.Type.IsLocal() {
		return true
	}
	if m.Term > r.term {
		leaderID := NoLeader
		if m.Type == pb.Replicate || m.Type == pb.Heartbeat {
			leaderID = m.From
		}
		plog.Infof("%s received %s with higher term %d from %s",
			r.describe(), m.Type, m.Term, logutil.NodeID(m.From))
		r.becomeFollower(m.Term, leaderID)
		return true
	}
	if m.Term < r.term {
		plog.Debugf("%s rejected %s with stale term %d from %s",
			r.describe(), m.Type, m.Term, logutil.NodeID(m.From))
		switch m.Type {
		case pb.Replicate:
			r.send(pb.Message{To: m.From, Type: pb.ReplicateResp, Reject: true, LogIndex: m.LogIndex})
		case pb.Heartbeat:
			r.send(pb.Message{To: m.From, Type: pb.HeartbeatResp, Reject: true, LogIndex: m.LogIndex})
		case pb.RequestVote:
			r.send(pb.Message{To: m.From, Type: pb.RequestVoteResp, Reject: true})
		}
		return false
	}
	return true
}

func (r *raft) handleElection(m pb.Message) {
	if r.role == Leader {
		plog.Debugf("%s is already the leader, election skipped", r.describe())
		return
	}
	r.campaign()
}

func (r *raft) campaign() {
	r.becomeCandidate()
	r.handleVote(r.nodeID, false)
	if r.role != Candidate {
		return
	}
	for id := range r.remotes {
		r.send(pb.Message{
			To:       id,
			Type:     pb.RequestVote,
			LogIndex: r.log.lastIndex(),
			LogTerm:  r.log.lastTerm(),
		})
	}
}

func (r *raft) handleRequestVote(m pb.Message) {
	resp := pb.Message{To: m.From, Type: pb.RequestVoteResp}
	// a candidate voted for itself in this term, so it rejects other
	// candidates of the same term and stays a candidate
	canVote := r.vote == NoNode || r.vote == m.From
	if canVote && r.upToDate(m.LogIndex, m.LogTerm, r.log.lastIndex(), r.log.lastTerm()) {
		r.vote = m.From
		r.electionTick = 0
		plog.Infof("%s voted for %s", r.describe(), logutil.NodeID(m.From))
	} else {
		resp.Reject = true
		plog.Infof("%s rejected vote request from %s, vote %s, candidate last %d lt %d",
			r.describe(), logutil.NodeID(m.From), logutil.NodeID(r.vote), m.LogIndex, m.LogTerm)
	}
	r.send(resp)
}

func (r *raft) handleRequestVoteResp(m pb.Message) {
	if r.role != Candidate {
		return
	}
	if _, ok := r.remotes[m.From]; !ok {
		return
	}
	r.handleVote(m.From, m.Reject)
}

// handleVote records the vote of from, duplicated votes are counted once.
func (r *raft) handleVote(from uint64, rejected bool) {
	if _, ok := r.votes[from]; !ok {
		r.votes[from] = !rejected
	}
	granted := 0
	for _, v := range r.votes {
		if v {
			granted++
		}
	}
	rejections := len(r.votes) - granted
	if granted >= r.quorum() {
		r.becomeLeader()
		r.broadcastReplicate()
	} else if rejections >= r.quorum() {
		plog.Infof("%s lost the election with %d rejections", r.describe(), rejections)
		r.becomeFollower(r.term, NoLeader)
	}
}

func (r *raft) handleReplicate(m pb.Message) {
	if r.role == Leader {
		plog.Errorf("%s received %s from another leader %s in the same term",
			r.describe(), m.Type, logutil.NodeID(m.From))
		return
	}
	if r.role == Candidate {
		r.becomeFollower(r.term, m.From)
	}
	r.leaderID = m.From
	r.electionTick = 0
	respType := pb.ReplicateResp
	if m.Type == pb.Heartbeat {
		respType = pb.HeartbeatResp
	}
	resp := pb.Message{To: m.From, Type: respType}
	if m.LogIndex < r.log.committed {
		resp.LogIndex = r.log.committed
		r.send(resp)
		return
	}
	if lastIndex, ok := r.log.tryAppend(m.LogIndex, m.LogTerm, m.Entries); ok {
		commit := m.Commit
		if commit > lastIndex {
			commit = lastIndex
		}
		r.log.commitTo(commit)
		resp.LogIndex = lastIndex
	} else {
		resp.Reject = true
		resp.LogIndex = m.LogIndex
		resp.Hint = r.log.lastIndex()
	}
	r.send(resp)
}

func (r *raft) handleReplicateResp(m pb.Message) {
	if r.role != Leader {
		return
	}
	rp, ok := r.remotes[m.From]
	if !ok {
		return
	}
	rp.active = true
	if m.Reject {
		if rp.decreaseTo(m.LogIndex, m.Hint) {
			r.sendReplicate(m.From, rp)
		}
		return
	}
	if rp.tryUpdate(m.LogIndex) {
		if r.tryCommit() {
			r.broadcastReplicate()
		} else if rp.next <= r.log.lastIndex() {
			r.sendReplicate(m.From, rp)
		}
	}
}

//
// replication
//

func (r *raft) appendEntries(entries ...pb.Entry) {
	last := r.log.lastIndex()
	for i := range entries {
		entries[i].Term = r.term
		entries[i].Index = last + uint64(i) + 1
	}
	r.log.append(entries...)
	r.tryCommit()
}

// tryCommit moves the commit index to the highest index replicated on a
// quorum, only entries from the current term are committed by counting.
func (r *raft) tryCommit() bool {
	matched := make([]uint64, 0, len(r.remotes)+1)
	matched = append(matched, r.log.lastIndex())
	for _, rp := range r.remotes {
		matched = append(matched, rp.match)
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i] > matched[j] })
	return r.log.tryCommit(matched[r.quorum()-1], r.term)
}

func (r *raft) broadcastReplicate() {
	for id, rp := range r.remotes {
		r.sendReplicate(id, rp)
	}
}

func (r *raft) sendReplicate(to uint64, rp *remote) {
	prevIndex := rp.next - 1
	prevTerm, ok := r.log.term(prevIndex)
	if !ok {
		plog.Panicf("%s next %d for %s beyond last index", r.describe(), rp.next,
			logutil.NodeID(to))
	}
	entries := r.log.getEntries(rp.next, r.log.lastIndex()+1, maxEntriesPerMessage)
	mt := pb.Replicate
	if len(entries) == 0 {
		mt = pb.Heartbeat
	}
	r.send(pb.Message{
		To:       to,
		Type:     mt,
		LogIndex: prevIndex,
		LogTerm:  prevTerm,
		Commit:   r.log.committed,
		Entries:  entries,
	})
}

func (r *raft) propose(cmd pb.Command) (uint64, uint64, error) {
	if r.role != Leader {
		return 0, 0, ErrNotLeader
	}
	etype, data := pb.EncodeCommand(cmd, r.compression)
	r.appendEntries(pb.Entry{Type: etype, Cmd: data})
	r.broadcastReplicate()
	return r.log.lastIndex(), r.term, nil
}
