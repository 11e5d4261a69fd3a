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

package raft

import (
	"github.com/cockroachdb/errors"
	"github.com/lni/goutils/logutil"

	"github.com/jorgefdc97/SistemasDistribuidos-Project/config"
	"github.com/jorgefdc97/SistemasDistribuidos-Project/raftio"
	pb "github.com/jorgefdc97/SistemasDistribuidos-Project/raftpb"
)

// Status is a point in time view of a replica.
type Status struct {
	GroupID   uint64
	NodeID    uint64
	Role      Role
	Term      uint64
	Vote      uint64
	LeaderID  uint64
	Committed uint64
	Processed uint64
	LastIndex uint64
}

// Peer is the interface used by the NodeHost to drive a replica. It is not
// thread safe.
type Peer struct {
	raft       *raft
	prevState  pb.State
	prevLeader uint64
	prevTerm   uint64
}

// Launch starts or restarts a replica. peers is the list of the other
// members of the group, rs is the state loaded from the LogDB and applied is
// the last index already applied to the key-value table.
func Launch(cfg config.Config, rs raftio.RaftState, peers []uint64, applied uint64) (*Peer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrapf(err, "invalid config for %s",
			logutil.DescribeNode(cfg.GroupID, cfg.NodeID))
	}
	if rs.State.Commit > uint64(len(rs.Entries)) {
		return nil, errors.Newf("commit %d beyond %d saved entries",
			rs.State.Commit, len(rs.Entries))
	}
	r := newRaft(cfg, peers, rs, applied)
	return &Peer{
		raft:       r,
		prevState:  r.raftState(),
		prevLeader: NoLeader,
	}, nil
}

// Tick moves the logical clock forward by one tick.
func (p *Peer) Tick() {
	p.raft.tick()
}

// Campaign starts an election unless the replica is already the leader.
func (p *Peer) Campaign() {
	p.raft.handle(pb.Message{Type: pb.Election, From: p.raft.nodeID})
}

// Handle processes a message received from a remote replica. Messages for
// other groups or nodes and local message types are dropped.
func (p *Peer) Handle(m pb.Message) {
	if m.Type.IsLocal() {
		plog.Warningf("%s dropped local message %s from remote",
			p.raft.describe(), m.Type)
		return
	}
	if m.GroupID != p.raft.groupID || m.To != p.raft.nodeID {
		plog.Warningf("%s dropped %s addressed to %s",
			p.raft.describe(), m.Type, logutil.DescribeNode(m.GroupID, m.To))
		return
	}
	if _, ok := p.raft.remotes[m.From]; !ok {
		plog.Warningf("%s dropped %s from unknown node %s",
			p.raft.describe(), m.Type, logutil.NodeID(m.From))
		return
	}
	p.raft.handle(m)
}

// Propose appends the command to the log. It returns the index and term of
// the new entry, ErrNotLeader is returned when the replica is not the
// leader.
func (p *Peer) Propose(cmd pb.Command) (uint64, uint64, error) {
	return p.raft.propose(cmd)
}

// HasUpdate returns a boolean value indicating whether there is any Update
// ready to be processed.
func (p *Peer) HasUpdate() bool {
	r := p.raft
	if r.raftState() != p.prevState {
		return true
	}
	if r.leaderID != p.prevLeader || r.term != p.prevTerm {
		return true
	}
	return len(r.msgs) > 0 ||
		r.log.hasEntriesToSave() ||
		r.log.hasEntriesToApply()
}

// GetUpdate returns the current state changes. Entries and state must be
// persisted before the messages are sent, Commit must be called once the
// Update has been processed.
func (p *Peer) GetUpdate() pb.Update {
	r := p.raft
	ud := pb.Update{
		GroupID:          r.groupID,
		NodeID:           r.nodeID,
		EntriesToSave:    r.log.entriesToSave(),
		LastIndex:        r.log.lastIndex(),
		CommittedEntries: r.log.entriesToApply(),
		Messages:         r.msgs,
	}
	if state := r.raftState(); state != p.prevState {
		ud.State = state
	}
	if r.leaderID != p.prevLeader || r.term != p.prevTerm {
		ud.LeaderUpdate = &pb.LeaderUpdate{LeaderID: r.leaderID, Term: r.term}
	}
	return ud
}

// Commit marks the Update as processed.
func (p *Peer) Commit(ud pb.Update) {
	r := p.raft
	r.msgs = nil
	if !ud.State.IsEmpty() {
		p.prevState = ud.State
	}
	if ud.LeaderUpdate != nil {
		p.prevLeader = ud.LeaderUpdate.LeaderID
		p.prevTerm = ud.LeaderUpdate.Term
	}
	if n := len(ud.EntriesToSave); n > 0 {
		r.log.savedLogTo(ud.EntriesToSave[n-1].Index)
	}
	if n := len(ud.CommittedEntries); n > 0 {
		r.log.processedTo(ud.CommittedEntries[n-1].Index)
	}
}

// LeaderID returns the ID of the known leader, NoLeader when unknown.
func (p *Peer) LeaderID() uint64 {
	return p.raft.leaderID
}

// IsLeader returns a boolean value indicating whether the replica is the
// leader.
func (p *Peer) IsLeader() bool {
	return p.raft.isLeader()
}

// Status returns the current status of the replica.
func (p *Peer) Status() Status {
	r := p.raft
	return Status{
		GroupID:   r.groupID,
		NodeID:    r.nodeID,
		Role:      r.role,
		Term:      r.term,
		Vote:      r.vote,
		LeaderID:  r.leaderID,
		Committed: r.log.committed,
		Processed: r.log.processed,
		LastIndex: r.log.lastIndex(),
	}
}
