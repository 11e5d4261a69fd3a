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

package ursodb

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/errors/oserror"
	"github.com/google/uuid"
	"github.com/lni/goutils/logutil"
	"github.com/lni/goutils/syncutil"

	"github.com/jorgefdc97/SistemasDistribuidos-Project/config"
	"github.com/jorgefdc97/SistemasDistribuidos-Project/internal/kv"
	"github.com/jorgefdc97/SistemasDistribuidos-Project/internal/membership"
	"github.com/jorgefdc97/SistemasDistribuidos-Project/internal/raft"
	"github.com/jorgefdc97/SistemasDistribuidos-Project/internal/router"
	"github.com/jorgefdc97/SistemasDistribuidos-Project/internal/rsm"
	"github.com/jorgefdc97/SistemasDistribuidos-Project/logdb"
	"github.com/jorgefdc97/SistemasDistribuidos-Project/logger"
	"github.com/jorgefdc97/SistemasDistribuidos-Project/raftio"
	pb "github.com/jorgefdc97/SistemasDistribuidos-Project/raftpb"
	"github.com/jorgefdc97/SistemasDistribuidos-Project/transport"
)

var plog = logger.GetLogger("ursodb")

const (
	flagFilename        = "ursodb.flag"
	inboundQueueLength  = 1024
	applyQueueLength    = 128
	proposalQueueLength = 256
)

var (
	// ErrNotLeader is returned when a write is sent to a node that is not the
	// leader of its group. Use LeaderHint to get the known leader.
	ErrNotLeader = errors.New("not the leader")
	// ErrClosed is returned when the NodeHost has been stopped.
	ErrClosed = errors.New("nodehost closed")
	// ErrNodeHostDirOwned is returned when the node host directory belongs
	// to another node or deployment.
	ErrNodeHostDirOwned = errors.New("node host dir owned by another node")
)

// NotLeaderError carries the leader known by the node that rejected a
// write.
type NotLeaderError struct {
	LeaderID      uint64
	LeaderAddress string
}

func (e *NotLeaderError) Error() string {
	if e.LeaderID == raftio.NoLeader {
		return "not the leader, leader unknown"
	}
	return fmt.Sprintf("not the leader, leader is %s at %s",
		logutil.NodeID(e.LeaderID), e.LeaderAddress)
}

// LeaderHint returns the leader carried by an ErrNotLeader error.
func LeaderHint(err error) (uint64, string, bool) {
	var nle *NotLeaderError
	if errors.As(err, &nle) {
		return nle.LeaderID, nle.LeaderAddress, nle.LeaderID != raftio.NoLeader
	}
	return raftio.NoLeader, "", false
}

// Status is the externally visible state of a NodeHost.
type Status struct {
	Name          string       `json:"name"`
	GroupID       uint64       `json:"groupId"`
	NodeID        uint64       `json:"nodeId"`
	Role          string       `json:"role"`
	Term          uint64       `json:"term"`
	Vote          uint64       `json:"vote"`
	LeaderID      uint64       `json:"leaderId"`
	LeaderAddress string       `json:"leaderAddress,omitempty"`
	Committed     uint64       `json:"commitIndex"`
	Applied       uint64       `json:"appliedIndex"`
	LastIndex     uint64       `json:"lastIndex"`
	Peers         []PeerStatus `json:"peers"`
}

// PeerStatus is the liveness of a peer as seen by the local node.
type PeerStatus struct {
	NodeID  uint64 `json:"nodeId"`
	Name    string `json:"name"`
	Address string `json:"address"`
	Alive   bool   `json:"alive"`
}

type requestIDKey struct{}

// WithRequestID returns a copy of ctx carrying the client request ID. Writes
// retried with the same request ID are applied once.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

type proposal struct {
	cmd     pb.Command
	resultC chan proposeResult
}

type proposeResult struct {
	rs  *rsm.RequestState
	err error
}

// NodeHost runs one data node: the Raft replica of its group, the apply
// pipeline feeding the key-value table and the transport connecting it to
// its peers.
type NodeHost struct {
	nhConfig  config.NodeHostConfig
	config    config.Config
	res       membership.Resolution
	view      *membership.View
	transport raftio.ITransport
	logdb     raftio.ILogDB
	table     *kv.Table
	sm        *rsm.StateMachine
	pending   *rsm.PendingProposals
	peer      *raft.Peer
	stopper   *syncutil.Stopper
	metrics   *nodeHostMetrics

	msgC      chan pb.Message
	proposeC  chan proposal
	campaignC chan struct{}
	applyC    chan []pb.Entry

	leaderID  uint64
	listener  *raftEventListener
	leaderQ   *leaderInfoQueue
	listeners listenerGroup
	statusMu  sync.RWMutex
	status    raft.Status
	prevRole  raft.Role
	closeOnce sync.Once
	stoppedC  chan struct{}
}

// NewNodeHost creates and starts the NodeHost of the resolved node. cfg
// carries the Raft settings, its GroupID and NodeID must match res.
func NewNodeHost(nhConfig config.NodeHostConfig,
	cfg config.Config, res membership.Resolution) (*NodeHost, error) {
	if err := nhConfig.Prepare(); err != nil {
		return nil, err
	}
	if err := nhConfig.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid NodeHostConfig")
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid Config")
	}
	if cfg.GroupID != res.GroupID || cfg.NodeID != res.Self.NodeID {
		return nil, errors.Newf("config %s does not match resolved node %s",
			logutil.DescribeNode(cfg.GroupID, cfg.NodeID),
			logutil.DescribeNode(res.GroupID, res.Self.NodeID))
	}
	nh := &NodeHost{
		nhConfig:  nhConfig,
		config:    cfg,
		res:       res,
		pending:   rsm.NewPendingProposals(),
		stopper:   syncutil.NewStopper(),
		msgC:      make(chan pb.Message, inboundQueueLength),
		proposeC:  make(chan proposal, proposalQueueLength),
		campaignC: make(chan struct{}, 1),
		applyC:    make(chan []pb.Entry, applyQueueLength),
		leaderQ:   newLeaderInfoQueue(),
		stoppedC:  make(chan struct{}),
	}
	nh.metrics = newNodeHostMetrics(cfg.GroupID, cfg.NodeID, nh)
	if err := nh.checkNodeHostDir(); err != nil {
		return nil, err
	}
	if err := nh.openStorage(); err != nil {
		nh.closeStorage()
		return nil, err
	}
	if err := nh.launchPeer(); err != nil {
		nh.closeStorage()
		return nil, err
	}
	if err := nh.connect(); err != nil {
		nh.closeStorage()
		return nil, err
	}
	nh.listener = newRaftEventListener(cfg.GroupID, cfg.NodeID,
		&nh.leaderID, nh.leaderQ, nh.resolveAddress)
	if nhConfig.RaftEventListener != nil {
		nh.listeners = append(nh.listeners, nhConfig.RaftEventListener)
	}
	if len(res.RoutingProxy) > 0 {
		nh.listeners = append(nh.listeners,
			router.NewNotifier(res.RoutingProxy, res.Self.Name, res.Self.Address))
	}
	nh.refreshStatus()
	nh.stopper.RunWorker(nh.run)
	nh.stopper.RunWorker(nh.applyWorker)
	nh.stopper.RunWorker(nh.leaderInfoWorker)
	plog.Infof("%s started as %s on %s, peers %v", nh.describe(),
		res.Self.Name, nhConfig.RaftAddress, res.PeerIDs())
	return nh, nil
}

func (nh *NodeHost) describe() string {
	return logutil.DescribeNode(nh.config.GroupID, nh.config.NodeID)
}

func (nh *NodeHost) inMemory() bool {
	return nh.nhConfig.Expert.InMemoryStorage
}

func (nh *NodeHost) storageDir(name string) string {
	if len(nh.nhConfig.NodeHostDir) == 0 {
		return name
	}
	return filepath.Join(nh.nhConfig.NodeHostDir, name)
}

// checkNodeHostDir records the owner of the node host directory in a flag
// file, or verifies it when the file already exists.
func (nh *NodeHost) checkNodeHostDir() error {
	dir := nh.nhConfig.NodeHostDir
	if len(dir) == 0 {
		return nil
	}
	fs := nh.nhConfig.Expert.FS
	if err := fs.MkdirAll(dir, 0755); err != nil {
		return errors.Wrapf(err, "failed to create %s", dir)
	}
	owner := fmt.Sprintf("deployment=%d group=%d node=%d name=%s\n",
		nh.nhConfig.GetDeploymentID(), nh.config.GroupID,
		nh.config.NodeID, nh.res.Self.Name)
	fp := filepath.Join(dir, flagFilename)
	f, err := fs.Open(fp)
	if err == nil {
		defer f.Close()
		data, err := io.ReadAll(f)
		if err != nil {
			return errors.Wrapf(err, "failed to read %s", fp)
		}
		if string(data) != owner {
			return errors.Wrapf(ErrNodeHostDirOwned, "%s: %s",
				dir, strings.TrimSpace(string(data)))
		}
		return nil
	}
	if !oserror.IsNotExist(err) {
		return errors.Wrapf(err, "failed to open %s", fp)
	}
	nf, err := fs.Create(fp)
	if err != nil {
		return errors.Wrapf(err, "failed to create %s", fp)
	}
	if _, err := nf.Write([]byte(owner)); err != nil {
		nf.Close()
		return err
	}
	if err := nf.Sync(); err != nil {
		nf.Close()
		return err
	}
	return nf.Close()
}

func (nh *NodeHost) openStorage() error {
	ldb, err := logdb.NewLogDB(nh.storageDir("logdb"), nh.inMemory(),
		func(info logdb.LogDBInfo) {
			nh.metrics.logdbBytes.Add(info.Bytes)
		})
	if err != nil {
		return err
	}
	nh.logdb = ldb
	table, err := kv.Open(nh.storageDir("kv"), nh.inMemory())
	if err != nil {
		return err
	}
	nh.table = table
	nh.sm, err = rsm.NewStateMachine(nh.config.GroupID, nh.config.NodeID,
		table, nh.pending, rsm.DefaultRequestWindow,
		func(pb.Entry, rsm.Result) { nh.metrics.applied.Inc() })
	return err
}

func (nh *NodeHost) closeStorage() {
	if nh.logdb != nil {
		if err := nh.logdb.Close(); err != nil {
			plog.Errorf("%s failed to close logdb, %v", nh.describe(), err)
		}
	}
	if nh.table != nil {
		if err := nh.table.Close(); err != nil {
			plog.Errorf("%s failed to close table, %v", nh.describe(), err)
		}
	}
}

func (nh *NodeHost) launchPeer() error {
	rs, err := nh.logdb.ReadRaftState(nh.config.GroupID, nh.config.NodeID)
	if err != nil && !errors.Is(err, raftio.ErrNoSavedLog) {
		return err
	}
	applied := nh.sm.GetLastApplied()
	if applied > uint64(len(rs.Entries)) {
		return errors.Newf("%s applied index %d beyond %d saved entries",
			nh.describe(), applied, len(rs.Entries))
	}
	nh.peer, err = raft.Launch(nh.config, rs, nh.res.PeerIDs(), applied)
	if err != nil {
		return err
	}
	nh.prevRole = nh.peer.Status().Role
	return nil
}

func (nh *NodeHost) connect() error {
	if f := nh.nhConfig.Expert.TransportFactory; f != nil {
		nh.transport = f.Create(nh.nhConfig, nh.handleMessageBatch)
	} else {
		nh.transport = transport.NewHTTPTransport(nh.nhConfig, nh.handleMessageBatch)
	}
	if err := nh.transport.Start(); err != nil {
		return err
	}
	suspectAfter := time.Duration(nh.config.ElectionMaxRTT) * nh.nhConfig.RTT()
	nh.view = membership.NewView(nh.res, suspectAfter)
	for _, p := range nh.res.Peers {
		sender, err := nh.transport.Connect(p.NodeID, p.Address)
		if err != nil {
			nh.transport.Stop()
			return err
		}
		if err := nh.view.Join(p.NodeID, sender); err != nil {
			nh.transport.Stop()
			return err
		}
	}
	nh.view.Freeze()
	if len(nh.nhConfig.GossipAddress) > 0 {
		if err := nh.view.StartGossip(membership.GossipConfig{
			BindAddress: nh.nhConfig.GossipAddress,
			Seeds:       nh.nhConfig.GossipSeeds,
		}); err != nil {
			nh.view.Close()
			nh.transport.Stop()
			return err
		}
	}
	return nil
}

// Close stops the NodeHost. Pending writes complete with rsm.ErrStopped.
func (nh *NodeHost) Close() {
	nh.closeOnce.Do(func() {
		plog.Infof("%s is stopping", nh.describe())
		nh.stopper.Stop()
		nh.transport.Stop()
		nh.view.Close()
		nh.pending.Close()
		nh.closeStorage()
		close(nh.stoppedC)
		plog.Infof("%s stopped", nh.describe())
	})
}

// Stopped returns a channel closed once the NodeHost is stopped.
func (nh *NodeHost) Stopped() <-chan struct{} {
	return nh.stoppedC
}

// RaftAddress returns the address peers use to reach the NodeHost.
func (nh *NodeHost) RaftAddress() string {
	return nh.nhConfig.RaftAddress
}

// Transport returns the transport module of the NodeHost.
func (nh *NodeHost) Transport() raftio.ITransport {
	return nh.transport
}

// Propose replicates the command and waits until it is applied. Writes sent
// to a non-leader fail with ErrNotLeader, writes not applied within
// NodeHostConfig.CommitTimeout fail with rsm.ErrCommitTimeout.
func (nh *NodeHost) Propose(ctx context.Context, cmd pb.Command) (rsm.Result, error) {
	if len(cmd.RequestID) == 0 {
		cmd.RequestID = uuid.NewString()
	}
	p := proposal{cmd: cmd, resultC: make(chan proposeResult, 1)}
	select {
	case nh.proposeC <- p:
	case <-ctx.Done():
		return rsm.Result{}, errors.Wrap(rsm.ErrCommitTimeout, ctx.Err().Error())
	case <-nh.stopper.ShouldStop():
		return rsm.Result{}, ErrClosed
	}
	var r proposeResult
	select {
	case r = <-p.resultC:
	case <-nh.stopper.ShouldStop():
		return rsm.Result{}, ErrClosed
	}
	if r.err != nil {
		nh.metrics.proposalsDropped.Inc()
		return rsm.Result{}, r.err
	}
	nh.metrics.proposals.Inc()
	wctx, cancel := context.WithTimeout(ctx, nh.nhConfig.CommitTimeout)
	defer cancel()
	result, err := nh.pending.Wait(wctx, r.rs)
	if errors.Is(err, rsm.ErrCommitTimeout) {
		nh.metrics.commitTimeouts.Inc()
	}
	return result, err
}

// Create replicates the creation of key, an existing value is overwritten.
func (nh *NodeHost) Create(ctx context.Context,
	key string, value []byte) (kv.Entry, error) {
	return nh.write(ctx, pb.Command{Op: pb.CreateOp, Key: key, Value: value})
}

// Update replicates the update of an existing key.
func (nh *NodeHost) Update(ctx context.Context,
	key string, value []byte) (kv.Entry, error) {
	return nh.write(ctx, pb.Command{Op: pb.UpdateOp, Key: key, Value: value})
}

// Delete replicates the removal of an existing key.
func (nh *NodeHost) Delete(ctx context.Context, key string) (kv.Entry, error) {
	return nh.write(ctx, pb.Command{Op: pb.DeleteOp, Key: key})
}

func (nh *NodeHost) write(ctx context.Context, cmd pb.Command) (kv.Entry, error) {
	if len(cmd.Key) == 0 {
		return kv.Entry{}, kv.ErrEmptyKey
	}
	if id, ok := ctx.Value(requestIDKey{}).(string); ok && len(id) > 0 {
		cmd.RequestID = id
	}
	result, err := nh.Propose(ctx, cmd)
	if err != nil {
		return kv.Entry{}, err
	}
	return result.Entry, result.Err
}

// Read returns the locally applied value of key. Followers might return
// stale values.
func (nh *NodeHost) Read(key string) (kv.Entry, error) {
	e, err := nh.table.Read(key)
	if errors.Is(err, kv.ErrClosed) {
		return kv.Entry{}, ErrClosed
	}
	return e, err
}

// Campaign asks the local replica to start an election.
func (nh *NodeHost) Campaign() error {
	select {
	case <-nh.stopper.ShouldStop():
		return ErrClosed
	default:
	}
	select {
	case nh.campaignC <- struct{}{}:
	default:
	}
	return nil
}

// GetLeaderID returns the leader known by the local replica.
func (nh *NodeHost) GetLeaderID() (uint64, bool) {
	leaderID := atomic.LoadUint64(&nh.leaderID)
	return leaderID, leaderID != raftio.NoLeader
}

// IsLeader returns a boolean value indicating whether the local replica is
// the leader of its group.
func (nh *NodeHost) IsLeader() bool {
	leaderID, ok := nh.GetLeaderID()
	return ok && leaderID == nh.config.NodeID
}

// Status returns the current status of the NodeHost.
func (nh *NodeHost) Status() Status {
	nh.statusMu.RLock()
	rs := nh.status
	nh.statusMu.RUnlock()
	st := Status{
		Name:      nh.res.Self.Name,
		GroupID:   rs.GroupID,
		NodeID:    rs.NodeID,
		Role:      rs.Role.String(),
		Term:      rs.Term,
		Vote:      rs.Vote,
		LeaderID:  rs.LeaderID,
		Committed: rs.Committed,
		Applied:   nh.sm.GetLastApplied(),
		LastIndex: rs.LastIndex,
	}
	if rs.LeaderID != raftio.NoLeader {
		st.LeaderAddress = nh.resolveAddress(rs.LeaderID)
	}
	if nh.view != nil {
		for _, p := range nh.view.PeerStatus() {
			st.Peers = append(st.Peers, PeerStatus{
				NodeID:  p.NodeID,
				Name:    p.Name,
				Address: p.Address,
				Alive:   p.Alive,
			})
		}
	}
	return st
}

func (nh *NodeHost) resolveAddress(nodeID uint64) string {
	if nodeID == nh.res.Self.NodeID {
		return nh.res.Self.Address
	}
	if nh.view != nil {
		if m, ok := nh.view.Peer(nodeID); ok {
			return m.Address
		}
	}
	return ""
}

func (nh *NodeHost) notLeaderError(leaderID uint64) error {
	e := &NotLeaderError{LeaderID: leaderID}
	if leaderID != raftio.NoLeader {
		e.LeaderAddress = nh.resolveAddress(leaderID)
	}
	return errors.Mark(e, ErrNotLeader)
}

// handleMessageBatch is the raftio.MessageHandler of the transport.
func (nh *NodeHost) handleMessageBatch(batch pb.MessageBatch) {
	for _, m := range batch.Requests {
		if m.GroupID != nh.config.GroupID {
			nh.metrics.msgDropped.Inc()
			continue
		}
		select {
		case nh.msgC <- m:
			nh.metrics.msgReceived.Inc()
		default:
			nh.metrics.msgDropped.Inc()
		}
	}
}

// run is the engine loop, it is the only goroutine touching the replica.
func (nh *NodeHost) run() {
	ticker := time.NewTicker(nh.nhConfig.RTT())
	defer ticker.Stop()
	for {
		select {
		case <-nh.stopper.ShouldStop():
			return
		case <-ticker.C:
			nh.peer.Tick()
		case m := <-nh.msgC:
			nh.view.Touch(m.From)
			nh.peer.Handle(m)
		case p := <-nh.proposeC:
			nh.propose(p)
		case <-nh.campaignC:
			nh.peer.Campaign()
		}
		nh.processUpdate()
	}
}

func (nh *NodeHost) propose(p proposal) {
	index, term, err := nh.peer.Propose(p.cmd)
	if err != nil {
		if errors.Is(err, raft.ErrNotLeader) {
			err = nh.notLeaderError(nh.peer.LeaderID())
		}
		p.resultC <- proposeResult{err: err}
		return
	}
	p.resultC <- proposeResult{rs: nh.pending.Add(index, term)}
}

// processUpdate persists the replica's changes before its messages are
// sent and its committed entries are applied.
func (nh *NodeHost) processUpdate() {
	if !nh.peer.HasUpdate() {
		return
	}
	ud := nh.peer.GetUpdate()
	if err := nh.logdb.SaveRaftState(ud); err != nil {
		plog.Panicf("%s failed to save raft state, %v", nh.describe(), err)
	}
	for _, m := range ud.Messages {
		if nh.view.Send(m) {
			nh.metrics.msgSent.Inc()
		} else {
			nh.metrics.msgDropped.Inc()
		}
	}
	if len(ud.CommittedEntries) > 0 {
		entries := append([]pb.Entry(nil), ud.CommittedEntries...)
		select {
		case nh.applyC <- entries:
		case <-nh.stopper.ShouldStop():
			return
		}
	}
	if ud.LeaderUpdate != nil {
		nh.metrics.leaderChanges.Inc()
		nh.listener.LeaderUpdated(raftio.LeaderInfo{
			Term:     ud.LeaderUpdate.Term,
			LeaderID: ud.LeaderUpdate.LeaderID,
		})
	}
	nh.peer.Commit(ud)
	nh.refreshStatus()
}

func (nh *NodeHost) refreshStatus() {
	st := nh.peer.Status()
	if st.Role == raft.Candidate && nh.prevRole != raft.Candidate {
		nh.metrics.elections.Inc()
	}
	nh.prevRole = st.Role
	nh.statusMu.Lock()
	nh.status = st
	nh.statusMu.Unlock()
}

func (nh *NodeHost) applyWorker() {
	for {
		select {
		case <-nh.stopper.ShouldStop():
			return
		case entries := <-nh.applyC:
			if err := nh.sm.Apply(entries); err != nil {
				plog.Panicf("%s failed to apply entries, %v", nh.describe(), err)
			}
		}
	}
}

func (nh *NodeHost) leaderInfoWorker() {
	for {
		select {
		case <-nh.stopper.ShouldStop():
			return
		case <-nh.leaderQ.workReady():
			for {
				info, ok := nh.leaderQ.getLeaderInfo()
				if !ok {
					break
				}
				plog.Infof("%s observed leader %s in term %d", nh.describe(),
					logutil.NodeID(info.LeaderID), info.Term)
				nh.listeners.LeaderUpdated(info)
			}
		}
	}
}
