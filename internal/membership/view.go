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
Package membership is the static membership view of a replica group. Peers
are resolved from the topology once, an outbound sender is registered for
each of them at startup and the view is then frozen: messages are routed to
the registered senders without looking at the configuration again.

The view also tracks peer liveness from the inbound traffic and, when
enabled, from a memberlist gossip ring. Liveness is informational only, the
voter set never changes.
*/
package membership

import (
	"sort"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/lni/goutils/logutil"

	"github.com/jorgefdc97/SistemasDistribuidos-Project/config"
	"github.com/jorgefdc97/SistemasDistribuidos-Project/logger"
	"github.com/jorgefdc97/SistemasDistribuidos-Project/raftio"
	pb "github.com/jorgefdc97/SistemasDistribuidos-Project/raftpb"
)

var plog = logger.GetLogger("membership")

var (
	// ErrMembershipFrozen is returned when a peer joins after the view was
	// frozen.
	ErrMembershipFrozen = errors.New("membership frozen")
	// ErrUnknownPeer is returned for node IDs outside of the group.
	ErrUnknownPeer = errors.New("unknown peer")
	// ErrAlreadyJoined is returned when a peer joins twice.
	ErrAlreadyJoined = errors.New("peer already joined")
)

// Member is a data node of the replica group.
type Member struct {
	NodeID  uint64
	Name    string
	Address string
}

// Resolution is the local member and its replica group resolved from the
// topology.
type Resolution struct {
	DeploymentID uint64
	GroupID      uint64
	Self         Member
	Peers        []Member
	// RoutingProxy is the address of the routing proxy, empty when not
	// configured.
	RoutingProxy string
}

// Resolve locates the named node in the topology and returns it with the
// other members of its replica group.
func Resolve(topo *config.Topology, name string) (Resolution, error) {
	loc, err := topo.Locate(name)
	if err != nil {
		return Resolution{}, err
	}
	group, ok := topo.Group(loc.GroupID)
	if !ok {
		return Resolution{}, errors.Wrapf(config.ErrInvalidTopology, "group %d", loc.GroupID)
	}
	res := Resolution{
		DeploymentID: topo.DeploymentID,
		GroupID:      loc.GroupID,
		RoutingProxy: topo.RP.Address(),
		Self: Member{
			NodeID:  loc.NodeID,
			Name:    loc.Server.Name,
			Address: loc.Server.Address(),
		},
	}
	for i, s := range group.Servers {
		nodeID := uint64(i + 1)
		if nodeID == loc.NodeID {
			continue
		}
		if !config.IsValidAddress(s.Address()) {
			return Resolution{}, errors.Wrapf(config.ErrInvalidTopology,
				"invalid address %s for %s", s.Address(), s.Name)
		}
		res.Peers = append(res.Peers, Member{
			NodeID:  nodeID,
			Name:    s.Name,
			Address: s.Address(),
		})
	}
	return res, nil
}

// PeerIDs returns the node IDs of the peers.
func (r Resolution) PeerIDs() []uint64 {
	ids := make([]uint64, 0, len(r.Peers))
	for _, p := range r.Peers {
		ids = append(ids, p.NodeID)
	}
	return ids
}

// PeerStatus is the liveness of a peer.
type PeerStatus struct {
	Member
	Alive       bool
	LastContact time.Time
}

// View is the membership view used by a NodeHost.
type View struct {
	mu           sync.RWMutex
	res          Resolution
	peers        map[uint64]Member
	senders      map[uint64]raftio.ISender
	lastContact  map[uint64]time.Time
	gossipAlive  map[uint64]bool
	frozen       bool
	suspectAfter time.Duration
	now          func() time.Time
	gossip       *gossip
}

// NewView creates the view of the resolved group. Peers not heard from in
// suspectAfter are reported as suspected.
func NewView(res Resolution, suspectAfter time.Duration) *View {
	v := &View{
		res:          res,
		peers:        make(map[uint64]Member),
		senders:      make(map[uint64]raftio.ISender),
		lastContact:  make(map[uint64]time.Time),
		gossipAlive:  make(map[uint64]bool),
		suspectAfter: suspectAfter,
		now:          time.Now,
	}
	for _, p := range res.Peers {
		v.peers[p.NodeID] = p
	}
	return v
}

// GroupID returns the ID of the replica group.
func (v *View) GroupID() uint64 {
	return v.res.GroupID
}

// Self returns the local member.
func (v *View) Self() Member {
	return v.res.Self
}

// Resolution returns the resolution the view was created from.
func (v *View) Resolution() Resolution {
	return v.res
}

// Peer returns the member with the specified node ID.
func (v *View) Peer(nodeID uint64) (Member, bool) {
	if nodeID == v.res.Self.NodeID {
		return v.res.Self, true
	}
	m, ok := v.peers[nodeID]
	return m, ok
}

// Join registers the outbound sender of the peer.
func (v *View) Join(nodeID uint64, sender raftio.ISender) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.frozen {
		return ErrMembershipFrozen
	}
	if _, ok := v.peers[nodeID]; !ok {
		return errors.Wrapf(ErrUnknownPeer, "node %d", nodeID)
	}
	if _, ok := v.senders[nodeID]; ok {
		return errors.Wrapf(ErrAlreadyJoined, "node %d", nodeID)
	}
	v.senders[nodeID] = sender
	plog.Infof("%s joined peer %s",
		logutil.DescribeNode(v.res.GroupID, v.res.Self.NodeID),
		logutil.NodeID(nodeID))
	return nil
}

// Freeze prevents further joins.
func (v *View) Freeze() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.frozen = true
}

// Send routes the message to the sender registered for its target. It
// returns false when the message was dropped.
func (v *View) Send(m pb.Message) bool {
	v.mu.RLock()
	sender, ok := v.senders[m.To]
	v.mu.RUnlock()
	if !ok {
		plog.Warningf("%s has no sender for %s, %s dropped",
			logutil.DescribeNode(v.res.GroupID, v.res.Self.NodeID),
			logutil.NodeID(m.To), m.Type)
		return false
	}
	return sender.Send(m)
}

// Touch records that a message was received from the peer.
func (v *View) Touch(nodeID uint64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if _, ok := v.peers[nodeID]; ok {
		v.lastContact[nodeID] = v.now()
	}
}

// Alive returns whether the peer was heard from recently or is reported
// alive by the gossip ring.
func (v *View) Alive(nodeID uint64) bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.alive(nodeID)
}

func (v *View) alive(nodeID uint64) bool {
	if v.gossipAlive[nodeID] {
		return true
	}
	last, ok := v.lastContact[nodeID]
	return ok && v.now().Sub(last) <= v.suspectAfter
}

// PeerStatus returns the liveness of all peers ordered by node ID.
func (v *View) PeerStatus() []PeerStatus {
	v.mu.RLock()
	defer v.mu.RUnlock()
	result := make([]PeerStatus, 0, len(v.peers))
	for id, m := range v.peers {
		result = append(result, PeerStatus{
			Member:      m,
			Alive:       v.alive(id),
			LastContact: v.lastContact[id],
		})
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].NodeID < result[j].NodeID
	})
	return result
}

func (v *View) setGossipAlive(name string, alive bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	for id, m := range v.peers {
		if m.Name == name {
			v.gossipAlive[id] = alive
			if !alive {
				delete(v.lastContact, id)
			}
			plog.Infof("%s gossip reported %s alive %t",
				logutil.DescribeNode(v.res.GroupID, v.res.Self.NodeID), name, alive)
			return
		}
	}
}

// Close stops the gossip ring and closes all senders.
func (v *View) Close() {
	v.mu.Lock()
	g := v.gossip
	v.gossip = nil
	senders := v.senders
	v.senders = make(map[uint64]raftio.ISender)
	v.mu.Unlock()
	if g != nil {
		g.stop()
	}
	for _, s := range senders {
		s.Close()
	}
}
