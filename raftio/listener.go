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

package raftio

// NoLeader is the LeaderID value used to indicate that there is no leader
// known to the local replica.
const NoLeader uint64 = 0

// LeaderInfo contains leader info of a replica group.
type LeaderInfo struct {
	GroupID  uint64
	NodeID   uint64
	Term     uint64
	LeaderID uint64
	// LeaderAddress is the raft address of the leader, empty when unknown.
	LeaderAddress string
}

// IsLeader returns a boolean value indicating whether the local replica is
// the leader described by the LeaderInfo.
func (l LeaderInfo) IsLeader() bool {
	return l.LeaderID != NoLeader && l.LeaderID == l.NodeID
}

// IRaftEventListener is the interface to allow users to get notified for
// certain Raft events.
//
// Listeners are invoked one by one from a single dedicated goroutine, slow
// listeners delay all later notifications but never the Raft protocol.
type IRaftEventListener interface {
	LeaderUpdated(info LeaderInfo)
}
