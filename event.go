// Copyright 2017-2020 Lei Ni (nilei81@gmail.com) and other contributors.
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
	"sync"
	"sync/atomic"

	"github.com/jorgefdc97/SistemasDistribuidos-Project/raftio"
)

// leaderInfoQueue buffers leader changes until the dedicated listener
// goroutine delivers them, the engine never waits for listeners.
type leaderInfoQueue struct {
	mu            sync.Mutex
	notifications []raftio.LeaderInfo
	workCh        chan struct{}
}

func newLeaderInfoQueue() *leaderInfoQueue {
	return &leaderInfoQueue{workCh: make(chan struct{}, 1)}
}

func (q *leaderInfoQueue) workReady() chan struct{} {
	return q.workCh
}

func (q *leaderInfoQueue) addLeaderInfo(info raftio.LeaderInfo) {
	q.mu.Lock()
	q.notifications = append(q.notifications, info)
	q.mu.Unlock()
	select {
	case q.workCh <- struct{}{}:
	default:
	}
}

func (q *leaderInfoQueue) getLeaderInfo() (raftio.LeaderInfo, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.notifications) == 0 {
		return raftio.LeaderInfo{}, false
	}
	v := q.notifications[0]
	q.notifications = q.notifications[1:]
	return v, true
}

type raftEventListener struct {
	leaderID *uint64
	queue    *leaderInfoQueue
	nodeID   uint64
	groupID  uint64
	resolve  func(nodeID uint64) string
}

var _ raftio.IRaftEventListener = (*raftEventListener)(nil)

func newRaftEventListener(groupID uint64, nodeID uint64, leaderID *uint64,
	queue *leaderInfoQueue, resolve func(uint64) string) *raftEventListener {
	return &raftEventListener{
		groupID:  groupID,
		nodeID:   nodeID,
		leaderID: leaderID,
		queue:    queue,
		resolve:  resolve,
	}
}

func (e *raftEventListener) LeaderUpdated(info raftio.LeaderInfo) {
	atomic.StoreUint64(e.leaderID, info.LeaderID)
	if e.queue != nil {
		ui := raftio.LeaderInfo{
			GroupID:  e.groupID,
			NodeID:   e.nodeID,
			Term:     info.Term,
			LeaderID: info.LeaderID,
		}
		if info.LeaderID != raftio.NoLeader && e.resolve != nil {
			ui.LeaderAddress = e.resolve(info.LeaderID)
		}
		e.queue.addLeaderInfo(ui)
	}
}

// listenerGroup fans leader changes out to several listeners.
type listenerGroup []raftio.IRaftEventListener

func (g listenerGroup) LeaderUpdated(info raftio.LeaderInfo) {
	for _, l := range g {
		l.LeaderUpdated(info)
	}
}
