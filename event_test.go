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
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jorgefdc97/SistemasDistribuidos-Project/raftio"
)

func TestLeaderInfoQueueKeepsOrder(t *testing.T) {
	q := newLeaderInfoQueue()
	_, ok := q.getLeaderInfo()
	assert.False(t, ok)
	for i := uint64(1); i <= 3; i++ {
		q.addLeaderInfo(raftio.LeaderInfo{Term: i})
	}
	select {
	case <-q.workReady():
	default:
		t.Fatalf("work not signalled")
	}
	for i := uint64(1); i <= 3; i++ {
		info, ok := q.getLeaderInfo()
		require.True(t, ok)
		assert.Equal(t, i, info.Term)
	}
	_, ok = q.getLeaderInfo()
	assert.False(t, ok)
}

func TestRaftEventListenerResolvesLeaderAddress(t *testing.T) {
	var leaderID uint64
	q := newLeaderInfoQueue()
	resolve := func(nodeID uint64) string {
		if nodeID == 2 {
			return "localhost:5002"
		}
		return ""
	}
	l := newRaftEventListener(1, 3, &leaderID, q, resolve)
	l.LeaderUpdated(raftio.LeaderInfo{Term: 4, LeaderID: 2})
	assert.Equal(t, uint64(2), atomic.LoadUint64(&leaderID))
	info, ok := q.getLeaderInfo()
	require.True(t, ok)
	assert.Equal(t, raftio.LeaderInfo{
		GroupID:       1,
		NodeID:        3,
		Term:          4,
		LeaderID:      2,
		LeaderAddress: "localhost:5002",
	}, info)

	l.LeaderUpdated(raftio.LeaderInfo{Term: 5, LeaderID: raftio.NoLeader})
	info, ok = q.getLeaderInfo()
	require.True(t, ok)
	assert.Empty(t, info.LeaderAddress)
	assert.False(t, info.IsLeader())
}
