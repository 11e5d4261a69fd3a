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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/lni/vfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jorgefdc97/SistemasDistribuidos-Project/config"
	"github.com/jorgefdc97/SistemasDistribuidos-Project/internal/kv"
	"github.com/jorgefdc97/SistemasDistribuidos-Project/internal/membership"
	"github.com/jorgefdc97/SistemasDistribuidos-Project/internal/router"
	"github.com/jorgefdc97/SistemasDistribuidos-Project/internal/rsm"
	"github.com/jorgefdc97/SistemasDistribuidos-Project/raftio"
	"github.com/jorgefdc97/SistemasDistribuidos-Project/transport"
)

const (
	waitFor = 10 * time.Second
	pollFor = 5 * time.Millisecond
)

func testTopology(n int, rp config.RoutingProxy) *config.Topology {
	group := config.ReplicaGroup{Name: "DN1"}
	for i := 1; i <= n; i++ {
		group.Servers = append(group.Servers, config.Server{
			Name: fmt.Sprintf("DN1s%d", i),
			Host: "localhost",
			Port: 5000 + i,
		})
	}
	return &config.Topology{DeploymentID: 1, RP: rp, DNs: []config.ReplicaGroup{group}}
}

func testConfig(res membership.Resolution) config.Config {
	return config.Config{
		GroupID:        res.GroupID,
		NodeID:         res.Self.NodeID,
		CheckQuorum:    true,
		ElectionMinRTT: 10,
		ElectionMaxRTT: 20,
		HeartbeatRTT:   2,
	}
}

func testNodeHostConfig(res membership.Resolution,
	nw *transport.InMemoryNetwork, fs config.IFS) config.NodeHostConfig {
	return config.NodeHostConfig{
		DeploymentID:   res.DeploymentID,
		NodeHostDir:    res.Self.Name,
		RTTMillisecond: 2,
		RaftAddress:    res.Self.Address,
		CommitTimeout:  2 * time.Second,
		Expert: config.ExpertConfig{
			FS:               fs,
			InMemoryStorage:  true,
			TransportFactory: nw,
		},
	}
}

type testCluster struct {
	t     *testing.T
	nw    *transport.InMemoryNetwork
	hosts []*NodeHost
}

func newTestCluster(t *testing.T, n int) *testCluster {
	return newTestClusterWith(t, n, config.RoutingProxy{}, nil)
}

func newTestClusterWith(t *testing.T, n int, rp config.RoutingProxy,
	update func(*config.NodeHostConfig)) *testCluster {
	topo := testTopology(n, rp)
	c := &testCluster{t: t, nw: transport.NewInMemoryNetwork()}
	fs := vfs.NewMem()
	for i := 1; i <= n; i++ {
		res, err := membership.Resolve(topo, fmt.Sprintf("DN1s%d", i))
		require.NoError(t, err)
		nhConfig := testNodeHostConfig(res, c.nw, fs)
		if update != nil {
			update(&nhConfig)
		}
		nh, err := NewNodeHost(nhConfig, testConfig(res), res)
		require.NoError(t, err)
		c.hosts = append(c.hosts, nh)
	}
	t.Cleanup(c.close)
	return c
}

func (c *testCluster) close() {
	for _, nh := range c.hosts {
		nh.Close()
	}
}

// leaderOf returns the only leader among hosts, nil when there is none or
// more than one.
func leaderOf(hosts []*NodeHost) *NodeHost {
	var leader *NodeHost
	for _, nh := range hosts {
		if nh.Status().Role == "Leader" {
			if leader != nil {
				return nil
			}
			leader = nh
		}
	}
	return leader
}

func (c *testCluster) waitForLeader(hosts []*NodeHost) *NodeHost {
	var leader *NodeHost
	require.Eventually(c.t, func() bool {
		leader = leaderOf(hosts)
		if leader == nil {
			return false
		}
		leaderID := leader.Status().NodeID
		for _, nh := range hosts {
			if id, ok := nh.GetLeaderID(); !ok || id != leaderID {
				return false
			}
		}
		return true
	}, waitFor, pollFor)
	return leader
}

func (c *testCluster) followers(leader *NodeHost) []*NodeHost {
	var result []*NodeHost
	for _, nh := range c.hosts {
		if nh != leader {
			result = append(result, nh)
		}
	}
	return result
}

func (c *testCluster) waitForValue(hosts []*NodeHost, key string, value string) {
	require.Eventually(c.t, func() bool {
		for _, nh := range hosts {
			e, err := nh.Read(key)
			if err != nil || string(e.Value) != value {
				return false
			}
		}
		return true
	}, waitFor, pollFor)
}

func TestThreeNodeClusterElectsOneLeader(t *testing.T) {
	c := newTestCluster(t, 3)
	leader := c.waitForLeader(c.hosts)
	st := leader.Status()
	assert.Equal(t, "Leader", st.Role)
	assert.Equal(t, st.Name, fmt.Sprintf("DN1s%d", st.NodeID))
	for _, f := range c.followers(leader) {
		fs := f.Status()
		assert.Equal(t, "Follower", fs.Role)
		assert.Equal(t, st.Term, fs.Term)
		assert.Equal(t, leader.RaftAddress(), fs.LeaderAddress)
	}
}

func TestReplicatedCreateIsReadableOnAllNodes(t *testing.T) {
	c := newTestCluster(t, 3)
	leader := c.waitForLeader(c.hosts)
	e, err := leader.Create(context.Background(), "x", []byte("1"))
	require.NoError(t, err)
	assert.Equal(t, "x", e.Key)
	assert.Equal(t, []byte("1"), e.Value)
	// applied on the leader before the write returns
	got, err := leader.Read("x")
	require.NoError(t, err)
	assert.Equal(t, e.Index, got.Index)
	c.waitForValue(c.hosts, "x", "1")

	_, err = leader.Update(context.Background(), "x", []byte("2"))
	require.NoError(t, err)
	c.waitForValue(c.hosts, "x", "2")
	_, err = leader.Delete(context.Background(), "x")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		for _, nh := range c.hosts {
			if _, err := nh.Read("x"); !errors.Is(err, kv.ErrNotFound) {
				return false
			}
		}
		return true
	}, waitFor, pollFor)
	applied := leader.Status().Applied
	require.Eventually(t, func() bool {
		for _, nh := range c.hosts {
			if nh.Status().Applied < applied {
				return false
			}
		}
		return true
	}, waitFor, pollFor)
}

func TestMissingKeysAreReportedAfterCommit(t *testing.T) {
	c := newTestCluster(t, 3)
	leader := c.waitForLeader(c.hosts)
	_, err := leader.Create(context.Background(), "k", []byte("v"))
	require.NoError(t, err)
	before := leader.Status().Applied
	_, err = leader.Update(context.Background(), "missing", []byte("1"))
	assert.True(t, errors.Is(err, kv.ErrNotFound))
	_, err = leader.Delete(context.Background(), "missing")
	assert.True(t, errors.Is(err, kv.ErrNotFound))
	assert.Equal(t, before+2, leader.Status().Applied)
	_, err = leader.Create(context.Background(), "", []byte("1"))
	assert.True(t, errors.Is(err, kv.ErrEmptyKey))
}

func TestFollowerRejectsWritesWithLeaderHint(t *testing.T) {
	c := newTestCluster(t, 3)
	leader := c.waitForLeader(c.hosts)
	follower := c.followers(leader)[0]
	_, err := follower.Create(context.Background(), "x", []byte("1"))
	require.True(t, errors.Is(err, ErrNotLeader))
	leaderID, addr, ok := LeaderHint(err)
	assert.True(t, ok)
	assert.Equal(t, leader.Status().NodeID, leaderID)
	assert.Equal(t, leader.RaftAddress(), addr)
	_, err = follower.Read("x")
	assert.True(t, errors.Is(err, kv.ErrNotFound))
}

func TestPartitionedLeaderStepsDownOnHeal(t *testing.T) {
	c := newTestCluster(t, 3)
	oldLeader := c.waitForLeader(c.hosts)
	oldTerm := oldLeader.Status().Term
	_, err := oldLeader.Create(context.Background(), "a", []byte("1"))
	require.NoError(t, err)
	c.waitForValue(c.hosts, "a", "1")

	c.nw.Isolate(oldLeader.RaftAddress())
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	_, err = oldLeader.Create(ctx, "stale", []byte("1"))
	cancel()
	assert.True(t, errors.Is(err, rsm.ErrCommitTimeout), "%v", err)

	others := c.followers(oldLeader)
	newLeader := c.waitForLeader(others)
	assert.Greater(t, newLeader.Status().Term, oldTerm)
	_, err = newLeader.Create(context.Background(), "b", []byte("2"))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return oldLeader.Status().Role != "Leader"
	}, waitFor, pollFor)

	c.nw.Heal()
	c.waitForValue(c.hosts, "b", "2")
	c.waitForLeader(c.hosts)
	for _, nh := range c.hosts {
		_, err := nh.Read("stale")
		assert.True(t, errors.Is(err, kv.ErrNotFound))
	}
}

func TestCampaignMovesLeadership(t *testing.T) {
	c := newTestCluster(t, 3)
	leader := c.waitForLeader(c.hosts)
	_, err := leader.Create(context.Background(), "k", []byte("v"))
	require.NoError(t, err)
	c.waitForValue(c.hosts, "k", "v")
	target := c.followers(leader)[1]
	require.Eventually(t, func() bool {
		if target.IsLeader() {
			return true
		}
		_ = target.Campaign()
		return false
	}, waitFor, 50*time.Millisecond)
	assert.Equal(t, target, c.waitForLeader(c.hosts))
}

func TestDuplicatedRequestIsAppliedOnce(t *testing.T) {
	c := newTestCluster(t, 1)
	leader := c.waitForLeader(c.hosts)
	ctx := WithRequestID(context.Background(), "req-1")
	first, err := leader.Create(ctx, "x", []byte("1"))
	require.NoError(t, err)
	second, err := leader.Create(ctx, "x", []byte("2"))
	require.NoError(t, err)
	assert.Equal(t, first, second)
	e, err := leader.Read("x")
	require.NoError(t, err)
	assert.Equal(t, []byte("1"), e.Value)
}

func TestRestartKeepsAppliedState(t *testing.T) {
	dir := t.TempDir()
	nw := transport.NewInMemoryNetwork()
	res, err := membership.Resolve(testTopology(1, config.RoutingProxy{}), "DN1s1")
	require.NoError(t, err)
	nhConfig := testNodeHostConfig(res, nw, nil)
	nhConfig.NodeHostDir = dir
	nhConfig.Expert.InMemoryStorage = false

	nh, err := NewNodeHost(nhConfig, testConfig(res), res)
	require.NoError(t, err)
	c := &testCluster{t: t, nw: nw, hosts: []*NodeHost{nh}}
	c.waitForLeader(c.hosts)
	ctx := WithRequestID(context.Background(), "req-k")
	e, err := nh.Create(ctx, "k", []byte("v1"))
	require.NoError(t, err)
	st := nh.Status()
	nh.Close()

	nh, err = NewNodeHost(nhConfig, testConfig(res), res)
	require.NoError(t, err)
	defer nh.Close()
	got, err := nh.Read("k")
	require.NoError(t, err)
	assert.Equal(t, e, got)
	assert.Equal(t, st.Applied, nh.Status().Applied)
	assert.GreaterOrEqual(t, nh.Status().Term, st.Term)
	c.hosts = []*NodeHost{nh}
	c.waitForLeader(c.hosts)
	e2, err := nh.Create(context.Background(), "k2", []byte("v2"))
	require.NoError(t, err)
	assert.Greater(t, e2.Index, e.Index)

	// a retry arriving after the restart reports the earlier write
	retried, err := nh.Create(ctx, "k", []byte("other"))
	require.NoError(t, err)
	assert.Equal(t, e, retried)
	got, err = nh.Read("k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), got.Value)
}

func TestNodeHostDirOwnershipIsChecked(t *testing.T) {
	fs := vfs.NewMem()
	nw := transport.NewInMemoryNetwork()
	res, err := membership.Resolve(testTopology(1, config.RoutingProxy{}), "DN1s1")
	require.NoError(t, err)
	nhConfig := testNodeHostConfig(res, nw, fs)
	nh, err := NewNodeHost(nhConfig, testConfig(res), res)
	require.NoError(t, err)
	nh.Close()

	nh, err = NewNodeHost(nhConfig, testConfig(res), res)
	require.NoError(t, err)
	nh.Close()

	nhConfig.DeploymentID = 2
	_, err = NewNodeHost(nhConfig, testConfig(res), res)
	assert.True(t, errors.Is(err, ErrNodeHostDirOwned))
}

func TestNewNodeHostRejectsMismatchedConfig(t *testing.T) {
	nw := transport.NewInMemoryNetwork()
	res, err := membership.Resolve(testTopology(3, config.RoutingProxy{}), "DN1s2")
	require.NoError(t, err)
	cfg := testConfig(res)
	cfg.NodeID = 3
	_, err = NewNodeHost(testNodeHostConfig(res, nw, vfs.NewMem()), cfg, res)
	assert.Error(t, err)
	cfg = testConfig(res)
	cfg.HeartbeatRTT = 0
	_, err = NewNodeHost(testNodeHostConfig(res, nw, vfs.NewMem()), cfg, res)
	assert.Error(t, err)
}

func TestClosedNodeHostRejectsRequests(t *testing.T) {
	c := newTestCluster(t, 1)
	nh := c.hosts[0]
	c.waitForLeader(c.hosts)
	nh.Close()
	nh.Close()
	select {
	case <-nh.Stopped():
	default:
		t.Fatalf("stopped channel not closed")
	}
	_, err := nh.Create(context.Background(), "k", []byte("v"))
	assert.True(t, errors.Is(err, ErrClosed))
	_, err = nh.Read("k")
	assert.True(t, errors.Is(err, ErrClosed))
	assert.True(t, errors.Is(nh.Campaign(), ErrClosed))
}

func announcementHandler(mu *sync.Mutex,
	received *[]router.Announcement) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var a router.Announcement
		if err := json.NewDecoder(r.Body).Decode(&a); err == nil {
			mu.Lock()
			*received = append(*received, a)
			mu.Unlock()
		}
		w.WriteHeader(http.StatusOK)
	})
}

type leaderRecorder struct {
	mu    sync.Mutex
	infos []raftio.LeaderInfo
}

func (r *leaderRecorder) LeaderUpdated(info raftio.LeaderInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.infos = append(r.infos, info)
}

func (r *leaderRecorder) sawLeader(nodeID uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, info := range r.infos {
		if info.LeaderID == nodeID && len(info.LeaderAddress) > 0 {
			return true
		}
	}
	return false
}

func TestLeaderChangesReachListeners(t *testing.T) {
	var received []router.Announcement
	var mu sync.Mutex
	proxy := httptest.NewServer(announcementHandler(&mu, &received))
	defer proxy.Close()
	host, port, err := net.SplitHostPort(strings.TrimPrefix(proxy.URL, "http://"))
	require.NoError(t, err)
	p, err := strconv.Atoi(port)
	require.NoError(t, err)

	rec := &leaderRecorder{}
	c := newTestClusterWith(t, 1, config.RoutingProxy{Host: host, Port: p},
		func(nhConfig *config.NodeHostConfig) {
			nhConfig.RaftEventListener = rec
		})
	c.waitForLeader(c.hosts)
	assert.Eventually(t, func() bool { return rec.sawLeader(1) }, waitFor, pollFor)
	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) > 0
	}, waitFor, pollFor)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, router.Announcement{
		MasterID: "DN1s1",
		GroupID:  1,
		Address:  "localhost:5001",
	}, received[0])
}

func TestMetricsAreExported(t *testing.T) {
	c := newTestCluster(t, 1)
	leader := c.waitForLeader(c.hosts)
	_, err := leader.Create(context.Background(), "k", []byte("v"))
	require.NoError(t, err)
	buf := &bytes.Buffer{}
	leader.WriteMetrics(buf)
	out := buf.String()
	assert.Contains(t, out, `ursodb_proposals_total{group="1",node="1"} 1`)
	assert.Contains(t, out, `ursodb_is_leader{group="1",node="1"} 1`)
	assert.Contains(t, out, `ursodb_elections_total{group="1",node="1"}`)
	assert.Contains(t, out, `ursodb_logdb_written_bytes_total{group="1",node="1"}`)
}
