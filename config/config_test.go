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

package config

import (
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() Config {
	return Config{
		NodeID:         1,
		GroupID:        1,
		ElectionMinRTT: 10,
		ElectionMaxRTT: 20,
		HeartbeatRTT:   1,
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		update func(*Config)
		ok     bool
	}{
		{"valid", func(*Config) {}, true},
		{"zero node id", func(c *Config) { c.NodeID = 0 }, false},
		{"zero group id", func(c *Config) { c.GroupID = 0 }, false},
		{"zero heartbeat", func(c *Config) { c.HeartbeatRTT = 0 }, false},
		{"zero election", func(c *Config) { c.ElectionMinRTT = 0 }, false},
		{"max below min", func(c *Config) { c.ElectionMaxRTT = 5 }, false},
		{"election too short", func(c *Config) { c.HeartbeatRTT = 5 }, false},
		{"snappy", func(c *Config) { c.EntryCompressionType = Snappy }, true},
		{"bad compression", func(c *Config) { c.EntryCompressionType = 9 }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := validConfig()
			tt.update(&c)
			if tt.ok {
				assert.NoError(t, c.Validate())
			} else {
				assert.Error(t, c.Validate())
			}
		})
	}
}

func TestNodeHostConfigValidateAndPrepare(t *testing.T) {
	c := NodeHostConfig{
		RTTMillisecond: 10,
		RaftAddress:    "localhost:4001",
		Expert:         ExpertConfig{InMemoryStorage: true},
	}
	require.NoError(t, c.Validate())
	require.NoError(t, c.Prepare())
	assert.Equal(t, "localhost:4001", c.ListenAddress)
	assert.Equal(t, DefaultCommitTimeout, c.CommitTimeout)
	assert.NotNil(t, c.Expert.FS)
	assert.Equal(t, 10*time.Millisecond, c.RTT())
	assert.Equal(t, uint64(1), c.GetDeploymentID())

	c.RaftAddress = "not-an-address"
	assert.Error(t, c.Validate())
	c.RaftAddress = "localhost:4001"
	c.Expert.InMemoryStorage = false
	assert.Error(t, c.Validate())
}

const testTopology = `{
  "deploymentId": 3,
  "RP": {"host": "localhost", "port": 3000},
  "DNs": [
    {"name": "DN1", "servers": [
      {"name": "DN1s1", "port": 4001},
      {"name": "DN1s2", "port": 4002},
      {"name": "DN1s3", "port": 4003}
    ]},
    {"name": "DN2", "servers": [
      {"name": "DN2s1", "host": "127.0.0.1", "port": 5001}
    ]}
  ]
}`

func TestParseTopologyAcceptsJSON(t *testing.T) {
	topo, err := ParseTopology([]byte(testTopology))
	require.NoError(t, err)
	assert.Equal(t, uint64(3), topo.DeploymentID)
	assert.Equal(t, "localhost:3000", topo.RP.Address())
	require.Len(t, topo.DNs, 2)

	loc, err := topo.Locate("DN1s2")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), loc.GroupID)
	assert.Equal(t, uint64(2), loc.NodeID)
	assert.Equal(t, "localhost:4002", loc.Server.Address())

	loc, err = topo.Locate("DN2s1")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), loc.GroupID)
	assert.Equal(t, "127.0.0.1:5001", loc.Server.Address())

	_, err = topo.Locate("DN9s9")
	assert.True(t, errors.Is(err, ErrUnknownNode))
}

func TestParseTopologyRejectsMalformedInput(t *testing.T) {
	inputs := []string{
		`DNs: []`,
		`DNs: [{name: DN1, servers: []}]`,
		`DNs: [{name: DN1, servers: [{name: a, port: 1}, {name: a, port: 2}]}]`,
		`DNs: [{name: DN1, servers: [{name: a, port: 1}, {name: b, port: 1}]}]`,
		`DNs: [{name: DN1, servers: [{port: 1}]}]`,
		`DNs: [`,
	}
	for _, in := range inputs {
		_, err := ParseTopology([]byte(in))
		assert.True(t, errors.Is(err, ErrInvalidTopology), in)
	}
}
