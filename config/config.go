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

/*
Package config contains functions and types used for managing ursodb's
configurations.
*/
package config

import (
	"path/filepath"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/lni/goutils/stringutil"
	"github.com/lni/vfs"

	"github.com/jorgefdc97/SistemasDistribuidos-Project/logger"
	"github.com/jorgefdc97/SistemasDistribuidos-Project/raftio"
	pb "github.com/jorgefdc97/SistemasDistribuidos-Project/raftpb"
)

var plog = logger.GetLogger("config")

const (
	// DefaultRTTMillisecond is the default logical clock tick.
	DefaultRTTMillisecond uint64 = 100
	// DefaultElectionMinRTT is the default lower bound of the randomized
	// election timeout, 3 seconds with the default tick.
	DefaultElectionMinRTT uint64 = 30
	// DefaultElectionMaxRTT is the default upper bound of the randomized
	// election timeout, 6 seconds with the default tick.
	DefaultElectionMaxRTT uint64 = 60
	// DefaultHeartbeatRTT is the default heartbeat interval.
	DefaultHeartbeatRTT uint64 = 5
	// DefaultCommitTimeout is the default time a client write waits for its
	// command to be committed and applied.
	DefaultCommitTimeout = 5 * time.Second
)

// CompressionType is the type of the compression.
type CompressionType = pb.CompressionType

const (
	// NoCompression is the CompressionType value used to indicate not to use
	// any compression.
	NoCompression = pb.NoCompression
	// Snappy is the CompressionType value used to indicate that google snappy
	// is used for data compression.
	Snappy = pb.Snappy
)

// LogUpToDateFunc decides whether a candidate's log, described by its last
// index and term, is at least as up-to-date as the voter's log. Votes are
// only granted when it returns true.
type LogUpToDateFunc func(candidateIndex, candidateTerm, localIndex, localTerm uint64) bool

// Config is used to configure the Raft replica of a data node.
type Config struct {
	// NodeID is a non-zero value used to identify a node within a replica
	// group.
	NodeID uint64
	// GroupID is the unique value used to identify a replica group.
	GroupID uint64
	// CheckQuorum specifies whether the leader node should periodically check
	// non-leader node status and step down to become a follower node when it no
	// longer has the quorum.
	CheckQuorum bool
	// ElectionMinRTT and ElectionMaxRTT bound the randomized election timeout,
	// both are defined in number of message RTT. Message RTT is defined by
	// NodeHostConfig.RTTMillisecond. A new timeout is drawn uniformly from
	// [ElectionMinRTT, ElectionMaxRTT] every time the replica becomes a
	// follower or a candidate.
	//
	// As an example, assuming NodeHostConfig.RTTMillisecond is 100
	// millisecond, ElectionMinRTT 30 and ElectionMaxRTT 60 give an election
	// timeout between 3 and 6 seconds.
	ElectionMinRTT uint64
	ElectionMaxRTT uint64
	// HeartbeatRTT is the number of message RTT between heartbeats. It must be
	// significantly shorter than ElectionMinRTT to avoid spurious elections.
	HeartbeatRTT uint64
	// EntryCompressionType is the compression type to use for compressing the
	// payload of client commands. No compression is used by default.
	EntryCompressionType CompressionType
	// LogUpToDate replaces the default log completeness check used when
	// deciding whether to grant a vote. Leave it nil to use the standard
	// (lastTerm, lastIndex) comparison.
	LogUpToDate LogUpToDateFunc
}

// Validate validates the Config instance and return an error when any member
// field is considered as invalid.
func (c *Config) Validate() error {
	if c.NodeID == 0 {
		return errors.New("invalid NodeID, it must be >= 1")
	}
	if c.GroupID == 0 {
		return errors.New("invalid GroupID, it must be >= 1")
	}
	if c.HeartbeatRTT == 0 {
		return errors.New("HeartbeatRTT must be > 0")
	}
	if c.ElectionMinRTT == 0 {
		return errors.New("ElectionMinRTT must be > 0")
	}
	if c.ElectionMaxRTT < c.ElectionMinRTT {
		return errors.New("ElectionMaxRTT must be >= ElectionMinRTT")
	}
	if c.ElectionMinRTT <= 2*c.HeartbeatRTT {
		return errors.New("invalid election rtt")
	}
	if c.ElectionMinRTT < 10*c.HeartbeatRTT {
		plog.Warningf("ElectionMinRTT is not a magnitude larger than HeartbeatRTT")
	}
	if c.EntryCompressionType != Snappy &&
		c.EntryCompressionType != NoCompression {
		return errors.New("unknown compression type")
	}
	return nil
}

// NodeHostConfig is the configuration used to configure NodeHost instances.
type NodeHostConfig struct {
	// DeploymentID is used to determine whether two NodeHost instances belong
	// to the same deployment and thus allowed to communicate with each other.
	// When not set, the default value 0 will be used as the deployment ID and
	// thus allowing all NodeHost instances with deployment ID 0 to communicate
	// with each other.
	DeploymentID uint64
	// NodeHostDir is where the Raft log, the key-value table and the node
	// ownership flag file are stored.
	NodeHostDir string
	// RTTMillisecond defines the logical clock tick in milliseconds. Raft
	// heartbeat and election intervals are both defined in term of how many
	// such ticks.
	RTTMillisecond uint64
	// RaftAddress is a DNS name:port or IP:port address used by peers to
	// reach this node. The same address serves client requests.
	RaftAddress string
	// ListenAddress is the address the HTTP server binds to. RaftAddress is
	// used when ListenAddress is empty.
	ListenAddress string
	// CommitTimeout is the maximum time a client write waits for its command
	// to be committed and applied before a retryable timeout is reported.
	CommitTimeout time.Duration
	// MaxWriteRate is the maximum number of client writes per second accepted
	// by the node service. 0 means unlimited.
	MaxWriteRate float64
	// GossipAddress is the optional host:port used by the memberlist based
	// liveness gossip. Gossip is disabled when it is empty.
	GossipAddress string
	// GossipSeeds are gossip addresses of other nodes to join at startup.
	GossipSeeds []string
	// RaftEventListener is the listener for Raft events, such as Raft
	// leadership change, exposed to user space. NodeHost uses a single
	// dedicated goroutine to invoke all RaftEventListener methods one by one.
	RaftEventListener raftio.IRaftEventListener
	// Expert contains options for expert users and tests.
	Expert ExpertConfig
}

// IFS is the filesystem interface used by tests.
type IFS = vfs.FS

// TransportFactory is the interface used for creating custom transport
// modules.
type TransportFactory interface {
	// Create creates a transport module.
	Create(NodeHostConfig, raftio.MessageHandler) raftio.ITransport
	// Validate validates the RaftAddress of the NodeHost.
	Validate(string) bool
}

// RaftAddressValidator is the validator used to validate user specified
// RaftAddress values.
type RaftAddressValidator func(string) bool

// Validate validates the NodeHostConfig instance and return an error when
// the configuration is considered as invalid.
func (c *NodeHostConfig) Validate() error {
	if c.RTTMillisecond == 0 {
		return errors.New("invalid RTTMillisecond")
	}
	if len(c.NodeHostDir) == 0 && !c.Expert.InMemoryStorage {
		return errors.New("NodeHostConfig.NodeHostDir is empty")
	}
	if c.CommitTimeout < 0 {
		return errors.New("invalid CommitTimeout")
	}
	if c.MaxWriteRate < 0 {
		return errors.New("invalid MaxWriteRate")
	}
	validate := c.GetRaftAddressValidator()
	if !validate(c.RaftAddress) {
		return errors.New("invalid NodeHost address")
	}
	if len(c.ListenAddress) > 0 && !validate(c.ListenAddress) {
		return errors.New("invalid listen address")
	}
	if len(c.GossipAddress) > 0 && !validate(c.GossipAddress) {
		return errors.New("invalid gossip address")
	}
	for _, seed := range c.GossipSeeds {
		if !validate(seed) {
			return errors.Newf("invalid gossip seed %s", seed)
		}
	}
	return nil
}

// Prepare sets the default value for NodeHostConfig.
func (c *NodeHostConfig) Prepare() error {
	if len(c.NodeHostDir) > 0 {
		var err error
		c.NodeHostDir, err = filepath.Abs(c.NodeHostDir)
		if err != nil {
			return err
		}
	}
	if c.Expert.FS == nil {
		c.Expert.FS = vfs.Default
	}
	if c.CommitTimeout == 0 {
		c.CommitTimeout = DefaultCommitTimeout
	}
	if len(c.ListenAddress) == 0 {
		c.ListenAddress = c.RaftAddress
	}
	if c.Expert.SendQueueLength == 0 {
		plog.Infof("using default send queue length")
		c.Expert.SendQueueLength = defaultSendQueueLength
	}
	return nil
}

// GetDeploymentID returns the deployment ID to be used.
func (c *NodeHostConfig) GetDeploymentID() uint64 {
	if c.DeploymentID == 0 {
		return 1
	}
	return c.DeploymentID
}

// GetRaftAddressValidator creates a RaftAddressValidator based on the specified
// NodeHostConfig instance.
func (c *NodeHostConfig) GetRaftAddressValidator() RaftAddressValidator {
	if c.Expert.TransportFactory != nil {
		return c.Expert.TransportFactory.Validate
	}
	return stringutil.IsValidAddress
}

// RTT returns the logical clock tick as a time.Duration.
func (c *NodeHostConfig) RTT() time.Duration {
	return time.Duration(c.RTTMillisecond) * time.Millisecond
}

// IsValidAddress returns a boolean value indicating whether the input address
// is valid.
func IsValidAddress(addr string) bool {
	return stringutil.IsValidAddress(addr)
}

const defaultSendQueueLength uint64 = 1024

// ExpertConfig contains options for expert users who are familiar with the
// internals of ursodb. Users are recommended not to set ExpertConfig unless
// it is absoloutely necessary.
type ExpertConfig struct {
	// FS is the filesystem instance used for the node host directory.
	FS IFS
	// InMemoryStorage keeps the Raft log and the key-value table in memory.
	// This field is expected to be used in tests only.
	InMemoryStorage bool
	// SendQueueLength is the number of messages that can be queued for each
	// remote peer before further messages are dropped.
	SendQueueLength uint64
	// TransportFactory replaces the default HTTP transport.
	TransportFactory TransportFactory
}
