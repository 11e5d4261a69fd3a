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
Package raftpb contains the messages, log entries and persistent state
exchanged between replicas and stored by the LogDB, together with their
binary encoding.
*/
package raftpb

import (
	"fmt"
)

// MessageType is the type of a Raft message.
type MessageType uint8

const (
	// NoOP is the zero value, never sent.
	NoOP MessageType = iota
	// Election is a local message asking the node to start a campaign.
	Election
	// RequestVote is sent by candidates to gather votes.
	RequestVote
	// RequestVoteResp is the reply to RequestVote.
	RequestVoteResp
	// Replicate carries log entries from the leader.
	Replicate
	// ReplicateResp acknowledges or rejects a Replicate message.
	ReplicateResp
	// Heartbeat is a Replicate message without entries.
	Heartbeat
	// HeartbeatResp acknowledges a Heartbeat message.
	HeartbeatResp
)

var messageTypeNames = [...]string{
	"NoOP",
	"Election",
	"RequestVote",
	"RequestVoteResp",
	"Replicate",
	"ReplicateResp",
	"Heartbeat",
	"HeartbeatResp",
}

func (t MessageType) String() string {
	if int(t) < len(messageTypeNames) {
		return messageTypeNames[t]
	}
	return fmt.Sprintf("MessageType(%d)", uint8(t))
}

// IsLocal returns a boolean value indicating whether the message type is
// only used within the local node.
func (t MessageType) IsLocal() bool {
	return t == NoOP || t == Election
}

// IsResponse returns a boolean value indicating whether the message type is
// a response to a request sent by the local node.
func (t MessageType) IsResponse() bool {
	return t == RequestVoteResp || t == ReplicateResp || t == HeartbeatResp
}

// EntryType is the type of a log entry.
type EntryType uint8

const (
	// ApplicationEntry carries a plain encoded Command.
	ApplicationEntry EntryType = iota
	// EncodedEntry carries a snappy compressed Command.
	EncodedEntry
	// NoOPEntry is appended by a newly elected leader and is never applied to
	// the key-value table.
	NoOPEntry
)

// CompressionType is the compression applied to entry payloads.
type CompressionType uint8

const (
	// NoCompression leaves the payload untouched.
	NoCompression CompressionType = iota
	// Snappy compresses the payload with google snappy.
	Snappy
)

// Entry is a Raft log entry.
type Entry struct {
	Term  uint64
	Index uint64
	Type  EntryType
	Cmd   []byte
}

// IsNoOP returns a boolean value indicating whether the entry carries no
// command.
func (e *Entry) IsNoOP() bool {
	return e.Type == NoOPEntry || len(e.Cmd) == 0
}

// State is the persistent Raft state of a replica.
type State struct {
	Term   uint64
	Vote   uint64
	Commit uint64
}

// IsEmpty returns a boolean value indicating whether the State is empty.
func (s State) IsEmpty() bool {
	return s == State{}
}

// Message is a Raft message exchanged between replicas of the same group.
type Message struct {
	Type     MessageType
	To       uint64
	From     uint64
	GroupID  uint64
	Term     uint64
	LogTerm  uint64
	LogIndex uint64
	Commit   uint64
	Reject   bool
	Hint     uint64
	Entries  []Entry
}

// CanDrop returns a boolean value indicating whether the message can be
// dropped by the transport when the send queue is full.
func (m *Message) CanDrop() bool {
	return m.Type != RequestVote && m.Type != RequestVoteResp
}

// MessageBatch is the unit sent over the wire between two NodeHosts.
type MessageBatch struct {
	DeploymentID  uint64
	SourceAddress string
	Requests      []Message
}

// LeaderUpdate describes a change of the known leader or term observed by
// the local replica.
type LeaderUpdate struct {
	LeaderID uint64
	Term     uint64
}

// Update is the collection of state changes produced by a replica that must
// be persisted, sent or applied by its owner.
type Update struct {
	GroupID uint64
	NodeID  uint64
	// State is the persistent state to save, empty when unchanged.
	State State
	// EntriesToSave are the entries to be persisted before Messages are sent.
	EntriesToSave []Entry
	// LastIndex is the last log index once EntriesToSave are saved. Persisted
	// entries above LastIndex were truncated and must be removed.
	LastIndex uint64
	// CommittedEntries are entries ready to be applied, in index order.
	CommittedEntries []Entry
	// Messages are the outbound messages.
	Messages []Message
	// LeaderUpdate is set when the leader or the term changed.
	LeaderUpdate *LeaderUpdate
}

// HasUpdate returns a boolean value indicating whether the Update has any
// content.
func (u *Update) HasUpdate() bool {
	return !u.State.IsEmpty() ||
		len(u.EntriesToSave) > 0 ||
		len(u.CommittedEntries) > 0 ||
		len(u.Messages) > 0 ||
		u.LeaderUpdate != nil
}

// CommandOp is the key-value operation carried by a Command.
type CommandOp uint8

const (
	// CreateOp creates or overwrites a key.
	CreateOp CommandOp = iota + 1
	// UpdateOp updates an existing key.
	UpdateOp
	// DeleteOp deletes an existing key.
	DeleteOp
)

func (op CommandOp) String() string {
	switch op {
	case CreateOp:
		return "create"
	case UpdateOp:
		return "update"
	case DeleteOp:
		return "delete"
	default:
		return fmt.Sprintf("CommandOp(%d)", uint8(op))
	}
}

// Command is a key-value operation replicated through the Raft log.
type Command struct {
	Op        CommandOp
	Key       string
	Value     []byte
	RequestID string
}
