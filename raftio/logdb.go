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

import (
	"github.com/cockroachdb/errors"

	pb "github.com/jorgefdc97/SistemasDistribuidos-Project/raftpb"
)

// ErrNoSavedLog is the error returned when there is no saved Raft log for
// the specified replica.
var ErrNoSavedLog = errors.New("no saved log")

// RaftState is the persistent Raft state found in the LogDB.
type RaftState struct {
	// State is the saved term, vote and commit.
	State pb.State
	// Entries are all saved entries in index order.
	Entries []pb.Entry
}

// ILogDB is the interface implemented by the log DB for persistently store
// Raft states and log entries.
type ILogDB interface {
	// Name returns the type name of the ILogDB instance.
	Name() string
	// Close closes the ILogDB instance.
	Close() error
	// SaveRaftState atomically saves the Raft state and entries found in the
	// Update. Persisted entries above Update.LastIndex are removed.
	SaveRaftState(update pb.Update) error
	// ReadRaftState returns the persistent Raft state of the specified
	// replica. ErrNoSavedLog is returned when nothing was ever saved.
	ReadRaftState(groupID uint64, nodeID uint64) (RaftState, error)
}
