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
Package rsm applies committed log entries to the key-value table.

Entries are applied strictly in index order and exactly once: entries at or
below the applied index, which is persisted by the table in the same batch as
each mutation, are skipped. Commands carrying a request ID already applied by
one of the previous window entries are not applied again, the earlier result
is reported instead. The outcome of every such command is recorded by the
table in the batch of its mutation, so replicas that restarted in between
still agree on which retries are skipped.
*/
package rsm

import (
	"sync"

	"github.com/cockroachdb/errors"
	lru "github.com/hashicorp/golang-lru"
	"github.com/lni/goutils/logutil"

	"github.com/jorgefdc97/SistemasDistribuidos-Project/internal/kv"
	"github.com/jorgefdc97/SistemasDistribuidos-Project/logger"
	pb "github.com/jorgefdc97/SistemasDistribuidos-Project/raftpb"
)

var plog = logger.GetLogger("rsm")

const (
	// DefaultRequestWindow is the default number of log entries within which
	// a retried request ID is detected.
	DefaultRequestWindow uint64 = 4096
	requestCacheSize            = 1024
)

// Result is the outcome of applying a command. Err holds business errors
// such as kv.ErrNotFound, they are part of the replicated outcome.
type Result struct {
	Entry kv.Entry
	Err   error
	// Duplicated is set when the command was not applied because its request
	// ID was seen before.
	Duplicated bool
}

// StateMachine is the single writer of the key-value table.
type StateMachine struct {
	mu       sync.Mutex
	groupID  uint64
	nodeID   uint64
	table    *kv.Table
	pending  *PendingProposals
	requests *lru.Cache
	window   uint64
	pruned   uint64
	applied  uint64
	appliedC func(pb.Entry, Result)
}

// NewStateMachine creates a StateMachine resuming from the applied index
// persisted in table. window is the number of log entries within which a
// retried request ID is detected, every replica of the group must use the
// same value. onApplied, when not nil, is invoked for every applied entry.
func NewStateMachine(groupID uint64, nodeID uint64, table *kv.Table,
	pending *PendingProposals, window uint64,
	onApplied func(pb.Entry, Result)) (*StateMachine, error) {
	if window == 0 {
		window = DefaultRequestWindow
	}
	cache, err := lru.New(requestCacheSize)
	if err != nil {
		return nil, err
	}
	applied, err := table.AppliedIndex()
	if err != nil {
		return nil, err
	}
	return &StateMachine{
		groupID:  groupID,
		nodeID:   nodeID,
		table:    table,
		pending:  pending,
		requests: cache,
		window:   window,
		applied:  applied,
		appliedC: onApplied,
	}, nil
}

// GetLastApplied returns the index of the last applied entry.
func (s *StateMachine) GetLastApplied() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.applied
}

// Apply applies the committed entries in order. Entries must be contiguous,
// those already applied are skipped. Errors returned are storage failures,
// the node can not make progress after one.
func (s *StateMachine) Apply(entries []pb.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range entries {
		e := entries[i]
		if e.Index <= s.applied {
			plog.Debugf("%s skipped applied entry %d",
				logutil.DescribeNode(s.groupID, s.nodeID), e.Index)
			continue
		}
		if e.Index != s.applied+1 {
			return errors.Newf("%s applying entry %d, applied %d",
				logutil.DescribeNode(s.groupID, s.nodeID), e.Index, s.applied)
		}
		result, err := s.apply(e)
		if err != nil {
			return err
		}
		s.applied = e.Index
		s.pending.applied(e.Index, e.Term, result)
		if s.appliedC != nil {
			s.appliedC(e, result)
		}
	}
	return s.prune()
}

// prune drops the request records that can no longer match, it runs at most
// once every window entries.
func (s *StateMachine) prune() error {
	if s.applied < s.pruned+2*s.window {
		return nil
	}
	upTo := s.applied - s.window
	removed, err := s.table.PruneRequests(upTo)
	if err != nil {
		return errors.Wrapf(err, "%s failed to prune requests",
			logutil.DescribeNode(s.groupID, s.nodeID))
	}
	s.pruned = upTo
	plog.Debugf("%s pruned %d requests up to %d",
		logutil.DescribeNode(s.groupID, s.nodeID), removed, upTo)
	return nil
}

// lookup returns the earlier outcome of the request when it was applied by
// one of the previous window entries. Records outside the window are
// ignored whether or not they were pruned yet.
func (s *StateMachine) lookup(id string, index uint64) (kv.Request, bool, error) {
	var req kv.Request
	if v, ok := s.requests.Get(id); ok {
		req = v.(kv.Request)
	} else {
		r, found, err := s.table.GetRequest(id)
		if err != nil || !found {
			return kv.Request{}, false, err
		}
		s.requests.Add(id, r)
		req = r
	}
	if req.Index+s.window < index {
		return kv.Request{}, false, nil
	}
	return req, true, nil
}

func (s *StateMachine) apply(e pb.Entry) (Result, error) {
	if e.IsNoOP() {
		return Result{}, s.table.SetAppliedIndex(e.Index)
	}
	cmd, err := e.GetCommand()
	if err != nil {
		return Result{}, errors.Wrapf(err, "%s failed to decode entry %d",
			logutil.DescribeNode(s.groupID, s.nodeID), e.Index)
	}
	if len(cmd.RequestID) > 0 {
		req, ok, err := s.lookup(cmd.RequestID, e.Index)
		if err != nil {
			return Result{}, errors.Wrapf(err, "%s failed to look up request %s",
				logutil.DescribeNode(s.groupID, s.nodeID), cmd.RequestID)
		}
		if ok {
			plog.Infof("%s request %s at %d already applied at %d",
				logutil.DescribeNode(s.groupID, s.nodeID),
				cmd.RequestID, e.Index, req.Index)
			result := Result{Entry: req.Entry, Duplicated: true}
			if req.NotFound {
				result.Entry = kv.Entry{}
				result.Err = errors.Wrapf(kv.ErrNotFound, "key %s", req.Entry.Key)
			}
			return result, s.table.SetAppliedIndex(e.Index)
		}
	}
	entry, err := s.table.ApplyCommand(e.Index, cmd)
	result := Result{Entry: entry}
	if err != nil {
		if !errors.Is(err, kv.ErrNotFound) {
			return Result{}, errors.Wrapf(err, "%s failed to apply entry %d",
				logutil.DescribeNode(s.groupID, s.nodeID), e.Index)
		}
		result.Err = err
	}
	// the table records no request for commands without a key
	if len(cmd.RequestID) > 0 && len(cmd.Key) > 0 {
		req := kv.Request{Index: e.Index, Entry: entry}
		if result.Err != nil {
			req.Entry = kv.Entry{Key: cmd.Key}
			req.NotFound = true
		}
		s.requests.Add(cmd.RequestID, req)
	}
	return result, nil
}
