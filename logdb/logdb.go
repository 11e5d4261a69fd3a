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
Package logdb stores the persistent Raft state and the Raft log of the
replicas hosted by a NodeHost in a pebble database.
*/
package logdb

import (
	"math"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/lni/goutils/logutil"

	"github.com/jorgefdc97/SistemasDistribuidos-Project/logger"
	"github.com/jorgefdc97/SistemasDistribuidos-Project/raftio"
	pb "github.com/jorgefdc97/SistemasDistribuidos-Project/raftpb"
)

var plog = logger.GetLogger("logdb")

// ErrClosed is returned when the LogDB is used after Close.
var ErrClosed = errors.New("logdb closed")

// LogDBInfo is the info provided when LogDBCallback is invoked.
type LogDBInfo struct {
	GroupID uint64
	NodeID  uint64
	// SavedIndex is the last index persisted by the save.
	SavedIndex uint64
	// Bytes is the size of the written batch.
	Bytes int
}

// LogDBCallback is called by the LogDB layer after each successful save.
type LogDBCallback func(LogDBInfo)

// PebbleLogDB is the pebble backed raftio.ILogDB implementation.
type PebbleLogDB struct {
	mu       sync.Mutex
	db       *pebble.DB
	callback LogDBCallback
}

var _ raftio.ILogDB = (*PebbleLogDB)(nil)

// NewLogDB opens the LogDB located in dir. The database is kept in memory
// when inMemory is true, dir is then only used as a name.
func NewLogDB(dir string, inMemory bool, cb LogDBCallback) (*PebbleLogDB, error) {
	opts := &pebble.Options{}
	if inMemory {
		opts.FS = vfs.NewMem()
	}
	db, err := pebble.Open(dir, opts)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open logdb at %s", dir)
	}
	plog.Infof("logdb opened at %s, in memory %t", dir, inMemory)
	return &PebbleLogDB{db: db, callback: cb}, nil
}

// Name returns the type name of the LogDB.
func (l *PebbleLogDB) Name() string {
	return "pebble-logdb"
}

// Close closes the LogDB.
func (l *PebbleLogDB) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.db == nil {
		return nil
	}
	err := l.db.Close()
	l.db = nil
	return err
}

// SaveRaftState atomically persists the state and entries carried by the
// update. Saved entries above the update's last index are removed.
func (l *PebbleLogDB) SaveRaftState(ud pb.Update) error {
	if ud.State.IsEmpty() && len(ud.EntriesToSave) == 0 {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.db == nil {
		return ErrClosed
	}
	b := l.db.NewBatch()
	defer b.Close()
	if !ud.State.IsEmpty() {
		if err := b.Set(stateKey(ud.GroupID, ud.NodeID), ud.State.Marshal(), nil); err != nil {
			return err
		}
	}
	for i := range ud.EntriesToSave {
		e := &ud.EntriesToSave[i]
		if err := b.Set(entryKey(ud.GroupID, ud.NodeID, e.Index), e.Marshal(), nil); err != nil {
			return err
		}
	}
	if len(ud.EntriesToSave) > 0 {
		low := entryKey(ud.GroupID, ud.NodeID, ud.LastIndex+1)
		high := entryKey(ud.GroupID, ud.NodeID, math.MaxUint64)
		if err := b.DeleteRange(low, high, nil); err != nil {
			return err
		}
	}
	size := len(b.Repr())
	if err := b.Commit(pebble.Sync); err != nil {
		return errors.Wrapf(err, "failed to save raft state for %s",
			logutil.DescribeNode(ud.GroupID, ud.NodeID))
	}
	if l.callback != nil {
		saved := uint64(0)
		if n := len(ud.EntriesToSave); n > 0 {
			saved = ud.EntriesToSave[n-1].Index
		}
		l.callback(LogDBInfo{
			GroupID:    ud.GroupID,
			NodeID:     ud.NodeID,
			SavedIndex: saved,
			Bytes:      size,
		})
	}
	return nil
}

// ReadRaftState returns the saved state and all saved entries of the
// specified replica.
func (l *PebbleLogDB) ReadRaftState(groupID uint64, nodeID uint64) (raftio.RaftState, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.db == nil {
		return raftio.RaftState{}, ErrClosed
	}
	rs := raftio.RaftState{}
	found := false
	val, closer, err := l.db.Get(stateKey(groupID, nodeID))
	if err == nil {
		found = true
		err = rs.State.Unmarshal(val)
		closer.Close()
		if err != nil {
			return raftio.RaftState{}, errors.Wrap(err, "corrupted raft state")
		}
	} else if !errors.Is(err, pebble.ErrNotFound) {
		return raftio.RaftState{}, err
	}
	iter := l.db.NewIter(&pebble.IterOptions{
		LowerBound: entryKey(groupID, nodeID, 1),
		UpperBound: entryKey(groupID, nodeID, math.MaxUint64),
	})
	defer iter.Close()
	expected := uint64(1)
	for iter.First(); iter.Valid(); iter.Next() {
		var e pb.Entry
		if err := e.Unmarshal(iter.Value()); err != nil {
			return raftio.RaftState{}, errors.Wrap(err, "corrupted entry")
		}
		if e.Index != expected {
			return raftio.RaftState{}, errors.Newf("gap in saved log, want %d, got %d",
				expected, e.Index)
		}
		expected++
		rs.Entries = append(rs.Entries, e)
	}
	if !found && len(rs.Entries) == 0 {
		return raftio.RaftState{}, raftio.ErrNoSavedLog
	}
	plog.Infof("%s loaded state %+v with %d entries",
		logutil.DescribeNode(groupID, nodeID), rs.State, len(rs.Entries))
	return rs, nil
}
