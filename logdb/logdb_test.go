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

package logdb

import (
	"bytes"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jorgefdc97/SistemasDistribuidos-Project/raftio"
	pb "github.com/jorgefdc97/SistemasDistribuidos-Project/raftpb"
)

func newTestLogDB(t *testing.T, cb LogDBCallback) *PebbleLogDB {
	t.Helper()
	db, err := NewLogDB("logdb-test", true, cb)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, db.Close()) })
	return db
}

func testEntries(low uint64, high uint64, term uint64) []pb.Entry {
	var result []pb.Entry
	for i := low; i <= high; i++ {
		result = append(result, pb.Entry{Index: i, Term: term, Cmd: []byte("cmd")})
	}
	return result
}

func TestReadRaftStateReturnsErrNoSavedLog(t *testing.T) {
	db := newTestLogDB(t, nil)
	_, err := db.ReadRaftState(1, 1)
	assert.True(t, errors.Is(err, raftio.ErrNoSavedLog))
}

func TestSaveAndReadRaftState(t *testing.T) {
	var infos []LogDBInfo
	db := newTestLogDB(t, func(info LogDBInfo) { infos = append(infos, info) })
	ud := pb.Update{
		GroupID:       1,
		NodeID:        2,
		State:         pb.State{Term: 3, Vote: 2, Commit: 2},
		EntriesToSave: testEntries(1, 3, 3),
		LastIndex:     3,
	}
	require.NoError(t, db.SaveRaftState(ud))
	rs, err := db.ReadRaftState(1, 2)
	require.NoError(t, err)
	assert.Equal(t, ud.State, rs.State)
	assert.Equal(t, ud.EntriesToSave, rs.Entries)
	require.Len(t, infos, 1)
	assert.Equal(t, uint64(3), infos[0].SavedIndex)
	assert.Greater(t, infos[0].Bytes, 0)

	// other replicas are not affected
	_, err = db.ReadRaftState(1, 3)
	assert.True(t, errors.Is(err, raftio.ErrNoSavedLog))
}

func TestSaveRaftStateRemovesTruncatedEntries(t *testing.T) {
	db := newTestLogDB(t, nil)
	require.NoError(t, db.SaveRaftState(pb.Update{
		GroupID:       1,
		NodeID:        1,
		State:         pb.State{Term: 1},
		EntriesToSave: testEntries(1, 5, 1),
		LastIndex:     5,
	}))
	require.NoError(t, db.SaveRaftState(pb.Update{
		GroupID:       1,
		NodeID:        1,
		State:         pb.State{Term: 2},
		EntriesToSave: testEntries(3, 3, 2),
		LastIndex:     3,
	}))
	rs, err := db.ReadRaftState(1, 1)
	require.NoError(t, err)
	require.Len(t, rs.Entries, 3)
	assert.Equal(t, uint64(1), rs.Entries[1].Term)
	assert.Equal(t, uint64(2), rs.Entries[2].Term)
	assert.Equal(t, uint64(2), rs.State.Term)
}

func TestEmptyUpdateIsNotSaved(t *testing.T) {
	called := false
	db := newTestLogDB(t, func(LogDBInfo) { called = true })
	require.NoError(t, db.SaveRaftState(pb.Update{GroupID: 1, NodeID: 1}))
	assert.False(t, called)
}

func TestClosedLogDB(t *testing.T) {
	db, err := NewLogDB("closed", true, nil)
	require.NoError(t, err)
	require.NoError(t, db.Close())
	require.NoError(t, db.Close())
	err = db.SaveRaftState(pb.Update{GroupID: 1, NodeID: 1, State: pb.State{Term: 1}})
	assert.True(t, errors.Is(err, ErrClosed))
	_, err = db.ReadRaftState(1, 1)
	assert.True(t, errors.Is(err, ErrClosed))
}

func TestEntryKeyOrdering(t *testing.T) {
	assert.Equal(t, -1, bytes.Compare(entryKey(1, 1, 9), entryKey(1, 1, 10)))
	assert.Equal(t, -1, bytes.Compare(entryKey(1, 1, 100), entryKey(1, 2, 1)))
	assert.Equal(t, -1, bytes.Compare(entryKey(1, 9, 100), entryKey(2, 1, 1)))
	assert.Equal(t, -1, bytes.Compare(stateKey(9, 9), entryKey(1, 1, 1)))
}
