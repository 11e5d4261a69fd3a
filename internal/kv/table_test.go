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

package kv

import (
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pb "github.com/jorgefdc97/SistemasDistribuidos-Project/raftpb"
)

func newTestTable(t *testing.T) *Table {
	t.Helper()
	table, err := Open("kv-test", true)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, table.Close()) })
	return table
}

func TestCreateReadUpdateDelete(t *testing.T) {
	table := newTestTable(t)
	_, err := table.Read("x")
	assert.True(t, errors.Is(err, ErrNotFound))

	e, err := table.Create("x", []byte(`1`))
	require.NoError(t, err)
	assert.Equal(t, "x", e.Key)

	e, err = table.Read("x")
	require.NoError(t, err)
	assert.Equal(t, []byte(`1`), e.Value)

	_, err = table.Update("x", []byte(`{"a":2}`))
	require.NoError(t, err)
	e, err = table.Read("x")
	require.NoError(t, err)
	assert.Equal(t, []byte(`{"a":2}`), e.Value)

	ok, err := table.Delete("x")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = table.Delete("x")
	require.NoError(t, err)
	assert.False(t, ok)
	_, err = table.Read("x")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestCreateOverwritesExistingKey(t *testing.T) {
	table := newTestTable(t)
	_, err := table.Create("x", []byte(`1`))
	require.NoError(t, err)
	_, err = table.Create("x", []byte(`2`))
	require.NoError(t, err)
	e, err := table.Read("x")
	require.NoError(t, err)
	assert.Equal(t, []byte(`2`), e.Value)
}

func TestUpdateMissingKey(t *testing.T) {
	table := newTestTable(t)
	_, err := table.Update("missing", []byte(`1`))
	assert.True(t, errors.Is(err, ErrNotFound))
	_, err = table.Read("missing")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestApplyCommandPersistsAppliedIndex(t *testing.T) {
	table := newTestTable(t)
	applied, err := table.AppliedIndex()
	require.NoError(t, err)
	assert.Equal(t, uint64(0), applied)

	e, err := table.ApplyCommand(3, pb.Command{Op: pb.CreateOp, Key: "k", Value: []byte(`"v"`)})
	require.NoError(t, err)
	assert.Equal(t, uint64(3), e.Index)
	applied, err = table.AppliedIndex()
	require.NoError(t, err)
	assert.Equal(t, uint64(3), applied)

	// failed updates still consume the log entry
	_, err = table.ApplyCommand(4, pb.Command{Op: pb.UpdateOp, Key: "other", Value: []byte(`1`)})
	assert.True(t, errors.Is(err, ErrNotFound))
	applied, err = table.AppliedIndex()
	require.NoError(t, err)
	assert.Equal(t, uint64(4), applied)

	require.NoError(t, table.SetAppliedIndex(5))
	applied, err = table.AppliedIndex()
	require.NoError(t, err)
	assert.Equal(t, uint64(5), applied)

	e, err = table.Read("k")
	require.NoError(t, err)
	assert.Equal(t, uint64(3), e.Index)
}

func TestApplyCommandRejectsUnknownOp(t *testing.T) {
	table := newTestTable(t)
	_, err := table.ApplyCommand(1, pb.Command{Op: 42, Key: "k"})
	assert.Error(t, err)
	applied, err := table.AppliedIndex()
	require.NoError(t, err)
	assert.Equal(t, uint64(0), applied)
}

func TestClosedTable(t *testing.T) {
	table, err := Open("closed", true)
	require.NoError(t, err)
	require.NoError(t, table.Close())
	_, err = table.Read("x")
	assert.True(t, errors.Is(err, ErrClosed))
	_, err = table.Create("x", nil)
	assert.True(t, errors.Is(err, ErrClosed))
}

func TestEmptyKeyRejected(t *testing.T) {
	table := newTestTable(t)
	_, err := table.Create("", []byte(`1`))
	assert.True(t, errors.Is(err, ErrEmptyKey))
	_, err = table.Update("", []byte(`1`))
	assert.True(t, errors.Is(err, ErrEmptyKey))
	_, err = table.Delete("")
	assert.True(t, errors.Is(err, ErrEmptyKey))
}

func TestApplyCommandRecordsRequests(t *testing.T) {
	table := newTestTable(t)
	_, ok, err := table.GetRequest("r1")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = table.ApplyCommand(1, pb.Command{Op: pb.CreateOp,
		Key: "k", Value: []byte(`"v"`), RequestID: "r1"})
	require.NoError(t, err)
	_, err = table.ApplyCommand(2, pb.Command{Op: pb.DeleteOp,
		Key: "missing", RequestID: "r2"})
	assert.True(t, errors.Is(err, ErrNotFound))
	_, err = table.ApplyCommand(3, pb.Command{Op: pb.CreateOp, Key: "k", Value: []byte(`1`)})
	require.NoError(t, err)

	req, ok, err := table.GetRequest("r1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, Request{Index: 1, Entry: Entry{Key: "k", Value: []byte(`"v"`), Index: 1}}, req)
	req, ok, err = table.GetRequest("r2")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, Request{Index: 2, Entry: Entry{Key: "missing"}, NotFound: true}, req)
}

func TestPruneRequests(t *testing.T) {
	table := newTestTable(t)
	for i, id := range []string{"r1", "r2", "r1"} {
		_, err := table.ApplyCommand(uint64(i+1), pb.Command{Op: pb.CreateOp,
			Key: "k", Value: []byte(`1`), RequestID: id})
		require.NoError(t, err)
	}
	removed, err := table.PruneRequests(2)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)
	_, ok, err := table.GetRequest("r2")
	require.NoError(t, err)
	assert.False(t, ok)
	// r1 was recorded again at index 3
	req, ok, err := table.GetRequest("r1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(3), req.Index)
	removed, err = table.PruneRequests(2)
	require.NoError(t, err)
	assert.Equal(t, 0, removed)
}
