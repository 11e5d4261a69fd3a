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
Package kv is the local key-value table of a data node. Values are opaque
JSON documents stored in pebble together with the log index that last wrote
them. The index of the last applied log entry is written in the same batch
as the mutation it belongs to, so a restarted node resumes applying right
after the last mutation that reached the disk.
*/
package kv

import (
	"encoding/binary"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"

	"github.com/jorgefdc97/SistemasDistribuidos-Project/logger"
	pb "github.com/jorgefdc97/SistemasDistribuidos-Project/raftpb"
)

var plog = logger.GetLogger("kv")

var (
	// ErrNotFound is returned when the key does not exist.
	ErrNotFound = errors.New("key not found")
	// ErrClosed is returned when the table is used after Close.
	ErrClosed = errors.New("table closed")
	// ErrEmptyKey is returned when an empty key is written.
	ErrEmptyKey = errors.New("empty key")
)

const (
	metaPrefix byte = 0x00
	dataPrefix byte = 0x01
)

var appliedIndexKey = []byte{metaPrefix, 'a'}

var (
	requestKeyPrefix      = []byte{metaPrefix, 'r'}
	requestIndexKeyPrefix = []byte{metaPrefix, 'x'}
)

// Entry is a key-value pair together with the log index of its last write.
type Entry struct {
	Key   string
	Value []byte
	Index uint64
}

// Request is the recorded outcome of a command carrying a request ID.
type Request struct {
	// Index is the log index of the entry that applied the command.
	Index    uint64
	Entry    Entry
	NotFound bool
}

// Table is the pebble backed key-value table.
type Table struct {
	mu sync.RWMutex
	db *pebble.DB
}

// Open opens the table located in dir, it is kept in memory when inMemory
// is true.
func Open(dir string, inMemory bool) (*Table, error) {
	opts := &pebble.Options{}
	if inMemory {
		opts.FS = vfs.NewMem()
	}
	db, err := pebble.Open(dir, opts)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open table at %s", dir)
	}
	t := &Table{db: db}
	applied, err := t.AppliedIndex()
	if err != nil {
		db.Close()
		return nil, err
	}
	plog.Infof("table opened at %s, applied index %d", dir, applied)
	return t, nil
}

// Close closes the table.
func (t *Table) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.db == nil {
		return nil
	}
	err := t.db.Close()
	t.db = nil
	return err
}

// Create stores the value under key, an existing value is overwritten.
func (t *Table) Create(key string, value []byte) (Entry, error) {
	if len(key) == 0 {
		return Entry{}, ErrEmptyKey
	}
	return t.ApplyCommand(0, pb.Command{Op: pb.CreateOp, Key: key, Value: value})
}

// Read returns the entry stored under key.
func (t *Table) Read(key string) (Entry, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.db == nil {
		return Entry{}, ErrClosed
	}
	return t.get(key)
}

// Update replaces the value of an existing key.
func (t *Table) Update(key string, value []byte) (Entry, error) {
	if len(key) == 0 {
		return Entry{}, ErrEmptyKey
	}
	return t.ApplyCommand(0, pb.Command{Op: pb.UpdateOp, Key: key, Value: value})
}

// Delete removes the key. It returns false when the key does not exist.
func (t *Table) Delete(key string) (bool, error) {
	if len(key) == 0 {
		return false, ErrEmptyKey
	}
	_, err := t.ApplyCommand(0, pb.Command{Op: pb.DeleteOp, Key: key})
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// AppliedIndex returns the index of the last applied log entry.
func (t *Table) AppliedIndex() (uint64, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.db == nil {
		return 0, ErrClosed
	}
	val, closer, err := t.db.Get(appliedIndexKey)
	if errors.Is(err, pebble.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	defer closer.Close()
	if len(val) != 8 {
		return 0, errors.Newf("corrupted applied index, size %d", len(val))
	}
	return binary.BigEndian.Uint64(val), nil
}

// ApplyCommand applies the command found in the log entry at index. A non
// zero index is persisted as the applied index in the same batch as the
// mutation, together with the Request record of commands carrying a request
// ID. Update and delete of a missing key return ErrNotFound, the applied
// index still moves forward and the Request is still recorded in that case.
func (t *Table) ApplyCommand(index uint64, cmd pb.Command) (Entry, error) {
	if len(cmd.Key) == 0 {
		return Entry{}, t.SetAppliedIndex(index)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.db == nil {
		return Entry{}, ErrClosed
	}
	b := t.db.NewBatch()
	defer b.Close()
	var result Entry
	var opErr error
	switch cmd.Op {
	case pb.CreateOp, pb.UpdateOp:
		if cmd.Op == pb.UpdateOp {
			if _, err := t.get(cmd.Key); err != nil {
				if !errors.Is(err, ErrNotFound) {
					return Entry{}, err
				}
				opErr = err
				break
			}
		}
		result = Entry{Key: cmd.Key, Value: cmd.Value, Index: index}
		if err := b.Set(dataKey(cmd.Key), encodeValue(index, cmd.Value), nil); err != nil {
			return Entry{}, err
		}
	case pb.DeleteOp:
		existing, err := t.get(cmd.Key)
		if err != nil {
			if !errors.Is(err, ErrNotFound) {
				return Entry{}, err
			}
			opErr = err
			break
		}
		result = existing
		if err := b.Delete(dataKey(cmd.Key), nil); err != nil {
			return Entry{}, err
		}
	default:
		return Entry{}, errors.Newf("unknown command op %s", cmd.Op)
	}
	if index > 0 {
		if err := b.Set(appliedIndexKey, encodeIndex(index), nil); err != nil {
			return Entry{}, err
		}
		if len(cmd.RequestID) > 0 {
			req := Request{
				Index:    index,
				Entry:    result,
				NotFound: errors.Is(opErr, ErrNotFound),
			}
			if req.NotFound {
				req.Entry = Entry{Key: cmd.Key}
			}
			if err := b.Set(requestKey(cmd.RequestID), encodeRequest(req), nil); err != nil {
				return Entry{}, err
			}
			if err := b.Set(requestIndexKey(index), []byte(cmd.RequestID), nil); err != nil {
				return Entry{}, err
			}
		}
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return Entry{}, errors.Wrapf(err, "failed to apply %s on %s", cmd.Op, cmd.Key)
	}
	return result, opErr
}

// SetAppliedIndex records index as the applied index without any mutation,
// it is used for entries that carry no command.
func (t *Table) SetAppliedIndex(index uint64) error {
	if index == 0 {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.db == nil {
		return ErrClosed
	}
	return t.db.Set(appliedIndexKey, encodeIndex(index), pebble.Sync)
}

// GetRequest returns the Request recorded for the request ID.
func (t *Table) GetRequest(id string) (Request, bool, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.db == nil {
		return Request{}, false, ErrClosed
	}
	req, ok, err := t.getRequest(id)
	if err != nil {
		return Request{}, false, errors.Wrapf(err, "request %s", id)
	}
	return req, ok, nil
}

// PruneRequests removes the Request records written by entries at or below
// index. It returns the number of removed records.
func (t *Table) PruneRequests(index uint64) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.db == nil {
		return 0, ErrClosed
	}
	iter := t.db.NewIter(&pebble.IterOptions{
		LowerBound: requestIndexKey(0),
		UpperBound: requestIndexKey(index + 1),
	})
	b := t.db.NewBatch()
	defer b.Close()
	removed := 0
	for iter.First(); iter.Valid(); iter.Next() {
		id := string(iter.Value())
		recorded := binary.BigEndian.Uint64(iter.Key()[len(requestIndexKeyPrefix):])
		req, ok, err := t.getRequest(id)
		if err != nil {
			iter.Close()
			return 0, err
		}
		// the same request ID might have been recorded again later
		if ok && req.Index == recorded {
			if err := b.Delete(requestKey(id), nil); err != nil {
				iter.Close()
				return 0, err
			}
		}
		if err := b.Delete(iter.Key(), nil); err != nil {
			iter.Close()
			return 0, err
		}
		removed++
	}
	if err := iter.Close(); err != nil {
		return 0, err
	}
	if removed == 0 {
		return 0, nil
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return 0, errors.Wrapf(err, "failed to prune requests up to %d", index)
	}
	return removed, nil
}

func (t *Table) getRequest(id string) (Request, bool, error) {
	val, closer, err := t.db.Get(requestKey(id))
	if errors.Is(err, pebble.ErrNotFound) {
		return Request{}, false, nil
	}
	if err != nil {
		return Request{}, false, err
	}
	defer closer.Close()
	req, err := decodeRequest(val)
	return req, err == nil, err
}

func (t *Table) get(key string) (Entry, error) {
	val, closer, err := t.db.Get(dataKey(key))
	if errors.Is(err, pebble.ErrNotFound) {
		return Entry{}, errors.Wrapf(ErrNotFound, "key %s", key)
	}
	if err != nil {
		return Entry{}, err
	}
	defer closer.Close()
	index, value, err := decodeValue(val)
	if err != nil {
		return Entry{}, errors.Wrapf(err, "key %s", key)
	}
	return Entry{Key: key, Value: value, Index: index}, nil
}

func dataKey(key string) []byte {
	k := make([]byte, 0, len(key)+1)
	k = append(k, dataPrefix)
	return append(k, key...)
}

func requestKey(id string) []byte {
	k := make([]byte, 0, len(requestKeyPrefix)+len(id))
	k = append(k, requestKeyPrefix...)
	return append(k, id...)
}

func requestIndexKey(index uint64) []byte {
	k := make([]byte, len(requestIndexKeyPrefix)+8)
	copy(k, requestIndexKeyPrefix)
	binary.BigEndian.PutUint64(k[len(requestIndexKeyPrefix):], index)
	return k
}

// encodeRequest lays out a Request as index, flags, entry index, key length,
// key and value.
func encodeRequest(req Request) []byte {
	v := make([]byte, 21, 21+len(req.Entry.Key)+len(req.Entry.Value))
	binary.BigEndian.PutUint64(v, req.Index)
	if req.NotFound {
		v[8] = 1
	}
	binary.BigEndian.PutUint64(v[9:], req.Entry.Index)
	binary.BigEndian.PutUint32(v[17:], uint32(len(req.Entry.Key)))
	v = append(v, req.Entry.Key...)
	return append(v, req.Entry.Value...)
}

func decodeRequest(v []byte) (Request, error) {
	if len(v) < 21 {
		return Request{}, errors.Newf("corrupted request, size %d", len(v))
	}
	keyLen := int(binary.BigEndian.Uint32(v[17:]))
	if len(v) < 21+keyLen {
		return Request{}, errors.Newf("corrupted request, key size %d", keyLen)
	}
	req := Request{
		Index:    binary.BigEndian.Uint64(v),
		NotFound: v[8] == 1,
		Entry: Entry{
			Key:   string(v[21 : 21+keyLen]),
			Index: binary.BigEndian.Uint64(v[9:]),
		},
	}
	if rest := v[21+keyLen:]; len(rest) > 0 {
		req.Entry.Value = make([]byte, len(rest))
		copy(req.Entry.Value, rest)
	}
	return req, nil
}

func encodeIndex(index uint64) []byte {
	v := make([]byte, 8)
	binary.BigEndian.PutUint64(v, index)
	return v
}

func encodeValue(index uint64, value []byte) []byte {
	v := make([]byte, 8+len(value))
	binary.BigEndian.PutUint64(v, index)
	copy(v[8:], value)
	return v
}

func decodeValue(v []byte) (uint64, []byte, error) {
	if len(v) < 8 {
		return 0, nil, errors.Newf("corrupted value, size %d", len(v))
	}
	value := make([]byte, len(v)-8)
	copy(value, v[8:])
	return binary.BigEndian.Uint64(v), value, nil
}
