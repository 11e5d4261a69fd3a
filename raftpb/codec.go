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

package raftpb

import (
	"encoding/binary"

	"github.com/cockroachdb/errors"
	"github.com/golang/snappy"
)

var (
	// ErrCorrupted is returned when the input can not be decoded.
	ErrCorrupted = errors.New("corrupted raftpb data")
	// ErrUnknownEntryType is returned when an entry type is not recognized.
	ErrUnknownEntryType = errors.New("unknown entry type")
)

type encoder struct {
	buf []byte
	tmp [binary.MaxVarintLen64]byte
}

func (e *encoder) uvarint(v uint64) {
	n := binary.PutUvarint(e.tmp[:], v)
	e.buf = append(e.buf, e.tmp[:n]...)
}

func (e *encoder) bool(v bool) {
	if v {
		e.buf = append(e.buf, 1)
	} else {
		e.buf = append(e.buf, 0)
	}
}

func (e *encoder) bytes(v []byte) {
	e.uvarint(uint64(len(v)))
	e.buf = append(e.buf, v...)
}

type decoder struct {
	buf []byte
	err error
}

func (d *decoder) uvarint() uint64 {
	if d.err != nil {
		return 0
	}
	v, n := binary.Uvarint(d.buf)
	if n <= 0 {
		d.err = ErrCorrupted
		return 0
	}
	d.buf = d.buf[n:]
	return v
}

func (d *decoder) bool() bool {
	if d.err != nil {
		return false
	}
	if len(d.buf) == 0 {
		d.err = ErrCorrupted
		return false
	}
	v := d.buf[0] == 1
	d.buf = d.buf[1:]
	return v
}

func (d *decoder) bytes() []byte {
	sz := d.uvarint()
	if d.err != nil {
		return nil
	}
	if uint64(len(d.buf)) < sz {
		d.err = ErrCorrupted
		return nil
	}
	if sz == 0 {
		return nil
	}
	v := make([]byte, sz)
	copy(v, d.buf[:sz])
	d.buf = d.buf[sz:]
	return v
}

func (e *encoder) entry(ent *Entry) {
	e.uvarint(ent.Term)
	e.uvarint(ent.Index)
	e.uvarint(uint64(ent.Type))
	e.bytes(ent.Cmd)
}

func (d *decoder) entry() Entry {
	return Entry{
		Term:  d.uvarint(),
		Index: d.uvarint(),
		Type:  EntryType(d.uvarint()),
		Cmd:   d.bytes(),
	}
}

// Marshal encodes the entry.
func (e *Entry) Marshal() []byte {
	enc := &encoder{buf: make([]byte, 0, 16+len(e.Cmd))}
	enc.entry(e)
	return enc.buf
}

// Unmarshal decodes the entry from data.
func (e *Entry) Unmarshal(data []byte) error {
	d := &decoder{buf: data}
	*e = d.entry()
	return d.err
}

// Marshal encodes the state.
func (s *State) Marshal() []byte {
	enc := &encoder{}
	enc.uvarint(s.Term)
	enc.uvarint(s.Vote)
	enc.uvarint(s.Commit)
	return enc.buf
}

// Unmarshal decodes the state from data.
func (s *State) Unmarshal(data []byte) error {
	d := &decoder{buf: data}
	s.Term = d.uvarint()
	s.Vote = d.uvarint()
	s.Commit = d.uvarint()
	return d.err
}

func (e *encoder) message(m *Message) {
	e.uvarint(uint64(m.Type))
	e.uvarint(m.To)
	e.uvarint(m.From)
	e.uvarint(m.GroupID)
	e.uvarint(m.Term)
	e.uvarint(m.LogTerm)
	e.uvarint(m.LogIndex)
	e.uvarint(m.Commit)
	e.bool(m.Reject)
	e.uvarint(m.Hint)
	e.uvarint(uint64(len(m.Entries)))
	for i := range m.Entries {
		e.entry(&m.Entries[i])
	}
}

func (d *decoder) message() Message {
	m := Message{
		Type:     MessageType(d.uvarint()),
		To:       d.uvarint(),
		From:     d.uvarint(),
		GroupID:  d.uvarint(),
		Term:     d.uvarint(),
		LogTerm:  d.uvarint(),
		LogIndex: d.uvarint(),
		Commit:   d.uvarint(),
		Reject:   d.bool(),
		Hint:     d.uvarint(),
	}
	count := d.uvarint()
	if d.err != nil {
		return m
	}
	if count > uint64(len(d.buf)) {
		d.err = ErrCorrupted
		return m
	}
	if count > 0 {
		m.Entries = make([]Entry, 0, count)
	}
	for i := uint64(0); i < count && d.err == nil; i++ {
		m.Entries = append(m.Entries, d.entry())
	}
	return m
}

// Marshal encodes the message batch.
func (b *MessageBatch) Marshal() []byte {
	enc := &encoder{buf: make([]byte, 0, 64)}
	enc.uvarint(b.DeploymentID)
	enc.bytes([]byte(b.SourceAddress))
	enc.uvarint(uint64(len(b.Requests)))
	for i := range b.Requests {
		enc.message(&b.Requests[i])
	}
	return enc.buf
}

// Unmarshal decodes the message batch from data.
func (b *MessageBatch) Unmarshal(data []byte) error {
	d := &decoder{buf: data}
	b.DeploymentID = d.uvarint()
	b.SourceAddress = string(d.bytes())
	count := d.uvarint()
	if d.err != nil {
		return d.err
	}
	if count > uint64(len(d.buf)) {
		return ErrCorrupted
	}
	b.Requests = make([]Message, 0, count)
	for i := uint64(0); i < count && d.err == nil; i++ {
		b.Requests = append(b.Requests, d.message())
	}
	if d.err == nil && len(d.buf) != 0 {
		return ErrCorrupted
	}
	return d.err
}

// Marshal encodes the command.
func (c *Command) Marshal() []byte {
	enc := &encoder{buf: make([]byte, 0, 8+len(c.Key)+len(c.Value)+len(c.RequestID))}
	enc.uvarint(uint64(c.Op))
	enc.bytes([]byte(c.Key))
	enc.bytes(c.Value)
	enc.bytes([]byte(c.RequestID))
	return enc.buf
}

// Unmarshal decodes the command from data.
func (c *Command) Unmarshal(data []byte) error {
	d := &decoder{buf: data}
	c.Op = CommandOp(d.uvarint())
	c.Key = string(d.bytes())
	c.Value = d.bytes()
	c.RequestID = string(d.bytes())
	return d.err
}

// EncodeCommand encodes the command as an entry payload using the
// specified compression type.
func EncodeCommand(cmd Command, ct CompressionType) (EntryType, []byte) {
	data := cmd.Marshal()
	if ct == Snappy {
		return EncodedEntry, snappy.Encode(nil, data)
	}
	return ApplicationEntry, data
}

// GetCommand decodes the Command carried by the entry.
func (e *Entry) GetCommand() (Command, error) {
	var cmd Command
	switch e.Type {
	case ApplicationEntry:
		if err := cmd.Unmarshal(e.Cmd); err != nil {
			return Command{}, err
		}
	case EncodedEntry:
		data, err := snappy.Decode(nil, e.Cmd)
		if err != nil {
			return Command{}, errors.Wrapf(err, "entry %d", e.Index)
		}
		if err := cmd.Unmarshal(data); err != nil {
			return Command{}, err
		}
	default:
		return Command{}, errors.Wrapf(ErrUnknownEntryType, "type %d", e.Type)
	}
	return cmd, nil
}
