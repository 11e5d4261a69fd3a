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

package raft

import (
	pb "github.com/jorgefdc97/SistemasDistribuidos-Project/raftpb"
)

// entryLog is the in memory view of the Raft log. The entry at index i is
// stored at entries[i-1], index 0 is the empty marker with term 0.
//
// Log compaction is not supported, the whole log since index 1 is kept.
type entryLog struct {
	entries []pb.Entry
	// committed is the highest index known to be replicated on a quorum.
	committed uint64
	// processed is the highest index handed out for applying.
	processed uint64
	// savedTo is the highest index known to be persisted by the LogDB.
	savedTo uint64
}

func newEntryLog() *entryLog {
	return &entryLog{}
}

// newEntryLogFromState rebuilds the log from persisted entries. applied is
// the index already applied to the key-value table.
func newEntryLogFromState(entries []pb.Entry, commit uint64, applied uint64) *entryLog {
	l := &entryLog{entries: entries}
	for i := range entries {
		if entries[i].Index != uint64(i+1) {
			plog.Panicf("unexpected entry index %d at position %d", entries[i].Index, i)
		}
	}
	l.savedTo = l.lastIndex()
	if commit > l.lastIndex() {
		plog.Panicf("commit %d out of range, last index %d", commit, l.lastIndex())
	}
	if applied > l.lastIndex() {
		plog.Panicf("applied %d out of range, last index %d", applied, l.lastIndex())
	}
	l.committed = commit
	if applied > l.committed {
		l.committed = applied
	}
	l.processed = applied
	return l
}

func (l *entryLog) lastIndex() uint64 {
	return uint64(len(l.entries))
}

func (l *entryLog) lastTerm() uint64 {
	t, _ := l.term(l.lastIndex())
	return t
}

// term returns the term of the entry at index, false is returned when the
// index is beyond the last index.
func (l *entryLog) term(index uint64) (uint64, bool) {
	if index == 0 {
		return 0, true
	}
	if index > l.lastIndex() {
		return 0, false
	}
	return l.entries[index-1].Term, true
}

func (l *entryLog) matchTerm(index uint64, term uint64) bool {
	t, ok := l.term(index)
	return ok && t == term
}

// append appends entries produced locally by the leader.
func (l *entryLog) append(entries ...pb.Entry) {
	for _, e := range entries {
		if e.Index != l.lastIndex()+1 {
			plog.Panicf("appending entry %d, last index %d", e.Index, l.lastIndex())
		}
		l.entries = append(l.entries, e)
	}
}

// tryAppend appends entries received from the leader when the local entry
// at index has the specified term. Conflicting local entries are truncated
// from the first divergent index. It returns the index of the last new entry.
func (l *entryLog) tryAppend(index uint64, logTerm uint64, entries []pb.Entry) (uint64, bool) {
	if !l.matchTerm(index, logTerm) {
		return 0, false
	}
	lastNew := index + uint64(len(entries))
	conflict := l.findConflict(entries)
	if conflict != 0 {
		if conflict <= l.committed {
			plog.Panicf("entry %d conflicts with committed entry, committed %d",
				conflict, l.committed)
		}
		offset := index + 1
		l.truncateAndAppend(entries[conflict-offset:])
	}
	return lastNew, true
}

// findConflict returns the index of the first entry that is either missing
// locally or has a different term, 0 when all entries are already present.
func (l *entryLog) findConflict(entries []pb.Entry) uint64 {
	for _, e := range entries {
		if !l.matchTerm(e.Index, e.Term) {
			if e.Index <= l.lastIndex() {
				plog.Infof("log conflict at index %d, existing term %d, new term %d",
					e.Index, l.entries[e.Index-1].Term, e.Term)
			}
			return e.Index
		}
	}
	return 0
}

func (l *entryLog) truncateAndAppend(entries []pb.Entry) {
	if len(entries) == 0 {
		return
	}
	first := entries[0].Index
	if first > l.lastIndex()+1 {
		plog.Panicf("gap in log, first %d last %d", first, l.lastIndex())
	}
	l.entries = append(l.entries[:first-1:first-1], entries...)
	if l.savedTo >= first {
		l.savedTo = first - 1
	}
}

// getEntries returns entries in [low, high), at most maxEntries of them.
func (l *entryLog) getEntries(low uint64, high uint64, maxEntries uint64) []pb.Entry {
	if low > high || high > l.lastIndex()+1 || low == 0 {
		plog.Panicf("invalid range [%d, %d), last index %d", low, high, l.lastIndex())
	}
	if high-low > maxEntries {
		high = low + maxEntries
	}
	if low == high {
		return nil
	}
	result := make([]pb.Entry, high-low)
	copy(result, l.entries[low-1:high-1])
	return result
}

func (l *entryLog) hasEntriesToSave() bool {
	return l.savedTo < l.lastIndex()
}

func (l *entryLog) entriesToSave() []pb.Entry {
	if !l.hasEntriesToSave() {
		return nil
	}
	return l.getEntries(l.savedTo+1, l.lastIndex()+1, l.lastIndex())
}

func (l *entryLog) savedLogTo(index uint64) {
	if index > l.lastIndex() {
		return
	}
	if index > l.savedTo {
		l.savedTo = index
	}
}

func (l *entryLog) hasEntriesToApply() bool {
	return l.committed > l.processed
}

func (l *entryLog) entriesToApply() []pb.Entry {
	if !l.hasEntriesToApply() {
		return nil
	}
	return l.getEntries(l.processed+1, l.committed+1, l.committed)
}

func (l *entryLog) processedTo(index uint64) {
	if index > l.committed {
		plog.Panicf("processed %d beyond committed %d", index, l.committed)
	}
	if index > l.processed {
		l.processed = index
	}
}

// commitTo moves the commit index forward, it never moves backward.
func (l *entryLog) commitTo(index uint64) {
	if index <= l.committed {
		return
	}
	if index > l.lastIndex() {
		plog.Panicf("commit %d beyond last index %d", index, l.lastIndex())
	}
	l.committed = index
}

// tryCommit commits index when the entry at index was created in term.
func (l *entryLog) tryCommit(index uint64, term uint64) bool {
	if index <= l.committed {
		return false
	}
	if !l.matchTerm(index, term) {
		return false
	}
	l.commitTo(index)
	return true
}

// upToDate is the standard log completeness check used for vote
// arbitration.
func upToDate(candidateIndex, candidateTerm, localIndex, localTerm uint64) bool {
	if candidateTerm != localTerm {
		return candidateTerm > localTerm
	}
	return candidateIndex >= localIndex
}
