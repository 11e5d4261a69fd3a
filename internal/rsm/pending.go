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

package rsm

import (
	"context"
	"sync"

	"github.com/cockroachdb/errors"
)

var (
	// ErrCommitTimeout indicates that the proposal was not applied within
	// the allowed time. The proposal may still be committed later, retrying
	// with the same request ID is safe.
	ErrCommitTimeout = errors.New("commit timeout")
	// ErrDropped indicates that the proposal was overwritten by an entry
	// from another leader and will never be applied.
	ErrDropped = errors.New("proposal dropped")
	// ErrStopped indicates that the node is shutting down.
	ErrStopped = errors.New("state machine stopped")
)

// RequestState is the handle returned for a tracked proposal.
type RequestState struct {
	index     uint64
	term      uint64
	completed chan RequestResult
}

// RequestResult is the outcome of a tracked proposal.
type RequestResult struct {
	Result Result
	Err    error
}

// Index returns the log index of the proposal.
func (r *RequestState) Index() uint64 {
	return r.index
}

// Term returns the term of the proposal.
func (r *RequestState) Term() uint64 {
	return r.term
}

// ResultC returns the channel the result is delivered on.
func (r *RequestState) ResultC() <-chan RequestResult {
	return r.completed
}

func (r *RequestState) notify(result RequestResult) {
	select {
	case r.completed <- result:
	default:
		plog.Panicf("request %d:%d notified twice", r.index, r.term)
	}
}

// PendingProposals tracks proposals waiting for their entry to be applied,
// keyed by log index.
type PendingProposals struct {
	mu      sync.Mutex
	pending map[uint64]*RequestState
	stopped bool
}

// NewPendingProposals creates an empty PendingProposals.
func NewPendingProposals() *PendingProposals {
	return &PendingProposals{pending: make(map[uint64]*RequestState)}
}

// Add tracks the proposal appended at index with term.
func (p *PendingProposals) Add(index uint64, term uint64) *RequestState {
	rs := &RequestState{
		index:     index,
		term:      term,
		completed: make(chan RequestResult, 1),
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		rs.notify(RequestResult{Err: ErrStopped})
		return rs
	}
	if old, ok := p.pending[index]; ok {
		old.notify(RequestResult{Err: ErrDropped})
	}
	p.pending[index] = rs
	return rs
}

// Len returns the number of tracked proposals.
func (p *PendingProposals) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

// Wait blocks until the proposal completes or ctx is done, ErrCommitTimeout
// is returned in the latter case and the proposal is no longer tracked.
func (p *PendingProposals) Wait(ctx context.Context, rs *RequestState) (Result, error) {
	select {
	case r := <-rs.completed:
		return r.Result, r.Err
	case <-ctx.Done():
	}
	p.mu.Lock()
	if cur, ok := p.pending[rs.index]; ok && cur == rs {
		delete(p.pending, rs.index)
	}
	p.mu.Unlock()
	// the entry might have been applied in the meantime
	select {
	case r := <-rs.completed:
		return r.Result, r.Err
	default:
	}
	return Result{}, errors.Wrapf(ErrCommitTimeout, "index %d term %d", rs.index, rs.term)
}

// applied completes the proposal tracked at index. Proposals from another
// term lost their slot in the log and complete with ErrDropped.
func (p *PendingProposals) applied(index uint64, term uint64, result Result) {
	p.mu.Lock()
	defer p.mu.Unlock()
	rs, ok := p.pending[index]
	if !ok {
		return
	}
	delete(p.pending, index)
	if rs.term != term {
		rs.notify(RequestResult{Err: ErrDropped})
		return
	}
	rs.notify(RequestResult{Result: result})
}

// Close completes all tracked proposals with ErrStopped.
func (p *PendingProposals) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopped = true
	for index, rs := range p.pending {
		rs.notify(RequestResult{Err: ErrStopped})
		delete(p.pending, index)
	}
}
