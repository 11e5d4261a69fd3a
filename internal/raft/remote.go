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
	"fmt"
)

// remote is the replication progress of a peer tracked by the leader.
type remote struct {
	match  uint64
	next   uint64
	active bool
}

func (r *remote) String() string {
	return fmt.Sprintf("match:%d,next:%d,active:%t", r.match, r.next, r.active)
}

func (r *remote) reset(lastIndex uint64) {
	r.match = 0
	r.next = lastIndex + 1
	r.active = false
}

// tryUpdate records that the peer has all entries up to index. It returns
// a boolean value indicating whether match moved forward.
func (r *remote) tryUpdate(index uint64) bool {
	if r.next < index+1 {
		r.next = index + 1
	}
	if r.match < index {
		r.match = index
		return true
	}
	return false
}

// decreaseTo moves next backward after the peer rejected the entries sent
// after rejected. hint is the peer's last index. Stale rejections, such as
// duplicated or reordered ones, are ignored and false is returned.
func (r *remote) decreaseTo(rejected uint64, hint uint64) bool {
	if rejected <= r.match {
		return false
	}
	if r.next-1 != rejected {
		return false
	}
	next := rejected
	if hint+1 < next {
		next = hint + 1
	}
	if next <= r.match {
		next = r.match + 1
	}
	if next < 1 {
		next = 1
	}
	r.next = next
	return true
}
