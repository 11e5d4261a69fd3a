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
	"encoding/binary"
)

const (
	stateKeyPrefix byte = 0x01
	entryKeyPrefix byte = 0x02
	stateKeySize        = 17
	entryKeySize        = 25
)

func stateKey(groupID uint64, nodeID uint64) []byte {
	k := make([]byte, stateKeySize)
	k[0] = stateKeyPrefix
	binary.BigEndian.PutUint64(k[1:], groupID)
	binary.BigEndian.PutUint64(k[9:], nodeID)
	return k
}

// entryKey keys are ordered by group, node and then index.
func entryKey(groupID uint64, nodeID uint64, index uint64) []byte {
	k := make([]byte, entryKeySize)
	k[0] = entryKeyPrefix
	binary.BigEndian.PutUint64(k[1:], groupID)
	binary.BigEndian.PutUint64(k[9:], nodeID)
	binary.BigEndian.PutUint64(k[17:], index)
	return k
}
