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
Package ursodb implements the data node of ursoDB, a sharded key-value
database where every shard is replicated by a small group of data nodes
agreeing on the order of writes with the Raft protocol.

The NodeHost struct is the facade of a data node. It owns the Raft replica of
the node's replica group, persists the Raft state and log entries to the
LogDB, applies committed commands to the key-value table and exchanges Raft
messages with the other members of the group through the transport module.
The layout of the cluster is static, it is loaded from the topology file
shared by all nodes. The position of a data node in its replica group gives
its node ID and the position of the group in the topology gives the group
ID.

Writes are accepted by the leader only. A write is committed once it is
stored by a quorum of the group and completes once it is applied to the
local table of the leader. Writes sent to a follower fail with ErrNotLeader,
the error carries the address of the leader when it is known. Reads are
served from the local table and might return stale values on followers.

Each data node tells the routing proxy when it becomes the leader of its
group, client requests are then routed to the new leader.

The Service struct exposes the NodeHost over HTTP, it serves client reads and
writes, the status and metrics of the node and the Raft messages sent by the
other members of the group.
*/
package ursodb
