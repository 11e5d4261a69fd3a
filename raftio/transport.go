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

package raftio

import (
	pb "github.com/jorgefdc97/SistemasDistribuidos-Project/raftpb"
)

// MessageHandler is the handler function type for handling received message
// batches. Received message batches are passed to the handler in the order
// they are decoded, which is not necessarily the order they were sent.
type MessageHandler func(pb.MessageBatch)

// ISender is the outbound channel to a single remote peer.
type ISender interface {
	// Send enqueues the message for delivery. It never blocks, false is
	// returned when the message had to be dropped.
	Send(m pb.Message) bool
	// Close stops the sender and releases its resources.
	Close()
}

// ITransport is the interface to be implemented by a transport module.
//
// A transport module is responsible for exchanging Raft messages between
// NodeHost instances. Delivery is best effort: messages can be dropped,
// duplicated or reordered, the Raft protocol tolerates all of these.
type ITransport interface {
	// Name returns the type name of the ITransport instance.
	Name() string
	// Start launches the transport module and make it ready to start sending
	// and receiving Raft messages.
	Start() error
	// Stop stops the transport module.
	Stop()
	// Connect creates the outbound channel to the remote peer identified by
	// nodeID listening on addr.
	Connect(nodeID uint64, addr string) (ISender, error)
}
