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

package transport

import (
	"context"
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/jorgefdc97/SistemasDistribuidos-Project/config"
	"github.com/jorgefdc97/SistemasDistribuidos-Project/raftio"
	pb "github.com/jorgefdc97/SistemasDistribuidos-Project/raftpb"
)

// InMemoryNetwork connects in-process NodeHosts for testing. It implements
// config.TransportFactory and supports isolating NodeHosts.
type InMemoryNetwork struct {
	mu         sync.RWMutex
	transports map[string]*Transport
	isolated   map[string]bool
}

var _ config.TransportFactory = (*InMemoryNetwork)(nil)

// NewInMemoryNetwork creates a new in-memory network.
func NewInMemoryNetwork() *InMemoryNetwork {
	return &InMemoryNetwork{
		transports: make(map[string]*Transport),
		isolated:   make(map[string]bool),
	}
}

// Create creates the transport of the NodeHost listening on RaftAddress.
func (n *InMemoryNetwork) Create(cfg config.NodeHostConfig,
	handler raftio.MessageHandler) raftio.ITransport {
	source := cfg.RaftAddress
	t := newTransport("in-memory-transport", cfg, handler,
		func(ctx context.Context, addr string, batch pb.MessageBatch) error {
			return n.deliver(ctx, source, addr, batch)
		})
	n.mu.Lock()
	n.transports[source] = t
	n.mu.Unlock()
	return t
}

// Validate accepts any non-empty address.
func (n *InMemoryNetwork) Validate(addr string) bool {
	return len(addr) > 0
}

// Isolate drops all messages sent from or to addr.
func (n *InMemoryNetwork) Isolate(addr string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.isolated[addr] = true
}

// Heal removes all isolations.
func (n *InMemoryNetwork) Heal() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.isolated = make(map[string]bool)
}

func (n *InMemoryNetwork) deliver(ctx context.Context,
	from string, to string, batch pb.MessageBatch) error {
	if ctx.Err() != nil {
		return ErrStopped
	}
	n.mu.RLock()
	t, ok := n.transports[to]
	isolated := n.isolated[from] || n.isolated[to]
	n.mu.RUnlock()
	if !ok || isolated {
		return errors.Wrapf(ErrUnreachable, "%s", to)
	}
	return t.receive(batch)
}
