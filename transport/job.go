// Copyright 2017-2021 Lei Ni (nilei81@gmail.com) and other contributors.
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
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/lni/goutils/logutil"
	"github.com/lni/goutils/syncutil"

	"github.com/jorgefdc97/SistemasDistribuidos-Project/raftio"
	pb "github.com/jorgefdc97/SistemasDistribuidos-Project/raftpb"
)

const (
	// maxBatchSize is the maximum number of messages sent in one batch.
	maxBatchSize = 64
)

var (
	// ErrStopped is the error returned to indicate that the connection has
	// already been stopped.
	ErrStopped = errors.New("connection stopped")
	// ErrUnreachable is returned when the remote NodeHost can not be
	// reached.
	ErrUnreachable = errors.New("peer unreachable")
	// ErrDeploymentMismatch is returned for batches from another deployment.
	ErrDeploymentMismatch = errors.New("deployment id mismatch")
)

// deliverFunc sends the batch to the NodeHost listening on addr.
type deliverFunc func(ctx context.Context, addr string, batch pb.MessageBatch) error

// job is the outbound channel to a single remote peer. Messages are queued
// in a bounded channel and sent by a dedicated worker, messages are dropped
// when the queue is full or the peer is unreachable.
type job struct {
	ctx          context.Context
	deliver      deliverFunc
	stopper      *syncutil.Stopper
	ch           chan pb.Message
	addr         string
	source       string
	deploymentID uint64
	nodeID       uint64
	closed       int32
	failing      bool
}

var _ raftio.ISender = (*job)(nil)

func newJob(ctx context.Context, nodeID uint64, addr string, source string,
	did uint64, sz uint64, deliver deliverFunc) *job {
	return &job{
		ctx:          ctx,
		deliver:      deliver,
		stopper:      syncutil.NewStopper(),
		ch:           make(chan pb.Message, sz),
		addr:         addr,
		source:       source,
		deploymentID: did,
		nodeID:       nodeID,
	}
}

func (j *job) start() {
	j.stopper.RunWorker(func() {
		j.process()
	})
}

// Send enqueues the message, it never blocks.
func (j *job) Send(m pb.Message) bool {
	if atomic.LoadInt32(&j.closed) == 1 {
		return false
	}
	select {
	case j.ch <- m:
		return true
	default:
		plog.Debugf("send queue to %s is full, %s dropped", j.describe(), m.Type)
		return false
	}
}

// Close stops the worker, queued messages are discarded.
func (j *job) Close() {
	if atomic.CompareAndSwapInt32(&j.closed, 0, 1) {
		j.stopper.Stop()
	}
}

func (j *job) describe() string {
	return logutil.NodeID(j.nodeID) + "@" + j.addr
}

func (j *job) process() {
	for {
		select {
		case <-j.stopper.ShouldStop():
			return
		case m := <-j.ch:
			batch := j.batch(m)
			if err := j.send(batch); err != nil {
				if errors.Is(err, ErrStopped) {
					return
				}
			}
		}
	}
}

// batch collects the queued messages following m.
func (j *job) batch(m pb.Message) pb.MessageBatch {
	batch := pb.MessageBatch{
		DeploymentID:  j.deploymentID,
		SourceAddress: j.source,
		Requests:      []pb.Message{m},
	}
	for len(batch.Requests) < maxBatchSize {
		select {
		case next := <-j.ch:
			batch.Requests = append(batch.Requests, next)
		default:
			return batch
		}
	}
	return batch
}

func (j *job) send(batch pb.MessageBatch) error {
	select {
	case <-j.stopper.ShouldStop():
		return ErrStopped
	default:
	}
	err := j.deliver(j.ctx, j.addr, batch)
	if err != nil {
		// log transitions only
		if !j.failing {
			plog.Warningf("failed to send %d messages to %s, %v",
				len(batch.Requests), j.describe(), err)
		}
		j.failing = true
		return err
	}
	if j.failing {
		plog.Infof("connection to %s restored", j.describe())
	}
	j.failing = false
	return nil
}
