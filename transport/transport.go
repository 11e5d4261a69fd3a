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
Package transport moves Raft messages between NodeHosts.

Each remote peer gets its own send job with a bounded queue, the engine never
waits for the network. Messages are sent as binary MessageBatch documents in
the body of a POST request to the /raft endpoint of the remote NodeHost. The
deployment ID carried by each batch must match the local one.
*/
package transport

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/jorgefdc97/SistemasDistribuidos-Project/config"
	"github.com/jorgefdc97/SistemasDistribuidos-Project/logger"
	"github.com/jorgefdc97/SistemasDistribuidos-Project/raftio"
	pb "github.com/jorgefdc97/SistemasDistribuidos-Project/raftpb"
)

var plog = logger.GetLogger("transport")

const (
	// RaftPath is the HTTP path of the inbound Raft message endpoint.
	RaftPath = "/raft"
	// ContentType is the content type of the message batches.
	ContentType = "application/octet-stream"

	sendTimeout        = 3 * time.Second
	maxRequestBodySize = 64 * 1024 * 1024
)

// Transport is the raftio.ITransport implementation shared by the HTTP and
// the in-memory transports, they only differ in how a batch is delivered.
type Transport struct {
	mu           sync.Mutex
	name         string
	ctx          context.Context
	cancel       context.CancelFunc
	handler      raftio.MessageHandler
	deliver      deliverFunc
	jobs         []*job
	sourceAddr   string
	deploymentID uint64
	queueLength  uint64
	stopped      bool
}

var _ raftio.ITransport = (*Transport)(nil)

func newTransport(name string, cfg config.NodeHostConfig,
	handler raftio.MessageHandler, deliver deliverFunc) *Transport {
	ctx, cancel := context.WithCancel(context.Background())
	queueLength := cfg.Expert.SendQueueLength
	if queueLength == 0 {
		queueLength = 1024
	}
	return &Transport{
		name:         name,
		ctx:          ctx,
		cancel:       cancel,
		handler:      handler,
		deliver:      deliver,
		sourceAddr:   cfg.RaftAddress,
		deploymentID: cfg.GetDeploymentID(),
		queueLength:  queueLength,
	}
}

// NewHTTPTransport creates the HTTP transport. Inbound batches are served
// by the returned Transport, it must be mounted on RaftPath.
func NewHTTPTransport(cfg config.NodeHostConfig, handler raftio.MessageHandler) *Transport {
	client := &http.Client{Timeout: sendTimeout}
	return newTransport("http-transport", cfg, handler,
		func(ctx context.Context, addr string, batch pb.MessageBatch) error {
			return post(ctx, client, addr, batch)
		})
}

// Name returns the type name of the transport.
func (t *Transport) Name() string {
	return t.name
}

// Start starts the transport.
func (t *Transport) Start() error {
	return nil
}

// Stop stops all send jobs.
func (t *Transport) Stop() {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	t.stopped = true
	jobs := t.jobs
	t.jobs = nil
	t.mu.Unlock()
	t.cancel()
	for _, j := range jobs {
		j.Close()
	}
}

// Connect creates the send job for the remote peer.
func (t *Transport) Connect(nodeID uint64, addr string) (raftio.ISender, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return nil, ErrStopped
	}
	j := newJob(t.ctx, nodeID, addr, t.sourceAddr, t.deploymentID,
		t.queueLength, t.deliver)
	j.start()
	t.jobs = append(t.jobs, j)
	plog.Infof("%s connected to %s", t.name, j.describe())
	return j, nil
}

// ServeHTTP handles inbound message batches.
func (t *Transport) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBodySize))
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}
	var batch pb.MessageBatch
	if err := batch.Unmarshal(data); err != nil {
		plog.Warningf("corrupted batch from %s, %v", r.RemoteAddr, err)
		http.Error(w, "corrupted batch", http.StatusBadRequest)
		return
	}
	if err := t.receive(batch); err != nil {
		http.Error(w, err.Error(), http.StatusForbidden)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (t *Transport) receive(batch pb.MessageBatch) error {
	if batch.DeploymentID != t.deploymentID {
		plog.Warningf("dropped batch from %s, deployment id %d, want %d",
			batch.SourceAddress, batch.DeploymentID, t.deploymentID)
		return ErrDeploymentMismatch
	}
	t.mu.Lock()
	stopped := t.stopped
	t.mu.Unlock()
	if stopped {
		return ErrStopped
	}
	t.handler(batch)
	return nil
}

func post(ctx context.Context, client *http.Client,
	addr string, batch pb.MessageBatch) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		"http://"+addr+RaftPath, bytes.NewReader(batch.Marshal()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", ContentType)
	resp, err := client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ErrStopped
		}
		return errors.Mark(err, ErrUnreachable)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusNoContent {
		return errors.Newf("unexpected status %d from %s", resp.StatusCode, addr)
	}
	return nil
}
