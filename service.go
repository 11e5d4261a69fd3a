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

package ursodb

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/juju/ratelimit"

	"github.com/jorgefdc97/SistemasDistribuidos-Project/internal/kv"
	"github.com/jorgefdc97/SistemasDistribuidos-Project/internal/rsm"
	"github.com/jorgefdc97/SistemasDistribuidos-Project/transport"
)

const (
	// RequestIDHeader is the header carrying the client request ID. Writes
	// retried with the same request ID are applied once.
	RequestIDHeader = "X-Request-Id"
	maxBodySize     = 1 << 20
)

var errRateLimited = errors.New("too many writes")

type entryResponse struct {
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value,omitempty"`
	Index uint64          `json:"index"`
}

type createRequest struct {
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value"`
}

type errorResponse struct {
	Error  string `json:"error"`
	Leader string `json:"leader,omitempty"`
}

// Service is the HTTP surface of a NodeHost.
type Service struct {
	nh       *NodeHost
	mux      *http.ServeMux
	bucket   *ratelimit.Bucket
	stopC    chan struct{}
	stopOnce sync.Once
}

var _ http.Handler = (*Service)(nil)

// NewService creates the Service of nh. The Raft endpoint is only mounted
// when the transport of nh serves HTTP.
func NewService(nh *NodeHost) *Service {
	s := &Service{
		nh:    nh,
		mux:   http.NewServeMux(),
		stopC: make(chan struct{}),
	}
	if rate := nh.nhConfig.MaxWriteRate; rate > 0 {
		capacity := int64(rate)
		if capacity < 1 {
			capacity = 1
		}
		s.bucket = ratelimit.NewBucketWithRate(rate, capacity)
	}
	s.mux.HandleFunc("POST /db/c", s.handleCreate)
	s.mux.HandleFunc("GET /db/r/{key}", s.handleRead)
	s.mux.HandleFunc("PUT /db/u/{key}", s.handleUpdate)
	s.mux.HandleFunc("DELETE /db/d/{key}", s.handleDelete)
	s.mux.HandleFunc("GET /status", s.handleStatus)
	s.mux.HandleFunc("GET /stats", s.handleStats)
	s.mux.HandleFunc("POST /admin/campaign", s.handleCampaign)
	s.mux.HandleFunc("POST /stop", s.handleStop)
	if h, ok := nh.Transport().(http.Handler); ok {
		s.mux.Handle(transport.RaftPath, h)
	}
	return s
}

func (s *Service) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// StopRequested returns a channel closed when a client asked the node to
// stop.
func (s *Service) StopRequested() <-chan struct{} {
	return s.stopC
}

func (s *Service) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err := dec.Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, errors.Wrap(err, "invalid body"))
		return
	}
	if len(req.Key) == 0 {
		s.writeError(w, http.StatusBadRequest, kv.ErrEmptyKey)
		return
	}
	if len(req.Value) == 0 {
		s.writeError(w, http.StatusBadRequest, errors.New("missing value"))
		return
	}
	s.write(w, r, func(ctx context.Context) (kv.Entry, error) {
		return s.nh.Create(ctx, req.Key, req.Value)
	})
}

func (s *Service) handleRead(w http.ResponseWriter, r *http.Request) {
	e, err := s.nh.Read(r.PathValue("key"))
	if err != nil {
		s.writeResultError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toResponse(e))
}

func (s *Service) handleUpdate(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	value, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, errors.Wrap(err, "invalid body"))
		return
	}
	if !json.Valid(value) {
		s.writeError(w, http.StatusBadRequest, errors.New("value is not valid JSON"))
		return
	}
	s.write(w, r, func(ctx context.Context) (kv.Entry, error) {
		return s.nh.Update(ctx, key, value)
	})
}

func (s *Service) handleDelete(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	s.write(w, r, func(ctx context.Context) (kv.Entry, error) {
		return s.nh.Delete(ctx, key)
	})
}

func (s *Service) write(w http.ResponseWriter, r *http.Request,
	op func(context.Context) (kv.Entry, error)) {
	if s.bucket != nil && s.bucket.TakeAvailable(1) == 0 {
		s.nh.metrics.writeThrottled.Inc()
		s.writeError(w, http.StatusTooManyRequests, errRateLimited)
		return
	}
	requestID := r.Header.Get(RequestIDHeader)
	if len(requestID) == 0 {
		requestID = uuid.NewString()
	}
	w.Header().Set(RequestIDHeader, requestID)
	e, err := op(WithRequestID(r.Context(), requestID))
	if err != nil {
		s.writeResultError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toResponse(e))
}

func (s *Service) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.nh.Status())
}

func (s *Service) handleStats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	s.nh.WriteMetrics(w)
}

func (s *Service) handleCampaign(w http.ResponseWriter, r *http.Request) {
	if err := s.nh.Campaign(); err != nil {
		s.writeResultError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Service) handleStop(w http.ResponseWriter, r *http.Request) {
	s.stopOnce.Do(func() {
		plog.Infof("%s stop requested by %s", s.nh.describe(), r.RemoteAddr)
		close(s.stopC)
	})
	w.WriteHeader(http.StatusAccepted)
}

func (s *Service) writeResultError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, kv.ErrNotFound):
		s.writeError(w, http.StatusNotFound, err)
	case errors.Is(err, kv.ErrEmptyKey):
		s.writeError(w, http.StatusBadRequest, err)
	case errors.Is(err, ErrNotLeader):
		_, addr, _ := LeaderHint(err)
		writeJSON(w, http.StatusMisdirectedRequest,
			errorResponse{Error: err.Error(), Leader: addr})
	case errors.Is(err, rsm.ErrCommitTimeout):
		s.writeError(w, http.StatusGatewayTimeout, err)
	case errors.Is(err, rsm.ErrDropped),
		errors.Is(err, rsm.ErrStopped),
		errors.Is(err, ErrClosed):
		s.writeError(w, http.StatusServiceUnavailable, err)
	default:
		plog.Errorf("%s request failed, %v", s.nh.describe(), err)
		s.writeError(w, http.StatusInternalServerError, err)
	}
}

func (s *Service) writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, errorResponse{Error: err.Error()})
}

func toResponse(e kv.Entry) entryResponse {
	resp := entryResponse{Key: e.Key, Index: e.Index}
	if len(e.Value) > 0 {
		if json.Valid(e.Value) {
			resp.Value = e.Value
		} else {
			resp.Value, _ = json.Marshal(string(e.Value))
		}
	}
	return resp
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		plog.Warningf("failed to write response, %v", err)
	}
}
