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

// Package router announces the local node to the routing proxy when it
// becomes the leader of its replica group.
package router

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/lni/goutils/logutil"

	"github.com/jorgefdc97/SistemasDistribuidos-Project/logger"
	"github.com/jorgefdc97/SistemasDistribuidos-Project/raftio"
)

var plog = logger.GetLogger("router")

// SetMasterPath is the routing proxy endpoint receiving leader
// announcements.
const SetMasterPath = "/set_master"

const requestTimeout = 2 * time.Second

// Announcement is the body posted to the routing proxy.
type Announcement struct {
	MasterID string `json:"masterId"`
	GroupID  uint64 `json:"groupId"`
	Address  string `json:"address"`
}

// Notifier is a raftio.IRaftEventListener posting an Announcement to the
// routing proxy every time the local node becomes leader.
type Notifier struct {
	proxy   string
	name    string
	address string
	client  *http.Client
}

var _ raftio.IRaftEventListener = (*Notifier)(nil)

// NewNotifier creates a Notifier for the node called name reachable on
// address. proxy is the host:port of the routing proxy.
func NewNotifier(proxy string, name string, address string) *Notifier {
	return &Notifier{
		proxy:   proxy,
		name:    name,
		address: address,
		client:  &http.Client{Timeout: requestTimeout},
	}
}

// LeaderUpdated announces the local node when it is the new leader.
// Failures are logged and not retried.
func (n *Notifier) LeaderUpdated(info raftio.LeaderInfo) {
	if !info.IsLeader() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	if err := n.Announce(ctx, info.GroupID); err != nil {
		plog.Errorf("%s failed to announce leadership for term %d, %v",
			logutil.DescribeNode(info.GroupID, info.NodeID), info.Term, err)
		return
	}
	plog.Infof("%s announced leadership for term %d to %s",
		logutil.DescribeNode(info.GroupID, info.NodeID), info.Term, n.proxy)
}

// Announce posts the Announcement of the local node.
func (n *Notifier) Announce(ctx context.Context, groupID uint64) error {
	body, err := json.Marshal(Announcement{
		MasterID: n.name,
		GroupID:  groupID,
		Address:  n.address,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		"http://"+n.proxy+SetMasterPath, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := n.client.Do(req)
	if err != nil {
		return errors.Wrapf(err, "routing proxy %s", n.proxy)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode/100 != 2 {
		return errors.Newf("routing proxy %s returned %d", n.proxy, resp.StatusCode)
	}
	return nil
}
