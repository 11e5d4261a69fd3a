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

package membership

import (
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/hashicorp/memberlist"
)

// GossipConfig is the configuration of the gossip ring.
type GossipConfig struct {
	// BindAddress is the host:port the gossip ring listens on.
	BindAddress string
	// Seeds are gossip addresses of other nodes.
	Seeds []string
	// Local selects the memberlist settings tuned for a local network.
	Local bool
}

type gossip struct {
	view *View
	ml   *memberlist.Memberlist
}

var _ memberlist.EventDelegate = (*gossip)(nil)

// StartGossip joins the gossip ring, failing to reach the seeds is not an
// error since they may start later.
func (v *View) StartGossip(cfg GossipConfig) error {
	host, port, err := parseAddress(cfg.BindAddress)
	if err != nil {
		return err
	}
	g := &gossip{view: v}
	mlc := memberlist.DefaultLANConfig()
	if cfg.Local {
		mlc = memberlist.DefaultLocalConfig()
	}
	mlc.Name = v.res.Self.Name
	mlc.BindAddr = host
	mlc.BindPort = port
	mlc.Events = g
	mlc.LogOutput = gossipLogWriter{}
	ml, err := memberlist.Create(mlc)
	if err != nil {
		return errors.Wrapf(err, "failed to start gossip on %s", cfg.BindAddress)
	}
	g.ml = ml
	if len(cfg.Seeds) > 0 {
		if n, err := ml.Join(cfg.Seeds); err != nil {
			plog.Warningf("gossip joined %d of %d seeds, %v", n, len(cfg.Seeds), err)
		}
	}
	v.mu.Lock()
	v.gossip = g
	v.mu.Unlock()
	plog.Infof("gossip started on %s", ml.LocalNode().Address())
	return nil
}

// GossipAddress returns the address of the local gossip node, empty when
// gossip is not running.
func (v *View) GossipAddress() string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.gossip == nil {
		return ""
	}
	return v.gossip.ml.LocalNode().Address()
}

func (g *gossip) NotifyJoin(n *memberlist.Node) {
	g.view.setGossipAlive(n.Name, true)
}

func (g *gossip) NotifyLeave(n *memberlist.Node) {
	g.view.setGossipAlive(n.Name, false)
}

func (g *gossip) NotifyUpdate(n *memberlist.Node) {
}

func (g *gossip) stop() {
	if err := g.ml.Leave(time.Second); err != nil {
		plog.Warningf("failed to leave gossip ring, %v", err)
	}
	if err := g.ml.Shutdown(); err != nil {
		plog.Errorf("failed to stop gossip, %v", err)
	}
}

func parseAddress(addr string) (string, int, error) {
	host, p, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, errors.Wrapf(err, "invalid gossip address %s", addr)
	}
	port, err := strconv.Atoi(p)
	if err != nil {
		return "", 0, errors.Wrapf(err, "invalid gossip port %s", p)
	}
	return host, port, nil
}

// gossipLogWriter forwards memberlist logs to the package logger.
type gossipLogWriter struct{}

func (gossipLogWriter) Write(p []byte) (int, error) {
	line := strings.TrimSpace(string(p))
	if strings.Contains(line, "[ERR]") || strings.Contains(line, "[WARN]") {
		plog.Warningf("%s", line)
	} else {
		plog.Debugf("%s", line)
	}
	return len(p), nil
}
