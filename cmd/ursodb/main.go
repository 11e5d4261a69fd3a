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

// Command ursodb runs one ursoDB data node.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"

	ursodb "github.com/jorgefdc97/SistemasDistribuidos-Project"
	"github.com/jorgefdc97/SistemasDistribuidos-Project/config"
	"github.com/jorgefdc97/SistemasDistribuidos-Project/internal/membership"
	"github.com/jorgefdc97/SistemasDistribuidos-Project/logger"
)

var plog = logger.GetLogger("main")

const shutdownTimeout = 10 * time.Second

type options struct {
	topology      string
	node          string
	dir           string
	rtt           uint64
	electionMin   uint64
	electionMax   uint64
	heartbeat     uint64
	checkQuorum   bool
	snappy        bool
	commitTimeout time.Duration
	maxWriteRate  float64
	gossip        string
	gossipSeeds   string
	logLevel      string
}

func main() {
	os.Exit(run(os.Args[1:], os.Stderr))
}

// run starts the data node and blocks until it is stopped, it returns the
// process exit code.
func run(args []string, stderr io.Writer) int {
	opts, err := parseOptions(args, stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		fmt.Fprintf(stderr, "%v\n", err)
		return 2
	}
	nh, listenAddress, err := start(opts)
	if err != nil {
		fmt.Fprintf(stderr, "failed to start: %v\n", err)
		return 1
	}
	return serve(nh, listenAddress)
}

func parseOptions(args []string, stderr io.Writer) (options, error) {
	opts := options{}
	fs := flag.NewFlagSet("ursodb", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&opts.topology, "topology", envOr("URSODB_TOPOLOGY", "topology.yaml"),
		"path of the cluster topology file")
	fs.StringVar(&opts.node, "node", os.Getenv("NODE_ID"),
		"name of the local data node, defaults to $NODE_ID")
	fs.StringVar(&opts.dir, "dir", "", "node host directory, defaults to data/<node>")
	fs.Uint64Var(&opts.rtt, "rtt", 100, "logical clock tick in milliseconds")
	fs.Uint64Var(&opts.electionMin, "election-min", config.DefaultElectionMinRTT,
		"minimum election timeout in ticks")
	fs.Uint64Var(&opts.electionMax, "election-max", config.DefaultElectionMaxRTT,
		"maximum election timeout in ticks")
	fs.Uint64Var(&opts.heartbeat, "heartbeat", config.DefaultHeartbeatRTT,
		"heartbeat interval in ticks")
	fs.BoolVar(&opts.checkQuorum, "check-quorum", true,
		"step down when the quorum is no longer reachable")
	fs.BoolVar(&opts.snappy, "snappy", false, "compress command payloads")
	fs.DurationVar(&opts.commitTimeout, "commit-timeout", config.DefaultCommitTimeout,
		"maximum time a write waits to be applied")
	fs.Float64Var(&opts.maxWriteRate, "max-write-rate", 0,
		"maximum client writes per second, 0 for unlimited")
	fs.StringVar(&opts.gossip, "gossip", "", "gossip address, gossip is disabled when empty")
	fs.StringVar(&opts.gossipSeeds, "gossip-seeds", "",
		"comma separated gossip addresses of other nodes")
	fs.StringVar(&opts.logLevel, "log-level", "info", "debug, info, warning or error")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}
	if len(opts.node) == 0 {
		return options{}, errors.New("node name not set, use -node or NODE_ID")
	}
	if len(opts.dir) == 0 {
		opts.dir = filepath.Join("data", opts.node)
	}
	return opts, nil
}

func envOr(name string, value string) string {
	if v := os.Getenv(name); len(v) > 0 {
		return v
	}
	return value
}

func splitList(v string) []string {
	var result []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); len(s) > 0 {
			result = append(result, s)
		}
	}
	return result
}

func configs(opts options, res membership.Resolution) (config.NodeHostConfig, config.Config) {
	nhConfig := config.NodeHostConfig{
		DeploymentID:   res.DeploymentID,
		NodeHostDir:    opts.dir,
		RTTMillisecond: opts.rtt,
		RaftAddress:    res.Self.Address,
		CommitTimeout:  opts.commitTimeout,
		MaxWriteRate:   opts.maxWriteRate,
		GossipAddress:  opts.gossip,
		GossipSeeds:    splitList(opts.gossipSeeds),
	}
	cfg := config.Config{
		GroupID:        res.GroupID,
		NodeID:         res.Self.NodeID,
		CheckQuorum:    opts.checkQuorum,
		ElectionMinRTT: opts.electionMin,
		ElectionMaxRTT: opts.electionMax,
		HeartbeatRTT:   opts.heartbeat,
	}
	if opts.snappy {
		cfg.EntryCompressionType = config.Snappy
	}
	return nhConfig, cfg
}

func start(opts options) (*ursodb.NodeHost, string, error) {
	level, err := logger.ParseLevel(opts.logLevel)
	if err != nil {
		return nil, "", err
	}
	logger.SetLevel(level)
	topo, err := config.LoadTopology(opts.topology)
	if err != nil {
		return nil, "", err
	}
	res, err := membership.Resolve(topo, opts.node)
	if err != nil {
		return nil, "", err
	}
	nhConfig, cfg := configs(opts, res)
	nh, err := ursodb.NewNodeHost(nhConfig, cfg, res)
	if err != nil {
		return nil, "", err
	}
	return nh, listenAddress(res.Self.Address), nil
}

// listenAddress binds all interfaces on the port of the advertised address.
func listenAddress(addr string) string {
	if i := strings.LastIndex(addr, ":"); i >= 0 {
		return addr[i:]
	}
	return addr
}

func serve(nh *ursodb.NodeHost, addr string) int {
	svc := ursodb.NewService(nh)
	server := &http.Server{Addr: addr, Handler: svc}
	errC := make(chan error, 1)
	go func() {
		errC <- server.ListenAndServe()
	}()
	plog.Infof("serving on %s", addr)
	sigC := make(chan os.Signal, 1)
	signal.Notify(sigC, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigC)
	code := 0
	select {
	case sig := <-sigC:
		plog.Infof("received %s, shutting down", sig)
	case <-svc.StopRequested():
		plog.Infof("stop requested, shutting down")
	case err := <-errC:
		if !errors.Is(err, http.ErrServerClosed) {
			plog.Errorf("http server failed, %v", err)
			code = 1
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		plog.Errorf("failed to shutdown http server, %v", err)
	}
	nh.Close()
	return code
}
