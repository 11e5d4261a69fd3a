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

package config

import (
	"net"
	"os"
	"strconv"

	"github.com/cockroachdb/errors"
	"gopkg.in/yaml.v3"
)

const defaultHost = "localhost"

var (
	// ErrUnknownNode is returned when the requested node name is not part of
	// the topology.
	ErrUnknownNode = errors.New("node not found in topology")
	// ErrInvalidTopology is returned when the topology is malformed.
	ErrInvalidTopology = errors.New("invalid topology")
)

// RoutingProxy is the address of the routing proxy notified about leader
// changes.
type RoutingProxy struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// Address returns the host:port of the routing proxy, empty when the proxy
// is not configured.
func (rp RoutingProxy) Address() string {
	if rp.Port == 0 {
		return ""
	}
	host := rp.Host
	if len(host) == 0 {
		host = defaultHost
	}
	return net.JoinHostPort(host, strconv.Itoa(rp.Port))
}

// Server is a data node in the topology.
type Server struct {
	Name string `yaml:"name"`
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// Address returns the host:port of the data node.
func (s Server) Address() string {
	host := s.Host
	if len(host) == 0 {
		host = defaultHost
	}
	return net.JoinHostPort(host, strconv.Itoa(s.Port))
}

// ReplicaGroup is the set of data nodes replicating one shard.
type ReplicaGroup struct {
	Name    string   `yaml:"name"`
	Servers []Server `yaml:"servers"`
}

// Topology is the static cluster layout shared by all data nodes. JSON
// files are accepted as well as YAML ones.
type Topology struct {
	DeploymentID uint64         `yaml:"deploymentId"`
	RP           RoutingProxy   `yaml:"RP"`
	DNs          []ReplicaGroup `yaml:"DNs"`
}

// Location is the resolved position of a data node in the topology. Group
// and node IDs are the 1-based positions of the group in DNs and of the
// server in its group.
type Location struct {
	GroupID uint64
	NodeID  uint64
	Server  Server
}

// LoadTopology reads and validates the topology file at path.
func LoadTopology(path string) (*Topology, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read topology %s", path)
	}
	return ParseTopology(data)
}

// ParseTopology parses and validates the topology document.
func ParseTopology(data []byte) (*Topology, error) {
	t := &Topology{}
	if err := yaml.Unmarshal(data, t); err != nil {
		return nil, errors.Mark(errors.Wrap(err, "failed to parse topology"),
			ErrInvalidTopology)
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return t, nil
}

// Validate checks that every group has servers, that server names are
// unique across the topology and that every address is valid.
func (t *Topology) Validate() error {
	if len(t.DNs) == 0 {
		return errors.Wrap(ErrInvalidTopology, "no replica group")
	}
	names := make(map[string]struct{})
	addrs := make(map[string]struct{})
	for gi, g := range t.DNs {
		if len(g.Servers) == 0 {
			return errors.Wrapf(ErrInvalidTopology, "group %d has no server", gi+1)
		}
		for _, s := range g.Servers {
			if len(s.Name) == 0 {
				return errors.Wrapf(ErrInvalidTopology, "unnamed server in group %d", gi+1)
			}
			if _, ok := names[s.Name]; ok {
				return errors.Wrapf(ErrInvalidTopology, "duplicated server name %s", s.Name)
			}
			names[s.Name] = struct{}{}
			if !IsValidAddress(s.Address()) {
				return errors.Wrapf(ErrInvalidTopology, "invalid address for %s", s.Name)
			}
			if _, ok := addrs[s.Address()]; ok {
				return errors.Wrapf(ErrInvalidTopology, "duplicated address %s", s.Address())
			}
			addrs[s.Address()] = struct{}{}
		}
	}
	if len(t.RP.Address()) > 0 && !IsValidAddress(t.RP.Address()) {
		return errors.Wrap(ErrInvalidTopology, "invalid routing proxy address")
	}
	return nil
}

// Locate returns the location of the named data node.
func (t *Topology) Locate(name string) (Location, error) {
	for gi, g := range t.DNs {
		for si, s := range g.Servers {
			if s.Name == name {
				return Location{
					GroupID: uint64(gi + 1),
					NodeID:  uint64(si + 1),
					Server:  s,
				}, nil
			}
		}
	}
	return Location{}, errors.Wrapf(ErrUnknownNode, "name %s", name)
}

// Group returns the replica group with the specified ID.
func (t *Topology) Group(groupID uint64) (ReplicaGroup, bool) {
	if groupID == 0 || groupID > uint64(len(t.DNs)) {
		return ReplicaGroup{}, false
	}
	return t.DNs[groupID-1], true
}
