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
	"fmt"
	"io"

	"github.com/VictoriaMetrics/metrics"
)

type nodeHostMetrics struct {
	set              *metrics.Set
	elections        *metrics.Counter
	proposals        *metrics.Counter
	proposalsDropped *metrics.Counter
	commitTimeouts   *metrics.Counter
	applied          *metrics.Counter
	leaderChanges    *metrics.Counter
	msgReceived      *metrics.Counter
	msgDropped       *metrics.Counter
	msgSent          *metrics.Counter
	logdbBytes       *metrics.Counter
	writeThrottled   *metrics.Counter
}

func metricName(name string, groupID uint64, nodeID uint64) string {
	return fmt.Sprintf(`ursodb_%s{group="%d",node="%d"}`, name, groupID, nodeID)
}

func newNodeHostMetrics(groupID uint64, nodeID uint64, nh *NodeHost) *nodeHostMetrics {
	s := metrics.NewSet()
	n := func(name string) string { return metricName(name, groupID, nodeID) }
	m := &nodeHostMetrics{
		set:              s,
		elections:        s.NewCounter(n("elections_total")),
		proposals:        s.NewCounter(n("proposals_total")),
		proposalsDropped: s.NewCounter(n("proposals_rejected_total")),
		commitTimeouts:   s.NewCounter(n("commit_timeouts_total")),
		applied:          s.NewCounter(n("applied_entries_total")),
		leaderChanges:    s.NewCounter(n("leader_changes_total")),
		msgReceived:      s.NewCounter(n("messages_received_total")),
		msgDropped:       s.NewCounter(n("messages_dropped_total")),
		msgSent:          s.NewCounter(n("messages_sent_total")),
		logdbBytes:       s.NewCounter(n("logdb_written_bytes_total")),
		writeThrottled:   s.NewCounter(n("writes_throttled_total")),
	}
	s.NewGauge(n("term"), func() float64 {
		return float64(nh.Status().Term)
	})
	s.NewGauge(n("committed_index"), func() float64 {
		return float64(nh.Status().Committed)
	})
	s.NewGauge(n("applied_index"), func() float64 {
		return float64(nh.Status().Applied)
	})
	s.NewGauge(n("is_leader"), func() float64 {
		if nh.IsLeader() {
			return 1
		}
		return 0
	})
	return m
}

func (m *nodeHostMetrics) writePrometheus(w io.Writer) {
	m.set.WritePrometheus(w)
}

// WriteMetrics writes the metrics of the NodeHost in the Prometheus text
// format.
func (nh *NodeHost) WriteMetrics(w io.Writer) {
	nh.metrics.writePrometheus(w)
}
