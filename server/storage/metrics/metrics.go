// Copyright 2024 The realmcore Authors
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

// Package metrics instruments the storage coordinator with the same shape
// of Prometheus metrics etcd's server/mvcc/backend package keeps in its
// sibling metrics.go: commit latency, a defrag-in-progress gauge, a
// snapshot-transfer-duration histogram, and so on — renamed to this
// core's own operations.
package metrics

import "github.com/prometheus/client_golang/prometheus"

const namespace = "realmcore"

var (
	// CommitDuration mirrors etcd backend.go's commitSec: the latency of
	// one CommitPipeline.Commit call, from serialize through publish.
	CommitDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "commit",
		Name:      "duration_seconds",
		Help:      "Latency distribution of CommitPipeline.Commit.",
		Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 18),
	})

	// FsyncDuration mirrors etcd's writeSec: time spent in the durability
	// sync step of a commit (Full mode only).
	FsyncDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "commit",
		Name:      "fsync_duration_seconds",
		Help:      "Latency distribution of the fsync step of a Full-durability commit.",
		Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 18),
	})

	// SlotsReclaimed counts ringbuffer slots returned to the free list by
	// Ring.Cleanup, the closest analogue to etcd's rebalanceSec (a
	// counter of internal bookkeeping work rather than wall time).
	SlotsReclaimed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "ring",
		Name:      "slots_reclaimed_total",
		Help:      "Total ringbuffer slots reclaimed by cleanup.",
	})

	// RingOccupancy mirrors etcd's approach of exposing an internal size
	// gauge (backend.go's Size/SizeInUse): number of live (non-free)
	// slots in the ringbuffer.
	RingOccupancy = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "ring",
		Name:      "occupancy",
		Help:      "Number of currently-live ringbuffer slots.",
	})

	// DaemonBacklog mirrors etcd's isDefragActive style single-purpose
	// gauge, here reporting the async daemon's free_write_slots.
	DaemonBacklog = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "daemon",
		Name:      "free_write_slots",
		Help:      "Current free_write_slots backpressure counter in Async durability mode.",
	})

	// CompactionDuration mirrors etcd's defragSec.
	CompactionDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "compact",
		Name:      "duration_seconds",
		Help:      "Latency distribution of Compact.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 16),
	})

	// CompactionActive mirrors etcd's isDefragActive.
	CompactionActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "compact",
		Name:      "active",
		Help:      "1 if a compaction is currently running, 0 otherwise.",
	})
)

func init() {
	prometheus.MustRegister(
		CommitDuration,
		FsyncDuration,
		SlotsReclaimed,
		RingOccupancy,
		DaemonBacklog,
		CompactionDuration,
		CompactionActive,
	)
}
