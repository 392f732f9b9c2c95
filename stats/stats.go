// Package stats registers the counters this engine exposes for a run:
// files reused from the pool versus newly fetched, bytes transferred, and
// errors broken down by kind (spec.md §7's per-run Summary, made
// continuously observable rather than read only at the end of a sync).
//
// Grounded on the host repo's stats package (one flat naming convention,
// "*.n" for counters, "*.size" for byte counts, "*.ns" for latencies) and
// its Prometheus registration helper, adapted from the host's own
// atomic-counter-plus-StatsD runner to a direct
// github.com/prometheus/client_golang registry since this engine has no
// StatsD collector of its own to notify.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package stats

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/nvaistore/aptvault/internal/reporter"
)

// Metric names follow the Prometheus convention: <namespace>_<subsystem>_
// <name>, with counters ending in "_total".
const (
	namespace = "aptvault"
)

// Registry bundles every metric this engine emits. Construct one per
// process via New and register it with a prometheus.Registerer of the
// caller's choosing (spec.md §1: metrics transport is an external
// collaborator).
type Registry struct {
	FilesReused  prometheus.Counter
	FilesFetched prometheus.Counter
	BytesTotal   prometheus.Counter
	Errors       *prometheus.CounterVec
	GCReclaimed  prometheus.Counter
	GCRetained   prometheus.Counter
	GCBytes      prometheus.Counter
}

// New constructs a Registry with every metric instantiated but not yet
// registered.
func New() *Registry {
	return &Registry{
		FilesReused: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "sync", Name: "files_reused_total",
			Help: "Files linked from an existing pool entry without a network fetch.",
		}),
		FilesFetched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "sync", Name: "files_fetched_total",
			Help: "Files fetched from upstream and inserted into the pool.",
		}),
		BytesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "sync", Name: "bytes_total",
			Help: "Bytes transferred from upstream across all syncs.",
		}),
		Errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "sync", Name: "errors_total",
			Help: "Sync errors by kind.",
		}, []string{"kind"}),
		GCReclaimed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "gc", Name: "blobs_reclaimed_total",
			Help: "Pool blobs removed because their link count was 1 (only the pool entry) and they were unreferenced.",
		}),
		GCRetained: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "gc", Name: "blobs_retained_total",
			Help: "Pool blobs kept across a GC pass.",
		}),
		GCBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "gc", Name: "bytes_reclaimed_total",
			Help: "Bytes freed across all GC passes.",
		}),
	}
}

// MustRegister registers every metric in r against reg, panicking on
// collision — the same fail-fast discipline the host repo applies to its
// own stats registration at process start.
func (r *Registry) MustRegister(reg prometheus.Registerer) {
	reg.MustRegister(r.FilesReused, r.FilesFetched, r.BytesTotal, r.Errors, r.GCReclaimed, r.GCRetained, r.GCBytes)
}

// Sink adapts a Registry into a reporter.Sink, so a Materializer can report
// directly into Prometheus counters alongside (or instead of) a
// human-facing progress sink.
type Sink struct {
	Registry *Registry
	Next     reporter.Sink // optional: chained sink for progress UI
}

func (s Sink) Started(path string, size int64) {
	if s.Next != nil {
		s.Next.Started(path, size)
	}
}

func (s Sink) Progress(path string, bytes int64) {
	if s.Next != nil {
		s.Next.Progress(path, bytes)
	}
}

func (s Sink) Completed(path string, fromPool bool) {
	if fromPool {
		s.Registry.FilesReused.Inc()
	} else {
		s.Registry.FilesFetched.Inc()
	}
	if s.Next != nil {
		s.Next.Completed(path, fromPool)
	}
}

func (s Sink) Failed(path string, kind reporter.ErrorKind, err error) {
	s.Registry.Errors.WithLabelValues(string(kind)).Inc()
	if s.Next != nil {
		s.Next.Failed(path, kind, err)
	}
}

// AddBytes records bytes transferred for one completed fetch. Materializer
// does not itself know about Registry, so the caller wires this in
// alongside Sink.Completed (e.g. from Result.Bytes after Sync returns).
func (r *Registry) AddBytes(n int64) {
	r.BytesTotal.Add(float64(n))
}

// RecordGC folds a pool.Stats-shaped reclaim result into the GC counters.
func (r *Registry) RecordGC(reclaimed, retained int, bytesReclaimed int64) {
	r.GCReclaimed.Add(float64(reclaimed))
	r.GCRetained.Add(float64(retained))
	r.GCBytes.Add(float64(bytesReclaimed))
}
