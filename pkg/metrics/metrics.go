// Copyright 2025 The axfor Authors
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

package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "revstore"

// Metrics holds all Prometheus metrics for the revStore server.
// Every Record method is safe to call on a nil *Metrics.
type Metrics struct {
	// gRPC request metrics
	GrpcRequestDuration *prometheus.HistogramVec
	GrpcRequestTotal    *prometheus.CounterVec
	GrpcRequestInFlight *prometheus.GaugeVec
	RateLimitHits       *prometheus.CounterVec
	PanicsRecovered     *prometheus.CounterVec

	// MVCC metrics
	CurrentRevision  prometheus.Gauge
	CompactRevision  prometheus.Gauge
	KeysTotal        prometheus.Gauge
	TxnTotal         *prometheus.CounterVec
	TxnDuration      prometheus.Histogram
	EventsTotal      *prometheus.CounterVec
	RollbacksTotal   prometheus.Counter
	CompactionsTotal prometheus.Counter
	CompactedRevs    prometheus.Counter

	// Watch metrics
	ActiveWatches      prometheus.Gauge
	UnsyncedWatches    prometheus.Gauge
	WatchEventsTotal   *prometheus.CounterVec
	WatchCreatedTotal  prometheus.Counter
	WatchCanceledTotal *prometheus.CounterVec

	// Lease metrics
	ActiveLeases        prometheus.Gauge
	LeaseGrantedTotal   prometheus.Counter
	LeaseRevokedTotal   prometheus.Counter
	LeaseExpiredTotal   prometheus.Counter
	LeaseKeepAliveTotal prometheus.Counter
}

// New creates and registers all metrics on registry.
func New(registry *prometheus.Registry) *Metrics {
	f := promauto.With(registry)
	return &Metrics{
		GrpcRequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "grpc",
			Name:      "request_duration_seconds",
			Help:      "Histogram of gRPC request latencies",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "code"}),
		GrpcRequestTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "grpc",
			Name:      "request_total",
			Help:      "Total number of gRPC requests",
		}, []string{"method", "code"}),
		GrpcRequestInFlight: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "grpc",
			Name:      "request_in_flight",
			Help:      "Current number of in-flight gRPC requests",
		}, []string{"method"}),
		RateLimitHits: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "grpc",
			Name:      "rate_limit_hits_total",
			Help:      "Total number of requests rejected by the rate limiter",
		}, []string{"method"}),
		PanicsRecovered: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      "panics_recovered_total",
			Help:      "Total number of panics recovered",
		}, []string{"method"}),

		CurrentRevision: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "mvcc",
			Name:      "current_revision",
			Help:      "Latest committed global index",
		}),
		CompactRevision: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "mvcc",
			Name:      "compact_revision",
			Help:      "Global index of the last compaction",
		}),
		KeysTotal: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "mvcc",
			Name:      "keys_total",
			Help:      "Number of keys with retained history",
		}),
		TxnTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "mvcc",
			Name:      "txn_total",
			Help:      "Applied transactions by outcome",
		}, []string{"result"}),
		TxnDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "mvcc",
			Name:      "txn_duration_seconds",
			Help:      "Time spent holding the write lock per transaction",
			Buckets:   prometheus.ExponentialBuckets(0.00001, 4, 10),
		}),
		EventsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "mvcc",
			Name:      "events_total",
			Help:      "Events produced by committed batches",
		}, []string{"type"}),
		RollbacksTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "mvcc",
			Name:      "rollbacks_total",
			Help:      "Batches rolled back after a failure during apply",
		}),
		CompactionsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "mvcc",
			Name:      "compactions_total",
			Help:      "Completed compactions",
		}),
		CompactedRevs: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "mvcc",
			Name:      "compacted_revisions_total",
			Help:      "Stored versions discarded by compaction",
		}),

		ActiveWatches: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "watch",
			Name:      "active",
			Help:      "Current number of watch subscriptions",
		}),
		UnsyncedWatches: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "watch",
			Name:      "unsynced",
			Help:      "Subscriptions still replaying history",
		}),
		WatchEventsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "watch",
			Name:      "events_total",
			Help:      "Events queued to subscriptions",
		}, []string{"type"}),
		WatchCreatedTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "watch",
			Name:      "created_total",
			Help:      "Subscriptions created",
		}),
		WatchCanceledTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "watch",
			Name:      "canceled_total",
			Help:      "Subscriptions terminated by reason",
		}, []string{"reason"}),

		ActiveLeases: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "lease",
			Name:      "active",
			Help:      "Current number of leases",
		}),
		LeaseGrantedTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "lease",
			Name:      "granted_total",
			Help:      "Leases granted",
		}),
		LeaseRevokedTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "lease",
			Name:      "revoked_total",
			Help:      "Leases revoked by request",
		}),
		LeaseExpiredTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "lease",
			Name:      "expired_total",
			Help:      "Leases removed by the expiry loop",
		}),
		LeaseKeepAliveTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "lease",
			Name:      "keepalive_total",
			Help:      "Successful keepalive renewals",
		}),
	}
}

// RecordGrpcRequest records a gRPC request's duration and status
func (m *Metrics) RecordGrpcRequest(method string, code string, duration time.Duration) {
	if m == nil {
		return
	}
	m.GrpcRequestDuration.WithLabelValues(method, code).Observe(duration.Seconds())
	m.GrpcRequestTotal.WithLabelValues(method, code).Inc()
}

// RecordRateLimitHit records a rate limit hit
func (m *Metrics) RecordRateLimitHit(method string) {
	if m == nil {
		return
	}
	m.RateLimitHits.WithLabelValues(method).Inc()
}

// RecordPanicRecovered records a recovered panic
func (m *Metrics) RecordPanicRecovered(method string) {
	if m == nil {
		return
	}
	m.PanicsRecovered.WithLabelValues(method).Inc()
}

// RecordTxn records one transaction. result is "success", "failure" or "error".
func (m *Metrics) RecordTxn(result string, duration time.Duration) {
	if m == nil {
		return
	}
	m.TxnTotal.WithLabelValues(result).Inc()
	m.TxnDuration.Observe(duration.Seconds())
}

// RecordCommit updates the revision gauge and event counters after a commit.
func (m *Metrics) RecordCommit(rev int64, eventTypes []string, keys int) {
	if m == nil {
		return
	}
	m.CurrentRevision.Set(float64(rev))
	m.KeysTotal.Set(float64(keys))
	for _, t := range eventTypes {
		m.EventsTotal.WithLabelValues(t).Inc()
	}
}

// RecordRollback counts a rolled back batch.
func (m *Metrics) RecordRollback() {
	if m == nil {
		return
	}
	m.RollbacksTotal.Inc()
}

// RecordCompaction records a completed compaction.
func (m *Metrics) RecordCompaction(rev int64, freed int) {
	if m == nil {
		return
	}
	m.CompactRevision.Set(float64(rev))
	m.CompactionsTotal.Inc()
	m.CompactedRevs.Add(float64(freed))
}

// RecordWatchEvent records an event queued to a subscription
func (m *Metrics) RecordWatchEvent(eventType string) {
	if m == nil {
		return
	}
	m.WatchEventsTotal.WithLabelValues(eventType).Inc()
}

// RecordWatchCreated records a new subscription.
func (m *Metrics) RecordWatchCreated() {
	if m == nil {
		return
	}
	m.WatchCreatedTotal.Inc()
	m.ActiveWatches.Inc()
}

// RecordWatchCanceled records a terminated subscription.
func (m *Metrics) RecordWatchCanceled(reason string) {
	if m == nil {
		return
	}
	m.WatchCanceledTotal.WithLabelValues(reason).Inc()
	m.ActiveWatches.Dec()
}

// SetUnsyncedWatches sets the number of subscriptions replaying history.
func (m *Metrics) SetUnsyncedWatches(n int) {
	if m == nil {
		return
	}
	m.UnsyncedWatches.Set(float64(n))
}

// RecordLeaseGranted records a granted lease.
func (m *Metrics) RecordLeaseGranted() {
	if m == nil {
		return
	}
	m.LeaseGrantedTotal.Inc()
	m.ActiveLeases.Inc()
}

// RecordLeaseRemoved records a lease leaving the table, by revoke or by expiry.
func (m *Metrics) RecordLeaseRemoved(expired bool) {
	if m == nil {
		return
	}
	if expired {
		m.LeaseExpiredTotal.Inc()
	} else {
		m.LeaseRevokedTotal.Inc()
	}
	m.ActiveLeases.Dec()
}

// RecordLeaseKeepAlive records a renewal.
func (m *Metrics) RecordLeaseKeepAlive() {
	if m == nil {
		return
	}
	m.LeaseKeepAliveTotal.Inc()
}
