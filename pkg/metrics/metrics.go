// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

// Package metrics exposes the runner loop's and external-batch
// adapter's operational counters as Prometheus metrics, served on an
// opt-in HTTP listener the same way the CLI's --metrics-addr flag does
// it: disabled unless a caller asks for it, never forced into the
// mailbox protocol's own blast radius.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// TasksClaimed counts every task a runner pulls off its lane, by node.
	TasksClaimed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "leaseq_tasks_claimed_total",
		Help: "Total tasks claimed by a runner.",
	}, []string{"node"})

	// TasksCommitted counts every task a runner commits to done/, by node
	// and outcome (OK, FAILED, CANCELLED, SKIPPED_DUP, MALFORMED).
	TasksCommitted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "leaseq_tasks_committed_total",
		Help: "Total tasks committed to done, labeled by outcome.",
	}, []string{"node", "outcome"})

	// HeartbeatAge is a per-lease, per-node gauge that the runner's
	// heartbeat goroutine sets to 0 after each successful heartbeat
	// publish. Nothing in this module raises it between publishes; the
	// snapshot reader's liveness check does not read it.
	HeartbeatAge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "leaseq_heartbeat_age_seconds",
		Help: "Age of the most recent heartbeat write for a running node.",
	}, []string{"lease", "node"})

	// BatchProbeDuration observes how long each external-batch CLI
	// invocation (sbatch, scancel, squeue, sacct) takes, so a slow
	// scheduler shows up before it trips the probe's soft timeout.
	BatchProbeDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "leaseq_batch_cli_duration_seconds",
		Help:    "Duration of external-batch CLI invocations.",
		Buckets: prometheus.DefBuckets,
	}, []string{"command"})
)

func init() {
	prometheus.MustRegister(TasksClaimed, TasksCommitted, HeartbeatAge, BatchProbeDuration)
}

// ObserveDuration records how long fn took against the named command's
// histogram and returns fn's result unchanged.
func ObserveDuration[T any](command string, fn func() T) T {
	start := time.Now()
	result := fn()
	BatchProbeDuration.WithLabelValues(command).Observe(time.Since(start).Seconds())
	return result
}

// Serve starts an HTTP server exposing /metrics on addr in the
// background and returns it so the caller can Shutdown it on exit. A
// caller that never wants metrics simply never calls Serve: there is no
// global default collector to opt out of.
func Serve(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		_ = srv.ListenAndServe()
	}()
	return srv
}

// Shutdown gracefully stops a server started by Serve.
func Shutdown(ctx context.Context, srv *http.Server) error {
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}
