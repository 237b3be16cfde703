// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package metrics

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTasksClaimedIncrementsByNode(t *testing.T) {
	TasksClaimed.Reset()
	TasksClaimed.WithLabelValues("node-a").Inc()
	TasksClaimed.WithLabelValues("node-a").Inc()
	TasksClaimed.WithLabelValues("node-b").Inc()

	assert.Equal(t, float64(2), testutil.ToFloat64(TasksClaimed.WithLabelValues("node-a")))
	assert.Equal(t, float64(1), testutil.ToFloat64(TasksClaimed.WithLabelValues("node-b")))
}

func TestTasksCommittedLabelsByOutcome(t *testing.T) {
	TasksCommitted.Reset()
	TasksCommitted.WithLabelValues("node-a", "ok").Inc()
	TasksCommitted.WithLabelValues("node-a", "failed").Inc()
	TasksCommitted.WithLabelValues("node-a", "failed").Inc()

	assert.Equal(t, float64(1), testutil.ToFloat64(TasksCommitted.WithLabelValues("node-a", "ok")))
	assert.Equal(t, float64(2), testutil.ToFloat64(TasksCommitted.WithLabelValues("node-a", "failed")))
}

func TestHeartbeatAgeSetsGaugeByLeaseAndNode(t *testing.T) {
	HeartbeatAge.Reset()
	HeartbeatAge.WithLabelValues("lease-1", "node-a").Set(3.5)

	assert.Equal(t, 3.5, testutil.ToFloat64(HeartbeatAge.WithLabelValues("lease-1", "node-a")))
}

func TestObserveDurationRecordsHistogramAndReturnsResult(t *testing.T) {
	BatchProbeDuration.Reset()

	result := ObserveDuration("squeue", func() int { return 42 })
	assert.Equal(t, 42, result)

	count := testutil.CollectAndCount(BatchProbeDuration, "leaseq_batch_cli_duration_seconds")
	assert.Equal(t, 1, count)
}

func TestServeAndShutdown(t *testing.T) {
	srv := Serve("127.0.0.1:0")
	require.NotNil(t, srv)
	assert.NoError(t, Shutdown(context.Background(), srv))
}
