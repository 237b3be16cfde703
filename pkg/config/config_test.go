// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"LEASEQ_HOME", "LEASEQ_POLL_IDLE", "LEASEQ_POLL_BUSY", "LEASEQ_RESCAN_INTERVAL",
		"LEASEQ_HEARTBEAT_INTERVAL", "LEASEQ_NODE_STALE_AFTER", "LEASEQ_NODE_BLACKHOLE_AFTER",
		"LEASEQ_BATCH_PROBE_INTERVAL", "LEASEQ_RETRY_BACKOFF", "LEASEQ_DEBUG",
	} {
		t.Setenv(key, "")
	}
}

func TestLoadRequiresHome(t *testing.T) {
	clearEnv(t)
	_, err := Load()
	require.ErrorIs(t, err, ErrMissingHome)
}

func TestLoadAppliesDefaults(t *testing.T) {
	clearEnv(t)
	t.Setenv("LEASEQ_HOME", "/tmp/leaseq-home")

	c, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "/tmp/leaseq-home", c.Home)
	assert.Equal(t, DefaultPollIdle, c.PollIdle)
	assert.Equal(t, DefaultPollBusy, c.PollBusy)
	assert.Equal(t, DefaultRescanInterval, c.RescanInterval)
	assert.Equal(t, DefaultHeartbeatInterval, c.HeartbeatInterval)
	assert.Equal(t, DefaultRetryBackoff, c.RetryBackoff)
}

func TestLoadHonorsRetryBackoffOverride(t *testing.T) {
	clearEnv(t)
	t.Setenv("LEASEQ_HOME", "/tmp/leaseq-home")
	t.Setenv("LEASEQ_RETRY_BACKOFF", "fibonacci")

	c, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "fibonacci", c.RetryBackoff)
}

func TestValidateRejectsUnknownRetryBackoff(t *testing.T) {
	c := &Config{
		Home: "/tmp/x", PollIdle: time.Second, PollBusy: 5 * time.Second,
		RescanInterval: time.Minute, HeartbeatInterval: time.Second, RetryBackoff: "random-walk",
	}
	require.ErrorIs(t, c.Validate(), ErrInvalidRetryBackoff)
}

func TestLoadHonorsOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("LEASEQ_HOME", "/tmp/leaseq-home")
	t.Setenv("LEASEQ_POLL_IDLE", "2s")
	t.Setenv("LEASEQ_POLL_BUSY", "8s")
	t.Setenv("LEASEQ_DEBUG", "true")

	c, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 2*time.Second, c.PollIdle)
	assert.Equal(t, 8*time.Second, c.PollBusy)
	assert.True(t, c.Debug)
}

func TestLoadIgnoresUnparsableOverride(t *testing.T) {
	clearEnv(t)
	t.Setenv("LEASEQ_HOME", "/tmp/leaseq-home")
	t.Setenv("LEASEQ_POLL_IDLE", "not-a-duration")

	c, err := Load()
	require.NoError(t, err)
	assert.Equal(t, DefaultPollIdle, c.PollIdle)
}

func TestValidateRejectsBusyShorterThanIdle(t *testing.T) {
	c := &Config{Home: "/tmp/x", PollIdle: 5 * time.Second, PollBusy: time.Second, RescanInterval: time.Minute, HeartbeatInterval: time.Second}
	require.ErrorIs(t, c.Validate(), ErrInvalidInterval)
}
