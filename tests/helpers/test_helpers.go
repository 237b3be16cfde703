// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

// Package helpers holds test scaffolding shared across internal packages'
// test suites: every package test that stands up a lease tree starts from
// the same temp-directory layout, so that setup lives here once.
package helpers

import (
	"testing"
	"time"

	"github.com/jontk/leaseq"
	"github.com/stretchr/testify/require"
)

// TempPaths returns a Paths rooted at a fresh, auto-cleaned temp directory.
func TempPaths(t *testing.T) leaseq.Paths {
	t.Helper()
	return leaseq.NewPaths(t.TempDir())
}

// WaitForCondition polls cond every tick until it returns true or timeout
// elapses, failing the test in the latter case. It exists for the runner
// and mailbox suites, where a background goroutine (a heartbeat tick, a
// completion drain) makes a state change asynchronously.
func WaitForCondition(t *testing.T, timeout, tick time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		if cond() {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("condition not met within %s", timeout)
		}
		time.Sleep(tick)
	}
}

// RequireNoError is a t.Helper wrapper kept for call sites that want the
// Helper marker without importing testify directly.
func RequireNoError(t *testing.T, err error) {
	t.Helper()
	require.NoError(t, err)
}
