// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package config

import "errors"

var (
	// ErrMissingHome is returned when LEASEQ_HOME is unset or empty.
	ErrMissingHome = errors.New("LEASEQ_HOME is required")

	// ErrInvalidInterval is returned by Validate when a poll, rescan or
	// heartbeat interval is non-positive, or PollBusy is shorter than
	// PollIdle. Load replaces non-positive env values with defaults, so
	// the first case arises only for a Config built in code.
	ErrInvalidInterval = errors.New("invalid poll or heartbeat interval")

	// ErrInvalidRetryBackoff is returned when LEASEQ_RETRY_BACKOFF names
	// a strategy other than exponential, linear, fibonacci, or constant.
	ErrInvalidRetryBackoff = errors.New("invalid LEASEQ_RETRY_BACKOFF, want exponential, linear, fibonacci, or constant")
)
