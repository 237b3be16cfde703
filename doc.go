// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

// Package leaseq implements a persistent, disconnect-tolerant task queue
// for scientific computing sessions.
//
// Work is queued against a lease: either the always-present local host,
// or an external batch allocation (Slurm) holding a set of nodes. Tasks
// are plain shell commands; leaseq executes each exactly once, captures
// its stdout/stderr, and exposes live status to a CLI and a terminal UI.
//
// Coordination between submitters, runners, and readers happens entirely
// through a fixed directory layout under a home root and a single write
// primitive: write-to-temp-then-rename within the destination directory.
// There are no sockets, no advisory locks, and no database — leaseq is
// built to survive NFSv4-grade eventual consistency and to tolerate any
// participant disconnecting or crashing at any point.
//
// See internal/mailbox for the lifecycle state machine, internal/runner
// for the per-node worker loop, internal/snapshot for the read-only view
// consumed by the CLI and TUI, and internal/batch for the Slurm adapter.
package leaseq
