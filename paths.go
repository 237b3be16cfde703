// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package leaseq

import "path/filepath"

// Paths resolves the on-disk layout rooted at a home directory
// (spec.md §6). All methods are pure path arithmetic; nothing here
// touches the filesystem.
type Paths struct {
	Home string
}

func NewPaths(home string) Paths { return Paths{Home: home} }

func (p Paths) IndexFile() string { return filepath.Join(p.Home, "index.json") }

func (p Paths) RunsDir() string { return filepath.Join(p.Home, "runs") }

func (p Paths) LeaseDir(lease LeaseID) string {
	return filepath.Join(p.RunsDir(), sanitizeLeaseID(lease))
}

func (p Paths) LeaseMetaFile(lease LeaseID) string {
	return filepath.Join(p.LeaseDir(lease), "meta", "lease.json")
}

func (p Paths) InboxDir(lease LeaseID, node string) string {
	return filepath.Join(p.LeaseDir(lease), "inbox", node)
}

func (p Paths) ClaimedDir(lease LeaseID, node string) string {
	return filepath.Join(p.LeaseDir(lease), "claimed", node)
}

func (p Paths) DoneDir(lease LeaseID, node string) string {
	return filepath.Join(p.LeaseDir(lease), "done", node)
}

func (p Paths) AckDir(lease LeaseID, node string) string {
	return filepath.Join(p.LeaseDir(lease), "ack", node)
}

func (p Paths) EventsFile(lease LeaseID, node string) string {
	return filepath.Join(p.LeaseDir(lease), "events", node+".jsonl")
}

func (p Paths) HeartbeatFile(lease LeaseID, node string) string {
	return filepath.Join(p.LeaseDir(lease), "hb", node+".json")
}

func (p Paths) ControlDir(lease LeaseID, node string) string {
	return filepath.Join(p.LeaseDir(lease), "control", node)
}

func (p Paths) ControlConsumedDir(lease LeaseID, node string) string {
	return filepath.Join(p.ControlDir(lease, node), ".consumed")
}

func (p Paths) LogsDir(lease LeaseID) string {
	return filepath.Join(p.LeaseDir(lease), "logs")
}

func (p Paths) StdoutLog(lease LeaseID, taskID TaskID) string {
	return filepath.Join(p.LogsDir(lease), string(taskID)+".out")
}

func (p Paths) StderrLog(lease LeaseID, taskID TaskID) string {
	return filepath.Join(p.LogsDir(lease), string(taskID)+".err")
}

// PidFile returns the path a runner process for (lease, node) records
// its PID at while running, so the CLI can signal or report on it
// without a protocol-level daemon registry. This is a CLI convenience,
// not part of the mailbox state machine: nothing in the runner loop or
// snapshot reader reads it.
func (p Paths) PidFile(lease LeaseID, node string) string {
	return filepath.Join(p.Home, "pids", sanitizeLeaseID(lease)+"_"+node+".pid")
}

// sanitizeLeaseID turns "local:host" into "local:host" — the colon is
// filesystem-safe on every POSIX target leaseq runs on, so no escaping
// is needed; this hook exists so a future Windows target has one place
// to change it.
func sanitizeLeaseID(id LeaseID) string { return string(id) }
