// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package leaseq

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// SentinelExitCode is returned for task results that never produced a
// real child exit status: malformed specs and child-spawn failures.
// The exact value is not fixed by the protocol (spec.md §9, Open
// Question i); leaseq documents 255, the largest exit status a child
// can report.
const SentinelExitCode = 255

// Outcome is the terminal classification of a committed TaskResult.
type Outcome string

const (
	OutcomeOK         Outcome = "OK"
	OutcomeFailed     Outcome = "FAILED"
	OutcomeSkippedDup Outcome = "SKIPPED_DUP"
	OutcomeCancelled  Outcome = "CANCELLED"
	OutcomeMalformed  Outcome = "MALFORMED"
)

func (o Outcome) valid() bool {
	switch o {
	case OutcomeOK, OutcomeFailed, OutcomeSkippedDup, OutcomeCancelled, OutcomeMalformed:
		return true
	default:
		return false
	}
}

// UnmarshalJSON rejects unknown outcome tags rather than silently
// accepting them, per spec.md §4.2: "unknown tag values on outcome
// fields cause MalformedRecord."
func (o *Outcome) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	candidate := Outcome(s)
	if !candidate.valid() {
		return fmt.Errorf("unknown outcome tag %q", s)
	}
	*o = candidate
	return nil
}

// TaskID is a short opaque token, "T" followed by 8+ hex characters.
type TaskID string

var taskIDPattern = regexp.MustCompile(`^T[0-9a-f]{8,}$`)

// NewTaskID generates a fresh, protocol-shaped task id.
func NewTaskID() TaskID {
	return TaskID("T" + strings.ReplaceAll(uuid.NewString(), "-", "")[:16])
}

func (id TaskID) Validate() error {
	if !taskIDPattern.MatchString(string(id)) {
		return fmt.Errorf("malformed task id %q", id)
	}
	return nil
}

// TaskSpec is the immutable record published to inbox/<node>/ at submit
// time. Its filename encodes Seq and TaskID so lexicographic sort yields
// per-lane FIFO order (spec.md §4.4).
type TaskSpec struct {
	TaskID         TaskID            `json:"task_id"`
	IdempotencyKey string            `json:"idempotency_key"`
	LeaseID        LeaseID           `json:"lease_id"`
	TargetNode     string            `json:"target_node"`
	Seq            int64             `json:"seq"`
	UUID           string            `json:"uuid"`
	CreatedAt      int64             `json:"created_at"`
	Cwd            *string           `json:"cwd"`
	Env            map[string]string `json:"env,omitempty"`
	GPUs           int               `json:"gpus"`
	Command        string            `json:"command"`
}

// Filename returns the canonical inbox filename for spec:
// <zero-padded-seq>_<task_id>_<uuid>.json
func (spec TaskSpec) Filename() string {
	return fmt.Sprintf("%012d_%s_%s.json", spec.Seq, spec.TaskID, spec.UUID)
}

// ParseSpecFilename extracts the seq, task id, and uuid components from
// an inbox/claimed filename. It does not validate the file's contents.
func ParseSpecFilename(name string) (seq int64, taskID TaskID, u string, err error) {
	name = strings.TrimSuffix(name, ".json")
	parts := strings.SplitN(name, "_", 3)
	if len(parts) != 3 {
		return 0, "", "", fmt.Errorf("malformed spec filename %q", name)
	}
	seq, err = strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return 0, "", "", fmt.Errorf("malformed spec filename %q: bad seq: %w", name, err)
	}
	return seq, TaskID(parts[1]), parts[2], nil
}

// TaskResult is the record published exactly once to
// done/<node>/<task_id>.result.json. Its publish is the commit point of
// exactly-once semantics (spec.md §4.4).
type TaskResult struct {
	TaskID         TaskID  `json:"task_id"`
	IdempotencyKey string  `json:"idempotency_key"`
	Node           string  `json:"node"`
	StartedAt      int64   `json:"started_at"`
	FinishedAt     int64   `json:"finished_at"`
	ExitCode       int     `json:"exit_code"`
	StdoutPath     string  `json:"stdout_path"`
	StderrPath     string  `json:"stderr_path"`
	RuntimeSeconds float64 `json:"runtime_s"`
	Outcome        Outcome `json:"outcome"`
}

// ResultFilename returns the canonical done/ filename for a result.
func ResultFilename(id TaskID) string {
	return string(id) + ".result.json"
}

// AckRecord is the informational ack published to ack/<node>/ when a
// task transitions CLAIMED -> ACKED. It does not gate any transition.
type AckRecord struct {
	TaskID  TaskID `json:"task_id"`
	Node    string `json:"node"`
	AckedAt int64  `json:"acked_at"`
}

func AckFilename(id TaskID) string { return string(id) + ".ack.json" }
