// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package leaseq

// BatchState is the normalized state of an external-batch lease's keeper
// job, independent of the batch system's own vocabulary.
type BatchState string

const (
	BatchRunning   BatchState = "RUNNING"
	BatchPending   BatchState = "PENDING"
	BatchCompleted BatchState = "COMPLETED"
	BatchCancelled BatchState = "CANCELLED"
	BatchTimeout   BatchState = "TIMEOUT"
	BatchUnknown   BatchState = "UNKNOWN"
)

// Terminal reports whether a batch state will never transition further.
func (s BatchState) Terminal() bool {
	switch s {
	case BatchCompleted, BatchCancelled, BatchTimeout:
		return true
	default:
		return false
	}
}

// BatchProbe is the result of one state-probe query against the batch
// system, cached by the adapter for its rate-limit interval.
type BatchProbe struct {
	State    BatchState
	TimeLeft string     // empty if not reported or not applicable
	ProbedAt int64
}

// BatchCreateSpec describes a keeper job submission: the well-known
// flags named in the external-batch protocol plus an ordered sequence
// of pass-through arguments appended verbatim after them.
type BatchCreateSpec struct {
	Nodes           int
	Time            string   // batch-system duration string, e.g. "02:00:00"
	Partition       string
	QOS             string
	Account         string
	Constraint      string
	Reservation     string
	GPUsPerNode     int
	PassthroughArgs []string
	Name            string
}
