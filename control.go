// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package leaseq

import "fmt"

// ControlVerb names the single-shot commands a control file can carry.
type ControlVerb string

const (
	ControlCancel ControlVerb = "cancel"
	ControlPause  ControlVerb = "pause"
	ControlResume ControlVerb = "resume"
)

// ControlCommand is a single-shot command file under control/<node>/.
// The runner consumes it by renaming it into control/<node>/.consumed/
// after acting on it (spec.md §4.4).
type ControlCommand struct {
	Verb     ControlVerb `json:"verb"`
	TaskID   TaskID      `json:"task_id,omitempty"`
	IssuedAt int64       `json:"issued_at"`
}

// ControlFilename returns the canonical filename for a control command:
// <verb>_<args>.json. args is an opaque uniqueness token (a task id for
// cancel, empty string for pause/resume, UUID-suffixed either way to
// prevent two submitters colliding on the same name).
func ControlFilename(verb ControlVerb, args, uniq string) string {
	if args == "" {
		return fmt.Sprintf("%s_%s.json", verb, uniq)
	}
	return fmt.Sprintf("%s_%s_%s.json", verb, args, uniq)
}
