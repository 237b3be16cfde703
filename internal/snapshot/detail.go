// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package snapshot

import (
	"os"

	"github.com/jontk/leaseq"
	"github.com/jontk/leaseq/internal/codec"
	lqerrors "github.com/jontk/leaseq/pkg/errors"
)

// TaskDetail is the spec.md §4.6 task_detail() result: the spec as
// submitted, the result if it has landed, and the log paths a caller
// can hand to Tail.
type TaskDetail struct {
	TaskID     leaseq.TaskID
	Node       string
	Spec       *leaseq.TaskSpec
	Result     *leaseq.TaskResult
	StdoutPath string
	StderrPath string
}

// TaskDetail searches every node lane of leaseID for taskID, across
// inbox, claimed, and done, and returns whatever it finds. Returns nil
// with no error if the task is simply not present anywhere (it may not
// have been submitted yet, or its lease may have been forgotten).
func (s *Reader) TaskDetail(leaseID leaseq.LeaseID, taskID leaseq.TaskID) (*TaskDetail, error) {
	nodes, err := s.discoverNodes(leaseID)
	if err != nil {
		return nil, err
	}

	for _, node := range nodes {
		detail := &TaskDetail{TaskID: taskID, Node: node, StdoutPath: s.paths.StdoutLog(leaseID, taskID), StderrPath: s.paths.StderrLog(leaseID, taskID)}
		found := false

		if spec, ok, err := s.findSpecInDir(s.paths.InboxDir(leaseID, node), taskID); err != nil {
			return nil, err
		} else if ok {
			detail.Spec = spec
			found = true
		}
		if spec, ok, err := s.findSpecInDir(s.paths.ClaimedDir(leaseID, node), taskID); err != nil {
			return nil, err
		} else if ok {
			detail.Spec = spec
			found = true
		}

		resultPath := s.paths.DoneDir(leaseID, node) + "/" + leaseq.ResultFilename(taskID)
		if data, err := os.ReadFile(resultPath); err == nil {
			result, _, err := codec.Decode[leaseq.TaskResult](data)
			if err == nil {
				detail.Result = &result
				found = true
			}
		} else if !os.IsNotExist(err) {
			return nil, lqerrors.ClassifyFSError("read task result", err)
		}

		if found {
			return detail, nil
		}
	}
	return nil, nil
}

func (s *Reader) findSpecInDir(dir string, taskID leaseq.TaskID) (*leaseq.TaskSpec, bool, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, lqerrors.ClassifyFSError("scan for task detail", err)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		_, id, _, err := leaseq.ParseSpecFilename(e.Name())
		if err != nil || id != taskID {
			continue
		}
		data, err := os.ReadFile(dir + "/" + e.Name())
		if err != nil {
			return nil, false, lqerrors.ClassifyFSError("read task spec", err)
		}
		spec, _, err := codec.Decode[leaseq.TaskSpec](data)
		if err != nil {
			return nil, true, nil // present but malformed: report found with no parsed spec
		}
		return &spec, true, nil
	}
	return nil, false, nil
}
