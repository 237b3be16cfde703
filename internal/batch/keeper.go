// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package batch

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/jontk/leaseq"
)

// keeperScriptTemplate is the body of the generated keeper job. It runs
// under $SLURM_JOB_ID, which is the only way it learns its own lease id:
// that id is not known until sbatch accepts the submission. On each
// allocated node it runs one "leaseq runner start", pinned to that
// node's shortname, and the script itself blocks on `wait` until Slurm
// kills it (job cancellation, preemption, or time limit).
const keeperScriptTemplate = `#!/bin/sh
set -eu

LEASE_ID="$SLURM_JOB_ID"
HOME_DIR=%q

srun --ntasks-per-node=1 --cpu-bind=none sh -c '
  NODE_SHORT=$(hostname -s)
  exec leaseq runner start --home "$0" --lease "$1" --node "$NODE_SHORT"
' "$HOME_DIR" "$LEASE_ID" &

wait
`

// writeKeeperScript renders keeperScriptTemplate for spec and writes it
// to a scratch location under the mailbox home, returning its path for
// sbatch to submit. The lease id itself is resolved by the script at
// runtime ($SLURM_JOB_ID), not baked in here.
func writeKeeperScript(paths leaseq.Paths, spec leaseq.BatchCreateSpec) (string, error) {
	dir := filepath.Join(paths.Home, ".keeper-scripts")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create keeper script directory: %w", err)
	}

	f, err := os.CreateTemp(dir, "keeper-*.sh")
	if err != nil {
		return "", fmt.Errorf("create keeper script: %w", err)
	}
	defer f.Close()

	body := fmt.Sprintf(keeperScriptTemplate, paths.Home)
	if _, err := f.WriteString(body); err != nil {
		return "", fmt.Errorf("write keeper script: %w", err)
	}
	if err := f.Chmod(0o755); err != nil {
		return "", fmt.Errorf("chmod keeper script: %w", err)
	}
	return f.Name(), nil
}
