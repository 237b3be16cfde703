// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

// Package fsio implements the system's sole write primitive: atomic
// publish (write-to-temp-then-rename within the destination directory)
// and atomic rename between lifecycle directories (spec.md §4.1). Every
// mailbox state transition goes through one of these two functions; in-
// place mutation of any mailbox file is forbidden.
package fsio

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/google/renameio/v2"
)

// TransientNotFound is returned by AtomicRename when the source file has
// already disappeared — another claimer won the race. It is non-fatal:
// the caller retries its directory scan.
var TransientNotFound = errors.New("fsio: source not found (transient)")

// AlreadyExists is returned by AtomicRename when the destination is
// already occupied. Like TransientNotFound, it is non-fatal.
var AlreadyExists = errors.New("fsio: destination already exists")

// AtomicPublish writes data into a sibling tempfile in path's directory
// and renames it over path. The temp file and destination are guaranteed
// to be on the same filesystem, so the rename is atomic from any
// reader's point of view: readers never observe a partially written
// file at path.
func AtomicPublish(path string, data []byte, perm fs.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	return renameio.WriteFile(path, data, perm)
}

// AtomicRename performs a same-filesystem rename of a mailbox file from
// one lifecycle directory to another. It is used for every lifecycle
// transition that moves an existing file (inbox -> claimed,
// claimed -> inbox on zombie recovery). Callers distinguish the two
// non-fatal outcomes with errors.Is.
func AtomicRename(src, dst string) error {
	if _, err := os.Lstat(src); err != nil {
		if os.IsNotExist(err) {
			return TransientNotFound
		}
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	// os.Rename silently replaces an existing regular file on POSIX;
	// the mailbox protocol never wants that, so stat the destination
	// first and treat occupancy as AlreadyExists.
	if _, err := os.Lstat(dst); err == nil {
		return AlreadyExists
	} else if !os.IsNotExist(err) {
		return err
	}
	if err := os.Rename(src, dst); err != nil {
		if os.IsNotExist(err) {
			return TransientNotFound
		}
		return err
	}
	return nil
}

// Remove deletes a mailbox file, tolerating its prior absence (another
// process already cleaned it up).
func Remove(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// ListDir returns the sorted base names of path's regular-file entries,
// tolerating a missing directory (returns no entries, no error).
func ListDir(path string) ([]string, error) {
	entries, err := os.ReadDir(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		names = append(names, e.Name())
	}
	return names, nil
}

// EnsureDir creates dir (and parents) if it does not already exist.
func EnsureDir(dir string) error {
	return os.MkdirAll(dir, 0o755)
}
