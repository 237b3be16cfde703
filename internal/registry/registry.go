// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

// Package registry implements the lease registry of spec.md §4.3:
// index.json plus per-lease meta/lease.json, with resolve-default and a
// from-scratch rebuild by scanning runs/*/meta/lease.json.
package registry

import (
	"os"
	"time"

	"github.com/jontk/leaseq"
	"github.com/jontk/leaseq/internal/codec"
	"github.com/jontk/leaseq/internal/fsio"
	lqerrors "github.com/jontk/leaseq/pkg/errors"
)

// Registry is the lease index plus the paths it is persisted under.
type Registry struct {
	paths leaseq.Paths
}

func New(paths leaseq.Paths) *Registry { return &Registry{paths: paths} }

// Load reads index.json, rebuilding it from runs/*/meta/lease.json if it
// is absent or fails to parse (spec.md §4.3: "guaranteed rebuildable by
// scanning runs/").
func (r *Registry) Load() (leaseq.LeaseIndex, error) {
	data, err := os.ReadFile(r.paths.IndexFile())
	if err != nil {
		if os.IsNotExist(err) {
			return r.rebuild()
		}
		return leaseq.LeaseIndex{}, lqerrors.NewFatal("read lease index", err)
	}

	idx, _, err := codec.Decode[leaseq.LeaseIndex](data)
	if err != nil {
		return r.rebuild()
	}
	if idx.Leases == nil {
		idx.Leases = map[leaseq.LeaseID]leaseq.RegistryEntry{}
	}
	return idx, nil
}

// rebuild reconstructs the index by scanning runs/*/meta/lease.json. It
// does not persist the rebuilt index; it becomes durable only when a
// later mutation (Register, SetDefault) calls save, mirroring the read-only nature of most registry
// queries.
func (r *Registry) rebuild() (leaseq.LeaseIndex, error) {
	idx := leaseq.LeaseIndex{Leases: map[leaseq.LeaseID]leaseq.RegistryEntry{}}

	entries, err := os.ReadDir(r.paths.RunsDir())
	if err != nil {
		if os.IsNotExist(err) {
			return idx, nil
		}
		return idx, lqerrors.NewFatal("scan runs directory", err)
	}

	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		leaseID := leaseq.LeaseID(e.Name())
		metaPath := r.paths.LeaseMetaFile(leaseID)
		data, err := os.ReadFile(metaPath)
		if err != nil {
			continue // lease directory without meta is not yet fully registered
		}
		meta, _, err := codec.Decode[leaseq.LeaseMeta](data)
		if err != nil {
			continue
		}
		idx.Leases[leaseID] = leaseq.RegistryEntry{CreatedAt: meta.CreatedAt, Name: meta.Name}
	}
	return idx, nil
}

// save rewrites index.json atomically.
func (r *Registry) save(idx leaseq.LeaseIndex) error {
	data, err := codec.Encode(idx, nil)
	if err != nil {
		return lqerrors.NewFatal("encode lease index", err)
	}
	if err := fsio.AtomicPublish(r.paths.IndexFile(), data, 0o644); err != nil {
		return lqerrors.NewFatal("publish lease index", err)
	}
	return nil
}

// Register records a lease in the index and publishes its immutable
// meta record. meta is never mutated afterwards; a later call with the
// same LeaseID replaces the file atomically (spec.md §3).
func (r *Registry) Register(meta leaseq.LeaseMeta) error {
	if meta.CreatedAt == 0 {
		meta.CreatedAt = time.Now().Unix()
	}
	data, err := codec.Encode(meta, nil)
	if err != nil {
		return lqerrors.NewFatal("encode lease meta", err)
	}
	if err := fsio.AtomicPublish(r.paths.LeaseMetaFile(meta.LeaseID), data, 0o644); err != nil {
		return lqerrors.NewFatal("publish lease meta", err)
	}

	idx, err := r.Load()
	if err != nil {
		return err
	}
	idx.Leases[meta.LeaseID] = leaseq.RegistryEntry{CreatedAt: meta.CreatedAt, Name: meta.Name}
	return r.save(idx)
}

// SetDefault marks id as the user's default lease.
func (r *Registry) SetDefault(id leaseq.LeaseID) error {
	idx, err := r.Load()
	if err != nil {
		return err
	}
	if _, ok := idx.Leases[id]; !ok {
		return lqerrors.NewFatal("set default lease", os.ErrNotExist)
	}
	idx.DefaultLeaseID = id
	return r.save(idx)
}

// List returns all known lease ids in the index.
func (r *Registry) List() (map[leaseq.LeaseID]leaseq.RegistryEntry, error) {
	idx, err := r.Load()
	if err != nil {
		return nil, err
	}
	return idx.Leases, nil
}

// Meta loads a lease's immutable metadata record.
func (r *Registry) Meta(id leaseq.LeaseID) (leaseq.LeaseMeta, error) {
	data, err := os.ReadFile(r.paths.LeaseMetaFile(id))
	if err != nil {
		return leaseq.LeaseMeta{}, lqerrors.ClassifyFSError("read lease meta", err)
	}
	meta, _, err := codec.Decode[leaseq.LeaseMeta](data)
	if err != nil {
		return leaseq.LeaseMeta{}, err
	}
	return meta, nil
}

// ResolveDefault picks the default lease: local:<host> if it is
// registered, otherwise the lease recorded by SetDefault if it is still
// registered, otherwise the registered lease with the newest created_at.
// The local lease is auto-materialized only when the index holds no
// lease at all.
func (r *Registry) ResolveDefault(hostShortname string) (leaseq.LeaseID, error) {
	localID := leaseq.LocalLeaseID(hostShortname)

	idx, err := r.Load()
	if err != nil {
		return "", err
	}

	if _, ok := idx.Leases[localID]; ok {
		return localID, nil
	}

	if idx.DefaultLeaseID != "" {
		if _, ok := idx.Leases[idx.DefaultLeaseID]; ok {
			return idx.DefaultLeaseID, nil
		}
	}

	var newest leaseq.LeaseID
	var newestAt int64 = -1
	for id, entry := range idx.Leases {
		if entry.CreatedAt > newestAt {
			newest = id
			newestAt = entry.CreatedAt
		}
	}
	if newest != "" {
		return newest, nil
	}

	// Nothing registered at all: auto-materialize the local lease.
	if err := r.Register(leaseq.LeaseMeta{
		LeaseID: localID,
		Type:    leaseq.LeaseTypeLocal,
		Mode:    leaseq.ModeExclusivePerNode,
	}); err != nil {
		return "", err
	}
	return localID, nil
}

// Forget deletes a lease's registry entry and its meta file. It does not
// touch the lease's mailbox subtree; callers that want a full purge
// remove runs/<lease_id> separately once they have confirmed there are
// no zombie tasks (see the leaseq lease gc command).
func (r *Registry) Forget(id leaseq.LeaseID) error {
	idx, err := r.Load()
	if err != nil {
		return err
	}
	delete(idx.Leases, id)
	if idx.DefaultLeaseID == id {
		idx.DefaultLeaseID = ""
	}
	if err := r.save(idx); err != nil {
		return err
	}
	return fsio.Remove(r.paths.LeaseMetaFile(id))
}
