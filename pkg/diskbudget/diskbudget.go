// Copyright 2025 Google LLC
// SPDX-License-Identifier: Apache-2.0

// Package diskbudget enforces a minimum-free-space floor under the builds
// root by evicting least-recently-used build directories, excluding
// whichever directory a caller is currently materializing a build into.
package diskbudget

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/pkg/errors"

	"github.com/google/fuzzbuild/pkg/buildstate"
)

// MaxEvictions bounds how many build directories a single MakeSpace call
// will remove before giving up, guarding against an eviction loop that never
// converges (e.g. because every remaining directory is protected).
const MaxEvictions = 100

// MinFreeDiskSpace floors for the Chromium profile and every other profile;
// the caller passes whichever applies to New.
const (
	MinFreeDiskSpaceDefault  = 5 * 1024 * 1024 * 1024  // 5 GB
	MinFreeDiskSpaceChromium = 10 * 1024 * 1024 * 1024 // 10 GB
)

// FreeSpacer reports bytes currently free under root. Implementations
// typically wrap syscall.Statfs or a billy-backed virtual disk for tests.
type FreeSpacer interface {
	FreeSpace(root string) (uint64, error)
}

// Budget enforces a free-space floor under a single builds root.
type Budget struct {
	fs          billy.Filesystem
	free        FreeSpacer
	buildsRoot  string
	minFreeDisk uint64
}

// New constructs a Budget that protects buildsRoot, requiring at least
// minFreeDisk bytes free (after any requested allocation) before giving up.
// Pick MinFreeDiskSpaceChromium or MinFreeDiskSpaceDefault per the active
// profile, or a custom floor.
func New(fs billy.Filesystem, free FreeSpacer, buildsRoot string, minFreeDisk uint64) *Budget {
	return &Budget{fs: fs, free: free, buildsRoot: buildsRoot, minFreeDisk: minFreeDisk}
}

// MakeSpace tries to ensure requestedSize bytes plus the configured minimum
// floor are free under the builds root, evicting least-recently-used build
// directories (skipping any that is currentBuildDir or one of its ancestors)
// until the floor is met or MaxEvictions is reached.
func (b *Budget) MakeSpace(requestedSize uint64, currentBuildDir string) error {
	for i := 0; i < MaxEvictions; i++ {
		freeNow, err := b.free.FreeSpace(b.buildsRoot)
		if err != nil {
			return errors.Wrap(err, "checking free disk space")
		}
		if requestedSize+b.minFreeDisk <= freeNow {
			return nil
		}
		evicted, err := b.evictOne(currentBuildDir)
		if err != nil {
			return err
		}
		if !evicted {
			return errors.Errorf("need at least %d bytes of free disk space", requestedSize+b.minFreeDisk)
		}
	}
	freeNow, err := b.free.FreeSpace(b.buildsRoot)
	if err != nil {
		return errors.Wrap(err, "checking free disk space")
	}
	if requestedSize+b.minFreeDisk > freeNow {
		return errors.Errorf("need at least %d bytes of free disk space", requestedSize+b.minFreeDisk)
	}
	return nil
}

// evictOne deletes the least-recently-used build directory under the builds
// root, excluding any directory that is currentBuildDir or an ancestor of
// it (the directory currently being materialized, and anything containing
// it). Returns false if there is nothing eligible to evict.
func (b *Budget) evictOne(currentBuildDir string) (bool, error) {
	entries, err := b.fs.ReadDir(b.buildsRoot)
	if err != nil {
		return false, errors.Wrapf(err, "listing %s", b.buildsRoot)
	}
	absCurrent := filepath.Clean(currentBuildDir)
	var oldestDir string
	var oldestTime time.Time
	found := false
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		dir := filepath.Join(b.buildsRoot, e.Name())
		if isAncestorOrSelf(dir, absCurrent) {
			continue
		}
		ts := buildstate.LastUsed(b.fs, dir)
		if !found || ts.Before(oldestTime) {
			oldestTime = ts
			oldestDir = dir
			found = true
		}
	}
	if !found {
		return false, nil
	}
	if err := removeAll(b.fs, oldestDir); err != nil {
		return false, errors.Wrapf(err, "evicting %s", oldestDir)
	}
	return true, nil
}

// isAncestorOrSelf reports whether dir is current or a directory containing
// current, matching the original's os.path.commonpath(...) == dir check: we
// must never evict a directory we are actively extracting into, including
// when current is a nested subdirectory of dir.
func isAncestorOrSelf(dir, current string) bool {
	dir = filepath.Clean(dir)
	if dir == current {
		return true
	}
	return strings.HasPrefix(current, dir+string(filepath.Separator))
}

func removeAll(fs billy.Filesystem, root string) error {
	entries, err := fs.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, e := range entries {
		child := filepath.Join(root, e.Name())
		if e.IsDir() {
			if err := removeAll(fs, child); err != nil {
				return err
			}
		} else if err := fs.Remove(child); err != nil {
			return err
		}
	}
	return fs.Remove(root)
}
