// Copyright 2025 Google LLC
// SPDX-License-Identifier: Apache-2.0

// Package buildstate tracks the on-disk sentinel files ("REVISION",
// ".partial_build", ".timestamp") that record whether a build directory
// holds a complete, usable build and at which revision.
//
// Reads and writes go through billy.Filesystem so callers can exercise the
// state machine against an in-memory filesystem in tests.
package buildstate

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/pkg/errors"
)

const (
	revisionFileName = "REVISION"
	partialFileName  = ".partial_build"
	timestampFile    = ".timestamp"
)

// Phase identifies which of the three sentinel states a build directory is
// in, per §9's "Cyclic file cleanup" design note: NONE, COMPLETE(rev),
// PARTIAL, treated explicitly as a three-state enum.
type Phase int

const (
	// Unknown is the state of a build directory with no REVISION file: it
	// either doesn't exist yet or was never completed.
	Unknown Phase = iota
	// Revision is the state of a build directory with a readable REVISION
	// file; Revision holds the integer revision it records.
	Revision
	// Partial is the state of a build directory unpacked with only a subset
	// of its files (a single fuzz target), marked via .partial_build so it is
	// never mistaken for a reusable complete build.
	Partial
)

func (p Phase) String() string {
	switch p {
	case Revision:
		return "Revision"
	case Partial:
		return "Partial"
	default:
		return "Unknown"
	}
}

// State is the result of reading a build directory's sentinel files.
type State struct {
	Phase    Phase
	Revision int // valid only when Phase == Revision
}

// Read inspects dir's sentinel files and returns its current State.
// A present .partial_build file always wins over REVISION, since a partial
// build is never considered complete regardless of which revision it
// records.
func Read(fs billy.Filesystem, dir string) (State, error) {
	if exists(fs, filepath.Join(dir, partialFileName)) {
		return State{Phase: Partial}, nil
	}
	revPath := filepath.Join(dir, revisionFileName)
	if !exists(fs, revPath) {
		return State{Phase: Unknown}, nil
	}
	f, err := fs.Open(revPath)
	if err != nil {
		return State{}, errors.Wrapf(err, "opening %s", revPath)
	}
	defer f.Close()
	var buf strings.Builder
	if _, err := buf.ReadFrom(f); err != nil {
		return State{}, errors.Wrapf(err, "reading %s", revPath)
	}
	rev, err := strconv.Atoi(strings.TrimSpace(buf.String()))
	if err != nil {
		// A corrupt REVISION file is treated as Unknown (mirrors the
		// original's fallback to an unmatchable sentinel revision), not an
		// error: callers should re-provision rather than fail outright.
		return State{Phase: Unknown}, nil
	}
	return State{Phase: Revision, Revision: rev}, nil
}

// NeedsUpdate reports whether dir's recorded state does not already
// represent a complete build at wantRevision: true when Unknown, Partial, or
// Revision but for a different revision.
func NeedsUpdate(fs billy.Filesystem, dir string, wantRevision int) (bool, error) {
	st, err := Read(fs, dir)
	if err != nil {
		return false, err
	}
	return st.Phase != Revision || st.Revision != wantRevision, nil
}

// WriteRevision atomically records dir as a complete build at revision,
// clearing any stale .partial_build marker.
func WriteRevision(fs billy.Filesystem, dir string, revision int) error {
	if err := removeIfExists(fs, filepath.Join(dir, partialFileName)); err != nil {
		return err
	}
	return atomicWrite(fs, filepath.Join(dir, revisionFileName), []byte(strconv.Itoa(revision)))
}

// MarkPartial records dir as holding only a subset of a build's files (e.g.
// a single fuzz target was unpacked), so it is never reused as a complete
// build for a different fuzz target.
func MarkPartial(fs billy.Filesystem, dir string) error {
	return atomicWrite(fs, filepath.Join(dir, partialFileName), nil)
}

// ClearPartial removes dir's .partial_build marker, if present.
func ClearPartial(fs billy.Filesystem, dir string) error {
	return removeIfExists(fs, filepath.Join(dir, partialFileName))
}

// Touch updates dir's .timestamp sentinel to now, used by the Disk Budget
// Manager's LRU eviction to order build directories by last use.
func Touch(fs billy.Filesystem, dir string, now time.Time) error {
	return atomicWrite(fs, filepath.Join(dir, timestampFile), []byte(fmt.Sprintf("%d", now.Unix())))
}

// LastUsed reads dir's .timestamp sentinel. It returns the zero time if the
// sentinel is absent or unreadable, so a never-touched directory sorts as
// the oldest (and thus first evicted).
func LastUsed(fs billy.Filesystem, dir string) time.Time {
	p := filepath.Join(dir, timestampFile)
	if !exists(fs, p) {
		return time.Time{}
	}
	f, err := fs.Open(p)
	if err != nil {
		return time.Time{}
	}
	defer f.Close()
	var buf strings.Builder
	if _, err := buf.ReadFrom(f); err != nil {
		return time.Time{}
	}
	sec, err := strconv.ParseInt(strings.TrimSpace(buf.String()), 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.Unix(sec, 0)
}

// atomicWrite writes data to path by writing to a sibling temp file and
// renaming over the destination, matching utils.write_data_to_file's
// temp-then-rename contract and the teacher's atomicFileWriter idiom.
func atomicWrite(fs billy.Filesystem, path string, data []byte) error {
	if err := fs.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrapf(err, "creating parent of %s", path)
	}
	tmp, err := fs.TempFile(filepath.Dir(path), ".buildstate-tmp-")
	if err != nil {
		return errors.Wrapf(err, "creating temp file for %s", path)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		_ = fs.Remove(tmp.Name())
		return errors.Wrapf(err, "writing temp file for %s", path)
	}
	if err := tmp.Close(); err != nil {
		_ = fs.Remove(tmp.Name())
		return errors.Wrapf(err, "closing temp file for %s", path)
	}
	if err := fs.Rename(tmp.Name(), path); err != nil {
		_ = fs.Remove(tmp.Name())
		return errors.Wrapf(err, "renaming temp file into %s", path)
	}
	return nil
}

func exists(fs billy.Filesystem, path string) bool {
	_, err := fs.Stat(path)
	return err == nil
}

func removeIfExists(fs billy.Filesystem, path string) error {
	if !exists(fs, path) {
		return nil
	}
	if err := fs.Remove(path); err != nil {
		return errors.Wrapf(err, "removing %s", path)
	}
	return nil
}
