// Copyright 2025 Google LLC
// SPDX-License-Identifier: Apache-2.0

package diskbudget

import (
	"testing"
	"time"

	"github.com/go-git/go-billy/v5/memfs"

	"github.com/google/fuzzbuild/pkg/buildstate"
)

// fakeFreeSpacer reports a free-space value that increases by stepPerEvict
// bytes after each call past the first, simulating space reclaimed by
// eviction without touching a real disk.
type fakeFreeSpacer struct {
	calls        int
	initialFree  uint64
	stepPerEvict uint64
}

func (f *fakeFreeSpacer) FreeSpace(root string) (uint64, error) {
	v := f.initialFree + uint64(f.calls)*f.stepPerEvict
	f.calls++
	return v, nil
}

func TestMakeSpace_NoEvictionNeeded(t *testing.T) {
	fs := memfs.New()
	free := &fakeFreeSpacer{initialFree: 100 * 1024 * 1024 * 1024}
	b := New(fs, free, "/builds", MinFreeDiskSpaceDefault)
	if err := b.MakeSpace(1024, "/builds/current"); err != nil {
		t.Fatalf("MakeSpace() failed: %v", err)
	}
	if free.calls != 1 {
		t.Fatalf("FreeSpace() called %d times, want 1 (no eviction)", free.calls)
	}
}

func TestMakeSpace_EvictsOldestExcludingCurrent(t *testing.T) {
	fs := memfs.New()
	must := func(err error) {
		if err != nil {
			t.Fatalf("setup failed: %v", err)
		}
	}
	must(fs.MkdirAll("/builds/old", 0o755))
	must(fs.MkdirAll("/builds/new", 0o755))
	must(fs.MkdirAll("/builds/current", 0o755))
	must(buildstate.Touch(fs, "/builds/old", time.Unix(1000, 0)))
	must(buildstate.Touch(fs, "/builds/new", time.Unix(2000, 0)))
	must(buildstate.Touch(fs, "/builds/current", time.Unix(3000, 0)))

	// Free space starts below the floor and jumps above it after one eviction.
	free := &fakeFreeSpacer{initialFree: 1024, stepPerEvict: MinFreeDiskSpaceDefault * 2}
	b := New(fs, free, "/builds", MinFreeDiskSpaceDefault)
	if err := b.MakeSpace(0, "/builds/current"); err != nil {
		t.Fatalf("MakeSpace() failed: %v", err)
	}
	if _, err := fs.Stat("/builds/old"); err == nil {
		t.Fatal("expected /builds/old to be evicted")
	}
	if _, err := fs.Stat("/builds/new"); err != nil {
		t.Fatalf("/builds/new should survive eviction: %v", err)
	}
	if _, err := fs.Stat("/builds/current"); err != nil {
		t.Fatalf("/builds/current must never be evicted: %v", err)
	}
}

func TestMakeSpace_NeverEvictsCurrentBuildDirOrAncestor(t *testing.T) {
	fs := memfs.New()
	must := func(err error) {
		if err != nil {
			t.Fatalf("setup failed: %v", err)
		}
	}
	must(fs.MkdirAll("/builds/current/nested", 0o755))
	must(buildstate.Touch(fs, "/builds/current", time.Unix(1, 0)))

	// Only one candidate exists and it's the current build dir itself: no
	// eviction is possible, so MakeSpace must fail rather than delete it.
	free := &fakeFreeSpacer{initialFree: 0}
	b := New(fs, free, "/builds", MinFreeDiskSpaceDefault)
	err := b.MakeSpace(0, "/builds/current/nested")
	if err == nil {
		t.Fatal("MakeSpace() succeeded, want error (nothing evictable)")
	}
	if _, statErr := fs.Stat("/builds/current"); statErr != nil {
		t.Fatalf("/builds/current must survive: %v", statErr)
	}
}
