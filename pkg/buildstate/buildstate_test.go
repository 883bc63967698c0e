// Copyright 2025 Google LLC
// SPDX-License-Identifier: Apache-2.0

package buildstate

import (
	"testing"
	"time"

	"github.com/go-git/go-billy/v5/memfs"
)

func TestRead_UnknownWhenEmpty(t *testing.T) {
	fs := memfs.New()
	st, err := Read(fs, "/build")
	if err != nil {
		t.Fatalf("Read() failed: %v", err)
	}
	if st.Phase != Unknown {
		t.Fatalf("Read().Phase = %v, want Unknown", st.Phase)
	}
}

func TestWriteRevision_ThenRead(t *testing.T) {
	fs := memfs.New()
	if err := WriteRevision(fs, "/build", 42); err != nil {
		t.Fatalf("WriteRevision() failed: %v", err)
	}
	st, err := Read(fs, "/build")
	if err != nil {
		t.Fatalf("Read() failed: %v", err)
	}
	if st.Phase != Revision || st.Revision != 42 {
		t.Fatalf("Read() = %+v, want {Revision 42}", st)
	}
}

func TestMarkPartial_OverridesRevision(t *testing.T) {
	fs := memfs.New()
	if err := WriteRevision(fs, "/build", 42); err != nil {
		t.Fatalf("WriteRevision() failed: %v", err)
	}
	if err := MarkPartial(fs, "/build"); err != nil {
		t.Fatalf("MarkPartial() failed: %v", err)
	}
	st, err := Read(fs, "/build")
	if err != nil {
		t.Fatalf("Read() failed: %v", err)
	}
	if st.Phase != Partial {
		t.Fatalf("Read().Phase = %v, want Partial", st.Phase)
	}
}

func TestWriteRevision_ClearsPartial(t *testing.T) {
	fs := memfs.New()
	if err := MarkPartial(fs, "/build"); err != nil {
		t.Fatalf("MarkPartial() failed: %v", err)
	}
	if err := WriteRevision(fs, "/build", 7); err != nil {
		t.Fatalf("WriteRevision() failed: %v", err)
	}
	st, err := Read(fs, "/build")
	if err != nil {
		t.Fatalf("Read() failed: %v", err)
	}
	if st.Phase != Revision || st.Revision != 7 {
		t.Fatalf("Read() = %+v, want {Revision 7}", st)
	}
}

func TestNeedsUpdate(t *testing.T) {
	fs := memfs.New()
	need, err := NeedsUpdate(fs, "/build", 5)
	if err != nil {
		t.Fatalf("NeedsUpdate() failed: %v", err)
	}
	if !need {
		t.Fatal("NeedsUpdate() = false on empty dir, want true")
	}
	if err := WriteRevision(fs, "/build", 5); err != nil {
		t.Fatalf("WriteRevision() failed: %v", err)
	}
	need, err = NeedsUpdate(fs, "/build", 5)
	if err != nil {
		t.Fatalf("NeedsUpdate() failed: %v", err)
	}
	if need {
		t.Fatal("NeedsUpdate() = true for matching revision, want false")
	}
	need, err = NeedsUpdate(fs, "/build", 6)
	if err != nil {
		t.Fatalf("NeedsUpdate() failed: %v", err)
	}
	if !need {
		t.Fatal("NeedsUpdate() = false for mismatched revision, want true")
	}
}

func TestNeedsUpdate_TrueWhenPartial(t *testing.T) {
	fs := memfs.New()
	if err := WriteRevision(fs, "/build", 5); err != nil {
		t.Fatalf("WriteRevision() failed: %v", err)
	}
	if err := MarkPartial(fs, "/build"); err != nil {
		t.Fatalf("MarkPartial() failed: %v", err)
	}
	need, err := NeedsUpdate(fs, "/build", 5)
	if err != nil {
		t.Fatalf("NeedsUpdate() failed: %v", err)
	}
	if !need {
		t.Fatal("NeedsUpdate() = false for partial build, want true")
	}
}

func TestRead_CorruptRevisionFileIsUnknown(t *testing.T) {
	fs := memfs.New()
	f, err := fs.Create("/build/REVISION")
	if err != nil {
		t.Fatalf("Create() failed: %v", err)
	}
	if _, err := f.Write([]byte("not-a-number")); err != nil {
		t.Fatalf("Write() failed: %v", err)
	}
	f.Close()
	st, err := Read(fs, "/build")
	if err != nil {
		t.Fatalf("Read() failed: %v", err)
	}
	if st.Phase != Unknown {
		t.Fatalf("Read().Phase = %v, want Unknown", st.Phase)
	}
}

func TestLastUsed_ZeroWhenUntouched(t *testing.T) {
	fs := memfs.New()
	if got := LastUsed(fs, "/build"); !got.IsZero() {
		t.Fatalf("LastUsed() = %v, want zero time", got)
	}
}

func TestTouchAndLastUsed(t *testing.T) {
	fs := memfs.New()
	now := time.Unix(1700000000, 0)
	if err := Touch(fs, "/build", now); err != nil {
		t.Fatalf("Touch() failed: %v", err)
	}
	got := LastUsed(fs, "/build")
	if !got.Equal(now) {
		t.Fatalf("LastUsed() = %v, want %v", got, now)
	}
}
