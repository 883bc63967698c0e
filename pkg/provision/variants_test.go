// Copyright 2025 Google LLC
// SPDX-License-Identifier: Apache-2.0

package provision

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-billy/v5/osfs"

	"github.com/google/fuzzbuild/pkg/bucketpath"
)

func TestRegularBuild_Subtree_DefaultsToRevisions(t *testing.T) {
	b := &RegularBuild{}
	if got := b.subtree(); got != subtreeRevisions {
		t.Fatalf("subtree() = %q, want %q", got, subtreeRevisions)
	}
	b.Subtree = extraBuildDirPrefix
	if got := b.subtree(); got != "extra_build_dir" {
		t.Fatalf("subtree() = %q, want %q", got, "extra_build_dir")
	}
}

func TestRegularBuild_ResolveURL_NoBucketPath(t *testing.T) {
	b := &RegularBuild{buildBase: buildBase{deps: &Deps{}}}
	if _, _, err := b.resolveURL(context.Background()); !errors.Is(err, ErrConfigMissing) {
		t.Fatalf("resolveURL() error = %v, want ErrConfigMissing", err)
	}
}

func TestCustomBuild_Setup_NoKeyConfigured(t *testing.T) {
	fs := memfs.New()
	d := &Deps{FS: fs}
	b := &CustomBuild{buildBase: buildBase{deps: d, baseDir: "/builds/job"}}
	if _, err := b.Setup(context.Background()); !errors.Is(err, ErrConfigMissing) {
		t.Fatalf("Setup() error = %v, want ErrConfigMissing", err)
	}
}

func TestCustomRevision_NoSecondaryBucketReturnsZero(t *testing.T) {
	rev, err := customRevision(context.Background(), &Deps{}, "binary.bin")
	if err != nil {
		t.Fatalf("customRevision() failed: %v", err)
	}
	if rev != 0 {
		t.Fatalf("customRevision() = %d, want 0", rev)
	}
}

func TestSplitTargetBuild_RejectsTargetNotInList(t *testing.T) {
	objects := &fakeObjects{
		data: map[string][]byte{
			"gs://my-bucket/fuzzers/targets.list": []byte("fuzzer_one@asan\n"),
		},
		blobs: map[string][]string{
			"gs://my-bucket/fuzzers/": {"gs://my-bucket/fuzzers/fuzzer_one@asan"},
		},
	}
	d := &Deps{Objects: objects}
	bp := bucketpath.BucketPath("gs://my-bucket/fuzzers/%TARGET%/build-([0-9]+).zip").WithTarget("fuzzer_missing@asan")
	b := &SplitTargetBuild{RegularBuild{
		buildBase:  buildBase{deps: d, baseDir: "/builds/job"},
		BucketPath: bp,
		FuzzTarget: "fuzzer_missing@asan",
	}}
	_, err := b.Setup(context.Background())
	if !errors.Is(err, ErrBuildNotFound) {
		t.Fatalf("Setup() error = %v, want ErrBuildNotFound", err)
	}
}

// fakeBlobStore serves ReadBlobToDisk from an in-memory map by writing
// straight through the real os package, matching GCSStore's own contract
// (and pkg/acquire, which always operates on real files regardless of the
// billy.Filesystem the rest of the pipeline uses).
type fakeBlobStore struct {
	blobs map[string][]byte
}

func (f *fakeBlobStore) ReadBlobToDisk(ctx context.Context, key, localPath string) (bool, error) {
	data, ok := f.blobs[key]
	if !ok {
		return false, nil
	}
	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return false, err
	}
	if err := os.WriteFile(localPath, data, 0o755); err != nil {
		return false, err
	}
	return true, nil
}

// TestCustomBuild_Setup_RawBinaryEndToEnd exercises a custom binary sourced
// from the blob store through the real os-backed pkg/acquire extraction and
// the billy-backed rest of the pipeline on one real filesystem (fs rooted
// at "/", matching cmd/provisioner's production wiring), confirming the
// binary survives Unpack's onto-itself case and is discovered by
// envpublish.
func TestCustomBuild_Setup_RawBinaryEndToEnd(t *testing.T) {
	base := filepath.Join(t.TempDir(), "job")
	want := []byte("elf-binary-contents")
	blobs := &fakeBlobStore{blobs: map[string][]byte{"my_custom_binary": want}}
	d := &Deps{FS: osfs.New("/"), Blobs: blobs}
	b := &CustomBuild{
		buildBase: buildBase{deps: d, baseDir: base},
		Key:       "my_custom_binary",
		AppName:   "my_custom_binary",
	}
	result, err := b.Setup(context.Background())
	if err != nil {
		t.Fatalf("Setup() failed: %v", err)
	}
	wantPath := filepath.Join(base, subtreeCustom, "my_custom_binary")
	if result.AppPath != wantPath {
		t.Fatalf("AppPath = %q, want %q", result.AppPath, wantPath)
	}
	got, err := os.ReadFile(wantPath)
	if err != nil {
		t.Fatalf("ReadFile() failed: %v", err)
	}
	if string(got) != string(want) {
		t.Fatalf("binary contents = %q, want %q (Unpack destroyed it)", got, want)
	}

	// A second Setup call against the same (now current) revision must be
	// a no-op that still reports the same AppPath.
	result2, err := b.Setup(context.Background())
	if err != nil {
		t.Fatalf("second Setup() failed: %v", err)
	}
	if result2.AppPath != wantPath {
		t.Fatalf("second Setup() AppPath = %q, want %q", result2.AppPath, wantPath)
	}
}
