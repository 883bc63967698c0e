// Copyright 2025 Google LLC
// SPDX-License-Identifier: Apache-2.0

package provision

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-git/go-billy/v5/osfs"

	"github.com/google/fuzzbuild/internal/config"
	"github.com/google/fuzzbuild/pkg/bucketpath"
	"github.com/google/fuzzbuild/pkg/metrics"
)

// writeZipFixture builds an in-memory zip archive with a single entry per
// map key, mirroring pkg/acquire's own writeTestZip test helper.
func writeZipFixture(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, content := range files {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatalf("zip Create() failed: %v", err)
		}
		if _, err := w.Write([]byte(content)); err != nil {
			t.Fatalf("zip Write() failed: %v", err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("zip Close() failed: %v", err)
	}
	return buf.Bytes()
}

// fakeDownloadObjects is an objstore.Client whose CopyFileFrom actually
// writes bytes to disk, unlike fakeObjects (targetslist_test.go), which
// only serves the listing/metadata path.
type fakeDownloadObjects struct {
	data  map[string][]byte
	blobs map[string][]string
}

func (f *fakeDownloadObjects) ListBlobs(ctx context.Context, prefix string) ([]string, error) {
	return f.blobs[prefix], nil
}
func (f *fakeDownloadObjects) ObjectSize(ctx context.Context, url string) (int64, error) {
	return int64(len(f.data[url])), nil
}
func (f *fakeDownloadObjects) CopyFileFrom(ctx context.Context, url, localPath string) error {
	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return err
	}
	return os.WriteFile(localPath, f.data[url], 0o644)
}
func (f *fakeDownloadObjects) Updated(ctx context.Context, url string) (time.Time, error) {
	return time.Time{}, nil
}
func (f *fakeDownloadObjects) ReadData(ctx context.Context, url string) ([]byte, error) {
	return f.data[url], nil
}
func (f *fakeDownloadObjects) BucketAndPath(url string) (string, string, error) {
	return "bucket", url, nil
}

func TestPrimaryBucketPath(t *testing.T) {
	cases := []struct {
		name string
		cfg  config.ProvisioningContext
		want bucketpath.BucketPath
	}{
		{
			name: "custom binary has no bucket path",
			cfg:  config.ProvisioningContext{CustomBinary: "binary.bin", ReleaseBucketPath: "gs://bucket/release-([0-9]+).zip"},
			want: "",
		},
		{
			name: "split target takes precedence over release",
			cfg: config.ProvisioningContext{
				FuzzTargetBucketPath: "gs://bucket/%TARGET%/build-([0-9]+).zip",
				ReleaseBucketPath:    "gs://bucket/release-([0-9]+).zip",
			},
			want: "gs://bucket/%TARGET%/build-([0-9]+).zip",
		},
		{
			name: "falls back to release",
			cfg:  config.ProvisioningContext{ReleaseBucketPath: "gs://bucket/release-([0-9]+).zip"},
			want: "gs://bucket/release-([0-9]+).zip",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := primaryBucketPath(&tc.cfg); got != tc.want {
				t.Fatalf("primaryBucketPath() = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestDispatch_SplitTargetRequiresFuzzTarget(t *testing.T) {
	cfg := &config.ProvisioningContext{
		JobName:              "job",
		BuildsDir:            "/builds",
		FuzzTargetBucketPath: "gs://bucket/%TARGET%/build-([0-9]+).zip",
	}
	_, err := Dispatch(context.Background(), &Deps{}, cfg, 0, "")
	if !errors.Is(err, ErrConfigMissing) {
		t.Fatalf("Dispatch() error = %v, want ErrConfigMissing", err)
	}
}

func TestDispatch_TrunkRequiresReleaseBucketPath(t *testing.T) {
	cfg := &config.ProvisioningContext{
		JobName:   "job",
		BuildsDir: "/builds",
	}
	_, err := Dispatch(context.Background(), &Deps{}, cfg, 0, "")
	if !errors.Is(err, ErrConfigMissing) {
		t.Fatalf("Dispatch() error = %v, want ErrConfigMissing", err)
	}
}

func TestSetupSymbolized_RequiresABucketPath(t *testing.T) {
	cfg := &config.ProvisioningContext{JobName: "job", BuildsDir: "/builds"}
	_, err := SetupSymbolized(context.Background(), &Deps{}, cfg, 0)
	if !errors.Is(err, ErrConfigMissing) {
		t.Fatalf("SetupSymbolized() error = %v, want ErrConfigMissing", err)
	}
}

// TestSetupSymbolized_ReleaseAndDebugBothPublish exercises the concurrent
// release/debug plan resolution end to end and confirms the debug publish
// (processed second, deterministically, regardless of which resolvePlan
// goroutine actually finished first) is the one whose AppDir wins.
func TestSetupSymbolized_ReleaseAndDebugBothPublish(t *testing.T) {
	releaseBP := bucketpath.BucketPath("gs://my-bucket/release/build-([0-9]+).zip")
	debugBP := bucketpath.BucketPath("gs://my-bucket/debug/build-([0-9]+).zip")
	releasePrefix, _ := releaseBP.ListingPrefix()
	debugPrefix, _ := debugBP.ListingPrefix()

	releaseZip := writeZipFixture(t, map[string]string{"my_fuzzer": "release-data"})
	debugZip := writeZipFixture(t, map[string]string{"my_fuzzer": "debug-data"})

	objects := &fakeDownloadObjects{
		data: map[string][]byte{
			"gs://my-bucket/release/build-1.zip": releaseZip,
			"gs://my-bucket/debug/build-1.zip":   debugZip,
		},
		blobs: map[string][]string{
			releasePrefix: {"gs://my-bucket/release/build-1.zip"},
			debugPrefix:   {"gs://my-bucket/debug/build-1.zip"},
		},
	}
	d := &Deps{
		FS:       osfs.New("/"),
		Objects:  objects,
		Resolver: bucketpath.NewResolver(objects, 8),
		Metrics:  metrics.NewLogRecorder(),
	}
	cfg := &config.ProvisioningContext{
		JobName:              "job",
		BuildsDir:            filepath.Join(t.TempDir(), "builds"),
		AppName:              "my_fuzzer",
		SymReleaseBucketPath: releaseBP,
		SymDebugBucketPath:   debugBP,
	}
	result, err := SetupSymbolized(context.Background(), d, cfg, 1)
	if err != nil {
		t.Fatalf("SetupSymbolized() failed: %v", err)
	}
	if result.AppPath == "" || result.AppPathDebug == "" {
		t.Fatalf("expected both AppPath and AppPathDebug to be populated, got %+v", result)
	}
	data, err := os.ReadFile(filepath.Join(result.AppDir, "my_fuzzer"))
	if err != nil {
		t.Fatalf("ReadFile() failed: %v", err)
	}
	if string(data) != "debug-data" {
		t.Fatalf("result.AppDir = %q content, want it to point at the debug build (debug-data)", data)
	}
}
