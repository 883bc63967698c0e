// Copyright 2025 Google LLC
// SPDX-License-Identifier: Apache-2.0

// main is the worker-side entry point: it loads a ProvisioningContext from
// the environment, dispatches a build, and publishes the result back into
// its own process environment for whatever fuzzing task runs next.
package main

import (
	"context"
	"flag"
	"log"
	"os"

	"github.com/go-git/go-billy/v5/osfs"
	"github.com/pkg/errors"

	"github.com/google/fuzzbuild/internal/blobstore"
	"github.com/google/fuzzbuild/internal/config"
	"github.com/google/fuzzbuild/internal/objstore"
	"github.com/google/fuzzbuild/pkg/bucketpath"
	"github.com/google/fuzzbuild/pkg/diskbudget"
	"github.com/google/fuzzbuild/pkg/metrics"
	"github.com/google/fuzzbuild/pkg/provision"
	"github.com/google/fuzzbuild/pkg/rpath"
)

var (
	revision       = flag.Int("revision", 0, "the revision to provision; 0 selects trunk")
	fuzzTarget     = flag.String("fuzz-target", "", "the fuzz target to provision, if any")
	overridesFile  = flag.String("overrides", "", "optional YAML file overlaying environment-derived configuration")
	blobBucket     = flag.String("blob-bucket", "", "GCS bucket custom binaries are read from")
	customBucket   = flag.String("custom-builds-bucket", "", "if set, gs:// prefix to prefer over the blob store for custom binaries")
	cacheSize      = flag.Int("resolver-cache-size", 64, "number of bucket-path listings the resolver memoizes")
	minFreeDisk    = flag.Uint64("min-free-disk-bytes", diskbudget.MinFreeDiskSpaceDefault, "minimum free bytes to maintain under builds-dir")
	instrumentDirs = flag.String("instrumented-library-paths", "", "comma-separated RPATH entries to prepend for instrumented builds")
)

func main() {
	flag.Parse()
	if err := run(context.Background()); err != nil {
		log.Fatalf("provisioning failed: %v", err)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.LoadWithOverrideFile(*overridesFile)
	if err != nil {
		return errors.Wrap(err, "loading configuration")
	}

	objects, err := objstore.NewGCSClient(ctx)
	if err != nil {
		return errors.Wrap(err, "creating object store client")
	}
	// blobs is left as a nil Store interface (not a typed nil pointer
	// wrapped in one) when unconfigured, so CustomBuild's "else the blob
	// store" fallback can reliably check it with ==nil.
	var blobs blobstore.Store
	if *blobBucket != "" {
		store, err := blobstore.NewGCSStore(ctx, *blobBucket)
		if err != nil {
			return errors.Wrap(err, "creating blob store client")
		}
		blobs = store
	}

	// fs is rooted at "/", not cfg.BuildsDir: every path the provision
	// pipeline hands to billy (bucketpath.LocalDir's output, always
	// already absolute) is also the exact path pkg/acquire's extraction
	// code hands to the os package directly. A chroot here would double
	// the builds-dir prefix on the billy side only, splitting a build's
	// archive contents from the sentinel/REVISION files and the
	// environment-publish walk that looks for them.
	fs := osfs.New("/")
	budget := diskbudget.New(fs, diskbudget.StatfsFreeSpacer{}, cfg.BuildsDir, *minFreeDisk)
	resolver := bucketpath.NewResolver(objects, *cacheSize)
	patcher := rpath.NewPatcher(rpath.NewRealCommandExecutor(), fileSize)

	var customObjects objstore.Client
	if *customBucket != "" {
		customObjects = objects
	}

	deps := &provision.Deps{
		FS:                  fs,
		Objects:             objects,
		Blobs:               blobs,
		Resolver:            resolver,
		Budget:              budget,
		Metrics:             metrics.NewLogRecorder(),
		Patcher:             patcher,
		CustomBucketObjects: customObjects,
		CustomBucketPrefix:  *customBucket,
	}
	if *instrumentDirs != "" {
		deps.InstrumentedLibraryPaths = splitNonEmpty(*instrumentDirs)
	}

	// A job configured purely for symbolized output (no custom binary,
	// split-target, or plain release bucket path, but at least one of the
	// sym_* bucket paths) runs the symbolized entry point instead of
	// Dispatch's four-way ambient selection.
	var result *provision.ProvisionedBuild
	if cfg.CustomBinary == "" && cfg.FuzzTargetBucketPath == "" && cfg.ReleaseBucketPath == "" &&
		(cfg.SymReleaseBucketPath != "" || cfg.SymDebugBucketPath != "") {
		result, err = provision.SetupSymbolized(ctx, deps, cfg, *revision)
	} else {
		result, err = provision.Dispatch(ctx, deps, cfg, *revision, *fuzzTarget)
	}
	if err != nil {
		return errors.Wrap(err, "dispatching build")
	}
	publish(result)
	return nil
}

// publish is the one place this module writes into the process's actual
// environment, mirroring the original's global environment store but
// confined to this single call site (§9's "Global environment store ->
// explicit context" decision).
func publish(r *provision.ProvisionedBuild) {
	setIfNonEmpty("APP_PATH", r.AppPath)
	setIfNonEmpty("APP_PATH_DEBUG", r.AppPathDebug)
	setIfNonEmpty("APP_DIR", r.AppDir)
	setIfNonEmpty("APP_REVISION", r.Revision)
	setIfNonEmpty("BUILD_DIR", r.BuildDir)
	setIfNonEmpty("BUILD_URL", r.BuildURL)
	setIfNonEmpty("GN_ARGS_PATH", r.GNArgsPath)
	setIfNonEmpty("LLVM_SYMBOLIZER_PATH", r.SymbolizerPath)
	setIfNonEmpty("FUCHSIA_INSTANCE_HANDLE", r.FuchsiaInstanceHandle)
	setIfNonEmpty("FUZZ_TARGET", r.RequestedFuzzTarget)
}

func setIfNonEmpty(key, value string) {
	if value != "" {
		os.Setenv(key, value)
	}
}

func fileSize(path string) (int64, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	return fi.Size(), nil
}

func splitNonEmpty(s string) []string {
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ',' {
			if part := s[start:i]; part != "" {
				out = append(out, part)
			}
			start = i + 1
		}
	}
	return out
}
