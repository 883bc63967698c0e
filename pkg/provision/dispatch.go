// Copyright 2025 Google LLC
// SPDX-License-Identifier: Apache-2.0

package provision

import (
	"context"
	"strconv"

	"github.com/pkg/errors"

	"github.com/google/fuzzbuild/internal/config"
	"github.com/google/fuzzbuild/pkg/bucketpath"
)

// EXTRA_BUILD_DIR is the fixed subtree prefix an extra-overlay build uses
// under the primary build's own build_dir (§4.D "Extra overlays").
const extraBuildDirPrefix = "EXTRA_BUILD_DIR"

// Dispatch selects and runs the build variant §4.G's four-way entry point
// describes: a custom binary, a split-target build, a revision-pinned
// regular build, or (revision == 0 and neither of the above is configured)
// the latest revision common to every trunk bucket path.
func Dispatch(ctx context.Context, d *Deps, cfg *config.ProvisioningContext, revision int, fuzzTarget string) (*ProvisionedBuild, error) {
	result, err := dispatchPrimary(ctx, d, cfg, revision, fuzzTarget)
	if err != nil {
		return nil, err
	}
	result.RequestedFuzzTarget = fuzzTarget

	if cfg.ExtraBucketPath != "" {
		extraBase := result.BuildDir
		extra := &RegularBuild{
			buildBase:  buildBase{deps: d, baseDir: extraBase},
			BucketPath: cfg.ExtraBucketPath,
			Subtree:    extraBuildDirPrefix,
			JobName:    cfg.JobName,
			TaskName:   cfg.TaskName,
			AppName:    cfg.AppName,
			FuzzerDir:  cfg.FuzzerDir,
			AllowHTTP:  cfg.AllowUnpackOverHTTP,
		}
		if _, err := extra.Setup(ctx); err != nil {
			return nil, errors.Wrap(err, "setting up extra build overlay")
		}
	}
	return result, nil
}

func dispatchPrimary(ctx context.Context, d *Deps, cfg *config.ProvisioningContext, revision int, fuzzTarget string) (*ProvisionedBuild, error) {
	baseDir, err := bucketpath.LocalDir(cfg.BuildsDir, primaryBucketPath(cfg), cfg.JobName)
	if err != nil {
		return nil, errors.Wrap(ErrConfigMissing, err.Error())
	}

	switch {
	case cfg.CustomBinary != "":
		build := &CustomBuild{
			buildBase: buildBase{deps: d, baseDir: baseDir},
			Key:       cfg.CustomBinary,
			JobName:   cfg.JobName,
			TaskName:  cfg.TaskName,
			AppName:   cfg.AppName,
			FuzzerDir: cfg.FuzzerDir,
			UseDefaultSymbolizer: cfg.UseDefaultLLVMSymbolizer,
		}
		return build.Setup(ctx)

	case cfg.FuzzTargetBucketPath != "":
		if fuzzTarget == "" {
			return nil, errors.Wrap(ErrConfigMissing, "fuzz target required for split-target build")
		}
		bp := cfg.FuzzTargetBucketPath.WithTarget(fuzzTarget)
		build := &SplitTargetBuild{RegularBuild{
			buildBase:            buildBase{deps: d, baseDir: baseDir},
			BucketPath:           bp,
			Revision:             revision,
			JobName:              cfg.JobName,
			TaskName:             cfg.TaskName,
			AppName:              cfg.AppName,
			FuzzerDir:            cfg.FuzzerDir,
			FuzzTarget:           fuzzTarget,
			UnpackAll:            cfg.UnpackAllFuzzTargetsAndFiles,
			AllowHTTP:            cfg.AllowUnpackOverHTTP,
			UseDefaultSymbolizer: cfg.UseDefaultLLVMSymbolizer,
		}}
		return build.Setup(ctx)

	case revision > 0:
		build := &RegularBuild{
			buildBase:            buildBase{deps: d, baseDir: baseDir},
			BucketPath:           cfg.ReleaseBucketPath,
			Revision:             revision,
			JobName:              cfg.JobName,
			TaskName:             cfg.TaskName,
			AppName:              cfg.AppName,
			FuzzerDir:            cfg.FuzzerDir,
			FuzzTarget:           fuzzTarget,
			UnpackAll:            cfg.UnpackAllFuzzTargetsAndFiles,
			AllowHTTP:            cfg.AllowUnpackOverHTTP,
			UseDefaultSymbolizer: cfg.UseDefaultLLVMSymbolizer,
		}
		return build.Setup(ctx)

	default:
		return dispatchTrunk(ctx, d, cfg, baseDir, fuzzTarget)
	}
}

// dispatchTrunk builds Regular at the latest revision common to all of
// RELEASE_BUILD_BUCKET_PATH, SYM_RELEASE_BUILD_BUCKET_PATH,
// SYM_DEBUG_BUILD_BUCKET_PATH, always treating the release bucket path as
// primary regardless of which bucket paths are actually configured (§9).
func dispatchTrunk(ctx context.Context, d *Deps, cfg *config.ProvisioningContext, baseDir, fuzzTarget string) (*ProvisionedBuild, error) {
	if cfg.ReleaseBucketPath == "" {
		return nil, errors.Wrap(ErrConfigMissing, "no release build bucket path configured")
	}
	bucketPaths := []bucketpath.BucketPath{cfg.ReleaseBucketPath}
	for _, bp := range []bucketpath.BucketPath{cfg.SymReleaseBucketPath, cfg.SymDebugBucketPath} {
		if bp != "" {
			bucketPaths = append(bucketPaths, bp)
		}
	}
	latest, err := d.Resolver.LatestRevision(ctx, bucketPaths)
	if err != nil {
		return nil, errors.Wrap(ErrNotFound, err.Error())
	}
	revision := 0
	if n, convErr := strconv.Atoi(latest); convErr == nil {
		revision = n
	}
	build := &RegularBuild{
		buildBase:            buildBase{deps: d, baseDir: baseDir},
		BucketPath:           cfg.ReleaseBucketPath,
		Revision:             revision,
		JobName:              cfg.JobName,
		TaskName:             cfg.TaskName,
		AppName:              cfg.AppName,
		FuzzerDir:            cfg.FuzzerDir,
		FuzzTarget:           fuzzTarget,
		UnpackAll:            cfg.UnpackAllFuzzTargetsAndFiles,
		AllowHTTP:            cfg.AllowUnpackOverHTTP,
		UseDefaultSymbolizer: cfg.UseDefaultLLVMSymbolizer,
	}
	return build.Setup(ctx)
}

// SetupSymbolized runs the symbolized-build variant described in §2/§4.G:
// a release archive, a debug archive, or both, laid out under their own
// subtrees rather than sharing the plain "revisions" subtree a RegularBuild
// uses. Unlike Dispatch it is not wired into any of §4.G's four ambient
// entry conditions automatically — callers invoke it directly when the job
// is configured for symbolized output (SYM_RELEASE_BUILD_BUCKET_PATH and/or
// SYM_DEBUG_BUILD_BUCKET_PATH set).
func SetupSymbolized(ctx context.Context, d *Deps, cfg *config.ProvisioningContext, revision int) (*ProvisionedBuild, error) {
	if cfg.SymReleaseBucketPath == "" && cfg.SymDebugBucketPath == "" {
		return nil, errors.Wrap(ErrConfigMissing, "no symbolized build bucket path configured")
	}
	primary := cfg.SymReleaseBucketPath
	if primary == "" {
		primary = cfg.SymDebugBucketPath
	}
	baseDir, err := bucketpath.LocalDir(cfg.BuildsDir, primary, cfg.JobName)
	if err != nil {
		return nil, errors.Wrap(ErrConfigMissing, err.Error())
	}
	build := &SymbolizedBuild{
		buildBase:            buildBase{deps: d, baseDir: baseDir},
		ReleaseBucketPath:    cfg.SymReleaseBucketPath,
		DebugBucketPath:      cfg.SymDebugBucketPath,
		Revision:             revision,
		JobName:              cfg.JobName,
		TaskName:             cfg.TaskName,
		AppName:              cfg.AppName,
		FuzzerDir:            cfg.FuzzerDir,
		FuzzTarget:           cfg.FuzzTarget,
		AllowHTTP:            cfg.AllowUnpackOverHTTP,
		UseDefaultSymbolizer: cfg.UseDefaultLLVMSymbolizer,
	}
	result, err := build.Setup(ctx)
	if err != nil {
		return nil, err
	}
	result.RequestedFuzzTarget = cfg.FuzzTarget
	return result, nil
}

// primaryBucketPath picks whichever bucket path governs the base directory
// name for the variant Dispatch is about to choose; computed ahead of the
// switch so every branch shares one LocalDir call.
func primaryBucketPath(cfg *config.ProvisioningContext) bucketpath.BucketPath {
	switch {
	case cfg.CustomBinary != "":
		return ""
	case cfg.FuzzTargetBucketPath != "":
		return cfg.FuzzTargetBucketPath
	default:
		return cfg.ReleaseBucketPath
	}
}
