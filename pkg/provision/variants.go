// Copyright 2025 Google LLC
// SPDX-License-Identifier: Apache-2.0

package provision

import (
	"context"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/google/fuzzbuild/pkg/acquire"
	"github.com/google/fuzzbuild/pkg/buildstate"
	"github.com/google/fuzzbuild/pkg/bucketpath"
	"github.com/google/fuzzbuild/pkg/envpublish"
)

// ErrBuildNotFound is raised when a split-target request names a fuzz
// target absent from targets.list, before any download is attempted.
var ErrBuildNotFound = errors.New("provision: build not found for requested target")

// Build is the capability every variant exposes: materialize itself, and
// report the state a caller needs to manage the build directory afterward.
type Build interface {
	Setup(ctx context.Context) (*ProvisionedBuild, error)
	BuildDir() string
	Delete() error
	LastUsed() time.Time
}

// buildBase implements the directory-management half of Build, shared by
// every concrete variant.
type buildBase struct {
	deps    *Deps
	baseDir string
}

func (b buildBase) BuildDir() string { return b.baseDir }

func (b buildBase) Delete() error { return clearSubtree(b.deps.FS, b.baseDir) }

func (b buildBase) LastUsed() time.Time { return buildstate.LastUsed(b.deps.FS, b.baseDir) }

// RegularBuild materializes a single archive at a pinned revision (or the
// latest one the Resolver can find), into the base directory's "revisions"
// subtree (or a custom prefix).
type RegularBuild struct {
	buildBase
	BucketPath bucketpath.BucketPath
	Revision   int
	Subtree    string // lowercased for the directory name; defaults to subtreeRevisions when empty

	JobName, TaskName, AppName, FuzzerDir, FuzzTarget, SymlinkTarget string
	UnpackAll, AllowHTTP, UseDefaultSymbolizer                       bool
}

func (b *RegularBuild) subtree() string {
	if b.Subtree != "" {
		return strings.ToLower(b.Subtree)
	}
	return subtreeRevisions
}

func (b *RegularBuild) resolveURL(ctx context.Context) (string, int, error) {
	if b.BucketPath == "" {
		return "", 0, errors.Wrap(ErrConfigMissing, "no bucket path configured for regular build")
	}
	urls, err := b.deps.Resolver.ListURLs(ctx, b.BucketPath, true)
	if err != nil {
		return "", 0, errors.Wrap(ErrTransport, err.Error())
	}
	if b.Revision > 0 {
		url, err := bucketpath.FindURL(b.BucketPath, urls, strconv.Itoa(b.Revision))
		if err != nil {
			return "", 0, errors.Wrap(ErrBadState, err.Error())
		}
		if url == "" {
			return "", 0, errors.Wrapf(ErrNotFound, "no build at revision %d", b.Revision)
		}
		return url, b.Revision, nil
	}
	if len(urls) == 0 {
		return "", 0, errors.Wrap(ErrNotFound, "no builds available")
	}
	latest, err := b.deps.Resolver.LatestRevision(ctx, []bucketpath.BucketPath{b.BucketPath})
	if err != nil {
		return "", 0, errors.Wrap(ErrNotFound, err.Error())
	}
	url, err := bucketpath.FindURL(b.BucketPath, urls, latest)
	if err != nil {
		return "", 0, errors.Wrap(ErrBadState, err.Error())
	}
	rev, _ := strconv.Atoi(latest)
	return url, rev, nil
}

func (b *RegularBuild) Setup(ctx context.Context) (*ProvisionedBuild, error) {
	url, revision, err := b.resolveURL(ctx)
	if err != nil {
		return nil, err
	}
	plan := archivePlan{
		subtree:          b.subtree(),
		remoteURL:        url,
		revision:         strconv.Itoa(revision),
		buildType:        "release",
		unpackEverything: b.UnpackAll,
	}
	if b.AllowHTTP {
		plan.httpURL = url
	}
	return runPipeline(ctx, b.deps, pipelineOptions{
		baseDir:                  b.baseDir,
		jobName:                  b.JobName,
		taskName:                 b.TaskName,
		appName:                  b.AppName,
		fuzzerDir:                b.FuzzerDir,
		fuzzTarget:               b.FuzzTarget,
		useDefaultLLVMSymbolizer: b.UseDefaultSymbolizer,
		symbolicLinkTarget:       b.SymlinkTarget,
	}, []archivePlan{plan})
}

// SplitTargetBuild is a RegularBuild whose valid fuzz targets are
// constrained by an external targets.list file; requesting a target absent
// from that list fails before any download.
type SplitTargetBuild struct {
	RegularBuild
}

func (b *SplitTargetBuild) Setup(ctx context.Context) (*ProvisionedBuild, error) {
	targets, err := listTargetsForBucketPath(ctx, b.deps, b.BucketPath)
	if err != nil {
		return nil, err
	}
	if b.FuzzTarget != "" && !contains(targets, b.FuzzTarget) {
		return nil, errors.Wrapf(ErrBuildNotFound, "target %q not in targets.list", b.FuzzTarget)
	}
	result, err := b.RegularBuild.Setup(ctx)
	if err != nil {
		return nil, err
	}
	result.FuzzTargets = targets
	return result, nil
}

// FuchsiaBuild is a RegularBuild that always unpacks everything and defers
// fuzz-target enumeration and instance lifecycle to an external orchestrator
// rather than a directory walk.
type FuchsiaBuild struct {
	RegularBuild
}

func (b *FuchsiaBuild) Setup(ctx context.Context) (*ProvisionedBuild, error) {
	b.RegularBuild.UnpackAll = true
	result, err := b.RegularBuild.Setup(ctx)
	if err != nil {
		return nil, err
	}
	if b.deps.Fuchsia == nil {
		return nil, errors.Wrap(ErrConfigMissing, "no Fuchsia orchestrator configured")
	}
	if err := b.deps.Fuchsia.TerminateStale(ctx); err != nil {
		return nil, errors.Wrap(ErrUnrecoverable, err.Error())
	}
	handle, targets, err := b.deps.Fuchsia.StartInstance(ctx, result.BuildDir)
	if err != nil {
		return nil, errors.Wrap(ErrUnrecoverable, err.Error())
	}
	result.FuchsiaInstanceHandle = handle
	result.FuzzTargets = targets
	return result, nil
}

// SymbolizedBuild materializes up to two archives (release and debug) into
// sibling subtrees, publishing the environment twice with the debug publish
// deliberately overriding the release one's AppDir/SymbolizerPath.
type SymbolizedBuild struct {
	buildBase
	ReleaseBucketPath, DebugBucketPath bucketpath.BucketPath
	Revision                          int

	JobName, TaskName, AppName, FuzzerDir, FuzzTarget, SymlinkTarget string
	AllowHTTP, UseDefaultSymbolizer                                  bool
}

func (b *SymbolizedBuild) Setup(ctx context.Context) (*ProvisionedBuild, error) {
	var release, debug *archivePlan
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		release, err = b.resolvePlan(gctx, b.ReleaseBucketPath, subtreeSymbolizedRelease, "release", "")
		return err
	})
	g.Go(func() error {
		var err error
		debug, err = b.resolvePlan(gctx, b.DebugBucketPath, subtreeSymbolizedDebug, "debug", "APP_PATH_DEBUG")
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	// Release and debug resolve concurrently, but the shared pipeline relies
	// on debug's plan being appended after release's (its AppDir/SymbolizerPath
	// override release's), so the append order here stays fixed regardless of
	// which goroutine actually finished first.
	var plans []archivePlan
	if release != nil {
		plans = append(plans, *release)
	}
	if debug != nil {
		plans = append(plans, *debug)
	}
	if len(plans) == 0 {
		return nil, errors.Wrap(ErrConfigMissing, "symbolized build requires at least one of release/debug bucket paths")
	}
	return runPipeline(ctx, b.deps, pipelineOptions{
		baseDir:                  b.baseDir,
		jobName:                  b.JobName,
		taskName:                 b.TaskName,
		appName:                  b.AppName,
		fuzzerDir:                b.FuzzerDir,
		fuzzTarget:               b.FuzzTarget,
		useDefaultLLVMSymbolizer: b.UseDefaultSymbolizer,
		symbolicLinkTarget:       b.SymlinkTarget,
	}, plans)
}

func (b *SymbolizedBuild) resolvePlan(ctx context.Context, bp bucketpath.BucketPath, subtree, buildType, appPathVar string) (*archivePlan, error) {
	if bp == "" {
		return nil, nil
	}
	urls, err := b.deps.Resolver.ListURLs(ctx, bp, true)
	if err != nil {
		return nil, errors.Wrap(ErrTransport, err.Error())
	}
	revision := strconv.Itoa(b.Revision)
	if b.Revision <= 0 {
		revision, err = b.deps.Resolver.LatestRevision(ctx, []bucketpath.BucketPath{bp})
		if err != nil {
			return nil, errors.Wrap(ErrNotFound, err.Error())
		}
	}
	url, err := bucketpath.FindURL(bp, urls, revision)
	if err != nil {
		return nil, errors.Wrap(ErrBadState, err.Error())
	}
	if url == "" {
		return nil, nil
	}
	plan := &archivePlan{subtree: subtree, remoteURL: url, revision: revision, buildType: buildType, appPathVar: appPathVar}
	if b.AllowHTTP {
		plan.httpURL = url
	}
	return plan, nil
}

// CustomBuild materializes a single file (archive or bare binary) named by
// an opaque key, from a secondary bucket if configured, else the blob
// store, into the base directory's "custom" subtree.
type CustomBuild struct {
	buildBase
	Key                                                   string
	JobName, TaskName, AppName, FuzzerDir, SymlinkTarget string
	UseDefaultSymbolizer                                  bool
}

func (b *CustomBuild) Setup(ctx context.Context) (*ProvisionedBuild, error) {
	release, err := b.deps.claim(b.baseDir)
	if err != nil {
		return nil, err
	}
	defer release()

	dir := filepath.Join(b.baseDir, subtreeCustom)
	if b.Key == "" {
		return nil, errors.Wrap(ErrConfigMissing, "no custom binary key configured")
	}

	revision, err := customRevision(ctx, b.deps, b.Key)
	if err != nil {
		return nil, err
	}
	needsUpdate, err := buildstate.NeedsUpdate(b.deps.FS, dir, revision)
	if err != nil {
		return nil, errors.Wrapf(err, "checking existing state of %s", dir)
	}
	if needsUpdate {
		if err := b.fetchAndUnpack(ctx, dir); err != nil {
			return nil, err
		}
		if err := buildstate.WriteRevision(b.deps.FS, dir, revision); err != nil {
			return nil, errors.Wrapf(err, "writing revision to %s", dir)
		}
	}

	pub, err := publishForCustom(b.deps, dir, b)
	if err != nil {
		return nil, err
	}
	if err := buildstate.Touch(b.deps.FS, dir, time.Now()); err != nil {
		return nil, errors.Wrapf(err, "updating timestamp of %s", dir)
	}
	if err := buildstate.Touch(b.deps.FS, b.baseDir, time.Now()); err != nil {
		return nil, errors.Wrapf(err, "updating timestamp of %s", b.baseDir)
	}
	result := &ProvisionedBuild{
		BuildDir:       b.baseDir,
		AppPath:        pub.AppPath,
		AppDir:         pub.AppDir,
		GNArgsPath:     pub.GNArgsPath,
		SymbolizerPath: pub.LLVMSymbolizerPath,
		Revision:       strconv.Itoa(revision),
	}
	if len(b.deps.InstrumentedLibraryPaths) > 0 && b.deps.Patcher != nil {
		if err := patchRPaths(ctx, b.deps, result); err != nil {
			return nil, err
		}
	}
	return result, nil
}

// customRevision derives a stable integer revision for a custom binary from
// its last-modified time in the secondary bucket, since custom uploads carry
// no bucket-path-encoded revision number of their own. Without a secondary
// bucket it returns 0, so a binary fetched from the blob store is not
// fetched again once a build at revision 0 is in place.
func customRevision(ctx context.Context, d *Deps, key string) (int, error) {
	if d.CustomBucketObjects != nil {
		url := d.CustomBucketPrefix + "/" + key
		t, err := d.CustomBucketObjects.Updated(ctx, url)
		if err != nil {
			return 0, errors.Wrap(ErrTransport, err.Error())
		}
		return int(t.Unix()), nil
	}
	return 0, nil
}

func (b *CustomBuild) fetchAndUnpack(ctx context.Context, dir string) error {
	if err := clearSubtree(b.deps.FS, dir); err != nil {
		return errors.Wrap(ErrUnrecoverable, err.Error())
	}
	if err := b.deps.FS.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrapf(err, "recreating %s", dir)
	}
	localPath := filepath.Join(dir, path.Base(b.Key))
	dlStart := time.Now()
	if b.deps.CustomBucketObjects != nil {
		url := b.deps.CustomBucketPrefix + "/" + b.Key
		if err := b.deps.CustomBucketObjects.CopyFileFrom(ctx, url, localPath); err != nil {
			return errors.Wrap(ErrTransport, err.Error())
		}
	} else {
		if b.deps.Blobs == nil {
			return errors.Wrap(ErrConfigMissing, "no blob store configured for custom build")
		}
		ok, err := b.deps.Blobs.ReadBlobToDisk(ctx, b.Key, localPath)
		if err != nil {
			return errors.Wrap(ErrTransport, err.Error())
		}
		if !ok {
			return errors.Wrapf(ErrNotFound, "custom binary %q not found", b.Key)
		}
	}
	recordRetrievalTime(b.deps.Metrics, dlStart, "download", b.JobName, "release")
	handle, err := acquire.Open(localPath)
	if err != nil {
		return errors.Wrap(ErrArchive, err.Error())
	}
	defer handle.Close()
	return handle.Unpack(dir, "", true)
}

// publishForCustom runs a single envpublish.Publish walk over a
// CustomBuild's subtree; Custom never uses a variant-specific prefix since
// it has no debug counterpart.
func publishForCustom(d *Deps, dir string, b *CustomBuild) (envpublish.Result, error) {
	searchDirs := []string{dir}
	if b.FuzzerDir != "" {
		searchDirs = append(searchDirs, b.FuzzerDir)
	}
	return envpublish.Publish(d.FS, envpublish.Options{
		SearchDirectories:        searchDirs,
		AppName:                  b.AppName,
		LLVMSymbolizerName:       envpublish.DefaultLLVMSymbolizerName(),
		UseDefaultLLVMSymbolizer: b.UseDefaultSymbolizer,
		SymbolicLinkTarget:       b.SymlinkTarget,
	})
}
