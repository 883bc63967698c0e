// Copyright 2025 Google LLC
// SPDX-License-Identifier: Apache-2.0

package provision

import (
	"bufio"
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/pkg/errors"

	"github.com/google/fuzzbuild/pkg/acquire"
	"github.com/google/fuzzbuild/pkg/buildstate"
	"github.com/google/fuzzbuild/pkg/envpublish"
	"github.com/google/fuzzbuild/pkg/metrics"
)

// Fixed subtree names created under every base directory (§3).
const (
	subtreeCustom            = "custom"
	subtreeRevisions         = "revisions"
	subtreeSymbolizedRelease = "symbolized/release"
	subtreeSymbolizedDebug   = "symbolized/debug"
)

var fixedSubtrees = []string{
	subtreeCustom, subtreeRevisions, subtreeSymbolizedRelease, subtreeSymbolizedDebug,
}

// fuzzTargetsListFile records the fuzz targets an archive contained, written
// alongside REVISION so a later call that finds the build already current
// (NeedsUpdate == false) can still report FuzzTargets without re-opening the
// archive.
const fuzzTargetsListFile = ".fuzz_targets"

// archivePlan describes one archive to materialize into one subtree of the
// base directory, the unit the shared pipeline operates on. Regular,
// Split-Target and Fuchsia builds produce exactly one; Symbolized produces
// up to two. CustomBuild does not use archivePlan or runPipeline.
type archivePlan struct {
	// subtree is relative to the base directory, e.g. "revisions" or
	// "symbolized/release".
	subtree string
	// remoteURL is the gs:// (or other object-store scheme) archive URL.
	// Empty means "nothing to fetch" (e.g. Symbolized with one side
	// absent).
	remoteURL string
	// httpURL, if non-empty and AllowUnpackOverHTTP is set, lets
	// acquire.Acquire stream instead of download.
	httpURL string
	// revision is the requested/expected revision; "" skips the existence
	// check and the REVISION write.
	revision string
	// buildType labels metrics ("release" or "debug"); see the symbolized
	// build-type transition note in variants.go.
	buildType string
	// appPathVar is "" for a release-style publish (APP_PATH/APP_DIR) or
	// "APP_PATH_DEBUG" for the symbolized debug publish.
	appPathVar string
	// trusted is forwarded to Handle.Unpack; no plan built in this package
	// sets it (CustomBuild unpacks trusted on its own path).
	trusted bool
	// unpackEverything forces full extraction regardless of a requested
	// fuzz target (Fuchsia always sets this).
	unpackEverything bool
}

// pipelineOptions configures one runPipeline invocation.
type pipelineOptions struct {
	baseDir                  string
	jobName                  string
	taskName                 string
	appName                  string
	fuzzerDir                string
	fuzzTarget               string
	useDefaultLLVMSymbolizer bool
	symbolicLinkTarget       string
}

// runPipeline executes the seven-phase shared setup pipeline over one or
// more archivePlans, returning the populated ProvisionedBuild.
func runPipeline(ctx context.Context, d *Deps, opts pipelineOptions, plans []archivePlan) (*ProvisionedBuild, error) {
	release, err := d.claim(opts.baseDir)
	if err != nil {
		return nil, err
	}
	defer release()

	start := time.Now()
	result := &ProvisionedBuild{BuildDir: opts.baseDir}

	// Phase 1: pre-setup. Create the fixed subtrees; clear any subtree
	// this call will populate that was left marked partial by a prior,
	// interrupted run.
	for _, s := range fixedSubtrees {
		if err := d.FS.MkdirAll(filepath.Join(opts.baseDir, s), 0o755); err != nil {
			return nil, errors.Wrapf(err, "creating subtree %s", s)
		}
	}
	for _, plan := range plans {
		if plan.remoteURL == "" {
			continue
		}
		dir := filepath.Join(opts.baseDir, plan.subtree)
		state, err := buildstate.Read(d.FS, dir)
		if err != nil {
			return nil, errors.Wrapf(err, "reading sentinel state of %s", dir)
		}
		if state.Phase == buildstate.Partial {
			if err := clearSubtree(d.FS, dir); err != nil {
				return nil, errors.Wrap(ErrUnrecoverable, err.Error())
			}
		}
	}

	var fuzzTargets []string

	for _, plan := range plans {
		if plan.remoteURL == "" {
			continue
		}
		dir := filepath.Join(opts.baseDir, plan.subtree)

		// Phase 2: existence check.
		wantRevision, _ := strconv.Atoi(plan.revision)
		needsUpdate := true
		if plan.revision != "" {
			needsUpdate, err = buildstate.NeedsUpdate(d.FS, dir, wantRevision)
			if err != nil {
				return nil, errors.Wrapf(err, "checking existing state of %s", dir)
			}
		}
		if !needsUpdate {
			targets, err := readFuzzTargetsList(d.FS, dir)
			if err != nil {
				return nil, err
			}
			fuzzTargets = append(fuzzTargets, targets...)
			result.Revision = plan.revision
			result.BuildURL = plan.remoteURL
			continue
		}

		// Phase 3: space + extraction. Clear whatever is there (a stale
		// build at a different revision) before acquiring the new one.
		if err := clearSubtree(d.FS, dir); err != nil {
			return nil, errors.Wrap(ErrUnrecoverable, err.Error())
		}
		if err := d.FS.MkdirAll(dir, 0o755); err != nil {
			return nil, errors.Wrapf(err, "recreating %s", dir)
		}

		dlStart := time.Now()
		handle, err := acquire.Acquire(ctx, d.Objects, d.Budget, dir, plan.remoteURL, acquire.Options{
			AllowUnpackOverHTTP: plan.httpURL != "",
			HTTPURL:             plan.httpURL,
			HTTPClient:          d.HTTPClient,
		})
		if err != nil {
			return nil, errors.Wrap(ErrTransport, err.Error())
		}
		recordRetrievalTime(d.Metrics, dlStart, "download", opts.jobName, plan.buildType)

		targetToUnpack := ""
		fullUnpack := plan.unpackEverything || opts.fuzzTarget == ""
		if !fullUnpack {
			listStart := time.Now()
			targets, err := handle.ListFuzzTargets()
			if err != nil {
				handle.Close()
				return nil, errors.Wrap(ErrArchive, err.Error())
			}
			recordRetrievalTime(d.Metrics, listStart, "list_fuzz_targets", opts.jobName, plan.buildType)
			if !contains(targets, opts.fuzzTarget) {
				handle.Close()
				return nil, errors.Wrapf(ErrNotFound, "fuzz target %q not in archive", opts.fuzzTarget)
			}
			targetToUnpack = opts.fuzzTarget
			fuzzTargets = append(fuzzTargets, targets...)
		}

		unpackStart := time.Now()
		unpackErr := handle.Unpack(dir, targetToUnpack, plan.trusted)
		// A full unpack's target list is read before Close: a tar.gz handle
		// re-reads its archive file to list entries.
		var unpackedTargets []string
		var listErr error
		if unpackErr == nil && targetToUnpack == "" {
			unpackedTargets, listErr = handle.ListFuzzTargets()
		}
		closeErr := handle.Close()
		if unpackErr != nil {
			return nil, errors.Wrap(ErrArchive, unpackErr.Error())
		}
		if closeErr != nil {
			return nil, errors.Wrap(ErrArchive, closeErr.Error())
		}
		recordRetrievalTime(d.Metrics, unpackStart, "unpack", opts.jobName, plan.buildType)

		// Phase 4: partial-build marking. Only a single-target unpack is
		// ever partial; a full unpack is immediately complete.
		if targetToUnpack != "" {
			if err := buildstate.MarkPartial(d.FS, dir); err != nil {
				return nil, errors.Wrapf(err, "marking %s partial", dir)
			}
			fuzzTargets = append(fuzzTargets, targetToUnpack)
		} else {
			if listErr == nil {
				fuzzTargets = append(fuzzTargets, unpackedTargets...)
				if werr := writeFuzzTargetsList(d.FS, dir, unpackedTargets); werr != nil {
					return nil, werr
				}
			}
			if err := buildstate.ClearPartial(d.FS, dir); err != nil {
				return nil, errors.Wrapf(err, "clearing partial marker on %s", dir)
			}
		}

		// Phase 5: revision write.
		if plan.revision != "" {
			if err := buildstate.WriteRevision(d.FS, dir, wantRevision); err != nil {
				return nil, errors.Wrapf(err, "writing revision to %s", dir)
			}
		}
		result.Revision = plan.revision
		result.BuildURL = plan.remoteURL
	}

	// Phase 6: environment publish, per populated plan, in order. The
	// symbolized debug publish is expected to run after the release
	// publish and intentionally overwrites AppDir/SymbolizerPath with its
	// own (the debug binary's symbolizer and directory are what a
	// symbolized fuzzing task actually needs at runtime).
	for _, plan := range plans {
		if plan.remoteURL == "" {
			continue
		}
		dir := filepath.Join(opts.baseDir, plan.subtree)
		searchDirs := []string{dir}
		if opts.fuzzerDir != "" {
			searchDirs = append(searchDirs, opts.fuzzerDir)
		}
		pub, err := envpublish.Publish(d.FS, envpublish.Options{
			SearchDirectories:        searchDirs,
			AppName:                  opts.appName,
			LLVMSymbolizerName:       envpublish.DefaultLLVMSymbolizerName(),
			UseDefaultLLVMSymbolizer: opts.useDefaultLLVMSymbolizer,
			SymbolicLinkTarget:       opts.symbolicLinkTarget,
		})
		if err != nil {
			return nil, errors.Wrapf(err, "publishing environment for %s", dir)
		}
		if plan.appPathVar == "APP_PATH_DEBUG" {
			result.AppPathDebug = pub.AppPath
		} else {
			result.AppPath = pub.AppPath
		}
		result.AppDir = pub.AppDir
		if pub.GNArgsPath != "" {
			result.GNArgsPath = pub.GNArgsPath
		}
		if pub.LLVMSymbolizerPath != "" {
			result.SymbolizerPath = pub.LLVMSymbolizerPath
		}
	}

	// Phase 7: post-setup: refresh timestamps (each populated subtree's,
	// and the base directory's, which is the one LRU eviction reads), then
	// patch RPATHs if an instrumented library overlay is configured.
	for _, plan := range plans {
		if plan.remoteURL == "" {
			continue
		}
		dir := filepath.Join(opts.baseDir, plan.subtree)
		if err := buildstate.Touch(d.FS, dir, time.Now()); err != nil {
			return nil, errors.Wrapf(err, "updating timestamp of %s", dir)
		}
	}
	if err := buildstate.Touch(d.FS, opts.baseDir, time.Now()); err != nil {
		return nil, errors.Wrapf(err, "updating timestamp of %s", opts.baseDir)
	}
	if len(d.InstrumentedLibraryPaths) > 0 && d.Patcher != nil {
		if err := patchRPaths(ctx, d, result); err != nil {
			return nil, err
		}
	}

	result.FuzzTargets = dedupe(fuzzTargets)

	recordRetrievalTime(d.Metrics, start, "total", opts.jobName, primaryBuildType(plans))
	if result.Revision != "" {
		if rev, err := strconv.Atoi(result.Revision); err == nil {
			d.Metrics.RecordBuildRevision(rev, metrics.Labels{Job: opts.jobName, Platform: metrics.Platform(), Task: opts.taskName})
		}
	}
	return result, nil
}

func primaryBuildType(plans []archivePlan) string {
	for _, p := range plans {
		if p.remoteURL != "" {
			return p.buildType
		}
	}
	return ""
}

func dedupe(in []string) []string {
	seen := make(map[string]bool, len(in))
	var out []string
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

func contains(list []string, v string) bool {
	for _, e := range list {
		if e == v {
			return true
		}
	}
	return false
}

func recordRetrievalTime(rec metrics.Recorder, start time.Time, step, jobName, buildType string) {
	if rec == nil {
		return
	}
	rec.RecordRetrievalTime(time.Since(start).Minutes(), metrics.Labels{
		Job: jobName, Platform: metrics.Platform(), Step: step, Build: buildType,
	})
}

// writeFuzzTargetsList records targets as dir's fuzz-target-list sentinel,
// consulted the next time NeedsUpdate finds the build already current.
func writeFuzzTargetsList(fs billy.Filesystem, dir string, targets []string) error {
	f, err := fs.Create(filepath.Join(dir, fuzzTargetsListFile))
	if err != nil {
		return errors.Wrapf(err, "writing fuzz target list for %s", dir)
	}
	defer f.Close()
	if _, err := f.Write([]byte(strings.Join(targets, "\n"))); err != nil {
		return errors.Wrapf(err, "writing fuzz target list for %s", dir)
	}
	return nil
}

// readFuzzTargetsList reads back the sentinel written by
// writeFuzzTargetsList, returning nil (not an error) if it is absent, which
// happens for builds materialized before this sentinel existed.
func readFuzzTargetsList(fs billy.Filesystem, dir string) ([]string, error) {
	f, err := fs.Open(filepath.Join(dir, fuzzTargetsListFile))
	if err != nil {
		return nil, nil
	}
	defer f.Close()
	var targets []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			targets = append(targets, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrapf(err, "reading fuzz target list for %s", dir)
	}
	return targets, nil
}

// clearSubtree recursively removes dir and everything under it, tolerating
// an already-absent directory.
func clearSubtree(fs billy.Filesystem, dir string) error {
	entries, err := fs.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.Wrapf(err, "listing %s", dir)
	}
	for _, e := range entries {
		child := filepath.Join(dir, e.Name())
		if e.IsDir() {
			if err := clearSubtree(fs, child); err != nil {
				return err
			}
			continue
		}
		if err := fs.Remove(child); err != nil {
			return errors.Wrapf(err, "removing %s", child)
		}
	}
	return fs.Remove(dir)
}

func patchRPaths(ctx context.Context, d *Deps, result *ProvisionedBuild) error {
	var binaries []string
	if result.AppPath != "" {
		binaries = append(binaries, result.AppPath)
	}
	if result.AppPathDebug != "" {
		binaries = append(binaries, result.AppPathDebug)
	}
	if len(binaries) == 0 {
		return nil
	}
	return d.Patcher.PatchSet(ctx, binaries, d.InstrumentedLibraryPaths)
}
