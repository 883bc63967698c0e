// Copyright 2025 Google LLC
// SPDX-License-Identifier: Apache-2.0

package provision

import (
	"context"
	"net/http"

	"github.com/go-git/go-billy/v5"
	"github.com/pkg/errors"

	"github.com/google/fuzzbuild/internal/blobstore"
	"github.com/google/fuzzbuild/internal/objstore"
	"github.com/google/fuzzbuild/internal/syncx"
	"github.com/google/fuzzbuild/pkg/bucketpath"
	"github.com/google/fuzzbuild/pkg/diskbudget"
	"github.com/google/fuzzbuild/pkg/metrics"
	"github.com/google/fuzzbuild/pkg/rpath"
)

// FuchsiaOrchestrator is the external device-orchestration collaborator the
// Fuchsia variant depends on. Its real implementation lives outside this
// module's scope; only the interface is owned here.
type FuchsiaOrchestrator interface {
	// TerminateStale tears down any previously started instance for this
	// worker.
	TerminateStale(ctx context.Context) error
	// StartInstance boots a fresh instance against the build materialized
	// at buildDir, returning an opaque instance handle and the
	// orchestrator's own enumeration of fuzz targets (Fuchsia builds don't
	// discover targets by directory walk).
	StartInstance(ctx context.Context, buildDir string) (instanceHandle string, fuzzTargets []string, err error)
}

// Deps bundles every external collaborator a build variant needs. A single
// Deps is constructed once per process and shared across Dispatch calls.
type Deps struct {
	FS         billy.Filesystem
	Objects    objstore.Client
	Blobs      blobstore.Store
	Resolver   *bucketpath.Resolver
	Budget     *diskbudget.Budget
	Metrics    metrics.Recorder
	Patcher    *rpath.Patcher
	HTTPClient *http.Client
	Fuchsia    FuchsiaOrchestrator

	// InstrumentedLibraryPaths, when non-empty, triggers RPATH patching
	// (§4.F) during every variant's post-setup phase.
	InstrumentedLibraryPaths []string

	// CustomBucketObjects, when non-nil, is consulted before Blobs for a
	// CustomBuild's source, per §4.D's "secondary bucket if configured,
	// else the blob store" rule. CustomBucketPrefix is the gs:// prefix
	// CUSTOM_BINARY keys are resolved relative to.
	CustomBucketObjects objstore.Client
	CustomBucketPrefix  string

	inProgress syncx.Map[string, struct{}]
}

// claim records baseDir as currently being materialized, as a guard against
// two concurrent Dispatch calls within the same process targeting the same
// base directory. pkg/diskbudget does not consult these claims; its
// eviction exclusion covers only the directory passed to MakeSpace. The
// returned func must be deferred to release the claim.
func (d *Deps) claim(baseDir string) (func(), error) {
	if _, loaded := d.inProgress.LoadOrStore(baseDir, struct{}{}); loaded {
		return nil, errors.Errorf("provision: %s is already being materialized by this process", baseDir)
	}
	return func() { d.inProgress.Delete(baseDir) }, nil
}
