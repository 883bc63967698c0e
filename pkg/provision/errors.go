// Copyright 2025 Google LLC
// SPDX-License-Identifier: Apache-2.0

package provision

import (
	"github.com/pkg/errors"

	"github.com/google/fuzzbuild/pkg/bucketpath"
)

// Sentinel errors for the error taxonomy: callers use errors.Is against
// these to recover the domain category a failure belongs to, regardless of
// how many layers of github.com/pkg/errors.Wrap sit on top.
var (
	// ErrConfigMissing means a required bucket path or job attribute is
	// absent from the Context.
	ErrConfigMissing = errors.New("provision: required configuration missing")
	// ErrNotFound means a requested revision or fuzz target is not present
	// upstream.
	ErrNotFound = errors.New("provision: not found")
	// ErrTransport means an object-store listing or download failed.
	ErrTransport = errors.New("provision: transport failure")
	// ErrArchive means an archive was malformed or extraction failed.
	ErrArchive = errors.New("provision: archive failure")
	// ErrDiskExhausted means the disk budget could not be met after the
	// eviction loop ran to completion.
	ErrDiskExhausted = errors.New("provision: disk exhausted")
	// ErrUnrecoverable means a build subtree could not be cleared
	// (typically a file still in use).
	ErrUnrecoverable = errors.New("provision: unrecoverable directory state")
	// ErrBadState means a bucket listing contained duplicate revisions or a
	// corrupt template. It is bucketpath.ErrBadState itself, not a copy, so
	// errors.Is matches regardless of which package's call returned it.
	ErrBadState = bucketpath.ErrBadState
)
