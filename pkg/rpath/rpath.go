// Copyright 2025 Google LLC
// SPDX-License-Identifier: Apache-2.0

// Package rpath reads and rewrites the dynamic-linker search path (RPATH)
// embedded in ELF binaries, so a build's shared libraries can be
// redirected to instrumented copies without relinking. It shells out to
// chrpath (read, and write for binaries too large for patchelf to hold in
// memory) and patchelf (write, the common case).
package rpath

import (
	"bytes"
	"context"
	"os/exec"
	"strings"

	"github.com/pkg/errors"
)

// PatchelfSizeLimit is the binary size above which Set falls back to
// chrpath: patchelf loads the whole binary into memory to rewrite it,
// which does not scale to very large binaries.
const PatchelfSizeLimit = int64(1.5 * 1024 * 1024 * 1024) // 1.5 GiB

const noRPathMarker = "no rpath or runpath tag found"
const rpathMarker = "RPATH="

// CommandOptions configures command execution, mirroring exec.Cmd's knobs
// that callers actually need.
type CommandOptions struct {
	// Output receives the command's combined stdout and stderr. Nil
	// discards it.
	Output *bytes.Buffer
	// Dir is the directory the command runs in; empty means the caller's
	// own working directory.
	Dir string
}

// CommandExecutor abstracts process execution for testability.
type CommandExecutor interface {
	// Execute runs a command with the given options, returning an error on
	// non-zero exit or failure to start.
	Execute(ctx context.Context, opts CommandOptions, name string, args ...string) error
	// LookPath resolves an executable name against PATH.
	LookPath(file string) (string, error)
}

type realCommandExecutor struct{}

// NewRealCommandExecutor returns a CommandExecutor backed by os/exec.
func NewRealCommandExecutor() CommandExecutor {
	return &realCommandExecutor{}
}

func (realCommandExecutor) Execute(ctx context.Context, opts CommandOptions, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	if opts.Output != nil {
		cmd.Stdout = opts.Output
		cmd.Stderr = opts.Output
	}
	cmd.Dir = opts.Dir
	return cmd.Run()
}

func (realCommandExecutor) LookPath(file string) (string, error) {
	return exec.LookPath(file)
}

// Patcher reads and rewrites RPATH entries on ELF binaries.
type Patcher struct {
	exec CommandExecutor
	// Size is how the caller determines a binary's size to choose between
	// patchelf and chrpath; injected for testability.
	Size func(binaryPath string) (int64, error)
}

// NewPatcher constructs a Patcher that shells out via exec.
func NewPatcher(exec CommandExecutor, size func(string) (int64, error)) *Patcher {
	return &Patcher{exec: exec, Size: size}
}

// Get returns the binary's current RPATH entries, or nil if it carries no
// RPATH/RUNPATH tag at all.
func (p *Patcher) Get(ctx context.Context, binaryPath string) ([]string, error) {
	chrpath, err := p.exec.LookPath("chrpath")
	if err != nil {
		return nil, errors.Wrap(err, "locating chrpath")
	}
	var out bytes.Buffer
	err = p.exec.Execute(ctx, CommandOptions{Output: &out}, chrpath, "-l", binaryPath)
	if err != nil {
		if strings.Contains(out.String(), noRPathMarker) {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "chrpath -l %s: %s", binaryPath, out.String())
	}
	return parseChrpathOutput(out.String()), nil
}

// parseChrpathOutput extracts the colon-separated RPATH list from
// "chrpath -l"'s "<path>: RPATH=<a>:<b>" output line.
func parseChrpathOutput(output string) []string {
	trimmed := strings.TrimSpace(output)
	if trimmed == "" {
		return nil
	}
	idx := strings.Index(trimmed, rpathMarker)
	if idx < 0 {
		return nil
	}
	rest := trimmed[idx+len(rpathMarker):]
	return strings.Split(rest, ":")
}

// Set rewrites binaryPath's RPATH to exactly rpaths, choosing patchelf or
// chrpath by binary size.
func (p *Patcher) Set(ctx context.Context, binaryPath string, rpaths []string) error {
	size, err := p.Size(binaryPath)
	if err != nil {
		return errors.Wrapf(err, "stat %s", binaryPath)
	}
	joined := strings.Join(rpaths, ":")
	if size > PatchelfSizeLimit {
		return p.setViaChrpath(ctx, binaryPath, joined)
	}
	return p.setViaPatchelf(ctx, binaryPath, joined)
}

func (p *Patcher) setViaChrpath(ctx context.Context, binaryPath, joined string) error {
	chrpath, err := p.exec.LookPath("chrpath")
	if err != nil {
		return errors.Wrap(err, "locating chrpath")
	}
	var out bytes.Buffer
	if err := p.exec.Execute(ctx, CommandOptions{Output: &out}, chrpath, "-r", joined, binaryPath); err != nil {
		return errors.Wrapf(err, "chrpath -r %s %s: %s", joined, binaryPath, out.String())
	}
	return nil
}

func (p *Patcher) setViaPatchelf(ctx context.Context, binaryPath, joined string) error {
	patchelf, err := p.exec.LookPath("patchelf")
	if err != nil {
		return errors.Wrap(err, "locating patchelf")
	}
	var out bytes.Buffer
	if err := p.exec.Execute(ctx, CommandOptions{Output: &out}, patchelf, "--force-rpath", "--set-rpath", joined, binaryPath); err != nil {
		return errors.Wrapf(err, "patchelf --set-rpath %s %s: %s", joined, binaryPath, out.String())
	}
	return nil
}

// PatchForInstrumentedLibraries rewrites binaryPath's RPATH to prepend
// instrumentedLibraryPaths ahead of its existing $ORIGIN-relative entries,
// dropping any RPATH entries that were never relative to the build
// (absolute host paths baked in at link time are meaningless once the
// build has been copied elsewhere).
func (p *Patcher) PatchForInstrumentedLibraries(ctx context.Context, binaryPath string, instrumentedLibraryPaths []string) error {
	rpaths, err := p.Get(ctx, binaryPath)
	if err != nil {
		return err
	}
	rpaths = filterOrigin(rpaths)
	for i := len(instrumentedLibraryPaths) - 1; i >= 0; i-- {
		path := instrumentedLibraryPaths[i]
		if !contains(rpaths, path) {
			rpaths = append([]string{path}, rpaths...)
		}
	}
	return p.Set(ctx, binaryPath, rpaths)
}

func filterOrigin(rpaths []string) []string {
	var kept []string
	for _, r := range rpaths {
		if strings.Contains(r, "$ORIGIN") {
			kept = append(kept, r)
		}
	}
	return kept
}

func contains(list []string, v string) bool {
	for _, e := range list {
		if e == v {
			return true
		}
	}
	return false
}

// PatchSet batches PatchForInstrumentedLibraries across several binaries,
// collecting every failure instead of stopping at the first so a caller
// can report which targets in a multi-target build failed to patch.
func (p *Patcher) PatchSet(ctx context.Context, binaryPaths []string, instrumentedLibraryPaths []string) error {
	var errs []string
	for _, binaryPath := range binaryPaths {
		if err := p.PatchForInstrumentedLibraries(ctx, binaryPath, instrumentedLibraryPaths); err != nil {
			errs = append(errs, errors.Wrapf(err, "patching %s", binaryPath).Error())
		}
	}
	if len(errs) > 0 {
		return errors.Errorf("patching %d of %d binaries failed: %s", len(errs), len(binaryPaths), strings.Join(errs, "; "))
	}
	return nil
}
