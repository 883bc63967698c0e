// Copyright 2025 Google LLC
// SPDX-License-Identifier: Apache-2.0

// Package envpublish walks a build directory to discover the paths a worker
// needs to exercise a build: the application binary, its args.gn, and an
// llvm-symbolizer, plus maintenance of an optional stable symlink to the
// discovered app directory.
package envpublish

import (
	"log"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"

	"github.com/go-git/go-billy/v5"
	"github.com/pkg/errors"
)

const gnArgsFileName = "args.gn"

// Result is the set of paths a single Publish walk discovered, ready for a
// caller to export via os.Setenv under whatever prefix it uses.
type Result struct {
	AppPath            string
	AppDir             string
	GNArgsPath         string
	LLVMSymbolizerPath string
}

// Options configures a single Publish walk.
type Options struct {
	// SearchDirectories are walked in order; within each, files are visited
	// breadth-first so a shallower match always wins over a deeper one.
	SearchDirectories []string
	// AppName is the basename of the application binary to locate. Empty
	// means no app path is ever published (matches jobs with no APP_NAME,
	// e.g. grey-box fuzzers).
	AppName string
	// LLVMSymbolizerName is the platform-specific llvm-symbolizer
	// executable name; see DefaultLLVMSymbolizerName.
	LLVMSymbolizerName string
	// UseDefaultLLVMSymbolizer, when true, skips publishing
	// LLVMSymbolizerPath from the walk, leaving whatever is already on
	// PATH in place.
	UseDefaultLLVMSymbolizer bool
	// SymbolicLinkTarget, if non-empty, is recreated as a symlink to
	// AppDir once the walk finds an app binary.
	SymbolicLinkTarget string
}

// DefaultLLVMSymbolizerName returns the platform-specific executable name
// for llvm-symbolizer.
func DefaultLLVMSymbolizerName() string {
	if runtime.GOOS == "windows" {
		return "llvm-symbolizer.exe"
	}
	return "llvm-symbolizer"
}

// Publish walks opts.SearchDirectories and returns the first app binary,
// args.gn, and llvm-symbolizer path found, skipping folders that never hold
// the application binary: macOS .dSYM bundles and Windows' initialexe
// staging folder. The app binary, once found, is marked executable.
func Publish(fs billy.Filesystem, opts Options) (Result, error) {
	var res Result
	for _, root := range opts.SearchDirectories {
		if root == "" {
			continue
		}
		err := walkBreadthFirst(fs, root, func(dir string, names []string) (bool, error) {
			if skipDir(dir) {
				return false, nil
			}
			for _, name := range names {
				full := fs.Join(dir, name)
				if opts.AppName != "" && res.AppPath == "" && name == opts.AppName {
					res.AppPath = full
					res.AppDir = dir
					if err := chmodIfSupported(fs, full, 0o750); err != nil {
						return false, errors.Wrapf(err, "marking %s executable", full)
					}
				}
				if res.GNArgsPath == "" && name == gnArgsFileName {
					res.GNArgsPath = full
				}
				if !opts.UseDefaultLLVMSymbolizer && opts.LLVMSymbolizerName != "" &&
					res.LLVMSymbolizerPath == "" && name == opts.LLVMSymbolizerName {
					res.LLVMSymbolizerPath = full
				}
			}
			return true, nil
		})
		if err != nil {
			return res, err
		}
	}
	if opts.AppName != "" && res.AppPath == "" {
		log.Printf("envpublish: application %q not found under %v", opts.AppName, opts.SearchDirectories)
	}
	if res.AppPath != "" && opts.SymbolicLinkTarget != "" {
		if err := maintainSymlink(fs, opts.SymbolicLinkTarget, res.AppDir); err != nil {
			return res, err
		}
	}
	return res, nil
}

// walkBreadthFirst visits root and its descendants directory-by-directory,
// all files in a directory before descending into any of its
// subdirectories. visit returns whether to descend into dir's subdirectories
// at all (false skips a whole subtree, used for platform-excluded folders).
func walkBreadthFirst(fs billy.Filesystem, root string, visit func(dir string, names []string) (bool, error)) error {
	queue := []string{root}
	for len(queue) > 0 {
		dir := queue[0]
		queue = queue[1:]
		entries, err := fs.ReadDir(dir)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return errors.Wrapf(err, "reading %s", dir)
		}
		var names, subdirs []string
		for _, e := range entries {
			if e.IsDir() {
				subdirs = append(subdirs, fs.Join(dir, e.Name()))
			} else {
				names = append(names, e.Name())
			}
		}
		sort.Strings(names)
		descend, err := visit(dir, names)
		if err != nil {
			return err
		}
		if !descend {
			continue
		}
		sort.Strings(subdirs)
		queue = append(queue, subdirs...)
	}
	return nil
}

// skipDir reports whether dir is a platform-specific folder that never
// holds the application binary: a macOS .dSYM bundle, or Windows' initialexe
// staging folder used by some Chromium build configurations.
func skipDir(dir string) bool {
	switch runtime.GOOS {
	case "darwin":
		return strings.Contains(dir, ".dSYM")
	case "windows":
		return strings.Contains(dir, string(os.PathSeparator)+"initialexe")
	default:
		return false
	}
}

// chmodIfSupported marks name with mode when fs supports billy.Change
// (osfs does; some in-memory filesystems used in tests do not, and skipping
// there is harmless since no real executable bit is being checked).
func chmodIfSupported(fs billy.Filesystem, name string, mode os.FileMode) error {
	ch, ok := fs.(billy.Change)
	if !ok {
		return nil
	}
	return ch.Chmod(name, mode)
}

// maintainSymlink replaces any existing file or symlink at linkPath with a
// fresh symlink to target, creating linkPath's parent directory as needed.
func maintainSymlink(fs billy.Filesystem, linkPath, target string) error {
	if err := fs.MkdirAll(filepath.Dir(linkPath), 0o755); err != nil {
		return errors.Wrapf(err, "creating parent of %s", linkPath)
	}
	if _, err := fs.Lstat(linkPath); err == nil {
		if err := fs.Remove(linkPath); err != nil {
			return errors.Wrapf(err, "removing stale symlink %s", linkPath)
		}
	}
	if err := fs.Symlink(target, linkPath); err != nil {
		return errors.Wrapf(err, "linking %s to %s", linkPath, target)
	}
	return nil
}
