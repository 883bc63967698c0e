// Copyright 2025 Google LLC
// SPDX-License-Identifier: Apache-2.0

package envpublish

import (
	"testing"

	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-billy/v5/util"
)

func TestPublish_FindsAppBinaryAndGNArgs(t *testing.T) {
	fs := memfs.New()
	if err := util.WriteFile(fs, "build/out/my_fuzzer", []byte("elf"), 0o644); err != nil {
		t.Fatalf("WriteFile() failed: %v", err)
	}
	if err := util.WriteFile(fs, "build/out/args.gn", []byte("is_asan=true"), 0o644); err != nil {
		t.Fatalf("WriteFile() failed: %v", err)
	}

	res, err := Publish(fs, Options{
		SearchDirectories: []string{"build"},
		AppName:           "my_fuzzer",
	})
	if err != nil {
		t.Fatalf("Publish() failed: %v", err)
	}
	if res.AppPath != "build/out/my_fuzzer" {
		t.Fatalf("AppPath = %q, want build/out/my_fuzzer", res.AppPath)
	}
	if res.AppDir != "build/out" {
		t.Fatalf("AppDir = %q, want build/out", res.AppDir)
	}
	if res.GNArgsPath != "build/out/args.gn" {
		t.Fatalf("GNArgsPath = %q, want build/out/args.gn", res.GNArgsPath)
	}
}

func TestPublish_FirstMatchWinsAcrossShallowerDirectory(t *testing.T) {
	fs := memfs.New()
	if err := util.WriteFile(fs, "build/nested/deep/my_fuzzer", []byte("deep"), 0o644); err != nil {
		t.Fatalf("WriteFile() failed: %v", err)
	}
	if err := util.WriteFile(fs, "build/my_fuzzer", []byte("shallow"), 0o644); err != nil {
		t.Fatalf("WriteFile() failed: %v", err)
	}

	res, err := Publish(fs, Options{
		SearchDirectories: []string{"build"},
		AppName:           "my_fuzzer",
	})
	if err != nil {
		t.Fatalf("Publish() failed: %v", err)
	}
	if res.AppPath != "build/my_fuzzer" {
		t.Fatalf("AppPath = %q, want the shallower build/my_fuzzer", res.AppPath)
	}
}

func TestPublish_NoAppNameMeansNoAppPath(t *testing.T) {
	fs := memfs.New()
	if err := util.WriteFile(fs, "build/my_fuzzer", []byte("elf"), 0o644); err != nil {
		t.Fatalf("WriteFile() failed: %v", err)
	}

	res, err := Publish(fs, Options{SearchDirectories: []string{"build"}})
	if err != nil {
		t.Fatalf("Publish() failed: %v", err)
	}
	if res.AppPath != "" {
		t.Fatalf("AppPath = %q, want empty when AppName is unset", res.AppPath)
	}
}

func TestPublish_LLVMSymbolizerSkippedWhenUseDefaultSet(t *testing.T) {
	fs := memfs.New()
	if err := util.WriteFile(fs, "build/llvm-symbolizer", []byte("bin"), 0o644); err != nil {
		t.Fatalf("WriteFile() failed: %v", err)
	}

	res, err := Publish(fs, Options{
		SearchDirectories:        []string{"build"},
		LLVMSymbolizerName:       "llvm-symbolizer",
		UseDefaultLLVMSymbolizer: true,
	})
	if err != nil {
		t.Fatalf("Publish() failed: %v", err)
	}
	if res.LLVMSymbolizerPath != "" {
		t.Fatalf("LLVMSymbolizerPath = %q, want empty when UseDefaultLLVMSymbolizer is set", res.LLVMSymbolizerPath)
	}
}

func TestPublish_LLVMSymbolizerFound(t *testing.T) {
	fs := memfs.New()
	if err := util.WriteFile(fs, "build/llvm-symbolizer", []byte("bin"), 0o644); err != nil {
		t.Fatalf("WriteFile() failed: %v", err)
	}

	res, err := Publish(fs, Options{
		SearchDirectories:  []string{"build"},
		LLVMSymbolizerName: "llvm-symbolizer",
	})
	if err != nil {
		t.Fatalf("Publish() failed: %v", err)
	}
	if res.LLVMSymbolizerPath != "build/llvm-symbolizer" {
		t.Fatalf("LLVMSymbolizerPath = %q, want build/llvm-symbolizer", res.LLVMSymbolizerPath)
	}
}

func TestPublish_MaintainsSymlinkToAppDir(t *testing.T) {
	fs := memfs.New()
	if err := util.WriteFile(fs, "build/out/my_fuzzer", []byte("elf"), 0o644); err != nil {
		t.Fatalf("WriteFile() failed: %v", err)
	}

	res, err := Publish(fs, Options{
		SearchDirectories:  []string{"build"},
		AppName:            "my_fuzzer",
		SymbolicLinkTarget: "link/current",
	})
	if err != nil {
		t.Fatalf("Publish() failed: %v", err)
	}
	target, err := fs.Readlink("link/current")
	if err != nil {
		t.Fatalf("Readlink() failed: %v", err)
	}
	if target != res.AppDir {
		t.Fatalf("symlink target = %q, want %q", target, res.AppDir)
	}

	// Publishing again with a different app directory replaces the link
	// rather than erroring on an existing file.
	if err := util.WriteFile(fs, "build/other/my_fuzzer", []byte("elf2"), 0o644); err != nil {
		t.Fatalf("WriteFile() failed: %v", err)
	}
	fs2 := memfs.New()
	if err := util.WriteFile(fs2, "build/other/my_fuzzer", []byte("elf2"), 0o644); err != nil {
		t.Fatalf("WriteFile() failed: %v", err)
	}
	if err := util.WriteFile(fs2, "link/current", []byte("stale"), 0o644); err != nil {
		t.Fatalf("WriteFile() failed: %v", err)
	}
	res2, err := Publish(fs2, Options{
		SearchDirectories:  []string{"build"},
		AppName:            "my_fuzzer",
		SymbolicLinkTarget: "link/current",
	})
	if err != nil {
		t.Fatalf("Publish() failed: %v", err)
	}
	target2, err := fs2.Readlink("link/current")
	if err != nil {
		t.Fatalf("Readlink() failed: %v", err)
	}
	if target2 != res2.AppDir {
		t.Fatalf("symlink target = %q, want %q", target2, res2.AppDir)
	}
}

func TestDefaultLLVMSymbolizerName(t *testing.T) {
	if name := DefaultLLVMSymbolizerName(); name == "" {
		t.Fatal("DefaultLLVMSymbolizerName() returned empty string")
	}
}
