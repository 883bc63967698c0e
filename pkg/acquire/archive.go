// Copyright 2025 Google LLC
// SPDX-License-Identifier: Apache-2.0

// Package acquire implements the archive-handle contract: opening a local
// tar.gz, zip, or raw-binary archive and listing/sizing/extracting its
// contents, plus the download-or-stream strategy that decides whether a
// remote archive is fetched to disk first or opened directly over HTTP.
package acquire

import (
	"archive/tar"
	"archive/zip"
	"compress/gzip"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/errors"
)

// Handle is an open archive: a local tar.gz, zip, or bare executable file.
type Handle interface {
	// ListFuzzTargets returns the normalized names of fuzz targets the
	// archive contains, without extracting anything.
	ListFuzzTargets() ([]string, error)
	// UnpackedSize returns the total extracted byte count, restricted to
	// the files needed for fuzzTarget if non-empty.
	UnpackedSize(fuzzTarget string) (int64, error)
	// Unpack extracts the archive into buildDir. If fuzzTarget is
	// non-empty, only files needed for that target are extracted. If
	// trusted is false, entries are validated against path traversal.
	Unpack(buildDir, fuzzTarget string, trusted bool) error
	// Close releases any resources (open file handles) held by the handle.
	Close() error
}

// normalizeTargetName strips known build-archive path prefixes and
// extensions, matching fuzzer_utils.normalize_target_name's intent: a fuzz
// target name is its basename, sans a platform executable suffix.
func normalizeTargetName(name string) string {
	name = path.Base(name)
	return strings.TrimSuffix(name, ".exe")
}

// matchesTarget reports whether a fuzz-target-scoped archive entry belongs
// to fuzzTarget: its basename (before any '@' variant suffix) equals
// fuzzTarget, or the entry sits in fuzzTarget's own subdirectory.
func matchesTarget(entryName, fuzzTarget string) bool {
	if fuzzTarget == "" {
		return true
	}
	base, _, _ := strings.Cut(normalizeTargetName(entryName), "@")
	if base == fuzzTarget {
		return true
	}
	dir, _ := path.Split(entryName)
	return strings.HasPrefix(dir, fuzzTarget+"/")
}

// safeJoin joins buildDir and entryName, rejecting entries that would
// escape buildDir via ".." components or an absolute path -- the
// `trusted=false` path-traversal validation §4.C requires.
func safeJoin(buildDir, entryName string) (string, error) {
	cleaned := filepath.Clean(entryName)
	if filepath.IsAbs(cleaned) || strings.HasPrefix(cleaned, "..") {
		return "", errors.Errorf("archive entry escapes build directory: %q", entryName)
	}
	full := filepath.Join(buildDir, cleaned)
	if !strings.HasPrefix(full, filepath.Clean(buildDir)+string(filepath.Separator)) {
		return "", errors.Errorf("archive entry escapes build directory: %q", entryName)
	}
	return full, nil
}

// tarGzHandle is a Handle backed by a .tar.gz file.
type tarGzHandle struct {
	path string
	f    *os.File
}

// OpenTarGz opens a local .tar.gz archive.
func OpenTarGz(localPath string) (Handle, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return nil, errors.Wrapf(err, "opening %s", localPath)
	}
	return &tarGzHandle{path: localPath, f: f}, nil
}

// eachEntry opens a fresh pass over the tar stream and invokes fn for every
// header, with tr positioned so fn can read that entry's data via tr.Read.
func (h *tarGzHandle) eachEntry(fn func(hdr *tar.Header, tr *tar.Reader) error) error {
	if _, err := h.f.Seek(0, io.SeekStart); err != nil {
		return errors.Wrap(err, "seeking archive")
	}
	gz, err := gzip.NewReader(h.f)
	if err != nil {
		return errors.Wrapf(err, "opening gzip stream for %s", h.path)
	}
	defer gz.Close()
	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return errors.Wrapf(err, "reading tar entries in %s", h.path)
		}
		if err := fn(hdr, tr); err != nil {
			return err
		}
	}
}

func (h *tarGzHandle) ListFuzzTargets() ([]string, error) {
	var names []string
	seen := make(map[string]bool)
	err := h.eachEntry(func(hdr *tar.Header, _ *tar.Reader) error {
		if hdr.Typeflag != tar.TypeReg {
			return nil
		}
		n := normalizeTargetName(hdr.Name)
		if !seen[n] {
			seen[n] = true
			names = append(names, n)
		}
		return nil
	})
	sort.Strings(names)
	return names, err
}

func (h *tarGzHandle) UnpackedSize(fuzzTarget string) (int64, error) {
	var total int64
	err := h.eachEntry(func(hdr *tar.Header, _ *tar.Reader) error {
		if hdr.Typeflag != tar.TypeReg || !matchesTarget(hdr.Name, fuzzTarget) {
			return nil
		}
		total += hdr.Size
		return nil
	})
	return total, err
}

func (h *tarGzHandle) Unpack(buildDir, fuzzTarget string, trusted bool) error {
	if err := os.MkdirAll(buildDir, 0o755); err != nil {
		return errors.Wrapf(err, "creating %s", buildDir)
	}
	return h.eachEntry(func(hdr *tar.Header, tr *tar.Reader) error {
		if !matchesTarget(hdr.Name, fuzzTarget) {
			return nil
		}
		var dest string
		var err error
		if trusted {
			dest = filepath.Join(buildDir, filepath.Clean(hdr.Name))
		} else {
			dest, err = safeJoin(buildDir, hdr.Name)
			if err != nil {
				return err
			}
		}
		switch hdr.Typeflag {
		case tar.TypeDir:
			return os.MkdirAll(dest, 0o755)
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
				return err
			}
			out, err := os.OpenFile(dest, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, os.FileMode(hdr.Mode)&0o777|0o600)
			if err != nil {
				return errors.Wrapf(err, "creating %s", dest)
			}
			defer out.Close()
			if _, err := io.Copy(out, tr); err != nil {
				return errors.Wrapf(err, "writing %s", dest)
			}
			return nil
		default:
			return nil
		}
	})
}

func (h *tarGzHandle) Close() error {
	return h.f.Close()
}

var _ Handle = &tarGzHandle{}

// zipHandle is a Handle backed by a zip central directory, either read
// from a local file or from a remote io.ReaderAt via HTTP range requests.
type zipHandle struct {
	files  []*zip.File
	closer io.Closer // nil when there is nothing to close (remote source)
}

// OpenZip opens a local .zip archive.
func OpenZip(localPath string) (Handle, error) {
	r, err := zip.OpenReader(localPath)
	if err != nil {
		return nil, errors.Wrapf(err, "opening %s", localPath)
	}
	return &zipHandle{files: r.File, closer: r}, nil
}

// newZipReaderAt opens a zip archive's central directory from an
// io.ReaderAt of the given total size, without requiring a local file.
func newZipReaderAt(src io.ReaderAt, size int64) (*zipHandle, error) {
	zr, err := zip.NewReader(src, size)
	if err != nil {
		return nil, err
	}
	return &zipHandle{files: zr.File}, nil
}

func (h *zipHandle) ListFuzzTargets() ([]string, error) {
	var names []string
	seen := make(map[string]bool)
	for _, f := range h.files {
		if f.FileInfo().IsDir() {
			continue
		}
		n := normalizeTargetName(f.Name)
		if !seen[n] {
			seen[n] = true
			names = append(names, n)
		}
	}
	sort.Strings(names)
	return names, nil
}

func (h *zipHandle) UnpackedSize(fuzzTarget string) (int64, error) {
	var total int64
	for _, f := range h.files {
		if f.FileInfo().IsDir() || !matchesTarget(f.Name, fuzzTarget) {
			continue
		}
		total += int64(f.UncompressedSize64)
	}
	return total, nil
}

func (h *zipHandle) Unpack(buildDir, fuzzTarget string, trusted bool) error {
	if err := os.MkdirAll(buildDir, 0o755); err != nil {
		return errors.Wrapf(err, "creating %s", buildDir)
	}
	for _, f := range h.files {
		if !matchesTarget(f.Name, fuzzTarget) {
			continue
		}
		var dest string
		var err error
		if trusted {
			dest = filepath.Join(buildDir, filepath.Clean(f.Name))
		} else {
			dest, err = safeJoin(buildDir, f.Name)
			if err != nil {
				return err
			}
		}
		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(dest, 0o755); err != nil {
				return err
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return err
		}
		if err := extractZipEntry(f, dest); err != nil {
			return err
		}
	}
	return nil
}

func extractZipEntry(f *zip.File, dest string) error {
	in, err := f.Open()
	if err != nil {
		return errors.Wrapf(err, "opening zip entry %s", f.Name)
	}
	defer in.Close()
	mode := f.Mode().Perm()
	if mode == 0 {
		mode = 0o600
	}
	out, err := os.OpenFile(dest, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, mode)
	if err != nil {
		return errors.Wrapf(err, "creating %s", dest)
	}
	defer out.Close()
	if _, err := io.Copy(out, in); err != nil {
		return errors.Wrapf(err, "writing %s", dest)
	}
	return nil
}

func (h *zipHandle) Close() error {
	if h.closer == nil {
		return nil
	}
	return h.closer.Close()
}

var _ Handle = &zipHandle{}

// rawHandle is a Handle for a bare executable that is not itself an
// archive: unpacking it places a single file into the build directory.
type rawHandle struct {
	path string
}

// OpenRaw wraps a single non-archive file (e.g. a custom binary) as a
// Handle whose sole fuzz target is the file's own base name.
func OpenRaw(localPath string) (Handle, error) {
	return &rawHandle{path: localPath}, nil
}

func (h *rawHandle) ListFuzzTargets() ([]string, error) {
	return []string{normalizeTargetName(h.path)}, nil
}

func (h *rawHandle) UnpackedSize(string) (int64, error) {
	fi, err := os.Stat(h.path)
	if err != nil {
		return 0, errors.Wrapf(err, "stat %s", h.path)
	}
	return fi.Size(), nil
}

func (h *rawHandle) Unpack(buildDir, _ string, _ bool) error {
	if err := os.MkdirAll(buildDir, 0o755); err != nil {
		return errors.Wrapf(err, "creating %s", buildDir)
	}
	dest := filepath.Join(buildDir, filepath.Base(h.path))
	// A custom binary is already downloaded straight into its own build
	// directory (pkg/provision.CustomBuild.fetchAndUnpack), so dest and
	// the source are frequently the same file. Opening dest
	// O_TRUNC before reading h.path would destroy it; §4.D's contract
	// for a raw binary is "leave the binary in place", so detect this and
	// skip the copy entirely rather than truncate the file onto itself.
	if same, err := sameFile(dest, h.path); err != nil {
		return err
	} else if same {
		return nil
	}
	in, err := os.Open(h.path)
	if err != nil {
		return errors.Wrapf(err, "opening %s", h.path)
	}
	defer in.Close()
	out, err := os.OpenFile(dest, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o750)
	if err != nil {
		return errors.Wrapf(err, "creating %s", dest)
	}
	defer out.Close()
	if _, err := io.Copy(out, in); err != nil {
		return errors.Wrapf(err, "copying %s", dest)
	}
	return nil
}

// sameFile reports whether a and b name the same file on disk: true if their
// cleaned paths are equal, otherwise false if either cannot be stat'ed
// (nothing to compare inodes against yet), otherwise os.SameFile's answer.
func sameFile(a, b string) (bool, error) {
	if filepath.Clean(a) == filepath.Clean(b) {
		return true, nil
	}
	fa, errA := os.Stat(a)
	fb, errB := os.Stat(b)
	if errA != nil || errB != nil {
		return false, nil
	}
	return os.SameFile(fa, fb), nil
}

func (h *rawHandle) Close() error {
	return nil
}

var _ Handle = &rawHandle{}

// Open opens a local archive file, dispatching on its extension: ".zip" for
// zip archives, ".tar.gz"/".tgz" for gzipped tarballs, otherwise treating it
// as a raw binary.
func Open(localPath string) (Handle, error) {
	lower := strings.ToLower(localPath)
	switch {
	case strings.HasSuffix(lower, ".zip"):
		return OpenZip(localPath)
	case strings.HasSuffix(lower, ".tar.gz"), strings.HasSuffix(lower, ".tgz"):
		return OpenTarGz(localPath)
	default:
		return OpenRaw(localPath)
	}
}
