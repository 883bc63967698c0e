// Copyright 2025 Google LLC
// SPDX-License-Identifier: Apache-2.0

package acquire

import (
	"context"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/google/fuzzbuild/internal/objstore"
	"github.com/google/fuzzbuild/pkg/diskbudget"
)

// streamableExtensions are the archive formats whose Handle can be built
// directly against an io.ReaderAt-like HTTP range source without a local
// copy. Raw binaries and tarballs (which read sequentially through gzip)
// are not, so they always fall back to download-then-open.
var streamableExtensions = []string{".zip"}

// Options configures Acquire's download-vs-stream decision, mirroring
// §4.C's ALLOW_UNPACK_OVER_HTTP contract.
type Options struct {
	AllowUnpackOverHTTP bool
	HTTPURL             string
	HTTPClient          *http.Client
}

// Acquire obtains a Handle for the archive at remoteURL, either by opening
// it directly over HTTP (when allowed and the format supports random
// access) or by downloading it to buildDir first. budget is consulted only
// on the download path, since streaming performs no local write.
func Acquire(ctx context.Context, client objstore.Client, budget *diskbudget.Budget, buildDir, remoteURL string, opts Options) (Handle, error) {
	if opts.AllowUnpackOverHTTP && opts.HTTPURL != "" && isStreamable(remoteURL) {
		if h, ok, err := tryOpenHTTPStream(ctx, opts); err != nil {
			return nil, err
		} else if ok {
			return h, nil
		}
	}
	return downloadThenOpen(ctx, client, budget, buildDir, remoteURL)
}

func isStreamable(url string) bool {
	lower := strings.ToLower(url)
	for _, ext := range streamableExtensions {
		if strings.HasSuffix(lower, ext) {
			return true
		}
	}
	return false
}

// tryOpenHTTPStream verifies httpURL is reachable and random-access capable
// (HEAD succeeds and advertises byte-range support) before handing back a
// streaming zip Handle. A failed or non-range-capable HEAD is not an error:
// callers fall back to the download path.
func tryOpenHTTPStream(ctx context.Context, opts Options) (Handle, bool, error) {
	client := opts.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, opts.HTTPURL, nil)
	if err != nil {
		return nil, false, errors.Wrapf(err, "building HEAD request for %s", opts.HTTPURL)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, false, nil
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK || resp.Header.Get("Accept-Ranges") != "bytes" {
		return nil, false, nil
	}
	h, err := OpenHTTPZip(ctx, client, opts.HTTPURL, resp.ContentLength)
	if err != nil {
		return nil, false, nil
	}
	return h, true, nil
}

// downloadThenOpen implements §4.C's fallback path: size the object,
// budget the download, copy it into build_dir, open it locally, and always
// remove the local copy afterward regardless of how Unpack is later used
// (the caller owns the returned Handle's lifetime via Close, which for
// downloaded handles also removes the archive file).
func downloadThenOpen(ctx context.Context, client objstore.Client, budget *diskbudget.Budget, buildDir, remoteURL string) (Handle, error) {
	size, err := client.ObjectSize(ctx, remoteURL)
	if err != nil {
		return nil, errors.Wrapf(err, "getting size of %s", remoteURL)
	}
	if budget != nil {
		if err := budget.MakeSpace(uint64(size), buildDir); err != nil {
			return nil, errors.Wrap(err, "making space for download")
		}
	}
	// A uuid prefix keeps two concurrent downloads into the same buildDir
	// from colliding on disk when their remote URLs happen to share a
	// basename; Open still
	// dispatches correctly since the original extension is preserved.
	localPath := filepath.Join(buildDir, uuid.NewString()+"-"+path.Base(remoteURL))
	if err := client.CopyFileFrom(ctx, remoteURL, localPath); err != nil {
		return nil, errors.Wrapf(err, "downloading %s", remoteURL)
	}
	h, err := Open(localPath)
	if err != nil {
		os.Remove(localPath)
		return nil, err
	}
	return &selfCleaningHandle{Handle: h, path: localPath}, nil
}

// selfCleaningHandle deletes its backing local archive file on Close, per
// §4.C: "on any exit path, the local archive file is removed."
type selfCleaningHandle struct {
	Handle
	path string
}

func (h *selfCleaningHandle) Close() error {
	err := h.Handle.Close()
	if rmErr := os.Remove(h.path); rmErr != nil && err == nil {
		err = rmErr
	}
	return err
}

var _ Handle = &selfCleaningHandle{}

// httpZipHandle is a Handle backed by a zip archive read directly from an
// HTTP range source, never written to local disk.
type httpZipHandle struct {
	zip *zipHandle
}

// OpenHTTPZip opens a remote zip archive for random-access reading over
// HTTP range requests, without downloading it.
func OpenHTTPZip(ctx context.Context, client *http.Client, url string, size int64) (Handle, error) {
	src := &httpRangeReaderAt{ctx: ctx, client: client, url: url}
	zr, err := newZipReaderAt(src, size)
	if err != nil {
		return nil, errors.Wrapf(err, "opening remote zip %s", url)
	}
	return &httpZipHandle{zip: zr}, nil
}

func (h *httpZipHandle) ListFuzzTargets() ([]string, error)         { return h.zip.ListFuzzTargets() }
func (h *httpZipHandle) UnpackedSize(target string) (int64, error)  { return h.zip.UnpackedSize(target) }
func (h *httpZipHandle) Unpack(dir, target string, trusted bool) error {
	return h.zip.Unpack(dir, target, trusted)
}
func (h *httpZipHandle) Close() error { return h.zip.Close() }

var _ Handle = &httpZipHandle{}

// httpRangeReaderAt implements io.ReaderAt via HTTP Range requests, letting
// archive/zip's central-directory reader seek within a remote object
// without a local copy.
type httpRangeReaderAt struct {
	ctx    context.Context
	client *http.Client
	url    string
}

func (r *httpRangeReaderAt) ReadAt(p []byte, off int64) (int, error) {
	req, err := http.NewRequestWithContext(r.ctx, http.MethodGet, r.url, nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Range", rangeHeader(off, int64(len(p))))
	resp, err := r.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusPartialContent && resp.StatusCode != http.StatusOK {
		return 0, errors.Errorf("unexpected status %d for range request on %s", resp.StatusCode, r.url)
	}
	n := 0
	for n < len(p) {
		m, err := resp.Body.Read(p[n:])
		n += m
		if err != nil {
			if n == len(p) {
				return n, nil
			}
			return n, err
		}
	}
	return n, nil
}

func rangeHeader(off, length int64) string {
	return "bytes=" + strconv.FormatInt(off, 10) + "-" + strconv.FormatInt(off+length-1, 10)
}
