// Copyright 2025 Google LLC
// SPDX-License-Identifier: Apache-2.0

// Package bucketpath resolves templated object-store bucket paths into local
// build directories and concrete remote archive URLs.
//
// A bucket path has the form <scheme>://<bucket>/<prefix>/<file-pattern>,
// where <file-pattern> contains exactly one regexp capture group identifying
// the revision encoded in a matching object's basename (e.g.
// "build-([0-9]+).zip"). The literal token %TARGET% may appear anywhere in
// a bucket path and is substituted with a fuzz target's base name before
// use.
package bucketpath

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path"
	"regexp"
	"strings"

	"github.com/google/fuzzbuild/internal/cache"
	"github.com/pkg/errors"
)

// BucketPath is a templated object-store prefix identifying where builds for
// a job live.
type BucketPath string

// targetToken is substituted with a fuzz target's base name.
const targetToken = "%TARGET%"

// WithTarget substitutes %TARGET% in the bucket path with target's base name
// (the text before the first '@', e.g. "my_fuzzer@asan" -> "my_fuzzer").
func (bp BucketPath) WithTarget(target string) BucketPath {
	base, _, _ := strings.Cut(target, "@")
	return BucketPath(strings.ReplaceAll(string(bp), targetToken, base))
}

// HasTarget reports whether the bucket path still contains an unsubstituted
// %TARGET% token.
func (bp BucketPath) HasTarget() bool {
	return strings.Contains(string(bp), targetToken)
}

// split divides the bucket path (sans scheme) into the listing prefix (bucket
// plus any intermediate directories) and the file-pattern template for the
// final path segment.
func (bp BucketPath) split() (scheme, prefix, filePattern string, err error) {
	s := string(bp)
	idx := strings.Index(s, "://")
	if idx < 0 {
		return "", "", "", errors.Errorf("invalid bucket path %q: missing scheme", s)
	}
	scheme = s[:idx]
	rest := strings.TrimLeft(s[idx+3:], "/")
	i := strings.LastIndex(rest, "/")
	if i < 0 {
		return "", "", "", errors.Errorf("invalid bucket path %q: no file pattern segment", s)
	}
	return scheme, rest[:i], rest[i+1:], nil
}

// FilePattern returns the regexp template for the basename of objects this
// bucket path selects.
func (bp BucketPath) FilePattern() (string, error) {
	_, _, fp, err := bp.split()
	return fp, err
}

// ListingPrefix returns the full scheme-qualified prefix under which objects
// matching this bucket path are listed.
func (bp BucketPath) ListingPrefix() (string, error) {
	scheme, prefix, _, err := bp.split()
	if err != nil {
		return "", err
	}
	return scheme + "://" + prefix, nil
}

// revisionPattern compiles the bucket path's file pattern, verifying it
// contains exactly one capture group.
func (bp BucketPath) revisionPattern() (*regexp.Regexp, error) {
	fp, err := bp.FilePattern()
	if err != nil {
		return nil, err
	}
	re, err := regexp.Compile("^" + fp + "$")
	if err != nil {
		return nil, errors.Wrapf(err, "compiling file pattern %q", fp)
	}
	if re.NumSubexp() != 1 {
		return nil, errors.Errorf("file pattern %q must contain exactly one capture group, found %d", fp, re.NumSubexp())
	}
	return re, nil
}

// buildTypeSubstrings are stripped from the file pattern before hashing so
// that regular, beta, stable, debug, etc. builds of the same project share a
// single build directory.
var buildTypeSubstrings = []string{
	"-beta", "-stable", "-debug", "-release", "-symbolized", "-extended_stable",
}

func stripBuildTypeSubstrings(s string) string {
	for _, sub := range buildTypeSubstrings {
		s = strings.ReplaceAll(s, sub, "")
	}
	return s
}

// shortHash returns a short, stable hex digest of s, used to disambiguate
// build directories whose file patterns collide after stripping build-type
// substrings.
func shortHash(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])[:12]
}

// LocalDir derives the deterministic base build directory for bucketPath
// under buildsRoot. If bucketPath is empty, jobName is used verbatim instead.
// Two calls with the same inputs always return the same path: scheme is
// dropped, slashes are replaced with underscores, and the file-pattern
// segment is stripped of build-type substrings and hashed.
func LocalDir(buildsRoot string, bp BucketPath, jobName string) (string, error) {
	if bp == "" {
		return path.Join(buildsRoot, jobName), nil
	}
	_, prefix, filePattern, err := bp.split()
	if err != nil {
		return "", err
	}
	dirPrefix := strings.ReplaceAll(prefix, "/", "_")
	stripped := stripBuildTypeSubstrings(filePattern)
	return path.Join(buildsRoot, fmt.Sprintf("%s_%s", dirPrefix, shortHash(stripped))), nil
}

// ObjectLister is the subset of the object-store contract (§6) bucketpath
// needs: listing object URLs under a prefix.
type ObjectLister interface {
	ListBlobs(ctx context.Context, prefix string) ([]string, error)
}

// Resolver lists and caches bucket-path-to-URL resolutions for the lifetime
// of a task, per §9's memoization design note.
type Resolver struct {
	client ObjectLister
	cache  cache.Cache
}

// NewResolver constructs a Resolver backed by client, memoizing up to
// cacheSize distinct bucket-path listings.
func NewResolver(client ObjectLister, cacheSize int) *Resolver {
	return &Resolver{client: client, cache: cache.NewBoundedLRUCache(cacheSize)}
}

// ListURLs enumerates objects under bucketPath's listing prefix, keeps only
// those whose basename matches the file pattern, and returns them sorted by
// revision (descending when reverse is true). Results are memoized per
// bucket path for the life of the Resolver.
func (r *Resolver) ListURLs(ctx context.Context, bp BucketPath, reverse bool) ([]string, error) {
	v, err := r.cache.GetOrSet(bp, func() (any, error) {
		return r.listURLs(ctx, bp)
	})
	if err != nil {
		return nil, err
	}
	urls := append([]string(nil), v.([]string)...)
	if !reverse {
		reverseStrings(urls)
	}
	return urls, nil
}

// listURLs performs the uncached listing and returns URLs in descending
// revision order (the cached, canonical order; ListURLs reverses as needed).
func (r *Resolver) listURLs(ctx context.Context, bp BucketPath) ([]string, error) {
	prefix, err := bp.ListingPrefix()
	if err != nil {
		return nil, err
	}
	re, err := bp.revisionPattern()
	if err != nil {
		return nil, err
	}
	all, err := r.client.ListBlobs(ctx, prefix)
	if err != nil {
		return nil, errors.Wrap(err, "listing blobs")
	}
	type entry struct {
		url      string
		revision string
	}
	var entries []entry
	seen := make(map[string]string) // revision -> first URL seen, for duplicate detection
	for _, u := range all {
		base := path.Base(u)
		m := re.FindStringSubmatch(base)
		if m == nil {
			continue
		}
		rev := m[1]
		if prior, ok := seen[rev]; ok && prior != u {
			return nil, errors.Wrapf(errBadState, "duplicate revision %q in listing: %q and %q", rev, prior, u)
		}
		seen[rev] = u
		entries = append(entries, entry{url: u, revision: rev})
	}
	sortByRevisionDesc(entries, func(e entry) string { return e.revision }, func(a, b entry) bool { return a.url < b.url })
	urls := make([]string, len(entries))
	for i, e := range entries {
		urls[i] = e.url
	}
	return urls, nil
}

// FindURL returns the URL among urls whose captured revision numerically
// equals revision, or "" if none match.
func FindURL(bp BucketPath, urls []string, revision string) (string, error) {
	re, err := bp.revisionPattern()
	if err != nil {
		return "", err
	}
	for _, u := range urls {
		m := re.FindStringSubmatch(path.Base(u))
		if m == nil {
			continue
		}
		if compareRevisions(m[1], revision) == 0 {
			return u, nil
		}
	}
	return "", nil
}

// LatestRevision returns the greatest revision present in bucketPaths[0]
// that is also present in every other bucket path, used to align release
// and symbolized builds on a shared "trunk" revision.
func (r *Resolver) LatestRevision(ctx context.Context, bucketPaths []BucketPath) (string, error) {
	if len(bucketPaths) == 0 {
		return "", errors.New("no bucket paths provided")
	}
	primary, err := r.ListURLs(ctx, bucketPaths[0], true)
	if err != nil {
		return "", errors.Wrapf(err, "listing %s", bucketPaths[0])
	}
	re, err := bucketPaths[0].revisionPattern()
	if err != nil {
		return "", err
	}
	others := bucketPaths[1:]
	otherURLs := make([][]string, len(others))
	for i, bp := range others {
		otherURLs[i], err = r.ListURLs(ctx, bp, true)
		if err != nil {
			return "", errors.Wrapf(err, "listing %s", bp)
		}
	}
	for _, u := range primary {
		m := re.FindStringSubmatch(path.Base(u))
		if m == nil {
			continue
		}
		rev := m[1]
		foundInAll := true
		for i, bp := range others {
			if found, err := FindURL(bp, otherURLs[i], rev); err != nil || found == "" {
				foundInAll = false
				break
			}
		}
		if foundInAll {
			return rev, nil
		}
	}
	return "", errors.Errorf("no revision of %s is present in all bucket paths", bucketPaths[0])
}

func reverseStrings(s []string) {
	for i, j := 0, len(s)-1; i < j; i, j = i+1, j-1 {
		s[i], s[j] = s[j], s[i]
	}
}

var errBadState = errors.New("bad state")

// ErrBadState reports a BadState condition per §7's error taxonomy (duplicate
// revisions in a listing, a corrupt template). Use errors.Is against this
// value to detect the category.
var ErrBadState = errBadState
