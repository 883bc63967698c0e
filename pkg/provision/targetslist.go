// Copyright 2025 Google LLC
// SPDX-License-Identifier: Apache-2.0

package provision

import (
	"bufio"
	"context"
	"path"
	"strings"

	"github.com/pkg/errors"

	"github.com/google/fuzzbuild/pkg/bucketpath"
)

// targetsListFileName is the fixed basename of the targets-list file
// alongside a split-target bucket path.
const targetsListFileName = "targets.list"

// listTargetsForBucketPath reads the targets.list file associated with bp
// (at dirname(dirname(bp))/targets.list) and intersects it with the
// immediate subdirectories of that same directory, matched by base name
// before any '@' variant suffix.
func listTargetsForBucketPath(ctx context.Context, d *Deps, bp bucketpath.BucketPath) ([]string, error) {
	prefix, err := bp.ListingPrefix()
	if err != nil {
		return nil, errors.Wrap(ErrConfigMissing, err.Error())
	}
	// The listing prefix is already dirname(bp). path.Dir would collapse a
	// scheme's "//", so only the part after it is walked up.
	listDir := path.Dir(prefix)
	if scheme, rest, ok := strings.Cut(prefix, "://"); ok {
		listDir = scheme + "://" + path.Dir(rest)
	}
	listURL := listDir + "/" + targetsListFileName

	data, err := d.Objects.ReadData(ctx, listURL)
	if err != nil {
		return nil, errors.Wrapf(ErrNotFound, "reading %s: %s", listURL, err.Error())
	}
	listed := parseTargetsList(string(data))

	entries, err := d.Objects.ListBlobs(ctx, listDir+"/")
	if err != nil {
		return nil, errors.Wrap(ErrTransport, err.Error())
	}
	present := make(map[string]bool, len(entries))
	for _, e := range entries {
		// ListBlobs returns every object under listDir; the first path
		// segment below it names the immediate subdirectory.
		child, _, _ := strings.Cut(strings.TrimPrefix(e, listDir+"/"), "/")
		base, _, _ := strings.Cut(child, "@")
		present[base] = true
	}

	var out []string
	for _, t := range listed {
		base, _, _ := strings.Cut(t, "@")
		if present[base] {
			out = append(out, t)
		}
	}
	return out, nil
}

func parseTargetsList(data string) []string {
	var out []string
	scanner := bufio.NewScanner(strings.NewReader(data))
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			out = append(out, line)
		}
	}
	return out
}
