// Copyright 2025 Google LLC
// SPDX-License-Identifier: Apache-2.0

package objstore

import "testing"

func TestBucketAndPath(t *testing.T) {
	c := &GCSClient{}
	bucket, p, err := c.BucketAndPath("gs://my-bucket/builds/build-42.zip")
	if err != nil {
		t.Fatalf("BucketAndPath() failed: %v", err)
	}
	if bucket != "my-bucket" || p != "builds/build-42.zip" {
		t.Fatalf("BucketAndPath() = (%q, %q), want (my-bucket, builds/build-42.zip)", bucket, p)
	}
}

func TestBucketAndPath_RejectsNonGCSURL(t *testing.T) {
	c := &GCSClient{}
	if _, _, err := c.BucketAndPath("https://example.com/build-42.zip"); err == nil {
		t.Fatal("BucketAndPath() succeeded on non-gs:// URL, want error")
	}
}

func TestBucketAndPath_RejectsMissingObjectPath(t *testing.T) {
	c := &GCSClient{}
	if _, _, err := c.BucketAndPath("gs://my-bucket"); err == nil {
		t.Fatal("BucketAndPath() succeeded with no object path, want error")
	}
}
