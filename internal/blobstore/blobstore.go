// Copyright 2025 Google LLC
// SPDX-License-Identifier: Apache-2.0

// Package blobstore retrieves opaque, key-addressed blobs (custom binaries
// uploaded out-of-band) from a single GCS bucket, as distinct from
// internal/objstore's hierarchical, gs://-URL-addressed archives.
package blobstore

import (
	"context"
	"io"
	"os"
	"path"

	gcs "cloud.google.com/go/storage"
	"github.com/pkg/errors"
	"google.golang.org/api/option"
)

// Store retrieves a blob identified by an opaque key to a local path.
type Store interface {
	ReadBlobToDisk(ctx context.Context, key, localPath string) (bool, error)
}

// GCSStore is the Store implementation backed by a single GCS bucket.
type GCSStore struct {
	gcs    *gcs.Client
	bucket string
}

// NewGCSStore constructs a GCSStore reading blobs from bucket.
func NewGCSStore(ctx context.Context, bucket string, opts ...option.ClientOption) (*GCSStore, error) {
	c, err := gcs.NewClient(ctx, opts...)
	if err != nil {
		return nil, errors.Wrap(err, "creating GCS client")
	}
	return &GCSStore{gcs: c, bucket: bucket}, nil
}

// ReadBlobToDisk downloads the blob named key to localPath. It returns
// (false, nil) if the blob does not exist, so callers can distinguish "not
// found" from a transport error without inspecting error chains.
func (s *GCSStore) ReadBlobToDisk(ctx context.Context, key, localPath string) (bool, error) {
	r, err := s.gcs.Bucket(s.bucket).Object(key).NewReader(ctx)
	if errors.Is(err, gcs.ErrObjectNotExist) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrapf(err, "creating reader for blob %q", key)
	}
	defer r.Close()
	if err := os.MkdirAll(path.Dir(localPath), 0o755); err != nil {
		return false, errors.Wrapf(err, "creating parent of %s", localPath)
	}
	f, err := os.Create(localPath)
	if err != nil {
		return false, errors.Wrapf(err, "creating %s", localPath)
	}
	defer f.Close()
	if _, err := io.Copy(f, r); err != nil {
		return false, errors.Wrapf(err, "downloading blob %q to %s", key, localPath)
	}
	return true, nil
}

var _ Store = &GCSStore{}
