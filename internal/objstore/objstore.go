// Copyright 2025 Google LLC
// SPDX-License-Identifier: Apache-2.0

// Package objstore is a thin, GCS-backed implementation of the object-store
// contract used throughout build provisioning: listing, sizing, and
// downloading archives named by gs:// URLs.
package objstore

import (
	"context"
	"io"
	"os"
	"path"
	"strings"
	"time"

	gcs "cloud.google.com/go/storage"
	"github.com/pkg/errors"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/google/fuzzbuild/internal/syncx"
)

// Client lists and retrieves objects named by gs:// URLs.
type Client interface {
	ListBlobs(ctx context.Context, prefix string) ([]string, error)
	ObjectSize(ctx context.Context, url string) (int64, error)
	CopyFileFrom(ctx context.Context, url, localPath string) error
	Updated(ctx context.Context, url string) (time.Time, error)
	ReadData(ctx context.Context, url string) ([]byte, error)
	BucketAndPath(url string) (bucket, path string, err error)
}

// GCSClient is the Client implementation backed by
// cloud.google.com/go/storage.
type GCSClient struct {
	gcs   *gcs.Client
	attrs *syncx.Map[string, *gcs.ObjectAttrs]
}

// NewGCSClient constructs a GCSClient using the given client options (e.g.
// option.WithCredentialsFile, option.WithHTTPClient for tests).
func NewGCSClient(ctx context.Context, opts ...option.ClientOption) (*GCSClient, error) {
	c, err := gcs.NewClient(ctx, opts...)
	if err != nil {
		return nil, errors.Wrap(err, "creating GCS client")
	}
	return &GCSClient{gcs: c, attrs: &syncx.Map[string, *gcs.ObjectAttrs]{}}, nil
}

// BucketAndPath splits a gs://bucket/path/to/object URL into its bucket and
// object-path components.
func (c *GCSClient) BucketAndPath(url string) (bucket, objPath string, err error) {
	trimmed := strings.TrimPrefix(url, "gs://")
	if trimmed == url {
		return "", "", errors.Errorf("not a gs:// URL: %q", url)
	}
	bucket, objPath, ok := strings.Cut(trimmed, "/")
	if !ok || objPath == "" {
		return "", "", errors.Errorf("gs:// URL missing object path: %q", url)
	}
	return bucket, objPath, nil
}

// ListBlobs lists object URLs whose full gs:// URL starts with prefix.
func (c *GCSClient) ListBlobs(ctx context.Context, prefix string) ([]string, error) {
	bucket, objPrefix, err := c.BucketAndPath(prefix)
	if err != nil {
		return nil, err
	}
	it := c.gcs.Bucket(bucket).Objects(ctx, &gcs.Query{Prefix: objPrefix})
	var urls []string
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, errors.Wrap(err, "iterating over objects")
		}
		urls = append(urls, "gs://"+path.Join(bucket, attrs.Name))
	}
	return urls, nil
}

func (c *GCSClient) attrsFor(ctx context.Context, url string) (*gcs.ObjectAttrs, error) {
	if a, ok := c.attrs.Load(url); ok {
		return a, nil
	}
	bucket, objPath, err := c.BucketAndPath(url)
	if err != nil {
		return nil, err
	}
	a, err := c.gcs.Bucket(bucket).Object(objPath).Attrs(ctx)
	if err != nil {
		if errors.Is(err, gcs.ErrObjectNotExist) {
			return nil, errors.Wrapf(err, "object not found: %s", url)
		}
		return nil, errors.Wrapf(err, "getting attrs for %s", url)
	}
	c.attrs.Store(url, a)
	return a, nil
}

// ObjectSize returns the size in bytes of the object at url.
func (c *GCSClient) ObjectSize(ctx context.Context, url string) (int64, error) {
	a, err := c.attrsFor(ctx, url)
	if err != nil {
		return 0, err
	}
	return a.Size, nil
}

// Updated returns the last-modified time of the object at url.
func (c *GCSClient) Updated(ctx context.Context, url string) (time.Time, error) {
	a, err := c.attrsFor(ctx, url)
	if err != nil {
		return time.Time{}, err
	}
	return a.Updated, nil
}

// ReadData reads the full contents of the object at url into memory.
func (c *GCSClient) ReadData(ctx context.Context, url string) ([]byte, error) {
	bucket, objPath, err := c.BucketAndPath(url)
	if err != nil {
		return nil, err
	}
	r, err := c.gcs.Bucket(bucket).Object(objPath).NewReader(ctx)
	if err != nil {
		return nil, errors.Wrapf(err, "creating reader for %s", url)
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, errors.Wrapf(err, "reading %s", url)
	}
	return data, nil
}

// CopyFileFrom streams the object at url into a new local file at
// localPath, creating parent directories as needed.
func (c *GCSClient) CopyFileFrom(ctx context.Context, url, localPath string) error {
	bucket, objPath, err := c.BucketAndPath(url)
	if err != nil {
		return err
	}
	r, err := c.gcs.Bucket(bucket).Object(objPath).NewReader(ctx)
	if err != nil {
		return errors.Wrapf(err, "creating reader for %s", url)
	}
	defer r.Close()
	if err := os.MkdirAll(path.Dir(localPath), 0o755); err != nil {
		return errors.Wrapf(err, "creating parent of %s", localPath)
	}
	f, err := os.Create(localPath)
	if err != nil {
		return errors.Wrapf(err, "creating %s", localPath)
	}
	defer f.Close()
	if _, err := io.Copy(f, r); err != nil {
		return errors.Wrapf(err, "downloading %s to %s", url, localPath)
	}
	return nil
}

var _ Client = &GCSClient{}
