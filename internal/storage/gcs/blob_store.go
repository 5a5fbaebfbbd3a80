// Package gcs mirrors artifacts into a Google Cloud Storage bucket.
package gcs

import (
	"context"
	"fmt"
	"io"
	"path"
	"strings"

	"cloud.google.com/go/storage"
)

// Config captures the bucket and optional object prefix.
type Config struct {
	Bucket string
	Prefix string
}

// BlobStore writes artifacts to a configured GCS bucket.
type BlobStore struct {
	client *storage.Client
	bucket string
	prefix string
}

// New creates a GCS-backed blob store.
func New(client *storage.Client, cfg Config) (*BlobStore, error) {
	if client == nil {
		return nil, fmt.Errorf("storage client is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	return &BlobStore{
		client: client,
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
	}, nil
}

// ObjectName maps an artifact path to its object key.
func (s *BlobStore) ObjectName(p string) string {
	return objectName(s.prefix, p)
}

// PutObject uploads one artifact and returns its gs:// URI. The first path
// segment is the job folder and is stored as object metadata so a bucket
// listing can be filtered per job.
func (s *BlobStore) PutObject(ctx context.Context, p string, contentType string, r io.Reader) (string, error) {
	if strings.TrimSpace(p) == "" {
		return "", fmt.Errorf("path is required")
	}
	name := s.ObjectName(p)
	w := s.client.Bucket(s.bucket).Object(name).NewWriter(ctx)
	w.ContentType = contentType
	w.ContentDisposition = fmt.Sprintf("attachment; filename=%q", path.Base(name))
	if folder := folderOf(p); folder != "" {
		w.Metadata = map[string]string{"folder": folder}
	}
	if _, err := io.Copy(w, r); err != nil {
		// Close aborts the resumable upload; its error adds nothing.
		_ = w.Close()
		return "", fmt.Errorf("upload %s: %w", name, err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("finalize %s: %w", name, err)
	}
	return "gs://" + s.bucket + "/" + name, nil
}

func folderOf(p string) string {
	p = strings.TrimPrefix(path.Clean("/"+p), "/")
	folder, _, found := strings.Cut(p, "/")
	if !found {
		return ""
	}
	return folder
}

func objectName(prefix, p string) string {
	p = strings.TrimPrefix(path.Clean("/"+p), "/")
	if prefix == "" {
		return p
	}
	return prefix + "/" + p
}
