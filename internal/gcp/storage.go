package gcp

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
)

// GetEnv is a helper to read an environment variable or return a default value.
func GetEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

// NewStorageClient creates the GCS client shared by the worker functions.
func NewStorageClient(ctx context.Context) (*storage.Client, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage client: %w", err)
	}
	return client, nil
}

// GCSBlobStore reads and writes pipeline blobs (uploaded documents and
// split page units) addressed by gs:// URIs.
type GCSBlobStore struct {
	client *storage.Client
}

// NewGCSBlobStore wraps an existing GCS client.
func NewGCSBlobStore(client *storage.Client) *GCSBlobStore {
	return &GCSBlobStore{client: client}
}

// ParseGCSURI splits a gs://bucket/object URI.
func ParseGCSURI(uri string) (bucket, object string, err error) {
	trimmed, ok := strings.CutPrefix(uri, "gs://")
	if !ok {
		return "", "", fmt.Errorf("not a gs:// URI: %q", uri)
	}
	bucket, object, ok = strings.Cut(trimmed, "/")
	if !ok || bucket == "" || object == "" {
		return "", "", fmt.Errorf("malformed gs:// URI: %q", uri)
	}
	return bucket, object, nil
}

// Fetch streams the object behind uri into the local file at destPath.
func (b *GCSBlobStore) Fetch(ctx context.Context, uri, destPath string) error {
	bucket, object, err := ParseGCSURI(uri)
	if err != nil {
		return err
	}
	reader, err := b.client.Bucket(bucket).Object(object).NewReader(ctx)
	if err != nil {
		return fmt.Errorf("failed to open %s for reading: %w", uri, err)
	}
	defer reader.Close()

	dest, err := os.Create(destPath)
	if err != nil {
		return fmt.Errorf("failed to create local file %s: %w", destPath, err)
	}
	defer dest.Close()

	if _, err := io.Copy(dest, reader); err != nil {
		return fmt.Errorf("failed to download %s: %w", uri, err)
	}
	return dest.Close()
}

// Save writes r to the object behind uri only if it doesn't already exist.
// Saved objects are immutable per URI (a retried extraction re-splits the
// same source document), so an existing object means an earlier attempt
// already wrote it and counts as success.
func (b *GCSBlobStore) Save(ctx context.Context, uri string, r io.Reader) error {
	bucket, object, err := ParseGCSURI(uri)
	if err != nil {
		return err
	}
	writer := b.client.Bucket(bucket).Object(object).If(storage.Conditions{DoesNotExist: true}).NewWriter(ctx)
	if _, err := io.Copy(writer, r); err != nil {
		_ = writer.Close()
		if gerr, ok := err.(*googleapi.Error); ok && gerr.Code == 412 {
			slog.Info("Skipping write, object already exists", "object", object)
			return nil
		}
		return fmt.Errorf("failed to write to %s: %w", uri, err)
	}
	if err := writer.Close(); err != nil {
		if gerr, ok := err.(*googleapi.Error); ok && gerr.Code == 412 {
			slog.Info("Skipping write, object already exists", "object", object)
			return nil
		}
		return fmt.Errorf("failed to finalize write to %s: %w", uri, err)
	}
	return nil
}
