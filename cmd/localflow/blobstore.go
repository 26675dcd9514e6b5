package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// localBlobStore keeps pipeline blobs on the local filesystem, addressed by
// plain paths instead of gs:// URIs.
type localBlobStore struct{}

func (localBlobStore) Fetch(ctx context.Context, uri, destPath string) error {
	src, err := os.Open(uri)
	if err != nil {
		return fmt.Errorf("could not open blob %s: %w", uri, err)
	}
	defer src.Close()
	return writeTo(destPath, src)
}

func (localBlobStore) Save(ctx context.Context, uri string, r io.Reader) error {
	return writeTo(uri, r)
}

func writeTo(path string, r io.Reader) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("could not create directory for %s: %w", path, err)
	}
	dst, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("could not create %s: %w", path, err)
	}
	if _, err := io.Copy(dst, r); err != nil {
		dst.Close()
		return fmt.Errorf("could not write %s: %w", path, err)
	}
	return dst.Close()
}
