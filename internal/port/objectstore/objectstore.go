// Package objectstore defines the S3-compatible storage port used to fetch
// extraction results and publish final output.
package objectstore

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/Strob0t/DocFlow/internal/domain"
)

// Store reads and writes whole objects.
type Store interface {
	Put(ctx context.Context, bucket, key string, r io.Reader, size int64, contentType string) error
	Get(ctx context.Context, bucket, key string) (io.ReadCloser, error)
}

// URI renders an s3:// reference.
func URI(bucket, key string) string {
	return "s3://" + bucket + "/" + key
}

// ParseURI splits an s3:// reference into bucket and key.
func ParseURI(uri string) (bucket, key string, err error) {
	rest, ok := strings.CutPrefix(uri, "s3://")
	if !ok {
		return "", "", fmt.Errorf("object uri %q: want s3://bucket/key: %w", uri, domain.ErrValidation)
	}
	bucket, key, ok = strings.Cut(rest, "/")
	if !ok || bucket == "" || key == "" {
		return "", "", fmt.Errorf("object uri %q: want s3://bucket/key: %w", uri, domain.ErrValidation)
	}
	return bucket, key, nil
}
