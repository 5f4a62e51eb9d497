// Package storage defines the interface for object storage operations.
// Swap implementations by changing the concrete type injected at startup:
// the S3 driver talks to AWS through aws-sdk-go-v2, the MinIO driver works
// with any S3-compatible provider (MinIO, ArvanCloud, AWS S3).
package storage

import (
	"context"
	"io"
	"net/url"
	"strings"
)

// Options describe the object being written.
type Options struct {
	ContentType string
	Metadata    map[string]string
}

// Object is what the backend reports after a successful write.
type Object struct {
	Key string
	// Location is the URL reported by the backend, empty when it reports none
	// or when a public base overrides it.
	Location string
	ETag     string
}

// Storage is the interface for uploading objects.
type Storage interface {
	// Upload streams data to the store under the given key. size is -1 when
	// the length is not known up front.
	Upload(ctx context.Context, key string, reader io.Reader, size int64, opts Options) (*Object, error)
	// Delete removes an object identified by key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
	// PublicURL constructs the browser-accessible URL for a given key.
	PublicURL(key string) string
}

// EscapeKey percent-encodes each path segment of key, keeping the slashes.
func EscapeKey(key string) string {
	segments := strings.Split(key, "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	return strings.Join(segments, "/")
}

// JoinURL appends an escaped key to base.
func JoinURL(base, key string) string {
	return strings.TrimRight(base, "/") + "/" + EscapeKey(key)
}
