// Package storagetest provides an in-memory storage.Storage for tests.
package storagetest

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/radif/uploader/internal/storage"
)

// StoredObject is a copy of an object held by Memory.
type StoredObject struct {
	Data        []byte
	ContentType string
	Metadata    map[string]string
}

// Memory keeps objects in a map. It also implements http.Handler, serving
// each object at "/<key>", so URLs built from PublicBase resolve when the
// handler is mounted on an httptest.Server.
type Memory struct {
	// PublicBase is the URL prefix returned by PublicURL.
	PublicBase string
	// FailWith, when set, makes every Upload fail after reading FailAfter bytes.
	FailWith  error
	FailAfter int64

	mu      sync.Mutex
	objects map[string]StoredObject
	deleted []string
}

var _ storage.Storage = (*Memory)(nil)

// NewMemory returns an empty store.
func NewMemory(publicBase string) *Memory {
	return &Memory{
		PublicBase: publicBase,
		objects:    make(map[string]StoredObject),
	}
}

// Upload reads the whole body and stores it under key.
func (m *Memory) Upload(ctx context.Context, key string, reader io.Reader, size int64, opts storage.Options) (*storage.Object, error) {
	var buf bytes.Buffer
	if m.FailWith != nil {
		if _, err := io.CopyN(&buf, reader, m.FailAfter); err != nil && err != io.EOF {
			return nil, err
		}
		return nil, m.FailWith
	}

	if _, err := io.Copy(&buf, reader); err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if size >= 0 && int64(buf.Len()) != size {
		return nil, fmt.Errorf("size mismatch: declared %d, read %d", size, buf.Len())
	}

	meta := make(map[string]string, len(opts.Metadata))
	for k, v := range opts.Metadata {
		meta[k] = v
	}

	m.mu.Lock()
	m.objects[key] = StoredObject{Data: buf.Bytes(), ContentType: opts.ContentType, Metadata: meta}
	m.mu.Unlock()

	sum := md5.Sum(buf.Bytes())
	return &storage.Object{Key: key, ETag: hex.EncodeToString(sum[:])}, nil
}

// Delete removes key and records the call.
func (m *Memory) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	m.deleted = append(m.deleted, key)
	return nil
}

// PublicURL joins PublicBase and the escaped key.
func (m *Memory) PublicURL(key string) string {
	return storage.JoinURL(m.PublicBase, key)
}

// Get returns the object stored under key.
func (m *Memory) Get(key string) (StoredObject, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	obj, ok := m.objects[key]
	return obj, ok
}

// Len returns the number of stored objects.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.objects)
}

// Deleted returns the keys passed to Delete, in call order.
func (m *Memory) Deleted() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.deleted...)
}

// ServeHTTP serves GET /<key>.
func (m *Memory) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	key, err := url.PathUnescape(strings.TrimPrefix(r.URL.EscapedPath(), "/"))
	if err != nil {
		http.Error(w, "bad key", http.StatusBadRequest)
		return
	}

	obj, ok := m.Get(key)
	if !ok {
		http.NotFound(w, r)
		return
	}
	if obj.ContentType != "" {
		w.Header().Set("Content-Type", obj.ContentType)
	}
	_, _ = w.Write(obj.Data)
}
