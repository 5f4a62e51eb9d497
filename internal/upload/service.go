// Package upload implements the upload ingestion pipeline: it names an
// incoming file, streams it into object storage and reports where it landed.
package upload

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"

	"github.com/radif/uploader/internal/filename"
	"github.com/radif/uploader/internal/storage"
)

// ErrNoFile is returned when a request carries no file under the upload field.
var ErrNoFile = errors.New("no file uploaded")

// TransferError wraps a failure while streaming a file to the store.
type TransferError struct {
	Key string
	Err error
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("transfer %q: %v", e.Key, e.Err)
}

func (e *TransferError) Unwrap() error { return e.Err }

// ContentTypePolicy selects where the stored object's content type comes from.
type ContentTypePolicy string

const (
	// ContentTypeAuto sniffs the leading bytes of the file.
	ContentTypeAuto ContentTypePolicy = "auto"
	// ContentTypeDeclared trusts the part's Content-Type header.
	ContentTypeDeclared ContentTypePolicy = "declared"
)

const (
	defaultContentType = "application/octet-stream"
	sniffLen           = 3072
	cleanupTimeout     = 10 * time.Second
)

// Metadata keys attached to every stored object.
const (
	MetaFieldName  = "fieldname"
	MetaUploadID   = "upload-id"
	MetaUploadedBy = "uploaded-by"
)

// File is a single file part taken from a request.
type File struct {
	FieldName   string
	Filename    string // as sent by the client, untrusted
	ContentType string // as declared by the client
	Body        io.Reader
	// UploadedBy is the authenticated subject, empty for anonymous uploads.
	UploadedBy string
}

// Result describes a stored object.
type Result struct {
	Key          string
	URL          string
	OriginalName string
	ContentType  string
	ETag         string
	UploadID     string
}

// Options configure a Service. Zero values select the defaults.
type Options struct {
	Normalizer      *filename.Normalizer
	Keys            KeyGenerator
	ContentTypes    ContentTypePolicy
	TransferTimeout time.Duration
	Logger          *slog.Logger
	Now             func() time.Time
}

// Service runs uploads against a store. It keeps no per-request state and
// is safe for concurrent use.
type Service struct {
	store        storage.Storage
	normalizer   *filename.Normalizer
	keys         KeyGenerator
	contentTypes ContentTypePolicy
	timeout      time.Duration
	logger       *slog.Logger
	now          func() time.Time
}

// NewService creates a new upload Service.
func NewService(store storage.Storage, opts Options) *Service {
	s := &Service{
		store:        store,
		normalizer:   opts.Normalizer,
		keys:         opts.Keys,
		contentTypes: opts.ContentTypes,
		timeout:      opts.TransferTimeout,
		logger:       opts.Logger,
		now:          opts.Now,
	}
	if s.normalizer == nil {
		s.normalizer = filename.MustNew(filename.DefaultScripts...)
	}
	if s.keys.Policy == "" {
		s.keys.Policy = KeyPolicyTimestamp
	}
	if s.contentTypes == "" {
		s.contentTypes = ContentTypeAuto
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// Upload names f, streams its body to the store and returns the stored
// object's URL. The key is computed before any byte is sent. On failure the
// returned error is a *TransferError.
func (s *Service) Upload(ctx context.Context, f File) (*Result, error) {
	key := s.keys.Make(s.normalizer.Normalize(f.Filename), s.now())
	uploadID := uuid.NewString()

	logger := s.logger.With(slog.String("key", key), slog.String("upload_id", uploadID))

	body, contentType, err := s.prepare(f)
	if err != nil {
		logger.Error("upload: read file", slog.Any("error", err))
		return nil, &TransferError{Key: key, Err: err}
	}

	meta := map[string]string{
		MetaFieldName: f.FieldName,
		MetaUploadID:  uploadID,
	}
	if f.UploadedBy != "" {
		meta[MetaUploadedBy] = f.UploadedBy
	}

	tctx := ctx
	if s.timeout > 0 {
		var cancel context.CancelFunc
		tctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	start := time.Now()
	obj, err := s.store.Upload(tctx, key, body, -1, storage.Options{
		ContentType: contentType,
		Metadata:    meta,
	})
	if err != nil {
		logger.Error("upload: transfer failed",
			slog.Any("error", err),
			slog.Duration("elapsed", time.Since(start)),
		)
		s.discard(ctx, logger, key)
		return nil, &TransferError{Key: key, Err: err}
	}

	url := obj.Location
	if url == "" {
		url = s.store.PublicURL(key)
	}

	logger.Info("upload: stored",
		slog.String("content_type", contentType),
		slog.Duration("elapsed", time.Since(start)),
	)

	return &Result{
		Key:          key,
		URL:          url,
		OriginalName: f.Filename,
		ContentType:  contentType,
		ETag:         obj.ETag,
		UploadID:     uploadID,
	}, nil
}

// prepare resolves the content type and returns a reader that still yields
// the complete body.
func (s *Service) prepare(f File) (io.Reader, string, error) {
	declared := strings.TrimSpace(f.ContentType)

	if s.contentTypes == ContentTypeDeclared {
		if declared == "" {
			declared = defaultContentType
		}
		return f.Body, declared, nil
	}

	head := make([]byte, sniffLen)
	n, err := io.ReadFull(f.Body, head)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		return nil, "", err
	}
	head = head[:n]

	contentType := mimetype.Detect(head).String()
	if contentType == defaultContentType && declared != "" {
		contentType = declared
	}
	return io.MultiReader(bytes.NewReader(head), f.Body), contentType, nil
}

// discard deletes key after a failed transfer so that bytes which did reach
// the backend are not left addressable. Only done when keys are unique per
// request; otherwise the delete could hit another upload's object.
func (s *Service) discard(ctx context.Context, logger *slog.Logger, key string) {
	if !s.keys.Unique() {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()
	if err := s.store.Delete(ctx, key); err != nil {
		logger.Warn("upload: cleanup after failed transfer", slog.Any("error", err))
	}
}
