package upload

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"mime/multipart"
	"net/http"

	chiMiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/radif/uploader/internal/middleware"
	"github.com/radif/uploader/internal/response"
)

// Client-facing error categories.
const (
	MsgNoFile       = "No file uploaded"
	MsgUploadFailed = "Upload failed"
	MsgTooLarge     = "File too large"
	MsgUploaded     = "File uploaded successfully"

	// hiddenDetail replaces the diagnostic message when details are not exposed.
	hiddenDetail = "the file could not be stored"
)

// DefaultFieldName is the multipart field the file is read from.
const DefaultFieldName = "image"

// ErrTooLarge is wrapped by errors caused by a body over the configured
// limit. Its text leads the message of 413 responses.
var ErrTooLarge = errors.New("file too large")

// HandlerConfig configures a Handler.
type HandlerConfig struct {
	FieldName string
	// MaxBytes caps the request body; 0 disables the cap.
	MaxBytes int64
	// ExposeErrors includes the backend error text in 500 responses.
	ExposeErrors bool
	Logger       *slog.Logger
}

// Handler holds the HTTP handler for the upload endpoint.
type Handler struct {
	svc          *Service
	fieldName    string
	maxBytes     int64
	exposeErrors bool
	logger       *slog.Logger
}

// NewHandler creates a new upload Handler.
func NewHandler(svc *Service, cfg HandlerConfig) *Handler {
	h := &Handler{
		svc:          svc,
		fieldName:    cfg.FieldName,
		maxBytes:     cfg.MaxBytes,
		exposeErrors: cfg.ExposeErrors,
		logger:       cfg.Logger,
	}
	if h.fieldName == "" {
		h.fieldName = DefaultFieldName
	}
	if h.logger == nil {
		h.logger = slog.Default()
	}
	return h
}

// Upload godoc
//
//	@Summary		Upload a file
//	@Description	Streams one multipart file into object storage under uploads/<unix-millis>-<normalized name> and returns its public URL.
//	@Tags			upload
//	@Accept			multipart/form-data
//	@Produce		json
//	@Security		BearerAuth
//	@Param			image	formData	file	true	"File to store (field name is configurable)"
//	@Success		200		{object}	response.Envelope
//	@Failure		400		{object}	response.Envelope
//	@Failure		401		{object}	response.Envelope
//	@Failure		413		{object}	response.Envelope
//	@Failure		429		{object}	response.Envelope
//	@Failure		500		{object}	response.Envelope
//	@Router			/upload [post]
func (h *Handler) Upload(w http.ResponseWriter, r *http.Request) {
	if h.maxBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.maxBytes)
	}

	part, err := h.filePart(r)
	if errors.Is(err, ErrNoFile) {
		h.logger.Warn("upload rejected: no file",
			slog.String("request_id", chiMiddleware.GetReqID(r.Context())),
			slog.String("field", h.fieldName),
		)
		response.BadRequest(w, MsgNoFile)
		return
	}
	if err != nil {
		h.fail(w, r, err)
		return
	}
	defer part.Close()

	subject, _ := middleware.SubjectFromContext(r.Context())

	res, err := h.svc.Upload(r.Context(), File{
		FieldName:   part.FormName(),
		Filename:    part.FileName(),
		ContentType: part.Header.Get("Content-Type"),
		Body:        part,
		UploadedBy:  subject,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}

	response.OK(w, response.Envelope{
		Message:      MsgUploaded,
		URL:          res.URL,
		Key:          res.Key,
		Filename:     res.Key,
		OriginalName: res.OriginalName,
	})
}

// filePart advances the multipart stream to the first file under the
// configured field. Other parts are drained and skipped. The returned part
// must be read before the request body is touched again.
func (h *Handler) filePart(r *http.Request) (*multipart.Part, error) {
	mr, err := r.MultipartReader()
	if errors.Is(err, http.ErrNotMultipart) || errors.Is(err, http.ErrMissingBoundary) {
		return nil, ErrNoFile
	}
	if err != nil {
		return nil, fmt.Errorf("read multipart body: %w", err)
	}

	for {
		part, err := mr.NextPart()
		// A bare io.EOF marks the closing boundary. A body that ends without
		// one comes back wrapped and is malformed.
		if err == io.EOF {
			return nil, ErrNoFile
		}
		if err != nil {
			return nil, fmt.Errorf("read multipart body: %w", err)
		}
		if part.FormName() == h.fieldName && isFile(part) {
			return part, nil
		}
		if err := part.Close(); err != nil {
			return nil, fmt.Errorf("skip part %q: %w", part.FormName(), err)
		}
	}
}

// isFile reports whether the part's Content-Disposition carries a filename
// parameter, even an empty one.
func isFile(p *multipart.Part) bool {
	_, params, err := mime.ParseMediaType(p.Header.Get("Content-Disposition"))
	if err != nil {
		return false
	}
	_, ok := params["filename"]
	return ok
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	reqID := chiMiddleware.GetReqID(r.Context())

	if tooLarge := h.tooLarge(r, err); tooLarge != nil {
		h.logger.Warn("upload rejected: body too large",
			slog.String("request_id", reqID),
			slog.Int64("limit", h.maxBytes),
		)
		response.Failure(w, http.StatusRequestEntityTooLarge, MsgTooLarge, tooLarge.Error())
		return
	}

	h.logger.Error("upload failed",
		slog.String("request_id", reqID),
		slog.Any("error", err),
	)

	msg := err.Error()
	if !h.exposeErrors {
		msg = hiddenDetail
	}
	response.Failure(w, http.StatusInternalServerError, MsgUploadFailed, msg)
}

// tooLarge returns err wrapped with ErrTooLarge when it was caused by the
// body limit, and nil otherwise. Storage clients do not always wrap read
// errors, so the limited body is asked directly as well: it keeps returning
// its error once tripped.
func (h *Handler) tooLarge(r *http.Request, err error) error {
	if h.maxBytes <= 0 {
		return nil
	}
	var limit *http.MaxBytesError
	if !errors.As(err, &limit) {
		if _, rerr := r.Body.Read(nil); !errors.As(rerr, &limit) {
			return nil
		}
	}
	return fmt.Errorf("%w: limit is %d bytes", ErrTooLarge, h.maxBytes)
}
