// Package upload sends media to the room server and describes the result for a chat message.
package upload

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/chatroom/internal/protocol"
)

// FailureNotice is the single user-facing message for any failed upload.
const FailureNotice = "Upload failed. Please try again."

const (
	defaultUploadTimeout = 60 * time.Second
	sniffBytes           = 3072
	maxResponseBytes     = 64 << 10
)

const (
	opCoordinatorNew = "upload.coordinator.new"
	opUpload         = "upload.upload"
)

var (
	// ErrUploadFailed matches every error returned by Coordinator.Upload.
	ErrUploadFailed = errors.New("upload: failed")

	errMissingBaseURL = errors.New("base url is required")
	errMissingFile    = errors.New("file reader is required")
	errMissingURL     = errors.New("response carried no url")
	noOpLogger        = zap.NewNop()
)

// Error reports an upload failure with an operation.reason code.
type Error struct {
	code string
	err  error
}

func (e *Error) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *Error) Unwrap() error {
	return e.err
}

// Is makes every upload Error match ErrUploadFailed.
func (e *Error) Is(target error) bool {
	return target == ErrUploadFailed
}

func (e *Error) Code() string {
	return e.code
}

func newError(operation, reason string, cause error) error {
	return &Error{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// File is the content to upload.
type File struct {
	Name   string
	Reader io.Reader
}

// Descriptor describes uploaded content for inclusion in a chat message.
type Descriptor struct {
	Kind      protocol.MediaKind
	Reference string
	Name      string
	ViewOnce  bool
	Token     string
}

// Intent formats the descriptor as an outbound chat message.
func (d Descriptor) Intent() protocol.SendMessage {
	return protocol.SendMessage{
		Content:  protocol.FormatMedia(d.Kind, d.Reference, d.Name),
		ViewOnce: d.ViewOnce,
	}
}

// CoordinatorConfig describes the collaborators of a Coordinator.
type CoordinatorConfig struct {
	BaseURL    string
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// Coordinator posts files to <base>/upload.
type Coordinator struct {
	endpoint   string
	httpClient *http.Client
	logger     *zap.Logger
}

type uploadResponse struct {
	URL   string `json:"url"`
	Token string `json:"token"`
}

// NewCoordinator constructs a Coordinator.
func NewCoordinator(cfg CoordinatorConfig) (*Coordinator, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, newError(opCoordinatorNew, "missing_base_url", errMissingBaseURL)
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, newError(opCoordinatorNew, "invalid_base_url", err)
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: defaultUploadTimeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Coordinator{endpoint: baseURL + "/upload", httpClient: client, logger: logger}, nil
}

// Upload sends file as multipart field "file", flagged view_once when requested. No retry is
// attempted; every failure matches ErrUploadFailed.
func (c *Coordinator) Upload(ctx context.Context, file File, viewOnce bool) (Descriptor, error) {
	if file.Reader == nil {
		return Descriptor{}, newError(opUpload, "missing_file", errMissingFile)
	}
	name := filepath.Base(strings.TrimSpace(file.Name))
	if name == "." || name == string(filepath.Separator) {
		name = "upload"
	}

	header := make([]byte, sniffBytes)
	n, err := io.ReadFull(file.Reader, header)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		c.logError("read_failed", err, zap.String("name", name))
		return Descriptor{}, newError(opUpload, "read_failed", err)
	}
	header = header[:n]
	kind := KindOf(mimetype.Detect(header).String())
	body := io.MultiReader(bytes.NewReader(header), file.Reader)

	pipeReader, pipeWriter := io.Pipe()
	defer pipeReader.Close()
	form := multipart.NewWriter(pipeWriter)
	go func() {
		pipeWriter.CloseWithError(writeForm(form, name, body, viewOnce))
	}()

	request, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, pipeReader)
	if err != nil {
		c.logError("request_build_failed", err)
		return Descriptor{}, newError(opUpload, "request_build_failed", err)
	}
	request.Header.Set("Content-Type", form.FormDataContentType())

	response, err := c.httpClient.Do(request)
	if err != nil {
		c.logError("request_failed", err, zap.String("name", name))
		return Descriptor{}, newError(opUpload, "request_failed", err)
	}
	defer response.Body.Close()

	if response.StatusCode < http.StatusOK || response.StatusCode >= http.StatusMultipleChoices {
		statusErr := fmt.Errorf("status %d", response.StatusCode)
		c.logError("unexpected_status", statusErr, zap.String("name", name))
		return Descriptor{}, newError(opUpload, "unexpected_status", statusErr)
	}

	var payload uploadResponse
	if err := json.NewDecoder(io.LimitReader(response.Body, maxResponseBytes)).Decode(&payload); err != nil {
		c.logError("decode_failed", err)
		return Descriptor{}, newError(opUpload, "decode_failed", err)
	}
	reference := strings.TrimSpace(payload.URL)
	if reference == "" {
		c.logError("missing_url", errMissingURL)
		return Descriptor{}, newError(opUpload, "missing_url", errMissingURL)
	}

	descriptor := Descriptor{Kind: kind, Reference: reference, Name: name}
	if viewOnce {
		token := strings.TrimSpace(payload.Token)
		if token == "" {
			token, _ = protocol.ExtractRevealToken(reference)
		}
		descriptor.Token = token
		descriptor.ViewOnce = token != ""
	}
	c.logger.Debug("upload completed",
		zap.String("name", name),
		zap.String("kind", string(kind)),
		zap.Bool("view_once", descriptor.ViewOnce))
	return descriptor, nil
}

// KindOf classifies a content type as image, video or other.
func KindOf(contentType string) protocol.MediaKind {
	mediaType, _, _ := strings.Cut(strings.ToLower(strings.TrimSpace(contentType)), ";")
	switch {
	case strings.HasPrefix(mediaType, "image/"):
		return protocol.MediaImage
	case strings.HasPrefix(mediaType, "video/"):
		return protocol.MediaVideo
	default:
		return protocol.MediaOther
	}
}

func writeForm(form *multipart.Writer, name string, body io.Reader, viewOnce bool) error {
	part, err := form.CreateFormFile("file", name)
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, body); err != nil {
		return err
	}
	if viewOnce {
		if err := form.WriteField("view_once", "true"); err != nil {
			return err
		}
	}
	return form.Close()
}

func (c *Coordinator) logError(reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", opUpload),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	c.logger.Error("upload error", attrs...)
}
