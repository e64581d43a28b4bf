package upload

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/MarcoPoloResearchLab/chatroom/internal/protocol"
)

var pngHeader = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n', 0, 0, 0, 0x0d, 'I', 'H', 'D', 'R'}

type receivedUpload struct {
	name     string
	data     []byte
	viewOnce string
}

func newUploadServer(t *testing.T, status int, body any) (*httptest.Server, <-chan receivedUpload) {
	t.Helper()
	received := make(chan receivedUpload, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/upload" {
			http.NotFound(w, r)
			return
		}
		file, header, err := r.FormFile("file")
		if err != nil {
			t.Errorf("expected multipart file: %v", err)
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		data, _ := io.ReadAll(file)
		received <- receivedUpload{name: header.Filename, data: data, viewOnce: r.FormValue("view_once")}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(body)
	}))
	t.Cleanup(server.Close)
	return server, received
}

func TestUploadImage(t *testing.T) {
	server, received := newUploadServer(t, http.StatusOK, map[string]string{"url": "/uploads/cat.png"})
	coordinator, err := NewCoordinator(CoordinatorConfig{BaseURL: server.URL})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}

	content := append(append([]byte(nil), pngHeader...), bytes.Repeat([]byte{1}, 5000)...)
	descriptor, err := coordinator.Upload(context.Background(), File{Name: "/tmp/cat.png", Reader: bytes.NewReader(content)}, false)
	if err != nil {
		t.Fatalf("unexpected upload error: %v", err)
	}

	upload := <-received
	if upload.name != "cat.png" || !bytes.Equal(upload.data, content) || upload.viewOnce != "" {
		t.Fatalf("unexpected upload name=%q bytes=%d view_once=%q", upload.name, len(upload.data), upload.viewOnce)
	}
	if descriptor.Kind != protocol.MediaImage || descriptor.Reference != "/uploads/cat.png" || descriptor.ViewOnce {
		t.Fatalf("unexpected descriptor %#v", descriptor)
	}
	intent := descriptor.Intent()
	if intent.ViewOnce || intent.Content != "<img src='/uploads/cat.png' alt='image' />" {
		t.Fatalf("unexpected intent %#v", intent)
	}
}

func TestUploadViewOnce(t *testing.T) {
	server, received := newUploadServer(t, http.StatusOK, map[string]string{"url": "/view/abc123", "token": "abc123"})
	coordinator, err := NewCoordinator(CoordinatorConfig{BaseURL: server.URL + "/"})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}

	descriptor, err := coordinator.Upload(context.Background(), File{Name: "notes.txt", Reader: strings.NewReader("plain text")}, true)
	if err != nil {
		t.Fatalf("unexpected upload error: %v", err)
	}
	if upload := <-received; upload.viewOnce != "true" {
		t.Fatalf("expected view_once=true, got %q", upload.viewOnce)
	}
	if !descriptor.ViewOnce || descriptor.Token != "abc123" || descriptor.Kind != protocol.MediaOther {
		t.Fatalf("unexpected descriptor %#v", descriptor)
	}
	intent := descriptor.Intent()
	if !intent.ViewOnce {
		t.Fatalf("expected view-once intent")
	}
	if token, ok := protocol.ExtractRevealToken(intent.Content); !ok || token != "abc123" {
		t.Fatalf("expected reveal token in content %q", intent.Content)
	}
}

func TestUploadFailures(t *testing.T) {
	testCases := []struct {
		name   string
		status int
		body   any
		code   string
	}{
		{name: "server error", status: http.StatusInternalServerError, body: map[string]string{"error": "boom"}, code: "upload.upload.unexpected_status"},
		{name: "missing url", status: http.StatusOK, body: map[string]string{}, code: "upload.upload.missing_url"},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			server, _ := newUploadServer(t, testCase.status, testCase.body)
			coordinator, err := NewCoordinator(CoordinatorConfig{BaseURL: server.URL})
			if err != nil {
				t.Fatalf("unexpected constructor error: %v", err)
			}
			_, err = coordinator.Upload(context.Background(), File{Name: "a.txt", Reader: strings.NewReader("a")}, false)
			if !errors.Is(err, ErrUploadFailed) {
				t.Fatalf("expected ErrUploadFailed, got %v", err)
			}
			var uploadErr *Error
			if !errors.As(err, &uploadErr) || uploadErr.Code() != testCase.code {
				t.Fatalf("expected code %s, got %v", testCase.code, err)
			}
		})
	}
}

func TestUploadUnreachableServer(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	baseURL := server.URL
	server.Close()

	coordinator, err := NewCoordinator(CoordinatorConfig{BaseURL: baseURL})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}
	_, err = coordinator.Upload(context.Background(), File{Name: "a.txt", Reader: strings.NewReader("a")}, false)
	if !errors.Is(err, ErrUploadFailed) {
		t.Fatalf("expected ErrUploadFailed, got %v", err)
	}
}

func TestUploadRequiresReader(t *testing.T) {
	coordinator, err := NewCoordinator(CoordinatorConfig{BaseURL: "http://localhost"})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}
	if _, err := coordinator.Upload(context.Background(), File{Name: "a"}, false); !errors.Is(err, ErrUploadFailed) {
		t.Fatalf("expected ErrUploadFailed, got %v", err)
	}
}

func TestKindOf(t *testing.T) {
	testCases := map[string]protocol.MediaKind{
		"image/png":                 protocol.MediaImage,
		"video/mp4":                 protocol.MediaVideo,
		"VIDEO/WebM; codecs=vp9":    protocol.MediaVideo,
		"text/plain; charset=utf-8": protocol.MediaOther,
		"":                          protocol.MediaOther,
	}
	for contentType, want := range testCases {
		if got := KindOf(contentType); got != want {
			t.Fatalf("KindOf(%q) = %s, want %s", contentType, got, want)
		}
	}
}
