package reveal

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/gabriel-vasile/mimetype"
)

// Blob is fetched view-once content.
type Blob struct {
	ContentType string
	Data        []byte
}

// Handle is a locally scoped, displayable reference to revealed content.
type Handle interface {
	// Location is what a collaborator opens to display the content.
	Location() string
	// Release revokes the local reference. The controller calls it at most once.
	Release() error
}

// HandleFactory materializes a fetched blob into a displayable handle.
type HandleFactory func(token string, blob Blob) (Handle, error)

// TempFileHandles writes revealed blobs to private files under dir ("" uses the system temp dir).
// Releasing a handle deletes its file.
func TempFileHandles(dir string) HandleFactory {
	return func(token string, blob Blob) (Handle, error) {
		file, err := os.CreateTemp(dir, "reveal-*"+extensionFor(blob))
		if err != nil {
			return nil, fmt.Errorf("reveal: create handle: %w", err)
		}
		if _, err := file.Write(blob.Data); err != nil {
			_ = file.Close()
			_ = os.Remove(file.Name())
			return nil, fmt.Errorf("reveal: write handle: %w", err)
		}
		if err := file.Close(); err != nil {
			_ = os.Remove(file.Name())
			return nil, fmt.Errorf("reveal: close handle: %w", err)
		}
		return &fileHandle{path: file.Name()}, nil
	}
}

// MemoryHandles keeps revealed blobs in memory; Release drops the bytes.
func MemoryHandles() HandleFactory {
	return func(token string, blob Blob) (Handle, error) {
		data := make([]byte, len(blob.Data))
		copy(data, blob.Data)
		return &memoryHandle{location: "memory://" + token, data: data}, nil
	}
}

type fileHandle struct {
	path string
}

func (h *fileHandle) Location() string {
	return h.path
}

func (h *fileHandle) Release() error {
	if err := os.Remove(h.path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

type memoryHandle struct {
	mu       sync.Mutex
	location string
	data     []byte
}

func (h *memoryHandle) Location() string {
	return h.location
}

// Bytes returns the retained content, or nil once released.
func (h *memoryHandle) Bytes() []byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.data
}

func (h *memoryHandle) Release() error {
	h.mu.Lock()
	h.data = nil
	h.mu.Unlock()
	return nil
}

func extensionFor(blob Blob) string {
	contentType, _, _ := strings.Cut(blob.ContentType, ";")
	if contentType = strings.TrimSpace(contentType); contentType != "" {
		if detected := mimetype.Lookup(contentType); detected != nil {
			return detected.Extension()
		}
	}
	return mimetype.Detect(blob.Data).Extension()
}
