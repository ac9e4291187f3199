package settings

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

var (
	// ErrNotFound is returned by Store.Load when no document exists yet.
	ErrNotFound = errors.New("settings document not found")

	// ErrConflict is returned by Store.Save when the document changed since
	// it was loaded. The text carries the HTTP status so that text
	// classification treats it as a retryable race.
	ErrConflict = errors.New("settings write precondition failed (412 ConditionNotMet)")
)

// Document is a loaded settings document with its version tag.
type Document struct {
	Settings Settings
	ETag     string
}

// Store loads and saves the settings document with optimistic concurrency.
type Store interface {
	// Load returns the current document or ErrNotFound.
	Load(ctx context.Context) (*Document, error)

	// Save writes s if the stored document still has etag. An empty etag
	// requires that no document exists. It returns the new etag, or
	// ErrConflict when the precondition does not hold.
	Save(ctx context.Context, s Settings, etag string) (string, error)

	// Location describes where the document lives.
	Location() string
}

// FileStore keeps the document in a local JSON file.
type FileStore struct {
	path string
	mu   sync.Mutex
}

// NewFileStore returns a store for the file at path.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Location implements Store.
func (f *FileStore) Location() string {
	return f.path
}

// Load implements Store.
func (f *FileStore) Load(ctx context.Context) (*Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", f.path, err)
	}

	return decodeDocument(data, fileETag(data))
}

// Save implements Store.
func (f *FileStore) Save(ctx context.Context, s Settings, etag string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	current := ""
	data, err := os.ReadFile(f.path)
	switch {
	case err == nil:
		current = fileETag(data)
	case !errors.Is(err, os.ErrNotExist):
		return "", fmt.Errorf("failed to read %s: %w", f.path, err)
	}
	if current != etag {
		return "", ErrConflict
	}

	out, err := Encode(s)
	if err != nil {
		return "", err
	}

	if err := writeFileAtomic(f.path, out); err != nil {
		return "", fmt.Errorf("failed to write %s: %w", f.path, err)
	}

	return fileETag(out), nil
}

// Encode renders the document as indented JSON.
func Encode(s Settings) ([]byte, error) {
	out, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode settings: %w", err)
	}
	return append(out, '\n'), nil
}

// Decode parses a document.
func Decode(data []byte) (Settings, error) {
	var s Settings
	if err := json.Unmarshal(data, &s); err != nil {
		return Settings{}, fmt.Errorf("failed to decode settings: %w", err)
	}
	return s, nil
}

func decodeDocument(data []byte, etag string) (*Document, error) {
	s, err := Decode(data)
	if err != nil {
		return nil, err
	}
	return &Document{Settings: s, ETag: etag}, nil
}

func fileETag(data []byte) string {
	sum := sha256.Sum256(data)
	return `"` + hex.EncodeToString(sum[:]) + `"`
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".settings-*.json")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
