package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

var ErrInvalidMediaKey = errors.New("invalid media key")

// Media blobs stored as flat files under a base directory, named by random
// UUID plus the original extension.
type DiskMediaStore struct {
	basePath string
}

func NewDiskMediaStore(basePath string) (*DiskMediaStore, error) {
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create media directory: %w", err)
	}
	return &DiskMediaStore{basePath: basePath}, nil
}

func (ms *DiskMediaStore) path(key string) (string, error) {
	clean := filepath.Clean(key)
	if key == "" || clean != key || strings.Contains(clean, "..") || strings.ContainsAny(clean, `/\`) {
		return "", fmt.Errorf("%w: %q", ErrInvalidMediaKey, key)
	}
	return filepath.Join(ms.basePath, clean), nil
}

// Writes the blob and returns its key. The extension of filename (if any)
// is kept, lower-cased.
func (ms *DiskMediaStore) Put(data []byte, filename string) (string, error) {
	ext := strings.ToLower(filepath.Ext(filename))
	if strings.ContainsAny(ext, `/\`) || len(ext) > 10 {
		ext = ""
	}
	key := uuid.New().String() + ext
	full := filepath.Join(ms.basePath, key)
	if err := os.WriteFile(full, data, 0644); err != nil {
		os.Remove(full)
		return "", fmt.Errorf("failed to save media: %w", err)
	}
	return key, nil
}

func (ms *DiskMediaStore) Get(key string) ([]byte, error) {
	full, err := ms.path(key)
	if err != nil {
		return nil, err
	}
	b, err := os.ReadFile(full)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read media: %w", err)
	}
	return b, nil
}

// Deleting a missing blob is not an error.
func (ms *DiskMediaStore) Delete(key string) error {
	full, err := ms.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(full); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to delete media: %w", err)
	}
	return nil
}
