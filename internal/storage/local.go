package storage

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// LocalStorage implements the Storage interface for the local filesystem.
type LocalStorage struct {
	basePath string
}

// NewLocalStorage creates a new LocalStorage instance.
func NewLocalStorage(basePath string) (*LocalStorage, error) {
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}
	return &LocalStorage{basePath: basePath}, nil
}

// Put writes the object to a temporary file first and renames it into place,
// so a crashed write never leaves a truncated object behind.
func (s *LocalStorage) Put(id string, data io.Reader) (int64, error) {
	filePath, err := s.GetPath(id)
	if err != nil {
		return 0, err
	}

	tmp, err := os.CreateTemp(s.basePath, ".put-*")
	if err != nil {
		return 0, fmt.Errorf("failed to create temp file: %w", err)
	}
	n, err := io.Copy(tmp, data)
	if err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return 0, fmt.Errorf("failed to write object %s: %w", id, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return 0, fmt.Errorf("failed to close object %s: %w", id, err)
	}
	if err := os.Rename(tmp.Name(), filePath); err != nil {
		os.Remove(tmp.Name())
		return 0, fmt.Errorf("failed to commit object %s: %w", id, err)
	}
	return n, nil
}

// Get retrieves an object from the local filesystem.
func (s *LocalStorage) Get(id string) (io.ReadCloser, error) {
	filePath, err := s.GetPath(id)
	if err != nil {
		return nil, err
	}
	file, err := os.Open(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("failed to open object file: %w", err)
	}
	return file, nil
}

func (s *LocalStorage) Delete(id string) error {
	filePath, err := s.GetPath(id)
	if err != nil {
		return err
	}
	if err := os.Remove(filePath); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return fmt.Errorf("failed to delete object %s: %w", id, err)
	}
	return nil
}

// GetPath returns the file path for a given object identifier. Identifiers
// are flat names; anything that could escape basePath is rejected.
func (s *LocalStorage) GetPath(id string) (string, error) {
	if id == "" || id == "." || id == ".." || strings.ContainsAny(id, `/\`) || strings.HasPrefix(id, ".") {
		return "", fmt.Errorf("invalid object id %q", id)
	}
	return filepath.Join(s.basePath, id), nil
}
