package storage

import (
	"errors"
	"io"
)

// ErrNotFound is returned by Get and Delete for unknown identifiers.
var ErrNotFound = errors.New("object not found")

// Storage defines the interface for storing and retrieving chunk objects.
type Storage interface {
	// Put stores the object under id, replacing any previous content, and
	// returns the number of bytes written.
	Put(id string, data io.Reader) (int64, error)
	// Get retrieves an object by its identifier.
	Get(id string) (io.ReadCloser, error)
	// Delete removes an object. Deleting a missing object returns ErrNotFound.
	Delete(id string) error
	// GetPath returns the file path for a given object identifier.
	GetPath(id string) (string, error)
}
