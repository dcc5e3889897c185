package storage

import (
	"errors"
	"strings"
)

// Common storage errors.
var (
	// ErrNotFound is returned when an entity is not found.
	ErrNotFound = errors.New("entity not found")
	// ErrAlreadyExists is returned when a uniqueness invariant would be
	// violated: a duplicate (name, version) or correlation id.
	ErrAlreadyExists = errors.New("entity already exists")
)

// isNotFound checks if an error indicates a key was not found.
func isNotFound(err error) bool {
	return err != nil && strings.Contains(err.Error(), "key not found")
}

// isKeyExists checks if an error indicates an atomic create hit an
// existing key.
func isKeyExists(err error) bool {
	return err != nil && strings.Contains(err.Error(), "key exists")
}
