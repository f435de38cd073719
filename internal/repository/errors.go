package repository

import "errors"

// ErrNotFound indicates an entity was not located.
var ErrNotFound = errors.New("repository: not found")

// ErrUnavailable indicates the store timed out or the connection failed.
// Callers may retry.
var ErrUnavailable = errors.New("repository: storage unavailable")
