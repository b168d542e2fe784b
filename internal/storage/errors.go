package storage

import "errors"

// ErrInvalidName is returned for an empty or path-escaping bucket or object name.
var ErrInvalidName = errors.New("storage: invalid name")
