package domain

import "errors"

// ErrNotFound is returned by stores when a requested item or object does not exist.
var ErrNotFound = errors.New("not found")
