package domain

import "errors"

// ErrNotFound will be returned if the requested item is not found
var ErrNotFound = errors.New("requested item was not found")
