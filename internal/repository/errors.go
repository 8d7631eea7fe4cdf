package repository

import "errors"

// ErrNotFound is returned when the requested record does not exist.
var ErrNotFound = errors.New("record not found")

// ErrDuplicate is returned when a unique reference is already taken.
var ErrDuplicate = errors.New("record already exists")
