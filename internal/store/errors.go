package store

import "errors"

// ErrNotFound is returned when a lookup by id matches no row.
var ErrNotFound = errors.New("store: not found")

// ErrTerminal is returned when a mutation is attempted against a row whose
// status is already one of COMPLETED, FAILED, or CANCELED.
var ErrTerminal = errors.New("store: job already in a terminal state")
