package store

import "errors"

// ErrNotFound is returned when a lookup by id or unique key finds no row.
var ErrNotFound = errors.New("store: not found")

// ErrConflict is returned when a write would violate a uniqueness
// constraint (duplicate job name, duplicate agent name, duplicate
// (run_id, seq), etc).
var ErrConflict = errors.New("store: conflict")
