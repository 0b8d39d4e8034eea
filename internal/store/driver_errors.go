package store

import "strings"

// isUniqueConstraintErr detects a unique-index violation across the two
// supported drivers without importing either driver's error types directly:
// modernc sqlite reports "UNIQUE constraint failed", lib/pq-compatible
// postgres drivers report "duplicate key value violates unique constraint".
func isUniqueConstraintErr(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") || strings.Contains(msg, "duplicate key")
}
