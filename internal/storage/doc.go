// Package storage persists subscribers keyed by their client id.
//
// Drivers:
//   - "memory": process-local map, used by tests and dry runs
//   - "file":   JSON snapshot plus append-only journal
//   - "sqlite": SQLite database file (modernc, pure Go)
package storage
