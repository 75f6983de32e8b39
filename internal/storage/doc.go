// Package storage persists the delivery journal: one record per terminal
// outcome of a delivery attempt (acked, nacked, timed out, dropped, rejected).
//
// Drivers:
//   - "file":   JSON Lines, no dependencies
//   - "sqlite": SQLite database file (pure Go driver)
//   - "redis":  capped Redis list, shared between relays
//
// The journal is best-effort: callers log write failures and move on.
package storage
