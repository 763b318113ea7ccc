// Package storage persists which activity events have already been relayed.
//
// Every driver stores the same logical table, (event_id PRIMARY KEY, notified_at),
// and commits MarkNotified before returning so a restart never re-announces
// an event that was delivered.
//
// Drivers:
//   - "sqlite"   single-file database (default)
//   - "file"     JSON journal + snapshot, no database needed
//   - "postgres" shared database for several relays
//   - "redis"    sorted set keyed by notified_at
package storage
