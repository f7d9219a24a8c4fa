// Package storage is the durable persistence layer for execution sessions,
// schedule configs and the append-only execution log.
//
// It is backed by SQLite (modernc.org/sqlite, no cgo). All writes are
// upserts so retry paths can re-save a session without creating duplicates.
package storage
