// Package repository defines the contract of the remote key-value store that holds the
// authoritative copy of every session.
//
// # Model
//
// A stored record is an opaque encoded snapshot plus a version token (CAS). A record may
// additionally carry a lock: an atomic get-and-lock hands out a fresh CAS that must be
// presented back to save-and-unlock or unlock. Locks expire on their own after the
// lock TTL so a crashed node can never wedge a session forever.
//
// # Architecture boundaries
//
// This package owns the contract and the sentinel errors. Backends live in sub-packages
// (redisstore, memory, boltstore). It does NOT decide when to lock or save; that policy belongs
// to the goSession Manager.
//
// # What this package must NOT do
//
//   - Import goSession or the session package.
//   - Interpret the encoded snapshot bytes.
package repository

import (
	"context"
	"time"
)

// NoCAS is the sentinel version token meaning "no valid token". Passing it to
// SaveAndUnlock requests an unconditional write.
const NoCAS int64 = -1

// Record is a stored session snapshot with its version token.
type Record struct {
	Data []byte
	CAS  int64
}

// Repository is the remote lock/value store consumed by the coordinator.
//
// Every implementation must be safe for concurrent use from many goroutines and,
// for shared backends, from many nodes.
type Repository interface {
	// Get reads a record without locking it. Returns ErrNotFound when absent.
	Get(ctx context.Context, id string) (*Record, error)
	// GetAndLock atomically reads and locks a record for lockTTL. The returned CAS
	// is the lock token. Returns ErrNotFound when absent and ErrLocked when another
	// holder owns the lock.
	GetAndLock(ctx context.Context, id string, lockTTL time.Duration) (*Record, error)
	// Claim creates an empty locked record for a session that has never been stored
	// and returns its lock token. Returns ErrExists when the id is already in use.
	Claim(ctx context.Context, id string, lockTTL time.Duration) (int64, error)
	// SaveAndUnlock writes data, refreshes the record expiry to ttl (ttl <= 0 means
	// no expiry) and releases the lock. With cas != NoCAS the write is conditional and
	// fails with ErrStaleVersion when the lock was lost or the version moved.
	SaveAndUnlock(ctx context.Context, id string, cas int64, data []byte, ttl time.Duration) error
	// Touch refreshes the record expiry without changing content.
	Touch(ctx context.Context, id string, ttl time.Duration) error
	// Unlock releases a held lock without modifying content. Returns ErrStaleVersion
	// when cas no longer owns the lock.
	Unlock(ctx context.Context, id string, cas int64) error
	// Delete removes the record and any lock. Deleting an absent record is not an error.
	Delete(ctx context.Context, id string) error
	// Ping checks backend availability.
	Ping(ctx context.Context) error
}

// Lister is implemented by backends that can enumerate stored session ids.
type Lister interface {
	IDs(ctx context.Context) ([]string, error)
}
