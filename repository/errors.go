package repository

import "errors"

var (
	// ErrNotFound is returned when the record does not exist (authoritative absence).
	ErrNotFound = errors.New("session not found in repository")
	// ErrLocked is returned when a lock was requested but another holder owns it.
	ErrLocked = errors.New("session already locked")
	// ErrStaleVersion is returned when a conditional write or unlock presents a CAS
	// that no longer matches the stored version or lock.
	ErrStaleVersion = errors.New("stale session version")
	// ErrExists is returned by Claim when the id is already stored or locked.
	ErrExists = errors.New("session already exists")
	// ErrUnavailable wraps transport and backend failures.
	ErrUnavailable = errors.New("repository unavailable")
)
