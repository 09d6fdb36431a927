package goSession

import "errors"

var (
	// ErrBuilderUsed is returned by a second call to Builder.Build.
	ErrBuilderUsed = errors.New("builder already used")
	// ErrManagerClosed is delivered to operations dispatched after Close.
	ErrManagerClosed = errors.New("session manager closed")
	// ErrSessionNotFound is returned by Find when the repository has no such session.
	ErrSessionNotFound = errors.New("session not found")
	// ErrInvalidSessionID is returned by Find for ids the manager could not have issued.
	ErrInvalidSessionID = errors.New("invalid session id")
	// ErrRepositoryRequired is returned by Build when no backend can be constructed.
	ErrRepositoryRequired = errors.New("repository required")
	// ErrSessionUnavailable is returned by Find when the repository could not be read.
	ErrSessionUnavailable = errors.New("session repository unavailable")
)
