package session

import "time"

// Snapshot is the serializable form of a session: everything the repository stores.
//
// Snapshot values handed to a Coordinator are owned by the receiver. The Attributes
// map is a shallow copy of the session's map taken at dispatch time.
type Snapshot struct {
	ID string

	CreationTime        time.Time
	ThisAccessedTime    time.Time
	LastAccessedTime    time.Time
	MaxInactiveInterval time.Duration

	New     bool
	Valid   bool
	Version int64

	SSOID         string
	PrincipalName string

	Attributes map[string]any
}
