package session

import (
	"context"
	"time"
)

// NoCAS is the sentinel version token: the session is not loaded, or is in a special
// or expired state. It matches repository.NoCAS.
const NoCAS int64 = -1

// LoadRequest describes a load the session asks its coordinator for.
type LoadRequest struct {
	ID   string
	Lock LockMode
	// Claimable is set for sessions created on this node that have never been
	// stored; an absent record may then be claimed by locking it fresh.
	Claimable bool
	// Trusted is set when the local copy is usable without a remote read. Only
	// sticky coordinators act on it.
	Trusted bool
}

// LoadResult is the outcome of a load. Snapshot is nil when nothing was read.
type LoadResult struct {
	Status   RepoStatus
	CAS      int64
	Snapshot *Snapshot
	Err      error
}

// Result is delivered once per dispatched asynchronous operation.
type Result struct {
	Err error
}

// Success reports whether the operation completed without error.
func (r Result) Success() bool {
	return r.Err == nil
}

// Completion receives the result of an asynchronous operation. Coordinators must
// never invoke it synchronously from inside the dispatching call: the session mutex
// is held for the duration of that call.
type Completion func(Result)

// Coordinator is the policy layer between a session and the repository.
//
// Load is synchronous. SaveAndUnlock, Touch and Unlock return immediately and report
// through done exactly once; Touch accepts a nil done for fire-and-forget use.
// Implementations must snapshot whatever they need from snap before returning.
type Coordinator interface {
	Load(ctx context.Context, req LoadRequest) LoadResult
	SaveAndUnlock(id string, cas int64, snap *Snapshot, done Completion)
	Touch(id string, ttl time.Duration, done Completion)
	Unlock(id string, cas int64, done Completion)
}

// Principal is an authenticated identity attached to a session.
type Principal interface {
	Name() string
}

// IdentityResolver rebuilds a principal from the durable name stored with the session.
type IdentityResolver interface {
	ResolvePrincipal(ctx context.Context, name string) (Principal, error)
}
