// Package session implements the per-session state machine that keeps a node's local
// copy of a session consistent with a shared repository.
//
// # Model
//
// A [Session] carries two independent statuses. [RepoStatus] says how the local copy
// relates to the repository (loaded, locked, absent, failed). [AccessStatus] says what
// the next release must persist (nothing, a touch, or a full save). [NextAction] maps
// the pair onto a single persistence step.
//
// Remote work goes through a [Coordinator]. Loads are synchronous and happen with the
// session mutex held. Saves, touches and unlocks are dispatched asynchronously; each
// session has at most one of them in flight, and every entry point that must observe
// its outcome waits for it first.
//
// # Binary encoding
//
// [Encode] and [Decode] implement the versioned record format. Scalar fields use a
// fixed big-endian layout; attributes are a msgpack map.
//
// # Architecture boundaries
//
// This package owns the state machine and the snapshot format. It does NOT talk to a
// repository, pick lock durations, or decide whether the deployment is sticky beyond
// the flag it is given. Those decisions belong to the manager in the root package.
//
// # What this package must NOT do
//
//   - Import the root package, repository backends, or middleware (no upward imports).
//   - Invoke a completion while holding the session mutex.
//   - Treat a local idle timeout as authoritative expiration.
package session
