// Package goSession keeps HTTP sessions consistent across a cluster of nodes that
// share one key-value repository.
//
// A [Manager] creates and finds sessions and acts as their repository coordinator:
// it turns lock, unlock and expiry decisions taken by each [session.Session] into
// get-and-lock, save-and-unlock, touch and unlock calls against a
// [repository.Repository]. Persistence runs asynchronously on a bounded worker pool;
// loads are synchronous.
//
// # Architecture boundaries
//
// goSession is the public surface: [Builder], [Manager], [Config], metrics and audit
// types. The state machine lives in the session package, backends under repository/,
// and the worker pool and audit relay under internal/.
//
// # What this package must NOT do
//
//   - Hold a session mutex across asynchronous persistence.
//   - Invoke a completion on the goroutine that dispatched it.
//   - Log attribute values.
package goSession
