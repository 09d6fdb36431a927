// Package internal contains helpers private to goSession: session id generation
// plus the audit and dispatch sub-packages.
//
// # Sub-packages
//
//   - audit: async event dispatch (Dispatcher + Sink implementations)
//   - dispatch: bounded worker pool running asynchronous persistence
//
// # What this package must NOT do
//
//   - Export types that appear in the public goSession API.
package internal
