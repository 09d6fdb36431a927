// Package middleware binds HTTP requests to goSession sessions.
//
// [Session] resolves the session cookie through Manager.Find (creating a session when
// the cookie is absent or stale), takes the foreground lock for the lifetime of the
// request, and releases it after the handler returns. Handlers fetch the locked
// session with goSession.FromContext.
//
// When a [identity.TokenManager] is configured, a bearer token on the request binds
// its principal to the session.
//
// # What this package must NOT do
//
//   - Talk to the repository directly (all I/O goes through the Manager).
//   - Hold a session lock past the end of the request.
package middleware
