// Package identity turns bearer tokens and stored principal names into
// session.Principal values.
//
// [TokenManager] issues and verifies signed identity tokens (Ed25519 or HS256) whose
// subject is the principal name. [StaticResolver] implements
// session.IdentityResolver over a fixed table and is what a session uses to rebuild
// its principal after a load on another node.
//
// # What this package must NOT do
//
//   - Store principals in the session repository. Only names are persisted.
//   - Hold network connections.
package identity
