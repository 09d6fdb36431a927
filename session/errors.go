package session

import "errors"

var (
	// ErrPrincipalUnresolvable is returned when a stored principal name cannot be
	// turned back into an identity.
	ErrPrincipalUnresolvable = errors.New("session principal cannot be resolved")
	// ErrNoIdentityResolver is returned when a principal name is stored but no
	// resolver was configured.
	ErrNoIdentityResolver = errors.New("no identity resolver configured")
	// ErrInvalidSnapshot is returned by Decode for malformed input.
	ErrInvalidSnapshot = errors.New("invalid session snapshot")
)
