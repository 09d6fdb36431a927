package identity

import (
	"context"
	"errors"
	"sync"

	"github.com/MrEthical07/goSession/session"
)

// ErrUnknownPrincipal is returned by resolvers that do not know a name.
var ErrUnknownPrincipal = errors.New("unknown principal")

// User is the principal produced by this package. PasswordHash is an Argon2id PHC
// string; a user without one cannot log in with a password.
type User struct {
	Username     string
	Roles        []string
	PasswordHash string
}

func (u User) Name() string {
	return u.Username
}

// HasRole reports whether role is one of the user's roles.
func (u User) HasRole(role string) bool {
	for _, r := range u.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// StaticResolver resolves names from an in-memory table. The zero value is empty and
// ready to use.
type StaticResolver struct {
	mu    sync.RWMutex
	users map[string]User
}

var _ session.IdentityResolver = (*StaticResolver)(nil)

func NewStaticResolver(users ...User) *StaticResolver {
	r := &StaticResolver{}
	for _, u := range users {
		r.Add(u)
	}
	return r
}

// Add registers or replaces u.
func (r *StaticResolver) Add(u User) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.users == nil {
		r.users = make(map[string]User)
	}
	r.users[u.Username] = u
}

func (r *StaticResolver) ResolvePrincipal(ctx context.Context, name string) (session.Principal, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	u, ok := r.users[name]
	r.mu.RUnlock()
	if !ok {
		return nil, ErrUnknownPrincipal
	}
	return u, nil
}

// Authenticate checks password against the stored hash of name.
func (r *StaticResolver) Authenticate(ctx context.Context, name, password string) (User, error) {
	if err := ctx.Err(); err != nil {
		return User{}, err
	}
	r.mu.RLock()
	u, ok := r.users[name]
	r.mu.RUnlock()
	if !ok || u.PasswordHash == "" {
		return User{}, ErrBadCredentials
	}
	match, err := VerifyPassword(password, u.PasswordHash)
	if err != nil {
		return User{}, err
	}
	if !match {
		return User{}, ErrBadCredentials
	}
	return u, nil
}

// ResolverFunc adapts a function to session.IdentityResolver.
type ResolverFunc func(ctx context.Context, name string) (session.Principal, error)

func (f ResolverFunc) ResolvePrincipal(ctx context.Context, name string) (session.Principal, error) {
	return f(ctx, name)
}
