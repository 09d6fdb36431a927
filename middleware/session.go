package middleware

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	goSession "github.com/MrEthical07/goSession"
	"github.com/MrEthical07/goSession/identity"
	"github.com/MrEthical07/goSession/session"
)

const (
	DefaultCookieName   = "GOSESSIONID"
	DefaultLockAttempts = 5
	DefaultLockBackoff  = 20 * time.Millisecond
)

// Options configures [Session]. The zero value uses the defaults above.
type Options struct {
	CookieName   string
	CookiePath   string
	CookieSecure bool

	// LockAttempts bounds how often the foreground lock is tried before the request
	// is answered with 503.
	LockAttempts int
	LockBackoff  time.Duration

	// Tokens, when set, verifies bearer tokens and binds their principal.
	Tokens *identity.TokenManager

	Logger *zerolog.Logger
}

func (o Options) withDefaults() Options {
	if o.CookieName == "" {
		o.CookieName = DefaultCookieName
	}
	if o.CookiePath == "" {
		o.CookiePath = "/"
	}
	if o.LockAttempts <= 0 {
		o.LockAttempts = DefaultLockAttempts
	}
	if o.LockBackoff <= 0 {
		o.LockBackoff = DefaultLockBackoff
	}
	if o.Logger == nil {
		nop := zerolog.Nop()
		o.Logger = &nop
	}
	return o
}

// Session returns middleware that holds the request's session under the foreground
// lock while next runs.
func Session(m *goSession.Manager, opts Options) func(http.Handler) http.Handler {
	opts = opts.withDefaults()
	log := *opts.Logger

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if m == nil {
				http.Error(w, "session unavailable", http.StatusServiceUnavailable)
				return
			}

			s, returning, status := acquire(r, m, opts)
			if s == nil {
				log.Debug().Int("status", status).Str("path", r.URL.Path).Msg("session middleware: rejected")
				http.Error(w, http.StatusText(status), status)
				return
			}

			completed := false
			defer func() {
				if completed {
					s.UnlockForeground()
					return
				}
				s.UnlockForegroundCompletely()
			}()

			s.Access()

			if opts.Tokens != nil {
				if token, ok := bearerToken(r.Header.Get("Authorization")); ok {
					u, err := opts.Tokens.Principal(token)
					if err != nil {
						completed = true
						http.Error(w, "unauthorized", http.StatusUnauthorized)
						return
					}
					if s.PrincipalName() != u.Name() {
						s.SetPrincipal(u)
					}
				}
			}

			if returning && s.IsNew() {
				s.MarkNotNew()
			}
			if !returning {
				http.SetCookie(w, &http.Cookie{
					Name:     opts.CookieName,
					Value:    s.ID(),
					Path:     opts.CookiePath,
					Secure:   opts.CookieSecure,
					HttpOnly: true,
					SameSite: http.SameSiteLaxMode,
				})
			}

			next.ServeHTTP(w, r.WithContext(goSession.WithSession(r.Context(), s)))
			completed = true
		})
	}
}

// acquire finds or creates the request's session and takes its foreground lock.
// returning reports that the client already held the session's cookie. On failure it
// returns a nil session and the HTTP status to answer with.
func acquire(r *http.Request, m *goSession.Manager, opts Options) (s *session.Session, returning bool, status int) {
	ctx := r.Context()

	if c, err := r.Cookie(opts.CookieName); err == nil && c.Value != "" {
		found, err := m.Find(ctx, c.Value)
		switch {
		case err == nil:
			s, returning = found, true
		case errors.Is(err, goSession.ErrSessionNotFound), errors.Is(err, goSession.ErrInvalidSessionID):
		default:
			return nil, false, http.StatusServiceUnavailable
		}
	}

	// A session deleted elsewhere between Find and the lock is replaced once.
	for replaced := false; ; replaced = true {
		if s == nil {
			created, err := m.Create(ctx)
			if err != nil {
				return nil, false, http.StatusServiceUnavailable
			}
			s, returning = created, false
		}
		if !lockForeground(r, s, opts) {
			return nil, false, http.StatusServiceUnavailable
		}
		if s.RepoStatus() != session.StatusNotExists {
			return s, returning, http.StatusOK
		}
		if err := m.Expire(ctx, s); err != nil {
			opts.Logger.Warn().Err(err).Str("session", s.ID()).Msg("session middleware: dropping vanished session")
		}
		s = nil
		if replaced {
			return nil, false, http.StatusServiceUnavailable
		}
	}
}

func lockForeground(r *http.Request, s *session.Session, opts Options) bool {
	for attempt := 0; attempt < opts.LockAttempts; attempt++ {
		if s.LockForeground(r.Context()) {
			return true
		}
		if attempt == opts.LockAttempts-1 {
			break
		}
		t := time.NewTimer(opts.LockBackoff)
		select {
		case <-r.Context().Done():
			t.Stop()
			return false
		case <-t.C:
		}
	}
	return false
}

func bearerToken(value string) (string, bool) {
	const bearer = "Bearer "
	if !strings.HasPrefix(value, bearer) {
		return "", false
	}

	token := value[len(bearer):]
	if token == "" {
		return "", false
	}

	return token, true
}
