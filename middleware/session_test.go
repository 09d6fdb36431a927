package middleware_test

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	goSession "github.com/MrEthical07/goSession"
	"github.com/MrEthical07/goSession/identity"
	"github.com/MrEthical07/goSession/middleware"
	"github.com/MrEthical07/goSession/repository"
	"github.com/MrEthical07/goSession/repository/memory"
	"github.com/MrEthical07/goSession/session"
)

func newManager(t *testing.T, repo repository.Repository) *goSession.Manager {
	t.Helper()
	cfg := goSession.DefaultConfig()
	cfg.Repository.Backend = goSession.BackendMemory
	cfg.Session.LockTTL = 5 * time.Second
	cfg.Session.OperationTimeout = 2 * time.Second
	cfg.Session.WaitTimeout = 2 * time.Second
	cfg.Dispatch.Workers = 2

	m, err := goSession.New().
		WithConfig(cfg).
		WithRepository(repo).
		WithIdentityResolver(identity.NewStaticResolver(identity.User{Username: "alice"})).
		WithLogger(zerolog.Nop()).
		Build()
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func waitIdle(t *testing.T, s *session.Session) {
	t.Helper()
	require.Eventually(t, func() bool { return !s.HasPendingOperation() }, 3*time.Second, time.Millisecond)
}

// counter increments the "hits" attribute and echoes the session id.
func counter(t *testing.T, seen **session.Session) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s, ok := goSession.FromContext(r.Context())
		require.True(t, ok)
		assert.True(t, s.IsLocked())
		n, _ := s.Attribute("hits")
		hits, _ := n.(int64)
		s.SetAttribute("hits", hits+1)
		*seen = s
		w.WriteHeader(http.StatusNoContent)
	})
}

func sessionCookie(t *testing.T, rec *httptest.ResponseRecorder) *http.Cookie {
	t.Helper()
	for _, c := range rec.Result().Cookies() {
		if c.Name == middleware.DefaultCookieName {
			return c
		}
	}
	t.Fatal("no session cookie set")
	return nil
}

func TestSessionCreatesAndReusesSession(t *testing.T) {
	repo := memory.NewRepository()
	m := newManager(t, repo)

	var seen *session.Session
	h := middleware.Session(m, middleware.Options{})(counter(t, &seen))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusNoContent, rec.Code)
	cookie := sessionCookie(t, rec)
	assert.True(t, cookie.HttpOnly)
	require.NotNil(t, seen)
	assert.Equal(t, seen.ID(), cookie.Value)
	assert.False(t, seen.IsLocked(), "lock must be released after the request")
	waitIdle(t, seen)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(cookie)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNoContent, rec.Code)
	assert.Empty(t, rec.Result().Cookies(), "returning client needs no new cookie")
	assert.False(t, seen.IsNew())
	waitIdle(t, seen)

	// A second node sees both increments.
	other := newManager(t, repo)
	s, err := other.Find(req.Context(), cookie.Value)
	require.NoError(t, err)
	require.True(t, s.LockForeground(req.Context()))
	v, _ := s.Attribute("hits")
	assert.EqualValues(t, 2, v)
	s.UnlockForeground()
	waitIdle(t, s)
}

func TestSessionReplacesUnknownCookie(t *testing.T) {
	m := newManager(t, memory.NewRepository())

	var seen *session.Session
	h := middleware.Session(m, middleware.Options{})(counter(t, &seen))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: middleware.DefaultCookieName, Value: "not-a-session"})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusNoContent, rec.Code)
	cookie := sessionCookie(t, rec)
	assert.NotEqual(t, "not-a-session", cookie.Value)
	waitIdle(t, seen)
}

// failingDelete is a repository whose deletes always fail.
type failingDelete struct {
	repository.Repository
}

func (failingDelete) Delete(context.Context, string) error {
	return errors.New("delete refused")
}

func TestSessionLogsFailedCleanupOfVanishedSession(t *testing.T) {
	mem := memory.NewRepository()
	m := newManager(t, failingDelete{Repository: mem})

	var logs bytes.Buffer
	logger := zerolog.New(&logs).Level(zerolog.WarnLevel)

	var seen *session.Session
	h := middleware.Session(m, middleware.Options{Logger: &logger})(counter(t, &seen))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusNoContent, rec.Code)
	cookie := sessionCookie(t, rec)
	waitIdle(t, seen)
	first := seen

	// the record disappears behind this node's back
	require.NoError(t, mem.Delete(context.Background(), cookie.Value))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(cookie)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusNoContent, rec.Code)
	assert.NotEqual(t, cookie.Value, sessionCookie(t, rec).Value, "a vanished session is replaced")
	assert.NotSame(t, first, seen)
	waitIdle(t, seen)

	out := logs.String()
	assert.Contains(t, out, `"level":"warn"`)
	assert.Contains(t, out, "delete refused")
	assert.Contains(t, out, cookie.Value)
}

func TestSessionLockedElsewhereReturns503(t *testing.T) {
	repo := memory.NewRepository()
	m := newManager(t, repo)

	var seen *session.Session
	h := middleware.Session(m, middleware.Options{})(counter(t, &seen))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	cookie := sessionCookie(t, rec)
	waitIdle(t, seen)

	other := newManager(t, repo)
	held, err := other.Find(t.Context(), cookie.Value)
	require.NoError(t, err)
	require.True(t, held.LockForeground(t.Context()))
	defer func() {
		held.UnlockForeground()
		waitIdle(t, held)
	}()

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(cookie)
	rec = httptest.NewRecorder()
	middleware.Session(m, middleware.Options{LockAttempts: 2, LockBackoff: time.Millisecond})(counter(t, &seen)).ServeHTTP(rec, req)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestSessionPanicReleasesLock(t *testing.T) {
	m := newManager(t, memory.NewRepository())

	var seen *session.Session
	h := middleware.Session(m, middleware.Options{})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = goSession.FromContext(r.Context())
		require.True(t, seen.LockForeground(r.Context()), "re-entrant lock")
		panic("boom")
	}))

	assert.Panics(t, func() {
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	})
	require.NotNil(t, seen)
	assert.Zero(t, seen.ForegroundDepth())
	assert.False(t, seen.IsLocked())
	waitIdle(t, seen)
}

func TestSessionBindsBearerPrincipal(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	tokens, err := identity.NewTokenManager(identity.TokenConfig{
		TTL: time.Minute, SigningMethod: identity.MethodEd25519, PrivateKey: priv, PublicKey: pub,
	})
	require.NoError(t, err)

	m := newManager(t, memory.NewRepository())

	var principal string
	var seen *session.Session
	h := middleware.Session(m, middleware.Options{Tokens: tokens})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = goSession.FromContext(r.Context())
		p, err := seen.Principal(r.Context())
		require.NoError(t, err)
		if p != nil {
			principal = p.Name()
		}
	}))

	tok, err := tokens.Issue(identity.User{Username: "alice"}, "")
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "alice", principal)
	assert.Equal(t, "alice", seen.PrincipalName())
	waitIdle(t, seen)

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer garbage")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestSessionNilManager(t *testing.T) {
	rec := httptest.NewRecorder()
	middleware.Session(nil, middleware.Options{})(http.NotFoundHandler()).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
