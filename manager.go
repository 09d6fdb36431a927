package goSession

import (
	"context"
	"crypto/rand"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/MrEthical07/goSession/internal"
	"github.com/MrEthical07/goSession/internal/audit"
	"github.com/MrEthical07/goSession/internal/dispatch"
	"github.com/MrEthical07/goSession/repository"
	"github.com/MrEthical07/goSession/session"
)

// Manager coordinates sessions with the repository. It is the session.Coordinator of
// every session it creates and keeps a registry of the sessions known to this node.
//
// All methods are safe for concurrent use. Construct it with [Builder.Build].
type Manager struct {
	cfg      Config
	repo     repository.Repository
	owned    []func() error
	log      zerolog.Logger
	resolver session.IdentityResolver
	now      func() time.Time
	node     string

	pool     *dispatch.Pool
	overflow sync.WaitGroup
	audit    *audit.Dispatcher
	metrics  *Metrics

	entropyMu sync.Mutex
	entropy   *ulid.MonotonicEntropy

	mu       sync.RWMutex
	sessions map[string]*session.Session

	closed      atomic.Bool
	closeOnce   sync.Once
	sweepOnce   sync.Once
	sweepCancel context.CancelFunc
	sweepDone   chan struct{}
}

var _ session.Coordinator = (*Manager)(nil)

// Config returns a copy of the configuration the manager was built with.
func (m *Manager) Config() Config {
	return cloneConfig(m.cfg)
}

// Node returns the identifier this manager stamps on audit events and logs.
func (m *Manager) Node() string {
	return m.node
}

func (m *Manager) newOpID() string {
	m.entropyMu.Lock()
	defer m.entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), m.entropy).String()
}

func newEntropy() *ulid.MonotonicEntropy {
	return ulid.Monotonic(rand.Reader, 0)
}

/* ==== COORDINATOR ==== */

// Load reads a session from the repository, locking it when a lock is requested.
// In sticky deployments no remote lock is ever taken and a trusted local copy is not
// re-read at all.
func (m *Manager) Load(ctx context.Context, req session.LoadRequest) session.LoadResult {
	target := req.Lock.Status()
	sticky := m.cfg.Session.Sticky
	locking := req.Lock != session.LockNone

	if sticky && locking && req.Trusted {
		return session.LoadResult{Status: target, CAS: session.NoCAS}
	}

	m.metrics.Inc(MetricLoad)
	ctx, cancel := context.WithTimeout(ctx, m.cfg.Session.OperationTimeout)
	defer cancel()

	start := time.Now()
	var (
		rec *repository.Record
		err error
	)
	if !locking || sticky {
		rec, err = m.repo.Get(ctx, req.ID)
	} else {
		rec, err = m.repo.GetAndLock(ctx, req.ID, m.cfg.Session.LockTTL)
	}
	m.metrics.Observe(MetricLoadLatency, time.Since(start))

	switch {
	case err == nil:
	case errors.Is(err, repository.ErrNotFound):
		if locking && req.Claimable {
			return m.claim(ctx, req, target)
		}
		m.metrics.Inc(MetricLoadNotFound)
		m.log.Debug().Str("session", req.ID).Msg("load: not found")
		return session.LoadResult{Status: session.StatusNotExists, CAS: session.NoCAS}
	case errors.Is(err, repository.ErrLocked):
		m.metrics.Inc(MetricLockConflict)
		m.emitAudit(ctx, AuditEvent{EventType: AuditLockConflict, SessionID: req.ID, LockMode: req.Lock.String()}, err)
		m.log.Debug().Str("session", req.ID).Stringer("lock", req.Lock).Msg("load: locked elsewhere")
		return session.LoadResult{Status: session.StatusAlreadyLocked, CAS: session.NoCAS}
	default:
		m.metrics.Inc(MetricLoadError)
		return session.LoadResult{Status: session.StatusError, CAS: session.NoCAS, Err: err}
	}

	snap, err := session.Decode(rec.Data)
	if err != nil {
		m.metrics.Inc(MetricLoadError)
		if locking && !sticky {
			// do not leave a lock behind for a record we cannot use
			m.Unlock(req.ID, rec.CAS, nil)
		}
		return session.LoadResult{Status: session.StatusError, CAS: session.NoCAS, Err: err}
	}

	if !locking {
		return session.LoadResult{Status: session.StatusNotLoaded, CAS: session.NoCAS, Snapshot: snap}
	}
	if sticky {
		return session.LoadResult{Status: target, CAS: session.NoCAS, Snapshot: snap}
	}
	m.metrics.Inc(MetricLoadLocked)
	return session.LoadResult{Status: target, CAS: rec.CAS, Snapshot: snap}
}

// claim locks a brand new session that has never been stored.
func (m *Manager) claim(ctx context.Context, req session.LoadRequest, target session.RepoStatus) session.LoadResult {
	if m.cfg.Session.Sticky {
		return session.LoadResult{Status: target, CAS: session.NoCAS}
	}
	cas, err := m.repo.Claim(ctx, req.ID, m.cfg.Session.LockTTL)
	switch {
	case err == nil:
		m.metrics.Inc(MetricClaim)
		m.metrics.Inc(MetricLoadLocked)
		m.log.Debug().Str("session", req.ID).Int64("cas", cas).Msg("load: claimed new session")
		return session.LoadResult{Status: target, CAS: cas}
	case errors.Is(err, repository.ErrExists):
		m.metrics.Inc(MetricLockConflict)
		m.emitAudit(ctx, AuditEvent{EventType: AuditLockConflict, SessionID: req.ID, LockMode: req.Lock.String()}, err)
		return session.LoadResult{Status: session.StatusAlreadyLocked, CAS: session.NoCAS}
	default:
		m.metrics.Inc(MetricLoadError)
		return session.LoadResult{Status: session.StatusError, CAS: session.NoCAS, Err: err}
	}
}

// SaveAndUnlock writes the snapshot and releases the lock held with cas. A cas of
// session.NoCAS writes unconditionally.
func (m *Manager) SaveAndUnlock(id string, cas int64, snap *session.Snapshot, done session.Completion) {
	data, encErr := session.Encode(snap)
	ttl := snap.MaxInactiveInterval
	m.dispatch("save", id, cas, done, func(ctx context.Context) error {
		if encErr != nil {
			return encErr
		}
		return m.repo.SaveAndUnlock(ctx, id, cas, data, ttl)
	})
}

// Touch refreshes the record expiry. done may be nil.
func (m *Manager) Touch(id string, ttl time.Duration, done session.Completion) {
	m.dispatch("touch", id, session.NoCAS, done, func(ctx context.Context) error {
		return m.repo.Touch(ctx, id, ttl)
	})
}

// Unlock releases the lock held with cas.
func (m *Manager) Unlock(id string, cas int64, done session.Completion) {
	m.dispatch("unlock", id, cas, done, func(ctx context.Context) error {
		if cas == session.NoCAS {
			return nil
		}
		return m.repo.Unlock(ctx, id, cas)
	})
}

// dispatch runs fn on the worker pool and reports through done exactly once. done is
// never called on the caller's goroutine.
func (m *Manager) dispatch(kind, id string, cas int64, done session.Completion, fn func(context.Context) error) {
	opID := m.newOpID()
	m.log.Debug().Str("session", id).Str("op", kind).Str("op_id", opID).Msg("dispatch")

	task := func() {
		ctx, cancel := context.WithTimeout(context.Background(), m.cfg.Session.OperationTimeout)
		err := fn(ctx)
		cancel()
		m.finish(kind, id, opID, cas, err)
		if done != nil {
			done(session.Result{Err: err})
		}
	}

	// Callers hold their session mutex here and a running task may need another
	// session's mutex to complete, so a full queue must never block.
	switch err := m.pool.TrySubmit(task); {
	case err == nil:
	case errors.Is(err, dispatch.ErrFull):
		m.metrics.Inc(MetricDispatchOverflow)
		m.log.Debug().Str("session", id).Str("op", kind).Str("op_id", opID).Msg("dispatch: queue full, running detached")
		m.overflow.Add(1)
		go func() {
			defer m.overflow.Done()
			task()
		}()
	default:
		go func() {
			m.finish(kind, id, opID, cas, ErrManagerClosed)
			if done != nil {
				done(session.Result{Err: ErrManagerClosed})
			}
		}()
	}
}

func (m *Manager) finish(kind, id, opID string, cas int64, err error) {
	ok, failed := MetricSave, MetricSaveFailure
	switch kind {
	case "touch":
		ok, failed = MetricTouch, MetricTouchFailure
	case "unlock":
		ok, failed = MetricUnlock, MetricUnlockFailure
	}
	if err == nil {
		m.metrics.Inc(ok)
		m.log.Debug().Str("session", id).Str("op", kind).Str("op_id", opID).Msg("done")
		return
	}
	m.metrics.Inc(failed)
	m.log.Error().Err(err).Str("session", id).Str("op", kind).Str("op_id", opID).Msg("background operation failed")
	if cas == session.NoCAS {
		cas = 0
	}
	m.emitAudit(context.Background(), AuditEvent{EventType: AuditPersistFailed, SessionID: id, Operation: kind, CAS: cas}, err)
}

/* ==== REGISTRY ==== */

func (m *Manager) sessionOptions(id string) session.Options {
	return session.Options{
		Sticky:                 m.cfg.Session.Sticky,
		MaxAccessTimeNotSaving: m.cfg.Session.MaxAccessTimeNotSaving,
		MaxInactiveInterval:    m.cfg.Session.MaxInactiveInterval,
		WaitTimeout:            m.cfg.Session.EffectiveWaitTimeout(),
		Logger:                 m.log.With().Str("component", "session").Logger(),
		Resolver:               m.resolver,
		Now:                    m.now,
		OnPendingWait: func(timedOut bool) {
			if !timedOut {
				m.metrics.Inc(MetricPendingWait)
				return
			}
			m.metrics.Inc(MetricPendingWaitTimeout)
			m.emitAudit(context.Background(), AuditEvent{EventType: AuditReloadForced, SessionID: id}, nil)
		},
	}
}

// Create starts a brand new session with a random id and registers it. Nothing is
// written to the repository until the session is first released.
func (m *Manager) Create(ctx context.Context) (*session.Session, error) {
	if m.closed.Load() {
		return nil, ErrManagerClosed
	}
	sid, err := internal.NewSessionID()
	if err != nil {
		return nil, err
	}
	id := sid.String()
	s := session.New(id, m, m.sessionOptions(id))

	m.mu.Lock()
	m.sessions[id] = s
	m.mu.Unlock()

	m.metrics.Inc(MetricSessionCreated)
	m.emitAudit(ctx, AuditEvent{EventType: AuditSessionCreated, SessionID: id, Success: true}, nil)
	m.log.Debug().Str("session", id).Msg("session created")
	return s, nil
}

// Find returns the session with id, loading it from the repository when this node
// has not seen it yet. It fails with ErrSessionNotFound when the repository has no
// such session and with ErrSessionUnavailable when the repository cannot be read.
func (m *Manager) Find(ctx context.Context, id string) (*session.Session, error) {
	if m.closed.Load() {
		return nil, ErrManagerClosed
	}
	if !internal.ValidSessionID(id) {
		return nil, ErrInvalidSessionID
	}

	m.mu.RLock()
	s, ok := m.sessions[id]
	m.mu.RUnlock()
	if ok {
		if s.RepoStatus() == session.StatusNotExists {
			m.Remove(id)
			return nil, ErrSessionNotFound
		}
		return s, nil
	}

	shell := session.NewShell(id, m, m.sessionOptions(id))
	switch shell.Refresh(ctx) {
	case session.StatusNotExists:
		return nil, ErrSessionNotFound
	case session.StatusError, session.StatusAlreadyLocked:
		return nil, ErrSessionUnavailable
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.sessions[id]; ok {
		return existing, nil
	}
	m.sessions[id] = shell
	return shell, nil
}

// Expire destroys s locally, deletes the repository copy and unregisters it.
func (m *Manager) Expire(ctx context.Context, s *session.Session) error {
	id := s.ID()
	principal := s.PrincipalName()
	s.Expire()
	m.Remove(id)

	ctx, cancel := context.WithTimeout(ctx, m.cfg.Session.OperationTimeout)
	defer cancel()
	err := m.repo.Delete(ctx, id)

	m.metrics.Inc(MetricSessionExpired)
	m.emitAudit(ctx, AuditEvent{EventType: AuditSessionExpired, SessionID: id, Principal: principal, Success: err == nil}, err)
	if err != nil {
		m.log.Error().Err(err).Str("session", id).Msg("expire: delete failed")
		return err
	}
	m.log.Debug().Str("session", id).Msg("session expired")
	return nil
}

// Remove unregisters id without touching the repository.
func (m *Manager) Remove(id string) {
	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()
}

// Sessions returns the registered sessions ordered by id.
func (m *Manager) Sessions() []*session.Session {
	m.mu.RLock()
	out := make([]*session.Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// Sweep expires every registered session the repository no longer has and returns
// how many were expired. Sessions locked on this node are skipped.
func (m *Manager) Sweep(ctx context.Context) int {
	expired := 0
	for _, s := range m.Sessions() {
		if ctx.Err() != nil {
			break
		}
		if s.IsLocked() {
			continue
		}
		if s.HasExpired(ctx) {
			if err := m.Expire(ctx, s); err == nil {
				expired++
			}
		}
	}
	if expired > 0 {
		m.log.Info().Int("expired", expired).Msg("sweep")
	}
	return expired
}

// StartSweeper runs Sweep every SweepInterval until ctx is done or the manager is
// closed. It is a no-op when SweepInterval is zero or the sweeper already runs.
func (m *Manager) StartSweeper(ctx context.Context) {
	if m.cfg.Session.SweepInterval <= 0 || m.closed.Load() {
		return
	}
	m.sweepOnce.Do(func() {
		ctx, cancel := context.WithCancel(ctx)
		m.sweepCancel = cancel
		m.sweepDone = make(chan struct{})

		go func() {
			defer close(m.sweepDone)
			t := time.NewTicker(m.cfg.Session.SweepInterval)
			defer t.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-t.C:
					m.Sweep(ctx)
				}
			}
		}()
	})
}

/* ==== LIFECYCLE ==== */

// Repository returns the backend the manager coordinates.
func (m *Manager) Repository() repository.Repository {
	return m.repo
}

// Ping checks that the repository is reachable.
func (m *Manager) Ping(ctx context.Context) error {
	return m.repo.Ping(ctx)
}

// MetricsSnapshot returns the current counters. It is empty when metrics are disabled.
func (m *Manager) MetricsSnapshot() MetricsSnapshot {
	s := m.metrics.Snapshot()
	if !m.metrics.Enabled() {
		return s
	}
	s.Dispatch = DispatchStats{
		Queued:    m.pool.Queued(),
		Running:   m.pool.InFlight(),
		Completed: m.pool.Completed(),
	}
	m.mu.RLock()
	s.Sessions = len(m.sessions)
	m.mu.RUnlock()
	return s
}

// Close stops the sweeper, waits for dispatched persistence to finish, flushes the
// audit relay and closes backends the manager opened itself. Operations dispatched
// afterwards complete with ErrManagerClosed.
func (m *Manager) Close() error {
	var errs []error
	m.closeOnce.Do(func() {
		m.closed.Store(true)
		// waits out a concurrent StartSweeper and keeps later ones from starting
		m.sweepOnce.Do(func() {})
		if m.sweepCancel != nil {
			m.sweepCancel()
			<-m.sweepDone
		}
		m.pool.Close()
		m.overflow.Wait()
		m.audit.Close()
		for _, closeFn := range m.owned {
			if err := closeFn(); err != nil {
				errs = append(errs, err)
			}
		}
	})
	return errors.Join(errs...)
}
