package session

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Options configures the behaviour shared by every session of a manager.
type Options struct {
	// Sticky marks a deployment where requests for a session always reach the same
	// node, so the local copy stays authoritative between requests.
	Sticky bool
	// MaxAccessTimeNotSaving bounds how long a read-only session may be touched
	// without a full save.
	MaxAccessTimeNotSaving time.Duration
	// MaxInactiveInterval is the idle timeout given to new sessions. Zero or
	// negative never expires locally.
	MaxInactiveInterval time.Duration
	// WaitTimeout bounds how long a call waits for the pending operation. Zero
	// waits forever.
	WaitTimeout time.Duration

	Logger   zerolog.Logger
	Resolver IdentityResolver
	Now      func() time.Time

	// OnPendingWait is invoked each time a caller has to wait for an in-flight
	// operation, and again with timedOut set if that wait gave up.
	OnPendingWait func(timedOut bool)
}

type operation struct {
	kind string
	done chan struct{}
	once sync.Once
}

// Session is one user session: attributes plus the bookkeeping that keeps the local
// copy consistent with the repository under concurrent access from many nodes.
//
// All methods are safe for concurrent use. The internal mutex is held across the
// synchronous repository load, never across asynchronous persistence.
type Session struct {
	mu    sync.Mutex
	id    string
	coord Coordinator
	opts  Options
	log   zerolog.Logger

	creationTime     time.Time
	thisAccessedTime time.Time
	lastAccessedTime time.Time
	maxInactive      time.Duration
	isNew            bool
	valid            bool
	version          int64
	ssoID            string
	principalName    string
	principal        Principal
	attributes       map[string]any

	cas              int64
	repoStatus       RepoStatus
	accessStatus     AccessStatus
	fgDepth          int
	repoAccessedTime time.Time
	pending          *operation
	claimable        bool
	destroyed        bool
}

func newSession(id string, coord Coordinator, opts Options) *Session {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	now := opts.Now()
	return &Session{
		id:               id,
		coord:            coord,
		opts:             opts,
		log:              opts.Logger.With().Str("session", id).Logger(),
		creationTime:     now,
		thisAccessedTime: now,
		lastAccessedTime: now,
		maxInactive:      opts.MaxInactiveInterval,
		valid:            true,
		attributes:       make(map[string]any),
		cas:              NoCAS,
	}
}

// New creates a brand new session. It starts NOT_LOADED and DIRTY so the first
// release persists it, and is claimable until that first write succeeds.
func New(id string, coord Coordinator, opts Options) *Session {
	s := newSession(id, coord, opts)
	s.isNew = true
	s.repoStatus = StatusNotLoaded
	s.accessStatus = AccessDirty
	s.claimable = true
	return s
}

// NewShell creates a placeholder for a session known only by id. It starts in
// ERROR so the first use forces a load from the repository.
func NewShell(id string, coord Coordinator, opts Options) *Session {
	s := newSession(id, coord, opts)
	s.repoStatus = StatusError
	s.accessStatus = AccessClean
	return s
}

// ID returns the session identifier.
func (s *Session) ID() string {
	return s.id
}

/* ==== LOCKING ==== */

// LockForeground acquires or re-enters the request-scoped lock. It returns false when
// a background lock is held, the repository lock is owned elsewhere, or the load
// failed. A session the repository no longer has returns true with status NOT_EXISTS
// and no lock depth; callers must check HasExpired.
func (s *Session) LockForeground(ctx context.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.log.Debug().Stringer("status", s.repoStatus).Int("depth", s.fgDepth).Msg("lockForeground: init")
	if s.destroyed {
		return false
	}
	if s.repoStatus == StatusBackgroundLock {
		s.log.Debug().Msg("lockForeground: background lock held")
		return false
	}
	if !s.repoStatus.IsLocked() {
		s.doLoadLocked(ctx, StatusForegroundLock)
		switch s.repoStatus {
		case StatusAlreadyLocked, StatusError:
			s.log.Debug().Stringer("status", s.repoStatus).Msg("lockForeground: failed")
			return false
		case StatusNotExists:
			return true
		}
	}
	s.fgDepth++
	s.log.Debug().Int("depth", s.fgDepth).Msg("lockForeground: locked")
	return true
}

// LockBackground acquires the housekeeping lock. It fails while a foreground lock
// is held; taking it again while already held succeeds without a reload.
func (s *Session) LockBackground(ctx context.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.log.Debug().Stringer("status", s.repoStatus).Msg("lockBackground: init")
	if s.destroyed || s.repoStatus == StatusForegroundLock {
		return false
	}
	if !s.repoStatus.IsLocked() {
		s.doLoadLocked(ctx, StatusBackgroundLock)
		switch s.repoStatus {
		case StatusAlreadyLocked, StatusError:
			return false
		}
	}
	s.fgDepth = 0
	return true
}

// UnlockForeground leaves one level of the foreground lock. The outermost release
// persists the session.
func (s *Session) UnlockForeground() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.log.Debug().Stringer("status", s.repoStatus).Int("depth", s.fgDepth).Msg("unlockForeground: init")
	if s.repoStatus != StatusForegroundLock {
		return
	}
	if s.fgDepth > 0 {
		s.fgDepth--
	}
	if s.fgDepth == 0 {
		s.doSaveLocked()
	}
}

// UnlockForegroundCompletely drops every level of the foreground lock at once.
func (s *Session) UnlockForegroundCompletely() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.log.Debug().Int("depth", s.fgDepth).Msg("unlockForegroundCompletely: init")
	if s.repoStatus != StatusForegroundLock {
		return
	}
	s.fgDepth = 0
	s.doSaveLocked()
}

// UnlockBackground releases the housekeeping lock and persists the session.
func (s *Session) UnlockBackground() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.log.Debug().Stringer("status", s.repoStatus).Msg("unlockBackground: init")
	if s.repoStatus != StatusBackgroundLock {
		return
	}
	s.doSaveLocked()
}

// Refresh performs an unlocked reload unless a lock is held, and returns the
// resulting status.
func (s *Session) Refresh(ctx context.Context) RepoStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.destroyed {
		return StatusNotExists
	}
	if !s.repoStatus.IsLocked() {
		s.doLoadLocked(ctx, StatusNotLoaded)
	}
	return s.repoStatus
}

// HasExpired reports whether the session is gone. Only a repository answer of
// NOT_EXISTS is trusted: a local idle timeout merely triggers a reload to confirm.
func (s *Session) HasExpired(ctx context.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.destroyed {
		return true
	}
	if s.repoStatus.IsLocked() && !s.opts.Sticky {
		return false
	}
	if s.repoStatus == StatusNotExists {
		return true
	}
	if !s.localHasExpiredLocked() {
		return false
	}
	s.log.Debug().Msg("hasExpired: local idle timeout reached, confirming")
	s.doLoadLocked(ctx, StatusNotLoaded)
	return s.repoStatus == StatusNotExists
}

// Expire marks the session destroyed locally. Removing the record is the manager's job.
func (s *Session) Expire() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.destroyed = true
	s.valid = false
	s.fgDepth = 0
	s.cas = NoCAS
	s.repoStatus = StatusNotExists
	s.accessStatus = AccessClean
	s.attributes = make(map[string]any)
	s.principal = nil
}

func (s *Session) localHasExpiredLocked() bool {
	if s.maxInactive <= 0 {
		return false
	}
	return s.opts.Now().Sub(s.thisAccessedTime) >= s.maxInactive
}

/* ==== PERSISTENCE ==== */

// waitPendingLocked blocks until no operation is in flight. The mutex is released
// while waiting so the completion can run.
func (s *Session) waitPendingLocked() {
	for s.pending != nil {
		op := s.pending
		if s.opts.OnPendingWait != nil {
			s.opts.OnPendingWait(false)
		}
		s.log.Debug().Str("op", op.kind).Msg("waiting for pending operation")

		s.mu.Unlock()
		timedOut := false
		if s.opts.WaitTimeout > 0 {
			t := time.NewTimer(s.opts.WaitTimeout)
			select {
			case <-op.done:
			case <-t.C:
				timedOut = true
			}
			t.Stop()
		} else {
			<-op.done
		}
		s.mu.Lock()

		if timedOut && s.pending == op {
			s.log.Warn().Str("op", op.kind).Dur("timeout", s.opts.WaitTimeout).
				Msg("pending operation did not complete in time, forcing reload")
			s.pending = nil
			s.repoStatus = StatusError
			if !s.opts.Sticky {
				s.attributes = make(map[string]any)
			}
			if s.opts.OnPendingWait != nil {
				s.opts.OnPendingWait(true)
			}
		}
	}
}

func (s *Session) doLoadLocked(ctx context.Context, target RepoStatus) {
	s.waitPendingLocked()

	req := LoadRequest{
		ID:        s.id,
		Lock:      lockModeFor(target),
		Claimable: s.claimable,
		Trusted:   s.repoStatus.IsSuccess(),
	}
	res := s.coord.Load(ctx, req)
	if res.Err != nil {
		s.log.Error().Err(res.Err).Stringer("lock", req.Lock).Msg("load failed")
	}
	s.fillLocked(res.Snapshot, res.Status, res.CAS)
	s.log.Debug().Stringer("status", s.repoStatus).Int64("cas", s.cas).Msg("load: done")
}

// fillLocked merges a loaded snapshot. Attributes are adopted only when the copy is
// locked or the deployment is sticky; status and cas are set last.
func (s *Session) fillLocked(snap *Snapshot, status RepoStatus, cas int64) {
	if snap != nil {
		s.creationTime = snap.CreationTime
		s.maxInactive = snap.MaxInactiveInterval
		s.isNew = snap.New
		s.valid = snap.Valid
		s.version = snap.Version
		s.ssoID = snap.SSOID
		if snap.PrincipalName != s.principalName {
			s.principalName = snap.PrincipalName
			s.principal = nil
		}
		if status.IsLocked() || s.opts.Sticky {
			s.attributes = snap.Attributes
			if s.attributes == nil {
				s.attributes = make(map[string]any)
			}
		}
		if snap.ThisAccessedTime.After(s.thisAccessedTime) {
			s.thisAccessedTime = snap.ThisAccessedTime
		}
		if snap.LastAccessedTime.After(s.lastAccessedTime) {
			s.lastAccessedTime = snap.LastAccessedTime
		}
		s.repoAccessedTime = snap.ThisAccessedTime
		s.claimable = false
	}
	s.repoStatus = status
	s.cas = cas
}

func (s *Session) snapshotLocked() *Snapshot {
	attrs := make(map[string]any, len(s.attributes))
	for k, v := range s.attributes {
		attrs[k] = v
	}
	return &Snapshot{
		ID:                  s.id,
		CreationTime:        s.creationTime,
		ThisAccessedTime:    s.thisAccessedTime,
		LastAccessedTime:    s.lastAccessedTime,
		MaxInactiveInterval: s.maxInactive,
		New:                 s.isNew,
		Valid:               s.valid,
		Version:             s.version,
		SSOID:               s.ssoID,
		PrincipalName:       s.principalName,
		Attributes:          attrs,
	}
}

func (s *Session) beginLocked(kind string) *operation {
	op := &operation{kind: kind, done: make(chan struct{})}
	s.pending = op
	return op
}

func (s *Session) completion(op *operation) Completion {
	return func(res Result) {
		op.once.Do(func() {
			s.finish(op, res)
			close(op.done)
		})
	}
}

func (s *Session) finish(op *operation, res Result) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pending != op {
		// the waiter gave up on this operation and already forced a reload
		s.log.Debug().Str("op", op.kind).Err(res.Err).Msg("late completion ignored")
		return
	}
	s.pending = nil
	if !s.opts.Sticky {
		s.attributes = make(map[string]any)
	}
	if res.Err != nil {
		s.repoStatus = StatusError
		s.log.Error().Err(res.Err).Str("op", op.kind).Msg("session persistence failed")
		return
	}
	if op.kind == "save" {
		s.claimable = false
	}
}

// doSaveLocked releases the repository lock with the persistence step NextAction
// picks, then clears the lock bookkeeping.
func (s *Session) doSaveLocked() {
	s.waitPendingLocked()

	if s.repoStatus.IsLocked() {
		action := NextAction(s.repoStatus, s.accessStatus, s.thisAccessedTime.Sub(s.repoAccessedTime),
			s.opts.MaxAccessTimeNotSaving, s.opts.Sticky)
		s.log.Debug().Stringer("access", s.accessStatus).Stringer("action", action).Msg("doSave")

		switch action {
		case ActionSave:
			s.version++
			snap := s.snapshotLocked()
			op := s.beginLocked("save")
			s.coord.SaveAndUnlock(s.id, s.cas, snap, s.completion(op))
			s.repoAccessedTime = s.thisAccessedTime
		case ActionTouch:
			op := s.beginLocked("touch")
			s.coord.Touch(s.id, s.maxInactive, s.completion(op))
		case ActionTouchThenUnlock:
			s.coord.Touch(s.id, s.maxInactive, nil)
			op := s.beginLocked("unlock")
			s.coord.Unlock(s.id, s.cas, s.completion(op))
		case ActionUnlock:
			op := s.beginLocked("unlock")
			s.coord.Unlock(s.id, s.cas, s.completion(op))
		}
	}

	s.cas = NoCAS
	s.repoStatus = StatusNotLoaded
	s.accessStatus = AccessClean
	s.fgDepth = 0
	if !s.opts.Sticky {
		s.repoAccessedTime = time.Time{}
		s.attributes = make(map[string]any)
	}
}

/* ==== ACCESS AND ATTRIBUTES ==== */

// Access records a request touching the session.
func (s *Session) Access() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.opts.Now()
	s.lastAccessedTime = s.thisAccessedTime
	s.thisAccessedTime = now
	if s.accessStatus == AccessClean {
		s.accessStatus = AccessAccessed
	}
}

// Attribute returns the named attribute. Reading anything but a string, bool or
// number marks the session DIRTY, and so does reading a missing attribute.
func (s *Session) Attribute(name string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.attributes[name]
	if !ok || !isScalar(v) {
		s.accessStatus = AccessDirty
	}
	return v, ok
}

// SetAttribute stores value under name. A nil value removes the attribute.
func (s *Session) SetAttribute(name string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if value == nil {
		delete(s.attributes, name)
	} else {
		s.attributes[name] = value
	}
	s.accessStatus = AccessDirty
}

// RemoveAttribute deletes the named attribute.
func (s *Session) RemoveAttribute(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.attributes, name)
	s.accessStatus = AccessDirty
}

// AttributeNames returns the attribute names in sorted order. It does not change
// the access status.
func (s *Session) AttributeNames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	names := make([]string, 0, len(s.attributes))
	for k := range s.attributes {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// isScalar reports whether v is an immutable string, bool or number. nil is not.
func isScalar(v any) bool {
	if v == nil {
		return false
	}
	switch reflect.ValueOf(v).Kind() {
	case reflect.Bool, reflect.String,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64, reflect.Complex64, reflect.Complex128:
		return true
	default:
		return false
	}
}

/* ==== IDENTITY ==== */

// SetPrincipal attaches an identity. Only its name is persisted.
func (s *Session) SetPrincipal(p Principal) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.principal = p
	if p == nil {
		s.principalName = ""
	} else {
		s.principalName = p.Name()
	}
	s.accessStatus = AccessDirty
}

// PrincipalName returns the durable principal name, empty when anonymous.
func (s *Session) PrincipalName() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.principalName
}

// Principal returns the attached identity, rebuilding it lazily through the
// configured resolver when only the name is known.
func (s *Session) Principal(ctx context.Context) (Principal, error) {
	s.mu.Lock()
	name, p := s.principalName, s.principal
	s.mu.Unlock()

	if name == "" {
		return nil, nil
	}
	if p != nil {
		return p, nil
	}
	if s.opts.Resolver == nil {
		return nil, ErrNoIdentityResolver
	}

	p, err := s.opts.Resolver.ResolvePrincipal(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrPrincipalUnresolvable, name, err)
	}
	if p == nil {
		return nil, fmt.Errorf("%w: %q", ErrPrincipalUnresolvable, name)
	}

	s.mu.Lock()
	if s.principalName == name {
		s.principal = p
	}
	s.mu.Unlock()
	return p, nil
}

// SSOID returns the single sign-on id associated with the session.
func (s *Session) SSOID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ssoID
}

// SetSSOID associates a single sign-on id.
func (s *Session) SetSSOID(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ssoID = id
	s.accessStatus = AccessDirty
}

/* ==== ACCESSORS ==== */

func (s *Session) RepoStatus() RepoStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.repoStatus
}

func (s *Session) AccessStatus() AccessStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accessStatus
}

// CAS returns the version token of the held lock, NoCAS when none is held.
func (s *Session) CAS() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cas
}

func (s *Session) ForegroundDepth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fgDepth
}

func (s *Session) IsLocked() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.repoStatus.IsLocked()
}

// HasPendingOperation reports whether an asynchronous operation is in flight.
func (s *Session) HasPendingOperation() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending != nil
}

func (s *Session) CreationTime() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.creationTime
}

func (s *Session) ThisAccessedTime() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.thisAccessedTime
}

func (s *Session) LastAccessedTime() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastAccessedTime
}

func (s *Session) MaxInactiveInterval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxInactive
}

func (s *Session) SetMaxInactiveInterval(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.maxInactive = d
	s.accessStatus = AccessDirty
}

// IsNew reports whether the session was created on this node and never stored.
func (s *Session) IsNew() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isNew
}

// MarkNotNew clears the new flag once the client has seen the session id.
func (s *Session) MarkNotNew() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.isNew {
		s.isNew = false
		s.accessStatus = AccessDirty
	}
}

func (s *Session) IsValid() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.valid && !s.destroyed
}

func (s *Session) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fmt.Sprintf("Session[%s repo=%s access=%s depth=%d cas=%d]",
		s.id, s.repoStatus, s.accessStatus, s.fgDepth, s.cas)
}
