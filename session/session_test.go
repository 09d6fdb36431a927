package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock() *testClock {
	return &testClock{t: time.UnixMilli(1_700_000_000_000)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type call struct {
	kind string
	id   string
	cas  int64
	ttl  time.Duration
	snap *Snapshot
	done Completion
}

type fakeCoordinator struct {
	mu      sync.Mutex
	loads   []LoadRequest
	results []LoadResult
	calls   []call
	nextCAS int64
}

func (f *fakeCoordinator) queue(res ...LoadResult) {
	f.mu.Lock()
	f.results = append(f.results, res...)
	f.mu.Unlock()
}

func (f *fakeCoordinator) Load(_ context.Context, req LoadRequest) LoadResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loads = append(f.loads, req)
	if len(f.results) > 0 {
		res := f.results[0]
		f.results = f.results[1:]
		return res
	}
	if req.Lock == LockNone {
		return LoadResult{Status: StatusNotLoaded, CAS: NoCAS}
	}
	f.nextCAS++
	return LoadResult{Status: req.Lock.Status(), CAS: f.nextCAS}
}

func (f *fakeCoordinator) SaveAndUnlock(id string, cas int64, snap *Snapshot, done Completion) {
	f.record(call{kind: "save", id: id, cas: cas, snap: snap, done: done})
}

func (f *fakeCoordinator) Touch(id string, ttl time.Duration, done Completion) {
	f.record(call{kind: "touch", id: id, ttl: ttl, done: done})
}

func (f *fakeCoordinator) Unlock(id string, cas int64, done Completion) {
	f.record(call{kind: "unlock", id: id, cas: cas, done: done})
}

func (f *fakeCoordinator) record(c call) {
	f.mu.Lock()
	f.calls = append(f.calls, c)
	f.mu.Unlock()
}

func (f *fakeCoordinator) callKinds() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	kinds := make([]string, len(f.calls))
	for i, c := range f.calls {
		kinds[i] = c.kind
	}
	return kinds
}

func (f *fakeCoordinator) call(i int) call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[i]
}

func (f *fakeCoordinator) loadCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.loads)
}

func (f *fakeCoordinator) lastLoad() LoadRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.loads[len(f.loads)-1]
}

func testOptions(clock *testClock) Options {
	return Options{
		MaxAccessTimeNotSaving: 5 * time.Minute,
		MaxInactiveInterval:    30 * time.Minute,
		Logger:                 zerolog.Nop(),
		Now:                    clock.Now,
	}
}

func storedSnapshot(id string, accessed time.Time, attrs map[string]any) *Snapshot {
	return &Snapshot{
		ID:                  id,
		CreationTime:        accessed.Add(-time.Hour),
		ThisAccessedTime:    accessed,
		LastAccessedTime:    accessed,
		MaxInactiveInterval: 30 * time.Minute,
		Valid:               true,
		Version:             3,
		Attributes:          attrs,
	}
}

func sameKinds(got, want []string) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}

func TestNextActionDecisionTable(t *testing.T) {
	const window = 5 * time.Minute
	cases := []struct {
		name   string
		repo   RepoStatus
		access AccessStatus
		since  time.Duration
		sticky bool
		want   Action
	}{
		{"unlocked does nothing", StatusNotLoaded, AccessDirty, 0, false, ActionNone},
		{"error does nothing", StatusError, AccessAccessed, 0, true, ActionNone},
		{"dirty saves", StatusForegroundLock, AccessDirty, 0, false, ActionSave},
		{"dirty saves sticky", StatusBackgroundLock, AccessDirty, 0, true, ActionSave},
		{"accessed past window saves", StatusForegroundLock, AccessAccessed, window, false, ActionSave},
		{"accessed past window saves sticky", StatusForegroundLock, AccessAccessed, 2 * window, true, ActionSave},
		{"accessed within window touches sticky", StatusForegroundLock, AccessAccessed, time.Second, true, ActionTouch},
		{"clean sticky does nothing", StatusForegroundLock, AccessClean, time.Hour, true, ActionNone},
		{"accessed within window touches then unlocks", StatusForegroundLock, AccessAccessed, time.Second, false, ActionTouchThenUnlock},
		{"clean unlocks", StatusBackgroundLock, AccessClean, time.Hour, false, ActionUnlock},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := NextAction(tc.repo, tc.access, tc.since, window, tc.sticky); got != tc.want {
				t.Fatalf("expected %s, got %s", tc.want, got)
			}
		})
	}
}

func TestRepoStatusPredicates(t *testing.T) {
	for _, s := range []RepoStatus{StatusForegroundLock, StatusBackgroundLock} {
		if !s.IsLocked() || !s.IsSuccess() {
			t.Fatalf("%s should be locked and successful", s)
		}
	}
	if StatusNotLoaded.IsLocked() || !StatusNotLoaded.IsSuccess() {
		t.Fatal("NOT_LOADED should be successful and unlocked")
	}
	for _, s := range []RepoStatus{StatusNotExists, StatusAlreadyLocked, StatusError} {
		if s.IsLocked() || s.IsSuccess() {
			t.Fatalf("%s should be neither locked nor successful", s)
		}
	}
}

func TestNewSessionFirstRequestClaimsAndSaves(t *testing.T) {
	clock := newTestClock()
	coord := &fakeCoordinator{}
	coord.queue(LoadResult{Status: StatusForegroundLock, CAS: 7})
	s := New("sid-new", coord, testOptions(clock))

	s.Access()
	if !s.LockForeground(context.Background()) {
		t.Fatal("expected foreground lock")
	}
	if req := coord.lastLoad(); !req.Claimable || req.Lock != LockForeground {
		t.Fatalf("expected claimable foreground load, got %+v", req)
	}
	s.SetAttribute("cart", "3 items")
	s.UnlockForeground()

	if kinds := coord.callKinds(); !sameKinds(kinds, []string{"save"}) {
		t.Fatalf("expected a single save, got %v", kinds)
	}
	save := coord.call(0)
	if save.cas != 7 {
		t.Fatalf("expected save with cas 7, got %d", save.cas)
	}
	if save.snap.Attributes["cart"] != "3 items" {
		t.Fatalf("snapshot missing attribute: %+v", save.snap.Attributes)
	}
	if s.RepoStatus() != StatusNotLoaded || s.AccessStatus() != AccessClean || s.CAS() != NoCAS {
		t.Fatalf("unexpected state after release: %s", s)
	}
	if !s.HasPendingOperation() {
		t.Fatal("expected save to be pending")
	}

	save.done(Result{})
	if s.HasPendingOperation() {
		t.Fatal("expected pending cleared after completion")
	}
	if names := s.AttributeNames(); len(names) != 0 {
		t.Fatalf("non-sticky session should drop attributes after save, got %v", names)
	}

	// once stored the session is no longer claimable
	s.LockForeground(context.Background())
	if coord.lastLoad().Claimable {
		t.Fatal("expected stored session not to be claimable")
	}
}

func TestForegroundLockIsReentrant(t *testing.T) {
	clock := newTestClock()
	coord := &fakeCoordinator{}
	s := NewShell("sid-1", coord, testOptions(clock))
	ctx := context.Background()

	if !s.LockForeground(ctx) || !s.LockForeground(ctx) {
		t.Fatal("expected both lock calls to succeed")
	}
	if coord.loadCount() != 1 {
		t.Fatalf("expected one remote load, got %d", coord.loadCount())
	}
	if s.ForegroundDepth() != 2 {
		t.Fatalf("expected depth 2, got %d", s.ForegroundDepth())
	}

	s.UnlockForeground()
	if len(coord.callKinds()) != 0 {
		t.Fatal("inner unlock must not persist")
	}
	if s.RepoStatus() != StatusForegroundLock {
		t.Fatalf("expected lock kept, got %s", s.RepoStatus())
	}

	s.UnlockForeground()
	if kinds := coord.callKinds(); !sameKinds(kinds, []string{"unlock"}) {
		t.Fatalf("expected a single unlock for a clean session, got %v", kinds)
	}
	if s.ForegroundDepth() != 0 || s.RepoStatus() != StatusNotLoaded {
		t.Fatalf("unexpected state: %s", s)
	}
}

func TestUnlockForegroundCompletely(t *testing.T) {
	coord := &fakeCoordinator{}
	s := NewShell("sid-1", coord, testOptions(newTestClock()))
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		s.LockForeground(ctx)
	}

	s.UnlockForegroundCompletely()
	if s.ForegroundDepth() != 0 || s.IsLocked() {
		t.Fatalf("expected fully released, got %s", s)
	}
	if kinds := coord.callKinds(); !sameKinds(kinds, []string{"unlock"}) {
		t.Fatalf("expected one unlock, got %v", kinds)
	}
}

func TestLockConflictReturnsFalse(t *testing.T) {
	coord := &fakeCoordinator{}
	coord.queue(LoadResult{Status: StatusAlreadyLocked, CAS: NoCAS})
	s := NewShell("sid-1", coord, testOptions(newTestClock()))

	if s.LockForeground(context.Background()) {
		t.Fatal("expected lock conflict")
	}
	if s.RepoStatus() != StatusAlreadyLocked || s.ForegroundDepth() != 0 {
		t.Fatalf("unexpected state: %s", s)
	}
	s.UnlockForeground()
	if len(coord.callKinds()) != 0 {
		t.Fatal("unlock of an unheld lock must not dispatch")
	}
}

func TestBackgroundLockExcludesForegroundAndRetakes(t *testing.T) {
	coord := &fakeCoordinator{}
	s := NewShell("sid-1", coord, testOptions(newTestClock()))
	ctx := context.Background()

	if !s.LockBackground(ctx) {
		t.Fatal("expected background lock")
	}
	if s.LockForeground(ctx) {
		t.Fatal("foreground lock must fail while background lock is held")
	}
	if !s.LockBackground(ctx) {
		t.Fatal("retaking a held background lock must succeed")
	}
	if s.RepoStatus() != StatusBackgroundLock || s.ForegroundDepth() != 0 {
		t.Fatalf("unexpected state after retake: %s", s)
	}
	if coord.loadCount() != 1 {
		t.Fatalf("expected no extra loads, got %d", coord.loadCount())
	}

	s.UnlockForeground()
	if s.RepoStatus() != StatusBackgroundLock {
		t.Fatal("foreground unlock must not release a background lock")
	}
	s.UnlockBackground()
	if s.RepoStatus() != StatusNotLoaded {
		t.Fatalf("expected NOT_LOADED, got %s", s.RepoStatus())
	}
}

func TestNotExistsLockSucceedsWithoutDepth(t *testing.T) {
	coord := &fakeCoordinator{}
	coord.queue(LoadResult{Status: StatusNotExists, CAS: NoCAS})
	s := NewShell("sid-gone", coord, testOptions(newTestClock()))
	ctx := context.Background()

	if !s.LockForeground(ctx) {
		t.Fatal("NOT_EXISTS should report success so callers check expiry")
	}
	if s.ForegroundDepth() != 0 {
		t.Fatalf("expected no depth for an absent session, got %d", s.ForegroundDepth())
	}
	if !s.HasExpired(ctx) {
		t.Fatal("expected expired session")
	}
	if coord.loadCount() != 1 {
		t.Fatal("NOT_EXISTS must be trusted without another load")
	}
}

func TestAccessedWithinWindowTouchesThenUnlocks(t *testing.T) {
	clock := newTestClock()
	coord := &fakeCoordinator{}
	coord.queue(LoadResult{
		Status:   StatusForegroundLock,
		CAS:      12,
		Snapshot: storedSnapshot("sid-1", clock.Now(), map[string]any{"user": "ann"}),
	})
	s := NewShell("sid-1", coord, testOptions(clock))

	clock.Advance(time.Second)
	s.Access()
	if !s.LockForeground(context.Background()) {
		t.Fatal("expected lock")
	}
	if v, _ := s.Attribute("user"); v != "ann" {
		t.Fatalf("expected loaded attribute, got %v", v)
	}
	s.UnlockForeground()

	if kinds := coord.callKinds(); !sameKinds(kinds, []string{"touch", "unlock"}) {
		t.Fatalf("expected touch then unlock, got %v", kinds)
	}
	if coord.call(0).done != nil {
		t.Fatal("touch before unlock must be untracked")
	}
	if coord.call(0).ttl != 30*time.Minute {
		t.Fatalf("expected touch with max inactive interval, got %s", coord.call(0).ttl)
	}
	if coord.call(1).cas != 12 {
		t.Fatalf("expected unlock with cas 12, got %d", coord.call(1).cas)
	}
}

func TestAccessedPastWindowSavesAndAdvancesRepoAccess(t *testing.T) {
	clock := newTestClock()
	coord := &fakeCoordinator{}
	coord.queue(LoadResult{
		Status:   StatusForegroundLock,
		CAS:      4,
		Snapshot: storedSnapshot("sid-1", clock.Now(), nil),
	})
	s := NewShell("sid-1", coord, testOptions(clock))

	clock.Advance(6 * time.Minute)
	s.Access()
	s.LockForeground(context.Background())
	s.UnlockForeground()

	if kinds := coord.callKinds(); !sameKinds(kinds, []string{"save"}) {
		t.Fatalf("expected save, got %v", kinds)
	}
	save := coord.call(0)
	if !save.snap.ThisAccessedTime.Equal(clock.Now()) {
		t.Fatalf("expected snapshot access time %v, got %v", clock.Now(), save.snap.ThisAccessedTime)
	}
	if save.snap.Version != 4 {
		t.Fatalf("expected snapshot version bumped to 4, got %d", save.snap.Version)
	}
}

func TestStickyReleaseTouchesOrSkips(t *testing.T) {
	clock := newTestClock()
	coord := &fakeCoordinator{}
	opts := testOptions(clock)
	opts.Sticky = true
	coord.queue(LoadResult{
		Status:   StatusForegroundLock,
		CAS:      NoCAS,
		Snapshot: storedSnapshot("sid-1", clock.Now(), map[string]any{"k": "v"}),
	})
	s := NewShell("sid-1", coord, opts)
	ctx := context.Background()

	clock.Advance(time.Second)
	s.Access()
	s.LockForeground(ctx)
	s.UnlockForeground()
	if kinds := coord.callKinds(); !sameKinds(kinds, []string{"touch"}) {
		t.Fatalf("expected a tracked touch, got %v", kinds)
	}
	touch := coord.call(0)
	if touch.done == nil {
		t.Fatal("sticky touch must be tracked")
	}
	touch.done(Result{})

	if v, ok := s.Attribute("k"); !ok || v != "v" {
		t.Fatal("sticky session keeps attributes between requests")
	}

	s.LockForeground(ctx)
	if !coord.lastLoad().Trusted {
		t.Fatal("expected sticky reload to be marked trusted")
	}
	s.UnlockForeground()
	if n := len(coord.callKinds()); n != 1 {
		t.Fatalf("clean sticky release must not dispatch, got %d calls", n)
	}
}

func TestLockWaitsForPendingOperation(t *testing.T) {
	coord := &fakeCoordinator{}
	s := NewShell("sid-1", coord, testOptions(newTestClock()))
	ctx := context.Background()

	s.LockForeground(ctx)
	s.SetAttribute("a", 1)
	s.UnlockForeground()

	locked := make(chan bool, 1)
	go func() { locked <- s.LockForeground(ctx) }()

	select {
	case <-locked:
		t.Fatal("lock must wait for the pending save")
	case <-time.After(50 * time.Millisecond):
	}

	coord.call(0).done(Result{})
	select {
	case ok := <-locked:
		if !ok {
			t.Fatal("expected lock after save completed")
		}
	case <-time.After(time.Second):
		t.Fatal("lock did not resume after completion")
	}
	if coord.loadCount() != 2 {
		t.Fatalf("expected a second load, got %d", coord.loadCount())
	}
}

func TestPendingWaitTimeoutForcesReload(t *testing.T) {
	coord := &fakeCoordinator{}
	opts := testOptions(newTestClock())
	opts.WaitTimeout = 20 * time.Millisecond
	var waits, timeouts int
	var mu sync.Mutex
	opts.OnPendingWait = func(timedOut bool) {
		mu.Lock()
		defer mu.Unlock()
		if timedOut {
			timeouts++
		} else {
			waits++
		}
	}
	s := NewShell("sid-1", coord, opts)
	ctx := context.Background()

	s.LockForeground(ctx)
	s.SetAttribute("a", 1)
	s.UnlockForeground()

	if !s.LockForeground(ctx) {
		t.Fatal("expected reload after wait timeout to lock")
	}
	mu.Lock()
	if waits != 1 || timeouts != 1 {
		t.Fatalf("expected one wait and one timeout, got %d/%d", waits, timeouts)
	}
	mu.Unlock()
	if coord.lastLoad().Trusted {
		t.Fatal("forced reload must not trust the local copy")
	}

	// the abandoned save finally fails; the new lock is unaffected
	coord.call(0).done(Result{Err: errors.New("late")})
	if s.RepoStatus() != StatusForegroundLock {
		t.Fatalf("late completion changed status to %s", s.RepoStatus())
	}
}

func TestFailedPersistenceForcesReload(t *testing.T) {
	coord := &fakeCoordinator{}
	s := NewShell("sid-1", coord, testOptions(newTestClock()))
	ctx := context.Background()

	s.LockForeground(ctx)
	s.UnlockForeground()
	coord.call(0).done(Result{Err: errors.New("unavailable")})

	if s.RepoStatus() != StatusError {
		t.Fatalf("expected ERROR after failed unlock, got %s", s.RepoStatus())
	}
	if s.LockForeground(ctx) != true || coord.loadCount() != 2 {
		t.Fatal("expected the next lock to reload")
	}
}

func TestCompletionRunsOnce(t *testing.T) {
	coord := &fakeCoordinator{}
	s := NewShell("sid-1", coord, testOptions(newTestClock()))
	s.LockForeground(context.Background())
	s.UnlockForeground()

	done := coord.call(0).done
	done(Result{})
	done(Result{Err: errors.New("duplicate")})
	if s.RepoStatus() != StatusNotLoaded {
		t.Fatalf("second completion must be ignored, got %s", s.RepoStatus())
	}
}

func TestHasExpiredTrustsOnlyRepository(t *testing.T) {
	clock := newTestClock()
	ctx := context.Background()

	t.Run("locked non-sticky is never expired", func(t *testing.T) {
		coord := &fakeCoordinator{}
		s := NewShell("sid-1", coord, testOptions(clock))
		s.LockForeground(ctx)
		clock.Advance(time.Hour)
		if s.HasExpired(ctx) {
			t.Fatal("locked session cannot expire")
		}
	})

	t.Run("fresh session skips the repository", func(t *testing.T) {
		coord := &fakeCoordinator{}
		s := New("sid-2", coord, testOptions(clock))
		if s.HasExpired(ctx) || coord.loadCount() != 0 {
			t.Fatal("expected no expiry and no load")
		}
	})

	t.Run("idle session confirmed absent", func(t *testing.T) {
		coord := &fakeCoordinator{}
		s := New("sid-3", coord, testOptions(clock))
		clock.Advance(31 * time.Minute)
		coord.queue(LoadResult{Status: StatusNotExists, CAS: NoCAS})
		if !s.HasExpired(ctx) {
			t.Fatal("expected expiry confirmed by repository")
		}
		if coord.lastLoad().Lock != LockNone {
			t.Fatal("confirmation load must not lock")
		}
		if !s.HasExpired(ctx) || coord.loadCount() != 1 {
			t.Fatal("NOT_EXISTS must stay expired without reloading")
		}
	})

	t.Run("idle session refreshed by another node", func(t *testing.T) {
		coord := &fakeCoordinator{}
		s := New("sid-4", coord, testOptions(clock))
		clock.Advance(31 * time.Minute)
		coord.queue(LoadResult{Status: StatusNotLoaded, CAS: NoCAS, Snapshot: storedSnapshot("sid-4", clock.Now(), nil)})
		if s.HasExpired(ctx) {
			t.Fatal("session used elsewhere must not expire")
		}
		if !s.ThisAccessedTime().Equal(clock.Now()) {
			t.Fatal("expected access time merged from repository")
		}
	})
}

func TestFillKeepsLatestAccessTimesAndGuardsAttributes(t *testing.T) {
	clock := newTestClock()
	coord := &fakeCoordinator{}
	s := NewShell("sid-1", coord, testOptions(clock))
	ctx := context.Background()

	older := clock.Now().Add(-time.Minute)
	coord.queue(LoadResult{Status: StatusNotLoaded, CAS: NoCAS, Snapshot: storedSnapshot("sid-1", older, map[string]any{"x": "y"})})
	s.Refresh(ctx)

	if !s.ThisAccessedTime().Equal(clock.Now()) {
		t.Fatal("local access time is newer and must be kept")
	}
	if _, ok := s.Attribute("x"); ok {
		t.Fatal("unlocked non-sticky load must not adopt attributes")
	}
	if s.MaxInactiveInterval() != 30*time.Minute {
		t.Fatal("identity fields are always copied")
	}
}

func TestAttributeReadsDirtyForCompositesAndMissing(t *testing.T) {
	clock := newTestClock()
	coord := &fakeCoordinator{}
	coord.queue(LoadResult{
		Status: StatusForegroundLock,
		CAS:    2,
		Snapshot: storedSnapshot("sid-1", clock.Now(), map[string]any{
			"name":  "ann",
			"count": int64(3),
			"ok":    true,
			"cart":  map[string]any{"sku": "a"},
		}),
	})
	s := NewShell("sid-1", coord, testOptions(clock))
	s.LockForeground(context.Background())

	for _, name := range []string{"name", "count", "ok"} {
		s.Attribute(name)
	}
	if s.AccessStatus() != AccessClean {
		t.Fatalf("scalar reads must not dirty, got %s", s.AccessStatus())
	}
	s.AttributeNames()
	if s.AccessStatus() != AccessClean {
		t.Fatal("listing names must not dirty")
	}
	s.Attribute("cart")
	if s.AccessStatus() != AccessDirty {
		t.Fatal("composite read must dirty")
	}
}

func TestAttributeReadOfMissingValueDirties(t *testing.T) {
	clock := newTestClock()
	coord := &fakeCoordinator{}
	coord.queue(LoadResult{
		Status:   StatusForegroundLock,
		CAS:      2,
		Snapshot: storedSnapshot("sid-1", clock.Now(), map[string]any{"name": "ann"}),
	})
	s := NewShell("sid-1", coord, testOptions(clock))
	s.LockForeground(context.Background())

	if v, ok := s.Attribute("missing"); ok || v != nil {
		t.Fatalf("expected no value, got %v/%v", v, ok)
	}
	if s.AccessStatus() != AccessDirty {
		t.Fatalf("reading a missing attribute must dirty, got %s", s.AccessStatus())
	}
}

type namedPrincipal string

func (p namedPrincipal) Name() string { return string(p) }

type resolverFunc func(ctx context.Context, name string) (Principal, error)

func (f resolverFunc) ResolvePrincipal(ctx context.Context, name string) (Principal, error) {
	return f(ctx, name)
}

func TestPrincipalResolvedLazily(t *testing.T) {
	clock := newTestClock()
	coord := &fakeCoordinator{}
	snap := storedSnapshot("sid-1", clock.Now(), nil)
	snap.PrincipalName = "ann"
	coord.queue(LoadResult{Status: StatusForegroundLock, CAS: 1, Snapshot: snap})

	calls := 0
	opts := testOptions(clock)
	opts.Resolver = resolverFunc(func(_ context.Context, name string) (Principal, error) {
		calls++
		if name != "ann" {
			return nil, errors.New("unknown")
		}
		return namedPrincipal(name), nil
	})
	s := NewShell("sid-1", coord, opts)
	ctx := context.Background()
	s.LockForeground(ctx)

	for i := 0; i < 2; i++ {
		p, err := s.Principal(ctx)
		if err != nil || p.Name() != "ann" {
			t.Fatalf("resolve principal: %v %v", p, err)
		}
	}
	if calls != 1 {
		t.Fatalf("expected principal cached after first resolve, got %d calls", calls)
	}

	s.SetPrincipal(namedPrincipal("bob"))
	if s.PrincipalName() != "bob" || s.AccessStatus() != AccessDirty {
		t.Fatal("setting principal must update name and dirty the session")
	}
}

func TestPrincipalWithoutResolver(t *testing.T) {
	clock := newTestClock()
	coord := &fakeCoordinator{}
	snap := storedSnapshot("sid-1", clock.Now(), nil)
	snap.PrincipalName = "ann"
	coord.queue(LoadResult{Status: StatusNotLoaded, CAS: NoCAS, Snapshot: snap})
	s := NewShell("sid-1", coord, testOptions(clock))
	s.Refresh(context.Background())

	if _, err := s.Principal(context.Background()); !errors.Is(err, ErrNoIdentityResolver) {
		t.Fatalf("expected ErrNoIdentityResolver, got %v", err)
	}

	anon := New("sid-2", coord, testOptions(clock))
	if p, err := anon.Principal(context.Background()); p != nil || err != nil {
		t.Fatalf("anonymous session has no principal, got %v %v", p, err)
	}
}

func TestExpiredSessionNeverReloads(t *testing.T) {
	coord := &fakeCoordinator{}
	s := New("sid-1", coord, testOptions(newTestClock()))
	s.SetAttribute("a", "b")
	s.Expire()

	ctx := context.Background()
	if s.LockForeground(ctx) || s.LockBackground(ctx) {
		t.Fatal("destroyed session must not lock")
	}
	if !s.HasExpired(ctx) || s.IsValid() {
		t.Fatal("destroyed session must report expired")
	}
	if s.Refresh(ctx) != StatusNotExists || coord.loadCount() != 0 {
		t.Fatal("destroyed session must not reach the repository")
	}
	if len(s.AttributeNames()) != 0 {
		t.Fatal("expected attributes cleared")
	}
}

func TestConcurrentRequestsSerializeOnLock(t *testing.T) {
	coord := &fakeCoordinator{}
	s := NewShell("sid-1", coord, testOptions(newTestClock()))
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if s.LockForeground(ctx) {
				s.Access()
				s.UnlockForeground()
			}
		}()
	}

	stop := make(chan struct{})
	go func() {
		seen := 0
		for {
			select {
			case <-stop:
				return
			default:
			}
			kinds := coord.callKinds()
			for ; seen < len(kinds); seen++ {
				if done := coord.call(seen).done; done != nil {
					done(Result{})
				}
			}
			time.Sleep(time.Millisecond)
		}
	}()
	wg.Wait()
	close(stop)

	if s.ForegroundDepth() < 0 {
		t.Fatal("depth must never be negative")
	}
}
