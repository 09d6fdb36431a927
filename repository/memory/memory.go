// Package memory provides a thread-safe in-memory implementation of repository.Repository.
// Suitable for testing, demos, and single-process use cases.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/MrEthical07/goSession/repository"
)

type entry struct {
	data      []byte
	stored    bool
	version   int64
	lockCAS   int64
	lockUntil time.Time
	expiresAt time.Time
}

func (e *entry) locked(now time.Time) bool {
	return e.lockCAS != repository.NoCAS && now.Before(e.lockUntil)
}

func (e *entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

// Repository is a thread-safe in-memory implementation of repository.Repository.
type Repository struct {
	mu      sync.Mutex
	data    map[string]*entry
	now     func() time.Time
	latency time.Duration
}

var (
	_ repository.Repository = (*Repository)(nil)
	_ repository.Lister     = (*Repository)(nil)
)

// Option configures a Repository.
type Option func(*Repository)

// WithClock replaces time.Now, mainly for tests that need to move time forward.
func WithClock(now func() time.Time) Option {
	return func(r *Repository) {
		if now != nil {
			r.now = now
		}
	}
}

// WithLatency delays every operation, simulating a remote round trip.
func WithLatency(d time.Duration) Option {
	return func(r *Repository) {
		r.latency = d
	}
}

// NewRepository creates a new empty in-memory Repository.
func NewRepository(opts ...Option) *Repository {
	r := &Repository{
		data: make(map[string]*entry),
		now:  time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte(nil), b...)
}

func (r *Repository) wait(ctx context.Context) error {
	if r.latency <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(r.latency)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// lookupLocked returns the live entry for id, evicting it when expired.
func (r *Repository) lookupLocked(id string, now time.Time) *entry {
	e, ok := r.data[id]
	if !ok {
		return nil
	}
	if e.expired(now) {
		delete(r.data, id)
		return nil
	}
	return e
}

func (r *Repository) Get(ctx context.Context, id string) (*repository.Record, error) {
	if err := r.wait(ctx); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	e := r.lookupLocked(id, r.now())
	if e == nil || !e.stored {
		return nil, repository.ErrNotFound
	}
	return &repository.Record{Data: cloneBytes(e.data), CAS: e.version}, nil
}

func (r *Repository) GetAndLock(ctx context.Context, id string, lockTTL time.Duration) (*repository.Record, error) {
	if err := r.wait(ctx); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	e := r.lookupLocked(id, now)
	if e == nil || !e.stored {
		return nil, repository.ErrNotFound
	}
	if e.locked(now) {
		return nil, repository.ErrLocked
	}
	e.version++
	e.lockCAS = e.version
	e.lockUntil = now.Add(lockTTL)
	return &repository.Record{Data: cloneBytes(e.data), CAS: e.version}, nil
}

func (r *Repository) Claim(ctx context.Context, id string, lockTTL time.Duration) (int64, error) {
	if err := r.wait(ctx); err != nil {
		return 0, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	if e := r.lookupLocked(id, now); e != nil && (e.stored || e.locked(now)) {
		return 0, repository.ErrExists
	}
	e := &entry{
		version:   1,
		lockCAS:   1,
		lockUntil: now.Add(lockTTL),
		expiresAt: now.Add(lockTTL),
	}
	r.data[id] = e
	return e.version, nil
}

func (r *Repository) SaveAndUnlock(ctx context.Context, id string, cas int64, data []byte, ttl time.Duration) error {
	if err := r.wait(ctx); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	e := r.lookupLocked(id, now)
	if cas != repository.NoCAS {
		if e == nil || e.version != cas || !e.locked(now) || e.lockCAS != cas {
			return repository.ErrStaleVersion
		}
	}
	if e == nil {
		e = &entry{}
		r.data[id] = e
	}
	e.version++
	e.data = cloneBytes(data)
	e.stored = true
	e.lockCAS = repository.NoCAS
	e.lockUntil = time.Time{}
	if ttl > 0 {
		e.expiresAt = now.Add(ttl)
	} else {
		e.expiresAt = time.Time{}
	}
	return nil
}

func (r *Repository) Touch(ctx context.Context, id string, ttl time.Duration) error {
	if err := r.wait(ctx); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	e := r.lookupLocked(id, now)
	if e == nil {
		return repository.ErrNotFound
	}
	if ttl > 0 {
		e.expiresAt = now.Add(ttl)
	} else {
		e.expiresAt = time.Time{}
	}
	return nil
}

func (r *Repository) Unlock(ctx context.Context, id string, cas int64) error {
	if err := r.wait(ctx); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	e := r.lookupLocked(id, now)
	if e == nil || !e.locked(now) || e.lockCAS != cas {
		return repository.ErrStaleVersion
	}
	e.lockCAS = repository.NoCAS
	e.lockUntil = time.Time{}
	if !e.stored {
		// a claim that was never saved leaves nothing behind
		delete(r.data, id)
	}
	return nil
}

func (r *Repository) Delete(ctx context.Context, id string) error {
	if err := r.wait(ctx); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.data, id)
	return nil
}

func (r *Repository) Ping(ctx context.Context) error {
	return ctx.Err()
}

// Len returns the number of live records, locked claims included.
func (r *Repository) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	n := 0
	for id := range r.data {
		if r.lookupLocked(id, now) != nil {
			n++
		}
	}
	return n
}

// IDs returns the ids of stored sessions in no particular order.
func (r *Repository) IDs(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	ids := make([]string, 0, len(r.data))
	for id := range r.data {
		if e := r.lookupLocked(id, now); e != nil && e.stored {
			ids = append(ids, id)
		}
	}
	return ids, nil
}
