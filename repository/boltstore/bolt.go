// Package boltstore provides a BBolt-backed session repository for single-node
// deployments that want sessions to survive a restart without running Redis.
package boltstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	"github.com/MrEthical07/goSession/repository"
)

var sessionsBucket = []byte("sessions")

type record struct {
	Data      []byte `json:"d,omitempty"`
	Stored    bool   `json:"s"`
	Version   int64  `json:"v"`
	LockCAS   int64  `json:"l"`
	LockUntil int64  `json:"lu,omitempty"`
	ExpiresAt int64  `json:"e,omitempty"`
}

func (r *record) locked(now int64) bool {
	return r.LockCAS != repository.NoCAS && now < r.LockUntil
}

func (r *record) expired(now int64) bool {
	return r.ExpiresAt != 0 && now >= r.ExpiresAt
}

// Store implements repository.Repository backed by a BBolt database.
type Store struct {
	db  *bbolt.DB
	now func() time.Time
}

var (
	_ repository.Repository = (*Store)(nil)
	_ repository.Lister     = (*Store)(nil)
)

// Option configures a Store.
type Option func(*Store)

// WithClock replaces time.Now for expiry bookkeeping.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// NewRepository returns a Store backed by the given BBolt database.
func NewRepository(db *bbolt.DB, opts ...Option) (*Store, error) {
	s := &Store{db: db, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(sessionsBucket)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("creating sessions bucket: %w", err)
	}
	return s, nil
}

// NewRepositoryFromFile opens a BBolt database at path and returns a Store on it.
func NewRepositoryFromFile(path string, options *bbolt.Options, opts ...Option) (*Store, error) {
	db, err := bbolt.Open(path, 0600, options)
	if err != nil {
		return nil, fmt.Errorf("opening bbolt db: %w", err)
	}
	s, err := NewRepository(db, opts...)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying BBolt database.
func (s *Store) Close() error {
	return s.db.Close()
}

func unavailable(err error) error {
	return fmt.Errorf("%w: %w", repository.ErrUnavailable, err)
}

func load(b *bbolt.Bucket, id string, now int64) (*record, error) {
	raw := b.Get([]byte(id))
	if raw == nil {
		return nil, nil
	}
	var r record
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, err
	}
	if r.expired(now) {
		return nil, b.Delete([]byte(id))
	}
	return &r, nil
}

func put(b *bbolt.Bucket, id string, r *record) error {
	data, err := json.Marshal(r)
	if err != nil {
		return err
	}
	return b.Put([]byte(id), data)
}

func expiry(now int64, ttl time.Duration) int64 {
	if ttl <= 0 {
		return 0
	}
	return now + ttl.Milliseconds()
}

// update runs fn in a write transaction. Sentinel errors returned by fn pass
// through untouched; anything else is reported as unavailable.
func (s *Store) update(ctx context.Context, fn func(b *bbolt.Bucket, now int64) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	var sentinel error
	err := s.db.Update(func(tx *bbolt.Tx) error {
		err := fn(tx.Bucket(sessionsBucket), s.now().UnixMilli())
		if isSentinel(err) {
			sentinel = err
			return nil
		}
		return err
	})
	if err != nil {
		return unavailable(err)
	}
	return sentinel
}

func isSentinel(err error) bool {
	switch err {
	case repository.ErrNotFound, repository.ErrLocked, repository.ErrStaleVersion, repository.ErrExists:
		return true
	}
	return false
}

func (s *Store) Get(ctx context.Context, id string) (*repository.Record, error) {
	var out *repository.Record
	err := s.update(ctx, func(b *bbolt.Bucket, now int64) error {
		r, err := load(b, id, now)
		if err != nil {
			return err
		}
		if r == nil || !r.Stored {
			return repository.ErrNotFound
		}
		out = &repository.Record{Data: r.Data, CAS: r.Version}
		return nil
	})
	return out, err
}

func (s *Store) GetAndLock(ctx context.Context, id string, lockTTL time.Duration) (*repository.Record, error) {
	var out *repository.Record
	err := s.update(ctx, func(b *bbolt.Bucket, now int64) error {
		r, err := load(b, id, now)
		if err != nil {
			return err
		}
		if r == nil || !r.Stored {
			return repository.ErrNotFound
		}
		if r.locked(now) {
			return repository.ErrLocked
		}
		r.Version++
		r.LockCAS = r.Version
		r.LockUntil = now + lockTTL.Milliseconds()
		out = &repository.Record{Data: r.Data, CAS: r.Version}
		return put(b, id, r)
	})
	return out, err
}

func (s *Store) Claim(ctx context.Context, id string, lockTTL time.Duration) (int64, error) {
	var cas int64
	err := s.update(ctx, func(b *bbolt.Bucket, now int64) error {
		r, err := load(b, id, now)
		if err != nil {
			return err
		}
		if r != nil && (r.Stored || r.locked(now)) {
			return repository.ErrExists
		}
		r = &record{
			Version:   1,
			LockCAS:   1,
			LockUntil: now + lockTTL.Milliseconds(),
			ExpiresAt: now + lockTTL.Milliseconds(),
		}
		cas = r.Version
		return put(b, id, r)
	})
	return cas, err
}

func (s *Store) SaveAndUnlock(ctx context.Context, id string, cas int64, data []byte, ttl time.Duration) error {
	return s.update(ctx, func(b *bbolt.Bucket, now int64) error {
		r, err := load(b, id, now)
		if err != nil {
			return err
		}
		if cas != repository.NoCAS {
			if r == nil || r.Version != cas || !r.locked(now) || r.LockCAS != cas {
				return repository.ErrStaleVersion
			}
		}
		if r == nil {
			r = &record{}
		}
		r.Version++
		r.Data = data
		r.Stored = true
		r.LockCAS = repository.NoCAS
		r.LockUntil = 0
		r.ExpiresAt = expiry(now, ttl)
		return put(b, id, r)
	})
}

func (s *Store) Touch(ctx context.Context, id string, ttl time.Duration) error {
	return s.update(ctx, func(b *bbolt.Bucket, now int64) error {
		r, err := load(b, id, now)
		if err != nil {
			return err
		}
		if r == nil || !r.Stored {
			return repository.ErrNotFound
		}
		r.ExpiresAt = expiry(now, ttl)
		return put(b, id, r)
	})
}

func (s *Store) Unlock(ctx context.Context, id string, cas int64) error {
	return s.update(ctx, func(b *bbolt.Bucket, now int64) error {
		r, err := load(b, id, now)
		if err != nil {
			return err
		}
		if r == nil || !r.locked(now) || r.LockCAS != cas {
			return repository.ErrStaleVersion
		}
		if !r.Stored {
			return b.Delete([]byte(id))
		}
		r.LockCAS = repository.NoCAS
		r.LockUntil = 0
		return put(b, id, r)
	})
}

func (s *Store) Delete(ctx context.Context, id string) error {
	return s.update(ctx, func(b *bbolt.Bucket, _ int64) error {
		return b.Delete([]byte(id))
	})
}

func (s *Store) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.View(func(tx *bbolt.Tx) error {
		if tx.Bucket(sessionsBucket) == nil {
			return unavailable(fmt.Errorf("bucket %q missing", sessionsBucket))
		}
		return nil
	})
}

// IDs returns the ids of stored, unexpired sessions in key order.
func (s *Store) IDs(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	now := s.now().UnixMilli()
	var ids []string
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(sessionsBucket).ForEach(func(k, v []byte) error {
			var r record
			if err := json.Unmarshal(v, &r); err != nil {
				return err
			}
			if r.Stored && !r.expired(now) {
				ids = append(ids, string(k))
			}
			return nil
		})
	})
	if err != nil {
		return nil, unavailable(err)
	}
	return ids, nil
}
