// Package repotest holds the behavioural test suite every repository backend must pass.
package repotest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MrEthical07/goSession/repository"
)

// Harness is a freshly created backend plus a way to move its notion of time forward.
type Harness struct {
	Repo    repository.Repository
	Advance func(d time.Duration)
}

// Factory builds an empty backend for one subtest.
type Factory func(t *testing.T) Harness

const lockTTL = 30 * time.Second

// Run executes the suite against backends produced by newHarness.
func Run(t *testing.T, newHarness Factory) {
	t.Helper()

	t.Run("GetMissing", func(t *testing.T) {
		h := newHarness(t)
		_, err := h.Repo.Get(context.Background(), "missing")
		assert.ErrorIs(t, err, repository.ErrNotFound)
		_, err = h.Repo.GetAndLock(context.Background(), "missing", lockTTL)
		assert.ErrorIs(t, err, repository.ErrNotFound)
	})

	t.Run("ClaimSaveGet", func(t *testing.T) {
		h := newHarness(t)
		ctx := context.Background()

		cas, err := h.Repo.Claim(ctx, "s1", lockTTL)
		require.NoError(t, err)

		_, err = h.Repo.Get(ctx, "s1")
		assert.ErrorIs(t, err, repository.ErrNotFound, "a claim is not a stored record")
		_, err = h.Repo.Claim(ctx, "s1", lockTTL)
		assert.ErrorIs(t, err, repository.ErrExists)

		require.NoError(t, h.Repo.SaveAndUnlock(ctx, "s1", cas, []byte("v1"), time.Hour))

		rec, err := h.Repo.Get(ctx, "s1")
		require.NoError(t, err)
		assert.Equal(t, []byte("v1"), rec.Data)

		_, err = h.Repo.Claim(ctx, "s1", lockTTL)
		assert.ErrorIs(t, err, repository.ErrExists)
	})

	t.Run("LockConflictAndRelease", func(t *testing.T) {
		h := newHarness(t)
		ctx := context.Background()
		seed(t, h.Repo, "s1", "v1")

		rec, err := h.Repo.GetAndLock(ctx, "s1", lockTTL)
		require.NoError(t, err)
		assert.Equal(t, []byte("v1"), rec.Data)

		_, err = h.Repo.GetAndLock(ctx, "s1", lockTTL)
		assert.ErrorIs(t, err, repository.ErrLocked)

		plain, err := h.Repo.Get(ctx, "s1")
		require.NoError(t, err, "unlocked reads ignore the lock")
		assert.Equal(t, []byte("v1"), plain.Data)

		assert.ErrorIs(t, h.Repo.Unlock(ctx, "s1", rec.CAS+100), repository.ErrStaleVersion)
		require.NoError(t, h.Repo.Unlock(ctx, "s1", rec.CAS))

		again, err := h.Repo.GetAndLock(ctx, "s1", lockTTL)
		require.NoError(t, err)
		assert.NotEqual(t, rec.CAS, again.CAS, "each lock hands out a fresh token")
	})

	t.Run("ConditionalSaveRejectsStaleToken", func(t *testing.T) {
		h := newHarness(t)
		ctx := context.Background()
		seed(t, h.Repo, "s1", "v1")

		rec, err := h.Repo.GetAndLock(ctx, "s1", lockTTL)
		require.NoError(t, err)
		err = h.Repo.SaveAndUnlock(ctx, "s1", rec.CAS-1, []byte("bad"), time.Hour)
		assert.ErrorIs(t, err, repository.ErrStaleVersion)

		require.NoError(t, h.Repo.SaveAndUnlock(ctx, "s1", rec.CAS, []byte("v2"), time.Hour))
		err = h.Repo.SaveAndUnlock(ctx, "s1", rec.CAS, []byte("v3"), time.Hour)
		assert.ErrorIs(t, err, repository.ErrStaleVersion, "the lock is gone after a save")

		got, err := h.Repo.Get(ctx, "s1")
		require.NoError(t, err)
		assert.Equal(t, []byte("v2"), got.Data)
	})

	t.Run("UnconditionalSave", func(t *testing.T) {
		h := newHarness(t)
		ctx := context.Background()

		require.NoError(t, h.Repo.SaveAndUnlock(ctx, "s1", repository.NoCAS, []byte("v1"), time.Hour))
		require.NoError(t, h.Repo.SaveAndUnlock(ctx, "s1", repository.NoCAS, []byte("v2"), time.Hour))
		got, err := h.Repo.Get(ctx, "s1")
		require.NoError(t, err)
		assert.Equal(t, []byte("v2"), got.Data)
	})

	t.Run("LockExpires", func(t *testing.T) {
		h := newHarness(t)
		ctx := context.Background()
		seed(t, h.Repo, "s1", "v1")

		rec, err := h.Repo.GetAndLock(ctx, "s1", lockTTL)
		require.NoError(t, err)
		h.Advance(lockTTL + time.Second)

		_, err = h.Repo.GetAndLock(ctx, "s1", lockTTL)
		require.NoError(t, err, "an expired lock no longer blocks")
		err = h.Repo.SaveAndUnlock(ctx, "s1", rec.CAS, []byte("late"), time.Hour)
		assert.ErrorIs(t, err, repository.ErrStaleVersion)
	})

	t.Run("RecordExpiresAndTouchExtends", func(t *testing.T) {
		h := newHarness(t)
		ctx := context.Background()
		require.NoError(t, h.Repo.SaveAndUnlock(ctx, "s1", repository.NoCAS, []byte("v1"), time.Minute))
		require.NoError(t, h.Repo.SaveAndUnlock(ctx, "s2", repository.NoCAS, []byte("v1"), time.Minute))

		h.Advance(40 * time.Second)
		require.NoError(t, h.Repo.Touch(ctx, "s1", time.Minute))
		h.Advance(40 * time.Second)

		_, err := h.Repo.Get(ctx, "s1")
		assert.NoError(t, err, "touched record survives")
		_, err = h.Repo.Get(ctx, "s2")
		assert.ErrorIs(t, err, repository.ErrNotFound, "untouched record expired")
		assert.ErrorIs(t, h.Repo.Touch(ctx, "s2", time.Minute), repository.ErrNotFound)
	})

	t.Run("UnlockedClaimLeavesNothing", func(t *testing.T) {
		h := newHarness(t)
		ctx := context.Background()

		cas, err := h.Repo.Claim(ctx, "s1", lockTTL)
		require.NoError(t, err)
		require.NoError(t, h.Repo.Unlock(ctx, "s1", cas))

		_, err = h.Repo.Claim(ctx, "s1", lockTTL)
		assert.NoError(t, err, "released claim frees the id")
	})

	t.Run("DeleteIsIdempotent", func(t *testing.T) {
		h := newHarness(t)
		ctx := context.Background()
		seed(t, h.Repo, "s1", "v1")
		_, err := h.Repo.GetAndLock(ctx, "s1", lockTTL)
		require.NoError(t, err)

		require.NoError(t, h.Repo.Delete(ctx, "s1"))
		require.NoError(t, h.Repo.Delete(ctx, "s1"))
		_, err = h.Repo.Get(ctx, "s1")
		assert.ErrorIs(t, err, repository.ErrNotFound)

		_, err = h.Repo.Claim(ctx, "s1", lockTTL)
		assert.NoError(t, err, "delete also drops the lock")
	})

	t.Run("ListsStoredIDs", func(t *testing.T) {
		h := newHarness(t)
		lister, ok := h.Repo.(repository.Lister)
		if !ok {
			t.Skip("backend does not enumerate ids")
		}
		ctx := context.Background()
		seed(t, h.Repo, "a", "1")
		seed(t, h.Repo, "b", "2")
		_, err := h.Repo.Claim(ctx, "c", lockTTL)
		require.NoError(t, err)

		ids, err := lister.IDs(ctx)
		require.NoError(t, err)
		sort.Strings(ids)
		assert.Equal(t, []string{"a", "b"}, ids)
	})

	t.Run("ConcurrentLockersGetOneWinner", func(t *testing.T) {
		h := newHarness(t)
		ctx := context.Background()
		seed(t, h.Repo, "s1", "v1")

		const workers = 16
		var wg sync.WaitGroup
		var mu sync.Mutex
		winners := 0
		errs := make([]error, 0)
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := h.Repo.GetAndLock(ctx, "s1", lockTTL)
				mu.Lock()
				defer mu.Unlock()
				switch {
				case err == nil:
					winners++
				case !errors.Is(err, repository.ErrLocked):
					errs = append(errs, err)
				}
			}()
		}
		wg.Wait()
		assert.Empty(t, errs)
		assert.Equal(t, 1, winners)
	})
}

func seed(t *testing.T, repo repository.Repository, id, data string) {
	t.Helper()
	err := repo.SaveAndUnlock(context.Background(), id, repository.NoCAS, []byte(data), time.Hour)
	require.NoError(t, err, fmt.Sprintf("seed %s", id))
}
