// Package redisstore implements repository.Repository on Redis.
//
// Each session is a hash holding the encoded record ("d") and its version ("v").
// The lock lives in a sibling key whose value is the version handed to the lock
// holder, with its own expiry. Both keys share a hash tag so every script stays on
// one cluster slot. Multi-step transitions run as Lua scripts to keep them atomic.
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/MrEthical07/goSession/repository"
)

const (
	scriptNotFound int64 = 0
	scriptOK       int64 = 1
	scriptLocked   int64 = 2
)

const getAndLockScript = `
local data = redis.call("HGET", KEYS[1], "d")
if not data then
  return {0}
end
if redis.call("EXISTS", KEYS[2]) == 1 then
  return {2}
end
local cas = redis.call("HINCRBY", KEYS[1], "v", 1)
redis.call("SET", KEYS[2], cas, "PX", ARGV[1])
return {1, data, cas}
`

var getAndLockLua = redis.NewScript(getAndLockScript)

const claimScript = `
if redis.call("HEXISTS", KEYS[1], "d") == 1 or redis.call("EXISTS", KEYS[2]) == 1 then
  return 0
end
local cas = redis.call("HINCRBY", KEYS[1], "v", 1)
redis.call("PEXPIRE", KEYS[1], ARGV[1])
redis.call("SET", KEYS[2], cas, "PX", ARGV[1])
return cas
`

var claimLua = redis.NewScript(claimScript)

const saveAndUnlockScript = `
local cas = tonumber(ARGV[1])
if cas >= 0 then
  local version = tonumber(redis.call("HGET", KEYS[1], "v") or "-1")
  local owner = tonumber(redis.call("GET", KEYS[2]) or "-1")
  if version ~= cas or owner ~= cas then
    return 0
  end
end
redis.call("HINCRBY", KEYS[1], "v", 1)
redis.call("HSET", KEYS[1], "d", ARGV[2])
local ttl = tonumber(ARGV[3])
if ttl > 0 then
  redis.call("PEXPIRE", KEYS[1], ttl)
else
  redis.call("PERSIST", KEYS[1])
end
redis.call("DEL", KEYS[2])
return 1
`

var saveAndUnlockLua = redis.NewScript(saveAndUnlockScript)

const unlockScript = `
local owner = redis.call("GET", KEYS[2])
if not owner or tonumber(owner) ~= tonumber(ARGV[1]) then
  return 0
end
redis.call("DEL", KEYS[2])
if redis.call("HEXISTS", KEYS[1], "d") == 0 then
  redis.call("DEL", KEYS[1])
end
return 1
`

var unlockLua = redis.NewScript(unlockScript)

const touchScript = `
if redis.call("HEXISTS", KEYS[1], "d") == 0 then
  return 0
end
local ttl = tonumber(ARGV[1])
if ttl > 0 then
  redis.call("PEXPIRE", KEYS[1], ttl)
else
  redis.call("PERSIST", KEYS[1])
end
return 1
`

var touchLua = redis.NewScript(touchScript)

// Store is a Redis-backed session repository.
type Store struct {
	redis  redis.UniversalClient
	prefix string
}

var (
	_ repository.Repository = (*Store)(nil)
	_ repository.Lister     = (*Store)(nil)
)

// NewStore creates a [Store] backed by the given Redis client. prefix sets the key
// namespace.
func NewStore(client redis.UniversalClient, prefix string) *Store {
	if prefix == "" {
		prefix = "gs"
	}
	return &Store{redis: client, prefix: prefix}
}

func (s *Store) key(id string) string {
	return s.prefix + ":{" + id + "}"
}

func (s *Store) lockKey(id string) string {
	return s.prefix + ":{" + id + "}:lock"
}

func (s *Store) indexKey() string {
	return s.prefix + ":index"
}

func unavailable(err error) error {
	return fmt.Errorf("%w: %w", repository.ErrUnavailable, err)
}

func millis(d time.Duration) int64 {
	ms := d.Milliseconds()
	if d > 0 && ms == 0 {
		return 1
	}
	return ms
}

func (s *Store) Get(ctx context.Context, id string) (*repository.Record, error) {
	vals, err := s.redis.HMGet(ctx, s.key(id), "d", "v").Result()
	if err != nil {
		return nil, unavailable(err)
	}
	if len(vals) != 2 || vals[0] == nil {
		return nil, repository.ErrNotFound
	}
	data, ok := vals[0].(string)
	if !ok {
		return nil, unavailable(fmt.Errorf("unexpected data type %T", vals[0]))
	}
	var cas int64
	if v, ok := vals[1].(string); ok {
		cas, err = strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, unavailable(err)
		}
	}
	return &repository.Record{Data: []byte(data), CAS: cas}, nil
}

func (s *Store) GetAndLock(ctx context.Context, id string, lockTTL time.Duration) (*repository.Record, error) {
	res, err := getAndLockLua.Run(ctx, s.redis, []string{s.key(id), s.lockKey(id)}, millis(lockTTL)).Result()
	if err != nil {
		return nil, unavailable(err)
	}
	arr, ok := res.([]interface{})
	if !ok || len(arr) == 0 {
		return nil, unavailable(errors.New("unexpected getAndLock reply"))
	}
	status, _ := arr[0].(int64)
	switch status {
	case scriptNotFound:
		return nil, repository.ErrNotFound
	case scriptLocked:
		return nil, repository.ErrLocked
	case scriptOK:
	default:
		return nil, unavailable(fmt.Errorf("unexpected getAndLock status %d", status))
	}
	if len(arr) != 3 {
		return nil, unavailable(errors.New("malformed getAndLock reply"))
	}
	data, _ := arr[1].(string)
	cas, _ := arr[2].(int64)
	return &repository.Record{Data: []byte(data), CAS: cas}, nil
}

func (s *Store) Claim(ctx context.Context, id string, lockTTL time.Duration) (int64, error) {
	cas, err := claimLua.Run(ctx, s.redis, []string{s.key(id), s.lockKey(id)}, millis(lockTTL)).Int64()
	if err != nil {
		return 0, unavailable(err)
	}
	if cas == 0 {
		return 0, repository.ErrExists
	}
	return cas, nil
}

func (s *Store) SaveAndUnlock(ctx context.Context, id string, cas int64, data []byte, ttl time.Duration) error {
	res, err := saveAndUnlockLua.Run(ctx, s.redis, []string{s.key(id), s.lockKey(id)}, cas, data, millis(ttl)).Int64()
	if err != nil {
		return unavailable(err)
	}
	if res != scriptOK {
		return repository.ErrStaleVersion
	}
	if err := s.redis.SAdd(ctx, s.indexKey(), id).Err(); err != nil {
		return unavailable(err)
	}
	return nil
}

func (s *Store) Touch(ctx context.Context, id string, ttl time.Duration) error {
	res, err := touchLua.Run(ctx, s.redis, []string{s.key(id)}, millis(ttl)).Int64()
	if err != nil {
		return unavailable(err)
	}
	if res != scriptOK {
		return repository.ErrNotFound
	}
	return nil
}

func (s *Store) Unlock(ctx context.Context, id string, cas int64) error {
	res, err := unlockLua.Run(ctx, s.redis, []string{s.key(id), s.lockKey(id)}, cas).Int64()
	if err != nil {
		return unavailable(err)
	}
	if res != scriptOK {
		return repository.ErrStaleVersion
	}
	return nil
}

// Delete removes the record, its lock, and its index entry. Deleting an absent
// session is not an error. The index lives on its own slot, so this is a plain
// pipeline rather than a transaction.
func (s *Store) Delete(ctx context.Context, id string) error {
	_, err := s.redis.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.key(id), s.lockKey(id))
		pipe.SRem(ctx, s.indexKey(), id)
		return nil
	})
	if err != nil {
		return unavailable(err)
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	if err := s.redis.Ping(ctx).Err(); err != nil {
		return unavailable(err)
	}
	return nil
}

// IDs returns the ids of stored sessions. Index entries whose record has expired
// are pruned on the way.
func (s *Store) IDs(ctx context.Context) ([]string, error) {
	members, err := s.redis.SMembers(ctx, s.indexKey()).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, unavailable(err)
	}
	if len(members) == 0 {
		return nil, nil
	}

	pipe := s.redis.Pipeline()
	existsCmds := make([]*redis.IntCmd, len(members))
	for i, id := range members {
		existsCmds[i] = pipe.Exists(ctx, s.key(id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, unavailable(err)
	}

	live := make([]string, 0, len(members))
	var stale []interface{}
	for i, cmd := range existsCmds {
		n, cmdErr := cmd.Result()
		if cmdErr != nil {
			return nil, unavailable(cmdErr)
		}
		if n > 0 {
			live = append(live, members[i])
		} else {
			stale = append(stale, members[i])
		}
	}
	if len(stale) > 0 {
		if err := s.redis.SRem(ctx, s.indexKey(), stale...).Err(); err != nil {
			return nil, unavailable(err)
		}
	}
	return live, nil
}
