package family

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	// ErrRedisUnavailable wraps transport-level Redis failures.
	ErrRedisUnavailable = errors.New("redis unavailable")
	// ErrNotFound is returned for unknown family ids and unbound token ids.
	ErrNotFound = errors.New("family not found")
	// ErrInactive is returned when an advance targets a terminated family.
	ErrInactive = errors.New("family inactive")
	// ErrStaleToken is returned when an advance presents a token that is no
	// longer the family's current one. Exactly one of any set of concurrent
	// advances with the same token wins; the rest observe this error.
	ErrStaleToken = errors.New("stale rotation token")
	// ErrCorrupt is returned when a stored family record cannot be decoded.
	ErrCorrupt = errors.New("family record corrupt")
)

const (
	advanceStatusNotFound int64 = 0
	advanceStatusInactive int64 = 1
	advanceStatusAdvanced int64 = 2
	advanceStatusStale    int64 = 3
)

const (
	invalidateStatusAbsent      int64 = 0
	invalidateStatusAlreadyDone int64 = 1
	invalidateStatusInvalidated int64 = 2
)

// advanceScript is the single-winner step of the rotation protocol. The
// family's current_token field is a one-shot claim, stamped at every point a
// family becomes reachable (creation, initial bind, rotation bind): the
// advance only proceeds when the presented token id matches it, and it is
// consumed in the same execution. Concurrent advances presenting the same
// token therefore resolve to exactly one winner, and a family with no claim
// admits nobody; a plain read-modify-write here would be a double-spend bug
// under load.
const advanceScript = `
if redis.call("EXISTS", KEYS[1]) == 0 then
  return {0}
end
if redis.call("HGET", KEYS[1], "active") ~= "1" then
  return {1}
end
if redis.call("HGET", KEYS[1], "current_token") ~= ARGV[1] then
  return {3}
end
redis.call("HSET", KEYS[1], "current_token", "")
local count = redis.call("HINCRBY", KEYS[1], "rotation_count", 1)
redis.call("HSET", KEYS[1], "last_rotated_at", ARGV[2])
redis.call("PEXPIRE", KEYS[1], ARGV[3])
return {2, count}
`

var advanceLua = redis.NewScript(advanceScript)

// invalidateScript terminates a family. Invalidation is idempotent and the
// inactive state is terminal: a second call observes "already done" and leaves
// the record untouched.
const invalidateScript = `
if redis.call("EXISTS", KEYS[1]) == 0 then
  return 0
end
if redis.call("HGET", KEYS[1], "active") ~= "1" then
  return 1
end
redis.call("HSET", KEYS[1], "active", "0", "invalidated_reason", ARGV[1], "invalidated_at", ARGV[2])
return 2
`

var invalidateLua = redis.NewScript(invalidateScript)

// Store is a Redis-backed token-family store. Family records live in hashes
// under one key namespace; the token-id index maps each issued refresh token
// id to its family for the next rotation.
type Store struct {
	redis  redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewStore creates a family [Store] backed by the given Redis client. prefix
// sets the key namespace; ttl bounds idle family and index lifetime.
func NewStore(redisClient redis.UniversalClient, prefix string, ttl time.Duration) *Store {
	return &Store{
		redis:  redisClient,
		prefix: prefix,
		ttl:    ttl,
	}
}

func (s *Store) familyKey(familyID string) string {
	return s.prefix + ":fam:" + familyID
}

func (s *Store) tokenKey(tokenID string) string {
	return s.prefix + ":tok:" + tokenID
}

// Save persists a family record with the store TTL.
func (s *Store) Save(ctx context.Context, fam *Family) error {
	fields, err := fam.fields()
	if err != nil {
		return err
	}

	key := s.familyKey(fam.FamilyID)
	_, err = s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, fields)
		pipe.PExpire(ctx, key, s.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	return nil
}

// Get retrieves a family record by id.
func (s *Store) Get(ctx context.Context, familyID string) (*Family, error) {
	fields, err := s.redis.HGetAll(ctx, s.familyKey(familyID)).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	return decodeFamily(familyID, fields)
}

// Advance atomically applies one successful rotation to the family:
// rotation_count += 1, last_rotated_at = now, and the current-token claim is
// consumed. presentedTokenID must be the family's current token or the
// advance fails with [ErrStaleToken]; this is what keeps concurrent
// presentations of one token to a single winner.
func (s *Store) Advance(ctx context.Context, familyID, presentedTokenID string, now time.Time) (int64, error) {
	result, err := advanceLua.Run(
		ctx,
		s.redis,
		[]string{s.familyKey(familyID)},
		presentedTokenID,
		strconv.FormatInt(now.UnixMilli(), 10),
		strconv.FormatInt(s.ttl.Milliseconds(), 10),
	).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	parts, ok := result.([]interface{})
	if !ok || len(parts) == 0 {
		return 0, fmt.Errorf("%w: invalid advance script response", ErrRedisUnavailable)
	}
	code, ok := parts[0].(int64)
	if !ok {
		return 0, fmt.Errorf("%w: invalid advance script status", ErrRedisUnavailable)
	}

	switch code {
	case advanceStatusNotFound:
		return 0, ErrNotFound
	case advanceStatusInactive:
		return 0, ErrInactive
	case advanceStatusStale:
		return 0, ErrStaleToken
	case advanceStatusAdvanced:
		if len(parts) < 2 {
			return 0, fmt.Errorf("%w: missing advance count", ErrRedisUnavailable)
		}
		count, ok := parts[1].(int64)
		if !ok {
			return 0, fmt.Errorf("%w: invalid advance count", ErrRedisUnavailable)
		}
		return count, nil
	default:
		return 0, fmt.Errorf("%w: unknown advance script status", ErrRedisUnavailable)
	}
}

// Invalidate terminates a family. It is idempotent: unknown and
// already-inactive families report done=false with a nil error.
func (s *Store) Invalidate(ctx context.Context, familyID, reason string, now time.Time) (bool, error) {
	code, err := invalidateLua.Run(
		ctx,
		s.redis,
		[]string{s.familyKey(familyID)},
		reason,
		strconv.FormatInt(now.UnixMilli(), 10),
	).Int64()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	switch code {
	case invalidateStatusAbsent, invalidateStatusAlreadyDone:
		return false, nil
	case invalidateStatusInvalidated:
		return true, nil
	default:
		return false, fmt.Errorf("%w: unknown invalidate script status", ErrRedisUnavailable)
	}
}

// BindToken records the token-id -> family-id mapping used to resolve the
// lineage on the next rotation, and stamps the token as the family's current
// one for the advance claim check.
func (s *Store) BindToken(ctx context.Context, tokenID, familyID string) error {
	_, err := s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.tokenKey(tokenID), familyID, s.ttl)
		pipe.HSet(ctx, s.familyKey(familyID), "current_token", tokenID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}

// BindTokenNX claims the token-id -> family-id mapping if and only if the
// token id is not already bound. It is the uniqueness gate for the first
// rotation of a fresh lineage: concurrent presentations of one never-bound
// token race on this key, exactly one binds, and the rest re-resolve the
// winner's family.
func (s *Store) BindTokenNX(ctx context.Context, tokenID, familyID string) (bool, error) {
	bound, err := s.redis.SetNX(ctx, s.tokenKey(tokenID), familyID, s.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return bound, nil
}

// Delete removes a family record. Used to discard the orphan record a losing
// BindTokenNX caller created; invalidation, not deletion, is the normal
// termination path.
func (s *Store) Delete(ctx context.Context, familyID string) error {
	if err := s.redis.Del(ctx, s.familyKey(familyID)).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}

// FamilyIDForToken resolves the family a token id belongs to. Unbound token
// ids return ErrNotFound; first rotations of a fresh lineage hit this path.
func (s *Store) FamilyIDForToken(ctx context.Context, tokenID string) (string, error) {
	familyID, err := s.redis.Get(ctx, s.tokenKey(tokenID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return familyID, nil
}

// CountFamilies scans the family namespace and counts records. Admin-only
// O(n) operation for health reporting; not for request hot paths.
func (s *Store) CountFamilies(ctx context.Context) (int, error) {
	pattern := s.prefix + ":fam:*"
	var (
		cursor uint64
		total  int
	)

	for {
		keys, next, err := s.redis.Scan(ctx, cursor, pattern, 1000).Result()
		if err != nil {
			return 0, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
		}
		total += len(keys)
		cursor = next
		if cursor == 0 {
			break
		}
	}

	return total, nil
}

// Ping returns a point-in-time Redis availability check and latency.
func (s *Store) Ping(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	if err := s.redis.Ping(ctx).Err(); err != nil {
		return time.Since(start), fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return time.Since(start), nil
}
