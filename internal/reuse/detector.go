package reuse

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrRedisUnavailable wraps transport-level Redis failures. Callers are
// expected to fail open on it: availability is favored over detection for
// this specific check.
var ErrRedisUnavailable = errors.New("redis unavailable")

const (
	touchStatusFirstUse   int64 = 0
	touchStatusGraceRetry int64 = 1
	touchStatusReused     int64 = 2
)

// touchScript is the whole detector decision in one atomic execution:
// first-use creation, grace-window retry tolerance, and reuse counting cannot
// interleave between concurrent presentations of the same token.
const touchScript = `
if redis.call("EXISTS", KEYS[1]) == 0 then
  redis.call("HSET", KEYS[1], "last_used", ARGV[1], "count", "0")
  redis.call("PEXPIRE", KEYS[1], ARGV[3])
  return {0, 0}
end
local last = tonumber(redis.call("HGET", KEYS[1], "last_used") or "0")
local count = tonumber(redis.call("HGET", KEYS[1], "count") or "0")
if tonumber(ARGV[1]) - last < tonumber(ARGV[2]) then
  return {1, count}
end
count = redis.call("HINCRBY", KEYS[1], "count", 1)
redis.call("HSET", KEYS[1], "last_used", ARGV[1])
redis.call("PEXPIRE", KEYS[1], ARGV[3])
return {2, count}
`

var touchLua = redis.NewScript(touchScript)

// Outcome is the detector verdict for one presentation.
type Outcome struct {
	FirstUse   bool
	GraceRetry bool
	Reused     bool
	Count      int64
}

// Detector fingerprints presented refresh tokens and tracks last-used time
// and reuse count per fingerprint.
type Detector struct {
	redis  redis.UniversalClient
	prefix string
	grace  time.Duration
	ttl    time.Duration
	now    func() time.Time
}

// NewDetector creates a reuse [Detector]. grace is the benign-retry window;
// ttl bounds marker lifetime and should match the family TTL.
func NewDetector(redisClient redis.UniversalClient, prefix string, grace, ttl time.Duration) *Detector {
	return &Detector{
		redis:  redisClient,
		prefix: prefix,
		grace:  grace,
		ttl:    ttl,
		now:    time.Now,
	}
}

// Fingerprint derives the one-way marker key material for a raw token. The
// raw token is never stored; SHA-256 keeps unrelated tokens from colliding
// into false reuse signals.
func Fingerprint(rawToken string) [32]byte {
	return sha256.Sum256([]byte(rawToken))
}

func (d *Detector) markerKey(fp [32]byte) string {
	return d.prefix + ":fp:" + hex.EncodeToString(fp[:])
}

// Touch records one presentation of rawToken and classifies it. A repeat
// inside the grace window is a benign transport retry and does not advance
// the reuse count; rotation is not atomic at the transport layer, so clients
// may legitimately retry.
func (d *Detector) Touch(ctx context.Context, rawToken string) (Outcome, error) {
	fp := Fingerprint(rawToken)

	result, err := touchLua.Run(
		ctx,
		d.redis,
		[]string{d.markerKey(fp)},
		strconv.FormatInt(d.now().UnixMilli(), 10),
		strconv.FormatInt(d.grace.Milliseconds(), 10),
		strconv.FormatInt(d.ttl.Milliseconds(), 10),
	).Result()
	if err != nil {
		return Outcome{}, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	parts, ok := result.([]interface{})
	if !ok || len(parts) < 2 {
		return Outcome{}, fmt.Errorf("%w: invalid touch script response", ErrRedisUnavailable)
	}
	code, ok := parts[0].(int64)
	if !ok {
		return Outcome{}, fmt.Errorf("%w: invalid touch script status", ErrRedisUnavailable)
	}
	count, ok := parts[1].(int64)
	if !ok {
		return Outcome{}, fmt.Errorf("%w: invalid touch script count", ErrRedisUnavailable)
	}

	switch code {
	case touchStatusFirstUse:
		return Outcome{FirstUse: true}, nil
	case touchStatusGraceRetry:
		return Outcome{GraceRetry: true, Count: count}, nil
	case touchStatusReused:
		return Outcome{Reused: true, Count: count}, nil
	default:
		return Outcome{}, fmt.Errorf("%w: unknown touch script status", ErrRedisUnavailable)
	}
}

// Peek reports the current reuse count for a raw token without recording a
// presentation. Missing markers report zero.
func (d *Detector) Peek(ctx context.Context, rawToken string) (int64, error) {
	fp := Fingerprint(rawToken)

	count, err := d.redis.HGet(ctx, d.markerKey(fp), "count").Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return count, nil
}
