// Command rotor-loadtest drives concurrent rotation chains through a full
// Rotator to measure throughput and latency of the rotation path. Each seeded
// chain holds its own family; workers pick a chain, rotate its current token,
// and carry the issued token forward.
//
// With no -redis-addr and no REDIS_ADDR the tool runs against an embedded
// miniredis, which measures engine overhead rather than network round trips.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/rotorauth/rotor"
	rotorjwt "github.com/rotorauth/rotor/jwt"
)

type chainState struct {
	token string
	mu    sync.Mutex
}

func main() {
	var (
		chains      = flag.Int("chains", 10000, "number of rotation chains to seed")
		concurrency = flag.Int("concurrency", 128, "number of concurrent workers")
		ops         = flag.Int("ops", 100000, "total rotations to perform")
		redisAddr   = flag.String("redis-addr", "", "redis address; if empty, REDIS_ADDR env or miniredis is used")
	)
	flag.Parse()

	if *chains <= 0 || *concurrency <= 0 || *ops <= 0 {
		fmt.Fprintln(os.Stderr, "chains, concurrency, and ops must be > 0")
		os.Exit(2)
	}

	ctx := context.Background()

	addr := *redisAddr
	if addr == "" {
		addr = os.Getenv("REDIS_ADDR")
	}

	var (
		cleanup func()
		client  redis.UniversalClient
	)
	if addr == "" {
		mr, err := miniredis.Run()
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to start miniredis: %v\n", err)
			os.Exit(1)
		}
		addr = mr.Addr()
		client = redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs: []string{addr},
		})
		cleanup = func() {
			_ = client.Close()
			mr.Close()
		}
		fmt.Printf("using miniredis at %s\n", addr)
	} else {
		client = redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs: []string{addr},
		})
		cleanup = func() { _ = client.Close() }
		fmt.Printf("using redis at %s\n", addr)
	}
	defer cleanup()

	manager, err := rotorjwt.NewManager(rotorjwt.Config{
		AccessTTL:     5 * time.Minute,
		RefreshTTL:    time.Hour,
		SigningMethod: rotorjwt.MethodHS256,
		PrivateKey:    []byte("loadtest-secret-0123456789abcdef"),
		Issuer:        "rotor-loadtest",
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "jwt manager: %v\n", err)
		os.Exit(1)
	}

	cfg := rotor.DefaultConfig()
	cfg.RateLimit.Enabled = false
	cfg.Audit.Enabled = false
	cfg.Metrics.Enabled = true

	rotator, err := rotor.New().
		WithConfig(cfg).
		WithRedis(client).
		WithVerifier(manager).
		WithSigner(manager).
		WithRevocationStore(noopRevocations{}).
		WithIdentityResolver(staticIdentity{}).
		Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "rotator build: %v\n", err)
		os.Exit(1)
	}
	defer rotator.Close()

	states := make([]chainState, *chains)
	fmt.Printf("seeding %d chains...\n", *chains)
	startSeed := time.Now()
	for i := 0; i < *chains; i++ {
		userID := fmt.Sprintf("user-%d", i)
		family, err := rotator.GenerateTokenFamily(ctx, userID, "", nil)
		if err != nil {
			fmt.Fprintf(os.Stderr, "seed family: %v\n", err)
			os.Exit(1)
		}
		issued, err := manager.GenerateTokens(ctx, rotor.SubjectClaims{UserID: userID}, family.FamilyID)
		if err != nil {
			fmt.Fprintf(os.Stderr, "seed tokens: %v\n", err)
			os.Exit(1)
		}
		if err := rotator.BindInitialToken(ctx, issued.TokenID, family.FamilyID); err != nil {
			fmt.Fprintf(os.Stderr, "seed binding: %v\n", err)
			os.Exit(1)
		}
		states[i].token = issued.RefreshToken
	}
	fmt.Printf("seeded in %s\n", time.Since(startSeed).Round(time.Millisecond))

	stats := runRotatePhase(ctx, rotator, states, *ops, *concurrency)

	fmt.Println("---- results ----")
	printStats("rotate", stats)
}

func runRotatePhase(ctx context.Context, rotator *rotor.Rotator, states []chainState, ops, concurrency int) phaseStats {
	var (
		wg        sync.WaitGroup
		cursor    int64
		failures  int64
		latencies = make([]time.Duration, 0, ops)
		mu        sync.Mutex
	)

	start := time.Now()
	for w := 0; w < concurrency; w++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			r := rand.New(rand.NewSource(time.Now().UnixNano() + int64(worker)*7919))
			for {
				i := int(atomic.AddInt64(&cursor, 1)) - 1
				if i >= ops {
					return
				}
				idx := r.Intn(len(states))
				state := &states[idx]

				state.mu.Lock()
				t0 := time.Now()
				result, err := rotator.RotateTokens(ctx, state.token)
				d := time.Since(t0)
				if err == nil {
					state.token = result.TokenPair.RefreshToken
				} else if !errors.Is(err, rotor.ErrTokenReuseDetected) {
					atomic.AddInt64(&failures, 1)
				}
				state.mu.Unlock()

				mu.Lock()
				latencies = append(latencies, d)
				mu.Unlock()
			}
		}(w)
	}
	wg.Wait()
	total := time.Since(start)
	return computeStats(total, latencies, failures)
}

type phaseStats struct {
	total    time.Duration
	ops      int
	failures int64
	p50      time.Duration
	p95      time.Duration
	p99      time.Duration
	opsPerS  float64
}

func computeStats(total time.Duration, samples []time.Duration, failures int64) phaseStats {
	if len(samples) == 0 {
		return phaseStats{total: total}
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })
	return phaseStats{
		total:    total,
		ops:      len(samples),
		failures: failures,
		p50:      percentile(samples, 50),
		p95:      percentile(samples, 95),
		p99:      percentile(samples, 99),
		opsPerS:  float64(len(samples)) / total.Seconds(),
	}
}

func percentile(samples []time.Duration, p int) time.Duration {
	if len(samples) == 0 {
		return 0
	}
	if p <= 0 {
		return samples[0]
	}
	if p >= 100 {
		return samples[len(samples)-1]
	}
	idx := (len(samples) - 1) * p / 100
	return samples[idx]
}

func printStats(name string, s phaseStats) {
	fmt.Printf("%s: ops=%d failures=%d total=%s ops/sec=%.0f p50=%s p95=%s p99=%s\n",
		name,
		s.ops,
		s.failures,
		s.total.Round(time.Millisecond),
		s.opsPerS,
		s.p50.Round(time.Microsecond),
		s.p95.Round(time.Microsecond),
		s.p99.Round(time.Microsecond),
	)
}

type noopRevocations struct{}

func (noopRevocations) RevokeToken(context.Context, string, string, map[string]string) error {
	return nil
}

func (noopRevocations) RevokeUserTokens(context.Context, string, string, map[string]string) error {
	return nil
}

type staticIdentity struct{}

func (staticIdentity) SubjectForRotation(_ context.Context, userID string) (*rotor.SubjectClaims, error) {
	return &rotor.SubjectClaims{UserID: userID}, nil
}
