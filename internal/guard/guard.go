package guard

import (
	"errors"
	"time"

	"github.com/sony/gobreaker/v2"
)

// ErrOpen reports that a dependency's breaker short-circuited the call.
var ErrOpen = errors.New("dependency circuit open")

// Settings holds breaker tuning shared by all guarded dependencies.
type Settings struct {
	ConsecutiveFailures uint32
	ResetTimeout        time.Duration
	HalfOpenProbes      uint32
}

// Guard is a fixed set of named circuit breakers, one per external
// dependency. The set is established at construction; lookups of unknown
// names pass the call through unguarded.
type Guard struct {
	breakers map[string]*gobreaker.CircuitBreaker[any]
}

// New creates a [Guard] with one breaker per name.
func New(names []string, s Settings) *Guard {
	if s.ConsecutiveFailures == 0 {
		s.ConsecutiveFailures = 1
	}
	if s.HalfOpenProbes == 0 {
		s.HalfOpenProbes = 1
	}

	breakers := make(map[string]*gobreaker.CircuitBreaker[any], len(names))
	for _, name := range names {
		threshold := s.ConsecutiveFailures
		breakers[name] = gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
			Name:        name,
			MaxRequests: s.HalfOpenProbes,
			Timeout:     s.ResetTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= threshold
			},
		})
	}

	return &Guard{breakers: breakers}
}

// Do runs fn under the named breaker. An open breaker returns [ErrOpen]
// without invoking fn.
func (g *Guard) Do(name string, fn func() error) error {
	if g == nil {
		return fn()
	}
	cb, ok := g.breakers[name]
	if !ok {
		return fn()
	}

	_, err := cb.Execute(func() (any, error) {
		return nil, fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return ErrOpen
	}
	return err
}

// State reports the named breaker state as "closed", "half-open", or "open".
// Unknown names report "closed".
func (g *Guard) State(name string) string {
	if g == nil {
		return gobreaker.StateClosed.String()
	}
	cb, ok := g.breakers[name]
	if !ok {
		return gobreaker.StateClosed.String()
	}
	return cb.State().String()
}

// States reports every breaker state keyed by dependency name.
func (g *Guard) States() map[string]string {
	if g == nil {
		return map[string]string{}
	}

	states := make(map[string]string, len(g.breakers))
	for name, cb := range g.breakers {
		states[name] = cb.State().String()
	}
	return states
}
