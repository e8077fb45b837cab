// Package guard wraps calls to external stores and services in per-dependency
// circuit breakers: open after a configured run of consecutive failures,
// short-circuit for a reset timeout, then half-open to probe recovery.
package guard
