// Package rotor is the refresh-token rotation and abuse-detection core of an
// authentication platform: it exchanges a presented refresh token for a new
// access/refresh pair while detecting token theft, enforcing per-user rotation
// limits, and keeping a compliance-grade audit trail.
//
// The package is designed for concurrent server workloads: Rotator methods are
// safe to call from multiple goroutines after initialization through
// [Builder.Build].
//
// # Architecture boundaries
//
// rotor is the public surface. It exposes [Rotator], [Builder], [Config], the
// collaborator interfaces ([TokenVerifier], [TokenSigner], [RevocationStore],
// [IdentityResolver], [AuditStore]) and value types (TokenFamily, TokenPair,
// RotationResult, HealthReport). All internal coordination — flow
// orchestration, family persistence, reuse tracking, rate limiting, audit
// dispatch, circuit breaking — lives under internal/ and is never exported.
//
// # What this package must NOT do
//
//   - Own a wire format, HTTP handler, or CLI surface; it is a library invoked
//     by a transport layer.
//   - Define how credentials are authenticated initially; only what happens
//     when an existing refresh token is exchanged.
//   - Treat in-process caches as a source of truth: Redis owns family state,
//     reuse markers, and rate counters.
//
// # Correctness contract
//
// A presented refresh token is single-use: of any number of concurrent
// RotateTokens calls with the same token, at most one succeeds. The family
// advance and the reuse-marker write are atomic Lua operations against Redis;
// a plain read-modify-write is insufficient under concurrent rotation.
package rotor
