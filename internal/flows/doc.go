// Package flows contains the rotation protocol state machine, expressed over
// an injected dependency set so the root package owns error mapping, audit,
// and metrics while the protocol ordering lives in one place.
package flows
