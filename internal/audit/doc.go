// Package audit carries token operations from the rotation hot path to the
// recent-history buffer and the durable compliance store. The pipeline is
// asynchronous and best-effort end to end: a slow or failing sink never
// blocks or fails the security-critical primary path.
package audit
