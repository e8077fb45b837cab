// Package reuse tracks one-way fingerprints of presented refresh tokens so
// that a second presentation outside the grace window can be recognized as a
// theft signal. Markers are keyed by fingerprint, not by family, because reuse
// must be detectable before the family is resolved.
package reuse
