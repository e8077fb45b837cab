// Package rate enforces per-user rotation budgets over fixed hourly and daily
// windows backed by Redis counters. Window resets are implicit via TTL expiry.
package rate
