// Package storage is the durable state layer of the delivery engine.
//
// It owns:
//   - The delivery queue (one row per recipient-bound pending send)
//   - Delivery logs (one row per logical notification or provider attempt)
//   - Circuit breaker and rate limiter rows (shared counters, mutated only
//     inside single-writer transactions)
//   - Notification rules and versioned message templates
//   - Dead letters and the audit trail
//
// All timestamps are stored as Unix milliseconds so window comparisons stay
// integer-only in SQL.
package storage
