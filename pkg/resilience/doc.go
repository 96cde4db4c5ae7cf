// Package resilience provides fault-tolerance primitives for calls to
// external dependencies: a circuit breaker with per-operation-class
// failure thresholds and a read-through fallback cache, plus retry
// logic with exponential backoff.
//
// The circuit breaker tracks failures independently for read, write,
// and pubsub operations so that a burst of failed writes does not
// immediately cut off reads that could still be served from cache.
package resilience
