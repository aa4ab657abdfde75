// Package progress carries the structured events emitted by the harvest
// pipeline (fetch attempts, retries, parse and write outcomes, target and run
// lifecycle). Events are batched on a background goroutine by Hub and fanned
// out to sinks such as the zap logger, Prometheus collectors and the run
// history store.
package progress
