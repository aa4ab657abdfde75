// Package store defines the run-history persistence contract. Implementations
// live in internal/storage/...; this package must not import database drivers.
package store
