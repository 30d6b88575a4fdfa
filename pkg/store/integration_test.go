//go:build integration

package store_test

// No live Postgres instance is available in this environment. A real
// integration suite would open internal/database.Connect against a
// disposable database, call store.Migrate, and exercise AcquireRunLock
// across two goroutines to assert single-writer-per-run serialization.
