//go:build integration

package approval_test

// No live Postgres instance is available in this environment; SQLStore's
// SQL is exercised against go-sqlmock in store_test.go instead. This file
// marks where a real-database round-trip suite belongs once one is.
