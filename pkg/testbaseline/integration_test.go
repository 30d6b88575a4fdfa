//go:build integration

package testbaseline_test

// GoTestRunner shells out to the real go toolchain; its unit coverage
// uses sequenceRunner/fakeStore instead (testbaseline_test.go). A real
// `go test -json` round trip against a scratch module belongs here once
// this environment can run one.
