//go:build !debug

package allocregion

// This file provides no-op invariant checks for non-debug builds.

const debugChecks = false

// debugAssert verifies an internal invariant in debug builds. No-op in
// normal builds.
func debugAssert(cond bool, format string, args ...interface{}) {}
