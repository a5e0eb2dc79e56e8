//go:build debug

package allocregion

import "fmt"

// In debug builds, internal invariants that no caller can violate through
// the public API are checked and abort on failure.

const debugChecks = true

func debugAssert(cond bool, format string, args ...interface{}) {
	if !cond {
		panic("allocregion: " + fmt.Sprintf(format, args...))
	}
}
