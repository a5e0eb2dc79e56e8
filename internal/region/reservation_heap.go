//go:build !(linux || darwin || freebsd || netbsd || openbsd)

package region

// mapMemory falls back to the Go heap where anonymous mappings are not
// available through x/sys/unix. The Go heap does not move objects, so the
// addresses stay valid for the lifetime of the slice.
func mapMemory(size uintptr) ([]byte, bool, error) {
	return make([]byte, size), false, nil
}

func unmapMemory([]byte) error { return nil }
