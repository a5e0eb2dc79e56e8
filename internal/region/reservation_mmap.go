//go:build linux || darwin || freebsd || netbsd || openbsd

package region

import "golang.org/x/sys/unix"

// mapMemory reserves size bytes of anonymous, private, zeroed memory.
func mapMemory(size uintptr) ([]byte, bool, error) {
	mem, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, false, err
	}
	return mem, true, nil
}

func unmapMemory(mem []byte) error {
	return unix.Munmap(mem)
}
