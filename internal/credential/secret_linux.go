//go:build linux

package credential

import "golang.org/x/sys/unix"

func allocate(n int) ([]byte, func()) {
	data, err := unix.Mmap(-1, 0, n, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return make([]byte, n), nil
	}
	// A locked page is best effort; RLIMIT_MEMLOCK may be tiny in containers.
	locked := unix.Mlock(data) == nil
	_ = unix.Madvise(data, unix.MADV_DONTDUMP)
	return data, func() {
		if locked {
			unix.Munlock(data)
		}
		unix.Munmap(data)
	}
}
