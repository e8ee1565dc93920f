//go:build linux

package buffer

import (
	"log/slog"

	"golang.org/x/sys/unix"
)

// allocArena maps the packet arena. With hugepages requested it tries a
// MAP_HUGETLB mapping first and falls back to a normal heap allocation;
// hugepage availability affects performance only, never correctness.
func allocArena(size int, hugepages bool) ([]byte, bool, error) {
	if hugepages {
		mem, err := unix.Mmap(-1, 0, size,
			unix.PROT_READ|unix.PROT_WRITE,
			unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_HUGETLB)
		if err == nil {
			return mem, true, nil
		}
		slog.Warn("hugepage arena unavailable, using heap allocation",
			"size", size, "err", err)
	}
	return make([]byte, size), false, nil
}

func freeArena(arena []byte, hugepages bool) error {
	if hugepages && arena != nil {
		return unix.Munmap(arena)
	}
	return nil
}
