//go:build !linux

package buffer

// allocArena falls back to a heap allocation on platforms without
// MAP_HUGETLB support.
func allocArena(size int, hugepages bool) ([]byte, bool, error) {
	return make([]byte, size), false, nil
}

func freeArena(arena []byte, hugepages bool) error { return nil }
