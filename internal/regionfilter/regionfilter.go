// Package regionfilter implements the memory-region interval filter
// described in spec.md §4.8: a sorted interval set whose lookups (contains)
// take O(log n); add and remove shift the sorted slice and take O(n). It
// is used to track live malloc/free regions so the
// predictor and observer can purge metas on free (spec.md §4.5, §4.7,
// §4.8).
//
// No library in the retrieval pack implements interval trees or sorted
// interval sets (see DESIGN.md); this is the one core data structure built
// directly on the standard library's sort package, justified there.
package regionfilter

import "sort"

// interval is one live [start, start+size) region.
type interval struct {
	start uint64
	size  uint64
}

// Filter is a sorted, non-overlapping set of address ranges.
type Filter struct {
	// ivs is kept sorted by start at all times.
	ivs []interval
}

// New returns an empty region filter.
func New() *Filter {
	return &Filter{}
}

// Add inserts a new live region [addr, addr+size). Re-adding the same
// (addr, size) pair leaves a single entry (spec.md §8 idempotence).
func (f *Filter) Add(addr, size uint64) {
	i := f.indexOf(addr)
	if i < len(f.ivs) && f.ivs[i].start == addr {
		f.ivs[i].size = size
		return
	}
	f.ivs = append(f.ivs, interval{})
	copy(f.ivs[i+1:], f.ivs[i:])
	f.ivs[i] = interval{start: addr, size: size}
}

// Remove drops the region starting at addr, returning its size (0, false
// if no such region is tracked). Idempotent after the first call.
func (f *Filter) Remove(addr uint64) (uint64, bool) {
	i := f.indexOf(addr)
	if i >= len(f.ivs) || f.ivs[i].start != addr {
		return 0, false
	}
	size := f.ivs[i].size
	f.ivs = append(f.ivs[:i], f.ivs[i+1:]...)
	return size, true
}

// Contains reports whether addr falls inside any tracked region: it finds
// the greatest interval start ≤ addr and tests end > addr (spec.md §4.8).
func (f *Filter) Contains(addr uint64) bool {
	i := f.indexOf(addr)
	if i < len(f.ivs) && f.ivs[i].start == addr {
		return true
	}
	if i == 0 {
		return false
	}
	prev := f.ivs[i-1]
	return addr < prev.start+prev.size
}

// RegionsWithin returns the start address of every tracked region whose
// span intersects [addr, addr+size) — the regions a free/realloc of that
// range touches (spec.md §4.5's "on free, purge all metas whose address
// falls inside").
func (f *Filter) RegionsWithin(addr, size uint64) []uint64 {
	var out []uint64
	end := addr + size
	for _, iv := range f.ivs {
		if iv.start >= end {
			break
		}
		if iv.start+iv.size > addr {
			out = append(out, iv.start)
		}
	}
	return out
}

// indexOf returns the index of the first interval whose start is >= addr
// (sort.Search's standard binary-search convention).
func (f *Filter) indexOf(addr uint64) int {
	return sort.Search(len(f.ivs), func(i int) bool {
		return f.ivs[i].start >= addr
	})
}
