// Package slotindex maintains the two in-memory maps that sit above a
// collection file: the Allocated index (live key -> slot location) and
// the Free index (reclaimable slots ordered by length, for first-fit
// reuse). Both are guarded by the engine's stream lock; slotindex itself
// does no locking.
package slotindex

import "sort"

// Slot describes a region of the collection file: Length bytes
// starting at Offset, of which the first 5 are the state byte and the
// u32 length prefix.
type Slot struct {
	Offset uint32
	Length uint32 // total length, framing included (5 + payload length)
}

// Allocated is the live key -> slot map. Ordered iteration is not a
// functional requirement (reads are by key), but a Go map already gives
// O(1) lookup. Keys returns the live keys in map order, which is not
// deterministic.
type Allocated[K comparable] struct {
	m map[K]Slot
}

func NewAllocated[K comparable]() *Allocated[K] {
	return &Allocated[K]{m: make(map[K]Slot)}
}

func (a *Allocated[K]) Get(key K) (Slot, bool) {
	s, ok := a.m[key]
	return s, ok
}

func (a *Allocated[K]) Set(key K, slot Slot) {
	a.m[key] = slot
}

func (a *Allocated[K]) Delete(key K) {
	delete(a.m, key)
}

func (a *Allocated[K]) Len() int { return len(a.m) }

func (a *Allocated[K]) Keys() []K {
	keys := make([]K, 0, len(a.m))
	for k := range a.m {
		keys = append(keys, k)
	}
	return keys
}

func (a *Allocated[K]) Clear() {
	a.m = make(map[K]Slot)
}

// freeEntry is one reclaimable slot, kept in a length-sorted slice.
type freeEntry struct {
	offset uint32
	length uint32
}

// Free is the ordered-by-length multiset of Deleted/Pending slots.
// Lookup finds "any free slot with length >= target", picking the
// smallest such length (ties broken by lowest offset), via binary
// search over the length-sorted view — a left-leaning scan that is
// not strict best-fit but is O(log n) to locate and O(n) to remove
// (slice compaction), matching the reference's stated tradeoffs.
type Free struct {
	entries []freeEntry // sorted by (length, offset)
}

func NewFree() *Free {
	return &Free{}
}

func (f *Free) Insert(offset, length uint32) {
	e := freeEntry{offset: offset, length: length}

	i := sort.Search(len(f.entries), func(i int) bool {
		if f.entries[i].length != e.length {
			return f.entries[i].length >= e.length
		}
		return f.entries[i].offset >= e.offset
	})

	f.entries = append(f.entries, freeEntry{})
	copy(f.entries[i+1:], f.entries[i:])
	f.entries[i] = e
}

// FindFit returns the first free slot whose length is >= target and
// removes it from the index. Reports false if no slot is large enough.
func (f *Free) FindFit(target uint32) (offset, length uint32, ok bool) {
	i := sort.Search(len(f.entries), func(i int) bool {
		return f.entries[i].length >= target
	})

	if i == len(f.entries) {
		return 0, 0, false
	}

	e := f.entries[i]
	f.entries = append(f.entries[:i], f.entries[i+1:]...)

	return e.offset, e.length, true
}

func (f *Free) Len() int { return len(f.entries) }

func (f *Free) Clear() {
	f.entries = nil
}

// TotalBytes sums the length of every free slot, for sizeBytes-style
// accounting by callers that want to report reclaimable space.
func (f *Free) TotalBytes() uint64 {
	var total uint64
	for _, e := range f.entries {
		total += uint64(e.length)
	}
	return total
}
