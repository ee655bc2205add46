package ring

import "github.com/bits-and-blooms/bitset"

// fakeDmaEntry is a reusable bounce buffer keyed by its position within
// the owning packet's payload (spec.md §3 FakeDma, §4.E).
type fakeDmaEntry struct {
	mem  []byte
	pos  uint32 // offset within the packet payload this entry stages
	size uint32 // logical bytes currently staged (<= len(mem))
}

// fakeDmaList is the per-PacketHandle collection of bounce buffers.
//
// spec.md §9 describes the source's per-handle singly-linked chain but
// explicitly recommends "a flat growable sequence of entries with a
// free-bit" for memory-safe languages. entries is that flat sequence;
// free is the free-bit vector, backed by github.com/bits-and-blooms/bitset
// rather than a []bool; entries are scanned by index with Test/Set/Clear.
type fakeDmaList struct {
	entries []fakeDmaEntry
	free    *bitset.BitSet
}

func newFakeDmaList() *fakeDmaList {
	return &fakeDmaList{free: bitset.New(0)}
}

// alloc returns an entry with capacity >= n, reusing a free entry with
// enough room when one exists, else growing mem in place, else appending
// a brand new entry. It returns the entry's index.
func (l *fakeDmaList) alloc(pos uint32, n uint32) (idx int) {
	for i := range l.entries {
		if l.free.Test(uint(i)) && uint32(len(l.entries[i].mem)) >= n {
			l.free.Clear(uint(i))
			l.entries[i].pos = pos
			l.entries[i].size = n
			return i
		}
	}
	// No free entry large enough: grow an existing free-but-undersized one
	// if present, else append.
	for i := range l.entries {
		if l.free.Test(uint(i)) {
			l.entries[i].mem = make([]byte, n)
			l.entries[i].pos = pos
			l.entries[i].size = n
			l.free.Clear(uint(i))
			return i
		}
	}
	l.entries = append(l.entries, fakeDmaEntry{mem: make([]byte, n), pos: pos, size: n})
	idx = len(l.entries) - 1
	// A freshly appended bit defaults to 0 ("occupied") in bitset.BitSet,
	// so no explicit Clear is needed here.
	return idx
}

// find returns the index of a non-free entry whose staged range contains
// pos, or -1.
func (l *fakeDmaList) find(pos uint32) int {
	for i := range l.entries {
		if l.free.Test(uint(i)) {
			continue
		}
		e := &l.entries[i]
		if pos >= e.pos && pos < e.pos+e.size {
			return i
		}
	}
	return -1
}

// releaseEntry sets the free bit for idx; the backing memory is retained
// for reuse.
func (l *fakeDmaList) releaseEntry(idx int) {
	l.free.Set(uint(idx))
}

// freeAll marks every entry free without writing anything back
// (reader side, or on cancel — spec.md §4.E free_all).
func (l *fakeDmaList) freeAll() {
	for i := range l.entries {
		l.free.Set(uint(i))
	}
}

// cut frees entries entirely beyond size and truncates any entry that
// straddles size, after set_size latches the final payload length.
// It does not resolve overlap between surviving entries: two entries
// staged over the same range (a Dma after a Seek backwards) both survive.
// assertDisjoint (debug builds only) panics on such an overlap.
func (l *fakeDmaList) cut(size uint32) {
	for i := range l.entries {
		if l.free.Test(uint(i)) {
			continue
		}
		e := &l.entries[i]
		if e.pos >= size {
			l.free.Set(uint(i))
			continue
		}
		if e.pos+e.size > size {
			e.size = size - e.pos
		}
	}
}

// commitAll writes every non-free entry's staged bytes back into the
// arena at its recorded packet-relative position, via the supplied
// writeAt callback (payload-relative seek+write). Entries are written in
// index order, so where two overlap the later index's bytes are the ones
// left in the arena.
func (l *fakeDmaList) commitAll(writeAt func(pos uint32, data []byte)) {
	assertDisjoint(l)
	for i := range l.entries {
		if l.free.Test(uint(i)) {
			continue
		}
		e := &l.entries[i]
		writeAt(e.pos, e.mem[:e.size])
	}
}
