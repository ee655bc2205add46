//go:build ringdebug

package ring

// assertDisjoint walks the non-free entries of l and panics if any two
// overlap in pos range. Built only with the ringdebug tag, so the check
// costs nothing in production builds. cut() does not remove overlap, so
// staging two entries over the same payload range trips it.
func assertDisjoint(l *fakeDmaList) {
	for i := range l.entries {
		if l.free.Test(uint(i)) {
			continue
		}
		for j := i + 1; j < len(l.entries); j++ {
			if l.free.Test(uint(j)) {
				continue
			}
			a, b := l.entries[i], l.entries[j]
			if a.pos < b.pos+b.size && b.pos < a.pos+a.size {
				panic("ring: fake-dma entries overlap, disjointness invariant violated")
			}
		}
	}
}
