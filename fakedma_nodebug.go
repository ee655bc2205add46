//go:build !ringdebug

package ring

// assertDisjoint is a no-op outside the ringdebug build tag; see
// fakedma_debug.go.
func assertDisjoint(*fakeDmaList) {}
