package ring

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// maxSemWeight is effectively "unbounded" for a packet-count semaphore;
// golang.org/x/sync/semaphore.Weighted requires an upper bound at
// construction. newCountingSem acquires all of it up front so the count
// starts at zero; after that only 1 unit at a time is acquired/released.
const maxSemWeight = 1 << 32

// countingSem is a counting semaphore posted once per packet made visible
// (written_packets) or reclaimable (read_packets). It is the direct Go
// analog of the POSIX sem_t the spec describes; see DESIGN.md for why
// golang.org/x/sync/semaphore is the right library here rather than a
// hand-rolled channel or condition variable.
type countingSem struct {
	w *semaphore.Weighted
}

func newCountingSem() countingSem {
	w := semaphore.NewWeighted(maxSemWeight)
	// A fresh Weighted has every unit available; take them all so the
	// semaphore starts at zero and each post makes exactly one available.
	w.TryAcquire(maxSemWeight)
	return countingSem{w: w}
}

// post increments the semaphore by one, waking a single blocked waiter.
func (s countingSem) post() {
	s.w.Release(1)
}

// wait blocks until a unit is available or ctx is done. A cancelled ctx
// (as cancel() arranges) is the only way this returns an error; that
// error is always reported to the caller as ErrInterrupted, never as a
// raw context error, per spec.md §9's guidance to funnel wakeups through
// CANCELLED rather than relying on unspecified wake reasons.
func (s countingSem) wait(ctx context.Context) error {
	return s.w.Acquire(ctx, 1)
}

// tryWait attempts a non-blocking decrement. ok is false if no unit was
// immediately available.
func (s countingSem) tryWait() (ok bool) {
	return s.w.TryAcquire(1)
}
