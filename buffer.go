// Package ring implements a thread-safe, variable-sized packet ring
// buffer for producer/consumer IPC: a fixed byte arena carrying
// self-describing, wrap-around framed packets, read and written through
// PacketHandle sessions that serialize out-of-order completions into an
// in-order visible stream.
package ring

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lano1106/glcs-packetstream/shmseg"
)

// AttrFlag configures Init. Flags beyond these are rejected — READY and
// CANCELLED are state bits owned by the buffer itself, never set by a
// caller.
type AttrFlag uint32

const (
	// AttrPShared backs the arena with a /dev/shm segment instead of a
	// process-heap slice, so the bytes (not the mutexes or semaphores —
	// see DESIGN.md's PSHARED decision) survive across a fork of the
	// creating process.
	AttrPShared AttrFlag = 1 << iota
	// AttrStats turns on the optional counters exposed by Buffer.Stats
	// and as Prometheus metrics registered on the default registry
	// (stats.go).
	AttrStats

	flagReady     AttrFlag = 1 << 30
	flagCancelled AttrFlag = 1 << 31
)

// Attr configures a new Buffer.
type Attr struct {
	// Size is the arena's total byte capacity, header slots included.
	// Must be large enough to hold at least one zero-length packet
	// (2*headerSize).
	Size uint32
	// Flags is a combination of AttrPShared and AttrStats.
	Flags AttrFlag
	// Shmid names the /dev/shm segment when AttrPShared is set. Empty
	// means "create a fresh segment and choose a name", non-empty means
	// "create the segment under this name" (New truncates any existing
	// segment of that name; Attach does not attach to one).
	Shmid string
	// Shmmode is the /dev/shm file's permission bits; ignored unless
	// AttrPShared is set.
	Shmmode os.FileMode
}

func (a Attr) validate() error {
	if a.Flags&(flagReady|flagCancelled) != 0 {
		return fmt.Errorf("%w: flagReady/flagCancelled are reserved", ErrInvalidArgument)
	}
	if a.Size < 2*headerSize {
		return fmt.Errorf("%w: size must be at least %d", ErrInvalidArgument, 2*headerSize)
	}
	return nil
}

// Buffer is a single packet ring. All exported methods are safe for
// concurrent use by multiple goroutines, matching the source library's
// multi-threaded contract.
type Buffer struct {
	arena []byte
	seg   *shmseg.Segment
	size  uint32

	stats *Stats

	readPos   atomic.Uint32
	writePos  atomic.Uint32
	readNext  atomic.Uint32
	writeNext atomic.Uint32
	readFirst atomic.Uint32
	freeBytes atomic.Int64

	// writeMu guards the open-write claim through set_size/cancel_write:
	// write_next, read_first (the producer-side reclaim cursor) and
	// freeBytes all change only while it is held. writeCloseMu guards
	// only the write-side commit walk (write_pos). readMu claims
	// read_next; readCloseMu walks the read-side commit (read_pos).
	// Four mutexes, matching spec.md's write_mutex / read_mutex /
	// write_close_mutex / read_close_mutex.
	writeMu      sync.Mutex
	readMu       sync.Mutex
	writeCloseMu sync.Mutex
	readCloseMu  sync.Mutex

	writtenPackets countingSem
	readPackets    countingSem

	cancelled atomic.Bool
	cancelFn  context.CancelFunc
	ctx       context.Context

	ready     atomic.Bool
	pshared   bool
	createdAt time.Time
}

// maxSpuriousRetries bounds the defensive retry loop around semaphore
// waits that return a non-nil, non-cancellation error. golang.org/x/sync/
// semaphore.Weighted.Acquire only ever returns ctx.Err(), so this branch
// is not reachable in practice; it exists because spec.md's Design Notes
// call for bounded retry rather than an infinite spin on a source of
// wakeup this implementation does not actually have.
const maxSpuriousRetries = 6

// New allocates and initializes a Buffer. It is the Go-idiomatic
// replacement for the source's init(attr, out_buffer): there is no
// separate "destroy the zero value" step, New either returns a ready
// Buffer or an error.
func New(attr Attr) (*Buffer, error) {
	if err := attr.validate(); err != nil {
		return nil, err
	}
	b := &Buffer{
		size:           attr.Size,
		writtenPackets: newCountingSem(),
		readPackets:    newCountingSem(),
		createdAt:      time.Now(),
	}
	b.ctx, b.cancelFn = context.WithCancel(context.Background())

	if attr.Flags&AttrPShared != 0 {
		name := attr.Shmid
		if name == "" {
			name = fmt.Sprintf("glcs-ring-%d", os.Getpid())
		}
		mode := attr.Shmmode
		if mode == 0 {
			mode = 0o600
		}
		seg, err := shmseg.Create(name, int(attr.Size), mode)
		if err != nil {
			return nil, fmt.Errorf("ring: pshared init: %w", err)
		}
		b.seg = seg
		b.arena = seg.Bytes()
		b.pshared = true
	} else {
		b.arena = make([]byte, attr.Size)
	}

	if attr.Flags&AttrStats != 0 {
		b.stats = newStats()
	}

	b.freeBytes.Store(int64(attr.Size) - int64(headerSize))
	b.ready.Store(true)
	return b, nil
}

// Attach always returns ErrNotSupported; it does not map an existing
// PSHARED segment. Per spec.md §9's PSHARED discussion, only the arena
// bytes are process-shared — the control path (mutexes, semaphores,
// position cursors) lives in the creating process, and a Buffer built
// around an attached arena would start with zeroed control state that
// desynchronizes from the creator's.
func Attach(ctx context.Context, attr Attr) (*Buffer, error) {
	return nil, fmt.Errorf("%w: cross-process control-path attach is not supported, only the shmseg arena bytes are shared", ErrNotSupported)
}

// Destroy releases the Buffer. In PSHARED mode it unmaps and removes the
// /dev/shm segment; otherwise it is a formality (the arena is ordinary
// Go heap memory and will be collected), kept for symmetry with the
// source API and so defer buf.Destroy() reads naturally.
func (b *Buffer) Destroy() error {
	b.ready.Store(false)
	b.cancelFn()
	if b.seg != nil {
		if err := b.seg.Close(); err != nil {
			return err
		}
		return b.seg.Remove()
	}
	return nil
}

// Cancel latches the buffer CANCELLED, a one-way terminal state, and
// wakes every blocked Open/Dma/reserve waiter.
//
// spec.md §9 flags the source's cancel() as unsafe because it unlocks a
// mutex from whatever thread happens to run cancel(), not the thread
// holding it, to force a blocked sem_wait to observe a spurious wake.
// That has no sound Go equivalent (you cannot unlock a sync.Mutex you
// don't hold) and isn't needed here: every blocking wait in this package
// already goes through a ctx derived from b.ctx, so cancelling that
// context is sufficient to wake every waiter, who then rechecks
// b.cancelled and returns ErrInterrupted before touching anything it
// does not itself hold a lock on.
func (b *Buffer) Cancel() {
	if b.cancelled.CompareAndSwap(false, true) {
		b.cancelFn()
	}
}

// Cancelled reports whether Cancel has been called.
func (b *Buffer) Cancelled() bool { return b.cancelled.Load() }

func (b *Buffer) readyOrErr() error {
	if !b.ready.Load() {
		return fmt.Errorf("%w: buffer not initialized or already destroyed", ErrInvalidArgument)
	}
	if b.cancelled.Load() {
		return ErrInterrupted
	}
	return nil
}

// Shmid returns the /dev/shm segment name backing this buffer, or
// ErrNotSupported if it is not PSHARED.
func (b *Buffer) Shmid() (string, error) {
	if b.seg == nil {
		return "", fmt.Errorf("%w: buffer is not pshared", ErrNotSupported)
	}
	return b.seg.Name(), nil
}

// Drain discards every unread packet still pending in the buffer,
// releasing its backing storage without a consumer ever seeing it
// (spec.md §4.D). It returns the count of packets discarded.
func (b *Buffer) Drain() (int, error) {
	if err := b.readyOrErr(); err != nil {
		return 0, err
	}
	b.readMu.Lock()
	b.readCloseMu.Lock()
	defer b.readCloseMu.Unlock()
	defer b.readMu.Unlock()

	n := 0
	for b.writtenPackets.tryWait() {
		pos := b.readNext.Load()
		h := readHeader(b.arena, pos)
		next := advance(pos, h.size, b.size)
		b.readNext.Store(next)
		setHeaderFlag(b.arena, pos, flagRead)
		n++
		if b.stats != nil {
			b.stats.recordDrain(h.size)
		}
	}
	// Commit-walk the read side exactly as close_read would: read_packets
	// is posted (and read_pos advanced) only for the packets in the
	// contiguous READ-flagged run anchored at read_pos. An earlier
	// reader's still-open packet sitting at read_pos has no READ flag
	// yet and breaks the chain there, so the later packets this drain
	// just marked must not be posted as reclaimable until that packet
	// closes — posting them early would let a producer's reclaimOne
	// reclaim space out from under the still-open read.
	pos := b.readPos.Load()
	for {
		h := readHeader(b.arena, pos)
		if !h.read() {
			break
		}
		next := advance(pos, h.size, b.size)
		b.readPackets.post()
		pos = next
	}
	b.readPos.Store(pos)
	return n, nil
}

// StateDump writes a human-readable snapshot of the buffer's control
// state, in the spirit of spec.md §4.F's six-pointer dump plus derived
// unread/pending-free walks.
func (b *Buffer) StateDump(w io.Writer) error {
	readPos := b.readPos.Load()
	writePos := b.writePos.Load()
	readNext := b.readNext.Load()
	writeNext := b.writeNext.Load()
	readFirst := b.readFirst.Load()
	freeBytes := b.freeBytes.Load()

	unreadCount, unreadBytes := b.walkPackets(readNext, writePos)
	pendingCount, pendingBytes := b.walkPackets(readFirst, readPos)

	_, err := fmt.Fprintf(w,
		"size=%d free_bytes=%d ready=%t cancelled=%t\n"+
			"read_pos=%d write_pos=%d read_next=%d write_next=%d read_first=%d\n"+
			"unread_packets=%d unread_bytes=%d pending_free_packets=%d pending_free_bytes=%d\n",
		b.size, freeBytes, b.ready.Load(), b.cancelled.Load(),
		readPos, writePos, readNext, writeNext, readFirst,
		unreadCount, unreadBytes, pendingCount, pendingBytes,
	)
	return err
}

// walkPackets counts packets and total payload bytes from start up to
// (not including) end, following the same header-driven advance() chain
// every other traversal in this package uses. Used only by StateDump, a
// best-effort diagnostic: a concurrent writer can move end
// mid-walk, in which case the walk simply stops one packet short rather
// than racing to read a header that is still being written.
func (b *Buffer) walkPackets(start, end uint32) (count int, bytes int64) {
	pos := start
	for pos != end {
		h := readHeader(b.arena, pos)
		if !h.written() {
			break
		}
		bytes += int64(h.size)
		count++
		pos = advance(pos, h.size, b.size)
	}
	return count, bytes
}

// Stats returns a point-in-time snapshot of the buffer's optional
// counters. It returns ErrNotSupported if the buffer was not created
// with AttrStats.
func (b *Buffer) Stats() (Snapshot, error) {
	if b.stats == nil {
		return Snapshot{}, fmt.Errorf("%w: buffer was not created with AttrStats", ErrNotSupported)
	}
	return b.stats.snapshot(b.createdAt), nil
}

func (b *Buffer) payloadOffset(bufferPos, cursor uint32) uint32 {
	return (bufferPos + headerSize + cursor) % b.size
}

func (b *Buffer) copyIn(bufferPos, cursor uint32, src []byte) {
	off := b.payloadOffset(bufferPos, cursor)
	n := copy(b.arena[off:], src)
	if n < len(src) {
		copy(b.arena[0:], src[n:])
	}
}

func (b *Buffer) copyOut(bufferPos, cursor uint32, dst []byte) {
	off := b.payloadOffset(bufferPos, cursor)
	n := copy(dst, b.arena[off:])
	if n < len(dst) {
		copy(dst[n:], b.arena[0:])
	}
}

func (b *Buffer) zeroPayloadRange(bufferPos, from, to uint32) {
	for i := from; i < to; i++ {
		b.arena[b.payloadOffset(bufferPos, i)] = 0
	}
}

// reclaimOne credits the packet currently sitting at read_first back to
// freeBytes and advances read_first past it. Callers must already know
// (via a successful readPackets wait/tryWait) that a packet is there to
// reclaim.
func (b *Buffer) reclaimOne() {
	rf := b.readFirst.Load()
	h := readHeader(b.arena, rf)
	next, padding := advancePadded(rf, h.size, b.size)
	b.freeBytes.Add(int64(headerSize) + int64(h.size) + int64(padding))
	b.readFirst.Store(next)
}

// waitSemWithRetry waits on sem, translating context cancellation into
// ErrInterrupted and bounding the (unreachable in practice, see
// maxSpuriousRetries) retry loop for any other wakeup.
func (b *Buffer) waitSemWithRetry(ctx context.Context, sem countingSem) error {
	waitCtx := ctx
	if waitCtx == nil {
		waitCtx = context.Background()
	}
	for attempt := 0; ; attempt++ {
		err := b.waitOnce(waitCtx, sem)
		if err == nil {
			return nil
		}
		if b.cancelled.Load() {
			return ErrInterrupted
		}
		if waitCtx.Err() != nil {
			return fmt.Errorf("%w: %v", ErrInterrupted, waitCtx.Err())
		}
		if attempt >= maxSpuriousRetries {
			return ErrInternal
		}
	}
}

// waitOnce blocks on sem until it is posted, the caller's ctx is done,
// or Buffer.Cancel fires — whichever comes first. context.Context has no
// built-in join of two contexts, so derive a short-lived merged one and
// always tear it down before returning.
func (b *Buffer) waitOnce(ctx context.Context, sem countingSem) error {
	if ctx.Done() == nil {
		return sem.wait(b.ctx)
	}
	merged, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-b.ctx.Done():
			cancel()
		case <-merged.Done():
		}
	}()
	return sem.wait(merged)
}

// charge is the shared blocking/try reclaim loop behind every place the
// buffer needs to deduct bytes from freeBytes and, if insufficient,
// reclaim fully-read packets until there is enough: reserve() during
// streaming writes and the header+padding sentinel set_size latches.
// See DESIGN.md for why this charges exactly one header's worth per
// packet rather than the source's two.
func (b *Buffer) charge(ctx context.Context, try bool, amount int64) error {
	if amount <= 0 {
		return nil
	}
	newFree := b.freeBytes.Add(-amount)
	for newFree < 0 {
		if b.cancelled.Load() {
			b.freeBytes.Add(amount)
			return ErrInterrupted
		}
		if try {
			if !b.readPackets.tryWait() {
				b.freeBytes.Add(amount)
				return ErrBusy
			}
		} else {
			waitStart := time.Now()
			err := b.waitSemWithRetry(ctx, b.readPackets)
			if b.stats != nil {
				b.stats.recordWriteWait(time.Since(waitStart))
			}
			if err != nil {
				b.freeBytes.Add(amount)
				return err
			}
		}
		b.reclaimOne()
		newFree = b.freeBytes.Load()
		for newFree < 0 && b.readPackets.tryWait() {
			b.reclaimOne()
			newFree = b.freeBytes.Load()
		}
	}
	return nil
}
