package ring

import (
	"context"
	"time"
)

// OpenFlags selects the mode and blocking behavior of Buffer.Open.
type OpenFlags uint8

const (
	// FlagRead opens the next unread packet for consumption.
	FlagRead OpenFlags = 1 << iota
	// FlagWrite opens a new packet for production.
	FlagWrite
	// FlagTry makes Open (and the reservation/wait it performs) return
	// ErrBusy instead of blocking when it cannot proceed immediately.
	FlagTry
)

type packetMode uint8

const (
	modeWrite packetMode = iota
	modeRead
)

// PacketHandle is a single open packet session — one in-flight produce
// or consume. It is not safe for concurrent use by multiple goroutines;
// like the source library, a handle is meant to live on the goroutine
// that opened it from Open to Close.
type PacketHandle struct {
	buf *Buffer

	mode packetMode
	try  bool

	bufferPos uint32 // this packet's header position within the arena

	pos          uint32 // read/write cursor, relative to payload start
	reserved     uint32 // payload bytes currently charged against freeBytes
	sizeSet      bool
	declaredSize uint32

	dma    *fakeDmaList
	closed bool
}

// Open begins a new packet session. Exactly one of FlagRead/FlagWrite
// must be set; FlagTry may be added to either.
func (b *Buffer) Open(ctx context.Context, flags OpenFlags) (*PacketHandle, error) {
	r := flags&FlagRead != 0
	w := flags&FlagWrite != 0
	if r == w {
		return nil, ErrInvalidArgument
	}
	if err := b.readyOrErr(); err != nil {
		return nil, err
	}
	try := flags&FlagTry != 0
	if w {
		return b.openWrite(ctx, try)
	}
	return b.openRead(ctx, try)
}

func (b *Buffer) openWrite(ctx context.Context, try bool) (*PacketHandle, error) {
	var locked bool
	if try {
		locked = b.writeMu.TryLock()
	} else {
		b.writeMu.Lock()
		locked = true
	}
	if !locked {
		return nil, ErrBusy
	}
	if b.cancelled.Load() {
		b.writeMu.Unlock()
		return nil, ErrInterrupted
	}
	pos := b.writeNext.Load()
	zeroHeader(b.arena, pos)
	return &PacketHandle{
		buf:       b,
		mode:      modeWrite,
		try:       try,
		bufferPos: pos,
		dma:       newFakeDmaList(),
	}, nil
}

func (b *Buffer) openRead(ctx context.Context, try bool) (*PacketHandle, error) {
	var locked bool
	if try {
		locked = b.readMu.TryLock()
	} else {
		b.readMu.Lock()
		locked = true
	}
	if !locked {
		return nil, ErrBusy
	}
	if b.cancelled.Load() {
		b.readMu.Unlock()
		return nil, ErrInterrupted
	}

	waitStart := time.Now()
	var err error
	if try {
		if !b.writtenPackets.tryWait() {
			err = ErrBusy
		}
	} else {
		err = b.waitSemWithRetry(ctx, b.writtenPackets)
	}
	if b.stats != nil && !try {
		b.stats.recordReadWait(time.Since(waitStart))
	}
	if err != nil {
		b.readMu.Unlock()
		return nil, err
	}
	if b.cancelled.Load() {
		b.readMu.Unlock()
		return nil, ErrInterrupted
	}

	pos := b.readNext.Load()
	h := readHeader(b.arena, pos)
	next := advance(pos, h.size, b.size)
	b.readNext.Store(next)
	b.readMu.Unlock()

	return &PacketHandle{
		buf:          b,
		mode:         modeRead,
		try:          try,
		bufferPos:    pos,
		sizeSet:      true,
		declaredSize: h.size,
		dma:          newFakeDmaList(),
	}, nil
}

// growReserve grows this write handle's payload reservation to want
// bytes, blocking (or failing with ErrBusy in try mode) until enough
// space has been reclaimed from fully-read packets.
func (p *PacketHandle) growReserve(ctx context.Context, want uint32) error {
	if want <= p.reserved {
		return nil
	}
	if want > p.buf.size-2*headerSize {
		return ErrNoBufferSpace
	}
	delta := int64(want) - int64(p.reserved)
	if err := p.buf.charge(ctx, p.try, delta); err != nil {
		return err
	}
	p.reserved = want
	return nil
}

// Write appends src to the packet's payload, growing the reservation
// (and blocking or failing per the handle's try mode) unless SetSize has
// already latched a fixed size.
func (p *PacketHandle) Write(ctx context.Context, src []byte) (int, error) {
	if p.mode != modeWrite || p.closed {
		return 0, ErrInvalidArgument
	}
	n := uint32(len(src))
	if p.sizeSet {
		if p.pos+n > p.declaredSize {
			return 0, ErrInvalidArgument
		}
	} else if err := p.growReserve(ctx, p.pos+n); err != nil {
		return 0, err
	}
	p.buf.copyIn(p.bufferPos, p.pos, src)
	p.pos += n
	if !p.sizeSet {
		setHeaderSize(p.buf.arena, p.bufferPos, p.pos)
	}
	return len(src), nil
}

// Read copies up to len(dst) unread payload bytes into dst.
func (p *PacketHandle) Read(dst []byte) (int, error) {
	if p.mode != modeRead || p.closed {
		return 0, ErrInvalidArgument
	}
	avail := p.declaredSize - p.pos
	n := uint32(len(dst))
	if n > avail {
		n = avail
	}
	if n == 0 {
		return 0, nil
	}
	p.buf.copyOut(p.bufferPos, p.pos, dst[:n])
	p.pos += n
	return int(n), nil
}

// GetSize returns the packet's size: the declared size once SetSize (or
// an implicit Close) has latched one, otherwise the write side's current
// high-water mark.
func (p *PacketHandle) GetSize() (uint32, error) {
	if p.mode == modeRead || p.sizeSet {
		return p.declaredSize, nil
	}
	return p.pos, nil
}

// Tell returns the handle's current read/write cursor, relative to the
// start of the payload.
//
// spec.md §9 flags the source's ps_packet_tell as a genuine bug: it
// returns the position through the same channel used for error codes,
// so a legitimate offset and a negative errno are not distinguishable.
// Go's multi-value return has no such ambiguity, so this is the bug fix,
// not a faithful port of the bug.
func (p *PacketHandle) Tell() (int64, error) {
	if p.closed {
		return 0, ErrInvalidArgument
	}
	return int64(p.pos), nil
}

// Seek repositions the cursor within the payload. For a write handle
// that has not yet called SetSize, pos may not exceed the current
// reservation high-water mark; seeking past the end does not itself
// grow the reservation, only Write/Dma do that.
func (p *PacketHandle) Seek(pos int64) error {
	if p.closed || pos < 0 {
		return ErrInvalidArgument
	}
	limit := p.declaredSize
	if p.mode == modeWrite && !p.sizeSet {
		limit = p.reserved
	}
	if uint32(pos) > limit {
		return ErrInvalidArgument
	}
	p.pos = uint32(pos)
	return nil
}

// SetSize latches the packet's final payload length. It may only be
// called once on a write handle that has not yet closed. Per spec.md
// §4.C and §5, this is where write_mutex is released — not Close —
// which is what lets a second writer's Open proceed while this packet
// streams its payload and finalizes in parallel. See DESIGN.md for the
// freeBytes accounting this performs.
func (p *PacketHandle) SetSize(ctx context.Context, size uint32) error {
	if p.mode != modeWrite || p.closed || p.sizeSet {
		return ErrInvalidArgument
	}
	buf := p.buf
	if size > buf.size-2*headerSize {
		return ErrNoBufferSpace
	}

	if size < p.reserved {
		freed := int64(p.reserved) - int64(size)
		buf.zeroPayloadRange(p.bufferPos, size, p.reserved)
		buf.freeBytes.Add(freed)
		p.reserved = size
	} else if size > p.reserved {
		if err := p.growReserve(ctx, size); err != nil {
			return err
		}
	}

	_, padding := advancePadded(p.bufferPos, size, buf.size)
	if err := buf.charge(ctx, p.try, int64(headerSize)+int64(padding)); err != nil {
		return err
	}

	setHeaderSize(buf.arena, p.bufferPos, size)
	p.sizeSet = true
	p.declaredSize = size

	nextPos, _ := advancePadded(p.bufferPos, size, buf.size)
	zeroHeader(buf.arena, nextPos)
	buf.writeNext.Store(nextPos)

	p.dma.cut(size)
	buf.writeMu.Unlock()
	return nil
}

// CancelWrite abandons a packet before its size has been latched,
// returning its reservation to the pool and releasing write_mutex
// without ever making the packet visible to a reader.
func (p *PacketHandle) CancelWrite() error {
	if p.mode != modeWrite || p.closed || p.sizeSet {
		return ErrInvalidArgument
	}
	buf := p.buf
	buf.freeBytes.Add(int64(p.reserved))
	zeroHeader(buf.arena, p.bufferPos)
	p.dma.freeAll()
	p.closed = true
	buf.writeMu.Unlock()
	return nil
}

// Close ends the packet session: for a write handle it implicitly
// latches SetSize if not already done (which is also where write_mutex
// is released, see SetSize), commits any staged fake-DMA bytes, marks
// the header WRITTEN, and runs the in-order commit walk that may post
// written_packets for this packet and any run of previously
// out-of-order packets it unblocks. For a read handle it marks the
// header READ and runs the symmetric walk over read_packets.
func (p *PacketHandle) Close(ctx context.Context) error {
	if p.closed {
		return ErrInvalidArgument
	}
	if p.mode == modeWrite {
		return p.closeWrite(ctx)
	}
	return p.closeRead()
}

func (p *PacketHandle) closeWrite(ctx context.Context) error {
	buf := p.buf
	if !p.sizeSet {
		if err := p.SetSize(ctx, p.pos); err != nil {
			return err
		}
	}
	p.dma.commitAll(func(pos uint32, data []byte) {
		buf.copyIn(p.bufferPos, pos, data)
	})

	buf.writeCloseMu.Lock()
	setHeaderFlag(buf.arena, p.bufferPos, flagWritten)
	if p.bufferPos == buf.writePos.Load() {
		pos := p.bufferPos
		for {
			h := readHeader(buf.arena, pos)
			if !h.written() {
				break
			}
			next := advance(pos, h.size, buf.size)
			buf.writtenPackets.post()
			pos = next
		}
		buf.writePos.Store(pos)
	}
	if buf.stats != nil {
		buf.stats.recordWrite(p.declaredSize)
	}
	buf.writeCloseMu.Unlock()

	p.closed = true
	return nil
}

func (p *PacketHandle) closeRead() error {
	buf := p.buf
	buf.readCloseMu.Lock()
	setHeaderFlag(buf.arena, p.bufferPos, flagRead)
	if p.bufferPos == buf.readPos.Load() {
		pos := p.bufferPos
		for {
			h := readHeader(buf.arena, pos)
			if !h.read() {
				break
			}
			next := advance(pos, h.size, buf.size)
			buf.readPackets.post()
			pos = next
		}
		buf.readPos.Store(pos)
	}
	buf.readCloseMu.Unlock()
	if buf.stats != nil {
		buf.stats.recordRead(p.declaredSize)
	}
	p.dma.freeAll()
	p.closed = true
	return nil
}

// Dma hands back a slice the caller may read or write directly rather
// than going through Read/Write, advancing the cursor by n as if that
// many bytes had been transferred. When the requested span would
// straddle the arena wrap point, a contiguous window cannot be returned
// directly: callers must pass acceptFakeDMA to get a bounce buffer
// instead, or receive ErrTryAgain.
func (p *PacketHandle) Dma(ctx context.Context, n uint32, acceptFakeDMA bool) ([]byte, error) {
	if p.closed || n == 0 {
		return nil, ErrInvalidArgument
	}
	buf := p.buf
	off := buf.payloadOffset(p.bufferPos, p.pos)
	crosses := off+n > buf.size

	if p.mode == modeWrite {
		if p.sizeSet {
			if p.pos+n > p.declaredSize {
				return nil, ErrInvalidArgument
			}
		} else if err := p.growReserve(ctx, p.pos+n); err != nil {
			return nil, err
		}
		if !crosses {
			mem := buf.arena[off : off+n]
			p.pos += n
			if !p.sizeSet {
				setHeaderSize(buf.arena, p.bufferPos, p.pos)
			}
			return mem, nil
		}
		if !acceptFakeDMA {
			return nil, ErrTryAgain
		}
		idx := p.dma.alloc(p.pos, n)
		p.pos += n
		if !p.sizeSet {
			setHeaderSize(buf.arena, p.bufferPos, p.pos)
		}
		return p.dma.entries[idx].mem[:n], nil
	}

	if p.pos+n > p.declaredSize {
		return nil, ErrInvalidArgument
	}
	if !crosses {
		mem := buf.arena[off : off+n]
		p.pos += n
		return mem, nil
	}
	if !acceptFakeDMA {
		return nil, ErrTryAgain
	}
	idx := p.dma.alloc(p.pos, n)
	dst := p.dma.entries[idx].mem[:n]
	buf.copyOut(p.bufferPos, p.pos, dst)
	p.pos += n
	return dst, nil
}
