package ring

import (
	"context"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// TestBoundaryFiftyPacketsThenDrain is spec.md §8's first literal boundary
// scenario: a 64 KiB arena, 50 packets of 1000 bytes each, drained in one
// call.
func TestBoundaryFiftyPacketsThenDrain(t *testing.T) {
	ctx := context.Background()
	buf := mustBuffer(t, 64*1024)

	payload := make([]byte, 1000)
	for i := 0; i < 50; i++ {
		w, err := buf.Open(ctx, FlagWrite)
		require.NoError(t, err)
		_, err = w.Write(ctx, payload)
		require.NoError(t, err)
		require.NoError(t, w.Close(ctx))
	}

	unread, _ := buf.walkPackets(buf.readNext.Load(), buf.writePos.Load())
	require.Equal(t, 50, unread, "expected 50 unread packets before drain")

	n, err := buf.Drain()
	require.NoError(t, err)
	require.Equal(t, 50, n)

	unread, _ = buf.walkPackets(buf.readNext.Load(), buf.writePos.Load())
	require.Zero(t, unread, "unread packets after drain")
	pending, _ := buf.walkPackets(buf.readFirst.Load(), buf.readPos.Load())
	require.Zero(t, pending, "pending-free packets after drain")

	n, err = buf.Drain()
	require.NoError(t, err)
	require.Zero(t, n, "drain idempotence: second drain finds nothing")
}

// TestBoundaryTightArenaBlocksUntilReclaimed is spec.md §8's second literal
// boundary scenario: an arena sized for exactly one 1-byte packet. SetSize
// rejects a payload that would not leave room for the sentinel header;
// the packet that does fit causes the next writer to block until the
// first is read and its space reclaimed.
func TestBoundaryTightArenaBlocksUntilReclaimed(t *testing.T) {
	ctx := context.Background()
	buf := mustBuffer(t, 2*headerSize+1)

	w1, err := buf.Open(ctx, FlagWrite)
	require.NoError(t, err)
	require.ErrorIs(t, w1.SetSize(ctx, 2), ErrNoBufferSpace)
	require.NoError(t, w1.SetSize(ctx, 1))
	require.NoError(t, w1.Close(ctx))

	done := make(chan error, 1)
	go func() {
		w2, err := buf.Open(ctx, FlagWrite)
		if err != nil {
			done <- err
			return
		}
		done <- w2.SetSize(ctx, 1)
	}()

	select {
	case <-done:
		t.Fatalf("second writer should block: no space has been reclaimed yet")
	case <-time.After(50 * time.Millisecond):
	}

	r, err := buf.Open(ctx, FlagRead)
	require.NoError(t, err)
	require.NoError(t, r.Close(ctx))

	select {
	case err := <-done:
		require.NoError(t, err, "second writer should unblock once the first packet is read and reclaimed")
	case <-time.After(time.Second):
		t.Fatalf("second writer did not unblock after reclaim")
	}
}

// TestBoundaryTwoWritersOneReaderPreserveOrder is a scaled-down rendition
// of spec.md §8's third literal boundary scenario (two writers, one
// reader, random packet sizes, here 4 to 1024 bytes so each packet holds
// its sequence number): it checks that sequence numbers recorded
// under write_mutex at open time are observed strictly increasing by the
// single reader, and that free_bytes returns exactly to baseline once
// every packet has cycled through.
func TestBoundaryTwoWritersOneReaderPreserveOrder(t *testing.T) {
	ctx := context.Background()
	buf := mustBuffer(t, 4096)
	before := buf.freeBytes.Load()

	const total = 2000
	var seq uint32
	var seqMu sync.Mutex

	produce := func(n int) {
		for i := 0; i < n; i++ {
			w, err := buf.Open(ctx, FlagWrite)
			require.NoError(t, err)

			seqMu.Lock()
			seq++
			mySeq := seq
			seqMu.Unlock()

			payload := make([]byte, 4)
			payload[0] = byte(mySeq)
			payload[1] = byte(mySeq >> 8)
			payload[2] = byte(mySeq >> 16)
			payload[3] = byte(mySeq >> 24)

			// At least len(payload) bytes, so every packet carries its
			// whole 4-byte sequence number for the reader to decode.
			size := len(payload) + rand.Intn(1024-len(payload)+1)
			packetBytes := make([]byte, size)
			copy(packetBytes, payload)
			_, err = w.Write(ctx, packetBytes)
			require.NoError(t, err)
			require.NoError(t, w.Close(ctx))
		}
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); produce(total / 2) }()
	go func() { defer wg.Done(); produce(total / 2) }()

	var last uint32
	for i := 0; i < total; i++ {
		r, err := buf.Open(ctx, FlagRead)
		require.NoError(t, err)
		size, _ := r.GetSize()
		got := make([]byte, size)
		_, err = r.Read(got)
		require.NoError(t, err)
		require.NoError(t, r.Close(ctx))

		gotSeq := uint32(got[0]) | uint32(got[1])<<8 | uint32(got[2])<<16 | uint32(got[3])<<24
		require.Greater(t, gotSeq, last, "sequence numbers must be strictly increasing")
		last = gotSeq
	}
	wg.Wait()

	n, err := buf.Drain()
	require.NoError(t, err)
	require.Zero(t, n)
	// Force the lazy reclaim walk all the way to read_next so free_bytes
	// reflects the full read-and-close cycle, matching spec.md's "final
	// free_bytes equals N - sizeof(Header)".
	for buf.readPackets.tryWait() {
		buf.reclaimOne()
	}
	require.Equal(t, before, buf.freeBytes.Load())
}

// TestBoundaryUnclosedWriterStallsWritePos is spec.md §8's fourth literal
// boundary scenario: a writer that opens and writes but never calls
// Close leaves write_pos stuck at that packet's offset, even though
// earlier packets remain fully visible to the reader.
func TestBoundaryUnclosedWriterStallsWritePos(t *testing.T) {
	ctx := context.Background()
	buf := mustBuffer(t, 256)

	w1, err := buf.Open(ctx, FlagWrite)
	require.NoError(t, err)
	_, err = w1.Write(ctx, []byte("first"))
	require.NoError(t, err)
	require.NoError(t, w1.Close(ctx))

	stuckPos := buf.writeNext.Load()
	w2, err := buf.Open(ctx, FlagWrite)
	require.NoError(t, err)
	_, err = w2.Write(ctx, []byte("second"))
	require.NoError(t, err)
	// Deliberately never call w2.Close — simulates the writer dying
	// before close_write, per spec.md §8 scenario 4.
	_ = w2

	require.Equal(t, stuckPos, buf.writePos.Load(), "write_pos must remain at the unclosed packet's offset")

	r, err := buf.Open(ctx, FlagRead)
	require.NoError(t, err)
	size, _ := r.GetSize()
	got := make([]byte, size)
	_, err = r.Read(got)
	require.NoError(t, err)
	require.Equal(t, "first", string(got))
	require.NoError(t, r.Close(ctx))

	_, err = buf.Open(ctx, FlagRead|FlagTry)
	require.ErrorIs(t, err, ErrBusy, "second packet must stay invisible until the stalled writer closes it")
}

// TestBoundaryCancelWakesBlockedWriterAndReader is spec.md §8's sixth
// literal boundary scenario: cancel issued while one writer is blocked
// in reserve and one reader is blocked in open_read; both must return
// interrupted, and the buffer becomes unusable afterward.
func TestBoundaryCancelWakesBlockedWriterAndReader(t *testing.T) {
	ctx := context.Background()
	buf := mustBuffer(t, 64)

	// Fill the arena with one packet, consuming nearly all free space,
	// then open (but do not close) a read on it: written_packets drops
	// to zero and the packet's bytes remain uncreditable until Close.
	w, err := buf.Open(ctx, FlagWrite)
	require.NoError(t, err)
	require.NoError(t, w.SetSize(ctx, 40))
	require.NoError(t, w.Close(ctx))

	r, err := buf.Open(ctx, FlagRead)
	require.NoError(t, err)

	writerDone := make(chan error, 1)
	go func() {
		w2, err := buf.Open(ctx, FlagWrite)
		if err != nil {
			writerDone <- err
			return
		}
		err = w2.SetSize(ctx, 20)
		if err != nil {
			// SetSize failed before latching a size, so write_mutex is
			// still held (spec.md §7: the writer must call CancelWrite
			// to return the reservation and release it).
			_ = w2.CancelWrite()
		}
		writerDone <- err
	}()

	readerDone := make(chan error, 1)
	go func() {
		_, err := buf.Open(ctx, FlagRead)
		readerDone <- err
	}()

	time.Sleep(50 * time.Millisecond)
	buf.Cancel()

	select {
	case err := <-writerDone:
		require.ErrorIs(t, err, ErrInterrupted)
	case <-time.After(time.Second):
		t.Fatalf("blocked writer did not wake on cancel")
	}
	select {
	case err := <-readerDone:
		require.ErrorIs(t, err, ErrInterrupted)
	case <-time.After(time.Second):
		t.Fatalf("blocked reader did not wake on cancel")
	}

	require.True(t, buf.Cancelled())
	_, err = buf.Open(ctx, FlagWrite)
	require.ErrorIs(t, err, ErrInterrupted)

	require.NoError(t, r.Close(ctx))
}
