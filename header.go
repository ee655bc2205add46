package ring

import "encoding/binary"

// Header flag bits (spec.md §3, PacketHeader).
const (
	flagWritten uint32 = 1 << iota
	flagRead
)

// headerSize is sizeof(PacketHeader) on the arena: a 4-byte flag word
// followed by a 4-byte payload length. Two fixed-width fields; a codec
// library would be overkill (see DESIGN.md "Standard-library justifications").
const headerSize = 8

// packetHeader mirrors the on-arena layout described in spec.md §3.
type packetHeader struct {
	flags uint32
	size  uint32
}

func (h packetHeader) written() bool { return h.flags&flagWritten != 0 }
func (h packetHeader) read() bool    { return h.flags&flagRead != 0 }

// readHeader decodes the header at byte offset pos in arena. The caller
// guarantees pos+headerSize <= len(arena); advance() enforces this for
// every offset the engine ever produces.
func readHeader(arena []byte, pos uint32) packetHeader {
	b := arena[pos : pos+headerSize]
	return packetHeader{
		flags: binary.LittleEndian.Uint32(b[0:4]),
		size:  binary.LittleEndian.Uint32(b[4:8]),
	}
}

func writeHeader(arena []byte, pos uint32, h packetHeader) {
	b := arena[pos : pos+headerSize]
	binary.LittleEndian.PutUint32(b[0:4], h.flags)
	binary.LittleEndian.PutUint32(b[4:8], h.size)
}

func zeroHeader(arena []byte, pos uint32) {
	writeHeader(arena, pos, packetHeader{})
}

func setHeaderFlag(arena []byte, pos uint32, bit uint32) {
	off := pos
	cur := binary.LittleEndian.Uint32(arena[off : off+4])
	binary.LittleEndian.PutUint32(arena[off:off+4], cur|bit)
}

func setHeaderSize(arena []byte, pos uint32, size uint32) {
	binary.LittleEndian.PutUint32(arena[pos+4:pos+8], size)
}

// advance implements the single position-arithmetic rule of spec.md §4.A:
// compute the offset one packet past (pos, size), wrapping to 0 whenever a
// header could not fit before the end of the arena. Every reader and
// writer in the package calls this exact function so both sides agree on
// where a packet ends.
func advance(pos, size, arenaSize uint32) uint32 {
	next, _ := advancePadded(pos, size, arenaSize)
	return next
}

// advancePadded is advance plus the padding byte count surrendered by the
// wrap, so SetSize can charge it to free_bytes and reclaimOne (reserve's
// reclaim loop) can credit it back, per spec.md invariant 4.
func advancePadded(pos, size, arenaSize uint32) (next uint32, padding uint32) {
	raw := (pos + headerSize + size) % arenaSize
	if raw+headerSize > arenaSize {
		return 0, arenaSize - raw
	}
	return raw, 0
}
