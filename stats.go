package ring

import (
	"strconv"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Snapshot is a point-in-time copy of a Buffer's optional counters,
// returned by Buffer.Stats.
type Snapshot struct {
	PacketsWritten   uint64
	BytesWritten     uint64
	PacketsRead      uint64
	BytesRead        uint64
	PacketsDrained   uint64
	WriteWaitTime    time.Duration
	ReadWaitTime     time.Duration
	Age              time.Duration
}

// Stats holds the live counters for a Buffer created with AttrStats.
// Mirrors friggdb/pool/pool.go's package-var promauto.NewCounter style —
// here instance-scoped rather than package-scoped, since a process may
// host more than one Buffer.
type Stats struct {
	packetsWritten atomic.Uint64
	bytesWritten   atomic.Uint64
	packetsRead    atomic.Uint64
	bytesRead      atomic.Uint64
	packetsDrained atomic.Uint64
	writeWaitNanos atomic.Int64
	readWaitNanos  atomic.Int64

	promPacketsWritten prometheus.Counter
	promBytesWritten   prometheus.Counter
	promPacketsRead    prometheus.Counter
	promBytesRead      prometheus.Counter
	promWriteWait      prometheus.Histogram
	promReadWait       prometheus.Histogram
}

// statsSeq gives every AttrStats Buffer in the process a distinct
// "buffer" label, so creating more than one doesn't collide on
// promauto's default registry (duplicate-metric registration panics).
var statsSeq atomic.Uint64

func newStats() *Stats {
	id := statsSeq.Add(1)
	labels := prometheus.Labels{"buffer": fmtUint(id)}
	return &Stats{
		promPacketsWritten: promauto.NewCounter(prometheus.CounterOpts{
			Name:        "ring_packets_written_total",
			Help:        "Packets committed by close_write.",
			ConstLabels: labels,
		}),
		promBytesWritten: promauto.NewCounter(prometheus.CounterOpts{
			Name:        "ring_bytes_written_total",
			Help:        "Payload bytes committed by close_write.",
			ConstLabels: labels,
		}),
		promPacketsRead: promauto.NewCounter(prometheus.CounterOpts{
			Name:        "ring_packets_read_total",
			Help:        "Packets retired by close_read.",
			ConstLabels: labels,
		}),
		promBytesRead: promauto.NewCounter(prometheus.CounterOpts{
			Name:        "ring_bytes_read_total",
			Help:        "Payload bytes retired by close_read.",
			ConstLabels: labels,
		}),
		promWriteWait: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:        "ring_write_reserve_wait_seconds",
			Help:        "Time spent blocked on read_packets while reserving space.",
			ConstLabels: labels,
		}),
		promReadWait: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:        "ring_read_open_wait_seconds",
			Help:        "Time spent blocked on written_packets while opening a read.",
			ConstLabels: labels,
		}),
	}
}

func fmtUint(v uint64) string {
	return strconv.FormatUint(v, 10)
}

func (s *Stats) recordWrite(size uint32) {
	s.packetsWritten.Add(1)
	s.bytesWritten.Add(uint64(size))
	s.promPacketsWritten.Inc()
	s.promBytesWritten.Add(float64(size))
}

func (s *Stats) recordRead(size uint32) {
	s.packetsRead.Add(1)
	s.bytesRead.Add(uint64(size))
	s.promPacketsRead.Inc()
	s.promBytesRead.Add(float64(size))
}

func (s *Stats) recordDrain(size uint32) {
	s.packetsDrained.Add(1)
	s.bytesRead.Add(uint64(size))
}

func (s *Stats) recordWriteWait(d time.Duration) {
	s.writeWaitNanos.Add(d.Nanoseconds())
	s.promWriteWait.Observe(d.Seconds())
}

func (s *Stats) recordReadWait(d time.Duration) {
	s.readWaitNanos.Add(d.Nanoseconds())
	s.promReadWait.Observe(d.Seconds())
}

func (s *Stats) snapshot(createdAt time.Time) Snapshot {
	return Snapshot{
		PacketsWritten: s.packetsWritten.Load(),
		BytesWritten:   s.bytesWritten.Load(),
		PacketsRead:    s.packetsRead.Load(),
		BytesRead:      s.bytesRead.Load(),
		PacketsDrained: s.packetsDrained.Load(),
		WriteWaitTime:  time.Duration(s.writeWaitNanos.Load()),
		ReadWaitTime:   time.Duration(s.readWaitNanos.Load()),
		Age:            time.Since(createdAt),
	}
}
