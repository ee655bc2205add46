// Command ringdemo wires a ring.Buffer to a handful of synthetic
// producers and a forwarding consumer. It exists to exercise the
// package end to end, not as a supported CLI product.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	ring "github.com/lano1106/glcs-packetstream"
	"github.com/lano1106/glcs-packetstream/config"
)

func main() {
	log.Println("ringdemo starting...")

	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("godotenv: %v", err)
	}

	cfgPath := "config.toml"
	if p := os.Getenv("RINGDEMO_CONFIG"); p != "" {
		cfgPath = p
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("failed to load config %s: %v", cfgPath, err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	attr := ring.Attr{Size: cfg.Buffer.Size}
	if cfg.Buffer.PShared {
		attr.Flags |= ring.AttrPShared
		attr.Shmid = cfg.Buffer.Shmid
		if cfg.Buffer.Shmmode != 0 {
			attr.Shmmode = os.FileMode(cfg.Buffer.Shmmode)
		}
	}
	if cfg.Buffer.Stats {
		attr.Flags |= ring.AttrStats
	}

	buf, err := ring.New(attr)
	if err != nil {
		log.Fatalf("ring.New: %v", err)
	}
	defer buf.Destroy()

	if attr.Flags&ring.AttrPShared != 0 {
		if id, err := buf.Shmid(); err == nil {
			log.Printf("shared arena: /dev/shm/%s", id)
		}
	}

	forwarderPath := os.Getenv("RINGDEMO_FORWARD_SOCKET")
	var fwd *Forwarder
	if forwarderPath != "" {
		fwd = NewForwarder(forwarderPath)
		defer fwd.Close()
	}

	g, gctx := errgroup.WithContext(ctx)

	for _, p := range cfg.Producers {
		p := p
		g.Go(func() error {
			return runProducer(gctx, buf, p)
		})
	}

	g.Go(func() error {
		return runConsumer(gctx, buf, fwd)
	})

	if err := g.Wait(); err != nil && err != context.Canceled {
		log.Printf("ringdemo: %v", err)
	}

	if attr.Flags&ring.AttrStats != 0 {
		if snap, err := buf.Stats(); err == nil {
			log.Printf("final stats: written=%d read=%d age=%s", snap.PacketsWritten, snap.PacketsRead, snap.Age)
		}
	}
	log.Println("ringdemo stopped.")
}

func runProducer(ctx context.Context, buf *ring.Buffer, cfg config.ProducerConfig) error {
	log.Printf("producer %s: starting (%d packets of %d bytes)", cfg.Name, cfg.PacketCount, cfg.PacketSize)
	interval := time.Duration(cfg.IntervalMS) * time.Millisecond
	payload := make([]byte, cfg.PacketSize)
	for i := 0; i < cfg.PacketCount || cfg.PacketCount == 0; i++ {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		pkt, err := buf.Open(ctx, ring.FlagWrite)
		if err != nil {
			if err == ring.ErrInterrupted {
				return nil
			}
			return fmt.Errorf("producer %s: open: %w", cfg.Name, err)
		}
		if _, err := pkt.Write(ctx, payload); err != nil {
			return fmt.Errorf("producer %s: write: %w", cfg.Name, err)
		}
		if err := pkt.Close(ctx); err != nil {
			return fmt.Errorf("producer %s: close: %w", cfg.Name, err)
		}
		if interval > 0 {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(interval):
			}
		}
	}
	return nil
}

func runConsumer(ctx context.Context, buf *ring.Buffer, fwd *Forwarder) error {
	var seq uint64
	for {
		pkt, err := buf.Open(ctx, ring.FlagRead)
		if err != nil {
			if err == ring.ErrInterrupted {
				return nil
			}
			return fmt.Errorf("consumer: open: %w", err)
		}
		size, _ := pkt.GetSize()
		dst := make([]byte, size)
		if _, err := pkt.Read(dst); err != nil {
			return fmt.Errorf("consumer: read: %w", err)
		}
		if err := pkt.Close(ctx); err != nil {
			return fmt.Errorf("consumer: close: %w", err)
		}
		seq++
		if fwd != nil {
			fwd.Publish(PacketEnvelope{Seq: seq, Size: size, Flags: "read"})
		}
	}
}
