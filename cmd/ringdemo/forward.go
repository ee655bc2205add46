package main

import (
	"encoding/json"
	"log"
	"net"
	"sync"
	"time"
)

// PacketEnvelope is the JSON-line message sent over the forwarding
// socket for each packet this demo retires, describing the packet
// rather than carrying its payload.
type PacketEnvelope struct {
	Seq   uint64 `json:"seq"`
	Size  uint32 `json:"size"`
	Flags string `json:"flags"`
}

// Forwarder dials a local Unix socket and streams PacketEnvelopes to
// it, reconnecting on write failure. Adapted from the teacher's
// ipc.Publisher (a Unix-socket client that streamed exchange messages
// to the Rust core); here the "core" is just whatever local process
// wants visibility into drained/consumed packet metadata.
type Forwarder struct {
	path string
	mu   sync.Mutex
	conn net.Conn
}

// NewForwarder returns a Forwarder that connects best-effort; the
// listener need not exist yet, Publish will keep retrying.
func NewForwarder(path string) *Forwarder {
	f := &Forwarder{path: path}
	f.dial()
	return f
}

func (f *Forwarder) dial() {
	conn, err := net.Dial("unix", f.path)
	if err != nil {
		return
	}
	f.mu.Lock()
	f.conn = conn
	f.mu.Unlock()
	log.Printf("forward: connected to %s", f.path)
}

// Publish sends env as a single JSON line, retrying the dial a few
// times on failure before giving up on this envelope.
func (f *Forwarder) Publish(env PacketEnvelope) {
	line, err := json.Marshal(env)
	if err != nil {
		return
	}
	line = append(line, '\n')

	f.mu.Lock()
	defer f.mu.Unlock()

	for attempts := 0; attempts < 3; attempts++ {
		if f.conn == nil {
			f.mu.Unlock()
			time.Sleep(200 * time.Millisecond)
			f.mu.Lock()
			conn, err := net.Dial("unix", f.path)
			if err != nil {
				continue
			}
			f.conn = conn
			log.Printf("forward: reconnected to %s", f.path)
		}
		if _, err := f.conn.Write(line); err != nil {
			f.conn.Close()
			f.conn = nil
			continue
		}
		return
	}
}

// Close releases the underlying connection, if any.
func (f *Forwarder) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.conn != nil {
		f.conn.Close()
	}
}
