// Package shmseg provides POSIX-shared-memory-backed byte arenas for
// ring.Buffer's PSHARED mode.
//
// This is a direct generalization of the teacher's shm.NewRingBuffer /
// shm.Close (AlephTX feeder/shm/ring.go): create-or-truncate a file under
// /dev/shm, size it, and mmap it MAP_SHARED. The port from raw `syscall`
// to golang.org/x/sys/unix follows sakateka-yanet2, which depends on
// golang.org/x/sys directly for exactly this kind of low-level syscall
// access.
package shmseg

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// Segment is a single mmap'd /dev/shm-backed region.
type Segment struct {
	file *os.File
	data []byte
	name string
}

// Dir is where segments are created; overridable by tests so they don't
// need write access to the real /dev/shm.
var Dir = "/dev/shm"

// Create makes (or truncates) a new shared-memory segment of the given
// size and maps it read/write, shared across processes that open the
// same path.
func Create(name string, size int, mode os.FileMode) (*Segment, error) {
	if size <= 0 {
		return nil, fmt.Errorf("shmseg: invalid size %d", size)
	}
	path := Dir + "/" + name
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return nil, fmt.Errorf("shmseg: open %s: %w", path, err)
	}
	if err := f.Truncate(int64(size)); err != nil {
		f.Close()
		return nil, fmt.Errorf("shmseg: truncate %s: %w", path, err)
	}
	data, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("shmseg: mmap %s: %w", path, err)
	}
	return &Segment{file: f, data: data, name: name}, nil
}

// Open maps an already-created segment without truncating it. Used by a
// second process attaching to an existing arena (spec.md §4.B: "the
// caller-supplied shmid is attached and init merely attaches without
// re-initializing").
func Open(name string, size int) (*Segment, error) {
	path := Dir + "/" + name
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("shmseg: open %s: %w", path, err)
	}
	data, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("shmseg: mmap %s: %w", path, err)
	}
	return &Segment{file: f, data: data, name: name}, nil
}

// Bytes returns the mapped region.
func (s *Segment) Bytes() []byte { return s.data }

// Name returns the segment's /dev/shm basename (the shmid spec.md §6 asks
// Buffer.Shmid to expose).
func (s *Segment) Name() string { return s.name }

// Close unmaps the segment and closes the backing file descriptor. It
// does not remove the /dev/shm entry; call Remove for that.
func (s *Segment) Close() error {
	if s.data != nil {
		if err := unix.Munmap(s.data); err != nil {
			return fmt.Errorf("shmseg: munmap: %w", err)
		}
		s.data = nil
	}
	return s.file.Close()
}

// Remove deletes the /dev/shm entry. Only the creator should call this —
// ring.Buffer.Destroy does so, matching spec.md §4.B ("detaches and
// removes the segment").
func (s *Segment) Remove() error {
	return os.Remove(Dir + "/" + s.name)
}
