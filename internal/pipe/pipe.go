// Package pipe implements the bounded FIFO and broadcast event stream supplemented from
// original_source/ (PatchworkOS's src/kernel/pipe.c and src/kernel/event_stream.c): "Simple
// bounded FIFO files built atop the VFS and wait subsystem" per spec.md's component table. It
// generalizes the teacher's Device{status,data} single-register ready/empty pair
// (internal/vm/devices.go) into a byte ring buffer of arbitrary capacity.
package pipe

import (
	deadlock "github.com/sasha-s/go-deadlock"

	"github.com/keel-os/keel/internal/errno"
	"github.com/keel-os/keel/internal/vfs"
	"github.com/keel-os/keel/internal/wait"
)

// DefaultCapacity is the ring buffer size used when a caller doesn't override it.
const DefaultCapacity = 4096

// Pipe is a bounded byte FIFO connecting one write end to one read end. Every operation is
// non-blocking, consistent with vfs.Ops's signature (no thread argument to block with): a caller
// observing EAGAIN polls the returned wait queue and retries, the same pattern internal/ioring's
// doPoll already uses against ramfs and sysfs files.
type Pipe struct {
	mu   deadlock.Mutex
	buf  []byte
	head int
	size int

	readClosed  bool
	writeClosed bool

	readable *wait.WaitQueue
	writable *wait.WaitQueue
}

// New creates a pipe with the given ring buffer capacity, or DefaultCapacity if capacity <= 0.
func New(capacity int) *Pipe {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}

	return &Pipe{
		buf:      make([]byte, capacity),
		readable: wait.NewQueue("pipe-readable"),
		writable: wait.NewQueue("pipe-writable"),
	}
}

func (p *Pipe) read(buf []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.size == 0 {
		if p.writeClosed {
			return 0, nil
		}

		return 0, errno.EAGAIN
	}

	n := min(len(buf), p.size)
	for i := 0; i < n; i++ {
		buf[i] = p.buf[(p.head+i)%len(p.buf)]
	}

	p.head = (p.head + n) % len(p.buf)
	p.size -= n

	wait.Wake(p.writable, 1)

	return n, nil
}

func (p *Pipe) write(buf []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.readClosed {
		return 0, errno.EDISCONNECTED
	}

	free := len(p.buf) - p.size
	if free == 0 {
		return 0, errno.EAGAIN
	}

	n := min(len(buf), free)
	tail := (p.head + p.size) % len(p.buf)

	for i := 0; i < n; i++ {
		p.buf[(tail+i)%len(p.buf)] = buf[i]
	}

	p.size += n

	wait.Wake(p.readable, 1)

	return n, nil
}

func (p *Pipe) pollRead(events vfs.PollEvents) (*wait.WaitQueue, vfs.PollEvents) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.size > 0 || p.writeClosed {
		return nil, events & vfs.PollIn
	}

	return p.readable, 0
}

func (p *Pipe) pollWrite(events vfs.PollEvents) (*wait.WaitQueue, vfs.PollEvents) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.size < len(p.buf) || p.readClosed {
		return nil, events & vfs.PollOut
	}

	return p.writable, 0
}

func (p *Pipe) closeRead() {
	p.mu.Lock()
	p.readClosed = true
	p.mu.Unlock()

	wait.WakeAll(p.writable)
}

func (p *Pipe) closeWrite() {
	p.mu.Lock()
	p.writeClosed = true
	p.mu.Unlock()

	wait.WakeAll(p.readable)
}

// ends builds the vfs.Ops pair backing a pipe's read and write file descriptors.
func (p *Pipe) ends() (readOps, writeOps *vfs.Ops) {
	readOps = &vfs.Ops{
		Read: func(_ any, buf []byte, _ int64) (int, error) { return p.read(buf) },
		Poll: func(_ any, events vfs.PollEvents) (*wait.WaitQueue, vfs.PollEvents) { return p.pollRead(events) },
		Close: func(_ any) error {
			p.closeRead()
			return nil
		},
	}

	writeOps = &vfs.Ops{
		Write: func(_ any, buf []byte, _ int64) (int, error) { return p.write(buf) },
		Poll: func(_ any, events vfs.PollEvents) (*wait.WaitQueue, vfs.PollEvents) { return p.pollWrite(events) },
		Close: func(_ any) error {
			p.closeWrite()
			return nil
		},
	}

	return readOps, writeOps
}

// Volume mounts /dev/pipe: a plain Open is unsupported (a pipe's two ends can't be represented by
// one fd), matching PatchworkOS's restriction that /dev/pipe is only ever opened with open2.
type Volume struct {
	label    string
	capacity int
}

// NewVolume mounts a pipe-creating volume under label, handing out pipes of the given capacity
// (DefaultCapacity if capacity <= 0).
func NewVolume(label string, capacity int) *Volume {
	return &Volume{label: label, capacity: capacity}
}

// Label implements vfs.Volume.
func (v *Volume) Label() string { return v.label }

// Open implements vfs.Volume. /dev/pipe has no meaningful single-fd open.
func (v *Volume) Open(tail []string, flags int) (*vfs.Ops, any, error) {
	return nil, nil, errno.ENOTSUP
}

// Open2 implements vfs.Volume2: every open2 of "pipe" creates a brand new, independent Pipe.
func (v *Volume) Open2(tail []string, flags int) (*vfs.Ops, any, *vfs.Ops, any, error) {
	if len(tail) != 1 || tail[0] != "pipe" {
		return nil, nil, nil, nil, errno.ENOENT
	}

	p := New(v.capacity)
	readOps, writeOps := p.ends()

	return readOps, nil, writeOps, nil, nil
}
