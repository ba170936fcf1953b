package pipe

import (
	deadlock "github.com/sasha-s/go-deadlock"

	"github.com/keel-os/keel/internal/errno"
	"github.com/keel-os/keel/internal/vfs"
	"github.com/keel-os/keel/internal/wait"
)

// DefaultEventCapacity is the per-subscriber queue depth used when a caller doesn't override it.
const DefaultEventCapacity = 64

// EventStream is a broadcast, multi-reader, lossy-if-slow variant of Pipe, supplemented from
// original_source/src/kernel/event_stream.c: a single Publish fans out to every live Subscribe,
// dropping the oldest queued event for any subscriber that falls behind rather than blocking the
// publisher — a publisher must never stall because one reader stopped reading. No sysfs node
// publishes through it.
type EventStream struct {
	mu          deadlock.Mutex
	subscribers map[uint64]*subscriber
	nextID      uint64
}

type subscriber struct {
	mu       deadlock.Mutex
	events   [][]byte
	capacity int
	closed   bool
	ready    *wait.WaitQueue
}

// NewEventStream creates an empty broadcast stream.
func NewEventStream() *EventStream {
	return &EventStream{subscribers: make(map[uint64]*subscriber)}
}

// Publish fans event out to every live subscriber, dropping each subscriber's oldest queued event
// first if it is already at capacity.
func (e *EventStream) Publish(event []byte) {
	e.mu.Lock()
	subs := make([]*subscriber, 0, len(e.subscribers))
	for _, s := range e.subscribers {
		subs = append(subs, s)
	}
	e.mu.Unlock()

	cp := append([]byte(nil), event...)

	for _, s := range subs {
		s.mu.Lock()

		if len(s.events) >= s.capacity {
			s.events = s.events[1:]
		}

		s.events = append(s.events, cp)
		q := s.ready
		s.mu.Unlock()

		wait.Wake(q, 1)
	}
}

// Subscribe registers a new subscriber with the given queue depth (DefaultEventCapacity if
// capacity <= 0) and returns the vfs.Ops backing its read-only file descriptor.
func (e *EventStream) Subscribe(capacity int) *vfs.Ops {
	if capacity <= 0 {
		capacity = DefaultEventCapacity
	}

	s := &subscriber{capacity: capacity, ready: wait.NewQueue("event-stream")}

	e.mu.Lock()
	id := e.nextID
	e.nextID++
	e.subscribers[id] = s
	e.mu.Unlock()

	return &vfs.Ops{
		Read: func(_ any, buf []byte, _ int64) (int, error) { return s.read(buf) },
		Poll: func(_ any, events vfs.PollEvents) (*wait.WaitQueue, vfs.PollEvents) { return s.poll(events) },
		Close: func(_ any) error {
			e.mu.Lock()
			delete(e.subscribers, id)
			e.mu.Unlock()

			s.mu.Lock()
			s.closed = true
			s.mu.Unlock()

			return nil
		},
	}
}

func (s *subscriber) read(buf []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.events) == 0 {
		return 0, errno.EAGAIN
	}

	event := s.events[0]
	s.events = s.events[1:]

	return copy(buf, event), nil
}

func (s *subscriber) poll(events vfs.PollEvents) (*wait.WaitQueue, vfs.PollEvents) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.events) > 0 {
		return nil, events & vfs.PollIn
	}

	return s.ready, 0
}
