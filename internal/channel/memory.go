package channel

import (
	"context"
	"sync"

	"github.com/tinyrange/vmmctl/internal/hv"
)

// Reply records a reply sent to a faulting origin.
type Reply struct {
	Origin int
	Info   hv.MessageInfo
}

// Memory is an in-process transport. Notifications on a channel are masked
// from delivery until the channel is acknowledged, the way a microkernel
// masks an IRQ handler until it is acked. Every channel starts masked; the
// first Ack unmasks it.
type Memory struct {
	mu      sync.Mutex
	open    Set
	masked  Set
	raised  Set
	queue   []Event
	replies []Reply
	acks    []Channel
	wake    chan struct{}
	closed  bool
}

// NewMemory returns a transport serving the given channels.
func NewMemory(open Set) *Memory {
	return &Memory{
		open:   open,
		masked: open,
		wake:   make(chan struct{}, 1),
	}
}

// Notify signals ch. A notification raised while the channel is masked is
// latched and delivered once the channel is acknowledged.
func (m *Memory) Notify(ch Channel) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if !m.open.Contains(ch) {
		return ErrInvalidChannel
	}
	if m.masked.Contains(ch) || m.raised.Contains(ch) {
		m.raised |= 1 << ch
		return nil
	}
	m.raised |= 1 << ch
	m.queue = append(m.queue, Notification(ch))
	m.signal()
	return nil
}

// Inject queues an arbitrary event, bypassing masking. Used to deliver
// faults and to drive handlers directly.
func (m *Memory) Inject(ev Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.queue = append(m.queue, ev)
	m.signal()
	return nil
}

func (m *Memory) signal() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// Next blocks until an event is queued, ctx is done or the transport is
// closed.
func (m *Memory) Next(ctx context.Context) (Event, error) {
	for {
		m.mu.Lock()
		if len(m.queue) > 0 {
			ev := m.queue[0]
			m.queue = m.queue[1:]
			if ev.Kind == EventNotification && m.open.Contains(ev.Channel) {
				m.raised &^= 1 << ev.Channel
				m.masked |= 1 << ev.Channel
			}
			m.mu.Unlock()
			return ev, nil
		}
		closed := m.closed
		m.mu.Unlock()
		if closed {
			return Event{}, ErrClosed
		}

		select {
		case <-ctx.Done():
			return Event{}, ctx.Err()
		case <-m.wake:
		}
	}
}

// Ack unmasks ch. Acking a channel that is not masked is ErrNotPending.
func (m *Memory) Ack(ch Channel) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.open.Contains(ch) {
		return &AcknowledgeError{Channel: ch, Err: ErrInvalidChannel}
	}
	if !m.masked.Contains(ch) {
		return &AcknowledgeError{Channel: ch, Err: ErrNotPending}
	}
	m.masked &^= 1 << ch
	m.acks = append(m.acks, ch)
	if m.raised.Contains(ch) {
		m.queue = append(m.queue, Notification(ch))
		m.signal()
	}
	return nil
}

// Reply records the reply to a faulting origin.
func (m *Memory) Reply(origin int, info hv.MessageInfo) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.replies = append(m.replies, Reply{Origin: origin, Info: info})
	return nil
}

// Replies returns the replies sent so far.
func (m *Memory) Replies() []Reply {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Reply(nil), m.replies...)
}

// Acks returns the channels successfully acknowledged so far.
func (m *Memory) Acks() []Channel {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Channel(nil), m.acks...)
}

// Masked reports whether ch is waiting for an acknowledgment.
func (m *Memory) Masked(ch Channel) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.masked.Contains(ch)
}

// Close wakes any blocked Next call with ErrClosed.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.signal()
	return nil
}
