// Package channel names the one-way notification paths between the VMM and
// hardware interrupt sources or other protection domains, and provides the
// transports that deliver events over them.
package channel

import (
	"errors"
	"fmt"
	"math/bits"

	"github.com/tinyrange/vmmctl/internal/hv"
)

// Channel is a fixed small integer identifying a notification path.
type Channel uint8

// MaxChannels is the number of channel identifiers a protection domain has.
const MaxChannels = 63

func (c Channel) Valid() bool { return c < MaxChannels }

func (c Channel) String() string { return fmt.Sprintf("ch%d", uint8(c)) }

var (
	ErrNotPending     = errors.New("no pending notification")
	ErrInvalidChannel = errors.New("invalid channel")
	ErrClosed         = errors.New("transport closed")
)

// AcknowledgeError reports a failed acknowledgment of a channel.
type AcknowledgeError struct {
	Channel Channel
	Err     error
}

func (e *AcknowledgeError) Error() string {
	return fmt.Sprintf("acknowledge %s: %v", e.Channel, e.Err)
}

func (e *AcknowledgeError) Unwrap() error { return e.Err }

// Acknowledger clears the pending notification of a channel so the source
// can signal again.
type Acknowledger interface {
	Ack(ch Channel) error
}

// Set is an immutable set of channels.
type Set uint64

// NewSet builds a Set, rejecting invalid and duplicate channels.
func NewSet(chs ...Channel) (Set, error) {
	var s Set
	for _, ch := range chs {
		if !ch.Valid() {
			return 0, fmt.Errorf("%w: %d", ErrInvalidChannel, ch)
		}
		if s.Contains(ch) {
			return 0, fmt.Errorf("channel %d listed twice", ch)
		}
		s |= 1 << ch
	}
	return s, nil
}

func (s Set) Contains(ch Channel) bool {
	return ch.Valid() && s&(1<<ch) != 0
}

func (s Set) Len() int { return bits.OnesCount64(uint64(s)) }

// Channels returns the members in ascending order.
func (s Set) Channels() []Channel {
	out := make([]Channel, 0, s.Len())
	for v := uint64(s); v != 0; v &= v - 1 {
		out = append(out, Channel(bits.TrailingZeros64(v)))
	}
	return out
}

// EventKind distinguishes the two classes of event a transport delivers.
type EventKind int

const (
	EventInvalid EventKind = iota
	EventNotification
	EventFault
)

func (k EventKind) String() string {
	switch k {
	case EventNotification:
		return "notification"
	case EventFault:
		return "fault"
	default:
		return "invalid"
	}
}

// Event is a single delivery from a transport. For notifications only
// Channel is set; for faults Origin and Fault are set.
type Event struct {
	Kind    EventKind
	Channel Channel
	Origin  int
	Fault   hv.FaultMessage
}

// Notification builds a notification event.
func Notification(ch Channel) Event {
	return Event{Kind: EventNotification, Channel: ch}
}

// Fault builds a fault event.
func Fault(origin int, msg hv.FaultMessage) Event {
	return Event{Kind: EventFault, Origin: origin, Fault: msg}
}
