//go:build !linux

package channel

import (
	"context"

	"github.com/tinyrange/vmmctl/internal/hv"
)

// EventFD is only available on Linux.
type EventFD struct{}

func OpenEventFD(open Set) (*EventFD, error) { return nil, hv.ErrRuntimeUnsupported }

func (e *EventFD) FD(ch Channel) (int, error) { return -1, hv.ErrRuntimeUnsupported }

func (e *EventFD) Notify(ch Channel) error { return hv.ErrRuntimeUnsupported }

func (e *EventFD) Next(ctx context.Context) (Event, error) {
	return Event{}, hv.ErrRuntimeUnsupported
}

func (e *EventFD) Ack(ch Channel) error {
	return &AcknowledgeError{Channel: ch, Err: hv.ErrRuntimeUnsupported}
}

func (e *EventFD) Reply(origin int, info hv.MessageInfo) error { return hv.ErrRuntimeUnsupported }

func (e *EventFD) Close() error { return nil }
