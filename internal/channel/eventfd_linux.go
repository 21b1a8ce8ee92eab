//go:build linux

package channel

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/tinyrange/vmmctl/internal/hv"
)

// EventFD delivers notifications signalled through one eventfd per channel.
// The descriptor of a channel can be handed to the interrupt source (for
// example a VFIO irqfd) with FD. A delivered channel is left out of the poll
// set until it is acknowledged.
type EventFD struct {
	mu     sync.Mutex
	open   Set
	masked Set
	fds    [MaxChannels]int
	wake   int
	closed bool
}

// OpenEventFD creates an eventfd for every channel in open.
func OpenEventFD(open Set) (*EventFD, error) {
	e := &EventFD{open: open, masked: open, wake: -1}
	for i := range e.fds {
		e.fds[i] = -1
	}
	for _, ch := range open.Channels() {
		fd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
		if err != nil {
			e.Close()
			return nil, fmt.Errorf("eventfd for %s: %w", ch, err)
		}
		e.fds[ch] = fd
	}
	wake, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		e.Close()
		return nil, fmt.Errorf("eventfd for wakeup: %w", err)
	}
	e.wake = wake
	return e, nil
}

// FD returns the eventfd backing ch.
func (e *EventFD) FD(ch Channel) (int, error) {
	if !e.open.Contains(ch) {
		return -1, ErrInvalidChannel
	}
	return e.fds[ch], nil
}

// Notify signals ch by incrementing its eventfd counter.
func (e *EventFD) Notify(ch Channel) error {
	if !e.open.Contains(ch) {
		return ErrInvalidChannel
	}
	return signalFD(e.fds[ch])
}

func signalFD(fd int) error {
	var buf [8]byte
	binary.NativeEndian.PutUint64(buf[:], 1)
	if _, err := unix.Write(fd, buf[:]); err != nil {
		return fmt.Errorf("eventfd write: %w", err)
	}
	return nil
}

func drainFD(fd int) (bool, error) {
	var buf [8]byte
	_, err := unix.Read(fd, buf[:])
	if errors.Is(err, unix.EAGAIN) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("eventfd read: %w", err)
	}
	return true, nil
}

// Next blocks until an unmasked channel is signalled.
func (e *EventFD) Next(ctx context.Context) (Event, error) {
	stop := context.AfterFunc(ctx, e.interrupt)
	defer stop()

	for {
		e.mu.Lock()
		if e.closed {
			e.mu.Unlock()
			return Event{}, ErrClosed
		}
		wake := e.wake
		pfds := []unix.PollFd{{Fd: int32(wake), Events: unix.POLLIN}}
		var chans []Channel
		for _, ch := range e.open.Channels() {
			if e.masked.Contains(ch) {
				continue
			}
			pfds = append(pfds, unix.PollFd{Fd: int32(e.fds[ch]), Events: unix.POLLIN})
			chans = append(chans, ch)
		}
		e.mu.Unlock()

		if _, err := unix.Poll(pfds, -1); err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return Event{}, fmt.Errorf("poll: %w", err)
		}

		e.mu.Lock()
		closed := e.closed
		e.mu.Unlock()
		if closed {
			return Event{}, ErrClosed
		}

		if pfds[0].Revents&unix.POLLIN != 0 {
			if _, err := drainFD(wake); err != nil {
				return Event{}, err
			}
			if err := ctx.Err(); err != nil {
				return Event{}, err
			}
			continue
		}

		for i, ch := range chans {
			if pfds[i+1].Revents&unix.POLLIN == 0 {
				continue
			}
			ok, err := drainFD(e.fds[ch])
			if err != nil {
				return Event{}, err
			}
			if !ok {
				continue
			}
			e.mu.Lock()
			e.masked |= 1 << ch
			e.mu.Unlock()
			return Notification(ch), nil
		}
	}
}

func (e *EventFD) interrupt() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.wake >= 0 {
		signalFD(e.wake)
	}
}

// Ack returns ch to the poll set.
func (e *EventFD) Ack(ch Channel) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.open.Contains(ch) || e.closed {
		return &AcknowledgeError{Channel: ch, Err: ErrInvalidChannel}
	}
	if !e.masked.Contains(ch) {
		return &AcknowledgeError{Channel: ch, Err: ErrNotPending}
	}
	e.masked &^= 1 << ch
	return nil
}

// Reply is unsupported: eventfd channels carry no faults.
func (e *EventFD) Reply(origin int, info hv.MessageInfo) error {
	return fmt.Errorf("eventfd transport cannot reply to origin %d", origin)
}

// Close releases every descriptor and wakes a blocked Next.
func (e *EventFD) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	if e.wake >= 0 {
		signalFD(e.wake)
		unix.Close(e.wake)
		e.wake = -1
	}
	for i, fd := range e.fds {
		if fd >= 0 {
			unix.Close(fd)
			e.fds[i] = -1
		}
	}
	return nil
}
