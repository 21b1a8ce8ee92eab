package ipc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"

	"github.com/tinyrange/vmmctl/internal/channel"
	"github.com/tinyrange/vmmctl/internal/hv"
)

// Conn is the VMM side of a peer connection. Notifications and faults read
// from the peer are queued locally; channel masking follows channel.Memory,
// so acknowledgments are validated before they are sent.
type Conn struct {
	conn net.Conn
	log  *slog.Logger
	q    *channel.Memory

	wmu sync.Mutex

	errMu   sync.Mutex
	readErr error

	closeOnce sync.Once
	done      chan struct{}
}

// NewConn starts reading events from c for the channels in open.
func NewConn(c net.Conn, open channel.Set, log *slog.Logger) *Conn {
	if log == nil {
		log = slog.Default()
	}
	cn := &Conn{
		conn: c,
		log:  log,
		q:    channel.NewMemory(open),
		done: make(chan struct{}),
	}
	go cn.readLoop(open)
	return cn
}

func (c *Conn) readLoop(open channel.Set) {
	defer close(c.done)
	for {
		h, payload, err := ReadFrame(c.conn)
		if err != nil {
			c.fail(err)
			return
		}
		if err := c.deliver(open, h, payload); err != nil {
			c.fail(err)
			return
		}
	}
}

func (c *Conn) deliver(open channel.Set, h Header, payload []byte) error {
	switch h.Type {
	case MsgNotify:
		ch, err := DecodeChannel(payload)
		if err != nil {
			return fmt.Errorf("notify: %w", err)
		}
		if !open.Contains(ch) {
			// Let the handler see it and decide.
			return c.q.Inject(channel.Notification(ch))
		}
		return c.q.Notify(ch)
	case MsgFault:
		origin, msg, err := DecodeFault(payload)
		if err != nil {
			return fmt.Errorf("fault: %w", err)
		}
		return c.q.Inject(channel.Fault(origin, msg))
	default:
		return fmt.Errorf("%w: unexpected message type %#04x", ErrMalformed, h.Type)
	}
}

func (c *Conn) fail(err error) {
	c.errMu.Lock()
	if c.readErr == nil {
		c.readErr = err
	}
	c.errMu.Unlock()
	if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
		c.log.Error("ipc read", "error", err)
	}
	c.q.Close()
}

// Next returns the next event from the peer. Once the connection has failed
// and the queue is drained it returns the read error.
func (c *Conn) Next(ctx context.Context) (channel.Event, error) {
	ev, err := c.q.Next(ctx)
	if errors.Is(err, channel.ErrClosed) {
		c.errMu.Lock()
		rerr := c.readErr
		c.errMu.Unlock()
		if rerr != nil {
			return channel.Event{}, fmt.Errorf("ipc: %w", rerr)
		}
	}
	return ev, err
}

// Ack unmasks ch locally and forwards the acknowledgment to the peer.
func (c *Conn) Ack(ch channel.Channel) error {
	if err := c.q.Ack(ch); err != nil {
		return err
	}
	if err := c.write(MsgAck, EncodeChannel(ch)); err != nil {
		return &channel.AcknowledgeError{Channel: ch, Err: err}
	}
	return nil
}

// Reply resumes origin on the peer.
func (c *Conn) Reply(origin int, info hv.MessageInfo) error {
	return c.write(MsgReply, EncodeReply(origin, info))
}

func (c *Conn) write(msgType uint16, payload []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return WriteFrame(c.conn, msgType, payload)
}

// Masked reports whether ch is waiting for an acknowledgment.
func (c *Conn) Masked(ch channel.Channel) bool { return c.q.Masked(ch) }

// Close closes the connection and waits for the reader to exit.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.conn.Close()
		<-c.done
	})
	return err
}
