package ipc

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/tinyrange/vmmctl/internal/channel"
	"github.com/tinyrange/vmmctl/internal/hv"
)

// Client is the peer side of the protocol: it raises notifications and
// faults and receives the VMM's acknowledgments and replies.
type Client struct {
	conn   net.Conn
	mu     sync.Mutex
	closed atomic.Bool
}

// Message is a frame received from the VMM.
type Message struct {
	Type    uint16
	Channel channel.Channel // MsgAck
	Origin  int             // MsgReply
	Info    hv.MessageInfo  // MsgReply
}

// ConnectTo connects to a VMM listening at socketPath.
func ConnectTo(socketPath string) (*Client, error) {
	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("connect to vmm: %w", err)
	}
	return NewClient(conn), nil
}

// NewClient wraps an established connection.
func NewClient(conn net.Conn) *Client {
	return &Client{conn: conn}
}

// Notify signals ch.
func (c *Client) Notify(ch channel.Channel) error {
	return c.send(MsgNotify, EncodeChannel(ch))
}

// Fault delivers a fault raised by origin.
func (c *Client) Fault(origin int, msg hv.FaultMessage) error {
	return c.send(MsgFault, EncodeFault(origin, msg))
}

func (c *Client) send(msgType uint16, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed.Load() {
		return fmt.Errorf("client closed")
	}
	if err := WriteFrame(c.conn, msgType, payload); err != nil {
		return fmt.Errorf("write %#04x: %w", msgType, err)
	}
	return nil
}

// Recv blocks for the next acknowledgment or reply.
func (c *Client) Recv() (Message, error) {
	h, payload, err := ReadFrame(c.conn)
	if err != nil {
		return Message{}, err
	}
	switch h.Type {
	case MsgAck:
		ch, err := DecodeChannel(payload)
		if err != nil {
			return Message{}, fmt.Errorf("ack: %w", err)
		}
		return Message{Type: MsgAck, Channel: ch}, nil
	case MsgReply:
		origin, info, err := DecodeReply(payload)
		if err != nil {
			return Message{}, fmt.Errorf("reply: %w", err)
		}
		return Message{Type: MsgReply, Origin: origin, Info: info}, nil
	default:
		return Message{}, fmt.Errorf("%w: unexpected message type %#04x", ErrMalformed, h.Type)
	}
}

// Close shuts down the connection.
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	return c.conn.Close()
}
