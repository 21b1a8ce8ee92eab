package ipc

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/tinyrange/vmmctl/internal/channel"
	"github.com/tinyrange/vmmctl/internal/hv"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type pipe struct {
	conn *Conn
	peer *Client
	recv chan Message
}

func newPipe(t *testing.T, chs ...channel.Channel) *pipe {
	t.Helper()
	open, err := channel.NewSet(chs...)
	if err != nil {
		t.Fatalf("NewSet: %v", err)
	}
	a, b := net.Pipe()
	p := &pipe{
		conn: NewConn(a, open, quietLogger()),
		peer: NewClient(b),
		recv: make(chan Message, 16),
	}
	go func() {
		for {
			msg, err := p.peer.Recv()
			if err != nil {
				close(p.recv)
				return
			}
			p.recv <- msg
		}
	}()
	t.Cleanup(func() {
		p.peer.Close()
		p.conn.Close()
	})
	return p
}

func (p *pipe) next(t *testing.T) channel.Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ev, err := p.conn.Next(ctx)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	return ev
}

func (p *pipe) received(t *testing.T) Message {
	t.Helper()
	select {
	case msg, ok := <-p.recv:
		if !ok {
			t.Fatalf("peer connection closed")
		}
		return msg
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for message from vmm")
	}
	return Message{}
}

func TestConnNotificationHeldUntilAck(t *testing.T) {
	p := newPipe(t, 1)

	if err := p.peer.Notify(1); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	// Channels start masked; the boot-time ack releases the latched signal.
	if err := p.conn.Ack(1); err != nil {
		t.Fatalf("Ack: %v", err)
	}
	if msg := p.received(t); msg.Type != MsgAck || msg.Channel != 1 {
		t.Fatalf("peer got %+v, want ack of ch1", msg)
	}
	ev := p.next(t)
	if ev.Kind != channel.EventNotification || ev.Channel != 1 {
		t.Fatalf("event = %+v", ev)
	}
	if !p.conn.Masked(1) {
		t.Fatalf("delivered channel not masked")
	}
}

func TestConnSpuriousAckIsNotSent(t *testing.T) {
	p := newPipe(t, 1)
	if err := p.conn.Ack(1); err != nil {
		t.Fatalf("Ack: %v", err)
	}
	err := p.conn.Ack(1)
	if !errors.Is(err, channel.ErrNotPending) {
		t.Fatalf("second Ack = %v, want ErrNotPending", err)
	}
	if err := p.conn.Reply(0, hv.MessageInfo{}); err != nil {
		t.Fatalf("Reply: %v", err)
	}
	if msg := p.received(t); msg.Type != MsgAck {
		t.Fatalf("first message = %+v, want ack", msg)
	}
	if msg := p.received(t); msg.Type != MsgReply {
		t.Fatalf("second message = %+v, want reply; spurious ack leaked", msg)
	}
}

func TestConnFaultAndReply(t *testing.T) {
	p := newPipe(t, 1)
	fault, err := hv.NewFaultMessage(hv.FaultVM, 0x40080000, 0x08000004, 0, 0x93c08006)
	if err != nil {
		t.Fatalf("NewFaultMessage: %v", err)
	}
	if err := p.peer.Fault(0, fault); err != nil {
		t.Fatalf("Fault: %v", err)
	}
	ev := p.next(t)
	if ev.Kind != channel.EventFault || ev.Origin != 0 || ev.Fault != fault {
		t.Fatalf("event = %+v, want fault %+v", ev, fault)
	}
	if err := p.conn.Reply(0, hv.MessageInfo{}); err != nil {
		t.Fatalf("Reply: %v", err)
	}
	msg := p.received(t)
	if msg.Type != MsgReply || msg.Origin != 0 || msg.Info != (hv.MessageInfo{}) {
		t.Fatalf("peer got %+v, want empty reply to 0", msg)
	}
}

func TestConnDeliversUnservedChannel(t *testing.T) {
	p := newPipe(t, 1)
	if err := p.peer.Notify(9); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if ev := p.next(t); ev.Kind != channel.EventNotification || ev.Channel != 9 {
		t.Fatalf("event = %+v, want notification on ch9", ev)
	}
}

func TestConnPeerHangupEndsNext(t *testing.T) {
	p := newPipe(t, 1)
	p.peer.Close()
	_, err := p.conn.Next(context.Background())
	if !errors.Is(err, io.EOF) {
		t.Fatalf("Next = %v, want EOF", err)
	}
}

func TestConnMalformedFrame(t *testing.T) {
	a, b := net.Pipe()
	conn := NewConn(a, 0, quietLogger())
	defer conn.Close()
	go func() {
		WriteFrame(b, 0x7777, nil)
		b.Close()
	}()
	_, err := conn.Next(context.Background())
	if !errors.Is(err, ErrMalformed) {
		t.Fatalf("Next = %v, want ErrMalformed", err)
	}
}

func TestConnNextHonoursContext(t *testing.T) {
	p := newPipe(t, 1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := p.conn.Next(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("Next = %v, want context.Canceled", err)
	}
}

func TestDecodeRejectsBadPayloads(t *testing.T) {
	full, _ := hv.NewFaultMessage(hv.FaultVCPU, 0x5e000000)
	good := EncodeFault(0, full)

	tests := []struct {
		name    string
		payload []byte
	}{
		{"truncated", good[:len(good)-1]},
		{"trailing", append(append([]byte(nil), good...), 0)},
		{"too many registers", func() []byte {
			enc := NewEncoder()
			enc.Uint32(0)
			enc.Uint64(uint64(hv.FaultVM))
			enc.Uint32(hv.MaxFaultRegisters + 1)
			return enc.Bytes()
		}()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, _, err := DecodeFault(tt.payload); !errors.Is(err, ErrMalformed) {
				t.Fatalf("DecodeFault = %v, want ErrMalformed", err)
			}
		})
	}
	if _, err := DecodeChannel(nil); !errors.Is(err, ErrMalformed) {
		t.Fatalf("DecodeChannel(nil) = %v", err)
	}
}

func TestReadFrameRejectsOversizedPayload(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	go func() {
		WriteHeader(b, Header{Type: MsgFault, Length: MaxPayload + 1})
		b.Close()
	}()
	if _, _, err := ReadFrame(a); !errors.Is(err, ErrMalformed) {
		t.Fatalf("ReadFrame = %v, want ErrMalformed", err)
	}
}

func TestServerAcceptOne(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vmm.sock")
	srv, err := NewServer(path, quietLogger())
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	defer srv.Close()

	open, _ := channel.NewSet(2)
	type result struct {
		conn *Conn
		err  error
	}
	accepted := make(chan result, 1)
	go func() {
		c, err := srv.AcceptOne(context.Background(), open)
		accepted <- result{c, err}
	}()

	peer, err := ConnectTo(srv.SocketPath())
	if err != nil {
		t.Fatalf("ConnectTo: %v", err)
	}
	defer peer.Close()
	res := <-accepted
	if res.err != nil {
		t.Fatalf("AcceptOne: %v", res.err)
	}
	defer res.conn.Close()

	if err := peer.Notify(2); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	go res.conn.Ack(2)
	if msg, err := peer.Recv(); err != nil || msg.Type != MsgAck || msg.Channel != 2 {
		t.Fatalf("Recv = %+v, %v", msg, err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if ev, err := res.conn.Next(ctx); err != nil || ev.Channel != 2 {
		t.Fatalf("Next = %+v, %v", ev, err)
	}
}

func TestServerAcceptCancelled(t *testing.T) {
	srv, err := NewServer(filepath.Join(t.TempDir(), "vmm.sock"), quietLogger())
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := srv.AcceptOne(ctx, 0); !errors.Is(err, context.Canceled) {
		t.Fatalf("AcceptOne = %v, want context.Canceled", err)
	}
}
