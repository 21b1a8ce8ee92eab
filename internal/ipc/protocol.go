// Package ipc carries VMM events over a stream connection to an
// out-of-process transport peer. Every frame is a 6-byte header followed by
// the payload:
//
//	[type u16 BE][length u32 BE][payload]
package ipc

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/tinyrange/vmmctl/internal/channel"
	"github.com/tinyrange/vmmctl/internal/hv"
)

// Message types.
const (
	MsgNotify uint16 = 0x0100 // peer -> vmm
	MsgFault  uint16 = 0x0101 // peer -> vmm
	MsgReply  uint16 = 0x0180 // vmm -> peer
	MsgAck    uint16 = 0x0181 // vmm -> peer
)

const (
	HeaderSize = 6

	// MaxPayload bounds a frame; the largest message is a fault carrying
	// every message register.
	MaxPayload = 4 + 8 + 4 + 8*hv.MaxFaultRegisters
)

var ErrMalformed = errors.New("ipc: malformed frame")

// Header precedes every payload.
type Header struct {
	Type   uint16
	Length uint32
}

// ReadHeader reads a frame header from r.
func ReadHeader(r io.Reader) (Header, error) {
	var buf [HeaderSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return Header{}, err
	}
	return Header{
		Type:   binary.BigEndian.Uint16(buf[0:2]),
		Length: binary.BigEndian.Uint32(buf[2:6]),
	}, nil
}

// WriteHeader writes a frame header to w.
func WriteHeader(w io.Writer, h Header) error {
	var buf [HeaderSize]byte
	binary.BigEndian.PutUint16(buf[0:2], h.Type)
	binary.BigEndian.PutUint32(buf[2:6], h.Length)
	_, err := w.Write(buf[:])
	return err
}

// ReadFrame reads one complete frame.
func ReadFrame(r io.Reader) (Header, []byte, error) {
	h, err := ReadHeader(r)
	if err != nil {
		return Header{}, nil, err
	}
	if h.Length > MaxPayload {
		return Header{}, nil, fmt.Errorf("%w: type %#04x length %d exceeds %d", ErrMalformed, h.Type, h.Length, MaxPayload)
	}
	payload := make([]byte, h.Length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return Header{}, nil, fmt.Errorf("read payload: %w", err)
	}
	return h, payload, nil
}

// WriteFrame writes header and payload in a single write.
func WriteFrame(w io.Writer, msgType uint16, payload []byte) error {
	buf := make([]byte, HeaderSize+len(payload))
	binary.BigEndian.PutUint16(buf[0:2], msgType)
	binary.BigEndian.PutUint32(buf[2:6], uint32(len(payload)))
	copy(buf[HeaderSize:], payload)
	_, err := w.Write(buf)
	return err
}

// Encoder appends big-endian values to a buffer.
type Encoder struct {
	buf []byte
}

func NewEncoder() *Encoder { return &Encoder{} }

func (e *Encoder) Uint8(v uint8) { e.buf = append(e.buf, v) }

func (e *Encoder) Uint32(v uint32) { e.buf = binary.BigEndian.AppendUint32(e.buf, v) }

func (e *Encoder) Uint64(v uint64) { e.buf = binary.BigEndian.AppendUint64(e.buf, v) }

func (e *Encoder) Bytes() []byte { return e.buf }

// Decoder reads big-endian values from a payload.
type Decoder struct {
	buf []byte
	off int
}

func NewDecoder(b []byte) *Decoder { return &Decoder{buf: b} }

func (d *Decoder) take(n int) ([]byte, error) {
	if len(d.buf)-d.off < n {
		return nil, fmt.Errorf("%w: need %d bytes at offset %d, have %d", ErrMalformed, n, d.off, len(d.buf)-d.off)
	}
	b := d.buf[d.off : d.off+n]
	d.off += n
	return b, nil
}

func (d *Decoder) Uint8() (uint8, error) {
	b, err := d.take(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (d *Decoder) Uint32() (uint32, error) {
	b, err := d.take(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

func (d *Decoder) Uint64() (uint64, error) {
	b, err := d.take(8)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b), nil
}

// Finish reports trailing bytes as malformed.
func (d *Decoder) Finish() error {
	if d.off != len(d.buf) {
		return fmt.Errorf("%w: %d trailing bytes", ErrMalformed, len(d.buf)-d.off)
	}
	return nil
}

// EncodeChannel is the payload of MsgNotify and MsgAck.
func EncodeChannel(ch channel.Channel) []byte { return []byte{uint8(ch)} }

// DecodeChannel parses a MsgNotify or MsgAck payload.
func DecodeChannel(payload []byte) (channel.Channel, error) {
	dec := NewDecoder(payload)
	v, err := dec.Uint8()
	if err != nil {
		return 0, err
	}
	if err := dec.Finish(); err != nil {
		return 0, err
	}
	return channel.Channel(v), nil
}

// EncodeFault builds a MsgFault payload.
func EncodeFault(origin int, msg hv.FaultMessage) []byte {
	enc := NewEncoder()
	enc.Uint32(uint32(origin))
	enc.Uint64(uint64(msg.Label))
	enc.Uint32(uint32(msg.Length))
	for i := 0; i < msg.Length; i++ {
		enc.Uint64(msg.Registers[i])
	}
	return enc.Bytes()
}

// DecodeFault parses a MsgFault payload.
func DecodeFault(payload []byte) (int, hv.FaultMessage, error) {
	dec := NewDecoder(payload)
	origin, err := dec.Uint32()
	if err != nil {
		return 0, hv.FaultMessage{}, err
	}
	label, err := dec.Uint64()
	if err != nil {
		return 0, hv.FaultMessage{}, err
	}
	n, err := dec.Uint32()
	if err != nil {
		return 0, hv.FaultMessage{}, err
	}
	if n > hv.MaxFaultRegisters {
		return 0, hv.FaultMessage{}, fmt.Errorf("%w: fault with %d registers", ErrMalformed, n)
	}
	msg := hv.FaultMessage{Label: hv.FaultLabel(label), Length: int(n)}
	for i := range msg.Registers[:n] {
		if msg.Registers[i], err = dec.Uint64(); err != nil {
			return 0, hv.FaultMessage{}, err
		}
	}
	if err := dec.Finish(); err != nil {
		return 0, hv.FaultMessage{}, err
	}
	return int(origin), msg, nil
}

// EncodeReply builds a MsgReply payload.
func EncodeReply(origin int, info hv.MessageInfo) []byte {
	enc := NewEncoder()
	enc.Uint32(uint32(origin))
	enc.Uint64(info.Label)
	enc.Uint32(uint32(info.Length))
	return enc.Bytes()
}

// DecodeReply parses a MsgReply payload.
func DecodeReply(payload []byte) (int, hv.MessageInfo, error) {
	dec := NewDecoder(payload)
	origin, err := dec.Uint32()
	if err != nil {
		return 0, hv.MessageInfo{}, err
	}
	label, err := dec.Uint64()
	if err != nil {
		return 0, hv.MessageInfo{}, err
	}
	n, err := dec.Uint32()
	if err != nil {
		return 0, hv.MessageInfo{}, err
	}
	if err := dec.Finish(); err != nil {
		return 0, hv.MessageInfo{}, err
	}
	return int(origin), hv.MessageInfo{Label: label, Length: int(n)}, nil
}
