// Package fdt serializes flattened device trees for the guest.
package fdt

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
)

const (
	headerSize  = 0x28
	version     = 17
	lastCompVer = 16
	Magic       = 0xd00dfeed

	tokenBeginNode = 0x1
	tokenEndNode   = 0x2
	tokenProp      = 0x3
	tokenEnd       = 0x9
)

var ErrNotDeviceTree = errors.New("fdt: not a device tree blob")

// Build serializes the tree rooted at root.
func Build(root Node) ([]byte, error) {
	b := &builder{stringsOff: make(map[string]uint32)}
	if err := b.emitNode(root); err != nil {
		return nil, err
	}
	return b.finish(), nil
}

// TotalSize returns the size recorded in a blob's header.
func TotalSize(blob []byte) (int, error) {
	if len(blob) < headerSize || binary.BigEndian.Uint32(blob[0:4]) != Magic {
		return 0, ErrNotDeviceTree
	}
	return int(binary.BigEndian.Uint32(blob[4:8])), nil
}

type builder struct {
	structBuf  bytes.Buffer
	strings    bytes.Buffer
	stringsOff map[string]uint32
}

func (b *builder) emitNode(n Node) error {
	b.writeToken(tokenBeginNode)
	b.structBuf.WriteString(n.Name)
	b.structBuf.WriteByte(0)
	b.pad()

	names := make([]string, 0, len(n.Properties))
	for name := range n.Properties {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := b.emitProperty(name, n.Properties[name]); err != nil {
			return fmt.Errorf("%s: %w", n.Name, err)
		}
	}

	for _, child := range n.Children {
		if err := b.emitNode(child); err != nil {
			return err
		}
	}
	b.writeToken(tokenEndNode)
	return nil
}

func (b *builder) emitProperty(name string, p Property) error {
	if k := p.kinds(); k != 1 {
		return fmt.Errorf("property %q has %d value kinds, want 1", name, k)
	}
	var data []byte
	switch {
	case len(p.Strings) > 0:
		for _, s := range p.Strings {
			data = append(data, s...)
			data = append(data, 0)
		}
	case len(p.U32) > 0:
		for _, v := range p.U32 {
			data = binary.BigEndian.AppendUint32(data, v)
		}
	case len(p.U64) > 0:
		for _, v := range p.U64 {
			data = binary.BigEndian.AppendUint64(data, v)
		}
	case len(p.Bytes) > 0:
		data = p.Bytes
	}

	b.writeToken(tokenProp)
	b.writeU32(uint32(len(data)))
	b.writeU32(b.stringOffset(name))
	b.structBuf.Write(data)
	b.pad()
	return nil
}

func (b *builder) finish() []byte {
	b.writeToken(tokenEnd)

	structBytes := b.structBuf.Bytes()
	stringsBytes := b.strings.Bytes()

	// An empty memory reservation map is one zero entry.
	const memReserveSize = 16
	offMemReserve := headerSize
	offStruct := offMemReserve + memReserveSize
	offStrings := offStruct + len(structBytes)
	totalSize := offStrings + len(stringsBytes)

	blob := make([]byte, totalSize)
	be := binary.BigEndian
	be.PutUint32(blob[0:4], Magic)
	be.PutUint32(blob[4:8], uint32(totalSize))
	be.PutUint32(blob[8:12], uint32(offStruct))
	be.PutUint32(blob[12:16], uint32(offStrings))
	be.PutUint32(blob[16:20], uint32(offMemReserve))
	be.PutUint32(blob[20:24], version)
	be.PutUint32(blob[24:28], lastCompVer)
	be.PutUint32(blob[32:36], uint32(len(stringsBytes)))
	be.PutUint32(blob[36:40], uint32(len(structBytes)))

	copy(blob[offStruct:], structBytes)
	copy(blob[offStrings:], stringsBytes)
	return blob
}

func (b *builder) stringOffset(name string) uint32 {
	if off, ok := b.stringsOff[name]; ok {
		return off
	}
	off := uint32(b.strings.Len())
	b.strings.WriteString(name)
	b.strings.WriteByte(0)
	b.stringsOff[name] = off
	return off
}

func (b *builder) writeToken(token uint32) { b.writeU32(token) }

func (b *builder) writeU32(v uint32) {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	b.structBuf.Write(tmp[:])
}

func (b *builder) pad() {
	for b.structBuf.Len()%4 != 0 {
		b.structBuf.WriteByte(0)
	}
}
