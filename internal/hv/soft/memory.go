package soft

import (
	"fmt"

	"github.com/tinyrange/vmmctl/internal/linux/boot/arm64"
)

// guestMemory is a flat RAM window addressed by guest physical address.
type guestMemory struct {
	base uint64
	mem  []byte
}

func (m *guestMemory) hostOffset(gpa uint64, n int) (uint64, bool) {
	if gpa < m.base {
		return 0, false
	}
	off := gpa - m.base
	end := off + uint64(n)
	if end < off || end > uint64(len(m.mem)) {
		return 0, false
	}
	return off, true
}

func (m *guestMemory) ReadAt(p []byte, off int64) (int, error) {
	host, ok := m.hostOffset(uint64(off), len(p))
	if !ok {
		return 0, fmt.Errorf("soft: ReadAt GPA %#x+%#x outside guest RAM", uint64(off), len(p))
	}
	return copy(p, m.mem[host:]), nil
}

func (m *guestMemory) WriteAt(p []byte, off int64) (int, error) {
	host, ok := m.hostOffset(uint64(off), len(p))
	if !ok {
		return 0, fmt.Errorf("soft: WriteAt GPA %#x+%#x outside guest RAM", uint64(off), len(p))
	}
	return copy(m.mem[host:], p), nil
}

// window returns the part of guest RAM at or above base. A base outside RAM
// yields an empty window.
func (m *guestMemory) window(base uint64) arm64.RAM {
	end := m.base + uint64(len(m.mem))
	if base < m.base || base >= end {
		return arm64.RAM{Base: base}
	}
	return arm64.RAM{Base: base, Size: end - base}
}
