package arm64

import (
	"fmt"
	"io"
	"log/slog"
)

const (
	// MaxDeviceTreeSize is the largest device tree Linux accepts.
	MaxDeviceTreeSize = 2 << 20

	deviceTreeAlignment = 8

	// PstateEL1h is the SPSR value the kernel is entered with: EL1 using
	// SP_EL1.
	PstateEL1h = 0x5
)

// Images are the guest images and their guest physical destinations. The
// kernel destination comes from its header.
type Images struct {
	Kernel     []byte
	DTB        []byte
	DTBAddr    uint64
	Initrd     []byte
	InitrdAddr uint64
}

// RAM is the guest RAM window images are staged into.
type RAM struct {
	Base uint64
	Size uint64
}

// Contains reports whether [addr, addr+n) lies inside the window.
func (r RAM) Contains(addr uint64, n int) bool {
	if addr < r.Base {
		return false
	}
	off := addr - r.Base
	end := off + uint64(n)
	return end >= off && end <= r.Size
}

// Stage validates the images and copies them into guest memory, addressed by
// guest physical address. It returns the kernel entry point. Nothing is
// written unless every check passes.
func Stage(mem io.WriterAt, ram RAM, img Images) (uint64, error) {
	hdr, err := ParseKernelHeader(img.Kernel)
	if err != nil {
		return 0, err
	}
	entry, err := hdr.EntryPoint(ram.Base)
	if err != nil {
		return 0, err
	}
	if len(img.DTB) > MaxDeviceTreeSize {
		return 0, fmt.Errorf("device tree is %#x bytes, Linux accepts at most %#x", len(img.DTB), MaxDeviceTreeSize)
	}
	if img.DTBAddr%deviceTreeAlignment != 0 {
		return 0, fmt.Errorf("device tree address %#x is not 8-byte aligned", img.DTBAddr)
	}

	regions := []struct {
		name string
		data []byte
		addr uint64
	}{
		{"kernel", img.Kernel, entry},
		{"device tree", img.DTB, img.DTBAddr},
		{"initrd", img.Initrd, img.InitrdAddr},
	}
	for _, r := range regions {
		if len(r.data) > 0 && !ram.Contains(r.addr, len(r.data)) {
			return 0, fmt.Errorf("%s at %#x+%#x does not fit in ram %#x+%#x", r.name, r.addr, len(r.data), ram.Base, ram.Size)
		}
	}
	for _, r := range regions {
		if len(r.data) == 0 {
			continue
		}
		slog.Debug("copying guest image", "image", r.name, "gpa", fmt.Sprintf("%#x", r.addr), "bytes", len(r.data))
		if _, err := mem.WriteAt(r.data, int64(r.addr)); err != nil {
			return 0, fmt.Errorf("copy %s to %#x: %w", r.name, r.addr, err)
		}
	}
	return entry, nil
}

// BootRegisters is the vCPU state Linux expects on entry.
type BootRegisters struct {
	X0   uint64
	PC   uint64
	SPSR uint64
}

// EntryState returns the registers for entering the kernel at pc with the
// device tree at dtb.
func EntryState(pc, dtb uint64) BootRegisters {
	return BootRegisters{X0: dtb, PC: pc, SPSR: PstateEL1h}
}
