package chipset

import (
	"errors"
	"testing"
)

type access struct {
	vcpu  int
	addr  uint64
	size  int
	write bool
}

type recordingDevice struct {
	regions  []Region
	accesses []access
	resets   int
}

func (d *recordingDevice) SupportsMmio() *MmioIntercept {
	return &MmioIntercept{Regions: d.regions, Handler: d}
}

func (d *recordingDevice) Reset() error {
	d.resets++
	return nil
}

func (d *recordingDevice) ReadMMIO(vcpu int, addr uint64, data []byte) error {
	d.accesses = append(d.accesses, access{vcpu, addr, len(data), false})
	for i := range data {
		data[i] = 0xab
	}
	return nil
}

func (d *recordingDevice) WriteMMIO(vcpu int, addr uint64, data []byte) error {
	d.accesses = append(d.accesses, access{vcpu, addr, len(data), true})
	return nil
}

func TestHandleMMIORoutesToDevice(t *testing.T) {
	gic := &recordingDevice{regions: []Region{{Address: 0x8000000, Size: 0x1000}}}
	uart := &recordingDevice{regions: []Region{{Address: 0x9000000, Size: 0x1000}}}

	b := NewBuilder()
	if err := b.RegisterDevice("gic", gic); err != nil {
		t.Fatalf("RegisterDevice(gic): %v", err)
	}
	if err := b.RegisterDevice("uart", uart); err != nil {
		t.Fatalf("RegisterDevice(uart): %v", err)
	}
	cs := b.Build()

	buf := make([]byte, 4)
	if err := cs.HandleMMIO(0, 0x8000104, buf, false); err != nil {
		t.Fatalf("HandleMMIO read: %v", err)
	}
	if buf[0] != 0xab {
		t.Fatalf("read data = %x", buf)
	}
	if err := cs.HandleMMIO(0, 0x9000000, []byte{1}, true); err != nil {
		t.Fatalf("HandleMMIO write: %v", err)
	}
	if len(gic.accesses) != 1 || gic.accesses[0].addr != 0x8000104 || gic.accesses[0].write {
		t.Fatalf("gic accesses = %+v", gic.accesses)
	}
	if len(uart.accesses) != 1 || !uart.accesses[0].write {
		t.Fatalf("uart accesses = %+v", uart.accesses)
	}
}

func TestHandleMMIOUnclaimed(t *testing.T) {
	dev := &recordingDevice{regions: []Region{{Address: 0x8000000, Size: 0x1000}}}
	b := NewBuilder()
	if err := b.RegisterDevice("gic", dev); err != nil {
		t.Fatalf("RegisterDevice: %v", err)
	}
	cs := b.Build()

	if err := cs.HandleMMIO(0, 0x7fff000, make([]byte, 4), false); !errors.Is(err, ErrNoHandler) {
		t.Fatalf("HandleMMIO outside regions = %v, want ErrNoHandler", err)
	}
	// Straddling the end of a region is not claimed either.
	if cs.Claims(0x8000ffe, 4) {
		t.Fatalf("Claims accepted an access straddling the region end")
	}
	if !cs.Claims(0x8000ffc, 4) {
		t.Fatalf("Claims rejected the last word of the region")
	}
}

func TestRegisterDeviceRejectsOverlap(t *testing.T) {
	b := NewBuilder()
	if err := b.RegisterDevice("a", &recordingDevice{regions: []Region{{Address: 0x1000, Size: 0x1000}}}); err != nil {
		t.Fatalf("RegisterDevice(a): %v", err)
	}
	if err := b.RegisterDevice("b", &recordingDevice{regions: []Region{{Address: 0x1800, Size: 0x1000}}}); err == nil {
		t.Fatalf("overlapping region accepted")
	}
	if err := b.RegisterDevice("a", &recordingDevice{}); err == nil {
		t.Fatalf("duplicate device name accepted")
	}
	if err := b.RegisterDevice("z", &recordingDevice{regions: []Region{{Address: 0x4000}}}); err == nil {
		t.Fatalf("zero-sized region accepted")
	}
}

func TestResetReachesEveryDevice(t *testing.T) {
	a := &recordingDevice{regions: []Region{{Address: 0x1000, Size: 0x100}}}
	c := &recordingDevice{regions: []Region{{Address: 0x2000, Size: 0x100}}}
	b := NewBuilder()
	_ = b.RegisterDevice("a", a)
	_ = b.RegisterDevice("c", c)
	if err := b.Build().Reset(); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if a.resets != 1 || c.resets != 1 {
		t.Fatalf("resets = %d, %d", a.resets, c.resets)
	}
}
