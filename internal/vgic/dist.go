package vgic

import (
	"encoding/binary"
	"fmt"
	"math/bits"

	"github.com/tinyrange/vmmctl/internal/chipset"
)

// Distributor register offsets.
const (
	GICDCtlr       = 0x000
	GICDTyper      = 0x004
	GICDIidr       = 0x008
	GICDIsenabler  = 0x100
	GICDIcenabler  = 0x180
	GICDIspendr    = 0x200
	GICDIcpendr    = 0x280
	gicdRegBankLen = 0x80

	gicdTyperValue = 0x0000fce7
	gicdIidrValue  = 0x0200043b
)

// DistributorSize is the span of the distributor's register frame.
const DistributorSize = 0x1000

// ReadRegister returns the 32-bit distributor register at offset as seen by
// vcpu. Registers the model does not implement read as zero.
func (c *Controller) ReadRegister(vcpu int, offset uint64) (uint32, error) {
	v, err := c.vcpu(vcpu)
	if err != nil {
		return 0, err
	}
	if offset >= DistributorSize || offset%4 != 0 {
		return 0, fmt.Errorf("vgic: bad distributor offset %#x", offset)
	}
	switch {
	case offset == GICDCtlr:
		if c.enabled {
			return 1, nil
		}
		return 0, nil
	case offset == GICDTyper:
		return gicdTyperValue, nil
	case offset == GICDIidr:
		return gicdIidrValue, nil
	case inBank(offset, GICDIsenabler), inBank(offset, GICDIcenabler):
		return c.bankWord(v, offset, c.isEnabled), nil
	case inBank(offset, GICDIspendr), inBank(offset, GICDIcpendr):
		return c.bankWord(v, offset, c.isPending), nil
	default:
		return 0, nil
	}
}

// WriteRegister performs a 32-bit write of value to the distributor register
// at offset. Writes to registers the model does not implement are ignored.
func (c *Controller) WriteRegister(vcpu int, offset uint64, value uint32) error {
	v, err := c.vcpu(vcpu)
	if err != nil {
		return err
	}
	if offset >= DistributorSize || offset%4 != 0 {
		return fmt.Errorf("vgic: bad distributor offset %#x", offset)
	}
	switch {
	case offset == GICDCtlr:
		switch value {
		case 0:
			c.enabled = false
		case 1:
			c.enabled = true
		default:
			return fmt.Errorf("vgic: unknown GICD_CTLR encoding %#x", value)
		}
	case inBank(offset, GICDIsenabler):
		eachIRQ(offset, GICDIsenabler, value, func(irq int) { c.enableIRQ(vcpu, v, irq) })
	case inBank(offset, GICDIcenabler):
		eachIRQ(offset, GICDIcenabler, value, func(irq int) { c.disableIRQ(v, irq) })
	case inBank(offset, GICDIspendr):
		eachIRQ(offset, GICDIspendr, value, func(irq int) {
			// A guest may pend interrupts nobody registered; those are dropped.
			_ = c.Inject(vcpu, irq)
		})
	case inBank(offset, GICDIcpendr):
		eachIRQ(offset, GICDIcpendr, value, func(irq int) { c.setPending(v, irq, false) })
	}
	return nil
}

func inBank(offset, base uint64) bool {
	return offset >= base && offset < base+gicdRegBankLen
}

func (c *Controller) bankWord(v *vcpuState, offset uint64, bit func(*vcpuState, int) bool) uint32 {
	first := int(offset%gicdRegBankLen) * 8
	var w uint32
	for i := 0; i < 32 && first+i < MaxIRQ; i++ {
		if bit(v, first+i) {
			w |= 1 << i
		}
	}
	return w
}

func eachIRQ(offset, base uint64, value uint32, fn func(irq int)) {
	first := int(offset-base) * 8
	for value != 0 {
		i := bits.TrailingZeros32(value)
		value &^= 1 << i
		if irq := first + i; irq < MaxIRQ {
			fn(irq)
		}
	}
}

// Distributor exposes a Controller's distributor registers as an MMIO device
// at a fixed guest physical base.
type Distributor struct {
	ctrl *Controller
	base uint64
}

var _ chipset.Device = (*Distributor)(nil)

// NewDistributor returns the MMIO front end of ctrl mapped at base.
func NewDistributor(ctrl *Controller, base uint64) *Distributor {
	return &Distributor{ctrl: ctrl, base: base}
}

func (d *Distributor) Base() uint64 { return d.base }

// SupportsMmio implements chipset.Device.
func (d *Distributor) SupportsMmio() *chipset.MmioIntercept {
	return &chipset.MmioIntercept{
		Regions: []chipset.Region{{Address: d.base, Size: DistributorSize}},
		Handler: d,
	}
}

// Reset implements chipset.Device. Registrations survive a reset.
func (d *Distributor) Reset() error {
	d.ctrl.reset()
	return nil
}

// ReadMMIO implements chipset.MmioHandler. Sub-word reads return the
// addressed lanes of the containing register.
func (d *Distributor) ReadMMIO(vcpu int, addr uint64, data []byte) error {
	off := addr - d.base
	if err := checkAccess(off, len(data)); err != nil {
		return err
	}
	if len(data) == 8 {
		lo, err := d.ctrl.ReadRegister(vcpu, off)
		if err != nil {
			return err
		}
		hi, err := d.ctrl.ReadRegister(vcpu, off+4)
		if err != nil {
			return err
		}
		binary.LittleEndian.PutUint64(data, uint64(hi)<<32|uint64(lo))
		return nil
	}
	reg, err := d.ctrl.ReadRegister(vcpu, off&^3)
	if err != nil {
		return err
	}
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], reg)
	copy(data, buf[off&3:])
	return nil
}

// WriteMMIO implements chipset.MmioHandler. Sub-word writes are shifted into
// their lane; the other lanes are written as zero, which is a no-op for the
// set/clear registers.
func (d *Distributor) WriteMMIO(vcpu int, addr uint64, data []byte) error {
	off := addr - d.base
	if err := checkAccess(off, len(data)); err != nil {
		return err
	}
	if len(data) == 8 {
		v := binary.LittleEndian.Uint64(data)
		if err := d.ctrl.WriteRegister(vcpu, off, uint32(v)); err != nil {
			return err
		}
		return d.ctrl.WriteRegister(vcpu, off+4, uint32(v>>32))
	}
	var buf [4]byte
	copy(buf[off&3:], data)
	return d.ctrl.WriteRegister(vcpu, off&^3, binary.LittleEndian.Uint32(buf[:]))
}

func checkAccess(off uint64, size int) error {
	switch size {
	case 1, 2, 4, 8:
	default:
		return fmt.Errorf("vgic: unsupported access size %d", size)
	}
	if off%uint64(size) != 0 {
		return fmt.Errorf("vgic: unaligned %d-byte access at offset %#x", size, off)
	}
	if off+uint64(size) > DistributorSize {
		return fmt.Errorf("vgic: access at offset %#x outside distributor", off)
	}
	return nil
}
