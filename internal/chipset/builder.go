package chipset

import (
	"fmt"
)

type mmioBinding struct {
	name    string
	region  Region
	handler MmioHandler
}

// Builder registers devices and their intercepts before creating a Chipset.
type Builder struct {
	devices map[string]Device
	mmio    []mmioBinding
}

// NewBuilder returns an empty Builder.
func NewBuilder() *Builder {
	return &Builder{devices: make(map[string]Device)}
}

// RegisterDevice adds a device and wires up its MMIO intercept.
func (b *Builder) RegisterDevice(name string, dev Device) error {
	if name == "" {
		return fmt.Errorf("device name is empty")
	}
	if dev == nil {
		return fmt.Errorf("device %q is nil", name)
	}
	if _, exists := b.devices[name]; exists {
		return fmt.Errorf("device %q already registered", name)
	}

	if intercept := dev.SupportsMmio(); intercept != nil {
		if intercept.Handler == nil {
			return fmt.Errorf("device %q provided MMIO regions with nil handler", name)
		}
		for _, region := range intercept.Regions {
			if err := b.withMmioRegion(name, region, intercept.Handler); err != nil {
				return fmt.Errorf("device %q: %w", name, err)
			}
		}
	}

	b.devices[name] = dev
	return nil
}

func (b *Builder) withMmioRegion(name string, region Region, handler MmioHandler) error {
	base, size := region.Address, region.Size
	if size == 0 {
		return fmt.Errorf("MMIO region at 0x%x has zero size", base)
	}
	if base+size < base {
		return fmt.Errorf("MMIO region at 0x%x with size 0x%x overflows", base, size)
	}
	for _, existing := range b.mmio {
		if regionsOverlap(region, existing.region) {
			return fmt.Errorf(
				"MMIO region 0x%x-0x%x overlaps %q at 0x%x-0x%x",
				base, base+size-1, existing.name, existing.region.Address, existing.region.Address+existing.region.Size-1)
		}
	}
	b.mmio = append(b.mmio, mmioBinding{name: name, region: region, handler: handler})
	return nil
}

// Build finalizes the layout and returns the constructed Chipset.
func (b *Builder) Build() *Chipset {
	devices := make(map[string]Device, len(b.devices))
	for name, dev := range b.devices {
		devices[name] = dev
	}
	mmio := make([]mmioBinding, len(b.mmio))
	copy(mmio, b.mmio)
	return &Chipset{devices: devices, mmio: mmio}
}

func regionsOverlap(a, b Region) bool {
	return a.Address < b.Address+b.Size && b.Address < a.Address+a.Size
}
