package chipset

// Region is a span of guest physical address space.
type Region struct {
	Address uint64
	Size    uint64
}

func (r Region) Contains(addr uint64, size int) bool {
	end := addr + uint64(size)
	return end >= addr && addr >= r.Address && end <= r.Address+r.Size
}

// MmioHandler handles reads and writes to memory-mapped regions on behalf of
// the vCPU that faulted on them.
type MmioHandler interface {
	ReadMMIO(vcpu int, addr uint64, data []byte) error
	WriteMMIO(vcpu int, addr uint64, data []byte) error
}

// MmioIntercept describes the MMIO regions a device serves and the handler for them.
type MmioIntercept struct {
	Regions []Region
	Handler MmioHandler
}

// Device is an emulated device attached to the guest's address space.
type Device interface {
	SupportsMmio() *MmioIntercept
	Reset() error
}
