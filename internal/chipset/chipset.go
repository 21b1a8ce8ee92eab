// Package chipset routes guest MMIO accesses to emulated devices.
package chipset

import (
	"errors"
	"fmt"
	"sort"
)

// ErrNoHandler is returned for an access no device claims.
var ErrNoHandler = errors.New("chipset: no handler for MMIO address")

// Chipset represents the built dispatch tables for devices.
type Chipset struct {
	devices map[string]Device
	mmio    []mmioBinding
}

// Claims reports whether any device serves the access.
func (c *Chipset) Claims(addr uint64, size int) bool {
	_, ok := c.lookup(addr, size)
	return ok
}

func (c *Chipset) lookup(addr uint64, size int) (mmioBinding, bool) {
	for _, binding := range c.mmio {
		if binding.region.Contains(addr, size) {
			return binding, true
		}
	}
	return mmioBinding{}, false
}

// HandleMMIO dispatches an MMIO access from vcpu to the registered device.
func (c *Chipset) HandleMMIO(vcpu int, addr uint64, data []byte, isWrite bool) error {
	if addr+uint64(len(data)) < addr {
		return fmt.Errorf("chipset: MMIO access overflow at 0x%016x", addr)
	}
	binding, ok := c.lookup(addr, len(data))
	if !ok {
		return fmt.Errorf("%w 0x%016x", ErrNoHandler, addr)
	}
	if isWrite {
		return binding.handler.WriteMMIO(vcpu, addr, data)
	}
	return binding.handler.ReadMMIO(vcpu, addr, data)
}

// Reset resets all registered devices.
func (c *Chipset) Reset() error {
	for _, name := range c.deviceNames() {
		if err := c.devices[name].Reset(); err != nil {
			return fmt.Errorf("chipset: reset device %q: %w", name, err)
		}
	}
	return nil
}

func (c *Chipset) deviceNames() []string {
	names := make([]string, 0, len(c.devices))
	for name := range c.devices {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
