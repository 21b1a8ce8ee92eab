package fdt

import "fmt"

const (
	gicPhandle = 1

	gicSPI = 0
	gicPPI = 1

	// Level triggered, active low, routed to CPU 0.
	ppiFlags = 0x104

	cpuInterfaceOffset = 0x10000
	gicFrameSize       = 0x10000
)

// VirtBoard describes the single-vCPU aarch64 guest a generated device tree
// advertises: memory, a GICv2, the architected timer and PSCI over SMC.
type VirtBoard struct {
	RAMBase         uint64
	RAMSize         uint64
	DistributorBase uint64
	Bootargs        string

	// InitrdStart and InitrdEnd bound the initial RAM disk; both zero when
	// there is none.
	InitrdStart uint64
	InitrdEnd   uint64
}

// Tree returns the device tree for the board.
func (v VirtBoard) Tree() Node {
	chosen := map[string]Property{}
	if v.Bootargs != "" {
		chosen["bootargs"] = Strings(v.Bootargs)
	}
	if v.InitrdEnd > v.InitrdStart {
		chosen["linux,initrd-start"] = U64(v.InitrdStart)
		chosen["linux,initrd-end"] = U64(v.InitrdEnd)
	}

	return Node{
		Name: "",
		Properties: map[string]Property{
			"compatible":       Strings("linux,dummy-virt"),
			"#address-cells":   U32(2),
			"#size-cells":      U32(2),
			"interrupt-parent": U32(gicPhandle),
		},
		Children: []Node{
			{Name: "chosen", Properties: chosen},
			{
				Name: fmt.Sprintf("memory@%x", v.RAMBase),
				Properties: map[string]Property{
					"device_type": Strings("memory"),
					"reg":         U64(v.RAMBase, v.RAMSize),
				},
			},
			{
				Name: "cpus",
				Properties: map[string]Property{
					"#address-cells": U32(1),
					"#size-cells":    U32(0),
				},
				Children: []Node{{
					Name: "cpu@0",
					Properties: map[string]Property{
						"device_type":   Strings("cpu"),
						"compatible":    Strings("arm,armv8"),
						"reg":           U32(0),
						"enable-method": Strings("psci"),
					},
				}},
			},
			{
				Name: "psci",
				Properties: map[string]Property{
					"compatible": Strings("arm,psci-1.0", "arm,psci-0.2"),
					"method":     Strings("smc"),
				},
			},
			{
				Name: fmt.Sprintf("intc@%x", v.DistributorBase),
				Properties: map[string]Property{
					"compatible":           Strings("arm,cortex-a15-gic"),
					"#interrupt-cells":     U32(3),
					"interrupt-controller": Flag(),
					"reg": U64(
						v.DistributorBase, gicFrameSize,
						v.DistributorBase+cpuInterfaceOffset, gicFrameSize,
					),
					"phandle": U32(gicPhandle),
				},
			},
			{
				Name: "timer",
				Properties: map[string]Property{
					"compatible": Strings("arm,armv8-timer"),
					"always-on":  Flag(),
					"interrupts": U32(
						gicPPI, 13, ppiFlags, // secure physical
						gicPPI, 14, ppiFlags, // non-secure physical
						gicPPI, 11, ppiFlags, // virtual
						gicPPI, 10, ppiFlags, // hypervisor
					),
				},
			},
		},
	}
}

// Build serializes the board's device tree.
func (v VirtBoard) Build() ([]byte, error) {
	return Build(v.Tree())
}
