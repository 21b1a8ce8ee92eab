// Package config loads the per-deployment VMM configuration: guest memory
// layout, image paths and the physical interrupts passed through to the
// guest.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/tinyrange/vmmctl/internal/channel"
	"github.com/tinyrange/vmmctl/internal/vgic"
	"github.com/tinyrange/vmmctl/internal/vmm"
)

// Defaults for the QEMU virt aarch64 board.
const (
	DefaultRAMBase         = 0x40000000
	DefaultRAMSize         = 0x10000000
	DefaultDTBAddr         = 0x4f000000
	DefaultInitrdAddr      = 0x4d700000
	DefaultDistributorBase = 0x08000000

	ramAlignment = 2 << 20
	dtbAlignment = 8
)

var ErrInvalid = errors.New("invalid configuration")

// Address is a guest physical address or size. YAML accepts integers and
// strings in any Go integer syntax, e.g. 0x4000_0000.
type Address uint64

// UnmarshalYAML implements yaml.Unmarshaler for Address.
func (a *Address) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: address must be a scalar", value.Line)
	}
	v, err := strconv.ParseUint(value.Value, 0, 64)
	if err != nil {
		return fmt.Errorf("line %d: invalid address %q: %w", value.Line, value.Value, err)
	}
	*a = Address(v)
	return nil
}

func (a Address) String() string { return fmt.Sprintf("%#x", uint64(a)) }

// Config is the complete VMM configuration.
type Config struct {
	Guest       Guest         `yaml:"guest"`
	Images      Images        `yaml:"images"`
	Passthrough []Passthrough `yaml:"passthrough"`
	Transport   Transport     `yaml:"transport"`
	// LibVMM is the path of the libvmm shared library. Empty selects the
	// software runtime.
	LibVMM string `yaml:"libvmm"`
}

// Guest describes guest physical memory and the boot vCPU.
type Guest struct {
	RAMBase         Address `yaml:"ram_base"`
	RAMSize         Address `yaml:"ram_size"`
	VCPU            int     `yaml:"vcpu"`
	DTBAddr         Address `yaml:"dtb_addr"`
	InitrdAddr      Address `yaml:"initrd_addr"`
	DistributorBase Address `yaml:"distributor_base"`
	// Bootargs is the kernel command line of a generated device tree.
	Bootargs string `yaml:"bootargs,omitempty"`
}

// Images are paths to the guest images, relative to the config file. An
// empty DTB path asks for a generated device tree.
type Images struct {
	Kernel string `yaml:"kernel"`
	DTB    string `yaml:"dtb,omitempty"`
	Initrd string `yaml:"initrd,omitempty"`
}

// Passthrough binds a physical IRQ to a channel. VIRQ defaults to IRQ.
type Passthrough struct {
	Name    string `yaml:"name"`
	IRQ     int    `yaml:"irq"`
	Channel int    `yaml:"channel"`
	VIRQ    *int   `yaml:"virq,omitempty"`
}

func (p Passthrough) virq() int {
	if p.VIRQ != nil {
		return *p.VIRQ
	}
	return p.IRQ
}

// Transport selects how events reach the VMM.
type Transport struct {
	Kind string `yaml:"kind"`
	// Socket is the ipc listening path. Empty selects a fresh path in the
	// temp directory.
	Socket string `yaml:"socket,omitempty"`
}

// Transport kinds.
const (
	TransportMemory  = "memory"
	TransportEventFD = "eventfd"
	TransportIPC     = "ipc"
)

// Default returns the configuration used for fields a file leaves out.
func Default() Config {
	return Config{
		Guest: Guest{
			RAMBase:         DefaultRAMBase,
			RAMSize:         DefaultRAMSize,
			DTBAddr:         DefaultDTBAddr,
			InitrdAddr:      DefaultInitrdAddr,
			DistributorBase: DefaultDistributorBase,
		},
		Transport: Transport{Kind: TransportMemory},
	}
}

// Load reads and validates the configuration at path. Relative image paths
// are resolved against the file's directory.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	cfg.resolve(filepath.Dir(path))
	return cfg, nil
}

// Parse decodes and validates a YAML configuration.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) resolve(dir string) {
	for _, p := range []*string{&c.Images.Kernel, &c.Images.DTB, &c.Images.Initrd, &c.LibVMM} {
		if *p != "" && !filepath.IsAbs(*p) {
			*p = filepath.Join(dir, *p)
		}
	}
}

// Validate checks the layout and the passthrough table.
func (c *Config) Validate() error {
	g := c.Guest
	invalid := func(format string, args ...any) error {
		return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...))
	}

	if g.RAMSize == 0 {
		return invalid("ram_size is zero")
	}
	if g.RAMBase%ramAlignment != 0 {
		return invalid("ram_base %s is not 2MiB aligned", g.RAMBase)
	}
	end := uint64(g.RAMBase) + uint64(g.RAMSize)
	if end < uint64(g.RAMBase) {
		return invalid("guest RAM wraps the address space")
	}
	inRAM := func(a Address) bool { return uint64(a) >= uint64(g.RAMBase) && uint64(a) < end }
	if g.VCPU != 0 {
		return invalid("vcpu %d: only vcpu 0 is supported", g.VCPU)
	}
	if g.DTBAddr%dtbAlignment != 0 {
		return invalid("dtb_addr %s is not 8-byte aligned", g.DTBAddr)
	}
	if !inRAM(g.DTBAddr) {
		return invalid("dtb_addr %s is outside guest RAM", g.DTBAddr)
	}
	if c.Images.Initrd != "" && !inRAM(g.InitrdAddr) {
		return invalid("initrd_addr %s is outside guest RAM", g.InitrdAddr)
	}

	if c.Images.Kernel == "" {
		return invalid("images.kernel is required")
	}

	irqs := make(map[int]string)
	virqs := make(map[int]string)
	chans := make(map[int]string)
	for i, p := range c.Passthrough {
		name := p.Name
		if name == "" {
			name = fmt.Sprintf("passthrough[%d]", i)
		}
		if p.Channel < 0 || p.Channel >= channel.MaxChannels {
			return invalid("%s: channel %d out of range [0, %d)", name, p.Channel, channel.MaxChannels)
		}
		if p.IRQ < 0 {
			return invalid("%s: irq %d is negative", name, p.IRQ)
		}
		if prev, ok := irqs[p.IRQ]; ok {
			return invalid("%s: irq %d already bound by %s", name, p.IRQ, prev)
		}
		if prev, ok := chans[p.Channel]; ok {
			return invalid("%s: channel %d already used by %s", name, p.Channel, prev)
		}
		virq := p.virq()
		if virq < 0 || virq >= vgic.MaxIRQ {
			return invalid("%s: virq %d out of range [0, %d)", name, virq, vgic.MaxIRQ)
		}
		if prev, ok := virqs[virq]; ok {
			return invalid("%s: virq %d already injected by %s", name, virq, prev)
		}
		irqs[p.IRQ] = name
		virqs[virq] = name
		chans[p.Channel] = name
	}

	switch c.Transport.Kind {
	case TransportMemory, TransportEventFD, TransportIPC:
	default:
		return invalid("unknown transport %q", c.Transport.Kind)
	}
	return nil
}

// Bindings returns the interrupt bindings of the passthrough table.
func (c *Config) Bindings() []vmm.Binding {
	out := make([]vmm.Binding, 0, len(c.Passthrough))
	for _, p := range c.Passthrough {
		name := p.Name
		if name == "" {
			name = fmt.Sprintf("irq%d", p.IRQ)
		}
		out = append(out, vmm.Binding{
			Name:    name,
			Channel: channel.Channel(p.Channel),
			IRQ:     p.IRQ,
			VIRQ:    p.virq(),
		})
	}
	return out
}

// Channels returns the set of passthrough channels.
func (c *Config) Channels() (channel.Set, error) {
	chs := make([]channel.Channel, 0, len(c.Passthrough))
	for _, p := range c.Passthrough {
		chs = append(chs, channel.Channel(p.Channel))
	}
	return channel.NewSet(chs...)
}

// VCPU returns the boot vCPU with its image addresses.
func (c *Config) VCPU() vmm.GuestVCpu {
	return vmm.GuestVCpu{
		ID:            c.Guest.VCPU,
		DeviceTreeGPA: uint64(c.Guest.DTBAddr),
		InitrdGPA:     uint64(c.Guest.InitrdAddr),
	}
}
