// Package soft is a pure-Go model of the VMM collaborators: it stages images
// into an in-process guest RAM, runs a virtual GIC and resolves guest faults
// against a modelled vCPU register file. It lets the control loop run and be
// tested without a microkernel underneath.
package soft

import (
	"fmt"
	"log/slog"

	"github.com/tinyrange/vmmctl/internal/chipset"
	"github.com/tinyrange/vmmctl/internal/hv"
	"github.com/tinyrange/vmmctl/internal/linux/boot/arm64"
	"github.com/tinyrange/vmmctl/internal/vgic"
)

// Defaults match the QEMU virt board.
const (
	DefaultRAMBase         = 0x40000000
	DefaultRAMSize         = 0x10000000
	DefaultDistributorBase = 0x08000000
)

// Config describes the modelled guest.
type Config struct {
	RAMBase         uint64
	RAMSize         uint64
	NumVCPUs        int
	DistributorBase uint64
	Logger          *slog.Logger
}

// Registers is the modelled register file of a vCPU.
type Registers struct {
	X    [31]uint64
	SP   uint64
	PC   uint64
	SPSR uint64
}

type vcpuState struct {
	regs    Registers
	running bool
}

// Stats counts what the runtime has done.
type Stats struct {
	Loaded   uint64
	VPPIAcks uint64
	Emulated uint64
}

// Runtime implements hv.Runtime in software.
type Runtime struct {
	cfg Config
	log *slog.Logger

	ram     guestMemory
	gic     *vgic.Controller
	chipset *chipset.Chipset
	vcpus   []vcpuState

	staged bool
	stats  Stats
}

var _ hv.Runtime = (*Runtime)(nil)

// New allocates guest RAM and builds the device model.
func New(cfg Config) (*Runtime, error) {
	if cfg.RAMBase == 0 {
		cfg.RAMBase = DefaultRAMBase
	}
	if cfg.RAMSize == 0 {
		cfg.RAMSize = DefaultRAMSize
	}
	if cfg.NumVCPUs == 0 {
		cfg.NumVCPUs = 1
	}
	if cfg.DistributorBase == 0 {
		cfg.DistributorBase = DefaultDistributorBase
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	r := &Runtime{
		cfg:   cfg,
		log:   cfg.Logger,
		ram:   guestMemory{base: cfg.RAMBase, mem: make([]byte, cfg.RAMSize)},
		gic:   vgic.New(cfg.NumVCPUs),
		vcpus: make([]vcpuState, cfg.NumVCPUs),
	}
	r.gic.OnLoad(func(vcpu, virq, lr int) {
		r.stats.Loaded++
		r.log.Debug("virq loaded", "vcpu", vcpu, "virq", virq, "lr", lr)
	})

	b := chipset.NewBuilder()
	if err := b.RegisterDevice("gic-distributor", vgic.NewDistributor(r.gic, cfg.DistributorBase)); err != nil {
		return nil, fmt.Errorf("soft: %w", err)
	}
	r.chipset = b.Build()
	return r, nil
}

// Controller exposes the virtual GIC so a harness can play the guest.
func (r *Runtime) Controller() *vgic.Controller { return r.gic }

// ReadAt reads guest physical memory.
func (r *Runtime) ReadAt(p []byte, gpa int64) (int, error) { return r.ram.ReadAt(p, gpa) }

// Registers returns a copy of vcpu's register file.
func (r *Runtime) Registers(vcpu int) (Registers, bool) {
	v, ok := r.vcpu(vcpu)
	if !ok {
		return Registers{}, false
	}
	return v.regs, true
}

// SetRegisters replaces vcpu's register file, as the guest would by running.
func (r *Runtime) SetRegisters(vcpu int, regs Registers) bool {
	v, ok := r.vcpu(vcpu)
	if !ok {
		return false
	}
	v.regs = regs
	return true
}

// Running reports whether vcpu has been started and not powered off.
func (r *Runtime) Running(vcpu int) bool {
	v, ok := r.vcpu(vcpu)
	return ok && v.running
}

func (r *Runtime) Stats() Stats { return r.stats }

func (r *Runtime) vcpu(id int) (*vcpuState, bool) {
	if id < 0 || id >= len(r.vcpus) {
		return nil, false
	}
	return &r.vcpus[id], true
}

// SetupImages implements hv.Runtime.
func (r *Runtime) SetupImages(ramBase uint64, kernel, dtb []byte, dtbDest uint64, initrd []byte, initrdDest uint64) uint64 {
	if r.staged {
		r.log.Error("guest images already staged")
		return 0
	}
	pc, err := arm64.Stage(&r.ram, r.ram.window(ramBase), arm64.Images{
		Kernel:     kernel,
		DTB:        dtb,
		DTBAddr:    dtbDest,
		Initrd:     initrd,
		InitrdAddr: initrdDest,
	})
	if err != nil {
		r.log.Error("stage guest images", "error", err)
		return 0
	}
	r.staged = true
	return pc
}

// ControllerInit implements hv.Runtime. The virtual timer PPI and the SGIs
// the guest kernel uses for IPIs are registered on the boot vCPU.
func (r *Runtime) ControllerInit(bootVCPU int) bool {
	if _, ok := r.vcpu(bootVCPU); !ok {
		r.log.Error("controller init on unknown vcpu", "vcpu", bootVCPU)
		return false
	}
	if err := r.gic.Register(bootVCPU, vgic.VTimerPPI, r.ackVPPI, 0); err != nil {
		r.log.Error("register vtimer", "error", err)
		return false
	}
	for _, sgi := range []int{0, 1} {
		if err := r.gic.Register(bootVCPU, sgi, nil, 0); err != nil {
			r.log.Error("register sgi", "sgi", sgi, "error", err)
			return false
		}
	}
	return true
}

func (r *Runtime) ackVPPI(vcpu int, virq int, data uintptr) {
	r.stats.VPPIAcks++
	r.log.Debug("vppi acknowledged", "vcpu", vcpu, "virq", virq)
}

// RegisterIRQ implements hv.Runtime.
func (r *Runtime) RegisterIRQ(vcpu int, virq int, ack hv.AckFunc, data uintptr) bool {
	if err := r.gic.Register(vcpu, virq, ack, data); err != nil {
		r.log.Error("register virq", "vcpu", vcpu, "virq", virq, "error", err)
		return false
	}
	return true
}

// InjectIRQ implements hv.Runtime.
func (r *Runtime) InjectIRQ(vcpu int, virq int) bool {
	if err := r.gic.Inject(vcpu, virq); err != nil {
		r.log.Debug("inject virq", "vcpu", vcpu, "virq", virq, "error", err)
		return false
	}
	return true
}

// GuestStart implements hv.Runtime.
func (r *Runtime) GuestStart(bootVCPU int, pc, dtb, initrd uint64) bool {
	v, ok := r.vcpu(bootVCPU)
	if !ok {
		return false
	}
	if !r.staged {
		r.log.Error("guest start before images were staged")
		return false
	}
	entry := arm64.EntryState(pc, dtb)
	v.regs = Registers{PC: entry.PC, SPSR: entry.SPSR}
	v.regs.X[0] = entry.X0
	v.running = true
	return true
}
