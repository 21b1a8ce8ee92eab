package soft

import (
	"encoding/binary"
	"fmt"

	"github.com/tinyrange/vmmctl/internal/hv"
)

// Unknown syscalls a guest issues that are resolved by skipping them.
const (
	syscallPAToIPA = 0x41
	syscallNOP     = 0x43
)

// HandleFault implements hv.Runtime.
func (r *Runtime) HandleFault(vcpu int, msg hv.FaultMessage) bool {
	v, ok := r.vcpu(vcpu)
	if !ok {
		r.log.Error("fault on unknown vcpu", "vcpu", vcpu)
		return false
	}
	switch msg.Label {
	case hv.FaultVM:
		return r.handleVMFault(vcpu, v, msg)
	case hv.FaultVCPU:
		return r.handleVCPUFault(vcpu, v, msg)
	case hv.FaultUnknownSyscall:
		return r.handleUnknownSyscall(vcpu, v, msg)
	case hv.FaultUserException:
		r.log.Error("invalid instruction fault",
			"vcpu", vcpu,
			"ip", fmt.Sprintf("%#x", msg.Register(hv.UserExceptionFaultIP)),
			"number", msg.Register(hv.UserExceptionNumber),
		)
		r.logRegisters(vcpu, v)
		return true
	case hv.FaultVGICMaintenance:
		idx := int(msg.Register(hv.VGICMaintenanceIdx))
		if err := r.gic.Maintenance(vcpu, idx); err != nil {
			r.log.Error("vgic maintenance", "vcpu", vcpu, "lr", idx, "error", err)
			return false
		}
		return true
	case hv.FaultVPPIEvent:
		irq := int(msg.Register(hv.VPPIEventIRQ))
		if err := r.gic.Inject(vcpu, irq); err != nil {
			r.log.Error("vppi dropped", "vcpu", vcpu, "irq", irq, "error", err)
			// The guest will never complete it, so unmask it here.
			r.ackVPPI(vcpu, irq, 0)
		}
		return true
	default:
		r.log.Error("unknown fault label", "vcpu", vcpu, "label", uint64(msg.Label))
		return false
	}
}

func (r *Runtime) handleVMFault(vcpu int, v *vcpuState, msg hv.FaultMessage) bool {
	addr := msg.Register(hv.VMFaultAddr)
	fsr := msg.Register(hv.VMFaultFSR)

	abort, err := decodeDataAbort(fsr)
	if err != nil || !r.chipset.Claims(addr, abort.size) {
		r.log.Error("unexpected memory fault",
			"vcpu", vcpu,
			"addr", fmt.Sprintf("%#x", addr),
			"fsr", fmt.Sprintf("%#x", fsr),
			"ip", fmt.Sprintf("%#x", msg.Register(hv.VMFaultIP)),
			"prefetch", msg.Register(hv.VMFaultPrefetchFault) != 0,
		)
		return false
	}

	var buf [8]byte
	data := buf[:abort.size]
	if abort.write {
		binary.LittleEndian.PutUint64(buf[:], v.reg(abort.rt))
	}
	if err := r.chipset.HandleMMIO(vcpu, addr, data, abort.write); err != nil {
		r.log.Error("emulate mmio", "vcpu", vcpu, "addr", fmt.Sprintf("%#x", addr), "error", err)
		return false
	}
	if !abort.write {
		v.setReg(abort.rt, abort.loadValue(data))
	}
	r.stats.Emulated++
	v.regs.PC += 4
	return true
}

func (r *Runtime) handleVCPUFault(vcpu int, v *vcpuState, msg hv.FaultMessage) bool {
	hsr := msg.Register(hv.VCPUFaultHSR)
	switch ec := exceptionClass(hsr); ec {
	case ecWFx:
		// Nothing to do; the vCPU resumes and waits for its next interrupt.
		return true
	case ecSMC64:
		return r.handleSMC(vcpu, v)
	default:
		r.log.Error("unknown vcpu exception class", "vcpu", vcpu, "ec", fmt.Sprintf("%#x", ec), "hsr", fmt.Sprintf("%#x", hsr))
		return false
	}
}

func (r *Runtime) handleUnknownSyscall(vcpu int, v *vcpuState, msg hv.FaultMessage) bool {
	num := msg.Register(hv.UnknownSyscallNumber)
	switch num {
	case syscallPAToIPA:
		r.log.Debug("pa to ipa syscall", "vcpu", vcpu)
	case syscallNOP:
		r.log.Debug("nop syscall", "vcpu", vcpu)
	default:
		r.log.Error("unknown syscall",
			"vcpu", vcpu,
			"number", fmt.Sprintf("%#x", num),
			"pc", fmt.Sprintf("%#x", msg.Register(hv.UnknownSyscallFaultIP)),
		)
		return false
	}
	v.regs.PC += 4
	return true
}

func (r *Runtime) logRegisters(vcpu int, v *vcpuState) {
	attrs := []any{"vcpu", vcpu, "pc", fmt.Sprintf("%#x", v.regs.PC), "spsr", fmt.Sprintf("%#x", v.regs.SPSR)}
	for i, x := range v.regs.X[:8] {
		attrs = append(attrs, fmt.Sprintf("x%d", i), fmt.Sprintf("%#x", x))
	}
	r.log.Error("vcpu registers", attrs...)
}

// reg reads general register n; 31 is the zero register.
func (v *vcpuState) reg(n int) uint64 {
	if n < 0 || n >= len(v.regs.X) {
		return 0
	}
	return v.regs.X[n]
}

func (v *vcpuState) setReg(n int, val uint64) {
	if n >= 0 && n < len(v.regs.X) {
		v.regs.X[n] = val
	}
}
