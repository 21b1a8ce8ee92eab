package soft

import "fmt"

const (
	smcServiceShift = 24
	smcServiceMask  = 0x3f
	smcFunctionMask = 0xffff
	smcStdService   = 4

	psciMaxFunction = 0x1f
)

type psciFunction uint64

const (
	psciVersion         psciFunction = 0x0
	psciCPUSuspend      psciFunction = 0x1
	psciCPUOff          psciFunction = 0x2
	psciCPUOn           psciFunction = 0x3
	psciAffinityInfo    psciFunction = 0x4
	psciMigrateInfoType psciFunction = 0x6
	psciSystemOff       psciFunction = 0x8
	psciSystemReset     psciFunction = 0x9
	psciFeatures        psciFunction = 0xa
)

func (f psciFunction) String() string {
	switch f {
	case psciVersion:
		return "PSCI_VERSION"
	case psciCPUSuspend:
		return "PSCI_CPU_SUSPEND"
	case psciCPUOff:
		return "PSCI_CPU_OFF"
	case psciCPUOn:
		return "PSCI_CPU_ON"
	case psciAffinityInfo:
		return "PSCI_AFFINITY_INFO"
	case psciMigrateInfoType:
		return "PSCI_MIGRATE_INFO_TYPE"
	case psciSystemOff:
		return "PSCI_SYSTEM_OFF"
	case psciSystemReset:
		return "PSCI_SYSTEM_RESET"
	case psciFeatures:
		return "PSCI_FEATURES"
	default:
		return fmt.Sprintf("PSCI_FUNCTION_%#x", uint64(f))
	}
}

// PSCI return codes, sign extended into x0.
const (
	psciNotSupported      = -1
	psciInvalidParameters = -2
	psciAlreadyOn         = -4

	// psciVersion12 is PSCI 1.2: major in bits [30:16], minor in [15:0].
	psciVersion12 = 1<<16 | 2
	// MIGRATE_INFO_TYPE result for a system without a trusted OS.
	psciNoTrustedOS = 2
)

func psciResult(v int64) uint64 { return uint64(v) }

// handleSMC services an SMC trapped from vcpu. Only PSCI standard service
// calls are understood.
func (r *Runtime) handleSMC(vcpu int, v *vcpuState) bool {
	x0 := v.regs.X[0]
	service := (x0 >> smcServiceShift) & smcServiceMask
	fn := psciFunction(x0 & smcFunctionMask)
	if service != smcStdService || fn >= psciMaxFunction {
		r.log.Error("unhandled SMC", "vcpu", vcpu, "service", service, "function", uint64(fn))
		return false
	}

	switch fn {
	case psciVersion:
		v.regs.X[0] = psciVersion12
	case psciCPUOn:
		if target := v.regs.X[1]; target == uint64(vcpu) {
			v.regs.X[0] = psciResult(psciAlreadyOn)
		} else {
			v.regs.X[0] = psciResult(psciInvalidParameters)
		}
	case psciMigrateInfoType:
		v.regs.X[0] = psciNoTrustedOS
	case psciFeatures:
		v.regs.X[0] = psciResult(psciNotSupported)
	case psciSystemReset:
		r.log.Warn("guest requested reset, not supported", "vcpu", vcpu)
	case psciSystemOff:
		r.log.Info("guest powered off", "vcpu", vcpu)
		v.running = false
		return true
	default:
		r.log.Error("unhandled PSCI function", "vcpu", vcpu, "function", fn.String())
		return false
	}
	r.log.Debug("psci call", "vcpu", vcpu, "function", fn.String(), "x0", fmt.Sprintf("%#x", v.regs.X[0]))
	v.regs.PC += 4
	return true
}
