package hv

import "fmt"

// FaultLabel identifies the kind of fault message delivered for a guest vCPU.
// Values follow the seL4 MCS aarch64 fault numbering.
type FaultLabel uint64

const (
	FaultNull            FaultLabel = 0
	FaultCap             FaultLabel = 1
	FaultUnknownSyscall  FaultLabel = 2
	FaultUserException   FaultLabel = 3
	FaultTimeout         FaultLabel = 5
	FaultVM              FaultLabel = 6
	FaultVGICMaintenance FaultLabel = 7
	FaultVCPU            FaultLabel = 8
	FaultVPPIEvent       FaultLabel = 9
)

func (l FaultLabel) String() string {
	switch l {
	case FaultVM:
		return "virtual memory"
	case FaultUnknownSyscall:
		return "unknown syscall"
	case FaultUserException:
		return "user exception"
	case FaultVGICMaintenance:
		return "VGIC maintenance"
	case FaultVCPU:
		return "VCPU fault"
	case FaultVPPIEvent:
		return "VPPI event"
	default:
		return "unknown fault"
	}
}

// Message register indices for each fault label.
const (
	VMFaultIP            = 0
	VMFaultAddr          = 1
	VMFaultPrefetchFault = 2
	VMFaultFSR           = 3

	UnknownSyscallX0      = 0
	UnknownSyscallFaultIP = 8
	UnknownSyscallSP      = 9
	UnknownSyscallLR      = 10
	UnknownSyscallSPSR    = 11
	UnknownSyscallNumber  = 12

	UserExceptionFaultIP = 0
	UserExceptionSP      = 1
	UserExceptionSPSR    = 2
	UserExceptionNumber  = 3
	UserExceptionCode    = 4

	VGICMaintenanceIdx = 0
	VCPUFaultHSR       = 0
	VPPIEventIRQ       = 0
)

// MaxFaultRegisters bounds the number of message registers a fault carries.
const MaxFaultRegisters = 16

// MessageInfo is the header of an IPC message: a label and the number of
// message registers that follow.
type MessageInfo struct {
	Label  uint64
	Length int
}

const (
	messageInfoLengthBits = 7
	messageInfoLabelShift = 12
)

// Word encodes the header in the kernel's packed representation. Extra caps
// and unwrapped caps are always zero here.
func (m MessageInfo) Word() uint64 {
	return m.Label<<messageInfoLabelShift | uint64(m.Length)&(1<<messageInfoLengthBits-1)
}

// MessageInfoFromWord decodes a packed message header.
func MessageInfoFromWord(w uint64) MessageInfo {
	return MessageInfo{
		Label:  w >> messageInfoLabelShift,
		Length: int(w & (1<<messageInfoLengthBits - 1)),
	}
}

// FaultMessage is a fault delivered for a guest vCPU. Registers is a fixed
// array so that delivering a fault does not allocate.
type FaultMessage struct {
	Label     FaultLabel
	Length    int
	Registers [MaxFaultRegisters]uint64
}

// NewFaultMessage builds a FaultMessage from the given registers.
func NewFaultMessage(label FaultLabel, regs ...uint64) (FaultMessage, error) {
	if len(regs) > MaxFaultRegisters {
		return FaultMessage{}, fmt.Errorf("fault message has %d registers, at most %d supported", len(regs), MaxFaultRegisters)
	}
	msg := FaultMessage{Label: label, Length: len(regs)}
	copy(msg.Registers[:], regs)
	return msg, nil
}

// Info returns the message header for the fault.
func (m FaultMessage) Info() MessageInfo {
	return MessageInfo{Label: uint64(m.Label), Length: m.Length}
}

// Register returns message register i, or 0 when the message is shorter.
func (m FaultMessage) Register(i int) uint64 {
	if i < 0 || i >= m.Length {
		return 0
	}
	return m.Registers[i]
}
