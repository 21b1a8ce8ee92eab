// Package hv describes the virtualization runtime the VMM core drives: image
// staging, the virtual interrupt controller, guest start and fault
// resolution. Concrete runtimes live in the native and soft subpackages.
package hv

import "errors"

var (
	ErrRuntimeUnsupported = errors.New("vmm runtime unsupported on this platform")
	ErrRuntimeClosed      = errors.New("vmm runtime closed")
)

// AckFunc is invoked by the virtual interrupt controller once the guest has
// acknowledged a virtual IRQ that was registered with it.
type AckFunc func(vcpu int, virq int, data uintptr)

// Runtime is the set of collaborator operations the core calls. Results are
// booleans because that is all the underlying library reports.
type Runtime interface {
	// SetupImages copies the kernel, device tree and initial RAM disk into
	// guest memory and returns the guest entry PC, or 0 on failure. It is
	// not idempotent.
	SetupImages(ramBase uint64, kernel, dtb []byte, dtbDest uint64, initrd []byte, initrdDest uint64) uint64

	ControllerInit(bootVCPU int) bool
	RegisterIRQ(vcpu int, virq int, ack AckFunc, data uintptr) bool
	InjectIRQ(vcpu int, virq int) bool
	GuestStart(bootVCPU int, pc, dtb, initrd uint64) bool
	HandleFault(vcpu int, msg FaultMessage) bool
}
