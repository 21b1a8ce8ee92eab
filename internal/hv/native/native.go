//go:build darwin || linux

// Package native drives libvmm, loaded as a shared library, through purego.
// All pointer handling for the library lives in this package.
package native

import (
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"unsafe"

	"github.com/ebitengine/purego"

	"github.com/tinyrange/vmmctl/internal/hv"
)

var (
	// The library takes a single C function pointer for every registration;
	// acks are routed to Go closures by cookie.
	acks         ackTable
	trampoline   uintptr
	trampolineMu sync.Once
)

func ackTrampoline(vcpu uintptr, irq int32, cookie uintptr) {
	if !acks.dispatch(int(vcpu), int(irq), cookie) {
		slog.Error("libvmm ack with unknown cookie", "vcpu", vcpu, "irq", irq, "cookie", cookie)
	}
}

// Runtime implements hv.Runtime on top of libvmm.
type Runtime struct {
	lib uintptr
	log *slog.Logger

	linuxSetupImages   func(ramStart uint64, kernel unsafe.Pointer, kernelSize uint64, dtbSrc unsafe.Pointer, dtbDest uint64, dtbSize uint64, initrdSrc unsafe.Pointer, initrdDest uint64, initrdSize uint64) uint64
	virqControllerInit func(bootVCPU uint64) bool
	virqRegister       func(vcpu uint64, virq uint64, ack uintptr, cookie uintptr) bool
	virqInject         func(vcpu uint64, irq int32) bool
	guestStart         func(bootVCPU uint64, pc uint64, dtb uint64, initrd uint64) bool
	mrSet              mrWriter
	faultHandle        func(vcpu uint64, msginfo uint64) bool
}

var _ hv.Runtime = (*Runtime)(nil)

// Open loads the library at path and binds the entry points the VMM needs.
func Open(path string, log *slog.Logger) (*Runtime, error) {
	if log == nil {
		log = slog.Default()
	}
	lib, err := purego.Dlopen(path, purego.RTLD_NOW|purego.RTLD_LOCAL)
	if err != nil {
		return nil, fmt.Errorf("native: dlopen %s: %w", path, err)
	}
	r := &Runtime{lib: lib, log: log}

	syms := []struct {
		fn   any
		name string
	}{
		{&r.linuxSetupImages, "linux_setup_images"},
		{&r.virqControllerInit, "virq_controller_init"},
		{&r.virqRegister, "virq_register"},
		{&r.virqInject, "virq_inject"},
		{&r.guestStart, "guest_start"},
		{&r.faultHandle, "fault_handle"},
	}
	for _, s := range syms {
		// RegisterLibFunc panics on a missing symbol; look it up first.
		addr, err := purego.Dlsym(lib, s.name)
		if err != nil {
			purego.Dlclose(lib)
			return nil, fmt.Errorf("native: %s: missing symbol %s: %w", path, s.name, err)
		}
		purego.RegisterFunc(s.fn, addr)
	}
	mrSet, err := bindMessageRegisters(func(name string) (uintptr, error) {
		return purego.Dlsym(lib, name)
	})
	if err != nil {
		purego.Dlclose(lib)
		return nil, fmt.Errorf("native: %s: %w", path, err)
	}
	r.mrSet = mrSet

	trampolineMu.Do(func() {
		trampoline = purego.NewCallback(ackTrampoline)
	})
	log.Debug("libvmm loaded", "path", path)
	return r, nil
}

// Close unloads the library. The runtime must not be used afterwards.
func (r *Runtime) Close() error {
	if r.lib == 0 {
		return hv.ErrRuntimeClosed
	}
	err := purego.Dlclose(r.lib)
	r.lib = 0
	return err
}

func bytePtr(b []byte) unsafe.Pointer {
	if len(b) == 0 {
		return nil
	}
	return unsafe.Pointer(&b[0])
}

// SetupImages implements hv.Runtime.
func (r *Runtime) SetupImages(ramBase uint64, kernel, dtb []byte, dtbDest uint64, initrd []byte, initrdDest uint64) uint64 {
	pc := r.linuxSetupImages(ramBase,
		bytePtr(kernel), uint64(len(kernel)),
		bytePtr(dtb), dtbDest, uint64(len(dtb)),
		bytePtr(initrd), initrdDest, uint64(len(initrd)),
	)
	runtime.KeepAlive(kernel)
	runtime.KeepAlive(dtb)
	runtime.KeepAlive(initrd)
	return pc
}

// ControllerInit implements hv.Runtime.
func (r *Runtime) ControllerInit(bootVCPU int) bool {
	return r.virqControllerInit(uint64(bootVCPU))
}

// RegisterIRQ implements hv.Runtime.
func (r *Runtime) RegisterIRQ(vcpu int, virq int, ack hv.AckFunc, data uintptr) bool {
	cookie := acks.add(ack, data)
	return r.virqRegister(uint64(vcpu), uint64(virq), trampoline, cookie)
}

// InjectIRQ implements hv.Runtime.
func (r *Runtime) InjectIRQ(vcpu int, virq int) bool {
	return r.virqInject(uint64(vcpu), int32(virq))
}

// GuestStart implements hv.Runtime.
func (r *Runtime) GuestStart(bootVCPU int, pc, dtb, initrd uint64) bool {
	return r.guestStart(uint64(bootVCPU), pc, dtb, initrd)
}

// HandleFault implements hv.Runtime. The message registers are written to
// the library's IPC buffer before the fault handler reads them.
func (r *Runtime) HandleFault(vcpu int, msg hv.FaultMessage) bool {
	for i := 0; i < msg.Length; i++ {
		r.mrSet(i, msg.Register(i))
	}
	return r.faultHandle(uint64(vcpu), msg.Info().Word())
}
