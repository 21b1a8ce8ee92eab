package vmm

import (
	"errors"
	"fmt"
)

// GuestVCpu is the single vCPU this VMM runs the guest on.
type GuestVCpu struct {
	ID            int
	DeviceTreeGPA uint64
	InitrdGPA     uint64

	// EntryPC is filled in once the images have been staged.
	EntryPC uint64
}

// Layout holds the guest images and where they go in guest physical memory.
// The kernel's destination is derived from its header by the runtime.
type Layout struct {
	RAMBase uint64
	Kernel  []byte
	DTB     []byte
	Initrd  []byte
}

// Boot stages the guest images, brings up the virtual interrupt controller,
// registers every bound interrupt, unmasks the physical sources and starts
// the guest. It runs at most once; any failure leaves the guest stopped.
func (h *Handler) Boot(layout Layout) error {
	if h.booted {
		return ErrAlreadyBooted
	}
	if h.bootAttempted {
		return fmt.Errorf("%w: earlier attempt failed", ErrAlreadyBooted)
	}
	if len(layout.Kernel) == 0 {
		return &BootError{Stage: StageValidate, Err: errors.New("kernel image is empty")}
	}
	if len(layout.DTB) == 0 {
		return &BootError{Stage: StageValidate, Err: errors.New("device tree blob is empty")}
	}
	h.bootAttempted = true

	vcpu := &h.vcpu
	h.log.Info("staging guest images",
		"ram_base", fmt.Sprintf("%#x", layout.RAMBase),
		"kernel_bytes", len(layout.Kernel),
		"dtb_bytes", len(layout.DTB),
		"initrd_bytes", len(layout.Initrd),
	)
	pc := h.rt.SetupImages(layout.RAMBase,
		layout.Kernel,
		layout.DTB, vcpu.DeviceTreeGPA,
		layout.Initrd, vcpu.InitrdGPA,
	)
	if pc == 0 {
		return &BootError{Stage: StageSetupImages, Err: errors.New("image loader returned no entry point")}
	}
	vcpu.EntryPC = pc

	if !h.rt.ControllerInit(vcpu.ID) {
		return &BootError{Stage: StageControllerInit, Err: fmt.Errorf("vcpu %d", vcpu.ID)}
	}

	for _, b := range h.order {
		bind := b.Binding()
		if !h.rt.RegisterIRQ(vcpu.ID, bind.VIRQ, b.Acknowledge, uintptr(bind.Channel)) {
			return &BootError{Stage: StageRegisterIRQ, Err: fmt.Errorf("%s: virq %d on vcpu %d", bind.Name, bind.VIRQ, vcpu.ID)}
		}
	}

	// Clear anything latched on the physical sources before the guest runs.
	for _, b := range h.order {
		if err := h.acker.Ack(b.Binding().Channel); err != nil {
			h.log.Warn("clear physical irq", "channel", uint8(b.Binding().Channel), "error", err)
		}
	}

	if !h.rt.GuestStart(vcpu.ID, vcpu.EntryPC, vcpu.DeviceTreeGPA, vcpu.InitrdGPA) {
		return &BootError{Stage: StageGuestStart, Err: fmt.Errorf("vcpu %d at %#x", vcpu.ID, vcpu.EntryPC)}
	}

	h.booted = true
	h.log.Info("guest started",
		"vcpu", vcpu.ID,
		"pc", fmt.Sprintf("%#x", vcpu.EntryPC),
		"dtb", fmt.Sprintf("%#x", vcpu.DeviceTreeGPA),
		"initrd", fmt.Sprintf("%#x", vcpu.InitrdGPA),
	)
	return nil
}
