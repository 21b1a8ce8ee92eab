package vgic

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/tinyrange/vmmctl/internal/chipset"
)

const (
	testVCPU = 0
	uartIRQ  = 33
	distBase = 0x8000000
)

type ackRecorder struct {
	acks []int
	data []uintptr
}

func (r *ackRecorder) fn(vcpu int, virq int, data uintptr) {
	r.acks = append(r.acks, virq)
	r.data = append(r.data, data)
}

func enabledController(t *testing.T, rec *ackRecorder, irqs ...int) *Controller {
	t.Helper()
	c := New(1)
	for _, irq := range irqs {
		if err := c.Register(testVCPU, irq, rec.fn, uintptr(irq)); err != nil {
			t.Fatalf("Register(%d): %v", irq, err)
		}
		if err := c.Enable(testVCPU, irq); err != nil {
			t.Fatalf("Enable(%d): %v", irq, err)
		}
	}
	rec.acks, rec.data = nil, nil
	return c
}

func TestInjectRequiresRegistrationAndEnable(t *testing.T) {
	rec := &ackRecorder{}
	c := New(1)

	if err := c.Inject(testVCPU, uartIRQ); !errors.Is(err, ErrNotRegistered) {
		t.Fatalf("Inject unregistered = %v", err)
	}
	if err := c.Register(testVCPU, uartIRQ, rec.fn, 1); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := c.Inject(testVCPU, uartIRQ); !errors.Is(err, ErrDistributorOff) {
		t.Fatalf("Inject with distributor off = %v", err)
	}
	if err := c.WriteRegister(testVCPU, GICDCtlr, 1); err != nil {
		t.Fatalf("enable distributor: %v", err)
	}
	if err := c.Inject(testVCPU, uartIRQ); !errors.Is(err, ErrIRQDisabled) {
		t.Fatalf("Inject disabled irq = %v", err)
	}
	if err := c.Enable(testVCPU, uartIRQ); err != nil {
		t.Fatalf("Enable: %v", err)
	}
	if err := c.Inject(testVCPU, uartIRQ); err != nil {
		t.Fatalf("Inject: %v", err)
	}
	if virq, ok := c.ListRegister(testVCPU, 0); !ok || virq != uartIRQ {
		t.Fatalf("LR0 = %d, %v", virq, ok)
	}
}

func TestRegisterRejectsDuplicates(t *testing.T) {
	c := New(1)
	if err := c.Register(testVCPU, VTimerPPI, nil, 0); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := c.Register(testVCPU, VTimerPPI, nil, 0); !errors.Is(err, ErrAlreadyRegistered) {
		t.Fatalf("duplicate PPI = %v", err)
	}
	if err := c.Register(testVCPU, uartIRQ, nil, 0); err != nil {
		t.Fatalf("Register SPI: %v", err)
	}
	if err := c.Register(testVCPU, uartIRQ, nil, 0); !errors.Is(err, ErrAlreadyRegistered) {
		t.Fatalf("duplicate SPI = %v", err)
	}
	if err := c.Register(3, 40, nil, 0); !errors.Is(err, ErrInvalidVCPU) {
		t.Fatalf("bad vcpu = %v", err)
	}
	if err := c.Register(testVCPU, MaxIRQ, nil, 0); !errors.Is(err, ErrInvalidIRQ) {
		t.Fatalf("bad irq = %v", err)
	}
}

func TestMaintenanceAcknowledgesAndRetires(t *testing.T) {
	rec := &ackRecorder{}
	c := enabledController(t, rec, uartIRQ)

	var loads []int
	c.OnLoad(func(vcpu, virq, lr int) { loads = append(loads, lr) })
	if err := c.Inject(testVCPU, uartIRQ); err != nil {
		t.Fatalf("Inject: %v", err)
	}
	if !c.Pending(testVCPU, uartIRQ) {
		t.Fatalf("irq not pending after inject")
	}
	if err := c.Maintenance(testVCPU, 0); err != nil {
		t.Fatalf("Maintenance: %v", err)
	}
	if len(rec.acks) != 1 || rec.acks[0] != uartIRQ || rec.data[0] != uartIRQ {
		t.Fatalf("acks = %v data = %v", rec.acks, rec.data)
	}
	if c.Pending(testVCPU, uartIRQ) {
		t.Fatalf("irq still pending after maintenance")
	}
	if _, ok := c.ListRegister(testVCPU, 0); ok {
		t.Fatalf("LR0 still loaded")
	}
	if err := c.Maintenance(testVCPU, 0); !errors.Is(err, ErrEmptyListRegister) {
		t.Fatalf("second maintenance = %v", err)
	}
	if len(loads) != 1 || loads[0] != 0 {
		t.Fatalf("loads = %v", loads)
	}
}

func TestInjectCoalescesWhilePending(t *testing.T) {
	rec := &ackRecorder{}
	c := enabledController(t, rec, uartIRQ)
	for i := 0; i < 3; i++ {
		if err := c.Inject(testVCPU, uartIRQ); err != nil {
			t.Fatalf("Inject #%d: %v", i, err)
		}
	}
	if c.Queued(testVCPU) != 0 {
		t.Fatalf("queued = %d", c.Queued(testVCPU))
	}
	if _, ok := c.ListRegister(testVCPU, 1); ok {
		t.Fatalf("pending irq loaded twice")
	}
}

func TestOverflowQueueRefillsListRegisters(t *testing.T) {
	rec := &ackRecorder{}
	irqs := []int{32, 33, 34, 35, 36, 37}
	c := enabledController(t, rec, irqs...)
	for _, irq := range irqs {
		if err := c.Inject(testVCPU, irq); err != nil {
			t.Fatalf("Inject(%d): %v", irq, err)
		}
	}
	if got := c.Queued(testVCPU); got != 2 {
		t.Fatalf("queued = %d, want 2", got)
	}
	if err := c.Maintenance(testVCPU, 2); err != nil {
		t.Fatalf("Maintenance: %v", err)
	}
	if virq, ok := c.ListRegister(testVCPU, 2); !ok || virq != 36 {
		t.Fatalf("LR2 = %d, %v; want 36 from queue", virq, ok)
	}
	if got := c.Queued(testVCPU); got != 1 {
		t.Fatalf("queued = %d, want 1", got)
	}
}

func TestEnableAcknowledgesIdleIRQ(t *testing.T) {
	rec := &ackRecorder{}
	c := New(1)
	if err := c.Register(testVCPU, uartIRQ, rec.fn, 7); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := c.WriteRegister(testVCPU, GICDIsenabler+4, 1<<(uartIRQ-32)); err != nil {
		t.Fatalf("ISENABLER1 write: %v", err)
	}
	if len(rec.acks) != 1 || rec.data[0] != 7 {
		t.Fatalf("enable did not acknowledge idle irq: %v", rec.acks)
	}
	if !c.Enabled(testVCPU, uartIRQ) {
		t.Fatalf("irq not enabled")
	}
}

func TestSGIsCannotBeDisabled(t *testing.T) {
	c := New(1)
	if !c.Enabled(testVCPU, 1) {
		t.Fatalf("SGI 1 not enabled at reset")
	}
	if err := c.WriteRegister(testVCPU, GICDIcenabler, 0xffffffff); err != nil {
		t.Fatalf("ICENABLER0: %v", err)
	}
	if !c.Enabled(testVCPU, 1) {
		t.Fatalf("SGI disabled")
	}
	if c.Enabled(testVCPU, VTimerPPI) {
		t.Fatalf("PPI enabled")
	}
}

func TestDistributorRegisters(t *testing.T) {
	rec := &ackRecorder{}
	c := enabledController(t, rec, uartIRQ)

	tests := []struct {
		offset uint64
		want   uint32
	}{
		{GICDCtlr, 1},
		{GICDTyper, gicdTyperValue},
		{GICDIidr, gicdIidrValue},
		{GICDIsenabler, 0x0000ffff},
		{GICDIsenabler + 4, 1 << (uartIRQ - 32)},
		{GICDIcenabler + 4, 1 << (uartIRQ - 32)},
		{GICDIspendr + 4, 0},
		{0xc00, 0},
	}
	for _, tt := range tests {
		got, err := c.ReadRegister(testVCPU, tt.offset)
		if err != nil {
			t.Fatalf("ReadRegister(%#x): %v", tt.offset, err)
		}
		if got != tt.want {
			t.Errorf("ReadRegister(%#x) = %#x, want %#x", tt.offset, got, tt.want)
		}
	}

	if err := c.WriteRegister(testVCPU, GICDIspendr+4, 1<<(uartIRQ-32)); err != nil {
		t.Fatalf("ISPENDR1: %v", err)
	}
	if !c.Pending(testVCPU, uartIRQ) {
		t.Fatalf("ISPENDR write did not pend irq")
	}
	if err := c.WriteRegister(testVCPU, GICDCtlr, 3); err == nil {
		t.Fatalf("unknown CTLR encoding accepted")
	}
	if _, err := c.ReadRegister(testVCPU, 0x102); err == nil {
		t.Fatalf("unaligned offset accepted")
	}
}

func TestDistributorMMIO(t *testing.T) {
	rec := &ackRecorder{}
	c := New(1)
	if err := c.Register(testVCPU, uartIRQ, rec.fn, 0); err != nil {
		t.Fatalf("Register: %v", err)
	}
	dist := NewDistributor(c, distBase)

	b := chipset.NewBuilder()
	if err := b.RegisterDevice("gicd", dist); err != nil {
		t.Fatalf("RegisterDevice: %v", err)
	}
	cs := b.Build()

	if err := cs.HandleMMIO(testVCPU, distBase+GICDCtlr, []byte{1, 0, 0, 0}, true); err != nil {
		t.Fatalf("CTLR write: %v", err)
	}
	// Byte write to the lane holding IRQ 33.
	if err := cs.HandleMMIO(testVCPU, distBase+GICDIsenabler+4, []byte{1 << (uartIRQ - 32)}, true); err != nil {
		t.Fatalf("ISENABLER byte write: %v", err)
	}
	if !c.DistributorEnabled() || !c.Enabled(testVCPU, uartIRQ) {
		t.Fatalf("MMIO writes did not reach controller")
	}

	buf := make([]byte, 4)
	if err := cs.HandleMMIO(testVCPU, distBase+GICDTyper, buf, false); err != nil {
		t.Fatalf("TYPER read: %v", err)
	}
	if got := binary.LittleEndian.Uint32(buf); got != gicdTyperValue {
		t.Fatalf("TYPER = %#x", got)
	}
	half := make([]byte, 2)
	if err := cs.HandleMMIO(testVCPU, distBase+GICDTyper+2, half, false); err != nil {
		t.Fatalf("TYPER upper half read: %v", err)
	}
	if got := binary.LittleEndian.Uint16(half); got != gicdTyperValue>>16 {
		t.Fatalf("TYPER[31:16] = %#x", got)
	}
	if err := dist.ReadMMIO(testVCPU, distBase+1, make([]byte, 2)); err == nil {
		t.Fatalf("unaligned access accepted")
	}

	if err := dist.Reset(); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if c.DistributorEnabled() {
		t.Fatalf("distributor enabled after reset")
	}
	if err := c.Register(testVCPU, uartIRQ, nil, 0); !errors.Is(err, ErrAlreadyRegistered) {
		t.Fatalf("registration lost across reset: %v", err)
	}
}
