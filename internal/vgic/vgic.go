// Package vgic models a GICv2 virtual interrupt controller for an arm64
// guest: interrupt registration, the distributor's enable and pending state,
// and the per-vCPU list registers that present interrupts to the guest.
//
// A Controller is not safe for concurrent use. Acknowledgment callbacks run
// synchronously from Maintenance and from distributor writes.
package vgic

import (
	"errors"
	"fmt"

	"github.com/tinyrange/vmmctl/internal/hv"
)

const (
	NumSGIs          = 16
	NumPPIs          = 16
	NumLocalIRQs     = NumSGIs + NumPPIs
	NumListRegisters = 4
	MaxIRQ           = 1020

	// VTimerPPI is the virtual timer's private peripheral interrupt.
	VTimerPPI = 27

	maxSPISlots = 200
	queueLen    = 64
	irqWords    = (MaxIRQ + 31) / 32
)

var (
	ErrInvalidVCPU         = errors.New("vgic: invalid vcpu")
	ErrInvalidIRQ          = errors.New("vgic: invalid irq")
	ErrAlreadyRegistered   = errors.New("vgic: irq already registered")
	ErrNoSlots             = errors.New("vgic: out of shared interrupt slots")
	ErrNotRegistered       = errors.New("vgic: irq not registered")
	ErrDistributorOff      = errors.New("vgic: distributor disabled")
	ErrIRQDisabled         = errors.New("vgic: irq disabled")
	ErrQueueFull           = errors.New("vgic: overflow queue full")
	ErrEmptyListRegister   = errors.New("vgic: list register empty")
	ErrInvalidListRegister = errors.New("vgic: invalid list register")
)

type handle struct {
	virq int
	ack  hv.AckFunc
	data uintptr
}

func (h *handle) acknowledge(vcpu int) {
	if h.ack != nil {
		h.ack(vcpu, h.virq, h.data)
	}
}

type vcpuState struct {
	local [NumLocalIRQs]*handle
	lrs   [NumListRegisters]*handle
	queue []*handle

	// Banked enable and pending bits for SGIs and PPIs.
	enable0  uint32
	pending0 uint32
}

// LoadFunc is told when an interrupt is placed in a list register.
type LoadFunc func(vcpu int, virq int, lr int)

// Controller is the virtual GIC shared by all vCPUs of a guest.
type Controller struct {
	enabled bool
	spis    map[int]*handle
	enable  [irqWords]uint32
	pending [irqWords]uint32
	vcpus   []vcpuState

	onLoad LoadFunc
}

// New returns a controller for numVCPUs vCPUs in its reset state.
func New(numVCPUs int) *Controller {
	if numVCPUs < 1 {
		numVCPUs = 1
	}
	c := &Controller{
		spis:  make(map[int]*handle),
		vcpus: make([]vcpuState, numVCPUs),
	}
	c.reset()
	return c
}

// OnLoad installs fn to be called whenever a list register is loaded.
func (c *Controller) OnLoad(fn LoadFunc) { c.onLoad = fn }

func (c *Controller) reset() {
	c.enabled = false
	c.enable = [irqWords]uint32{}
	c.pending = [irqWords]uint32{}
	for i := range c.vcpus {
		v := &c.vcpus[i]
		v.lrs = [NumListRegisters]*handle{}
		v.queue = v.queue[:0]
		// SGIs are always enabled.
		v.enable0 = 1<<NumSGIs - 1
		v.pending0 = 0
	}
}

func (c *Controller) vcpu(id int) (*vcpuState, error) {
	if id < 0 || id >= len(c.vcpus) {
		return nil, fmt.Errorf("%w: %d", ErrInvalidVCPU, id)
	}
	return &c.vcpus[id], nil
}

// Register attaches ack to virq on vcpu. SGIs and PPIs are banked per vCPU;
// shared interrupts are global.
func (c *Controller) Register(vcpu, virq int, ack hv.AckFunc, data uintptr) error {
	v, err := c.vcpu(vcpu)
	if err != nil {
		return err
	}
	if virq < 0 || virq >= MaxIRQ {
		return fmt.Errorf("%w: %d", ErrInvalidIRQ, virq)
	}
	h := &handle{virq: virq, ack: ack, data: data}
	if virq < NumLocalIRQs {
		if v.local[virq] != nil {
			return fmt.Errorf("%w: %d on vcpu %d", ErrAlreadyRegistered, virq, vcpu)
		}
		v.local[virq] = h
		return nil
	}
	if _, ok := c.spis[virq]; ok {
		return fmt.Errorf("%w: %d", ErrAlreadyRegistered, virq)
	}
	if len(c.spis) >= maxSPISlots {
		return fmt.Errorf("%w: %d", ErrNoSlots, virq)
	}
	c.spis[virq] = h
	return nil
}

func (c *Controller) lookup(v *vcpuState, virq int) *handle {
	if virq < 0 {
		return nil
	}
	if virq < NumLocalIRQs {
		return v.local[virq]
	}
	return c.spis[virq]
}

// Inject marks virq pending on vcpu and loads it into a free list register,
// or queues it until one is retired. Injecting an interrupt that is already
// pending is a no-op.
func (c *Controller) Inject(vcpu, virq int) error {
	v, err := c.vcpu(vcpu)
	if err != nil {
		return err
	}
	h := c.lookup(v, virq)
	switch {
	case h == nil:
		return fmt.Errorf("%w: %d", ErrNotRegistered, virq)
	case !c.enabled:
		return ErrDistributorOff
	case !c.isEnabled(v, virq):
		return fmt.Errorf("%w: %d", ErrIRQDisabled, virq)
	}
	if c.isPending(v, virq) {
		return nil
	}
	if len(v.queue) >= queueLen-1 {
		return ErrQueueFull
	}
	c.setPending(v, virq, true)
	v.queue = append(v.queue, h)

	if idx := freeListRegister(v); idx >= 0 {
		c.load(vcpu, v, idx)
	}
	return nil
}

func freeListRegister(v *vcpuState) int {
	for i, lr := range v.lrs {
		if lr == nil {
			return i
		}
	}
	return -1
}

func (c *Controller) load(vcpu int, v *vcpuState, idx int) {
	if len(v.queue) == 0 {
		return
	}
	h := v.queue[0]
	v.queue = v.queue[1:]
	v.lrs[idx] = h
	if c.onLoad != nil {
		c.onLoad(vcpu, h.virq, idx)
	}
}

// Maintenance retires list register idx once the guest has completed the
// interrupt in it, runs its acknowledgment callback and refills the register
// from the overflow queue.
func (c *Controller) Maintenance(vcpu, idx int) error {
	v, err := c.vcpu(vcpu)
	if err != nil {
		return err
	}
	if idx < 0 || idx >= NumListRegisters {
		return fmt.Errorf("%w: %d", ErrInvalidListRegister, idx)
	}
	h := v.lrs[idx]
	if h == nil {
		return fmt.Errorf("%w: %d", ErrEmptyListRegister, idx)
	}
	v.lrs[idx] = nil
	c.setPending(v, h.virq, false)
	h.acknowledge(vcpu)
	c.load(vcpu, v, idx)
	return nil
}

// ListRegister returns the interrupt held in list register idx.
func (c *Controller) ListRegister(vcpu, idx int) (int, bool) {
	v, err := c.vcpu(vcpu)
	if err != nil || idx < 0 || idx >= NumListRegisters || v.lrs[idx] == nil {
		return 0, false
	}
	return v.lrs[idx].virq, true
}

// Queued returns the number of pending interrupts waiting for a list
// register.
func (c *Controller) Queued(vcpu int) int {
	v, err := c.vcpu(vcpu)
	if err != nil {
		return 0
	}
	return len(v.queue)
}

// Pending reports whether virq is pending on vcpu.
func (c *Controller) Pending(vcpu, virq int) bool {
	v, err := c.vcpu(vcpu)
	if err != nil {
		return false
	}
	return c.isPending(v, virq)
}

// Enabled reports whether virq is enabled on vcpu.
func (c *Controller) Enabled(vcpu, virq int) bool {
	v, err := c.vcpu(vcpu)
	if err != nil {
		return false
	}
	return c.isEnabled(v, virq)
}

// DistributorEnabled reports the GICD_CTLR enable bit.
func (c *Controller) DistributorEnabled() bool { return c.enabled }

// Enable sets the distributor enable bit and enables virq on vcpu, as a
// guest driver would.
func (c *Controller) Enable(vcpu, virq int) error {
	v, err := c.vcpu(vcpu)
	if err != nil {
		return err
	}
	if virq < 0 || virq >= MaxIRQ {
		return fmt.Errorf("%w: %d", ErrInvalidIRQ, virq)
	}
	c.enabled = true
	c.enableIRQ(vcpu, v, virq)
	return nil
}

func (c *Controller) enableIRQ(vcpu int, v *vcpuState, virq int) {
	c.setEnabled(v, virq, true)
	// An interrupt with nothing pending is acknowledged so its source can
	// signal again.
	if h := c.lookup(v, virq); h != nil && !c.isPending(v, virq) {
		h.acknowledge(vcpu)
	}
}

func (c *Controller) disableIRQ(v *vcpuState, virq int) {
	// Disabling SGIs is not supported; the request is ignored.
	if virq >= NumSGIs {
		c.setEnabled(v, virq, false)
	}
}

func (c *Controller) isEnabled(v *vcpuState, virq int) bool {
	if virq < NumLocalIRQs {
		return v.enable0&(1<<virq) != 0
	}
	return c.enable[virq/32]&(1<<(virq%32)) != 0
}

func (c *Controller) isPending(v *vcpuState, virq int) bool {
	if virq < NumLocalIRQs {
		return v.pending0&(1<<virq) != 0
	}
	return c.pending[virq/32]&(1<<(virq%32)) != 0
}

func (c *Controller) setEnabled(v *vcpuState, virq int, on bool) {
	setBit(&v.enable0, &c.enable, virq, on)
}

func (c *Controller) setPending(v *vcpuState, virq int, on bool) {
	setBit(&v.pending0, &c.pending, virq, on)
}

func setBit(banked *uint32, shared *[irqWords]uint32, virq int, on bool) {
	word, bit := banked, uint32(1)<<(virq%32)
	if virq >= NumLocalIRQs {
		word = &shared[virq/32]
	}
	if on {
		*word |= bit
	} else {
		*word &^= bit
	}
}
