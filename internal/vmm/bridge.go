package vmm

import (
	"log/slog"

	"github.com/tinyrange/vmmctl/internal/channel"
	"github.com/tinyrange/vmmctl/internal/hv"
)

// BridgeState is the interrupt state of a bridged channel.
type BridgeState int

const (
	StateIdle BridgeState = iota
	StatePending
	StateInjected
)

func (s BridgeState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePending:
		return "pending"
	case StateInjected:
		return "injected"
	default:
		return "invalid"
	}
}

// Binding ties a physical interrupt channel to a virtual IRQ of a vCPU.
type Binding struct {
	Name    string
	Channel channel.Channel
	IRQ     int
	VIRQ    int
}

// BridgeStats counts what a bridge has seen.
type BridgeStats struct {
	Notifications uint64
	Injected      uint64
	Dropped       uint64
	Acks          uint64
	AckFailures   uint64
}

// Bridge forwards notifications on one physical channel into the guest's
// virtual interrupt controller. Failed injections are dropped; the next
// notification tries again.
type Bridge struct {
	binding Binding
	vcpu    int

	rt    hv.Runtime
	acker channel.Acknowledger
	log   *slog.Logger

	state BridgeState
	stats BridgeStats
}

func newBridge(b Binding, vcpu int, rt hv.Runtime, acker channel.Acknowledger, log *slog.Logger) *Bridge {
	return &Bridge{
		binding: b,
		vcpu:    vcpu,
		rt:      rt,
		acker:   acker,
		log:     log.With("irq", b.Name, "channel", uint8(b.Channel), "virq", b.VIRQ),
	}
}

func (b *Bridge) Binding() Binding { return b.binding }

func (b *Bridge) State() BridgeState { return b.state }

func (b *Bridge) Stats() BridgeStats { return b.stats }

// Notify handles a physical notification: exactly one injection attempt.
func (b *Bridge) Notify() {
	prev := b.state
	b.state = StatePending
	b.stats.Notifications++

	if !b.rt.InjectIRQ(b.vcpu, b.binding.VIRQ) {
		b.state = prev
		b.stats.Dropped++
		b.log.Error("irq dropped", "vcpu", b.vcpu)
		return
	}
	b.stats.Injected++
	b.state = StateInjected
}

// Acknowledge is the callback the interrupt controller runs once the guest
// has acknowledged the virtual IRQ. It unmasks the physical source.
func (b *Bridge) Acknowledge(vcpu int, virq int, data uintptr) {
	b.stats.Acks++
	if err := b.acker.Ack(b.binding.Channel); err != nil {
		b.stats.AckFailures++
		b.log.Warn("acknowledge physical irq", "error", err)
	}
	b.state = StateIdle
}
