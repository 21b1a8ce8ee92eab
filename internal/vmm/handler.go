// Package vmm is the control loop of the VMM: it boots the guest once and
// then reacts to two kinds of event, physical interrupt notifications and
// guest faults.
//
// A Handler is single threaded. The transport must never call OnNotified or
// OnFault concurrently or reentrantly, so the handler keeps no locks.
package vmm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/tinyrange/vmmctl/internal/channel"
	"github.com/tinyrange/vmmctl/internal/hv"
)

// Source delivers events to the handler and carries fault replies back.
type Source interface {
	Next(ctx context.Context) (channel.Event, error)
	Reply(origin int, info hv.MessageInfo) error
}

// Options configures a Handler.
type Options struct {
	Runtime  hv.Runtime
	Acker    channel.Acknowledger
	VCPU     GuestVCpu
	Bindings []Binding
	Logger   *slog.Logger
}

// Handler owns all mutable VMM state.
type Handler struct {
	rt    hv.Runtime
	acker channel.Acknowledger
	log   *slog.Logger

	vcpu     GuestVCpu
	channels channel.Set
	bridges  [channel.MaxChannels]*Bridge
	order    []*Bridge
	faults   *Dispatcher

	bootAttempted bool
	booted        bool
}

// New validates the bindings and builds a Handler. Every physical IRQ and
// every channel may be bound once.
func New(opts Options) (*Handler, error) {
	if opts.Runtime == nil {
		return nil, errors.New("vmm: runtime is nil")
	}
	if opts.Acker == nil {
		return nil, errors.New("vmm: acknowledger is nil")
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	h := &Handler{
		rt:    opts.Runtime,
		acker: opts.Acker,
		log:   log,
		vcpu:  opts.VCPU,
	}

	irqs := make(map[int]string, len(opts.Bindings))
	chs := make([]channel.Channel, 0, len(opts.Bindings))
	for _, b := range opts.Bindings {
		if prev, ok := irqs[b.IRQ]; ok {
			return nil, fmt.Errorf("vmm: irq %d bound by both %q and %q", b.IRQ, prev, b.Name)
		}
		irqs[b.IRQ] = b.Name
		chs = append(chs, b.Channel)
	}
	set, err := channel.NewSet(chs...)
	if err != nil {
		return nil, fmt.Errorf("vmm: %w", err)
	}
	h.channels = set

	for _, b := range opts.Bindings {
		br := newBridge(b, h.vcpu.ID, h.rt, h.acker, log)
		h.bridges[b.Channel] = br
		h.order = append(h.order, br)
	}
	h.faults = newDispatcher(h.rt, log)
	return h, nil
}

// Channels returns the set of channels the handler reacts to.
func (h *Handler) Channels() channel.Set { return h.channels }

// VCPU returns the guest vCPU, including its entry PC once booted.
func (h *Handler) VCPU() GuestVCpu { return h.vcpu }

// Booted reports whether the guest has been started.
func (h *Handler) Booted() bool { return h.booted }

// Bridge returns the bridge bound to ch.
func (h *Handler) Bridge(ch channel.Channel) (*Bridge, bool) {
	if !h.channels.Contains(ch) {
		return nil, false
	}
	return h.bridges[ch], true
}

// Faults returns the fault dispatcher.
func (h *Handler) Faults() *Dispatcher { return h.faults }

// OnNotified routes a notification to the bridge bound to ch. A channel with
// no bridge is a configuration error. Notifications before Boot are refused.
func (h *Handler) OnNotified(ch channel.Channel) error {
	if !h.booted {
		return fmt.Errorf("notification on channel %d: %w", uint8(ch), ErrNotBooted)
	}
	br, ok := h.Bridge(ch)
	if !ok {
		h.log.Error("unexpected channel", "channel", uint8(ch))
		return &ProtocolError{Kind: UnexpectedChannel, Channel: ch, Event: channel.EventNotification}
	}
	br.Notify()
	return nil
}

// OnFault handles a fault raised by origin. Only the booted guest vCPU may
// fault; anything else is a protocol violation.
func (h *Handler) OnFault(origin int, msg hv.FaultMessage) (Outcome, error) {
	if !h.booted {
		return Outcome{Kind: NoReply}, fmt.Errorf("fault from %d: %w", origin, ErrNotBooted)
	}
	if origin != h.vcpu.ID {
		h.log.Error("fault from unexpected origin", "origin", origin, "fault", msg.Label.String())
		return Outcome{Kind: NoReply}, &ProtocolError{Kind: UnexpectedOrigin, Origin: origin, Event: channel.EventFault}
	}
	return h.faults.Handle(origin, msg), nil
}

// Run dispatches events from src until ctx is cancelled, the source fails or
// a fatal protocol violation occurs. The guest must already be booted.
func (h *Handler) Run(ctx context.Context, src Source) error {
	if !h.booted {
		return ErrNotBooted
	}
	defer h.logStats()

	for {
		ev, err := src.Next(ctx)
		if err != nil {
			if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
				return nil
			}
			return fmt.Errorf("vmm: next event: %w", err)
		}

		switch ev.Kind {
		case channel.EventNotification:
			if err := h.OnNotified(ev.Channel); err != nil {
				return err
			}
		case channel.EventFault:
			out, err := h.OnFault(ev.Origin, ev.Fault)
			if err != nil {
				return err
			}
			if out.Kind != Resume {
				continue
			}
			if err := src.Reply(ev.Origin, out.Reply); err != nil {
				return fmt.Errorf("vmm: reply to %d: %w", ev.Origin, err)
			}
		default:
			return &ProtocolError{Kind: UnexpectedEvent, Event: ev.Kind}
		}
	}
}

func (h *Handler) logStats() {
	for _, b := range h.order {
		st := b.Stats()
		h.log.Debug("irq bridge stats",
			"irq", b.Binding().Name,
			"notifications", st.Notifications,
			"injected", st.Injected,
			"dropped", st.Dropped,
			"acks", st.Acks,
		)
	}
	fs := h.faults.Stats()
	h.log.Debug("fault stats", "resolved", fs.Resolved, "unresolved", fs.Unresolved)
}
