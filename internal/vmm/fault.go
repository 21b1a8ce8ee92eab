package vmm

import (
	"log/slog"

	"github.com/tinyrange/vmmctl/internal/hv"
)

// OutcomeKind says what the transport should do with a faulting domain.
type OutcomeKind int

const (
	// NoReply leaves the faulting domain blocked without judging the fault.
	NoReply OutcomeKind = iota
	// Resume replies to the faulting domain so it continues.
	Resume
	// Unhandled means resolution failed; the vCPU stays blocked.
	Unhandled
)

func (k OutcomeKind) String() string {
	switch k {
	case Resume:
		return "resume"
	case Unhandled:
		return "unhandled"
	default:
		return "no-reply"
	}
}

// Outcome is the result of handling one fault.
type Outcome struct {
	Kind  OutcomeKind
	Reply hv.MessageInfo
}

// FaultStats counts faults seen by a Dispatcher.
type FaultStats struct {
	Resolved   uint64
	Unresolved uint64
}

// Dispatcher resolves guest faults through the runtime.
type Dispatcher struct {
	rt    hv.Runtime
	log   *slog.Logger
	stats FaultStats
}

func newDispatcher(rt hv.Runtime, log *slog.Logger) *Dispatcher {
	return &Dispatcher{rt: rt, log: log}
}

// Handle resolves msg raised by vcpu. A resolved fault is answered with an
// empty message, which is all the vCPU needs to resume.
func (d *Dispatcher) Handle(vcpu int, msg hv.FaultMessage) Outcome {
	if !d.rt.HandleFault(vcpu, msg) {
		d.stats.Unresolved++
		d.log.Error("failed to handle fault",
			"vcpu", vcpu,
			"fault", msg.Label.String(),
			"label", uint64(msg.Label),
		)
		return Outcome{Kind: Unhandled}
	}
	d.stats.Resolved++
	return Outcome{Kind: Resume, Reply: hv.MessageInfo{Label: 0, Length: 0}}
}

func (d *Dispatcher) Stats() FaultStats { return d.stats }
