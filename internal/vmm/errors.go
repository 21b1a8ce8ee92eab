package vmm

import (
	"errors"
	"fmt"

	"github.com/tinyrange/vmmctl/internal/channel"
)

var (
	ErrBoot          = errors.New("guest boot failed")
	ErrAlreadyBooted = errors.New("guest already booted")
	ErrNotBooted     = errors.New("guest not booted")
	ErrProtocol      = errors.New("protocol violation")
)

// BootStage names the step of the boot sequence that failed.
type BootStage string

const (
	StageValidate       BootStage = "validate layout"
	StageSetupImages    BootStage = "setup images"
	StageControllerInit BootStage = "controller init"
	StageRegisterIRQ    BootStage = "register irq"
	StageGuestStart     BootStage = "guest start"
)

// BootError reports a failed collaborator call during boot. The guest has
// not been started when it is returned.
type BootError struct {
	Stage BootStage
	Err   error
}

func (e *BootError) Error() string {
	return fmt.Sprintf("boot: %s: %v", e.Stage, e.Err)
}

func (e *BootError) Unwrap() error { return e.Err }

func (e *BootError) Is(target error) bool { return target == ErrBoot }

// ViolationKind classifies a ProtocolError.
type ViolationKind int

const (
	UnexpectedChannel ViolationKind = iota + 1
	UnexpectedOrigin
	UnexpectedEvent
)

func (k ViolationKind) String() string {
	switch k {
	case UnexpectedChannel:
		return "unexpected channel"
	case UnexpectedOrigin:
		return "unexpected fault origin"
	case UnexpectedEvent:
		return "unexpected event"
	default:
		return "unknown violation"
	}
}

// ProtocolError is a configuration or programming defect observed at run
// time: a notification on a channel nothing is bound to, or a fault from a
// domain this VMM does not manage. It is fatal.
type ProtocolError struct {
	Kind    ViolationKind
	Channel channel.Channel
	Origin  int
	Event   channel.EventKind
}

func (e *ProtocolError) Error() string {
	switch e.Kind {
	case UnexpectedChannel:
		return fmt.Sprintf("%s: %d", e.Kind, uint8(e.Channel))
	case UnexpectedOrigin:
		return fmt.Sprintf("%s: %d", e.Kind, e.Origin)
	default:
		return fmt.Sprintf("%s: %s", e.Kind, e.Event)
	}
}

func (e *ProtocolError) Is(target error) bool { return target == ErrProtocol }
