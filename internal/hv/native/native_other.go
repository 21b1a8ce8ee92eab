//go:build !(darwin || linux)

// Package native drives libvmm, loaded as a shared library. It is only
// available on platforms purego can load libraries on.
package native

import (
	"log/slog"

	"github.com/tinyrange/vmmctl/internal/hv"
)

type Runtime struct{}

var _ hv.Runtime = (*Runtime)(nil)

func Open(path string, log *slog.Logger) (*Runtime, error) { return nil, hv.ErrRuntimeUnsupported }

func (r *Runtime) Close() error { return hv.ErrRuntimeUnsupported }

func (r *Runtime) SetupImages(ramBase uint64, kernel, dtb []byte, dtbDest uint64, initrd []byte, initrdDest uint64) uint64 {
	return 0
}

func (r *Runtime) ControllerInit(bootVCPU int) bool                                  { return false }
func (r *Runtime) RegisterIRQ(vcpu int, virq int, ack hv.AckFunc, data uintptr) bool { return false }
func (r *Runtime) InjectIRQ(vcpu int, virq int) bool                                 { return false }
func (r *Runtime) GuestStart(bootVCPU int, pc, dtb, initrd uint64) bool              { return false }
func (r *Runtime) HandleFault(vcpu int, msg hv.FaultMessage) bool                    { return false }
