//go:build darwin || linux

package native

import (
	"fmt"
	"unsafe"

	"github.com/ebitengine/purego"
)

const (
	// seL4_MsgMaxLength.
	ipcBufferMessageRegisters = 120
	// The message registers follow the one-word tag of seL4_IPCBuffer.
	ipcBufferMsgOffset = 8
)

// mrWriter stores v in message register i of the protection domain's IPC
// buffer.
type mrWriter func(i int, v uint64)

// bindMessageRegisters finds a way to write message registers. Microkit
// declares microkit_mr_set static inline, so most builds of libvmm do not
// export it; the IPC buffer pointer it writes through is used instead.
func bindMessageRegisters(lookup func(name string) (uintptr, error)) (mrWriter, error) {
	if addr, err := lookup("microkit_mr_set"); err == nil {
		var set func(i uint64, v uint64)
		purego.RegisterFunc(&set, addr)
		return func(i int, v uint64) { set(uint64(i), v) }, nil
	}
	addr, err := lookup("__sel4_ipc_buffer")
	if err != nil {
		return nil, fmt.Errorf("exports neither microkit_mr_set nor __sel4_ipc_buffer: %w", err)
	}
	return ipcBufferWriter(addr), nil
}

// ipcBufferWriter writes through the seL4_IPCBuffer pointer stored at sym.
func ipcBufferWriter(sym uintptr) mrWriter {
	return func(i int, v uint64) {
		buf := *(*uintptr)(unsafe.Pointer(sym))
		msg := (*[ipcBufferMessageRegisters]uint64)(unsafe.Pointer(buf + ipcBufferMsgOffset))
		msg[i] = v
	}
}
