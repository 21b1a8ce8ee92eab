//go:build darwin || linux

package native

import (
	"errors"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"unsafe"
)

func TestOpenMissingLibrary(t *testing.T) {
	path := filepath.Join(t.TempDir(), "libvmm.so")
	if _, err := Open(path, nil); err == nil {
		t.Fatalf("Open(%s) succeeded", path)
	}
}

func TestMessageRegistersThroughIPCBuffer(t *testing.T) {
	var ipcbuf [1 + ipcBufferMessageRegisters]uint64
	bufPtr := uintptr(unsafe.Pointer(&ipcbuf))
	var looked []string
	set, err := bindMessageRegisters(func(name string) (uintptr, error) {
		looked = append(looked, name)
		if name == "__sel4_ipc_buffer" {
			return uintptr(unsafe.Pointer(&bufPtr)), nil
		}
		return 0, errors.New("undefined symbol")
	})
	if err != nil {
		t.Fatalf("bindMessageRegisters: %v", err)
	}
	if len(looked) != 2 || looked[0] != "microkit_mr_set" {
		t.Fatalf("looked up %v, want microkit_mr_set first", looked)
	}

	set(0, 0x40080000)
	set(3, 0x93c08006)
	runtime.KeepAlive(bufPtr)
	if ipcbuf[0] != 0 {
		t.Fatalf("tag word overwritten: %#x", ipcbuf[0])
	}
	if ipcbuf[1] != 0x40080000 || ipcbuf[4] != 0x93c08006 {
		t.Fatalf("msg = %#x, want mr0 and mr3 set", ipcbuf[1:5])
	}
}

func TestMessageRegistersUnavailable(t *testing.T) {
	_, err := bindMessageRegisters(func(name string) (uintptr, error) {
		return 0, errors.New("undefined symbol")
	})
	if err == nil || !strings.Contains(err.Error(), "__sel4_ipc_buffer") {
		t.Fatalf("bindMessageRegisters = %v, want error naming the missing symbols", err)
	}
}
