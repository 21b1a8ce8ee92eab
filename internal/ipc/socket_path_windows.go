//go:build windows

package ipc

import (
	"fmt"
	"os"
	"path/filepath"
)

func socketPath() string {
	// Long temp directories overflow the 108-byte sun_path.
	dir := filepath.Join(os.TempDir(), "vmmctl")
	os.MkdirAll(dir, 0o700)
	return filepath.Join(dir, fmt.Sprintf("v-%d-%d.sock", os.Getpid(), socketCounter.Add(1)))
}
