package ipc

import (
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
)

var socketCounter atomic.Uint64

// SocketPath returns a fresh socket path for a VMM instance.
func SocketPath() string {
	return socketPath()
}

func defaultSocketPath() string {
	return filepath.Join(os.TempDir(), fmt.Sprintf("vmmctl-%d-%d.sock",
		os.Getpid(), socketCounter.Add(1)))
}
