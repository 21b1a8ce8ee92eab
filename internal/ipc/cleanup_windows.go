//go:build windows

package ipc

import (
	"os"
	"time"
)

// removeSocket retries briefly; Windows can hold the file after the socket
// is closed.
func removeSocket(path string) {
	for i := 0; i < 5; i++ {
		err := os.Remove(path)
		if err == nil || os.IsNotExist(err) {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
}
