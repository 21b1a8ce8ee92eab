//go:build !windows

package ipc

import "os"

func removeSocket(path string) {
	os.Remove(path)
}
