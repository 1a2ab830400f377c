//go:build !windows

package refs

import (
	"os"
	"syscall"
)

// processAlive probes liveness with signal 0, which the kernel validates
// without delivering anything (same technique modules/command uses to
// target process groups on Unix).
func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
