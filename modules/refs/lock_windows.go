//go:build windows

package refs

import "os"

// processAlive on Windows uses os.FindProcess, which there opens the
// process and so fails when no process has that PID (on Unix it always
// succeeds). A reused PID still reads as alive, so this is a best-effort
// signal; the TTL path in ReclaimStaleLocks is the primary defense there.
func processAlive(pid int) bool {
	_, err := os.FindProcess(pid)
	return err == nil
}
