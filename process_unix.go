//go:build !windows

package pdfapi

import "syscall"

// killBrowserTree force-kills a crashed browser and every child it
// spawned by signaling the whole process group. A pid of zero or less
// is ignored: kill(-0) would take down our own group.
func killBrowserTree(pid int) {
	if pid <= 0 {
		return
	}
	_ = syscall.Kill(-pid, syscall.SIGKILL)
}
