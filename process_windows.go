//go:build windows

package pdfapi

import (
	"os/exec"
	"strconv"
)

// killBrowserTree force-kills a crashed browser and its children via
// taskkill's tree mode. A pid of zero or less is ignored.
func killBrowserTree(pid int) {
	if pid <= 0 {
		return
	}
	_ = exec.Command("taskkill", "/F", "/T", "/PID", strconv.Itoa(pid)).Run()
}
