//go:build !windows

package process

import (
	"errors"
	"syscall"
)

// terminateTree asks the process group led by pid, and any descendants that
// left the group, to exit.
func terminateTree(pid int, tree []int) error {
	return signalTree(pid, tree, syscall.SIGTERM)
}

// killTree force-kills the process group led by pid and the given descendants.
func killTree(pid int, tree []int) error {
	return signalTree(pid, tree, syscall.SIGKILL)
}

func signalTree(pid int, tree []int, sig syscall.Signal) error {
	if pid <= 0 {
		return nil
	}
	err := syscall.Kill(-pid, sig)
	if errors.Is(err, syscall.ESRCH) {
		err = nil
	}
	for _, d := range tree {
		if d > 0 && d != pid {
			_ = syscall.Kill(d, sig)
		}
	}
	return err
}

// processExists reports whether pid refers to a live process.
func processExists(pid int) bool {
	return pid > 0 && syscall.Kill(pid, 0) == nil
}
