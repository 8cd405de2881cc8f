//go:build !windows

// Package procgroup runs helper processes (ffmpeg, adb) in their own process
// group so a terminal interrupt reaches only this program, which then stops
// them in order.
package procgroup

import (
	"os/exec"
	"syscall"
)

// Set puts cmd in a new process group. Call before Start.
func Set(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
	}
}

// Terminate asks the whole group of a started cmd to exit.
func Terminate(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	if err := syscall.Kill(-cmd.Process.Pid, syscall.SIGTERM); err != nil {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	return nil
}
