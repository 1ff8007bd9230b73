//go:build unix

package browser

import (
	"os/exec"
	"syscall"
)

// detach starts the command in its own session so it outlives this process.
func detach(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
}
