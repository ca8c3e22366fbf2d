//go:build unix

package compile

import (
	"os/exec"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// waitDelay bounds how long Wait keeps reading output after the group has
// been killed.
const waitDelay = 5 * time.Second

// killProcessGroup starts cmd in its own process group and makes context
// cancellation SIGKILL the whole group, so compiler children that inherited
// our pipes die with it.
func killProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return unix.Kill(-cmd.Process.Pid, unix.SIGKILL)
	}
	cmd.WaitDelay = waitDelay
}
