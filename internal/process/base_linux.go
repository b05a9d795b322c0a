package process

import (
	"os/exec"
	"syscall"
)

// configureSysProcAttr arranges for the child to receive SIGKILL when the
// parent thread dies. Tests that crash or are killed with SIGKILL would
// otherwise leak backend processes.
func configureSysProcAttr(cmd *exec.Cmd) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Pdeathsig = syscall.SIGKILL
}
