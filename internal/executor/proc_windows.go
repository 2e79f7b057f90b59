//go:build windows

package executor

import "os/exec"

func configureProcess(cmd *exec.Cmd) {
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return cmd.Process.Kill()
	}
}

func exitStatus(err *exec.ExitError) int {
	return err.ExitCode()
}
