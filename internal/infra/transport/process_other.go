//go:build !linux

package transport

import "os/exec"

func setupProcessHandling(cmd *exec.Cmd) processCleanup {
	return func() {
		if cmd.Process != nil {
			_ = cmd.Process.Kill()
		}
	}
}
