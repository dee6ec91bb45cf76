//go:build !unix

package jobs

import "os/exec"

func detach(*exec.Cmd) {}

func interrupt(cmd *exec.Cmd) error {
	return cmd.Process.Kill()
}
