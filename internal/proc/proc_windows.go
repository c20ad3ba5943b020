//go:build windows

package proc

import "os/exec"

func setProcGroup(cmd *exec.Cmd) {}

// Windows has no SIGTERM for console-less children.
func terminate(cmd *exec.Cmd) error { return cmd.Process.Kill() }

func kill(cmd *exec.Cmd) error { return cmd.Process.Kill() }
