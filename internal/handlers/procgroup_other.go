//go:build !unix

package handlers

import "os/exec"

func configureProcessGroup(cmd *exec.Cmd) {}
