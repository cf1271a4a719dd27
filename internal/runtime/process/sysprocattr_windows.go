//go:build windows

package process

import "os/exec"

func configureCmdSysProcAttr(_ *exec.Cmd, _ bool) {}
