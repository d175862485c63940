package process

import "os/exec"

func shellCmd(script string) *exec.Cmd {
	return exec.Command("/bin/sh", "-c", script)
}
