//go:build !linux

package shell

import (
	"fmt"
	"os/exec"
)

func startCommandWithPTY(_ *exec.Cmd, _ string) (func(), error) {
	return nil, fmt.Errorf("PTY relay is only supported on Linux")
}
