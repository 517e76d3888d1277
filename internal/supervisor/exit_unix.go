//go:build unix

package supervisor

import (
	"fmt"
	"os/exec"
	"syscall"
)

func signalDescription(exitErr *exec.ExitError) string {
	status, ok := exitErr.Sys().(syscall.WaitStatus)
	if !ok || !status.Signaled() {
		return ""
	}
	return fmt.Sprintf("%d (%s)", int(status.Signal()), status.Signal().String())
}
