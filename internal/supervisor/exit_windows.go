//go:build windows

package supervisor

import "os/exec"

// Windows reports forced termination through the exit code, not a signal.
func signalDescription(exitErr *exec.ExitError) string {
	_ = exitErr
	return ""
}
