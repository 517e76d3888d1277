package probe

import (
	"fmt"

	"github.com/robostudio/rsx/internal/interpreter"
)

// SystemStatus is the tagged status of the system interpreter. The ordering
// encodes the probe's cross-field invariants: each status implies everything
// the lower statuses established.
type SystemStatus int

const (
	// SystemAbsent means no system interpreter was found.
	SystemAbsent SystemStatus = iota
	// SystemTooOld means an interpreter was found below the minimum version.
	SystemTooOld
	// SystemNoVenvModule means the interpreter is adequate but cannot create
	// virtual environments.
	SystemNoVenvModule
	// SystemReady means the interpreter is adequate and has the venv module.
	SystemReady
)

// VenvStatus is the tagged status of the workspace virtual environment.
type VenvStatus int

const (
	// VenvAbsent means the venv directory does not exist.
	VenvAbsent VenvStatus = iota
	// VenvTooOld means the venv directory exists but its interpreter is
	// missing or below the minimum version.
	VenvTooOld
	// VenvPackageMissing means the venv interpreter is adequate but the
	// toolchain package is not importable.
	VenvPackageMissing
	// VenvReady means the venv can run toolchain commands.
	VenvReady
)

// Report captures one probe of workspace environment readiness. It is a value
// object rebuilt from scratch on every probe, never partially mutated.
type Report struct {
	HasDescriptor bool

	System       SystemStatus
	SystemPython interpreter.Command

	Venv       VenvStatus
	VenvPython interpreter.Command

	// PolicyAdequate reports the platform script-execution policy check.
	// Policy carries the queried value for diagnostics.
	PolicyAdequate bool
	Policy         string
}

// HasSystemPython reports whether any system interpreter was found.
func (r Report) HasSystemPython() bool {
	return r.System > SystemAbsent
}

// IsSystemPythonNewEnough reports whether the system interpreter meets the
// minimum version.
func (r Report) IsSystemPythonNewEnough() bool {
	return r.System > SystemTooOld
}

// HasSystemPythonVenvModule reports whether the system interpreter can create
// virtual environments.
func (r Report) HasSystemPythonVenvModule() bool {
	return r.System > SystemNoVenvModule
}

// HasVenvFolder reports whether the venv directory exists.
func (r Report) HasVenvFolder() bool {
	return r.Venv > VenvAbsent
}

// IsVenvPythonNewEnough reports whether the venv interpreter meets the
// minimum version.
func (r Report) IsVenvPythonNewEnough() bool {
	return r.Venv > VenvTooOld
}

// IsVenvReady reports whether the venv can run toolchain commands.
func (r Report) IsVenvReady() bool {
	return r.Venv == VenvReady
}

// Validate asserts the report's internal consistency. The tagged statuses
// make the cross-field implications structural; what remains checkable is the
// pairing between statuses and discovered commands. A violation signals a
// probing bug, never a user-facing condition.
func (r Report) Validate() error {
	if r.HasSystemPython() && r.SystemPython.IsZero() {
		return fmt.Errorf("internal fault: system status %d without a discovered interpreter", r.System)
	}
	if r.IsVenvPythonNewEnough() && r.VenvPython.IsZero() {
		return fmt.Errorf("internal fault: venv status %d without a discovered interpreter", r.Venv)
	}
	if r.System == SystemAbsent && !r.SystemPython.IsZero() {
		return fmt.Errorf("internal fault: absent system status carries interpreter %q", r.SystemPython.Path)
	}
	if r.Venv == VenvAbsent && !r.VenvPython.IsZero() {
		return fmt.Errorf("internal fault: absent venv status carries interpreter %q", r.VenvPython.Path)
	}
	return nil
}
