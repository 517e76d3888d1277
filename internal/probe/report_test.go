package probe

import (
	"testing"

	"github.com/robostudio/rsx/internal/interpreter"
)

var py = interpreter.Command{Path: "/usr/bin/python3", Version: interpreter.Version{Major: 3, Minor: 12}}

func TestReportAccessorImplications(t *testing.T) {
	t.Parallel()

	systemStatuses := []SystemStatus{SystemAbsent, SystemTooOld, SystemNoVenvModule, SystemReady}
	venvStatuses := []VenvStatus{VenvAbsent, VenvTooOld, VenvPackageMissing, VenvReady}

	for _, system := range systemStatuses {
		for _, venv := range venvStatuses {
			report := Report{System: system, Venv: venv}

			if report.IsSystemPythonNewEnough() && !report.HasSystemPython() {
				t.Fatalf("system=%d: version adequacy must imply presence", system)
			}
			if report.HasSystemPythonVenvModule() && !report.IsSystemPythonNewEnough() {
				t.Fatalf("system=%d: venv module must imply version adequacy", system)
			}
			if report.IsVenvPythonNewEnough() && !report.HasVenvFolder() {
				t.Fatalf("venv=%d: venv version adequacy must imply folder presence", venv)
			}
			if report.IsVenvReady() && (!report.HasVenvFolder() || !report.IsVenvPythonNewEnough()) {
				t.Fatalf("venv=%d: readiness must imply folder and version adequacy", venv)
			}
		}
	}
}

func TestReportValidateAcceptsConsistentReports(t *testing.T) {
	t.Parallel()

	reports := []Report{
		{},
		{System: SystemReady, SystemPython: py, Venv: VenvReady, VenvPython: py},
		{System: SystemTooOld, SystemPython: py},
		// Venv folder exists but holds no interpreter at all.
		{Venv: VenvTooOld},
	}
	for i, report := range reports {
		if err := report.Validate(); err != nil {
			t.Fatalf("report %d: unexpected validation error: %v", i, err)
		}
	}
}

func TestReportValidateRejectsInconsistentReports(t *testing.T) {
	t.Parallel()

	reports := []Report{
		{System: SystemReady},
		{System: SystemTooOld},
		{Venv: VenvReady},
		{System: SystemAbsent, SystemPython: py},
		{Venv: VenvAbsent, VenvPython: py},
	}
	for i, report := range reports {
		if err := report.Validate(); err == nil {
			t.Fatalf("report %d: expected validation error", i)
		}
	}
}
