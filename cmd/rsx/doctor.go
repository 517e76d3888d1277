package main

import (
	"fmt"
	"strings"

	"github.com/robostudio/rsx/internal/config"
	"github.com/robostudio/rsx/internal/interpreter"
	"github.com/robostudio/rsx/internal/probe"
)

const (
	doctorPass = "ok"
	doctorFail = "!!"
)

// renderDoctorReport formats one probe into a human-readable checklist.
func renderDoctorReport(cfg *config.Config, report probe.Report, probeFailed bool) string {
	minVersion := interpreter.Version{Major: cfg.MinPythonMajor, Minor: cfg.MinPythonMinor}
	var b strings.Builder

	writeCheck(&b, report.HasDescriptor,
		fmt.Sprintf("project descriptor with %s marker", cfg.Marker()),
		"no project descriptor: this directory is not a managed project")

	switch {
	case !report.HasSystemPython():
		writeCheck(&b, false, "",
			fmt.Sprintf("no system Python found (need %s or newer)", minVersion))
	case !report.IsSystemPythonNewEnough():
		writeCheck(&b, false, "",
			fmt.Sprintf("system Python %s at %s is older than %s",
				report.SystemPython.Version, report.SystemPython.Path, minVersion))
	case !report.HasSystemPythonVenvModule():
		writeCheck(&b, false, "",
			fmt.Sprintf("system Python %s cannot create virtual environments (missing venv module)",
				report.SystemPython.Version))
	default:
		writeCheck(&b, true,
			fmt.Sprintf("system Python %s at %s", report.SystemPython.Version, report.SystemPython.Path), "")
	}

	switch {
	case !report.HasVenvFolder():
		writeCheck(&b, false, "", fmt.Sprintf("no virtual environment in %s", cfg.VenvDirName))
	case !report.IsVenvPythonNewEnough():
		writeCheck(&b, false, "",
			fmt.Sprintf("virtual environment in %s has a missing or outdated interpreter", cfg.VenvDirName))
	case !report.IsVenvReady():
		writeCheck(&b, false, "",
			fmt.Sprintf("virtual environment lacks the %s package", cfg.PackageName))
	default:
		writeCheck(&b, true,
			fmt.Sprintf("virtual environment ready (Python %s, %s importable)",
				report.VenvPython.Version, cfg.PackageName), "")
	}

	if report.PolicyAdequate {
		writeCheck(&b, true, "script execution policy permits activation", "")
	} else {
		writeCheck(&b, false, "",
			fmt.Sprintf("script execution policy %q blocks venv activation scripts", report.Policy))
	}

	if probeFailed {
		writeCheck(&b, false, "", "probing hit an unexpected error, see log")
	}
	return b.String()
}

func writeCheck(b *strings.Builder, pass bool, passText, failText string) {
	if pass {
		fmt.Fprintf(b, "[%s] %s\n", doctorPass, passText)
		return
	}
	fmt.Fprintf(b, "[%s] %s\n", doctorFail, failText)
}
