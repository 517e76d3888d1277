// Package reconcile drives the workspace environment from its probed state
// to the ready state through a bounded set of corrective actions, asking for
// user confirmation before destructive or first-time actions.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/charmbracelet/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/robostudio/rsx/internal/config"
	"github.com/robostudio/rsx/internal/events"
	"github.com/robostudio/rsx/internal/interpreter"
	"github.com/robostudio/rsx/internal/probe"
	"github.com/robostudio/rsx/internal/prompt"
	"github.com/robostudio/rsx/internal/supervisor"
	"github.com/robostudio/rsx/internal/workspace"
)

// ErrSetupFailed is returned for unexpected failures during environment
// creation or installation. Details go to the persistent log, not the user.
var ErrSetupFailed = errors.New("environment setup failed, see log")

// RemediationError carries actionable guidance for states the reconciler
// cannot repair itself: a missing or too-old system interpreter, or one
// without the venv module.
type RemediationError struct {
	Reason  string
	DocsURL string
}

func (e *RemediationError) Error() string {
	return e.Reason
}

// Finder locates interpreters.
type Finder interface {
	Find(ctx context.Context, searchRoot string) (interpreter.Command, bool)
}

// Runner runs supervised processes.
type Runner interface {
	Run(ctx context.Context, inv supervisor.Invocation) (string, error)
}

// Reconciler consumes probe reports and repairs the environment.
type Reconciler struct {
	cfg       *config.Config
	finder    Finder
	runner    Runner
	confirm   prompt.Confirmer
	settings  workspace.SettingsWriter
	bus       events.Publisher
	logger    *log.Logger
	tracer    trace.Tracer
	removeAll func(path string) error
	openDocs  func(url string) error
}

// Option customizes Reconciler construction, primarily for tests.
type Option func(*Reconciler)

// WithRemoveAll substitutes venv directory deletion.
func WithRemoveAll(removeAll func(string) error) Option {
	return func(r *Reconciler) {
		if removeAll != nil {
			r.removeAll = removeAll
		}
	}
}

// WithDocsOpener substitutes the remediation docs opener.
func WithDocsOpener(open func(string) error) Option {
	return func(r *Reconciler) {
		if open != nil {
			r.openDocs = open
		}
	}
}

// WithTracer configures the tracer used for reconciliation spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(r *Reconciler) {
		if tracer != nil {
			r.tracer = tracer
		}
	}
}

// New builds a Reconciler.
func New(
	cfg *config.Config,
	finder Finder,
	runner Runner,
	confirm prompt.Confirmer,
	settings workspace.SettingsWriter,
	bus events.Publisher,
	logger *log.Logger,
	options ...Option,
) *Reconciler {
	reconciler := &Reconciler{
		cfg:       cfg,
		finder:    finder,
		runner:    runner,
		confirm:   confirm,
		settings:  settings,
		bus:       bus,
		logger:    logger,
		tracer:    otel.Tracer("rsx/reconcile"),
		removeAll: os.RemoveAll,
		openDocs:  prompt.OpenURL,
	}
	for _, option := range options {
		option(reconciler)
	}
	return reconciler
}

// Ensure brings the environment to readiness. It returns (true, nil) when the
// venv can run toolchain commands, (false, nil) when the user declined a
// prompt, and an error otherwise.
func (r *Reconciler) Ensure(ctx context.Context, root string, report probe.Report) (bool, error) {
	ctx, span := r.tracer.Start(ctx, "reconcile.ensure")
	defer span.End()
	span.SetAttributes(
		attribute.Int("venv_status", int(report.Venv)),
		attribute.Int("system_status", int(report.System)),
	)

	// Advisory only: a restrictive script policy breaks terminal activation,
	// not the supervised runs themselves.
	if !report.PolicyAdequate {
		r.warnPolicy(report.Policy)
	}

	ready, err := r.ensure(ctx, root, report)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return false, err
	}
	span.SetStatus(codes.Ok, fmt.Sprintf("ready=%v", ready))
	return ready, nil
}

func (r *Reconciler) ensure(ctx context.Context, root string, report probe.Report) (bool, error) {
	switch report.Venv {
	case probe.VenvReady:
		return true, nil

	case probe.VenvPackageMissing:
		if err := r.install(ctx, report.VenvPython); err != nil {
			return false, err
		}
		return true, nil

	case probe.VenvTooOld:
		system, err := r.requireSystem(ctx, report)
		if err != nil {
			return false, err
		}
		venvDir := filepath.Join(root, r.cfg.VenvDirName)
		req := prompt.Request{
			Title: "Virtual environment out of date",
			Message: fmt.Sprintf(
				"The virtual environment in %s uses an unsupported Python. Delete and recreate it with Python %s?",
				r.cfg.VenvDirName, system.Version),
			Options:     []string{"Recreate", "Cancel"},
			Destructive: true,
		}
		selected, err := r.confirm.Confirm(ctx, req)
		if err != nil {
			return false, fmt.Errorf("confirm recreation: %w", err)
		}
		if !req.Accepted(selected) {
			r.logger.Info("venv recreation declined")
			return false, nil
		}
		if err := r.removeAll(venvDir); err != nil {
			r.logger.Error("venv teardown failed", "dir", venvDir, "error", err)
			return false, ErrSetupFailed
		}
		if err := r.create(ctx, root, system); err != nil {
			return false, err
		}
		return true, nil

	case probe.VenvAbsent:
		system, err := r.requireSystem(ctx, report)
		if err != nil {
			return false, err
		}
		req := prompt.Request{
			Title: "No virtual environment",
			Message: fmt.Sprintf(
				"This project needs a virtual environment in %s. Create one with Python %s?",
				r.cfg.VenvDirName, system.Version),
			Options: []string{"Create", "Cancel"},
		}
		selected, err := r.confirm.Confirm(ctx, req)
		if err != nil {
			return false, fmt.Errorf("confirm creation: %w", err)
		}
		if !req.Accepted(selected) {
			r.logger.Info("venv creation declined")
			return false, nil
		}
		if err := r.create(ctx, root, system); err != nil {
			return false, err
		}
		return true, nil

	default:
		return false, fmt.Errorf("internal fault: unknown venv status %d", report.Venv)
	}
}

// requireSystem gates repairs on an adequate system interpreter, surfacing
// remediation guidance (with an optional docs action) when there is none.
func (r *Reconciler) requireSystem(ctx context.Context, report probe.Report) (interpreter.Command, error) {
	if report.System == probe.SystemReady {
		return report.SystemPython, nil
	}

	var reason string
	switch report.System {
	case probe.SystemAbsent:
		reason = fmt.Sprintf("No Python %s or newer was found on this system.",
			interpreter.Version{Major: r.cfg.MinPythonMajor, Minor: r.cfg.MinPythonMinor})
	case probe.SystemTooOld:
		reason = fmt.Sprintf("Python %s was found, but %s or newer is required.",
			report.SystemPython.Version,
			interpreter.Version{Major: r.cfg.MinPythonMajor, Minor: r.cfg.MinPythonMinor})
	default:
		reason = fmt.Sprintf("Python %s cannot create virtual environments (missing venv module).",
			report.SystemPython.Version)
	}

	remediation := &RemediationError{Reason: reason, DocsURL: r.cfg.DocsURL}
	r.logger.Error("system interpreter inadequate", "reason", reason)

	req := prompt.Request{
		Title:   "Python setup required",
		Message: reason,
		Options: []string{"Open setup docs", "Dismiss"},
	}
	selected, err := r.confirm.Confirm(ctx, req)
	if err == nil && req.Accepted(selected) {
		if openErr := r.openDocs(r.cfg.DocsURL); openErr != nil {
			r.logger.Warn("failed to open setup docs", "error", openErr)
		}
	}

	return interpreter.Command{}, remediation
}

// create provisions a fresh venv, records its interpreter as the workspace
// default, and installs the toolchain package into it.
func (r *Reconciler) create(ctx context.Context, root string, system interpreter.Command) error {
	venvDir := filepath.Join(root, r.cfg.VenvDirName)

	args := append(append([]string(nil), system.Args...), "-m", "venv", venvDir)
	if _, err := r.runner.Run(ctx, supervisor.Invocation{
		Path:   system.Path,
		Args:   args,
		Dir:    root,
		Label:  "create virtual environment",
		Silent: true,
	}); err != nil {
		r.logger.Error("venv creation failed", "dir", venvDir, "error", err)
		return ErrSetupFailed
	}

	venvPython, found := r.finder.Find(ctx, venvDir)
	if !found {
		r.logger.Error("created venv has no usable interpreter", "dir", venvDir)
		return ErrSetupFailed
	}

	if err := r.settings.SetInterpreter(root, venvPython.Path); err != nil {
		r.logger.Error("failed to persist interpreter setting", "error", err)
		return ErrSetupFailed
	}

	return r.install(ctx, venvPython)
}

// install installs or upgrades the toolchain package into the venv.
func (r *Reconciler) install(ctx context.Context, venvPython interpreter.Command) error {
	args := append(append([]string(nil), venvPython.Args...),
		"-m", "pip", "install", "--upgrade", r.cfg.PackageName)
	if _, err := r.runner.Run(ctx, supervisor.Invocation{
		Path:   venvPython.Path,
		Args:   args,
		Label:  fmt.Sprintf("install %s", r.cfg.PackageName),
		Reveal: true,
	}); err != nil {
		r.logger.Error("package install failed", "package", r.cfg.PackageName, "error", err)
		return ErrSetupFailed
	}
	return nil
}

func (r *Reconciler) warnPolicy(policy string) {
	message := fmt.Sprintf(
		"PowerShell execution policy %q blocks venv activation scripts; terminal activation may fail.", policy)
	r.logger.Warn("script execution policy inadequate", "policy", policy)
	r.bus.Publish(events.Event{
		Type:     events.TypeSystemAlert,
		Source:   "reconcile",
		Payload:  message,
		Severity: events.SeverityWarn,
	})
}
