// Package dispatch sequences the top-level entry points: the workspace-open
// autorun and explicit toolchain command invocations. It owns the startup
// barrier that serializes open-time initialization against user-triggered
// commands.
package dispatch

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

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
)

// Step is one element of a dispatched command sequence.
type Step struct {
	// Label names the step in prompts and logs.
	Label string
	// ModuleArgs are forwarded verbatim to the toolchain package module.
	ModuleArgs []string
	// PipUpgrade refreshes the toolchain package pin instead of invoking it.
	PipUpgrade bool
}

// Prober produces fresh environment reports.
type Prober interface {
	Probe(ctx context.Context, root string) (probe.Report, bool)
}

// Ensurer reconciles the environment to readiness.
type Ensurer interface {
	Ensure(ctx context.Context, root string, report probe.Report) (bool, error)
}

// Runner is the supervisor slice the dispatcher needs.
type Runner interface {
	Run(ctx context.Context, inv supervisor.Invocation) (string, error)
	Running() (string, bool)
	Kill() error
}

// Finder locates interpreters.
type Finder interface {
	Find(ctx context.Context, searchRoot string) (interpreter.Command, bool)
}

// Locker claims the cross-process workspace command slot for the duration of
// a sequence. A nil locker disables cross-process serialization.
type Locker interface {
	Acquire(ctx context.Context, root, command string) (func() error, error)
}

// DocumentSaver saves the active editor document before commands run. Hosts
// without an editor surface supply NopSaver.
type DocumentSaver interface {
	SaveActive(ctx context.Context) error
}

// NopSaver is a DocumentSaver for hosts with nothing to save.
type NopSaver struct{}

// SaveActive implements DocumentSaver.
func (NopSaver) SaveActive(context.Context) error { return nil }

// Dispatcher sequences probing, reconciliation, and subcommand execution.
type Dispatcher struct {
	cfg     *config.Config
	prober  Prober
	ensurer Ensurer
	runner  Runner
	finder  Finder
	confirm prompt.Confirmer
	saver   DocumentSaver
	bus     events.Publisher
	logger  *log.Logger
	tracer  trace.Tracer
	locker  Locker

	initOnce sync.Once
	initDone chan struct{}
}

// Option customizes Dispatcher construction.
type Option func(*Dispatcher)

// WithTracer configures the tracer used for dispatch spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(d *Dispatcher) {
		if tracer != nil {
			d.tracer = tracer
		}
	}
}

// WithLocker enables cross-process workspace serialization.
func WithLocker(locker Locker) Option {
	return func(d *Dispatcher) {
		d.locker = locker
	}
}

// New builds a Dispatcher. The startup barrier begins closed to new commands
// until Open or MarkStartupComplete runs.
func New(
	cfg *config.Config,
	prober Prober,
	ensurer Ensurer,
	runner Runner,
	finder Finder,
	confirm prompt.Confirmer,
	saver DocumentSaver,
	bus events.Publisher,
	logger *log.Logger,
	options ...Option,
) *Dispatcher {
	dispatcher := &Dispatcher{
		cfg:      cfg,
		prober:   prober,
		ensurer:  ensurer,
		runner:   runner,
		finder:   finder,
		confirm:  confirm,
		saver:    saver,
		bus:      bus,
		logger:   logger,
		tracer:   otel.Tracer("rsx/dispatch"),
		initDone: make(chan struct{}),
	}
	for _, option := range options {
		option(dispatcher)
	}
	return dispatcher
}

// Sequence resolves a command name to its step list.
func (d *Dispatcher) Sequence(name string) ([]Step, error) {
	switch strings.TrimSpace(name) {
	case "init":
		return []Step{{Label: "initialize project", ModuleArgs: []string{"init"}}}, nil
	case "sync":
		return d.syncSequence(), nil
	case "sim":
		return []Step{{Label: "run simulator", ModuleArgs: []string{"sim"}}}, nil
	case "deploy":
		return []Step{{Label: "deploy to robot", ModuleArgs: []string{"deploy"}}}, nil
	case "deploy-skip-tests":
		return []Step{{Label: "deploy to robot (skip tests)", ModuleArgs: []string{"deploy", "--skip-tests"}}}, nil
	default:
		return nil, fmt.Errorf("unknown command %q", name)
	}
}

// syncSequence is the default two-step sync: refresh the toolchain package
// pin, then synchronize project dependencies.
func (d *Dispatcher) syncSequence() []Step {
	return []Step{
		{Label: fmt.Sprintf("upgrade %s", d.cfg.PackageName), PipUpgrade: true},
		{Label: "synchronize dependencies", ModuleArgs: []string{"sync"}},
	}
}

// Open runs the workspace-open sequence: probe, reconcile, and optionally
// offer the default sync. It always releases the startup barrier, even when
// the workspace is not a managed project.
func (d *Dispatcher) Open(ctx context.Context, root string) error {
	defer d.MarkStartupComplete()

	ctx, span := d.tracer.Start(ctx, "dispatch.open")
	defer span.End()
	span.SetAttributes(attribute.String("root", root))

	report, probeErr := d.prober.Probe(ctx, root)
	if probeErr {
		// Non-blocking: a probing fault is surfaced but does not stop the open.
		d.warn("probing the environment hit an unexpected error, see log")
	}
	if !report.HasDescriptor {
		d.logger.Debug("workspace is not a managed project, staying quiet", "root", root)
		return nil
	}

	ready, err := d.ensurer.Ensure(ctx, root, report)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	if !ready {
		return nil
	}

	if !d.cfg.OfferAutoSync {
		return nil
	}
	req := prompt.Request{
		Title:   "Project opened",
		Message: fmt.Sprintf("Update %s and synchronize project dependencies now?", d.cfg.PackageName),
		Options: []string{"Synchronize", "Not now"},
	}
	selected, err := d.confirm.Confirm(ctx, req)
	if err != nil {
		return fmt.Errorf("confirm startup sync: %w", err)
	}
	if !req.Accepted(selected) {
		return nil
	}
	return d.runSteps(ctx, root, "sync", d.syncSequence())
}

// Invoke runs one named command sequence. It waits for open-time
// initialization to finish, resolves any running-process conflict, saves the
// active document, reconciles the environment, and executes the steps in
// strict order, aborting on the first failure.
func (d *Dispatcher) Invoke(ctx context.Context, root, name string) error {
	steps, err := d.Sequence(name)
	if err != nil {
		return err
	}

	if err := d.waitStartup(ctx); err != nil {
		return err
	}

	ctx, span := d.tracer.Start(ctx, "dispatch.invoke")
	defer span.End()
	span.SetAttributes(attribute.String("command", name))

	if err := d.resolveRunningConflict(ctx, name); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	if err := d.saver.SaveActive(ctx); err != nil {
		// Not fatal: the command proceeds against the on-disk state.
		d.logger.Warn("failed to save active document", "error", err)
	}

	report, probeErr := d.prober.Probe(ctx, root)
	if probeErr {
		d.warn("probing the environment hit an unexpected error, see log")
	}
	ready, err := d.ensurer.Ensure(ctx, root, report)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	if !ready {
		d.logger.Info("environment not ready, command aborted", "command", name)
		return nil
	}

	if err := d.runSteps(ctx, root, name, steps); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	span.SetStatus(codes.Ok, "sequence completed")
	return nil
}

// MarkStartupComplete releases the startup barrier without running the open
// sequence. Hosts that dispatch commands directly call this once at boot.
func (d *Dispatcher) MarkStartupComplete() {
	d.initOnce.Do(func() { close(d.initDone) })
}

func (d *Dispatcher) waitStartup(ctx context.Context) error {
	select {
	case <-d.initDone:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for startup: %w", ctx.Err())
	}
}

func (d *Dispatcher) resolveRunningConflict(ctx context.Context, name string) error {
	label, running := d.runner.Running()
	if !running {
		return nil
	}

	req := prompt.Request{
		Title:       "Command running",
		Message:     fmt.Sprintf("%s is still running. Cancel it and run %s?", label, name),
		Options:     []string{"Cancel it", "Keep it"},
		Destructive: true,
	}
	selected, err := d.confirm.Confirm(ctx, req)
	if err != nil {
		return fmt.Errorf("confirm cancellation: %w", err)
	}
	if !req.Accepted(selected) {
		return fmt.Errorf("%s left running: %w", label, prompt.ErrDeclined)
	}
	if err := d.runner.Kill(); err != nil {
		return fmt.Errorf("cancel %s: %w", label, err)
	}
	return nil
}

// runSteps executes a sequence against the freshly located venv interpreter,
// holding the workspace lease for its full duration.
func (d *Dispatcher) runSteps(ctx context.Context, root, name string, steps []Step) error {
	if d.locker != nil {
		release, err := d.locker.Acquire(ctx, root, name)
		if err != nil {
			return fmt.Errorf("acquire workspace slot: %w", err)
		}
		defer func() {
			if releaseErr := release(); releaseErr != nil {
				d.logger.Warn("failed to release workspace slot", "error", releaseErr)
			}
		}()
	}

	venvPython, found := d.finder.Find(ctx, d.venvDir(root))
	if !found {
		return fmt.Errorf("virtual environment in %s has no usable interpreter", d.cfg.VenvDirName)
	}

	for _, step := range steps {
		inv := d.invocation(root, venvPython, step)
		d.logger.Info("running step", "step", step.Label, "command", inv.CommandLine())
		if _, err := d.runner.Run(ctx, inv); err != nil {
			d.logger.Error("step failed, aborting sequence", "step", step.Label, "error", err)
			return fmt.Errorf("%s: %w", step.Label, err)
		}
	}
	return nil
}

func (d *Dispatcher) invocation(root string, venvPython interpreter.Command, step Step) supervisor.Invocation {
	args := append([]string(nil), venvPython.Args...)
	if step.PipUpgrade {
		args = append(args, "-m", "pip", "install", "--upgrade", d.cfg.PackageName)
	} else {
		args = append(args, "-m", d.cfg.PackageName)
		args = append(args, step.ModuleArgs...)
	}
	return supervisor.Invocation{
		Path:   venvPython.Path,
		Args:   args,
		Dir:    root,
		Label:  step.Label,
		Reveal: true,
	}
}

func (d *Dispatcher) venvDir(root string) string {
	return filepath.Join(root, d.cfg.VenvDirName)
}

func (d *Dispatcher) warn(message string) {
	d.logger.Warn(message)
	d.bus.Publish(events.Event{
		Type:     events.TypeSystemAlert,
		Source:   "dispatch",
		Payload:  message,
		Severity: events.SeverityWarn,
	})
}
