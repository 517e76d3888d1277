// Package probe inspects workspace environment readiness and produces a
// structured report consumed by the reconciler and dispatcher.
package probe

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/charmbracelet/log"
	"github.com/robostudio/rsx/internal/config"
	"github.com/robostudio/rsx/internal/interpreter"
	"github.com/robostudio/rsx/internal/tracing"
	"github.com/robostudio/rsx/internal/workspace"
)

const importProbeTimeout = 30 * time.Second

// Finder locates interpreters for the prober.
type Finder interface {
	Find(ctx context.Context, searchRoot string) (interpreter.Command, bool)
}

// ImportProbe reports whether the given interpreter can import a module.
type ImportProbe func(ctx context.Context, command interpreter.Command, module string) bool

// PolicyQuery returns the platform script-execution policy value. On
// platforms without such a policy it returns an always-adequate value.
type PolicyQuery func(ctx context.Context) (string, error)

// Prober runs the fixed battery of environment checks.
type Prober struct {
	cfg         *config.Config
	finder      Finder
	reader      workspace.Reader
	logger      *log.Logger
	importProbe ImportProbe
	policyQuery PolicyQuery
	statDir     func(name string) (os.FileInfo, error)
}

// Option customizes Prober construction, primarily for tests.
type Option func(*Prober)

// WithImportProbe substitutes the module-import check.
func WithImportProbe(probe ImportProbe) Option {
	return func(p *Prober) {
		if probe != nil {
			p.importProbe = probe
		}
	}
}

// WithPolicyQuery substitutes the platform policy query.
func WithPolicyQuery(query PolicyQuery) Option {
	return func(p *Prober) {
		if query != nil {
			p.policyQuery = query
		}
	}
}

// WithStat substitutes venv-directory existence checks.
func WithStat(stat func(string) (os.FileInfo, error)) Option {
	return func(p *Prober) {
		if stat != nil {
			p.statDir = stat
		}
	}
}

// New builds a Prober against the real filesystem and exec.
func New(cfg *config.Config, finder Finder, reader workspace.Reader, logger *log.Logger, options ...Option) *Prober {
	prober := &Prober{
		cfg:         cfg,
		finder:      finder,
		reader:      reader,
		logger:      logger,
		importProbe: execImportProbe,
		policyQuery: queryExecutionPolicy,
		statDir:     os.Stat,
	}
	for _, option := range options {
		option(prober)
	}
	return prober
}

// MinVersion returns the configured minimum interpreter version.
func (p *Prober) MinVersion() interpreter.Version {
	return interpreter.Version{Major: p.cfg.MinPythonMajor, Minor: p.cfg.MinPythonMinor}
}

// Probe runs every check against the workspace root and returns the report
// plus a flag indicating an unexpected error occurred while probing. Missing
// interpreters, descriptors, modules, and venvs are expected negative
// outcomes and never set the flag; only a failed policy query does.
func (p *Prober) Probe(ctx context.Context, root string) (Report, bool) {
	report := Report{}
	probeErr := false

	if content, found := p.reader.Descriptor(root); found {
		report.HasDescriptor = workspace.HasMarker(content, p.cfg.Marker())
	}

	report.System, report.SystemPython = p.probeSystem(ctx)
	report.Venv, report.VenvPython = p.probeVenv(ctx, root)

	policy, err := p.policyQuery(ctx)
	if err != nil {
		// The one probing step whose failure is unexpected.
		p.logger.Error("script execution policy query failed", "error", err)
		probeErr = true
	} else {
		report.Policy = policy
		report.PolicyAdequate = policyAdequate(policy)
	}

	if err := report.Validate(); err != nil {
		p.logger.Error("probe produced inconsistent report", "error", err)
		probeErr = true
	}

	p.logger.Debug("environment probed",
		"descriptor", report.HasDescriptor,
		"system", report.System,
		"venv", report.Venv,
		"policy", report.Policy,
		"probe_error", probeErr)

	return report, probeErr
}

func (p *Prober) probeSystem(ctx context.Context) (SystemStatus, interpreter.Command) {
	command, found := p.finder.Find(ctx, "")
	if !found {
		return SystemAbsent, interpreter.Command{}
	}
	if !command.Version.AtLeast(p.MinVersion()) {
		return SystemTooOld, command
	}
	if !p.importProbe(ctx, command, "venv") {
		return SystemNoVenvModule, command
	}
	return SystemReady, command
}

func (p *Prober) probeVenv(ctx context.Context, root string) (VenvStatus, interpreter.Command) {
	venvDir := filepath.Join(root, p.cfg.VenvDirName)
	info, err := p.statDir(venvDir)
	if err != nil || info == nil || !info.IsDir() {
		return VenvAbsent, interpreter.Command{}
	}

	command, found := p.finder.Find(ctx, venvDir)
	if !found {
		return VenvTooOld, interpreter.Command{}
	}
	if !command.Version.AtLeast(p.MinVersion()) {
		return VenvTooOld, command
	}
	if !p.importProbe(ctx, command, p.cfg.PackageName) {
		return VenvPackageMissing, command
	}
	return VenvReady, command
}

func execImportProbe(ctx context.Context, command interpreter.Command, module string) bool {
	probeCtx, cancel := context.WithTimeout(ctx, importProbeTimeout)
	defer cancel()

	args := append(append([]string(nil), command.Args...), "-c", "import "+module)
	_, _, _, err := tracing.RunProbe(probeCtx, command.Path, args, "")
	return err == nil
}
