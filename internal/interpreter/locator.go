// Package interpreter discovers usable Python interpreters on the system PATH
// or inside a virtual environment directory and reports their versions.
package interpreter

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/robostudio/rsx/internal/tracing"
)

const versionProbeTimeout = 15 * time.Second

// Interpreters announce themselves as "<word> <major>.<minor>[...]", e.g.
// "Python 3.12.1", on either stdout or stderr depending on the build.
var versionPattern = regexp.MustCompile(`(?i)([a-z]+) (\d+)\.(\d+)`)

// Version is a parsed (major, minor) interpreter version.
type Version struct {
	Major int
	Minor int
}

// String renders the display form "major.minor".
func (v Version) String() string {
	return fmt.Sprintf("%d.%d", v.Major, v.Minor)
}

// AtLeast reports whether both components individually meet or exceed min.
// This deliberately mirrors the minimum-feature-version policy rather than a
// lexicographic compare: 4.0 does not satisfy a 3.9 minimum.
func (v Version) AtLeast(min Version) bool {
	return v.Major >= min.Major && v.Minor >= min.Minor
}

// Command is an immutable discovered interpreter invocation: the resolved
// executable, base arguments, and parsed version.
type Command struct {
	Path    string
	Args    []string
	Version Version
}

// IsZero reports whether the command is the absent value.
func (c Command) IsZero() bool {
	return c.Path == ""
}

// CommandLine renders the invocation for logging and terminal echo.
func (c Command) CommandLine() string {
	if len(c.Args) == 0 {
		return c.Path
	}
	return c.Path + " " + strings.Join(c.Args, " ")
}

// Runner executes an interpreter candidate and returns its stdout and stderr.
type Runner func(ctx context.Context, path string, args ...string) (stdout, stderr string, err error)

// Locator tries an ordered list of interpreter candidates and returns the
// first one whose version query parses.
type Locator struct {
	logger   *log.Logger
	lookPath func(file string) (string, error)
	stat     func(name string) (os.FileInfo, error)
	run      Runner
	windows  bool
}

// Option customizes Locator construction, primarily for tests.
type Option func(*Locator)

// WithLookPath substitutes PATH resolution.
func WithLookPath(lookPath func(string) (string, error)) Option {
	return func(l *Locator) {
		if lookPath != nil {
			l.lookPath = lookPath
		}
	}
}

// WithStat substitutes filesystem probing for rooted candidates.
func WithStat(stat func(string) (os.FileInfo, error)) Option {
	return func(l *Locator) {
		if stat != nil {
			l.stat = stat
		}
	}
}

// WithRunner substitutes candidate execution.
func WithRunner(run Runner) Option {
	return func(l *Locator) {
		if run != nil {
			l.run = run
		}
	}
}

// WithPlatform overrides the host platform detection.
func WithPlatform(windows bool) Option {
	return func(l *Locator) {
		l.windows = windows
	}
}

// NewLocator builds a Locator using the real PATH, filesystem, and exec.
func NewLocator(logger *log.Logger, options ...Option) *Locator {
	locator := &Locator{
		logger:   logger,
		lookPath: exec.LookPath,
		stat:     os.Stat,
		run:      execRunner,
		windows:  runtime.GOOS == "windows",
	}
	for _, option := range options {
		option(locator)
	}
	return locator
}

type candidate struct {
	name string
	args []string
}

// The generic launcher is tried before specific binary names on Windows;
// inside a search root only the concrete binaries exist.
func (l *Locator) candidates(rooted bool) []candidate {
	if l.windows {
		if rooted {
			return []candidate{{name: "python.exe"}, {name: "python3.exe"}}
		}
		return []candidate{{name: "py", args: []string{"-3"}}, {name: "python"}, {name: "python3"}}
	}
	return []candidate{{name: "python3"}, {name: "python"}}
}

// Find locates an interpreter. With an empty searchRoot candidates resolve on
// the system PATH; otherwise they resolve under the platform executable
// subdirectory of searchRoot (bin on POSIX, Scripts on Windows).
//
// Exhausting every candidate is a legitimate negative result, not an error:
// Find returns (Command{}, false) and logs each candidate's failure reason.
func (l *Locator) Find(ctx context.Context, searchRoot string) (Command, bool) {
	rooted := strings.TrimSpace(searchRoot) != ""

	for _, cand := range l.candidates(rooted) {
		path, err := l.resolve(searchRoot, cand.name)
		if err != nil {
			l.logger.Debug("interpreter candidate not resolvable",
				"candidate", cand.name, "search_root", searchRoot, "reason", err)
			continue
		}

		version, err := l.queryVersion(ctx, path, cand.args)
		if err != nil {
			l.logger.Debug("interpreter candidate rejected",
				"candidate", cand.name, "path", path, "reason", err)
			continue
		}

		command := Command{Path: path, Args: append([]string(nil), cand.args...), Version: version}
		l.logger.Debug("interpreter located",
			"path", command.Path, "version", command.Version.String())
		return command, true
	}

	return Command{}, false
}

// ExecDir returns the platform executable subdirectory of a venv root.
func (l *Locator) ExecDir(root string) string {
	if l.windows {
		return filepath.Join(root, "Scripts")
	}
	return filepath.Join(root, "bin")
}

func (l *Locator) resolve(searchRoot, name string) (string, error) {
	if strings.TrimSpace(searchRoot) == "" {
		return l.lookPath(name)
	}

	path := filepath.Join(l.ExecDir(searchRoot), name)
	if _, err := l.stat(path); err != nil {
		return "", err
	}
	return path, nil
}

func (l *Locator) queryVersion(ctx context.Context, path string, baseArgs []string) (Version, error) {
	args := append(append([]string(nil), baseArgs...), "--version")
	stdout, stderr, err := l.run(ctx, path, args...)
	if err != nil {
		return Version{}, fmt.Errorf("version query failed: %w", err)
	}

	for _, stream := range []string{stdout, stderr} {
		if version, ok := parseVersion(stream); ok {
			return version, nil
		}
	}
	return Version{}, errors.New("no parseable version on stdout or stderr")
}

func parseVersion(output string) (Version, bool) {
	matches := versionPattern.FindStringSubmatch(output)
	if matches == nil {
		return Version{}, false
	}
	major, err := strconv.Atoi(matches[2])
	if err != nil {
		return Version{}, false
	}
	minor, err := strconv.Atoi(matches[3])
	if err != nil {
		return Version{}, false
	}
	return Version{Major: major, Minor: minor}, true
}

func execRunner(ctx context.Context, path string, args ...string) (string, string, error) {
	runCtx, cancel := context.WithTimeout(ctx, versionProbeTimeout)
	defer cancel()

	_, stdout, stderr, err := tracing.RunProbe(runCtx, path, args, "")
	return stdout, stderr, err
}
