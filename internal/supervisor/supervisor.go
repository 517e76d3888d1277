// Package supervisor runs at most one external toolchain process at a time,
// multiplexing its output to the persistent log sink and the terminal
// surface, and arbitrating conflicting run requests through a single
// confirmation gate.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/robostudio/rsx/internal/events"
	"github.com/robostudio/rsx/internal/prompt"
)

const outputChunkSize = 4096

// ErrBusy indicates a silent run was requested while a process is active.
var ErrBusy = errors.New("a command is already running")

// Invocation describes one supervised process run.
type Invocation struct {
	Path string
	Args []string
	Dir  string
	// Label is the human-readable name shown in prompts and logs. Defaults
	// to the command line.
	Label string
	// Silent runs skip terminal echo and fail immediately when busy.
	Silent bool
	// Reveal asks the terminal surface to come forward before running.
	Reveal bool
}

// CommandLine renders the invocation for echo and diagnostics.
func (inv Invocation) CommandLine() string {
	if len(inv.Args) == 0 {
		return inv.Path
	}
	return inv.Path + " " + strings.Join(inv.Args, " ")
}

func (inv Invocation) label() string {
	if strings.TrimSpace(inv.Label) != "" {
		return inv.Label
	}
	return inv.CommandLine()
}

// OutputSink receives raw process output for the persistent log.
type OutputSink interface {
	ProcessOutput(label, chunk string)
}

// Supervisor owns the single running-process slot. The slot is the sole
// source of truth for "is something running"; it is cleared on every
// completion path.
type Supervisor struct {
	bus     events.Publisher
	logger  *log.Logger
	sink    OutputSink
	confirm prompt.Confirmer

	mu      sync.Mutex
	current *process
}

type process struct {
	cmd         *exec.Cmd
	stdin       io.WriteCloser
	stdout      io.ReadCloser
	stderr      io.ReadCloser
	label       string
	commandLine string
	done        chan struct{}
}

// New builds a Supervisor. The confirmer gates conflicting run requests.
func New(bus events.Publisher, logger *log.Logger, sink OutputSink, confirm prompt.Confirmer) *Supervisor {
	return &Supervisor{
		bus:     bus,
		logger:  logger,
		sink:    sink,
		confirm: confirm,
	}
}

// Running reports the label of the active process, if any.
func (s *Supervisor) Running() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return "", false
	}
	return s.current.label, true
}

// Kill terminates the active process. A no-op when nothing is running.
func (s *Supervisor) Kill() error {
	s.mu.Lock()
	running := s.current
	s.mu.Unlock()

	if running == nil {
		return nil
	}
	s.logger.Info("killing process", "command", running.label)
	return running.cmd.Process.Kill()
}

// WriteStdin forwards a line of terminal input to the active process.
func (s *Supervisor) WriteStdin(data string) error {
	s.mu.Lock()
	running := s.current
	s.mu.Unlock()

	if running == nil {
		return errors.New("no process is running")
	}
	if _, err := io.WriteString(running.stdin, data); err != nil {
		return fmt.Errorf("write stdin of %s: %w", running.label, err)
	}
	return nil
}

// Run spawns the invocation and blocks until it exits, returning the captured
// combined output. A non-zero exit, a terminating signal, or a spawn failure
// yield an error describing the process's end. While another process is
// active a silent run fails with ErrBusy; a normal run asks the user to
// cancel the running command first and fails with prompt.ErrDeclined when the
// user keeps it.
func (s *Supervisor) Run(ctx context.Context, inv Invocation) (string, error) {
	if strings.TrimSpace(inv.Path) == "" {
		return "", errors.New("invocation path must not be empty")
	}

	proc, err := s.acquireAndSpawn(ctx, inv)
	if err != nil {
		return "", err
	}

	if inv.Reveal {
		s.bus.Publish(events.Event{
			Type:     events.TypeTerminalReveal,
			Source:   "supervisor",
			Severity: events.SeverityInfo,
		})
	}
	if !inv.Silent {
		s.echo(inv.label(), "\r\n> "+proc.commandLine+"\r\n")
	}
	s.bus.Publish(events.Event{
		Type:     events.TypeProcessSpawn,
		Source:   "supervisor",
		Payload:  proc.commandLine,
		Severity: events.SeverityInfo,
	})
	s.logger.Info("process started", "command", proc.commandLine, "pid", proc.cmd.Process.Pid)

	return s.collect(inv, proc)
}

// acquireAndSpawn resolves the single-slot gate and starts the process with
// the slot held. Returns with s.current set on success.
func (s *Supervisor) acquireAndSpawn(ctx context.Context, inv Invocation) (*process, error) {
	for {
		s.mu.Lock()
		running := s.current
		if running == nil {
			break // slot free, lock held
		}
		s.mu.Unlock()

		if inv.Silent {
			return nil, fmt.Errorf("%s: %w", running.label, ErrBusy)
		}

		req := prompt.Request{
			Title:       "Command running",
			Message:     fmt.Sprintf("%s is still running. Cancel it and run %s?", running.label, inv.label()),
			Options:     []string{"Cancel it", "Keep it"},
			Destructive: true,
		}
		selected, err := s.confirm.Confirm(ctx, req)
		if err != nil {
			return nil, fmt.Errorf("confirm cancellation: %w", err)
		}
		if !req.Accepted(selected) {
			return nil, fmt.Errorf("%s left running: %w", running.label, prompt.ErrDeclined)
		}

		if err := running.cmd.Process.Kill(); err != nil {
			s.logger.Warn("kill of running process failed", "command", running.label, "error", err)
		}
		<-running.done
	}

	proc, err := s.spawn(inv)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	s.current = proc
	s.mu.Unlock()
	return proc, nil
}

func (s *Supervisor) spawn(inv Invocation) (*process, error) {
	// No CommandContext: cancellation is user-mediated, via Kill or the
	// conflicting-run gate, never context timeouts.
	// #nosec G204 -- invocation paths come from the locator and config.
	cmd := exec.Command(inv.Path, inv.Args...)
	cmd.Dir = inv.Dir

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return nil, fmt.Errorf("create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		stdin.Close()
		stdout.Close()
		return nil, fmt.Errorf("create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		stdin.Close()
		stdout.Close()
		stderr.Close()
		return nil, fmt.Errorf("start %s: %w", inv.CommandLine(), err)
	}

	return &process{
		cmd:         cmd,
		stdin:       stdin,
		stdout:      stdout,
		stderr:      stderr,
		label:       inv.label(),
		commandLine: inv.CommandLine(),
		done:        make(chan struct{}),
	}, nil
}

// collect pumps output until exit, clears the slot, and maps the exit state.
func (s *Supervisor) collect(inv Invocation, proc *process) (string, error) {
	var captureMu sync.Mutex
	var capture strings.Builder

	var wg sync.WaitGroup
	pump := func(reader io.Reader) {
		defer wg.Done()
		buf := make([]byte, outputChunkSize)
		for {
			n, err := reader.Read(buf)
			if n > 0 {
				chunk := string(buf[:n])
				captureMu.Lock()
				capture.WriteString(chunk)
				captureMu.Unlock()
				if !inv.Silent {
					s.echo(proc.label, normalizeForTerminal(chunk))
				}
			}
			if err != nil {
				return
			}
		}
	}

	wg.Add(2)
	go pump(proc.stdout)
	go pump(proc.stderr)

	wg.Wait()
	waitErr := proc.cmd.Wait()

	s.mu.Lock()
	s.current = nil
	s.mu.Unlock()
	close(proc.done)

	status := "exited with code 0"
	severity := events.SeverityInfo
	if waitErr != nil {
		status = describeExit(waitErr)
		severity = events.SeverityError
	}
	s.bus.Publish(events.Event{
		Type:     events.TypeProcessExit,
		Source:   "supervisor",
		Payload:  fmt.Sprintf("%s %s", proc.label, status),
		Severity: severity,
	})

	if waitErr != nil {
		s.logger.Warn("process failed", "command", proc.commandLine, "reason", status)
		return capture.String(), fmt.Errorf("%s %s", proc.label, status)
	}

	s.logger.Info("process exited cleanly", "command", proc.commandLine)
	return capture.String(), nil
}

// echo writes a chunk to both output sinks: the terminal surface event stream
// and the persistent log.
func (s *Supervisor) echo(label, chunk string) {
	s.bus.Publish(events.Event{
		Type:     events.TypeTerminalData,
		Source:   "supervisor",
		Payload:  chunk,
		Severity: events.SeverityInfo,
	})
	s.sink.ProcessOutput(label, chunk)
}

func describeExit(waitErr error) string {
	var exitErr *exec.ExitError
	if !errors.As(waitErr, &exitErr) {
		return fmt.Sprintf("failed: %v", waitErr)
	}
	if signal := signalDescription(exitErr); signal != "" {
		return fmt.Sprintf("killed with signal %s", signal)
	}
	return fmt.Sprintf("exited with code %d", exitErr.ExitCode())
}

// normalizeForTerminal rewrites bare newlines as CRLF for the terminal
// surface without doubling existing CRLF pairs.
func normalizeForTerminal(chunk string) string {
	return strings.ReplaceAll(strings.ReplaceAll(chunk, "\r\n", "\n"), "\n", "\r\n")
}
