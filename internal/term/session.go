// Package term presents the supervisor's output and input as an interactive
// terminal surface: an emulated pseudo-terminal with line buffering,
// backspace, interrupt, and a defensive filter against one unwanted injected
// command.
package term

import (
	"regexp"
	"strings"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/robostudio/rsx/internal/events"
)

const (
	byteInterrupt = 0x03
	byteBackspace = 0x08
	byteDelete    = 0x7f
)

// Editor integrations inject "source .../bin/activate" (or the Scripts
// equivalents) into freshly opened terminals. The supervised process already
// runs inside the venv, so the injected command is discarded wholesale.
var activationPattern = regexp.MustCompile(
	`(?i)^(?:source\s+|&\s*)?["']?[^"']*(?:/bin/activate|[/\\]Scripts[/\\]activate(?:\.bat|\.ps1)?)["']?\s*$`,
)

// ProcessController is the slice of the supervisor the bridge drives.
type ProcessController interface {
	WriteStdin(data string) error
	Kill() error
}

// Session pairs the terminal surface with the supervisor for its lifetime.
// It owns the input line buffer: keystrokes accumulate until carriage return
// submits them to the running process.
type Session struct {
	bus    events.Publisher
	proc   ProcessController
	logger *log.Logger

	mu     sync.Mutex
	buffer []rune
	closed bool
}

// NewSession builds a Session publishing display bytes to the bus.
func NewSession(bus events.Publisher, proc ProcessController, logger *log.Logger) *Session {
	return &Session{
		bus:    bus,
		proc:   proc,
		logger: logger,
	}
}

// HandleInput processes one chunk of user keystrokes.
func (s *Session) HandleInput(data string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	if activationPattern.MatchString(strings.TrimRight(data, "\r\n")) {
		s.logger.Debug("discarded injected activation command", "input", data)
		return
	}

	for _, r := range data {
		s.handleRune(r)
	}
}

func (s *Session) handleRune(r rune) {
	switch r {
	case byteInterrupt:
		s.display("^C\r\n")
		if err := s.proc.Kill(); err != nil {
			s.logger.Warn("interrupt kill failed", "error", err)
		}
		s.buffer = s.buffer[:0]

	case '\r', '\n':
		s.display("\r\n")
		line := string(s.buffer) + "\n"
		if err := s.proc.WriteStdin(line); err != nil {
			s.logger.Debug("input line dropped", "error", err)
		}
		s.buffer = s.buffer[:0]

	case byteBackspace, byteDelete:
		if len(s.buffer) == 0 {
			return
		}
		s.buffer = s.buffer[:len(s.buffer)-1]
		s.display("\b \b")

	default:
		s.buffer = append(s.buffer, r)
		s.display(string(r))
	}
}

// Closed reports whether the surface backing this session was torn down.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close tears the session down when the surface goes away. Any running
// process is killed so no orphaned subprocess survives the terminal.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.buffer = nil
	s.mu.Unlock()

	if err := s.proc.Kill(); err != nil {
		s.logger.Warn("kill on session close failed", "error", err)
	}
	s.bus.Publish(events.Event{
		Type:     events.TypeTerminalClosed,
		Source:   "term",
		Severity: events.SeverityInfo,
	})
}

func (s *Session) display(data string) {
	s.bus.Publish(events.Event{
		Type:     events.TypeTerminalData,
		Source:   "term",
		Payload:  data,
		Severity: events.SeverityInfo,
	})
}

// Manager reuses one live session across commands for as long as the
// underlying surface exists, recreating it otherwise.
type Manager struct {
	bus    events.Publisher
	proc   ProcessController
	logger *log.Logger

	mu      sync.Mutex
	current *Session
}

// NewManager builds a session manager.
func NewManager(bus events.Publisher, proc ProcessController, logger *log.Logger) *Manager {
	return &Manager{
		bus:    bus,
		proc:   proc,
		logger: logger,
	}
}

// Acquire returns the live session, creating a fresh one when none exists or
// the previous surface was closed.
func (m *Manager) Acquire() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current == nil || m.current.Closed() {
		m.current = NewSession(m.bus, m.proc, m.logger)
	}
	return m.current
}
