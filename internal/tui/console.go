// Package tui renders the interactive console surface: a scrollback viewport
// fed by terminal events plus a key bridge into the pseudo-terminal session.
package tui

import (
	"strings"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/robostudio/rsx/internal/events"
)

const (
	// consoleEventBuffer bounds the bus-to-model bridge channel.
	consoleEventBuffer = 256
	// maxScrollbackBytes caps retained output before the oldest lines drop.
	maxScrollbackBytes = 256 * 1024
)

var (
	frameStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("63"))
	titleStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("229")).
			Bold(true)
	alertStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("214")).
			Bold(true)
	hintStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241")).
			Faint(true)
)

// InputTarget is the session slice the console drives. Keystrokes are
// forwarded as raw control bytes so the session owns all line discipline.
type InputTarget interface {
	HandleInput(data string)
	Close()
}

// busEventMsg delivers one bus event into the Bubble Tea update loop.
type busEventMsg struct {
	event events.Event
}

// ConsoleModel is the root Bubble Tea model for the console surface.
type ConsoleModel struct {
	viewport viewport.Model
	target   InputTarget
	incoming chan events.Event

	scrollback strings.Builder
	alert      string
	width      int
	height     int
	ready      bool
	quitting   bool
}

// NewConsole builds a console model subscribed to the terminal event stream.
func NewConsole(bus events.Bus, target InputTarget) *ConsoleModel {
	model := &ConsoleModel{
		target:   target,
		incoming: make(chan events.Event, consoleEventBuffer),
	}
	forward := func(event events.Event) {
		select {
		case model.incoming <- event:
		default:
		}
	}
	bus.Subscribe(events.TypeTerminalData, forward)
	bus.Subscribe(events.TypeProcessExit, forward)
	bus.Subscribe(events.TypeSystemAlert, forward)
	return model
}

// Init satisfies tea.Model.
func (m *ConsoleModel) Init() tea.Cmd {
	return m.waitForEvent()
}

// waitForEvent blocks on the bridge channel and re-arms after every delivery.
func (m *ConsoleModel) waitForEvent() tea.Cmd {
	return func() tea.Msg {
		return busEventMsg{event: <-m.incoming}
	}
}

// Update handles resize, incoming bus events, and the keyboard bridge.
func (m *ConsoleModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch typed := msg.(type) {
	case tea.WindowSizeMsg:
		m.resize(typed.Width, typed.Height)
		return m, nil
	case busEventMsg:
		m.consume(typed.event)
		return m, m.waitForEvent()
	case tea.KeyMsg:
		return m.handleKey(typed)
	default:
		return m, nil
	}
}

func (m *ConsoleModel) consume(event events.Event) {
	switch event.Type {
	case events.TypeTerminalData:
		if text, ok := event.Payload.(string); ok {
			m.append(text)
		}
	case events.TypeProcessExit:
		if text, ok := event.Payload.(string); ok {
			m.append("\r\n" + text + "\r\n")
		}
	case events.TypeSystemAlert:
		if text, ok := event.Payload.(string); ok {
			m.alert = text
		}
	}
}

func (m *ConsoleModel) append(text string) {
	m.scrollback.WriteString(text)
	if m.scrollback.Len() > maxScrollbackBytes {
		trimmed := m.scrollback.String()
		trimmed = trimmed[len(trimmed)-maxScrollbackBytes:]
		m.scrollback.Reset()
		m.scrollback.WriteString(trimmed)
	}
	if m.ready {
		m.viewport.SetContent(m.displayContent())
		m.viewport.GotoBottom()
	}
}

// displayContent converts wire CRLF framing to viewport newlines.
func (m *ConsoleModel) displayContent() string {
	return strings.ReplaceAll(m.scrollback.String(), "\r\n", "\n")
}

func (m *ConsoleModel) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.Type {
	case tea.KeyCtrlD:
		m.quitting = true
		m.target.Close()
		return m, tea.Quit
	case tea.KeyCtrlC:
		m.target.HandleInput("\x03")
		return m, nil
	case tea.KeyEnter:
		m.target.HandleInput("\r")
		return m, nil
	case tea.KeyBackspace:
		m.target.HandleInput("\x7f")
		return m, nil
	case tea.KeyTab:
		m.target.HandleInput("\t")
		return m, nil
	case tea.KeySpace:
		m.target.HandleInput(" ")
		return m, nil
	case tea.KeyUp, tea.KeyDown, tea.KeyPgUp, tea.KeyPgDown:
		var cmd tea.Cmd
		m.viewport, cmd = m.viewport.Update(msg)
		return m, cmd
	case tea.KeyRunes:
		m.target.HandleInput(string(msg.Runes))
		return m, nil
	default:
		return m, nil
	}
}

func (m *ConsoleModel) resize(width, height int) {
	m.width = width
	m.height = height

	contentWidth := width - frameStyle.GetHorizontalFrameSize()
	contentHeight := height - frameStyle.GetVerticalFrameSize() - 2 // title + footer
	if contentWidth < 20 {
		contentWidth = 20
	}
	if contentHeight < 3 {
		contentHeight = 3
	}

	if !m.ready {
		m.viewport = viewport.New(contentWidth, contentHeight)
		m.ready = true
	} else {
		m.viewport.Width = contentWidth
		m.viewport.Height = contentHeight
	}
	m.viewport.SetContent(m.displayContent())
	m.viewport.GotoBottom()
}

// View satisfies tea.Model.
func (m *ConsoleModel) View() string {
	if m.quitting {
		return ""
	}
	if !m.ready {
		return "starting console..."
	}

	footer := hintStyle.Render("ctrl+c interrupt · ctrl+d close · pgup/pgdn scroll")
	if m.alert != "" {
		footer = alertStyle.Render("! " + m.alert)
	}

	body := lipgloss.JoinVertical(
		lipgloss.Left,
		titleStyle.Render("console"),
		m.viewport.View(),
		footer,
	)
	return frameStyle.Render(body)
}

// Alert reports the most recent system alert shown in the footer.
func (m *ConsoleModel) Alert() string {
	return m.alert
}

// Run drives the console program until the surface closes. The session is
// closed on the way out so no supervised process outlives the surface.
func Run(bus events.Bus, target InputTarget) error {
	program := tea.NewProgram(NewConsole(bus, target), tea.WithAltScreen())
	_, err := program.Run()
	target.Close()
	return err
}
