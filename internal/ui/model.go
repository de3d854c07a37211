// ABOUTME: Bubbletea model for the session TUI
// ABOUTME: Defines screen state, key handling and rendering
package ui

import (
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
)

// Model represents the TUI state
type Model struct {
	// Connection
	connection string
	server     string
	sessionID  string
	rtt        time.Duration

	// Conversation
	speaking bool
	partial  string
	final    string
	reply    string
	warning  string

	// Playback
	volume int
	muted  bool

	// Stats
	stats Stats

	showDebug bool
	controls  *Controls

	width  int
	height int
}

// Stats is the counter block shown at the bottom of the screen
type Stats struct {
	Captured  uint64
	Sent      uint64
	Dropped   uint64
	Queued    int
	Played    int64
	Discarded int64
	Reconnect uint64
}

// StatusMsg updates TUI state. Empty fields leave the current value.
type StatusMsg struct {
	Connection string
	Server     string
	SessionID  string
	RTT        time.Duration

	Speaking *bool
	Partial  string
	Final    string
	Reply    string
	Warning  string

	Stats *Stats
}

// Init initializes the model
func (m Model) Init() tea.Cmd {
	return nil
}

// Update handles messages
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKey(msg)
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
	case StatusMsg:
		m.applyStatus(msg)
	}

	return m, nil
}

// View renders the TUI
func (m Model) View() string {
	if m.width == 0 {
		return "Loading..."
	}

	var b strings.Builder
	b.WriteString(m.renderHeader())
	b.WriteString(m.renderConversation())
	b.WriteString(m.renderControls())
	b.WriteString(m.renderStats())
	if m.showDebug {
		b.WriteString(m.renderDebug())
	}
	b.WriteString(m.renderHelp())
	return b.String()
}

func (m Model) renderHeader() string {
	status := m.connection
	if m.server != "" {
		status = fmt.Sprintf("%s (%s)", m.connection, m.server)
	}
	return fmt.Sprintf(`┌─ Voicelink ──────────────────────────────────────────┐
│ Status: %-45s │
├──────────────────────────────────────────────────────┤
`, truncate(status, 45))
}

func (m Model) renderConversation() string {
	mic := "listening"
	if m.speaking {
		mic = "● speaking"
	}

	s := fmt.Sprintf("│ Mic:     %-44s │\n", mic)
	s += fmt.Sprintf("│ Partial: %-44s │\n", truncate(m.partial, 44))
	s += fmt.Sprintf("│ Heard:   %-44s │\n", truncate(m.final, 44))
	s += fmt.Sprintf("│ Reply:   %-44s │\n", truncate(m.reply, 44))
	if m.warning != "" {
		s += fmt.Sprintf("│ ⚠ %-51s │\n", truncate(m.warning, 51))
	}
	return s
}

func (m Model) renderControls() string {
	muteIcon := ""
	if m.muted {
		muteIcon = " 🔇"
	}
	return fmt.Sprintf("│                                                      │\n"+
		"│ Volume: [%s] %d%%%s%-17s │\n",
		renderBar(m.volume, 100, 10), m.volume, muteIcon, "")
}

func (m Model) renderStats() string {
	st := m.stats
	return fmt.Sprintf(`├──────────────────────────────────────────────────────┤
│ Frames: captured %d  sent %d  dropped %d  queued %d%-2s │
│ Replies: played %d  discarded %d%-22s │
`, st.Captured, st.Sent, st.Dropped, st.Queued, "", st.Played, st.Discarded, "")
}

func (m Model) renderHelp() string {
	return `│ ↑/↓:Volume  m:Mute  f:Flush  d:Debug  q:Quit         │
└──────────────────────────────────────────────────────┘
`
}

func (m Model) renderDebug() string {
	return fmt.Sprintf(`│ DEBUG:                                               │
│   Session: %-42s │
│   RTT: %-46s │
│   Reconnects: %-39d │
`, truncate(m.sessionID, 42), m.rtt, m.stats.Reconnect)
}

// handleKey handles keyboard input
func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "ctrl+c":
		if m.controls != nil {
			select {
			case m.controls.Quit <- struct{}{}:
			default:
			}
		}
		return m, tea.Quit
	case "up":
		m.volume = min(m.volume+5, 100)
		m.sendVolume()
	case "down":
		m.volume = max(m.volume-5, 0)
		m.sendVolume()
	case "m":
		m.muted = !m.muted
		if m.controls != nil {
			select {
			case m.controls.Mute <- m.muted:
			default:
			}
		}
	case "f":
		if m.controls != nil {
			select {
			case m.controls.Flush <- struct{}{}:
			default:
			}
		}
	case "d":
		m.showDebug = !m.showDebug
	}

	return m, nil
}

func (m Model) sendVolume() {
	if m.controls == nil {
		return
	}
	select {
	case m.controls.Volume <- m.volume:
	default:
	}
}

// applyStatus updates model from status message
func (m *Model) applyStatus(msg StatusMsg) {
	if msg.Connection != "" {
		m.connection = msg.Connection
	}
	if msg.Server != "" {
		m.server = msg.Server
	}
	if msg.SessionID != "" {
		m.sessionID = msg.SessionID
	}
	if msg.RTT != 0 {
		m.rtt = msg.RTT
	}
	if msg.Speaking != nil {
		m.speaking = *msg.Speaking
		if m.speaking {
			m.partial = ""
		}
	}
	if msg.Partial != "" {
		m.partial = msg.Partial
	}
	if msg.Final != "" {
		m.final = msg.Final
		m.partial = ""
	}
	if msg.Reply != "" {
		m.reply = msg.Reply
	}
	if msg.Warning != "" {
		m.warning = msg.Warning
	}
	if msg.Stats != nil {
		m.stats = *msg.Stats
	}
}

func renderBar(value, max, width int) string {
	filled := (value * width) / max
	var b strings.Builder
	for i := 0; i < width; i++ {
		if i < filled {
			b.WriteString("█")
		} else {
			b.WriteString("░")
		}
	}
	return b.String()
}

func truncate(s string, length int) string {
	if len(s) <= length {
		return s
	}
	return s[:length-3] + "..."
}
