// ABOUTME: TUI initialization and control
// ABOUTME: Wraps the bubbletea program for the session status screen
package ui

import (
	tea "github.com/charmbracelet/bubbletea"
)

// Controls carries user actions from the TUI to the application
type Controls struct {
	Volume chan int
	Mute   chan bool
	Flush  chan struct{}
	Quit   chan struct{}
}

// NewControls creates control channels
func NewControls() *Controls {
	return &Controls{
		Volume: make(chan int, 10),
		Mute:   make(chan bool, 10),
		Flush:  make(chan struct{}, 1),
		Quit:   make(chan struct{}, 1),
	}
}

// NewModel creates a new TUI model
func NewModel(ctrl *Controls, volume int) Model {
	if volume <= 0 || volume > 100 {
		volume = 100
	}
	return Model{
		connection: "disconnected",
		volume:     volume,
		controls:   ctrl,
	}
}

// Run creates the TUI program. The caller runs it.
func Run(ctrl *Controls, volume int) *tea.Program {
	return tea.NewProgram(NewModel(ctrl, volume), tea.WithAltScreen())
}
