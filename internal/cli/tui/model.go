// Package tui renders a live view of one training run.
package tui

import (
	"regexp"
	"strconv"
	"time"

	tea "github.com/charmbracelet/bubbletea"
)

// Model is the bubbletea model for a training run.
type Model struct {
	// Configuration
	Symbol    string
	ModelType string
	Mode      string
	Epochs    int
	Styles    Styles

	// State
	JobID      string
	Status     string
	Epoch      int
	StartTime  time.Time
	LogLines   []string
	LogLimit   int
	Summary    string
	Err        error
	Fallback   bool
	Width      int
	Height     int
	StatusSeen []string

	// Control
	Quitting bool
	Done     bool
}

// NewModel creates a model for one training request.
func NewModel(symbol, modelType, mode string, epochs int) *Model {
	return &Model{
		Symbol:    symbol,
		ModelType: modelType,
		Mode:      mode,
		Epochs:    epochs,
		Styles:    DefaultStyles(),
		Status:    "submitting",
		StartTime: time.Now(),
		LogLimit:  500,
	}
}

// Init implements tea.Model
func (m *Model) Init() tea.Cmd {
	return tickCmd()
}

// TickMsg is sent every second to update the timer
type TickMsg time.Time

func tickCmd() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return TickMsg(t)
	})
}

// QuitMsg signals the user requested quit (q or Ctrl+C)
type QuitMsg struct{}

// SubmittedMsg reports the backend accepted the job.
type SubmittedMsg struct {
	JobID string
}

// StatusMsg reports a job status change.
type StatusMsg struct {
	Status string
}

// LogMsg is emitted when a log line should be appended to the TUI.
type LogMsg struct {
	Line string
}

// FinishedMsg ends the run. Err is nil on success.
type FinishedMsg struct {
	Summary  string
	Fallback bool
	Err      error
}

var epochPattern = regexp.MustCompile(`(?i)epoch\s*\[?\s*(\d+)\s*/\s*(\d+)`)

// parseEpoch extracts "Epoch 12/100" style progress from a log line.
func parseEpoch(line string) (current, total int, ok bool) {
	match := epochPattern.FindStringSubmatch(line)
	if match == nil {
		return 0, 0, false
	}
	current, err1 := strconv.Atoi(match[1])
	total, err2 := strconv.Atoi(match[2])
	if err1 != nil || err2 != nil || total <= 0 {
		return 0, 0, false
	}
	return current, total, true
}
