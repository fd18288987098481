package tui

import (
	tea "github.com/charmbracelet/bubbletea"

	"github.com/dpolaris/polaris/internal/backend"
	"github.com/dpolaris/polaris/internal/training"
)

// Sender delivers messages to a running program. *tea.Program satisfies it.
type Sender interface {
	Send(msg tea.Msg)
}

// Bridge turns training callbacks into program messages.
type Bridge struct {
	program Sender
}

// NewBridge creates a new bridge for the given program
func NewBridge(program Sender) *Bridge {
	return &Bridge{program: program}
}

// Callbacks returns training callbacks that feed the program.
func (b *Bridge) Callbacks() training.Callbacks {
	return training.Callbacks{
		OnSubmitted: func(job *backend.TrainingJob) {
			b.program.Send(SubmittedMsg{JobID: job.ID})
		},
		OnStatus: func(jobID, status string) {
			b.program.Send(StatusMsg{Status: status})
		},
		OnLog: func(line string) {
			b.program.Send(LogMsg{Line: line})
		},
	}
}

// Finish reports the training outcome and ends the program.
func (b *Bridge) Finish(out *training.Outcome, err error) {
	msg := FinishedMsg{Err: err}
	if out != nil {
		msg.Summary = out.Summary
		msg.Fallback = out.Fallback
	}
	b.program.Send(msg)
}

// SendQuit sends a QuitMsg to the program
func (b *Bridge) SendQuit() {
	b.program.Send(QuitMsg{})
}
