package tui

import tea "github.com/charmbracelet/bubbletea"

// Update implements tea.Model
func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.Quitting = true
			return m, tea.Quit
		}

	case tea.WindowSizeMsg:
		m.Width = msg.Width
		m.Height = msg.Height

	case TickMsg:
		if m.Done {
			return m, nil
		}
		return m, tickCmd()

	case QuitMsg:
		m.Quitting = true
		return m, tea.Quit

	case SubmittedMsg:
		m.JobID = msg.JobID
		m.Status = "queued"

	case StatusMsg:
		m.Status = msg.Status
		m.StatusSeen = append(m.StatusSeen, msg.Status)

	case LogMsg:
		m.appendLog(msg.Line)
		if cur, total, ok := parseEpoch(msg.Line); ok {
			m.Epoch = cur
			m.Epochs = total
		}

	case FinishedMsg:
		m.Done = true
		m.Summary = msg.Summary
		m.Fallback = msg.Fallback
		m.Err = msg.Err
		if msg.Err != nil {
			m.Status = "failed"
		} else {
			m.Status = "completed"
			if m.Epochs > 0 {
				m.Epoch = m.Epochs
			}
		}
		return m, tea.Quit
	}

	return m, nil
}

func (m *Model) appendLog(line string) {
	m.LogLines = append(m.LogLines, line)
	if m.LogLimit > 0 && len(m.LogLines) > m.LogLimit {
		m.LogLines = m.LogLines[len(m.LogLines)-m.LogLimit:]
	}
}
