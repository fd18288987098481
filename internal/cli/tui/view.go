package tui

import (
	"fmt"
	"strings"
	"time"
)

const visibleLogLines = 12

// View implements tea.Model
func (m *Model) View() string {
	if m.Quitting {
		return ""
	}

	var b strings.Builder

	b.WriteString(m.renderHeader())
	b.WriteString("\n\n")
	b.WriteString(m.renderStatus())
	b.WriteString("\n")
	b.WriteString(m.renderLogs())

	if m.Done {
		b.WriteString(m.renderResult())
		b.WriteString("\n")
		return b.String()
	}

	b.WriteString(m.renderFooter())
	return b.String()
}

// renderHeader renders the title line with timer and request details
func (m *Model) renderHeader() string {
	elapsed := time.Since(m.StartTime).Round(time.Second)
	timer := fmt.Sprintf("[%s]", formatDuration(elapsed))
	meta := fmt.Sprintf("%s · %s", strings.ToUpper(m.ModelType), m.Mode)

	return fmt.Sprintf("%s  %s  %s",
		m.Styles.Title.Render("Training "+m.Symbol),
		m.Styles.Timer.Render(timer),
		m.Styles.Meta.Render(meta),
	)
}

// renderStatus renders the job line and the epoch progress bar
func (m *Model) renderStatus() string {
	var icon string
	switch {
	case m.Done && m.Err != nil:
		icon = m.Styles.StatusFailed.Render(IconFailed)
	case m.Done:
		icon = m.Styles.StatusComplete.Render(IconComplete)
	case m.JobID == "":
		icon = m.Styles.StatusActive.Render(IconWaiting)
	default:
		icon = m.Styles.StatusActive.Render(IconActive)
	}

	job := "job pending"
	if m.JobID != "" {
		job = "job " + shortID(m.JobID)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "  %s %s: %s\n", icon, job, m.Status)
	if m.Epochs > 0 {
		fmt.Fprintf(&b, "    %s %d/%d epochs\n", m.renderProgressBar(m.Epoch, m.Epochs, 30), m.Epoch, m.Epochs)
	}
	return b.String()
}

// renderProgressBar creates a progress bar of the given width
func (m *Model) renderProgressBar(completed, total, width int) string {
	if total == 0 {
		total = 1
	}
	filled := max(0, min((completed*width)/total, width))

	return "[" +
		m.Styles.ProgressFilled.Render(strings.Repeat("█", filled)) +
		m.Styles.ProgressEmpty.Render(strings.Repeat("░", width-filled)) +
		"]"
}

// renderLogs renders the most recent job log lines
func (m *Model) renderLogs() string {
	if len(m.LogLines) == 0 {
		return ""
	}
	lines := m.LogLines
	if len(lines) > visibleLogLines {
		lines = lines[len(lines)-visibleLogLines:]
	}

	var b strings.Builder
	b.WriteString(m.Styles.LogTitle.Render("  Log"))
	b.WriteString("\n")
	for _, l := range lines {
		b.WriteString("  ")
		b.WriteString(m.Styles.LogLine.Render(l))
		b.WriteString("\n")
	}
	return b.String()
}

func (m *Model) renderResult() string {
	if m.Err != nil {
		return m.Styles.StatusFailed.Render("  " + m.Err.Error())
	}
	out := m.Styles.StatusComplete.Render("  " + m.Summary)
	if m.Fallback {
		out += m.Styles.Notice.Render(" (legacy endpoint)")
	}
	return out
}

// renderFooter renders the help text
func (m *Model) renderFooter() string {
	key := m.Styles.FooterKey.Render("q")
	return m.Styles.Footer.Render(fmt.Sprintf("  Press %s to detach (the job keeps running)", key))
}

// formatDuration formats a duration as HH:MM:SS
func formatDuration(d time.Duration) string {
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second

	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
