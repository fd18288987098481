package tui

import "github.com/charmbracelet/lipgloss"

// Palette is the small set of colors the progress view is drawn with.
type Palette struct {
	Accent lipgloss.Color // title
	Busy   lipgloss.Color // queued/running, filled bar, keys
	Good   lipgloss.Color
	Bad    lipgloss.Color
	Muted  lipgloss.Color
	Dim    lipgloss.Color
}

// DefaultPalette uses 256-color codes so it renders the same in most
// terminals.
var DefaultPalette = Palette{
	Accent: lipgloss.Color("39"),
	Busy:   lipgloss.Color("214"),
	Good:   lipgloss.Color("42"),
	Bad:    lipgloss.Color("196"),
	Muted:  lipgloss.Color("245"),
	Dim:    lipgloss.Color("240"),
}

// Styles holds the lipgloss styles for each part of the view.
type Styles struct {
	Title lipgloss.Style
	Timer lipgloss.Style
	Meta  lipgloss.Style

	StatusActive   lipgloss.Style
	StatusComplete lipgloss.Style
	StatusFailed   lipgloss.Style
	Notice         lipgloss.Style

	ProgressFilled lipgloss.Style
	ProgressEmpty  lipgloss.Style

	Footer    lipgloss.Style
	FooterKey lipgloss.Style

	LogTitle lipgloss.Style
	LogLine  lipgloss.Style
}

func DefaultStyles() Styles {
	return NewStyles(DefaultPalette)
}

// NewStyles derives every style from p.
func NewStyles(p Palette) Styles {
	fg := func(c lipgloss.Color) lipgloss.Style { return lipgloss.NewStyle().Foreground(c) }
	return Styles{
		Title: fg(p.Accent).Bold(true),
		Timer: fg(p.Muted),
		Meta:  fg(p.Muted),

		StatusActive:   fg(p.Busy),
		StatusComplete: fg(p.Good),
		StatusFailed:   fg(p.Bad),
		Notice:         fg(p.Busy).Italic(true),

		ProgressFilled: fg(p.Busy),
		ProgressEmpty:  fg(p.Dim),

		Footer:    fg(p.Muted).MarginTop(1),
		FooterKey: fg(p.Busy).Bold(true),

		LogTitle: fg(p.Dim).Bold(true),
		LogLine:  fg(p.Muted),
	}
}

// Status icons
const (
	IconActive   = "●"
	IconComplete = "✓"
	IconFailed   = "✗"
	IconWaiting  = "⏳"
)
