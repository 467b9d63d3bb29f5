package tui

import (
	"strings"

	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/lipgloss"

	"github.com/kylemclaren/promptoncron/internal/db"
)

// Palette. Adaptive colors keep the dashboard readable on light terminals.
var (
	inkColor    = lipgloss.AdaptiveColor{Light: "#1f2933", Dark: "#f5f7fa"}
	mutedColor  = lipgloss.AdaptiveColor{Light: "#7b8794", Dark: "#9aa5b1"}
	brandColor  = lipgloss.Color("#2f80ed")
	cursorColor = lipgloss.Color("#f2994a")
	okColor     = lipgloss.Color("#27ae60")
	badColor    = lipgloss.Color("#eb5757")
	busyColor   = lipgloss.Color("#f2c94c")
)

var (
	frame = lipgloss.NewStyle().Padding(1, 2)

	title = lipgloss.NewStyle().Bold(true).Foreground(brandColor)
	muted = lipgloss.NewStyle().Foreground(mutedColor)
	note  = muted.Italic(true)
	rule  = muted

	keyHint  = lipgloss.NewStyle().Bold(true).Foreground(brandColor)
	descHint = muted

	flashOK  = lipgloss.NewStyle().Bold(true).Foreground(okColor)
	flashErr = lipgloss.NewStyle().Bold(true).Foreground(badColor)

	placeholder = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(mutedColor).
			Foreground(mutedColor).
			Padding(2, 4).
			Align(lipgloss.Center)
)

var runStyles = map[db.RunStatus]lipgloss.Style{
	db.RunStatusSuccess: lipgloss.NewStyle().Bold(true).Foreground(okColor),
	db.RunStatusFailed:  lipgloss.NewStyle().Bold(true).Foreground(badColor),
	db.RunStatusRunning: lipgloss.NewStyle().Bold(true).Foreground(busyColor),
	db.RunStatusQueued:  lipgloss.NewStyle().Foreground(mutedColor),
}

// runBadge renders a run status as an upper-case badge with its marker
func runBadge(status db.RunStatus) string {
	label := runIcon(status) + " " + strings.ToUpper(string(status))
	if style, ok := runStyles[status]; ok {
		return style.Render(label)
	}
	return muted.Render(label)
}

func taskBadge(task *db.Task) string {
	if task.Enabled() {
		return runStyles[db.RunStatusSuccess].Render("● enabled")
	}
	return runStyles[db.RunStatusFailed].Render("○ disabled")
}

func tableStyles() table.Styles {
	s := table.DefaultStyles()
	s.Header = s.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(mutedColor).
		BorderBottom(true).
		Bold(true).
		Foreground(brandColor)
	s.Cell = s.Cell.Foreground(inkColor)
	s.Selected = s.Selected.
		Foreground(lipgloss.Color("#ffffff")).
		Background(cursorColor).
		Bold(true)
	return s
}
