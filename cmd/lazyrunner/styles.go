package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

const (
	ColorPrimary   = lipgloss.Color("#7C3AED")
	ColorMuted     = lipgloss.Color("#6B7280")
	ColorSuccess   = lipgloss.Color("#10B981")
	ColorError     = lipgloss.Color("#EF4444")
	ColorWarning   = lipgloss.Color("#F59E0B")
	ColorHighlight = lipgloss.Color("#3B82F6")
)

var (
	TitleStyle    = lipgloss.NewStyle().Bold(true).Foreground(ColorPrimary)
	SubtitleStyle = lipgloss.NewStyle().Foreground(ColorMuted)
	SuccessStyle  = lipgloss.NewStyle().Foreground(ColorSuccess)
	ErrorStyle    = lipgloss.NewStyle().Bold(true).Foreground(ColorError)
	WarningStyle  = lipgloss.NewStyle().Foreground(ColorWarning)
	CmdStyle      = lipgloss.NewStyle().Foreground(ColorHighlight)

	headerCell = lipgloss.NewStyle().Bold(true).Foreground(ColorPrimary).PaddingRight(2)
	cell       = lipgloss.NewStyle().PaddingRight(2)
)

// sourceStyle colours a result origin.
func sourceStyle(src string) lipgloss.Style {
	switch src {
	case "run":
		return SuccessStyle
	case "disk":
		return WarningStyle
	case "memory":
		return CmdStyle
	}
	return SubtitleStyle
}

// printTable writes rows as padded columns under a styled header.
func printTable(w io.Writer, header []string, rows [][]string) {
	widths := make([]int, len(header))
	for i, h := range header {
		widths[i] = lipgloss.Width(h)
	}
	for _, r := range rows {
		for i, c := range r {
			if i < len(widths) && lipgloss.Width(c) > widths[i] {
				widths[i] = lipgloss.Width(c)
			}
		}
	}

	line := func(style lipgloss.Style, cols []string) string {
		parts := make([]string, len(cols))
		for i, c := range cols {
			parts[i] = style.Width(widths[i] + 2).Render(c)
		}
		return strings.TrimRight(lipgloss.JoinHorizontal(lipgloss.Top, parts...), " ")
	}
	fmt.Fprintln(w, line(headerCell, header))
	for _, r := range rows {
		fmt.Fprintln(w, line(cell, r))
	}
}

func short(key string) string {
	if len(key) > 12 {
		return key[:12]
	}
	return key
}
