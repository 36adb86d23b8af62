package ui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/ananasvpn/ananas/internal/status"
)

// MaxWidth is the maximum width for styled output.
const MaxWidth = 80

// Colors.
var (
	Green  = lipgloss.Color("2")
	Red    = lipgloss.Color("1")
	Yellow = lipgloss.Color("3")
	Subtle = lipgloss.Color("8")
)

var sectionStyle = lipgloss.NewStyle().
	Border(lipgloss.RoundedBorder()).
	BorderForeground(Subtle).
	Padding(0, 1).
	MarginBottom(1)

var titleStyle = lipgloss.NewStyle().Bold(true)

// StateColor is green when connected, red on error, yellow while the
// session is changing and subtle when there is none.
func StateColor(s status.State) lipgloss.Color {
	switch s {
	case status.Connected:
		return Green
	case status.Error:
		return Red
	case status.Idle, status.Disconnected:
		return Subtle
	default:
		return Yellow
	}
}

// Dot returns a colored ● for the given state.
func Dot(s status.State) string {
	return lipgloss.NewStyle().Foreground(StateColor(s)).Render("●")
}

// StateLabel returns the dot followed by a lower-case state name.
func StateLabel(s status.State) string {
	name := strings.ToLower(strings.ReplaceAll(string(s), "_", " "))
	if name == "" {
		name = "unknown"
	}
	return Dot(s) + " " + name
}

// Section renders content inside a bordered box with a bold title.
func Section(title, content string, width int) string {
	if width > MaxWidth {
		width = MaxWidth
	}
	contentWidth := max(width-4, 40)
	return sectionStyle.Width(contentWidth).Render(
		titleStyle.Render(title) + "\n" + content,
	)
}

// StepOK returns a green checkmark step line.
func StepOK(msg string) string {
	return lipgloss.NewStyle().Foreground(Green).Render("✔") + " " + msg
}

// StepPending returns a subtle circle step line (not started).
func StepPending(msg string) string {
	return lipgloss.NewStyle().Foreground(Subtle).Render("○ " + msg)
}

// StepFail returns a red cross step line.
func StepFail(msg string) string {
	return lipgloss.NewStyle().Foreground(Red).Render("✘") + " " + msg
}

// Warn returns a yellow warning message (caller writes to stderr).
func Warn(msg string) string {
	return lipgloss.NewStyle().Foreground(Yellow).Render("⚠") + " " + msg
}

// Error returns a red error message (caller writes to stderr).
func Error(msg string) string {
	return lipgloss.NewStyle().Foreground(Red).Render("✘") + " " + msg
}

// Table renders columnar data with subtle-colored headers.
// Each row is a slice of strings matching the headers length.
func Table(headers []string, rows [][]string) string {
	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = len(h)
	}
	for _, row := range rows {
		for i, cell := range row {
			if i < len(widths) && lipgloss.Width(cell) > widths[i] {
				widths[i] = lipgloss.Width(cell)
			}
		}
	}

	pad := func(cell string, w int) string {
		return cell + strings.Repeat(" ", max(w-lipgloss.Width(cell), 0))
	}

	var headerParts []string
	for i, h := range headers {
		headerParts = append(headerParts, pad(h, widths[i]))
	}
	lines := []string{lipgloss.NewStyle().Foreground(Subtle).Render(
		strings.TrimRight(strings.Join(headerParts, "  "), " "),
	)}
	for _, row := range rows {
		var parts []string
		for i, cell := range row {
			w := 0
			if i < len(widths) {
				w = widths[i]
			}
			parts = append(parts, pad(cell, w))
		}
		lines = append(lines, strings.TrimRight(strings.Join(parts, "  "), " "))
	}
	return strings.Join(lines, "\n")
}

// Row renders a two-column key-value row, with optional second pair.
func Row(k1, v1, k2, v2 string, width int) string {
	left := fmt.Sprintf("%-10s %s", k1+":", v1)
	if k2 == "" {
		return left
	}
	right := fmt.Sprintf("%s %s", k2+":", v2)
	gap := max(width/2-lipgloss.Width(left), 2)
	return left + strings.Repeat(" ", gap) + right
}

// FormatBytes formats a byte count as a human-readable string.
func FormatBytes(b int64) string {
	switch {
	case b >= 1<<30:
		return fmt.Sprintf("%.1f GB", float64(b)/float64(1<<30))
	case b >= 1<<20:
		return fmt.Sprintf("%.1f MB", float64(b)/float64(1<<20))
	case b >= 1<<10:
		return fmt.Sprintf("%.1f KB", float64(b)/float64(1<<10))
	default:
		return fmt.Sprintf("%d B", b)
	}
}

// FormatRate formats bytes per second.
func FormatRate(bps int64) string {
	return FormatBytes(bps) + "/s"
}
