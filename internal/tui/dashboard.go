package tui

import (
	"context"
	"fmt"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/ananasvpn/ananas/internal/status"
	"github.com/ananasvpn/ananas/internal/ui"
)

// DashInfo is the static part of the dashboard.
type DashInfo struct {
	PID       int
	Interface string
}

// dashModel is the Bubble Tea model for the live session dashboard.
type dashModel struct {
	info     DashInfo
	snap     status.Snapshot
	snaps    <-chan status.Snapshot
	width    int
	ended    bool
	quitting bool
}

func newDashModel(info DashInfo, initial status.Snapshot, snaps <-chan status.Snapshot) dashModel {
	return dashModel{info: info, snap: initial, snaps: snaps, width: 80}
}

func (m dashModel) Init() tea.Cmd {
	return waitSnapshot(m.snaps)
}

func (m dashModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			m.quitting = true
			return m, tea.Quit
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		return m, nil

	case snapshotMsg:
		m.snap = status.Snapshot(msg)
		return m, waitSnapshot(m.snaps)

	case streamEndMsg:
		m.ended = true
		return m, tea.Quit
	}

	return m, nil
}

func (m dashModel) View() string {
	if m.quitting {
		return ""
	}
	out := renderDashboard(m.info, m.snap, m.width)
	if m.ended {
		out += "\n" + ui.Warn("daemon closed the status stream") + "\n"
	}
	return out
}

var helpStyle = lipgloss.NewStyle().Foreground(ui.Subtle)

// renderDashboard renders the session section for one snapshot.
func renderDashboard(info DashInfo, s status.Snapshot, width int) string {
	if width > ui.MaxWidth {
		width = ui.MaxWidth
	}
	contentWidth := max(width-4, 40)

	var lines []string
	lines = append(lines, ui.Row("STATE", ui.StateLabel(s.State), "TIME", s.Duration, contentWidth))
	if s.State == status.Connected {
		lines = append(lines, ui.Row("UP", ui.FormatRate(s.UploadRate), "DOWN", ui.FormatRate(s.DownloadRate), contentWidth))
	}
	iface := info.Interface
	if iface == "" {
		iface = "-"
	}
	pid := "-"
	if info.PID > 0 {
		pid = fmt.Sprint(info.PID)
	}
	lines = append(lines, ui.Row("IFACE", iface, "DAEMON", pid, contentWidth))
	if s.Error != "" {
		lines = append(lines, errorStyle.Render("Error: "+s.Error))
	}

	help := helpStyle.Render("q to quit")
	return ui.Section("Session", strings.Join(lines, "\n"), width) + "\n" + help
}

// Watch shows a live dashboard of snaps until the user quits, ctx ends or
// the feed closes.
func Watch(ctx context.Context, info DashInfo, initial status.Snapshot, snaps <-chan status.Snapshot) error {
	p := tea.NewProgram(newDashModel(info, initial, snaps), tea.WithContext(ctx))
	_, err := p.Run()
	if err != nil && ctx.Err() != nil {
		return nil
	}
	return err
}
