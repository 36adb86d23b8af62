package tui

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"

	"github.com/ananasvpn/ananas/internal/status"
	"github.com/ananasvpn/ananas/internal/ui"
)

// ErrStopped is returned when a session stops before connecting.
var ErrStopped = errors.New("session stopped before connecting")

// ErrStreamClosed is returned when the snapshot feed ends early.
var ErrStreamClosed = errors.New("status stream closed")

// SessionError carries the error text of an ERROR snapshot.
type SessionError struct{ Text string }

func (e *SessionError) Error() string { return e.Text }

// startSteps are the lifecycle stages shown while a session starts.
var startSteps = []struct {
	state status.State
	title string
}{
	{status.Starting, "Starting proxy engine"},
	{status.EstablishingInterface, "Establishing interface"},
	{status.Bridging, "Bridging traffic"},
}

func stepIndex(s status.State) int {
	for i, st := range startSteps {
		if st.state == s {
			return i
		}
	}
	return -1
}

// Internal Bubble Tea messages.
type snapshotMsg status.Snapshot
type streamEndMsg struct{}

func waitSnapshot(ch <-chan status.Snapshot) tea.Cmd {
	return func() tea.Msg {
		s, ok := <-ch
		if !ok {
			return streamEndMsg{}
		}
		return snapshotMsg(s)
	}
}

// progress tracks a starting session from its snapshots.
type progress struct {
	title   string
	snaps   <-chan status.Snapshot
	current int // index into startSteps; len(startSteps) once connected
	errMsg  string
	err     error
	spinner spinner.Model
	cancel  context.CancelFunc
}

func newProgress(title string, initial status.State, snaps <-chan status.Snapshot) *progress {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(ui.Yellow)
	p := &progress{title: title, snaps: snaps, spinner: s}
	p.apply(status.Snapshot{State: initial})
	return p
}

// apply advances the steps and reports whether the session settled.
func (m *progress) apply(s status.Snapshot) bool {
	switch s.State {
	case status.Connected:
		m.current = len(startSteps)
		return true
	case status.Error:
		m.errMsg = s.Error
		m.err = &SessionError{Text: s.Error}
		return true
	case status.Stopping, status.Disconnected:
		if m.err == nil {
			m.err = ErrStopped
		}
		return true
	}
	if i := stepIndex(s.State); i > m.current {
		m.current = i
	}
	return false
}

func (m *progress) settled() bool {
	return m.err != nil || m.current >= len(startSteps)
}

func (m *progress) Init() tea.Cmd {
	if m.settled() {
		return tea.Quit
	}
	return tea.Batch(m.spinner.Tick, waitSnapshot(m.snaps))
}

func (m *progress) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if msg.String() == "ctrl+c" {
			if m.cancel != nil {
				m.cancel()
			}
			m.err = context.Canceled
			return m, tea.Quit
		}

	case snapshotMsg:
		if m.apply(status.Snapshot(msg)) {
			return m, tea.Quit
		}
		return m, waitSnapshot(m.snaps)

	case streamEndMsg:
		if !m.settled() {
			m.err = ErrStreamClosed
		}
		return m, tea.Quit

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}

	return m, nil
}

var (
	headerStyle = lipgloss.NewStyle().Bold(true)
	errorStyle  = lipgloss.NewStyle().Foreground(ui.Red)
)

func (m *progress) View() string {
	var b strings.Builder
	b.WriteString(headerStyle.Render(m.title) + "\n")
	for i, st := range startSteps {
		switch {
		case i < m.current:
			b.WriteString("  " + ui.StepOK(st.title) + "\n")
		case i == m.current && m.err != nil:
			b.WriteString("  " + ui.StepFail(st.title) + "\n")
			if m.errMsg != "" {
				b.WriteString("    " + errorStyle.Render("Error: "+m.errMsg) + "\n")
			}
		case i == m.current:
			b.WriteString("  " + m.spinner.View() + " " + st.title + "\n")
		default:
			b.WriteString("  " + ui.StepPending(st.title) + "\n")
		}
	}
	if m.current >= len(startSteps) {
		b.WriteString("  " + ui.StepOK("Connected") + "\n")
	}
	return b.String()
}

// WaitConnected renders session start progress from snaps until the session
// connects, fails or stops. initial is the state reported when the start was
// accepted. Falls back to plain output if stdout is not a TTY.
func WaitConnected(ctx context.Context, title string, initial status.State, snaps <-chan status.Snapshot) error {
	if !term.IsTerminal(int(os.Stdout.Fd())) {
		return waitConnectedPlain(ctx, os.Stdout, title, initial, snaps)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	m := newProgress(title, initial, snaps)
	m.cancel = cancel
	p := tea.NewProgram(m, tea.WithContext(ctx))
	result, err := p.Run()
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("TUI: %w", err)
	}
	if r, ok := result.(*progress); ok && r.err != nil {
		return r.err
	}
	return nil
}

// waitConnectedPlain prints one line per completed stage (non-TTY fallback).
func waitConnectedPlain(ctx context.Context, w io.Writer, title string, initial status.State, snaps <-chan status.Snapshot) error {
	_, _ = fmt.Fprintln(w, title)
	m := newProgress(title, initial, nil)
	printed := 0
	flush := func() {
		for ; printed < m.current && printed < len(startSteps); printed++ {
			_, _ = fmt.Fprintln(w, "  "+ui.StepOK(startSteps[printed].title))
		}
	}
	for !m.settled() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case s, ok := <-snaps:
			if !ok {
				return ErrStreamClosed
			}
			m.apply(s)
			flush()
		}
	}
	flush()
	if m.err != nil {
		if m.current < len(startSteps) {
			_, _ = fmt.Fprintln(w, "  "+ui.StepFail(startSteps[m.current].title))
		}
		return m.err
	}
	_, _ = fmt.Fprintln(w, "  "+ui.StepOK("Connected"))
	return nil
}
