package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ananasvpn/ananas/internal/daemon"
	"github.com/ananasvpn/ananas/internal/status"
	"github.com/ananasvpn/ananas/internal/ui"
)

// StatusCmd prints the daemon's current state.
type StatusCmd struct {
	JSON bool `help:"Print the raw status as JSON."`
}

func (c *StatusCmd) Run(globals *CLI) error {
	cl, err := globals.client()
	if err != nil {
		return err
	}
	st, err := cl.Status()
	if err != nil {
		return err
	}
	if c.JSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(st)
	}
	fmt.Println(renderStatus(st, time.Now()))
	return nil
}

func renderStatus(st *daemon.DaemonStatus, now time.Time) string {
	const width = ui.MaxWidth - 4
	var lines []string
	lines = append(lines, ui.Row("STATE", ui.StateLabel(st.State), "TIME", st.Snapshot.Duration, width))
	if st.State == status.Connected {
		lines = append(lines, ui.Row("UP", ui.FormatRate(st.Snapshot.UploadRate), "DOWN", ui.FormatRate(st.Snapshot.DownloadRate), width))
	}
	if st.Interface != "" {
		lines = append(lines, ui.Row("IFACE", st.Interface, "SESSION", st.Session, width))
	}
	if st.Snapshot.Error != "" {
		lines = append(lines, ui.Error(st.Snapshot.Error))
	}
	uptime := "-"
	if !st.StartedAt.IsZero() {
		uptime = now.Sub(st.StartedAt).Round(time.Second).String()
	}
	lines = append(lines, ui.Row("DAEMON", fmt.Sprint(st.PID), "UPTIME", uptime, width))
	return ui.Section("Session", strings.Join(lines, "\n"), ui.MaxWidth)
}
