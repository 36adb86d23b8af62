package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/ananasvpn/ananas/internal/tui"
)

// WatchCmd shows a live dashboard. A newer watcher (or 'up') takes the
// stream over and this one exits.
type WatchCmd struct{}

func (c *WatchCmd) Run(globals *CLI) error {
	cl, err := globals.client()
	if err != nil {
		return err
	}
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM)
	defer cancel()

	st, snaps, _, err := feed(ctx, cl)
	if err != nil {
		return err
	}
	info := tui.DashInfo{PID: st.PID, Interface: st.Interface}
	return tui.Watch(ctx, info, st.Snapshot, snaps)
}
