package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ananasvpn/ananas/internal/tui"
	"github.com/ananasvpn/ananas/internal/ui"
	"github.com/ananasvpn/ananas/internal/xrayconf"
)

// UpCmd hands a proxy config to the daemon and follows the session until
// it connects.
type UpCmd struct {
	ProxyConfig string `arg:"" name:"config" help:"Proxy engine config (JSON, comments allowed)." type:"existingfile"`
	NoWait      bool   `help:"Return once the daemon accepted the session."`
}

func (c *UpCmd) Run(globals *CLI) error {
	raw, err := os.ReadFile(c.ProxyConfig)
	if err != nil {
		return fmt.Errorf("read proxy config: %w", err)
	}
	if _, err := xrayconf.OutboundTags(raw); err != nil {
		// The daemon runs such a document unmodified; say so before it does.
		_, _ = fmt.Fprintln(os.Stderr, ui.Warn(fmt.Sprintf("%s will be used as is: %v", c.ProxyConfig, err)))
	}

	cl, err := globals.client()
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Subscribe first so no transition is missed.
	var follow func() error
	if !c.NoWait {
		_, snaps, _, err := feed(ctx, cl)
		if err != nil {
			return err
		}
		follow = func() error {
			return tui.WaitConnected(ctx, "Connecting", "", snaps)
		}
	}

	st, err := cl.Start(raw)
	if err != nil {
		return err
	}
	if follow == nil {
		fmt.Println(ui.StepOK(fmt.Sprintf("Session %s started", st.Session)))
		return nil
	}

	err = follow()
	switch {
	case err == nil:
		fmt.Println(ui.StepOK("Traffic is routed through the proxy; 'ananas down' to stop"))
		return nil
	case errors.Is(err, context.Canceled):
		_, _ = fmt.Fprintln(os.Stderr, ui.Warn("Stopped watching; the session keeps starting in the daemon"))
		return nil
	default:
		return err
	}
}
