package main

import (
	"fmt"

	"github.com/ananasvpn/ananas/internal/status"
	"github.com/ananasvpn/ananas/internal/ui"
)

// DownCmd stops the session. The daemon keeps running.
type DownCmd struct {
	Shutdown bool `help:"Also stop the daemon."`
}

func (c *DownCmd) Run(globals *CLI) error {
	cl, err := globals.client()
	if err != nil {
		return err
	}

	before, err := cl.Status()
	if err != nil {
		return err
	}
	if before.State != status.Idle {
		if _, err := cl.Stop(); err != nil {
			return err
		}
		fmt.Println(ui.StepOK("Session stopped, routes restored"))
	} else {
		fmt.Println(ui.StepOK("No session running"))
	}

	if c.Shutdown {
		if err := cl.Shutdown(); err != nil {
			return err
		}
		fmt.Println(ui.StepOK(fmt.Sprintf("Daemon %d stopped", before.PID)))
	}
	return nil
}
