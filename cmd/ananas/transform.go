package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/ananasvpn/ananas/internal/ui"
	"github.com/ananasvpn/ananas/internal/xrayconf"
)

// TransformCmd prints the rewritten proxy config without starting anything.
type TransformCmd struct {
	ProxyConfig string `arg:"" name:"config" help:"Proxy engine config (JSON, comments allowed); - reads stdin."`
	Output      string `short:"o" help:"Write to this file instead of stdout." type:"path"`
}

func (c *TransformCmd) Run(globals *CLI) error {
	var raw []byte
	var err error
	if c.ProxyConfig == "-" {
		raw, err = io.ReadAll(os.Stdin)
	} else {
		raw, err = os.ReadFile(c.ProxyConfig)
	}
	if err != nil {
		return fmt.Errorf("read proxy config: %w", err)
	}

	s, err := globals.loadSettings()
	if err != nil {
		return err
	}
	out, err := xrayconf.Transform(raw, s.TransformOptions())
	var cfgErr *xrayconf.ConfigError
	if errors.As(err, &cfgErr) {
		_, _ = fmt.Fprintln(os.Stderr, ui.Warn(fmt.Sprintf("not rewritten: %v", err)))
	} else if err != nil {
		return err
	}
	out = append(out, '\n')

	if c.Output == "" {
		_, err = os.Stdout.Write(out)
		return err
	}
	return os.WriteFile(c.Output, out, 0600)
}
