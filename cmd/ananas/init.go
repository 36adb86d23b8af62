package main

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"

	"github.com/charmbracelet/huh"
	"golang.org/x/term"

	"github.com/ananasvpn/ananas/internal/bridge"
	"github.com/ananasvpn/ananas/internal/settings"
	"github.com/ananasvpn/ananas/internal/ui"
)

// InitCmd writes a settings file, asking for the common fields.
type InitCmd struct {
	Defaults bool `help:"Write the defaults without asking."`
	Force    bool `short:"f" help:"Overwrite an existing settings file."`
}

func (c *InitCmd) Run(globals *CLI) error {
	path, err := globals.settingsPath()
	if err != nil {
		return err
	}
	if _, err := os.Stat(path); err == nil && !c.Force {
		return fmt.Errorf("%s already exists (use --force to overwrite)", path)
	}

	s := settings.Default()
	if !c.Defaults && term.IsTerminal(int(os.Stdin.Fd())) {
		if err := askSettings(s); err != nil {
			return err
		}
	}
	if err := s.Validate(); err != nil {
		return err
	}
	if err := s.Save(path); err != nil {
		return err
	}

	fmt.Println(ui.StepOK("Wrote " + path))
	for _, bin := range []string{s.Proxy.Binary, s.Bridge.Binary} {
		if _, err := exec.LookPath(bin); err != nil {
			_, _ = fmt.Fprintln(os.Stderr, ui.Warn(fmt.Sprintf("%s not found in PATH", bin)))
		}
	}
	return nil
}

func askSettings(s *settings.Settings) error {
	socks := strconv.Itoa(s.Proxy.SocksPort)
	mtu := strconv.Itoa(s.Tunnel.MTU)
	udp := s.Bridge.UDP

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Proxy engine binary").
				Value(&s.Proxy.Binary).
				Validate(required),
			huh.NewInput().
				Title("SOCKS port").
				Description("Local inbound the bridge connects to.").
				Value(&socks).
				Validate(portField),
			huh.NewConfirm().
				Title("Route Google and Telegram lookups over DoH?").
				Value(&s.Proxy.Affinity),
		),
		huh.NewGroup(
			huh.NewInput().
				Title("Bridge binary").
				Value(&s.Bridge.Binary).
				Validate(required),
			huh.NewSelect[string]().
				Title("UDP relay").
				Options(
					huh.NewOption("SOCKS5 UDP associate", string(bridge.UDPAssociate)),
					huh.NewOption("UDP over TCP", string(bridge.UDPOverTCP)),
				).
				Value(&udp),
		),
		huh.NewGroup(
			huh.NewInput().
				Title("Interface name").
				Value(&s.Tunnel.Name).
				Validate(required),
			huh.NewInput().
				Title("MTU").
				Value(&mtu).
				Validate(mtuField),
			huh.NewConfirm().
				Title("Route IPv6 through the tunnel?").
				Value(&s.Tunnel.IPv6),
		),
	)
	if err := form.Run(); err != nil {
		if errors.Is(err, huh.ErrUserAborted) {
			return errors.New("aborted")
		}
		return err
	}

	s.Proxy.SocksPort, _ = strconv.Atoi(socks)
	s.Tunnel.MTU, _ = strconv.Atoi(mtu)
	s.Bridge.UDP = udp
	return nil
}

func required(v string) error {
	if v == "" {
		return errors.New("required")
	}
	return nil
}

func portField(v string) error {
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 || n > 65535 {
		return errors.New("port must be 1-65535")
	}
	return nil
}

func mtuField(v string) error {
	n, err := strconv.Atoi(v)
	if err != nil || n < 576 || n > 9000 {
		return errors.New("MTU must be 576-9000")
	}
	return nil
}
