package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/alecthomas/kong"

	"github.com/ananasvpn/ananas/internal/daemon"
	"github.com/ananasvpn/ananas/internal/settings"
	"github.com/ananasvpn/ananas/internal/status"
)

// CLI is the top-level Kong struct.
type CLI struct {
	Config   string `short:"c" help:"Settings file (default: $XDG_CONFIG_HOME/ananas/settings.toml)." type:"path"`
	Socket   string `help:"Daemon socket (overrides settings)." type:"path"`
	LogLevel string `help:"Log level (debug, info, warn, error; overrides settings)."`

	Daemon    DaemonCmd    `cmd:"" help:"Run the session daemon in the foreground (needs CAP_NET_ADMIN)."`
	Up        UpCmd        `cmd:"" help:"Start a session with a proxy config."`
	Down      DownCmd      `cmd:"" help:"Stop the session."`
	Status    StatusCmd    `cmd:"" help:"Show session state."`
	Watch     WatchCmd     `cmd:"" help:"Live session dashboard."`
	Transform TransformCmd `cmd:"" help:"Print the proxy config as the daemon would run it."`
	Ping      PingCmd      `cmd:"" help:"Measure TCP connect latency to proxy servers."`
	Init      InitCmd      `cmd:"" help:"Create the settings file."`
	Version   VersionCmd   `cmd:"" help:"Print version."`
}

func main() {
	var cli CLI
	k, err := kong.New(&cli,
		kong.Name("ananas"),
		kong.Description("ananas routes all traffic of this machine through a proxy engine."),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{
			NoExpandSubcommands: true,
			Compact:             true,
		}),
	)
	if err != nil {
		panic(err)
	}

	args := os.Args[1:]
	// No args or bare "help" prints usage and exits 0.
	if len(args) == 0 || (len(args) == 1 && args[0] == "help") {
		_, _ = k.Parse([]string{"--help"})
		os.Exit(0)
	}

	ctx, err := k.Parse(args)
	k.FatalIfErrorf(err)
	k.FatalIfErrorf(ctx.Run(&cli))
}

// settingsPath returns --config or the default location.
func (c *CLI) settingsPath() (string, error) {
	if c.Config != "" {
		return c.Config, nil
	}
	return settings.Path()
}

// loadSettings reads the settings file and applies flag overrides.
func (c *CLI) loadSettings() (*settings.Settings, error) {
	path, err := c.settingsPath()
	if err != nil {
		return nil, err
	}
	s, err := settings.Load(path)
	if err != nil {
		return nil, err
	}
	if c.Socket != "" {
		s.Socket = c.Socket
	}
	if c.LogLevel != "" {
		s.LogLevel = c.LogLevel
		if err := s.Validate(); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// client returns a daemon client and fails early when no daemon listens.
func (c *CLI) client() (*daemon.Client, error) {
	s, err := c.loadSettings()
	if err != nil {
		return nil, err
	}
	sock, err := s.SocketPath()
	if err != nil {
		return nil, err
	}
	cl := daemon.NewClient(sock)
	if !cl.IsRunning() {
		return nil, fmt.Errorf("no daemon listening on %s; start one with 'sudo ananas daemon'", sock)
	}
	return cl, nil
}

// feed subscribes to the daemon's snapshot stream. The initial status
// arrives before feed returns, so nothing published afterwards is missed.
// snaps is closed when the stream ends; errc then holds the reason.
func feed(ctx context.Context, cl *daemon.Client) (*daemon.DaemonStatus, <-chan status.Snapshot, <-chan error, error) {
	initial := make(chan *daemon.DaemonStatus, 1)
	snaps := make(chan status.Snapshot, 16)
	errc := make(chan error, 1)
	go func() {
		defer close(snaps)
		errc <- cl.Subscribe(ctx,
			func(st *daemon.DaemonStatus) { initial <- st },
			func(s status.Snapshot) {
				select {
				case snaps <- s:
				case <-ctx.Done():
				}
			})
	}()
	select {
	case st := <-initial:
		return st, snaps, errc, nil
	case err := <-errc:
		if err == nil {
			err = errors.New("daemon closed the status stream")
		}
		return nil, nil, nil, err
	}
}
