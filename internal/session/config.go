package session

import (
	"context"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/ananasvpn/ananas/internal/bridge"
	"github.com/ananasvpn/ananas/internal/logging"
	"github.com/ananasvpn/ananas/internal/probe"
	"github.com/ananasvpn/ananas/internal/proxy"
	"github.com/ananasvpn/ananas/internal/status"
	"github.com/ananasvpn/ananas/internal/tunnel"
	"github.com/ananasvpn/ananas/internal/xrayconf"
)

// Files written under DataDir for each session.
const (
	ConfigFile       = "config.json"
	BridgeConfigFile = "bridge.yml"
	BridgeLogFile    = "bridge.log"
)

// DefaultBridgeBinary is the packet-to-SOCKS engine run when none is configured.
const DefaultBridgeBinary = "hev-socks5-tunnel"

// DefaultHealthInterval is how often a connected session dials its SOCKS
// inbound.
const DefaultHealthInterval = 5 * time.Second

// ProxyProcess is a running proxy engine.
type ProxyProcess interface {
	Terminate() error
	Exited() <-chan struct{}
}

// ProxyLauncher starts the proxy engine.
type ProxyLauncher interface {
	Launch(ctx context.Context, spec proxy.Spec) (ProxyProcess, error)
}

// LauncherFunc adapts a function to a ProxyLauncher.
type LauncherFunc func(ctx context.Context, spec proxy.Spec) (ProxyProcess, error)

func (f LauncherFunc) Launch(ctx context.Context, spec proxy.Spec) (ProxyProcess, error) {
	return f(ctx, spec)
}

// SupervisorLauncher launches through a proxy.Supervisor.
func SupervisorLauncher(sv *proxy.Supervisor) ProxyLauncher {
	return LauncherFunc(func(ctx context.Context, spec proxy.Spec) (ProxyProcess, error) {
		p, err := sv.Launch(ctx, spec)
		if err != nil {
			return nil, err
		}
		return p, nil
	})
}

// Prober waits for the proxy's local listener.
type Prober interface {
	WaitReady(ctx context.Context, addr string) error
}

// ProberFunc adapts a function to a Prober.
type ProberFunc func(ctx context.Context, addr string) error

func (f ProberFunc) WaitReady(ctx context.Context, addr string) error { return f(ctx, addr) }

// InterfaceManager establishes and removes the TUN interface.
type InterfaceManager interface {
	Establish(ctx context.Context, p tunnel.Params) (*tunnel.Handle, error)
	Teardown(h *tunnel.Handle) error
}

// BridgeStarter starts the packet-to-SOCKS bridge.
type BridgeStarter interface {
	Start(ctx context.Context, spec bridge.StartSpec) (*bridge.Bridge, error)
}

// Config wires an Orchestrator. Zero collaborator fields get the
// production implementations.
type Config struct {
	// DataDir receives the per-session config, bridge config and bridge log.
	DataDir string

	Proxy     proxy.Spec
	Transform xrayconf.Options
	Tunnel    tunnel.Params

	// BridgeBinary and BridgeArgs configure the default process engine.
	// BridgeArgs may use the {config} and {fd} placeholders.
	BridgeBinary   string
	BridgeArgs     []string
	BridgeLogLevel string
	BridgeUDP      bridge.UDPMode

	Launcher   ProxyLauncher
	Prober     Prober
	Interfaces InterfaceManager
	Bridges    BridgeStarter
	// Counters overrides the traffic counter source. By default the
	// bridge's own counters are used when the engine keeps them, and
	// /proc/net/dev otherwise.
	Counters     status.CounterSource
	ReportPeriod time.Duration
	// HealthInterval paces the inbound health check while connected.
	// Zero means DefaultHealthInterval; negative disables the check.
	HealthInterval time.Duration

	Now    func() time.Time
	Logger *slog.Logger
	// ProxySink and BridgeSink receive engine output lines.
	ProxySink  logging.Sink
	BridgeSink logging.Sink
}

func (c Config) withDefaults() Config {
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.DataDir == "" {
		c.DataDir = filepath.Join(os.TempDir(), "ananas")
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.ProxySink == nil {
		c.ProxySink = logging.SlogSink(c.Logger, "proxy")
	}
	if c.BridgeSink == nil {
		c.BridgeSink = logging.SlogSink(c.Logger, "bridge")
	}
	if c.Launcher == nil {
		c.Launcher = SupervisorLauncher(&proxy.Supervisor{Sink: c.ProxySink, Logger: c.Logger})
	}
	if c.Prober == nil {
		c.Prober = ProberFunc(func(ctx context.Context, addr string) error {
			return probe.WaitReady(ctx, addr, probe.Options{})
		})
	}
	if c.Interfaces == nil {
		c.Interfaces = &tunnel.Manager{Logger: c.Logger}
	}
	if c.BridgeBinary == "" {
		c.BridgeBinary = DefaultBridgeBinary
	}
	if c.Bridges == nil {
		c.Bridges = &bridge.Supervisor{
			Engine: &bridge.ProcessEngine{Binary: c.BridgeBinary, Args: c.BridgeArgs, Sink: c.BridgeSink, Logger: c.Logger},
			Sink:   c.BridgeSink,
			Logger: c.Logger,
		}
	}
	if c.HealthInterval == 0 {
		c.HealthInterval = DefaultHealthInterval
	}
	if c.BridgeLogLevel == "" {
		c.BridgeLogLevel = "warn"
	}
	return c
}

func (c Config) socksHost() string {
	if c.Transform.ListenAddr != "" {
		return c.Transform.ListenAddr
	}
	return xrayconf.DefaultListenAddr
}

func (c Config) socksPort() int {
	if c.Transform.SocksPort != 0 {
		return c.Transform.SocksPort
	}
	return xrayconf.DefaultSocksPort
}

func (c Config) socksAddr() string {
	return net.JoinHostPort(c.socksHost(), strconv.Itoa(c.socksPort()))
}

func (c Config) path(name string) string { return filepath.Join(c.DataDir, name) }
