// Package settings loads and saves the user's ananas settings file.
package settings

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"

	"github.com/ananasvpn/ananas/internal/bridge"
	"github.com/ananasvpn/ananas/internal/proxy"
	"github.com/ananasvpn/ananas/internal/session"
	"github.com/ananasvpn/ananas/internal/tunnel"
	"github.com/ananasvpn/ananas/internal/xrayconf"
)

// FileName is the settings file inside Dir.
const FileName = "settings.toml"

// Settings holds everything the daemon needs besides the proxy config
// document itself. Stored at $XDG_CONFIG_HOME/ananas/settings.toml.
type Settings struct {
	LogLevel string `toml:"log_level"`
	// DataDir receives per-session engine configs and logs.
	DataDir string `toml:"data_dir"`
	// Socket is the daemon's Unix socket. Empty means RunDir()/ananas.sock.
	Socket      string `toml:"socket,omitempty"`
	MetricsAddr string `toml:"metrics_addr,omitempty"`

	Proxy  Proxy  `toml:"proxy"`
	Bridge Bridge `toml:"bridge"`
	Tunnel Tunnel `toml:"tunnel"`
}

// Proxy configures the proxy engine and its local inbounds.
type Proxy struct {
	Binary   string `toml:"binary"`
	AssetDir string `toml:"asset_dir,omitempty"`

	ListenAddr string `toml:"listen_addr"`
	SocksPort  int    `toml:"socks_port"`
	HTTPPort   int    `toml:"http_port,omitempty"`
	// ProxyTag overrides the outbound that receives all remaining traffic.
	ProxyTag string `toml:"proxy_tag,omitempty"`
	// Affinity routes Google and Telegram lookups over DoH and Telegram
	// traffic through the proxy.
	Affinity bool `toml:"affinity"`
}

// Bridge configures the packet-to-SOCKS engine.
type Bridge struct {
	Binary   string   `toml:"binary"`
	Args     []string `toml:"args,omitempty"`
	UDP      string   `toml:"udp"`
	LogLevel string   `toml:"log_level"`
}

// Tunnel configures the TUN interface.
type Tunnel struct {
	Name    string   `toml:"name"`
	MTU     int      `toml:"mtu"`
	Address string   `toml:"address"`
	Prefix  int      `toml:"prefix"`
	DNS     []string `toml:"dns"`
	IPv6    bool     `toml:"ipv6"`
	// ExcludeSelf routes the daemon's own traffic around the tunnel.
	ExcludeSelf bool `toml:"exclude_self"`
}

// Dir returns $XDG_CONFIG_HOME/ananas, falling back to ~/.config/ananas.
func Dir() (string, error) {
	if x := os.Getenv("XDG_CONFIG_HOME"); x != "" {
		return filepath.Join(x, "ananas"), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("home dir: %w", err)
	}
	return filepath.Join(home, ".config", "ananas"), nil
}

// Path returns the default settings file path.
func Path() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, FileName), nil
}

// RunDir holds the daemon socket and run-state file: $XDG_RUNTIME_DIR/ananas
// when set, else Dir()/run.
func RunDir() (string, error) {
	if x := os.Getenv("XDG_RUNTIME_DIR"); x != "" {
		return filepath.Join(x, "ananas"), nil
	}
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "run"), nil
}

// Default returns the stock settings.
func Default() *Settings {
	return &Settings{
		LogLevel: "info",
		DataDir:  filepath.Join(os.TempDir(), "ananas"),
		Proxy: Proxy{
			Binary:     "xray",
			ListenAddr: xrayconf.DefaultListenAddr,
			SocksPort:  xrayconf.DefaultSocksPort,
			Affinity:   true,
		},
		Bridge: Bridge{
			Binary:   session.DefaultBridgeBinary,
			UDP:      string(bridge.UDPAssociate),
			LogLevel: "warn",
		},
		Tunnel: Tunnel{
			Name:        tunnel.DefaultName,
			MTU:         tunnel.DefaultMTU,
			Address:     tunnel.DefaultAddress,
			Prefix:      tunnel.DefaultPrefix,
			DNS:         append([]string(nil), tunnel.DefaultDNS...),
			IPv6:        true,
			ExcludeSelf: true,
		},
	}
}

// Load reads the settings at path over the defaults. A missing file yields
// the defaults.
func Load(path string) (*Settings, error) {
	s := Default()
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read settings %q: %w", path, err)
	}
	if err := toml.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("parse settings %q: %w", path, err)
	}
	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("settings %q: %w", path, err)
	}
	return s, nil
}

// Save writes the settings to path, creating its directory.
func (s *Settings) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	data, err := toml.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}
	return os.WriteFile(path, data, 0600)
}

// Validate reports every invalid field.
func (s *Settings) Validate() error {
	var errs []error
	switch strings.ToLower(s.LogLevel) {
	case "", "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log_level %q: want debug, info, warn or error", s.LogLevel))
	}
	if s.Proxy.Binary == "" {
		errs = append(errs, errors.New("proxy.binary is required"))
	}
	if s.Bridge.Binary == "" {
		errs = append(errs, errors.New("bridge.binary is required"))
	}
	if err := checkPort("proxy.socks_port", s.Proxy.SocksPort); err != nil {
		errs = append(errs, err)
	}
	if s.Proxy.HTTPPort != 0 {
		if err := checkPort("proxy.http_port", s.Proxy.HTTPPort); err != nil {
			errs = append(errs, err)
		}
		if s.Proxy.HTTPPort == s.Proxy.SocksPort {
			errs = append(errs, errors.New("proxy.http_port must differ from proxy.socks_port"))
		}
	}
	if ip := net.ParseIP(s.Proxy.ListenAddr); ip == nil || !ip.IsLoopback() {
		errs = append(errs, fmt.Errorf("proxy.listen_addr %q must be a loopback address", s.Proxy.ListenAddr))
	}
	switch bridge.UDPMode(s.Bridge.UDP) {
	case "", bridge.UDPAssociate, bridge.UDPOverTCP:
	default:
		errs = append(errs, fmt.Errorf("bridge.udp %q: want %q or %q", s.Bridge.UDP, bridge.UDPAssociate, bridge.UDPOverTCP))
	}
	if s.Tunnel.MTU != 0 && (s.Tunnel.MTU < 576 || s.Tunnel.MTU > 9000) {
		errs = append(errs, fmt.Errorf("tunnel.mtu %d out of range 576-9000", s.Tunnel.MTU))
	}
	if err := s.tunnelParams().Validate(); err != nil {
		errs = append(errs, err)
	}
	if s.MetricsAddr != "" {
		if _, err := netip.ParseAddrPort(s.MetricsAddr); err != nil {
			errs = append(errs, fmt.Errorf("metrics_addr %q: %w", s.MetricsAddr, err))
		}
	}
	return errors.Join(errs...)
}

func checkPort(name string, port int) error {
	if port < 1 || port > 65535 {
		return fmt.Errorf("%s %d out of range", name, port)
	}
	return nil
}

// SocketPath returns the configured socket or the default under RunDir.
func (s *Settings) SocketPath() (string, error) {
	if s.Socket != "" {
		return s.Socket, nil
	}
	dir, err := RunDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "ananas.sock"), nil
}

// StatePath returns the daemon run-state file next to the socket.
func (s *Settings) StatePath() (string, error) {
	sock, err := s.SocketPath()
	if err != nil {
		return "", err
	}
	return strings.TrimSuffix(sock, filepath.Ext(sock)) + ".json", nil
}

func (s *Settings) tunnelParams() tunnel.Params {
	p := tunnel.Params{
		Name:    s.Tunnel.Name,
		MTU:     s.Tunnel.MTU,
		Address: s.Tunnel.Address,
		Prefix:  s.Tunnel.Prefix,
		DNS:     s.Tunnel.DNS,
		NoIPv6:  !s.Tunnel.IPv6,
	}
	if s.Tunnel.ExcludeSelf {
		p.Exclude = true
		p.ExcludeUID = os.Getuid()
	}
	return p.WithDefaults()
}

// TransformOptions returns the config rewrite options.
func (s *Settings) TransformOptions() xrayconf.Options {
	return xrayconf.Options{
		ProxyTag:    s.Proxy.ProxyTag,
		ListenAddr:  s.Proxy.ListenAddr,
		SocksPort:   s.Proxy.SocksPort,
		HTTPInbound: s.Proxy.HTTPPort != 0,
		HTTPPort:    s.Proxy.HTTPPort,
		NoAffinity:  !s.Proxy.Affinity,
	}
}

// SessionConfig converts the settings to an orchestrator config with the
// production collaborators.
func (s *Settings) SessionConfig() session.Config {
	return session.Config{
		DataDir:        s.DataDir,
		Proxy:          proxy.Spec{Binary: s.Proxy.Binary, AssetDir: s.Proxy.AssetDir},
		Transform:      s.TransformOptions(),
		Tunnel:         s.tunnelParams(),
		BridgeBinary:   s.Bridge.Binary,
		BridgeArgs:     s.Bridge.Args,
		BridgeLogLevel: s.Bridge.LogLevel,
		BridgeUDP:      bridge.UDPMode(s.Bridge.UDP),
	}
}
