package bridge

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the bridge engine's YAML configuration.
type Config struct {
	Tunnel TunnelSection `yaml:"tunnel"`
	Socks5 Socks5Section `yaml:"socks5"`
	Misc   MiscSection   `yaml:"misc"`
}

type TunnelSection struct {
	Name    string `yaml:"name"`
	MTU     int    `yaml:"mtu"`
	IPv4    string `yaml:"ipv4"`
	Netmask string `yaml:"netmask,omitempty"`
}

type Socks5Section struct {
	Address string `yaml:"address"`
	Port    int    `yaml:"port"`
	UDP     string `yaml:"udp"`
}

type MiscSection struct {
	LogLevel string `yaml:"log-level"`
	LogFile  string `yaml:"log-file"`
}

// ConfigFor derives the engine configuration from a start spec.
func ConfigFor(s StartSpec) Config {
	s = s.withDefaults()
	return Config{
		Tunnel: TunnelSection{Name: s.Name, MTU: s.MTU, IPv4: s.Address, Netmask: s.Netmask},
		Socks5: Socks5Section{Address: s.SocksAddr, Port: s.SocksPort, UDP: string(s.UDP)},
		Misc:   MiscSection{LogLevel: s.LogLevel, LogFile: s.LogPath},
	}
}

// WriteConfig writes cfg to path with owner-only permissions.
func WriteConfig(path string, cfg Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal bridge config: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("write bridge config: %w", err)
	}
	return nil
}

// LoadConfig reads a configuration written by WriteConfig.
func LoadConfig(path string) (Config, error) {
	var cfg Config
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read bridge config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse bridge config: %w", err)
	}
	return cfg, nil
}
