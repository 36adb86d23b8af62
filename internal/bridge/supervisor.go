// Package bridge hands the TUN descriptor to a packet-to-SOCKS engine
// and relays the engine's log file into the process log.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/ananasvpn/ananas/internal/logging"
)

// Engine runs the packet-to-SOCKS bridge on an open TUN descriptor.
type Engine interface {
	Start(configPath string, fd int) error
	Stop() error
}

// StatsReporter is implemented by engines that count relayed bytes.
type StatsReporter interface {
	Stats() (tx, rx uint64, err error)
}

// ErrNoStats is returned by Bridge.Stats when the engine keeps no counters.
var ErrNoStats = errors.New("bridge engine reports no stats")

// UDPMode selects how the engine relays UDP through SOCKS5.
type UDPMode string

const (
	UDPAssociate UDPMode = "udp"
	UDPOverTCP   UDPMode = "tcp"
)

// StartSpec describes one bridge start.
type StartSpec struct {
	TunFD *os.File
	// Name is the TUN interface name.
	Name    string
	MTU     int
	Address string
	Netmask string

	SocksAddr string
	SocksPort int
	UDP       UDPMode

	ConfigPath string
	LogPath    string
	LogLevel   string
}

func (s StartSpec) withDefaults() StartSpec {
	if s.SocksAddr == "" {
		s.SocksAddr = "127.0.0.1"
	}
	if s.UDP == "" {
		s.UDP = UDPAssociate
	}
	if s.LogLevel == "" {
		s.LogLevel = "warn"
	}
	return s
}

// Supervisor starts bridges on its Engine.
type Supervisor struct {
	Engine Engine
	// Sink receives complete lines from the engine's log file.
	Sink         logging.Sink
	Logger       *slog.Logger
	TailInterval time.Duration
}

// Bridge is a running engine plus its log tailer.
type Bridge struct {
	engine Engine
	logger *slog.Logger
	cancel context.CancelFunc
	done   chan struct{}

	stopOnce sync.Once
	stopErr  error
}

// Start clears FD_CLOEXEC on the descriptor, writes the engine config,
// starts the engine and begins tailing its log.
func (sv *Supervisor) Start(ctx context.Context, spec StartSpec) (*Bridge, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if sv.Engine == nil {
		return nil, errors.New("no bridge engine configured")
	}
	if spec.TunFD == nil {
		return nil, errors.New("no TUN descriptor")
	}
	if spec.ConfigPath == "" || spec.LogPath == "" {
		return nil, errors.New("bridge config and log paths are required")
	}
	logger := sv.Logger
	if logger == nil {
		logger = slog.Default()
	}
	spec = spec.withDefaults()

	fd := int(spec.TunFD.Fd())
	if err := clearCloexec(fd); err != nil {
		logger.Warn("could not clear FD_CLOEXEC on TUN descriptor", "fd", fd, "err", err)
	}

	if err := os.Remove(spec.LogPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		logger.Warn("could not remove old bridge log", "path", spec.LogPath, "err", err)
	}
	if err := WriteConfig(spec.ConfigPath, ConfigFor(spec)); err != nil {
		return nil, err
	}
	if err := sv.Engine.Start(spec.ConfigPath, fd); err != nil {
		return nil, fmt.Errorf("start bridge engine: %w", err)
	}

	tailCtx, cancel := context.WithCancel(context.Background())
	b := &Bridge{
		engine: sv.Engine,
		logger: logger,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	t := &Tailer{Path: spec.LogPath, Sink: sv.Sink, Interval: sv.TailInterval}
	go func() {
		defer close(b.done)
		t.Run(tailCtx)
	}()

	logger.Info("bridge started", "iface", spec.Name, "socks", fmt.Sprintf("%s:%d", spec.SocksAddr, spec.SocksPort))
	return b, nil
}

// Stop stops the engine (best-effort) and then the log tailer. Repeated
// calls return the first result.
func (b *Bridge) Stop() error {
	b.stopOnce.Do(func() {
		if err := b.engine.Stop(); err != nil {
			b.stopErr = fmt.Errorf("stop bridge engine: %w", err)
		}
		b.cancel()
		<-b.done
		b.logger.Info("bridge stopped")
	})
	return b.stopErr
}

// Stats returns the engine's byte counters, or ErrNoStats.
func (b *Bridge) Stats() (tx, rx uint64, err error) {
	sr, ok := b.engine.(StatsReporter)
	if !ok {
		return 0, 0, ErrNoStats
	}
	return sr.Stats()
}
