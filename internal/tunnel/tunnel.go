// Package tunnel creates and configures the TUN interface that captures
// the host's traffic for a session, and tears it down again.
package tunnel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"os"
	"sync"
)

const (
	DefaultName    = "ananas%d"
	DefaultMTU     = 1400
	DefaultAddress = "172.19.0.1"
	DefaultPrefix  = 30
	// DefaultTable is the routing table holding the tunnel's default routes.
	DefaultTable = 2022
)

var DefaultDNS = []string{"1.1.1.1", "8.8.8.8"}

// Params describes the interface to establish.
type Params struct {
	// Session labels log lines for this interface.
	Session string
	// Name is the interface name; a %d verb lets the kernel pick a number.
	Name    string
	MTU     int
	Address string
	Prefix  int
	DNS     []string
	Table   int
	// NoIPv6 skips the best-effort IPv6 default route.
	NoIPv6 bool

	// ExcludeUID routes traffic of this user (the orchestrator and the
	// engines it spawns) around the tunnel. Only honoured when Exclude is set.
	ExcludeUID int
	Exclude    bool
}

// DefaultParams returns the stock interface parameters, excluding the
// current user's traffic from the tunnel.
func DefaultParams() Params {
	p := Params{Exclude: true, ExcludeUID: os.Getuid()}
	return p.WithDefaults()
}

// WithDefaults fills zero fields.
func (p Params) WithDefaults() Params {
	if p.Name == "" {
		p.Name = DefaultName
	}
	if p.MTU <= 0 {
		p.MTU = DefaultMTU
	}
	if p.Address == "" {
		p.Address = DefaultAddress
	}
	if p.Prefix <= 0 {
		p.Prefix = DefaultPrefix
	}
	if len(p.DNS) == 0 {
		p.DNS = DefaultDNS
	}
	if p.Table <= 0 {
		p.Table = DefaultTable
	}
	return p
}

// Validate checks the address fields.
func (p Params) Validate() error {
	addr, err := netip.ParseAddr(p.Address)
	if err != nil || !addr.Is4() {
		return fmt.Errorf("tunnel address %q is not an IPv4 address", p.Address)
	}
	if p.Prefix < 1 || p.Prefix > 32 {
		return fmt.Errorf("tunnel prefix /%d out of range", p.Prefix)
	}
	for _, s := range p.DNS {
		if _, err := netip.ParseAddr(s); err != nil {
			return fmt.Errorf("dns server %q: %w", s, err)
		}
	}
	return nil
}

// CIDR returns Address/Prefix.
func (p Params) CIDR() string { return fmt.Sprintf("%s/%d", p.Address, p.Prefix) }

// Netmask returns the dotted-quad mask for Prefix.
func (p Params) Netmask() string {
	m := ^uint32(0) << (32 - uint(p.Prefix))
	return fmt.Sprintf("%d.%d.%d.%d", byte(m>>24), byte(m>>16), byte(m>>8), byte(m))
}

// Device is the slice of a TUN device the manager needs.
// golang.zx2c4.com/wireguard/tun.Device satisfies it.
type Device interface {
	File() *os.File
	Name() (string, error)
	Close() error
}

// Runner executes configuration commands such as ip(8).
type Runner interface {
	Run(ctx context.Context, name string, args ...string) error
}

// Handle is an established interface. Release it with Manager.Teardown.
type Handle struct {
	Name   string
	Params Params
	// DNS holds the resolvers assigned to the interface.
	DNS []string

	dev  Device
	undo []command

	closeOnce sync.Once
	closeErr  error
}

// File returns the TUN descriptor as a file. It stays owned by the handle.
func (h *Handle) File() *os.File { return h.dev.File() }

// FD returns the raw TUN descriptor.
func (h *Handle) FD() int { return int(h.dev.File().Fd()) }

// Manager establishes interfaces. The zero value uses the platform TUN
// implementation and runs commands with os/exec.
type Manager struct {
	Runner Runner
	Logger *slog.Logger
	// Create overrides device creation, for tests.
	Create func(name string, mtu int) (Device, error)
}

func (m *Manager) runner() Runner {
	if m.Runner == nil {
		return execRunner{}
	}
	return m.Runner
}

func (m *Manager) logger() *slog.Logger {
	if m.Logger == nil {
		return slog.Default()
	}
	return m.Logger
}

// Establish creates and configures the interface. On failure every step
// already applied is rolled back before the error is returned.
func (m *Manager) Establish(ctx context.Context, p Params) (*Handle, error) {
	p = p.WithDefaults()
	if err := p.Validate(); err != nil {
		return nil, err
	}
	create := m.Create
	if create == nil {
		create = createTUN
	}
	log := m.logger().With("session", p.Session)

	dev, err := create(p.Name, p.MTU)
	if err != nil {
		return nil, fmt.Errorf("create TUN: %w", err)
	}
	name, err := dev.Name()
	if err != nil {
		_ = dev.Close()
		return nil, fmt.Errorf("get TUN name: %w", err)
	}
	h := &Handle{Name: name, Params: p, dev: dev}

	run := m.runner()
	for _, c := range setupCommands(name, p) {
		if err := run.Run(ctx, c.name, c.args...); err != nil {
			if c.bestEffort {
				log.Warn("optional interface step failed", "iface", name, "cmd", c.String(), "err", err)
				continue
			}
			rollbackErr := m.Teardown(h)
			return nil, errors.Join(fmt.Errorf("%s: %w", c, err), rollbackErr)
		}
		if c.undo != nil {
			h.undo = append(h.undo, *c.undo)
		}
	}
	h.DNS = p.DNS

	log.Info("interface established", "iface", name, "addr", p.CIDR(), "mtu", p.MTU)
	return h, nil
}

// Teardown removes rules and routes, deletes the link and closes the
// device. Repeated calls return the first result.
func (m *Manager) Teardown(h *Handle) error {
	if h == nil {
		return nil
	}
	h.closeOnce.Do(func() {
		var errs []error
		run := m.runner()
		ctx := context.Background()
		for i := len(h.undo) - 1; i >= 0; i-- {
			c := h.undo[i]
			if err := run.Run(ctx, c.name, c.args...); err != nil && !c.bestEffort {
				errs = append(errs, fmt.Errorf("%s: %w", c, err))
			}
		}
		if err := h.dev.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close TUN: %w", err))
		}
		h.closeErr = errors.Join(errs...)
		m.logger().Info("interface removed", "iface", h.Name)
	})
	return h.closeErr
}
