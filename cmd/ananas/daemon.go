package main

import (
	"context"
	"fmt"
	"os"

	"github.com/ananasvpn/ananas/internal/daemon"
	"github.com/ananasvpn/ananas/internal/logging"
)

// DaemonCmd runs the daemon in the foreground. It owns the TUN interface
// and routing rules, so it needs root or CAP_NET_ADMIN.
type DaemonCmd struct {
	Metrics string `help:"Serve Prometheus metrics on this address (overrides settings)." placeholder:"HOST:PORT"`
}

func (c *DaemonCmd) Run(globals *CLI) error {
	s, err := globals.loadSettings()
	if err != nil {
		return err
	}
	if c.Metrics != "" {
		s.MetricsAddr = c.Metrics
	}
	sock, err := s.SocketPath()
	if err != nil {
		return err
	}
	statePath, err := s.StatePath()
	if err != nil {
		return err
	}

	// Refuse early if another daemon answers on the socket.
	if st, err := daemon.NewClient(sock).Status(); err == nil {
		return fmt.Errorf("daemon already running (PID %d)", st.PID)
	}

	log := logging.New(os.Stderr, s.LogLevel)
	sess := s.SessionConfig()
	sess.Logger = log
	return daemon.Run(context.Background(), daemon.Config{
		SocketPath:  sock,
		StatePath:   statePath,
		MetricsAddr: s.MetricsAddr,
		Session:     sess,
		Logger:      log,
	})
}
