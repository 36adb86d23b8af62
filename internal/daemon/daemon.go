// Package daemon runs the session orchestrator behind a Unix socket so the
// CLI can start, stop and watch sessions from other processes.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ananasvpn/ananas/internal/session"
	"github.com/ananasvpn/ananas/internal/status"
)

// StopTimeout bounds how long "stop" and shutdown wait for teardown.
const StopTimeout = 10 * time.Second

// Config holds everything the daemon needs to start.
type Config struct {
	SocketPath string
	StatePath  string
	// MetricsAddr serves /metrics when set, e.g. "127.0.0.1:9323".
	MetricsAddr string
	Session     session.Config
	Logger      *slog.Logger
}

// Run starts the daemon and blocks until shutdown.
// This is the main entry point for `ananas daemon`.
func Run(ctx context.Context, cfg Config) error {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	if cfg.Session.Logger == nil {
		cfg.Session.Logger = log
	}

	// Ignore SIGHUP so the daemon survives terminal close.
	signal.Ignore(syscall.SIGHUP)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if st, err := LoadRunState(cfg.StatePath); err != nil {
		log.Warn("ignoring unreadable run state", "path", cfg.StatePath, "err", err)
	} else if st != nil && st.PID != os.Getpid() {
		return fmt.Errorf("daemon already running (pid %d, socket %s)", st.PID, st.Socket)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	hub := &Hub{Metrics: status.NewMetrics(reg)}

	orch := session.New(cfg.Session)
	orch.Subscribe(hub)

	d := &daemonHandler{
		orch:      orch,
		hub:       hub,
		cancel:    cancel,
		startedAt: time.Now(),
		log:       log,
	}

	if err := os.MkdirAll(filepath.Dir(cfg.SocketPath), 0700); err != nil {
		return fmt.Errorf("create socket dir: %w", err)
	}
	srv := NewServer(cfg.SocketPath, d, log)
	if err := srv.Start(); err != nil {
		return fmt.Errorf("start IPC server: %w", err)
	}
	defer srv.Stop()

	var metricsAddr string
	if cfg.MetricsAddr != "" {
		ms, addr, err := serveMetrics(cfg.MetricsAddr, reg, log)
		if err != nil {
			return err
		}
		metricsAddr = addr
		defer func() {
			sctx, scancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer scancel()
			_ = ms.Shutdown(sctx)
		}()
	}

	state := &RunState{
		PID:         os.Getpid(),
		Socket:      cfg.SocketPath,
		MetricsAddr: metricsAddr,
		StartedAt:   d.startedAt,
	}
	if err := WriteRunState(cfg.StatePath, state); err != nil {
		log.Warn("write run state", "err", err)
	}
	defer func() { _ = RemoveRunState(cfg.StatePath) }()

	log.Info("daemon ready", "pid", os.Getpid(), "socket", cfg.SocketPath)

	<-ctx.Done()
	log.Info("shutting down...")

	select {
	case <-orch.Stop():
	case <-time.After(StopTimeout):
		log.Warn("session teardown did not finish in time", "timeout", StopTimeout)
	}
	return nil
}

func serveMetrics(addr string, reg *prometheus.Registry, log *slog.Logger) (*http.Server, string, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, "", fmt.Errorf("listen metrics on %s: %w", addr, err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	ms := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := ms.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server", "err", err)
		}
	}()
	log.Info("serving metrics", "addr", ln.Addr().String())
	return ms, ln.Addr().String(), nil
}

// daemonHandler implements Handler for the IPC server.
type daemonHandler struct {
	orch      *session.Orchestrator
	hub       *Hub
	cancel    context.CancelFunc
	startedAt time.Time
	log       *slog.Logger
}

func (d *daemonHandler) HandleStart(config []byte) error {
	return d.orch.Start(config)
}

func (d *daemonHandler) HandleStop(ctx context.Context) error {
	select {
	case <-d.orch.Stop():
		return nil
	case <-time.After(StopTimeout):
		return fmt.Errorf("session still stopping after %s", StopTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *daemonHandler) HandleStatus() *DaemonStatus {
	info := d.orch.Info()
	return &DaemonStatus{
		PID:         os.Getpid(),
		State:       info.State,
		Snapshot:    info.Snapshot,
		Session:     info.Session,
		Interface:   info.Interface,
		StartedAt:   d.startedAt,
		ConnectedAt: info.ConnectedAt,
	}
}

func (d *daemonHandler) HandleSubscribe() (<-chan status.Snapshot, func()) {
	return d.hub.Subscribe()
}

func (d *daemonHandler) HandleShutdown() {
	d.log.Info("shutdown requested")
	d.cancel()
}
