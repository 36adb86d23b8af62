// Package session drives one tunneling session at a time through its
// lifecycle: proxy engine, readiness, TUN interface, bridge, telemetry,
// and an ordered teardown that runs no matter how far start got.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/ananasvpn/ananas/internal/bridge"
	"github.com/ananasvpn/ananas/internal/probe"
	"github.com/ananasvpn/ananas/internal/status"
	"github.com/ananasvpn/ananas/internal/tunnel"
	"github.com/ananasvpn/ananas/internal/xrayconf"
)

// State is the orchestrator's lifecycle state.
type State = status.State

const (
	Idle                  = status.Idle
	Starting              = status.Starting
	EstablishingInterface = status.EstablishingInterface
	Bridging              = status.Bridging
	Connected             = status.Connected
	Stopping              = status.Stopping
	Error                 = status.Error
)

// Orchestrator owns at most one session.
type Orchestrator struct {
	cfg Config
	log *slog.Logger

	// emitMu orders state changes with their delivery to the observer.
	emitMu sync.Mutex

	mu    sync.Mutex
	state State
	sess  *session
	last  status.Snapshot
	seq   int

	obsMu    sync.Mutex
	obsGen   uint64
	observer status.Observer
}

type session struct {
	id     string
	ctx    context.Context
	cancel context.CancelFunc

	pipelineDone chan struct{}
	stopDone     chan struct{}
	stopping     bool

	connectedAt time.Time

	// Handles, guarded by Orchestrator.mu.
	proc           ProxyProcess
	iface          *tunnel.Handle
	bridge         *bridge.Bridge
	reporterCancel context.CancelFunc
	reporterDone   chan struct{}
}

// Info describes the orchestrator for status queries.
type Info struct {
	State       State
	Snapshot    status.Snapshot
	Session     string
	Interface   string
	ConnectedAt time.Time
}

// New returns an idle orchestrator.
func New(cfg Config) *Orchestrator {
	cfg = cfg.withDefaults()
	return &Orchestrator{
		cfg:   cfg,
		log:   cfg.Logger,
		state: Idle,
		last:  status.NewSnapshot(status.Disconnected, 0),
	}
}

// Subscribe installs obs as the single observer, replacing any previous
// one. The returned func clears the slot unless a later Subscribe has
// already replaced obs. obs is called with the transition lock held; a
// call to Start or Stop from inside Observe deadlocks.
func (o *Orchestrator) Subscribe(obs status.Observer) (cancel func()) {
	o.obsMu.Lock()
	o.obsGen++
	gen := o.obsGen
	o.observer = obs
	o.obsMu.Unlock()
	return func() {
		o.obsMu.Lock()
		if o.obsGen == gen {
			o.observer = nil
		}
		o.obsMu.Unlock()
	}
}

// Unsubscribe clears the observer. Later snapshots are dropped.
func (o *Orchestrator) Unsubscribe() {
	o.obsMu.Lock()
	o.obsGen++
	o.observer = nil
	o.obsMu.Unlock()
}

func (o *Orchestrator) emit(s status.Snapshot) {
	o.obsMu.Lock()
	obs := o.observer
	o.obsMu.Unlock()
	if obs != nil {
		obs.Observe(s)
	}
}

// State returns the current state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Current returns the most recent snapshot.
func (o *Orchestrator) Current() status.Snapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.last
}

// Info returns the current state, snapshot and session details.
func (o *Orchestrator) Info() Info {
	o.mu.Lock()
	defer o.mu.Unlock()
	info := Info{State: o.state, Snapshot: o.last}
	if s := o.sess; s != nil {
		info.Session = s.id
		info.ConnectedAt = s.connectedAt
		if s.iface != nil {
			info.Interface = s.iface.Name
		}
	}
	return info
}

// Start begins a session with the raw proxy configuration document and
// returns at once; progress is reported through snapshots. It returns
// ErrSessionActive unless the orchestrator is idle.
func (o *Orchestrator) Start(raw []byte) error {
	o.emitMu.Lock()
	defer o.emitMu.Unlock()

	o.mu.Lock()
	if o.state != Idle {
		o.mu.Unlock()
		return ErrSessionActive
	}
	o.seq++
	ctx, cancel := context.WithCancel(context.Background())
	s := &session{
		id:           strconv.Itoa(o.seq),
		ctx:          ctx,
		cancel:       cancel,
		pipelineDone: make(chan struct{}),
		stopDone:     make(chan struct{}),
	}
	o.sess = s
	snap := o.setStateLocked(s, Starting, "")
	o.mu.Unlock()

	o.emit(snap)
	o.log.Info("session starting", "session", s.id)

	doc := append([]byte(nil), raw...)
	go o.pipeline(s, doc)
	return nil
}

// Stop tears the session down. It is a no-op when idle. The returned
// channel is closed once the orchestrator is idle again; concurrent and
// repeated calls share it.
func (o *Orchestrator) Stop() <-chan struct{} {
	o.emitMu.Lock()
	defer o.emitMu.Unlock()

	o.mu.Lock()
	s := o.sess
	if s == nil {
		o.mu.Unlock()
		done := make(chan struct{})
		close(done)
		return done
	}
	if s.stopping {
		o.mu.Unlock()
		return s.stopDone
	}
	s.stopping = true
	snap := o.setStateLocked(s, Stopping, "")
	o.mu.Unlock()

	o.emit(snap)
	o.log.Info("session stopping", "session", s.id)

	go func() {
		s.cancel()
		<-s.pipelineDone
		o.teardown(s)
	}()
	return s.stopDone
}

// setStateLocked records a transition and returns its snapshot.
func (o *Orchestrator) setStateLocked(s *session, st State, errText string) status.Snapshot {
	o.state = st
	var elapsed time.Duration
	if !s.connectedAt.IsZero() {
		elapsed = o.cfg.Now().Sub(s.connectedAt)
	}
	snap := status.NewSnapshot(st, elapsed)
	snap.Error = errText
	o.last = snap
	return snap
}

// advance moves a starting session forward unless Stop got there first.
func (o *Orchestrator) advance(s *session, st State) bool {
	o.emitMu.Lock()
	defer o.emitMu.Unlock()

	o.mu.Lock()
	if o.sess != s || s.stopping {
		o.mu.Unlock()
		return false
	}
	if st == Connected {
		s.connectedAt = o.cfg.Now()
	}
	snap := o.setStateLocked(s, st, "")
	o.mu.Unlock()

	o.emit(snap)
	return true
}

// fail publishes ERROR and starts teardown.
func (o *Orchestrator) fail(s *session, err error) {
	o.emitMu.Lock()
	o.mu.Lock()
	if o.sess != s || s.stopping {
		o.mu.Unlock()
		o.emitMu.Unlock()
		return
	}
	snap := o.setStateLocked(s, Error, err.Error())
	o.mu.Unlock()
	o.emit(snap)
	o.emitMu.Unlock()

	o.log.Error("session failed", "session", s.id, "err", err)
	o.Stop()
}

func (o *Orchestrator) pipeline(s *session, raw []byte) {
	defer close(s.pipelineDone)
	err := o.run(s, raw)
	if err == nil || s.ctx.Err() != nil {
		return
	}
	o.fail(s, err)
}

func (o *Orchestrator) run(s *session, raw []byte) error {
	ctx := s.ctx
	log := o.log.With("session", s.id)
	cfg := o.cfg

	doc, err := xrayconf.Transform(raw, cfg.Transform)
	var cfgErr *ConfigError
	if errors.As(err, &cfgErr) {
		log.Warn("using proxy config as given", "err", err)
	}
	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		return &ProcessLaunchError{Err: fmt.Errorf("create data dir: %w", err)}
	}
	configPath := cfg.path(ConfigFile)
	if err := os.WriteFile(configPath, doc, 0600); err != nil {
		return &ProcessLaunchError{Err: fmt.Errorf("write config: %w", err)}
	}

	spec := cfg.Proxy
	spec.ConfigPath = configPath
	if spec.WorkDir == "" {
		spec.WorkDir = cfg.DataDir
	}
	proc, err := cfg.Launcher.Launch(ctx, spec)
	if err != nil {
		return &ProcessLaunchError{Err: err}
	}
	o.mu.Lock()
	s.proc = proc
	o.mu.Unlock()
	go o.watchProxy(s, proc)

	addr := cfg.socksAddr()
	if err := cfg.Prober.WaitReady(ctx, addr); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.Warn("continuing without readiness", "err", &ReadinessTimeout{Addr: addr, Err: err})
	}

	if !o.advance(s, EstablishingInterface) {
		return ctx.Err()
	}
	params := cfg.Tunnel
	params.Session = s.id
	iface, err := cfg.Interfaces.Establish(ctx, params)
	if err != nil {
		return &InterfaceError{Err: err}
	}
	o.mu.Lock()
	s.iface = iface
	o.mu.Unlock()

	if !o.advance(s, Bridging) {
		return ctx.Err()
	}
	br, err := cfg.Bridges.Start(ctx, bridge.StartSpec{
		TunFD:      iface.File(),
		Name:       iface.Name,
		MTU:        iface.Params.MTU,
		Address:    iface.Params.Address,
		Netmask:    iface.Params.Netmask(),
		SocksAddr:  cfg.socksHost(),
		SocksPort:  cfg.socksPort(),
		UDP:        cfg.BridgeUDP,
		ConfigPath: cfg.path(BridgeConfigFile),
		LogPath:    cfg.path(BridgeLogFile),
		LogLevel:   cfg.BridgeLogLevel,
	})
	if err != nil {
		return &BridgeError{Err: err}
	}
	o.mu.Lock()
	s.bridge = br
	o.mu.Unlock()

	counters, err := o.counters(iface, br)
	if err != nil {
		log.Warn("traffic counters unavailable", "err", err)
	}

	if !o.advance(s, Connected) {
		return ctx.Err()
	}
	if counters != nil {
		o.startReporter(s, counters)
	}
	if cfg.HealthInterval > 0 {
		go o.monitorInbound(s, addr)
	}
	log.Info("session connected", "iface", iface.Name)
	return nil
}

func (o *Orchestrator) watchProxy(s *session, proc ProxyProcess) {
	select {
	case <-proc.Exited():
		o.mu.Lock()
		stopping := s.stopping
		o.mu.Unlock()
		if !stopping {
			o.log.Warn("proxy engine exited", "session", s.id)
		}
	case <-s.ctx.Done():
	}
}

// monitorInbound logs when the proxy's SOCKS inbound stops or resumes
// accepting connections. It ends with the session.
func (o *Orchestrator) monitorInbound(s *session, addr string) {
	log := o.log.With("session", s.id, "addr", addr)
	m := probe.NewMonitor(probe.MonitorConfig{
		Addr:     addr,
		Interval: o.cfg.HealthInterval,
		OnChange: func(evt probe.HealthEvent) {
			if evt.Health == probe.Unreachable {
				log.Warn("proxy inbound unreachable")
				return
			}
			log.Info("proxy inbound reachable again", "outage", evt.Outage.Round(time.Millisecond))
		},
	})
	m.Run(s.ctx)
}

func (o *Orchestrator) counters(iface *tunnel.Handle, br *bridge.Bridge) (status.CounterSource, error) {
	if o.cfg.Counters != nil {
		return o.cfg.Counters, nil
	}
	if _, _, err := br.Stats(); err == nil {
		return status.CounterFunc(func() (uint64, uint64, error) {
			tx, rx, err := br.Stats()
			return rx, tx, err
		}), nil
	}
	return status.NewProcCounters(iface.Name)
}

func (o *Orchestrator) startReporter(s *session, counters status.CounterSource) {
	ctx, cancel := context.WithCancel(s.ctx)
	done := make(chan struct{})
	r := &status.Reporter{
		Counters: counters,
		Period:   o.cfg.ReportPeriod,
		Now:      o.cfg.Now,
		Logger:   o.log,
		Emit:     func(snap status.Snapshot) { o.report(s, snap) },
	}
	o.mu.Lock()
	s.reporterCancel = cancel
	s.reporterDone = done
	connectedAt := s.connectedAt
	o.mu.Unlock()

	go func() {
		defer close(done)
		r.Run(ctx, connectedAt)
	}()
}

// report publishes a telemetry snapshot while the session is connected.
func (o *Orchestrator) report(s *session, snap status.Snapshot) {
	o.emitMu.Lock()
	defer o.emitMu.Unlock()

	o.mu.Lock()
	if o.sess != s || o.state != Connected {
		o.mu.Unlock()
		return
	}
	o.last = snap
	o.mu.Unlock()
	o.emit(snap)
}

// teardown releases every handle the session acquired, in order.
func (o *Orchestrator) teardown(s *session) {
	o.mu.Lock()
	reporterCancel, reporterDone := s.reporterCancel, s.reporterDone
	br, proc, iface := s.bridge, s.proc, s.iface
	o.mu.Unlock()

	if reporterCancel != nil {
		o.release(s, "reporter", func() error {
			reporterCancel()
			<-reporterDone
			return nil
		})
	}
	if br != nil {
		o.release(s, "bridge", br.Stop)
	}
	if proc != nil {
		o.release(s, "proxy process", proc.Terminate)
	}
	if iface != nil {
		o.release(s, "interface", func() error { return o.cfg.Interfaces.Teardown(iface) })
	}

	o.emitMu.Lock()
	o.mu.Lock()
	s.reporterCancel, s.reporterDone = nil, nil
	s.bridge, s.proc, s.iface = nil, nil, nil
	snap := status.NewSnapshot(status.Disconnected, 0)
	o.last = snap
	o.sess = nil
	o.state = Idle
	o.mu.Unlock()
	o.emit(snap)
	o.emitMu.Unlock()

	o.log.Info("session stopped", "session", s.id)
	close(s.stopDone)
}

// release runs one teardown step. Failures and panics are logged and
// swallowed so later steps still run.
func (o *Orchestrator) release(s *session, resource string, fn func() error) {
	defer func() {
		if r := recover(); r != nil {
			o.log.Error("teardown step panicked", "session", s.id, "err",
				&ResourceReleaseError{Resource: resource, Err: fmt.Errorf("panic: %v", r)})
		}
	}()
	if err := fn(); err != nil {
		o.log.Warn("teardown step failed", "session", s.id, "err", &ResourceReleaseError{Resource: resource, Err: err})
	}
}
