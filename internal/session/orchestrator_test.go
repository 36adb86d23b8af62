package session

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ananasvpn/ananas/internal/bridge"
	"github.com/ananasvpn/ananas/internal/logging"
	"github.com/ananasvpn/ananas/internal/proxy"
	"github.com/ananasvpn/ananas/internal/status"
	"github.com/ananasvpn/ananas/internal/tunnel"
)

const proxyConfig = `{"outbounds":[{"tag":"proxy","protocol":"vless","settings":{}}]}`

type fakeProc struct {
	mu         sync.Mutex
	terminated int
	panicOn    bool
	exited     chan struct{}
}

func newFakeProc() *fakeProc { return &fakeProc{exited: make(chan struct{})} }

func (p *fakeProc) Terminate() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.terminated++
	if p.panicOn {
		panic("terminate exploded")
	}
	if p.terminated == 1 {
		close(p.exited)
	}
	return nil
}

func (p *fakeProc) Exited() <-chan struct{} { return p.exited }

func (p *fakeProc) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.terminated
}

type fakeDevice struct {
	mu     sync.Mutex
	file   *os.File
	peer   *os.File
	closed int
}

func (d *fakeDevice) File() *os.File         { return d.file }
func (d *fakeDevice) Name() (string, error) { return "ananas0", nil }
func (d *fakeDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed++
	_ = d.peer.Close()
	return d.file.Close()
}

func (d *fakeDevice) closeCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

type fakeRunner struct {
	mu    sync.Mutex
	calls []string
}

func (r *fakeRunner) Run(_ context.Context, name string, args ...string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, name+" "+strings.Join(args, " "))
	return nil
}

func (r *fakeRunner) ran(sub string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.calls {
		if strings.Contains(c, sub) {
			return true
		}
	}
	return false
}

type fakeEngine struct {
	mu       sync.Mutex
	started  int
	stopped  int
	startErr error
	// gate, if set, runs before Start records anything.
	gate func()
}

func (e *fakeEngine) Start(string, int) error {
	if e.gate != nil {
		e.gate()
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.started++
	return e.startErr
}

func (e *fakeEngine) Stop() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stopped++
	return nil
}

func (e *fakeEngine) counts() (started, stopped int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.started, e.stopped
}

type recorder struct {
	mu    sync.Mutex
	snaps []status.Snapshot
}

func (r *recorder) Observe(s status.Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snaps = append(r.snaps, s)
}

func (r *recorder) all() []status.Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]status.Snapshot(nil), r.snaps...)
}

func (r *recorder) states() []State {
	var out []State
	for _, s := range r.all() {
		if n := len(out); n > 0 && out[n-1] == s.State && s.State == Connected {
			continue
		}
		out = append(out, s.State)
	}
	return out
}

type harness struct {
	t      *testing.T
	o      *Orchestrator
	rec    *recorder
	proc   *fakeProc
	dev    *fakeDevice
	runner *fakeRunner
	engine *fakeEngine
	dir    string

	launchErr error
	createErr error
	probe     func(ctx context.Context) error
	// createGate, if set, runs before the TUN device is created.
	createGate func()
}

func newHarness(t *testing.T, tweak func(h *harness)) *harness {
	t.Helper()
	h := &harness{
		t:      t,
		rec:    &recorder{},
		proc:   newFakeProc(),
		runner: &fakeRunner{},
		engine: &fakeEngine{},
		dir:    t.TempDir(),
	}
	if tweak != nil {
		tweak(h)
	}
	cfg := Config{
		DataDir: h.dir,
		Proxy:   proxy.Spec{Binary: "xray"},
		Launcher: LauncherFunc(func(ctx context.Context, spec proxy.Spec) (ProxyProcess, error) {
			if h.launchErr != nil {
				return nil, h.launchErr
			}
			return h.proc, nil
		}),
		Prober: ProberFunc(func(ctx context.Context, addr string) error {
			if h.probe != nil {
				return h.probe(ctx)
			}
			return nil
		}),
		Interfaces: &tunnel.Manager{
			Runner: h.runner,
			Create: func(string, int) (tunnel.Device, error) {
				if h.createGate != nil {
					h.createGate()
				}
				if h.createErr != nil {
					return nil, h.createErr
				}
				r, w, err := os.Pipe()
				if err != nil {
					return nil, err
				}
				h.dev = &fakeDevice{file: r, peer: w}
				return h.dev, nil
			},
		},
		Bridges: &bridge.Supervisor{Engine: h.engine, Sink: logging.Discard, TailInterval: time.Hour},
		Counters: status.CounterFunc(func() (uint64, uint64, error) {
			return 0, 0, nil
		}),
		ReportPeriod:   time.Hour,
		HealthInterval: -1,
		ProxySink:      logging.Discard,
		BridgeSink:     logging.Discard,
		Logger:         logging.New(&strings.Builder{}, "error"),
	}
	h.o = New(cfg)
	h.o.Subscribe(h.rec)
	return h
}

func (h *harness) waitState(want State) {
	h.t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if h.o.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	h.t.Fatalf("state = %s, want %s", h.o.State(), want)
}

func (h *harness) stop() {
	h.t.Helper()
	select {
	case <-h.o.Stop():
	case <-time.After(3 * time.Second):
		h.t.Fatal("Stop did not finish")
	}
}

func equalStates(a, b []State) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestStartStopLifecycle(t *testing.T) {
	h := newHarness(t, nil)
	if err := h.o.Start([]byte(proxyConfig)); err != nil {
		t.Fatalf("Start: %v", err)
	}
	h.waitState(Connected)

	info := h.o.Info()
	if info.Interface != "ananas0" || info.ConnectedAt.IsZero() {
		t.Errorf("info = %+v", info)
	}
	if h.o.Current().Duration != "00:00:00" {
		t.Errorf("connected snapshot duration = %q", h.o.Current().Duration)
	}

	data, err := os.ReadFile(filepath.Join(h.dir, ConfigFile))
	if err != nil {
		t.Fatalf("config not written: %v", err)
	}
	if !strings.Contains(string(data), `"socks-in"`) {
		t.Errorf("config missing socks inbound: %s", data)
	}
	if _, err := os.Stat(filepath.Join(h.dir, BridgeConfigFile)); err != nil {
		t.Errorf("bridge config not written: %v", err)
	}

	h.stop()

	want := []State{Starting, EstablishingInterface, Bridging, Connected, Stopping, status.Disconnected}
	if got := h.rec.states(); !equalStates(got, want) {
		t.Errorf("states = %v, want %v", got, want)
	}
	if h.o.State() != Idle {
		t.Errorf("final state = %s", h.o.State())
	}
	if h.proc.count() != 1 {
		t.Errorf("proxy terminated %d times", h.proc.count())
	}
	if _, stopped := h.engine.counts(); stopped != 1 {
		t.Errorf("bridge stopped %d times", stopped)
	}
	if h.dev.closeCount() != 1 {
		t.Errorf("device closed %d times", h.dev.closeCount())
	}
	if !h.runner.ran("rule del") {
		t.Error("routing rules were not removed")
	}
}

func TestStartWhileActive(t *testing.T) {
	block := make(chan struct{})
	h := newHarness(t, func(h *harness) {
		h.probe = func(ctx context.Context) error {
			select {
			case <-block:
			case <-ctx.Done():
			}
			return ctx.Err()
		}
	})
	if err := h.o.Start([]byte(proxyConfig)); err != nil {
		t.Fatal(err)
	}
	if err := h.o.Start([]byte(proxyConfig)); !errors.Is(err, ErrSessionActive) {
		t.Errorf("second Start = %v, want ErrSessionActive", err)
	}
	close(block)
	h.waitState(Connected)
	if err := h.o.Start([]byte(proxyConfig)); !errors.Is(err, ErrSessionActive) {
		t.Errorf("Start while connected = %v", err)
	}
	h.stop()

	if err := h.o.Start([]byte(proxyConfig)); err != nil {
		t.Errorf("Start after stop: %v", err)
	}
	h.waitState(Connected)
	h.stop()
}

func TestStopWhenIdle(t *testing.T) {
	h := newHarness(t, nil)
	for range 2 {
		select {
		case <-h.o.Stop():
		default:
			t.Fatal("Stop in IDLE should be done at once")
		}
	}
	if n := len(h.rec.all()); n != 0 {
		t.Errorf("idle Stop emitted %d snapshots", n)
	}
}

func TestDoubleStop(t *testing.T) {
	h := newHarness(t, nil)
	if err := h.o.Start([]byte(proxyConfig)); err != nil {
		t.Fatal(err)
	}
	h.waitState(Connected)

	first := h.o.Stop()
	second := h.o.Stop()
	if first != second {
		t.Error("concurrent Stop calls should share completion")
	}
	h.stop()
	h.stop()

	stopping := 0
	for _, s := range h.rec.all() {
		if s.State == Stopping {
			stopping++
		}
	}
	if stopping != 1 {
		t.Errorf("STOPPING emitted %d times", stopping)
	}
	if h.proc.count() != 1 || h.dev.closeCount() != 1 {
		t.Errorf("terminated=%d closed=%d", h.proc.count(), h.dev.closeCount())
	}
}

func TestStopDuringReadiness(t *testing.T) {
	entered := make(chan struct{})
	h := newHarness(t, func(h *harness) {
		h.probe = func(ctx context.Context) error {
			close(entered)
			<-ctx.Done()
			return ctx.Err()
		}
	})
	if err := h.o.Start([]byte(proxyConfig)); err != nil {
		t.Fatal(err)
	}
	<-entered
	h.stop()

	if h.proc.count() != 1 {
		t.Errorf("proxy terminated %d times", h.proc.count())
	}
	if h.dev != nil {
		t.Error("interface created after Stop")
	}
	for _, s := range h.rec.all() {
		if s.State == Error || s.State == EstablishingInterface {
			t.Errorf("unexpected %s after Stop", s.State)
		}
	}
}

func TestReadinessTimeoutContinues(t *testing.T) {
	h := newHarness(t, func(h *harness) {
		h.probe = func(context.Context) error { return errors.New("connection refused") }
	})
	if err := h.o.Start([]byte(proxyConfig)); err != nil {
		t.Fatal(err)
	}
	h.waitState(Connected)
	h.stop()
}

func TestLaunchFailure(t *testing.T) {
	h := newHarness(t, func(h *harness) {
		h.launchErr = errors.New("exec: \"xray\": executable file not found")
	})
	if err := h.o.Start([]byte(proxyConfig)); err != nil {
		t.Fatal(err)
	}
	waitSnapshot(t, h.rec, status.Disconnected)
	h.waitState(Idle)

	want := []State{Starting, Error, Stopping, status.Disconnected}
	if got := h.rec.states(); !equalStates(got, want) {
		t.Errorf("states = %v, want %v", got, want)
	}
	errSnap := h.rec.all()[1]
	if !strings.Contains(errSnap.Error, "launch proxy") || !strings.Contains(errSnap.Error, "not found") {
		t.Errorf("error text = %q", errSnap.Error)
	}
	if h.dev != nil {
		t.Error("interface created after launch failure")
	}
}

func TestBridgeFailureReleasesHandles(t *testing.T) {
	h := newHarness(t, nil)
	h.engine.startErr = errors.New("engine refused descriptor")
	if err := h.o.Start([]byte(proxyConfig)); err != nil {
		t.Fatal(err)
	}
	waitSnapshot(t, h.rec, status.Disconnected)
	h.waitState(Idle)

	var errText string
	for _, s := range h.rec.all() {
		if s.State == Error {
			errText = s.Error
		}
	}
	if !strings.Contains(errText, "start bridge") {
		t.Errorf("error text = %q", errText)
	}
	if h.proc.count() != 1 {
		t.Errorf("proxy terminated %d times", h.proc.count())
	}
	if h.dev == nil || h.dev.closeCount() != 1 {
		t.Error("interface not released")
	}
	if _, stopped := h.engine.counts(); stopped != 0 {
		t.Errorf("never-started bridge stopped %d times", stopped)
	}
}

func TestInterfaceFailure(t *testing.T) {
	h := newHarness(t, func(h *harness) {
		h.createErr = errors.New("operation not permitted")
	})
	if err := h.o.Start([]byte(proxyConfig)); err != nil {
		t.Fatal(err)
	}
	waitSnapshot(t, h.rec, status.Disconnected)
	h.waitState(Idle)

	want := []State{Starting, EstablishingInterface, Error, Stopping, status.Disconnected}
	if got := h.rec.states(); !equalStates(got, want) {
		t.Errorf("states = %v, want %v", got, want)
	}
	var errText string
	for _, s := range h.rec.all() {
		if s.State == Error {
			errText = s.Error
		}
	}
	if !strings.Contains(errText, "establish interface") || !strings.Contains(errText, "operation not permitted") {
		t.Errorf("error text = %q", errText)
	}
	if h.proc.count() != 1 {
		t.Errorf("proxy terminated %d times, want 1", h.proc.count())
	}
	if h.dev != nil {
		t.Error("device created despite failure")
	}
	if h.runner.ran("del") {
		t.Errorf("interface teardown ran: %v", h.runner.calls)
	}
	if started, _ := h.engine.counts(); started != 0 {
		t.Errorf("bridge started %d times", started)
	}
}

// gateAt blocks the pipeline inside the given stage until release is
// closed, reporting entry on entered.
func gateAt(stage State, entered chan<- struct{}, release <-chan struct{}) func(*harness) {
	var once sync.Once
	wait := func() {
		once.Do(func() { close(entered) })
		<-release
	}
	return func(h *harness) {
		switch stage {
		case Starting:
			h.probe = func(ctx context.Context) error {
				wait()
				return ctx.Err()
			}
		case EstablishingInterface:
			h.createGate = wait
		case Bridging:
			h.engine.gate = wait
		}
	}
}

func TestDoubleStopInEveryStartingStage(t *testing.T) {
	for _, stage := range []State{Starting, EstablishingInterface, Bridging} {
		t.Run(string(stage), func(t *testing.T) {
			entered := make(chan struct{})
			release := make(chan struct{})
			h := newHarness(t, gateAt(stage, entered, release))
			if err := h.o.Start([]byte(proxyConfig)); err != nil {
				t.Fatal(err)
			}
			select {
			case <-entered:
			case <-time.After(3 * time.Second):
				t.Fatalf("pipeline never reached %s", stage)
			}
			if got := h.o.State(); got != stage {
				t.Fatalf("state = %s, want %s", got, stage)
			}

			first := h.o.Stop()
			second := h.o.Stop()
			if first != second {
				t.Error("Stop calls should share completion")
			}
			close(release)
			h.stop()
			h.stop()

			if h.o.State() != Idle {
				t.Errorf("final state = %s", h.o.State())
			}
			states := h.rec.states()
			if last := states[len(states)-1]; last != status.Disconnected {
				t.Errorf("last state = %s", last)
			}
			stopping := 0
			for _, st := range states {
				switch st {
				case Stopping:
					stopping++
				case Error, Connected:
					t.Errorf("unexpected %s after Stop", st)
				}
			}
			if stopping != 1 {
				t.Errorf("STOPPING emitted %d times", stopping)
			}
			if h.proc.count() != 1 {
				t.Errorf("proxy terminated %d times", h.proc.count())
			}
			if h.dev != nil && h.dev.closeCount() != 1 {
				t.Errorf("device closed %d times", h.dev.closeCount())
			}
			if started, stopped := h.engine.counts(); started != stopped {
				t.Errorf("bridge started %d, stopped %d", started, stopped)
			}
		})
	}
}

func TestDoubleStopInError(t *testing.T) {
	// Holding the ERROR delivery keeps the session in ERROR while both
	// Stop calls are issued.
	inError := make(chan struct{})
	release := make(chan struct{})
	h := newHarness(t, func(h *harness) {
		h.launchErr = errors.New("exec format error")
	})
	var once sync.Once
	h.o.Subscribe(status.ObserverFunc(func(s status.Snapshot) {
		h.rec.Observe(s)
		if s.State == Error {
			once.Do(func() { close(inError) })
			<-release
		}
	}))
	if err := h.o.Start([]byte(proxyConfig)); err != nil {
		t.Fatal(err)
	}
	select {
	case <-inError:
	case <-time.After(3 * time.Second):
		t.Fatal("no ERROR snapshot")
	}
	if h.o.State() != Error {
		t.Fatalf("state = %s, want ERROR", h.o.State())
	}

	stops := make(chan (<-chan struct{}), 2)
	for range 2 {
		go func() { stops <- h.o.Stop() }()
	}
	close(release)
	for range 2 {
		select {
		case <-<-stops:
		case <-time.After(3 * time.Second):
			t.Fatal("Stop did not finish")
		}
	}

	want := []State{Starting, Error, Stopping, status.Disconnected}
	if got := h.rec.states(); !equalStates(got, want) {
		t.Errorf("states = %v, want %v", got, want)
	}
	if h.o.State() != Idle {
		t.Errorf("final state = %s", h.o.State())
	}
	if h.proc.count() != 0 {
		t.Errorf("never-launched proxy terminated %d times", h.proc.count())
	}
}

func TestObserverHandsStopOff(t *testing.T) {
	h := newHarness(t, nil)
	var once sync.Once
	h.o.Subscribe(status.ObserverFunc(func(s status.Snapshot) {
		h.rec.Observe(s)
		if s.State == Connected {
			once.Do(func() { go h.o.Stop() })
		}
	}))
	if err := h.o.Start([]byte(proxyConfig)); err != nil {
		t.Fatal(err)
	}
	waitSnapshot(t, h.rec, status.Disconnected)
	h.waitState(Idle)
	if h.proc.count() != 1 {
		t.Errorf("proxy terminated %d times", h.proc.count())
	}
}

func TestTeardownSurvivesPanic(t *testing.T) {
	h := newHarness(t, nil)
	h.proc.panicOn = true
	if err := h.o.Start([]byte(proxyConfig)); err != nil {
		t.Fatal(err)
	}
	h.waitState(Connected)
	h.stop()

	if h.o.State() != Idle {
		t.Errorf("state = %s", h.o.State())
	}
	if h.dev.closeCount() != 1 {
		t.Error("interface not released after earlier step panicked")
	}
}

func TestTelemetryWhileConnected(t *testing.T) {
	var mu sync.Mutex
	var rx, tx uint64
	h := newHarness(t, nil)
	h.o.cfg.ReportPeriod = 10 * time.Millisecond
	h.o.cfg.Counters = status.CounterFunc(func() (uint64, uint64, error) {
		mu.Lock()
		defer mu.Unlock()
		rx += 1000
		tx += 500
		return rx, tx, nil
	})
	if err := h.o.Start([]byte(proxyConfig)); err != nil {
		t.Fatal(err)
	}
	h.waitState(Connected)

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if s := h.o.Current(); s.State == Connected && s.DownloadRate > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if s := h.o.Current(); s.DownloadRate <= 0 || s.UploadRate <= 0 {
		t.Errorf("no traffic reported: %+v", s)
	}
	h.stop()

	all := h.rec.all()
	if last := all[len(all)-1]; last.State != status.Disconnected {
		t.Errorf("telemetry after teardown: %+v", last)
	}
}

func TestObserverSlot(t *testing.T) {
	h := newHarness(t, nil)
	h.o.Unsubscribe()
	if err := h.o.Start([]byte(proxyConfig)); err != nil {
		t.Fatal(err)
	}
	h.waitState(Connected)
	if n := len(h.rec.all()); n != 0 {
		t.Errorf("unsubscribed observer got %d snapshots", n)
	}

	older := &recorder{}
	cancelOlder := h.o.Subscribe(older)
	newer := &recorder{}
	h.o.Subscribe(newer)
	cancelOlder() // replaced already; must not clear newer

	h.stop()
	if n := len(older.all()); n != 0 {
		t.Errorf("replaced observer got %d snapshots", n)
	}
	if got := newer.states(); !equalStates(got, []State{Stopping, status.Disconnected}) {
		t.Errorf("newer observer states = %v", got)
	}
}

func TestStopConcurrentWithStart(t *testing.T) {
	for range 20 {
		h := newHarness(t, nil)
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = h.o.Start([]byte(proxyConfig))
		}()
		go func() {
			defer wg.Done()
			<-h.o.Stop()
		}()
		wg.Wait()
		h.stop()
		if h.o.State() != Idle {
			t.Fatalf("state = %s after Stop", h.o.State())
		}
		if h.dev != nil && h.dev.closeCount() != 1 {
			t.Fatal("interface leaked")
		}
	}
}

func waitSnapshot(t *testing.T, r *recorder, want State) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		for _, s := range r.all() {
			if s.State == want {
				return
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("no %s snapshot", want)
}
