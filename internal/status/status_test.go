package status

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/prometheus/procfs"
)

func TestSmootherFixture(t *testing.T) {
	var s Smoother
	if !s.Next(7, 3) {
		t.Fatal("non-zero sample suppressed")
	}

	samples := []int64{0, 0, 5, 0, 0, 0, 3}
	want := []string{"none", "0", "5", "none", "0", "0", "3"}
	for i, v := range samples {
		got := "none"
		if s.Next(v, 0) {
			got = strconv.FormatInt(v, 10)
		}
		if got != want[i] {
			t.Errorf("sample %d (%d): got %s, want %s", i, v, got, want[i])
		}
	}
}

func TestSmootherZeroOnlyWhenBothDirectionsIdle(t *testing.T) {
	var s Smoother
	s.Next(1, 1)
	if !s.Next(0, 4) {
		t.Error("one-sided traffic is not a zero sample")
	}
	if s.Next(0, 0) {
		t.Error("first zero after traffic should be suppressed")
	}
}

func TestSmootherFirstSampleZero(t *testing.T) {
	var s Smoother
	if !s.Next(0, 0) {
		t.Error("initial zero has no preceding traffic and should be reported")
	}
	s.Next(1, 0)
	s.Reset()
	if !s.Next(0, 0) {
		t.Error("Reset did not clear history")
	}
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{0, "00:00:00"},
		{-time.Second, "00:00:00"},
		{59*time.Second + 900*time.Millisecond, "00:00:59"},
		{61 * time.Minute, "01:01:00"},
		{100*time.Hour + 5*time.Second, "100:00:05"},
	}
	for _, tt := range tests {
		if got := FormatDuration(tt.d); got != tt.want {
			t.Errorf("FormatDuration(%s) = %q, want %q", tt.d, got, tt.want)
		}
	}
}

func TestSnapshotJSON(t *testing.T) {
	s := NewSnapshot(Connected, 75*time.Second)
	s.UploadRate = 12
	s.DownloadRate = 34
	data, err := json.Marshal(s)
	if err != nil {
		t.Fatal(err)
	}
	want := `{"state":"CONNECTED","uploadSpeed":12,"downloadSpeed":34,"duration":"00:01:15"}`
	if string(data) != want {
		t.Errorf("json = %s, want %s", data, want)
	}
}

type fakeCounters struct {
	mu     sync.Mutex
	values [][2]uint64
	errs   []error
	i      int
}

func (f *fakeCounters) Counters() (uint64, uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.i
	f.i++
	if i < len(f.errs) && f.errs[i] != nil {
		return 0, 0, f.errs[i]
	}
	if i >= len(f.values) {
		v := f.values[len(f.values)-1]
		return v[0], v[1], nil
	}
	return f.values[i][0], f.values[i][1], nil
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestReporterRun(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := &fakeClock{now: start}
	// rx, tx cumulative: baseline, then +100/+50, then idle twice, then counter error.
	counters := &fakeCounters{
		values: [][2]uint64{{1000, 500}, {1100, 550}, {1100, 550}, {1100, 550}, {0, 0}, {2000, 600}},
		errs:   []error{nil, nil, nil, nil, errors.New("read failed")},
	}
	ticks := make(chan time.Time)
	out := make(chan Snapshot, 10)
	r := &Reporter{
		Counters: counters,
		Emit:     func(s Snapshot) { out <- s },
		Now:      clock.Now,
		Ticks:    ticks,
	}

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan struct{})
	go func() {
		r.Run(ctx, start)
		close(done)
	}()

	tick := func() {
		clock.Advance(time.Second)
		ticks <- clock.Now()
	}
	expect := func(up, down int64, dur string) {
		t.Helper()
		select {
		case s := <-out:
			if s.State != Connected || s.UploadRate != up || s.DownloadRate != down || s.Duration != dur {
				t.Errorf("snapshot = %+v, want up=%d down=%d dur=%s", s, up, down, dur)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("no snapshot")
		}
	}
	expectNone := func() {
		t.Helper()
		select {
		case s := <-out:
			t.Errorf("unexpected snapshot %+v", s)
		case <-time.After(50 * time.Millisecond):
		}
	}

	tick()
	expect(50, 100, "00:00:01")
	tick() // first idle tick is suppressed
	expectNone()
	tick()
	expect(0, 0, "00:00:03")
	tick() // read error skips the tick
	expectNone()
	tick()
	expect(25, 450, "00:00:05")

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestRate(t *testing.T) {
	if got := rate(100, 50, time.Second); got != 0 {
		t.Errorf("reset counter rate = %d", got)
	}
	if got := rate(0, 3000, 2*time.Second); got != 1500 {
		t.Errorf("rate over 2s = %d", got)
	}
	if got := rate(0, 10, 0); got != 10 {
		t.Errorf("rate over 0 = %d", got)
	}
}

const netDev = `Inter-|   Receive                                                |  Transmit
 face |bytes    packets errs drop fifo frame compressed multicast|bytes    packets errs drop fifo colls carrier compressed
    lo:   9000      90    0    0    0     0          0         0     9000      90    0    0    0     0       0          0
  eth0:   1000      10    0    0    0     0          0         0      400       4    0    0    0     0       0          0
 wlan0:    500       5    0    0    0     0          0         0      100       1    0    0    0     0       0          0
ananas0:  7000      70    0    0    0     0          0         0     7000      70    0    0    0     0       0          0
`

func TestProcCounters(t *testing.T) {
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "net"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "net", "dev"), []byte(netDev), 0644); err != nil {
		t.Fatal(err)
	}
	fs, err := procfs.NewFS(root)
	if err != nil {
		t.Fatal(err)
	}

	pc := &ProcCounters{FS: fs, Exclude: []string{"ananas0"}}
	rx, tx, err := pc.Counters()
	if err != nil {
		t.Fatalf("Counters: %v", err)
	}
	if rx != 1500 || tx != 500 {
		t.Errorf("rx=%d tx=%d, want 1500/500", rx, tx)
	}
}

func TestProcCountersMissingFile(t *testing.T) {
	fs, err := procfs.NewFS(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := (&ProcCounters{FS: fs}).Counters(); err == nil {
		t.Error("expected error")
	}
}

func TestMetricsObserve(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	if v := testutil.ToFloat64(m.state.WithLabelValues("IDLE")); v != 1 {
		t.Errorf("initial IDLE gauge = %v", v)
	}

	s := NewSnapshot(Connected, 90*time.Second)
	s.UploadRate, s.DownloadRate = 10, 20
	m.Observe(s)

	if v := testutil.ToFloat64(m.state.WithLabelValues("CONNECTED")); v != 1 {
		t.Errorf("CONNECTED gauge = %v", v)
	}
	if v := testutil.ToFloat64(m.state.WithLabelValues("IDLE")); v != 0 {
		t.Errorf("IDLE gauge = %v", v)
	}
	if v := testutil.ToFloat64(m.upload); v != 10 {
		t.Errorf("upload = %v", v)
	}
	if v := testutil.ToFloat64(m.uptime); v != 90 {
		t.Errorf("uptime = %v", v)
	}

	m.Observe(Snapshot{State: Error, Error: "boom"})
	if v := testutil.ToFloat64(m.errors); v != 1 {
		t.Errorf("errors = %v", v)
	}
}
