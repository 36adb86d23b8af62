package status

import (
	"context"
	"log/slog"
	"time"
)

// DefaultPeriod is the reporting interval.
const DefaultPeriod = time.Second

// Reporter samples a CounterSource every Period and publishes smoothed
// CONNECTED snapshots through Emit.
type Reporter struct {
	Counters CounterSource
	Emit     func(Snapshot)
	Period   time.Duration
	Logger   *slog.Logger

	// Now and Ticks override the clock and ticker, for tests.
	Now   func() time.Time
	Ticks <-chan time.Time
}

type sample struct {
	rx, tx uint64
	at     time.Time
}

// Run reports until ctx is done. started is when the session connected.
func (r *Reporter) Run(ctx context.Context, started time.Time) {
	now := r.Now
	if now == nil {
		now = time.Now
	}
	logger := r.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ticks := r.Ticks
	if ticks == nil {
		period := r.Period
		if period <= 0 {
			period = DefaultPeriod
		}
		t := time.NewTicker(period)
		defer t.Stop()
		ticks = t.C
	}

	var (
		smoother Smoother
		prev     *sample
	)
	if rx, tx, err := r.Counters.Counters(); err == nil {
		prev = &sample{rx: rx, tx: tx, at: now()}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticks:
		}

		rx, tx, err := r.Counters.Counters()
		if err != nil {
			logger.Debug("counter read failed, skipping tick", "err", err)
			continue
		}
		cur := sample{rx: rx, tx: tx, at: now()}
		var up, down int64
		if prev != nil {
			up = rate(prev.tx, cur.tx, cur.at.Sub(prev.at))
			down = rate(prev.rx, cur.rx, cur.at.Sub(prev.at))
		}
		prev = &cur

		if !smoother.Next(up, down) {
			continue
		}
		if ctx.Err() != nil {
			return
		}
		s := NewSnapshot(Connected, cur.at.Sub(started))
		s.UploadRate = up
		s.DownloadRate = down
		if r.Emit != nil {
			r.Emit(s)
		}
	}
}

// rate converts a counter delta over elapsed into bytes per second.
// Counters that went backwards (interface reset) yield zero.
func rate(prev, cur uint64, elapsed time.Duration) int64 {
	if cur <= prev {
		return 0
	}
	delta := int64(cur - prev)
	if elapsed <= 0 {
		return delta
	}
	return int64(float64(delta) / elapsed.Seconds())
}
