package status

import (
	"fmt"
	"slices"

	"github.com/prometheus/procfs"
)

// CounterSource reports cumulative received and transmitted bytes.
type CounterSource interface {
	Counters() (rx, tx uint64, err error)
}

// CounterFunc adapts a function to a CounterSource.
type CounterFunc func() (rx, tx uint64, err error)

func (f CounterFunc) Counters() (uint64, uint64, error) { return f() }

// ProcCounters sums /proc/net/dev over every interface except loopback
// and those listed in Exclude (normally the tunnel itself, whose traffic
// would otherwise be counted twice).
type ProcCounters struct {
	FS      procfs.FS
	Exclude []string
}

// NewProcCounters reads from the default /proc mount.
func NewProcCounters(exclude ...string) (*ProcCounters, error) {
	fs, err := procfs.NewDefaultFS()
	if err != nil {
		return nil, fmt.Errorf("open procfs: %w", err)
	}
	return &ProcCounters{FS: fs, Exclude: exclude}, nil
}

func (p *ProcCounters) Counters() (rx, tx uint64, err error) {
	dev, err := p.FS.NetDev()
	if err != nil {
		return 0, 0, fmt.Errorf("read net/dev: %w", err)
	}
	for name, line := range dev {
		if name == "lo" || slices.Contains(p.Exclude, name) {
			continue
		}
		rx += line.RxBytes
		tx += line.TxBytes
	}
	return rx, tx, nil
}
