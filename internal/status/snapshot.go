// Package status turns interface byte counters into the per-second
// snapshots published while a session is connected.
package status

import (
	"fmt"
	"time"
)

// State is a session lifecycle state as published in snapshots.
type State string

const (
	Idle                  State = "IDLE"
	Starting              State = "STARTING"
	EstablishingInterface State = "ESTABLISHING_INTERFACE"
	Bridging              State = "BRIDGING"
	Connected             State = "CONNECTED"
	Stopping              State = "STOPPING"
	Error                 State = "ERROR"
	// Disconnected is published once teardown has finished.
	Disconnected State = "DISCONNECTED"
)

// States lists every published state.
var States = []State{Idle, Starting, EstablishingInterface, Bridging, Connected, Stopping, Error, Disconnected}

// Snapshot is one status update. Rates are bytes per second.
type Snapshot struct {
	State        State  `json:"state"`
	UploadRate   int64  `json:"uploadSpeed"`
	DownloadRate int64  `json:"downloadSpeed"`
	Duration     string `json:"duration"`
	Error        string `json:"error,omitempty"`

	Elapsed time.Duration `json:"-"`
}

// NewSnapshot returns a snapshot with zero rates.
func NewSnapshot(state State, elapsed time.Duration) Snapshot {
	return Snapshot{State: state, Duration: FormatDuration(elapsed), Elapsed: elapsed}
}

// FormatDuration renders d as HH:MM:SS. Hours are not capped at 24.
func FormatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	s := int64(d / time.Second)
	return fmt.Sprintf("%02d:%02d:%02d", s/3600, (s%3600)/60, s%60)
}

// Observer receives snapshots. Observe runs synchronously while the sender
// holds its transition lock: it must not block, and it must not call back
// into the sender (Start, Stop) on the same goroutine. Hand such work off to
// another goroutine.
type Observer interface {
	Observe(Snapshot)
}

// ObserverFunc adapts a function to an Observer.
type ObserverFunc func(Snapshot)

func (f ObserverFunc) Observe(s Snapshot) { f(s) }
