package daemon

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/ananasvpn/ananas/internal/status"
)

func TestHubDropsWithoutSubscriber(t *testing.T) {
	reg := prometheus.NewRegistry()
	h := &Hub{Metrics: status.NewMetrics(reg)}
	h.Observe(status.NewSnapshot(status.Connected, 0))

	n, err := testutil.GatherAndCount(reg, "ananas_session_state")
	if err != nil {
		t.Fatal(err)
	}
	if n == 0 {
		t.Error("metrics not updated")
	}

	ch, cancel := h.Subscribe()
	defer cancel()
	select {
	case s := <-ch:
		t.Errorf("snapshot from before subscribing delivered: %+v", s)
	default:
	}
}

func TestHubReplacesSubscriber(t *testing.T) {
	h := &Hub{}
	older, cancelOlder := h.Subscribe()
	newer, cancelNewer := h.Subscribe()
	defer cancelNewer()

	if _, ok := <-older; ok {
		t.Error("older channel should be closed")
	}
	cancelOlder() // must not close the newer channel

	h.Observe(status.NewSnapshot(status.Stopping, 0))
	select {
	case s, ok := <-newer:
		if !ok || s.State != status.Stopping {
			t.Errorf("newer got %+v, ok=%v", s, ok)
		}
	default:
		t.Error("newer subscriber got nothing")
	}
}

func TestHubNeverBlocks(t *testing.T) {
	h := &Hub{}
	ch, cancel := h.Subscribe()
	defer cancel()
	for range streamBuffer * 2 {
		h.Observe(status.NewSnapshot(status.Connected, 0))
	}
	if len(ch) != streamBuffer {
		t.Errorf("queued %d, want %d", len(ch), streamBuffer)
	}
}
