package daemon

import (
	"sync"

	"github.com/ananasvpn/ananas/internal/status"
)

// streamBuffer bounds the snapshots queued for a slow stream reader.
const streamBuffer = 16

// Hub is the orchestrator's observer. It feeds the metrics collector and
// the one current stream subscriber; a new subscriber closes the old one.
type Hub struct {
	Metrics *status.Metrics

	mu  sync.Mutex
	sub chan status.Snapshot
}

// Observe implements status.Observer. It never blocks: a snapshot that
// does not fit in the subscriber's buffer is dropped.
func (h *Hub) Observe(s status.Snapshot) {
	if h.Metrics != nil {
		h.Metrics.Observe(s)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.sub == nil {
		return
	}
	select {
	case h.sub <- s:
	default:
	}
}

// Subscribe replaces the current subscriber.
func (h *Hub) Subscribe() (<-chan status.Snapshot, func()) {
	ch := make(chan status.Snapshot, streamBuffer)
	h.mu.Lock()
	if h.sub != nil {
		close(h.sub)
	}
	h.sub = ch
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if h.sub == ch {
				close(ch)
				h.sub = nil
			}
		})
	}
}
