package daemon

import (
	"encoding/json"
	"time"

	"github.com/ananasvpn/ananas/internal/status"
)

// Methods understood by the daemon.
const (
	MethodStart     = "start"
	MethodStop      = "stop"
	MethodStatus    = "status"
	MethodSubscribe = "subscribe"
	MethodShutdown  = "shutdown"
)

// Request is sent from a client (ananas up, ananas down) to the daemon over the Unix socket.
type Request struct {
	Method string `json:"method"`
	// Config is the proxy configuration document for "start".
	Config json.RawMessage `json:"config,omitempty"`
}

// Response is sent from the daemon back to the client. A successful
// "subscribe" response is followed by one Snapshot per line until either
// side closes the connection.
type Response struct {
	OK    bool          `json:"ok"`
	Error string        `json:"error,omitempty"`
	State *DaemonStatus `json:"state,omitempty"`
}

// DaemonStatus is the live state returned by the "status" method.
type DaemonStatus struct {
	PID         int             `json:"pid"`
	State       status.State    `json:"state"`
	Snapshot    status.Snapshot `json:"snapshot"`
	Session     string          `json:"session,omitempty"`
	Interface   string          `json:"interface,omitempty"`
	StartedAt   time.Time       `json:"started_at"`
	ConnectedAt time.Time       `json:"connected_at,omitzero"`
}
