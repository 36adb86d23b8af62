package session

import (
	"errors"
	"fmt"

	"github.com/ananasvpn/ananas/internal/xrayconf"
)

// ErrSessionActive is returned by Start when a session already exists.
var ErrSessionActive = errors.New("session already active")

// ConfigError reports a configuration document that could not be
// rewritten. The raw document is used instead.
type ConfigError = xrayconf.ConfigError

// ProcessLaunchError means the proxy engine could not be started.
type ProcessLaunchError struct{ Err error }

func (e *ProcessLaunchError) Error() string { return "launch proxy: " + e.Err.Error() }
func (e *ProcessLaunchError) Unwrap() error { return e.Err }

// ReadinessTimeout means the proxy's SOCKS port never accepted a
// connection. Start continues regardless.
type ReadinessTimeout struct {
	Addr string
	Err  error
}

func (e *ReadinessTimeout) Error() string {
	return fmt.Sprintf("proxy not ready on %s: %v", e.Addr, e.Err)
}
func (e *ReadinessTimeout) Unwrap() error { return e.Err }

// InterfaceError means the TUN interface could not be established.
type InterfaceError struct{ Err error }

func (e *InterfaceError) Error() string { return "establish interface: " + e.Err.Error() }
func (e *InterfaceError) Unwrap() error { return e.Err }

// BridgeError means the bridge engine could not be started.
type BridgeError struct{ Err error }

func (e *BridgeError) Error() string { return "start bridge: " + e.Err.Error() }
func (e *BridgeError) Unwrap() error { return e.Err }

// ResourceReleaseError reports a teardown step that failed. Teardown
// logs it and carries on.
type ResourceReleaseError struct {
	Resource string
	Err      error
}

func (e *ResourceReleaseError) Error() string {
	return fmt.Sprintf("release %s: %v", e.Resource, e.Err)
}
func (e *ResourceReleaseError) Unwrap() error { return e.Err }
