package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/ananasvpn/ananas/internal/logging"
	"github.com/ananasvpn/ananas/internal/proxy"
)

// childTunFD is where the TUN descriptor lands in the engine process.
const childTunFD = 3

// DefaultEngineArgs runs hev-socks5-tunnel style binaries: `<binary> <config>`.
var DefaultEngineArgs = []string{"{config}"}

// ProcessEngine runs an external bridge binary. The TUN descriptor is
// passed as fd 3. Args may reference {config} and {fd}.
type ProcessEngine struct {
	Binary string
	Args   []string
	// Sink receives the engine's stdout and stderr.
	Sink   logging.Sink
	Logger *slog.Logger
	Grace  time.Duration

	mu   sync.Mutex
	proc *proxy.Process
}

func (e *ProcessEngine) Start(configPath string, fd int) error {
	if e.Binary == "" {
		return errors.New("bridge binary not configured")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.proc != nil {
		return errors.New("bridge engine already running")
	}

	// A private duplicate keeps the caller's descriptor out of reach of
	// this file's finalizer.
	dup, err := unix.Dup(fd)
	if err != nil {
		return fmt.Errorf("dup TUN descriptor: %w", err)
	}
	tun := os.NewFile(uintptr(dup), "tun")
	defer tun.Close()

	p, err := proxy.Start(context.Background(), proxy.Command{
		Path:       e.Binary,
		Args:       expandArgs(e.Args, configPath),
		ExtraFiles: []*os.File{tun},
		Sink:       e.Sink,
		Logger:     e.Logger,
		Grace:      e.Grace,
	})
	if err != nil {
		return err
	}
	e.proc = p
	return nil
}

func (e *ProcessEngine) Stop() error {
	e.mu.Lock()
	p := e.proc
	e.proc = nil
	e.mu.Unlock()
	if p == nil {
		return nil
	}
	return p.Terminate()
}

func expandArgs(tmpl []string, configPath string) []string {
	if len(tmpl) == 0 {
		tmpl = DefaultEngineArgs
	}
	r := strings.NewReplacer("{config}", configPath, "{fd}", strconv.Itoa(childTunFD))
	out := make([]string, len(tmpl))
	for i, a := range tmpl {
		out[i] = r.Replace(a)
	}
	return out
}
