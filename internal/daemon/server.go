package daemon

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"

	"github.com/ananasvpn/ananas/internal/status"
)

// Handler is implemented by the daemon to respond to IPC requests.
type Handler interface {
	HandleStart(config []byte) error
	HandleStop(ctx context.Context) error
	HandleStatus() *DaemonStatus
	// HandleSubscribe registers a stream. The channel is closed when a
	// newer subscriber takes over; cancel releases the registration.
	HandleSubscribe() (snaps <-chan status.Snapshot, cancel func())
	HandleShutdown()
}

// Server listens on a Unix socket and dispatches requests to a Handler.
type Server struct {
	sockPath string
	handler  Handler
	logger   *slog.Logger
	listener net.Listener
	wg       sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc
}

// NewServer creates a new IPC server.
func NewServer(sockPath string, handler Handler, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{sockPath: sockPath, handler: handler, logger: logger, ctx: ctx, cancel: cancel}
}

// Start begins accepting connections. Non-blocking, runs in background.
func (s *Server) Start() error {
	// Remove stale socket file if it exists.
	_ = os.Remove(s.sockPath)

	ln, err := net.Listen("unix", s.sockPath)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.sockPath, err)
	}
	if err := os.Chmod(s.sockPath, 0600); err != nil {
		_ = ln.Close()
		return fmt.Errorf("chmod %s: %w", s.sockPath, err)
	}
	s.listener = ln

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			conn, err := ln.Accept()
			if err != nil {
				return // listener closed
			}
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				s.handle(conn)
			}()
		}
	}()
	return nil
}

// Stop closes the listener, ends open streams and removes the socket file.
func (s *Server) Stop() {
	s.cancel()
	if s.listener != nil {
		_ = s.listener.Close()
	}
	s.wg.Wait()
	_ = os.Remove(s.sockPath)
}

func (s *Server) handle(conn net.Conn) {
	defer func() { _ = conn.Close() }()

	br := bufio.NewReader(conn)
	var req Request
	if err := json.NewDecoder(br).Decode(&req); err != nil {
		_ = json.NewEncoder(conn).Encode(Response{OK: false, Error: "invalid request"})
		return
	}

	enc := json.NewEncoder(conn)
	switch req.Method {
	case MethodStart:
		if len(req.Config) == 0 {
			_ = enc.Encode(Response{OK: false, Error: "start: missing config"})
			return
		}
		if err := s.handler.HandleStart(req.Config); err != nil {
			_ = enc.Encode(Response{OK: false, Error: err.Error()})
			return
		}
		_ = enc.Encode(Response{OK: true, State: s.handler.HandleStatus()})
	case MethodStop:
		if err := s.handler.HandleStop(s.ctx); err != nil {
			_ = enc.Encode(Response{OK: false, Error: err.Error()})
			return
		}
		_ = enc.Encode(Response{OK: true, State: s.handler.HandleStatus()})
	case MethodStatus:
		_ = enc.Encode(Response{OK: true, State: s.handler.HandleStatus()})
	case MethodSubscribe:
		s.stream(conn, enc)
	case MethodShutdown:
		_ = enc.Encode(Response{OK: true})
		s.handler.HandleShutdown()
	default:
		_ = enc.Encode(Response{OK: false, Error: fmt.Sprintf("unknown method: %s", req.Method)})
	}
}

// stream writes snapshots as NDJSON until the subscription is replaced,
// the client hangs up or the server stops.
func (s *Server) stream(conn net.Conn, enc *json.Encoder) {
	snaps, cancel := s.handler.HandleSubscribe()
	defer cancel()

	if err := enc.Encode(Response{OK: true, State: s.handler.HandleStatus()}); err != nil {
		return
	}

	// The client sends nothing more; EOF means it went away.
	gone := make(chan struct{})
	go func() {
		_, _ = io.Copy(io.Discard, conn)
		close(gone)
	}()

	for {
		select {
		case snap, ok := <-snaps:
			if !ok {
				s.logger.Debug("status stream replaced by a newer subscriber")
				return
			}
			if err := enc.Encode(snap); err != nil {
				return
			}
		case <-gone:
			return
		case <-s.ctx.Done():
			return
		}
	}
}
