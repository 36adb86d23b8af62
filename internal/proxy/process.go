// Package proxy runs external engine processes (the xray-compatible proxy,
// and the bridge binary) in their own process group with merged output
// forwarded line by line to a log sink.
package proxy

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/ananasvpn/ananas/internal/logging"
)

// DefaultGrace is how long Terminate waits after SIGTERM before SIGKILL.
const DefaultGrace = 5 * time.Second

const drainTimeout = 500 * time.Millisecond

// Command describes a process to start.
type Command struct {
	Path       string
	Args       []string
	Dir        string
	Env        map[string]string
	ExtraFiles []*os.File

	Sink   logging.Sink
	Logger *slog.Logger
	Grace  time.Duration
}

// Process is a running child. It is never restarted.
type Process struct {
	cmd    *exec.Cmd
	out    *os.File
	grace  time.Duration
	logger *slog.Logger
	kill   func(pid int, sig unix.Signal) error

	exited     chan struct{}
	readerDone chan struct{}
	waitErr    error

	termOnce sync.Once
	termErr  error
}

// Start launches c. Output of the process (and anything it forks) is read
// from a single pipe until EOF or until Terminate closes it.
func Start(ctx context.Context, c Command) (*Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	logger := c.Logger
	if logger == nil {
		logger = slog.Default()
	}
	sink := c.Sink
	if sink == nil {
		sink = logging.Discard
	}
	grace := c.Grace
	if grace <= 0 {
		grace = DefaultGrace
	}

	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("output pipe: %w", err)
	}

	cmd := exec.Command(c.Path, c.Args...)
	cmd.Dir = c.Dir
	cmd.Stdout = w
	cmd.Stderr = w
	cmd.ExtraFiles = c.ExtraFiles
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Env = os.Environ()
	for k, v := range c.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	if err := cmd.Start(); err != nil {
		_ = r.Close()
		_ = w.Close()
		return nil, fmt.Errorf("start %s: %w", c.Path, err)
	}
	// The child holds its own copy.
	_ = w.Close()

	p := &Process{
		cmd:        cmd,
		out:        r,
		grace:      grace,
		logger:     logger,
		kill:       unix.Kill,
		exited:     make(chan struct{}),
		readerDone: make(chan struct{}),
	}
	go p.read(sink)
	go func() {
		p.waitErr = cmd.Wait()
		close(p.exited)
	}()

	logger.Debug("process started", "path", c.Path, "pid", cmd.Process.Pid)
	return p, nil
}

func (p *Process) read(sink logging.Sink) {
	defer close(p.readerDone)
	sc := bufio.NewScanner(p.out)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		sink.WriteLine(sc.Text())
	}
	if err := sc.Err(); err != nil && !errors.Is(err, os.ErrClosed) {
		p.logger.Debug("output reader stopped", "pid", p.Pid(), "err", err)
	}
}

// Pid returns the child's process id (also its process group id).
func (p *Process) Pid() int { return p.cmd.Process.Pid }

// Exited is closed once the child has been reaped.
func (p *Process) Exited() <-chan struct{} { return p.exited }

// ExitErr returns the result of Wait. Valid after Exited is closed.
func (p *Process) ExitErr() error {
	select {
	case <-p.exited:
		return p.waitErr
	default:
		return nil
	}
}

// Terminate signals the process group with SIGTERM, escalates to SIGKILL
// after the grace period, then closes the output pipe and waits for the
// reader. Safe to call more than once; later calls return the first result.
func (p *Process) Terminate() error {
	p.termOnce.Do(func() {
		p.termErr = p.terminate()
	})
	return p.termErr
}

func (p *Process) terminate() error {
	var errs []error
	pgid := -p.Pid()
	signalled := false

	// Once the leader is reaped its group id may be reused; only signal a
	// group this call has seen alive.
	select {
	case <-p.exited:
	default:
		signalled = true
		if err := p.kill(pgid, unix.SIGTERM); err != nil && !errors.Is(err, unix.ESRCH) {
			errs = append(errs, fmt.Errorf("sigterm: %w", err))
		}
		t := time.NewTimer(p.grace)
		select {
		case <-p.exited:
			t.Stop()
		case <-t.C:
			p.logger.Warn("process ignored SIGTERM, killing", "pid", p.Pid())
			if err := p.kill(pgid, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
				errs = append(errs, fmt.Errorf("sigkill: %w", err))
			}
			select {
			case <-p.exited:
			case <-time.After(p.grace):
				errs = append(errs, fmt.Errorf("process %d did not exit", p.Pid()))
			}
		}
	}
	// Stray descendants may still hold the write end.
	if signalled {
		_ = p.kill(pgid, unix.SIGKILL)
	}

	// Let the reader drain what the child wrote before exiting.
	select {
	case <-p.readerDone:
	case <-time.After(drainTimeout):
	}
	if err := p.out.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
		errs = append(errs, fmt.Errorf("close output: %w", err))
	}
	<-p.readerDone
	return errors.Join(errs...)
}
