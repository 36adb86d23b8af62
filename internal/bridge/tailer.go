package bridge

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"time"

	"github.com/ananasvpn/ananas/internal/logging"
)

// DefaultTailInterval is how often the engine log is polled.
const DefaultTailInterval = 500 * time.Millisecond

// maxPartial caps an unterminated line before it is flushed as is.
const maxPartial = 64 * 1024

// Tailer follows a log file by polling it, forwarding complete lines.
// A missing file is waited for; a truncated one is read from the start.
type Tailer struct {
	Path     string
	Sink     logging.Sink
	Interval time.Duration

	offset  int64
	partial []byte
}

// Run polls until ctx is done, then drains the file once more.
func (t *Tailer) Run(ctx context.Context) {
	interval := t.Interval
	if interval <= 0 {
		interval = DefaultTailInterval
	}
	if t.Sink == nil {
		t.Sink = logging.Discard
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			t.Poll()
			return
		case <-ticker.C:
			t.Poll()
		}
	}
}

// Poll reads whatever was appended since the last call.
func (t *Tailer) Poll() {
	f, err := os.Open(t.Path)
	if err != nil {
		return
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return
	}
	if fi.Size() < t.offset {
		t.offset = 0
		t.partial = t.partial[:0]
	}
	if fi.Size() == t.offset {
		return
	}
	if _, err := f.Seek(t.offset, io.SeekStart); err != nil {
		return
	}
	buf := make([]byte, fi.Size()-t.offset)
	n, err := io.ReadFull(f, buf)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
		return
	}
	t.offset += int64(n)
	t.emit(buf[:n])
}

func (t *Tailer) emit(data []byte) {
	t.partial = append(t.partial, data...)
	for {
		i := bytes.IndexByte(t.partial, '\n')
		if i < 0 {
			break
		}
		line := bytes.TrimRight(t.partial[:i], "\r")
		if len(line) > 0 {
			t.Sink.WriteLine(string(line))
		}
		t.partial = t.partial[i+1:]
	}
	if len(t.partial) > maxPartial {
		t.Sink.WriteLine(string(t.partial))
		t.partial = t.partial[:0]
	}
	// Compact so the backing array does not grow without bound.
	t.partial = append([]byte(nil), t.partial...)
}
