package logging

import (
	"bytes"
	"strings"
	"testing"
)

func TestNewFiltersBelowLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, "warn")
	logger.Info("quiet")
	logger.Warn("loud", "key", "value")

	out := buf.String()
	if strings.Contains(out, "quiet") {
		t.Errorf("info line should be filtered at warn level: %q", out)
	}
	if !strings.Contains(out, "loud") || !strings.Contains(out, "value") {
		t.Errorf("warn line missing: %q", out)
	}
}

func TestNewUnknownLevelDefaultsToInfo(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, "chatty")
	logger.Debug("hidden")
	logger.Info("shown")
	if strings.Contains(buf.String(), "hidden") {
		t.Error("debug line should be filtered")
	}
	if !strings.Contains(buf.String(), "shown") {
		t.Error("info line missing")
	}
}

func TestSlogSinkTagsSource(t *testing.T) {
	var buf bytes.Buffer
	sink := SlogSink(New(&buf, "info"), "proxy")
	sink.WriteLine("xray started")

	out := buf.String()
	if !strings.Contains(out, "xray started") {
		t.Errorf("line missing: %q", out)
	}
	if !strings.Contains(out, "proxy") {
		t.Errorf("source missing: %q", out)
	}
}

func TestSinkFunc(t *testing.T) {
	var got []string
	var s Sink = SinkFunc(func(line string) { got = append(got, line) })
	s.WriteLine("a")
	s.WriteLine("b")
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Errorf("got %v", got)
	}
	Discard.WriteLine("ignored")
}
