package dlog_test

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/sbhd/sbhd/internal/dlog"
	"github.com/sbhd/sbhd/internal/events"
)

func testParams(t *testing.T) dlog.Params {
	t.Helper()
	dir := t.TempDir()
	return dlog.Params{
		SqlitePath: filepath.Join(dir, "events.db"),
		JSONLPath:  filepath.Join(dir, "events.jsonl"),
		DevShmPath: filepath.Join(dir, "devshm-fallback.jsonl"),
		ChannelCap: 16,
	}
}

func TestEmit_WritesToJSONL(t *testing.T) {
	p := testParams(t)
	l, err := dlog.Open(p, zap.NewNop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	seq := events.NewSequencer()
	l.Emit(seq.New(events.Heartbeat))
	l.Close()

	data, err := os.ReadFile(p.JSONLPath)
	if err != nil {
		t.Fatalf("read jsonl: %v", err)
	}
	var ev events.Event
	if err := json.Unmarshal(data[:len(data)-1], &ev); err != nil {
		t.Fatalf("unmarshal jsonl line: %v", err)
	}
	if ev.Kind != events.Heartbeat {
		t.Errorf("expected Heartbeat kind, got %v", ev.Kind)
	}
}

func TestEmit_NonBlockingOnChannelOverflow(t *testing.T) {
	p := testParams(t)
	p.ChannelCap = 1
	l, err := dlog.Open(p, zap.NewNop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer l.Close()

	seq := events.NewSequencer()
	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			l.Emit(seq.New(events.PressureSample))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Emit blocked instead of dropping on overflow")
	}
}

func TestDropped_StartsAtZero(t *testing.T) {
	p := testParams(t)
	l, err := dlog.Open(p, zap.NewNop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer l.Close()
	if l.Dropped() != 0 {
		t.Errorf("expected zero dropped events initially, got %d", l.Dropped())
	}
}
