package logger

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestAsyncHandlerWritesDailyFile(t *testing.T) {
	dir := t.TempDir()
	h := NewAsyncHandler(dir, slog.LevelDebug)
	log := slog.New(h).With("client", "bot1").WithGroup("proxy")

	log.Info("forwarded", "topic", "iot/p2p/x")
	if err := h.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, time.Now().Format("2006-01-02")+".log"))
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	out := string(data)
	for _, want := range []string{"forwarded", "client=bot1", "proxy.topic=iot/p2p/x"} {
		if !strings.Contains(out, want) {
			t.Errorf("log output %q missing %q", out, want)
		}
	}
}

func TestAsyncHandlerLevel(t *testing.T) {
	h := NewAsyncHandler(t.TempDir(), slog.LevelInfo)
	defer h.Close()
	if h.Enabled(context.Background(), slog.LevelDebug) {
		t.Error("debug should be disabled at info level")
	}
	if !h.Enabled(context.Background(), LevelFatal) {
		t.Error("fatal should always be enabled")
	}
}

func TestWriteAfterCloseDoesNotPanic(t *testing.T) {
	h := NewAsyncHandler(t.TempDir(), slog.LevelInfo)
	_ = h.Close()
	slog.New(h).Info("late record")
}

func TestFlushDrainsDefaultHandler(t *testing.T) {
	previous := slog.Default()
	t.Cleanup(func() { slog.SetDefault(previous) })

	dir := t.TempDir()
	slog.SetDefault(slog.New(NewAsyncHandler(dir, slog.LevelInfo)))
	for i := 0; i < 100; i++ {
		InfoF("queued %d", i)
	}
	FatalF("exiting: %s", "no upstream")
	Flush()

	data, err := os.ReadFile(filepath.Join(dir, time.Now().Format("2006-01-02")+".log"))
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	out := string(data)
	for _, want := range []string{"queued 0", "queued 99", "exiting: no upstream"} {
		if !strings.Contains(out, want) {
			t.Errorf("flushed output missing %q", want)
		}
	}
	Flush()
}
