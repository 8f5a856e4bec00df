package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
	conf "github.com/life-stream-dev/robovac-mqtt-broker/internal/config"
)

const (
	LevelFatal slog.Level = 12
)

// asyncCore owns the output channel and the rotating file. Handlers derived
// through WithAttrs/WithGroup share one core.
type asyncCore struct {
	ch          chan []byte
	mu          sync.Mutex
	writer      io.Writer
	currentDay  int
	currentFile *os.File
	basePath    string
	wg          sync.WaitGroup
	closeOnce   sync.Once
}

type AsyncHandler struct {
	core     *asyncCore
	attrs    []slog.Attr
	group    string
	logLevel slog.Level
}

func NewAsyncHandler(basePath string, logLevel slog.Level) *AsyncHandler {
	core := &asyncCore{
		ch:       make(chan []byte, 1024),
		basePath: basePath,
		writer:   os.Stdout,
	}
	if err := core.rotateIfNeeded(); err != nil {
		fmt.Fprintf(os.Stderr, "log file unavailable, writing to stdout only: %v\n", err)
	}
	core.wg.Add(1)
	go core.startWorker()
	return &AsyncHandler{core: core, logLevel: logLevel}
}

// cleanOldLogs removes log files older than 30 days.
func (c *asyncCore) cleanOldLogs() {
	files, _ := filepath.Glob(c.basePath + "/*.log")
	now := time.Now()

	for _, f := range files {
		fi, err := os.Stat(f)
		if err != nil {
			continue
		}
		if now.Sub(fi.ModTime()) > 30*24*time.Hour {
			_ = os.Remove(f)
		}
	}
}

func (c *asyncCore) rotateIfNeeded() error {
	now := time.Now()
	currentDay := now.YearDay()

	if currentDay == c.currentDay && c.currentFile != nil {
		return nil
	}

	if c.currentFile != nil {
		if err := c.currentFile.Close(); err != nil {
			return fmt.Errorf("failed to close log file: %w", err)
		}
		c.currentFile = nil
		c.writer = os.Stdout
	}

	logPath := c.getLogPath(now)
	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}

	f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to create log file: %w", err)
	}

	c.currentFile = f
	c.currentDay = currentDay
	c.writer = io.MultiWriter(os.Stdout, c.currentFile)
	c.cleanOldLogs()
	return nil
}

func (c *asyncCore) getLogPath(now time.Time) string {
	return fmt.Sprintf("%s/%s.log", c.basePath, now.Format("2006-01-02"))
}

func (c *asyncCore) startWorker() {
	defer c.wg.Done()
	for data := range c.ch {
		c.mu.Lock()
		_ = c.rotateIfNeeded()
		_, _ = c.writer.Write(data)
		c.mu.Unlock()
	}
}

func (c *asyncCore) close() {
	c.closeOnce.Do(func() {
		close(c.ch)
		c.wg.Wait()
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.currentFile != nil {
			_ = c.currentFile.Sync()
			_ = c.currentFile.Close()
			c.currentFile = nil
		}
	})
}

func (h *AsyncHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.logLevel
}

func (h *AsyncHandler) Handle(_ context.Context, r slog.Record) error {
	level := r.Level.String()

	switch r.Level {
	case slog.LevelDebug:
		level = color.MagentaString(level)
	case slog.LevelInfo:
		level = color.BlueString(level)
	case slog.LevelWarn:
		level = color.YellowString(level)
	case slog.LevelError:
		level = color.RedString(level)
	case LevelFatal:
		level = color.HiRedString("FATAL")
	}

	var line strings.Builder
	fmt.Fprintf(&line, "%s | %-5s | %s",
		color.GreenString(r.Time.Format("2006-01-02T15:04:05")),
		level,
		color.CyanString(r.Message),
	)

	for _, attr := range h.attrs {
		line.WriteString(color.CyanString(" %s=%v", h.key(attr.Key), attr.Value))
	}

	r.Attrs(func(attr slog.Attr) bool {
		line.WriteString(color.CyanString(" %s=%v", h.key(attr.Key), attr.Value))
		return true
	})

	line.WriteByte('\n')

	h.Write([]byte(line.String()))
	return nil
}

func (h *AsyncHandler) key(k string) string {
	if h.group == "" {
		return k
	}
	return h.group + "." + k
}

func (h *AsyncHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newAttrs := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	newAttrs = append(newAttrs, h.attrs...)
	newAttrs = append(newAttrs, attrs...)

	return &AsyncHandler{
		core:     h.core,
		attrs:    newAttrs,
		group:    h.group,
		logLevel: h.logLevel,
	}
}

func (h *AsyncHandler) WithGroup(name string) slog.Handler {
	group := name
	if h.group != "" {
		group = h.group + "." + name
	}
	return &AsyncHandler{
		core:     h.core,
		attrs:    h.attrs,
		group:    group,
		logLevel: h.logLevel,
	}
}

func (h *AsyncHandler) Write(p []byte) {
	pb := make([]byte, len(p))
	copy(pb, p)
	defer func() {
		// the channel is closed during shutdown; late records are dropped
		_ = recover()
	}()
	h.core.ch <- pb
}

func (h *AsyncHandler) Close() error {
	h.core.close()
	return nil
}

type ShutdownCallback struct {
	handler *AsyncHandler
}

func (lc *ShutdownCallback) Invoke(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		_ = lc.handler.Close()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func Init(config conf.Config) *ShutdownCallback {
	level := slog.LevelInfo
	if config.DebugMode {
		level = slog.LevelDebug
	}
	basePath := config.LogPath
	if basePath == "" {
		basePath = "logs"
	}
	handler := NewAsyncHandler(basePath, level)
	slog.SetDefault(slog.New(handler))
	slog.Debug("Logger initialized")
	return &ShutdownCallback{handler: handler}
}

// Flush drains and closes the default async handler. Records logged after
// Flush are dropped, so it is only called right before the process exits.
func Flush() {
	if h, ok := slog.Default().Handler().(*AsyncHandler); ok {
		_ = h.Close()
	}
}

func Debug(msg string, v ...interface{}) {
	slog.Debug(msg, v...)
}

func DebugF(msg string, v ...interface{}) {
	slog.Debug(fmt.Sprintf(msg, v...))
}

func Info(msg string, v ...interface{}) {
	slog.Info(msg, v...)
}

func InfoF(msg string, v ...interface{}) {
	slog.Info(fmt.Sprintf(msg, v...))
}

func Warn(msg string, v ...interface{}) {
	slog.Warn(msg, v...)
}

func WarnF(msg string, v ...interface{}) {
	slog.Warn(fmt.Sprintf(msg, v...))
}

func Error(msg string, v ...interface{}) {
	slog.Error(msg, v...)
}

func ErrorF(msg string, v ...interface{}) {
	slog.Error(fmt.Sprintf(msg, v...))
}

func Fatal(msg string, v ...interface{}) {
	slog.Log(context.Background(), LevelFatal, msg, v...)
}

func FatalF(msg string, v ...interface{}) {
	slog.Log(context.Background(), LevelFatal, fmt.Sprintf(msg, v...))
}
