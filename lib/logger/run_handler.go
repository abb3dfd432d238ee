package logger

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// RunLogHandler wraps a slog.Handler and additionally duplicates any
// log record tagged with a "run" attribute to a side file next to the
// artifact that run is producing. It generalizes the teacher's
// InstanceLogHandler (which fanned "id"-tagged logs to a per-instance
// hypeman.log) to this engine's one-shot-pipeline shape: spec.md §7
// requires a failed conversion to leave a debuggable transcript
// alongside its half-written output, so RunLogHandler keys on the
// pipeline's output path rather than a long-lived instance ID.
//
// Implementation follows the same shared-state-across-WithAttrs/
// WithGroup pattern as the teacher's handler:
// https://pkg.go.dev/golang.org/x/example/slog-handler-guide
type RunLogHandler struct {
	slog.Handler
	logPathFunc func(run string) string
	state       *sharedState
}

type sharedState struct {
	mu        sync.Mutex
	fileCache map[string]*os.File
}

// NewRunLogHandler creates a handler that wraps the given handler and
// writes "run"-tagged logs to a side file. logPathFunc returns the log
// path for a run tag (e.g. "<output>.c2v.log").
func NewRunLogHandler(wrapped slog.Handler, logPathFunc func(run string) string) *RunLogHandler {
	return &RunLogHandler{
		Handler:     wrapped,
		logPathFunc: logPathFunc,
		state:       &sharedState{fileCache: make(map[string]*os.File)},
	}
}

func (h *RunLogHandler) Handle(ctx context.Context, r slog.Record) error {
	if err := h.Handler.Handle(ctx, r); err != nil {
		return err
	}

	var run string
	r.Attrs(func(a slog.Attr) bool {
		if a.Key == "run" {
			run = a.Value.String()
			return false
		}
		return true
	})

	if run != "" {
		h.writeToRunLog(run, r)
	}
	return nil
}

func (h *RunLogHandler) writeToRunLog(run string, r slog.Record) {
	logPath := h.logPathFunc(run)
	if logPath == "" {
		return
	}

	timestamp := r.Time.Format(time.RFC3339)
	level := r.Level.String()

	var attrs []string
	r.Attrs(func(a slog.Attr) bool {
		if a.Key != "run" {
			attrs = append(attrs, fmt.Sprintf("%s=%v", a.Key, a.Value))
		}
		return true
	})

	line := fmt.Sprintf("%s %s %s", timestamp, level, r.Message)
	for _, attr := range attrs {
		line += " " + attr
	}
	line += "\n"

	h.state.mu.Lock()
	defer h.state.mu.Unlock()

	f, ok := h.state.fileCache[run]
	if !ok {
		dir := filepath.Dir(logPath)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return
		}
		var err error
		f, err = os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return
		}
		h.state.fileCache[run] = f
	}

	f.WriteString(line)
}

func (h *RunLogHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.Handler.Enabled(ctx, level)
}

func (h *RunLogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &RunLogHandler{
		Handler:     h.Handler.WithAttrs(attrs),
		logPathFunc: h.logPathFunc,
		state:       h.state,
	}
}

func (h *RunLogHandler) WithGroup(name string) slog.Handler {
	return &RunLogHandler{
		Handler:     h.Handler.WithGroup(name),
		logPathFunc: h.logPathFunc,
		state:       h.state,
	}
}

// Close closes and removes the cached file handle for a run, flushing
// its side-log to disk. Call when a pipeline finishes or aborts.
func (h *RunLogHandler) Close(run string) {
	h.state.mu.Lock()
	defer h.state.mu.Unlock()
	if f, ok := h.state.fileCache[run]; ok {
		f.Close()
		delete(h.state.fileCache, run)
	}
}

// CloseAll closes every cached file handle.
func (h *RunLogHandler) CloseAll() {
	h.state.mu.Lock()
	defer h.state.mu.Unlock()
	for run, f := range h.state.fileCache {
		f.Close()
		delete(h.state.fileCache, run)
	}
}
