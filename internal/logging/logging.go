// Package logging wires structured logging through the runner without a
// global logger.
//
// Rules:
//   - Every component takes a *slog.Logger at construction, never reaches
//     for slog.Default()
//   - logging.Default(logger) resolves a nil logger to a discard logger,
//     so callers never need a nil check before calling it
//   - Global sinks (format, level, destination) are a main()-only concern
//   - No per-chunk or per-item logging: log at phase boundaries
//     (preprocess start/done, dispatch submitted, merge completed, retry
//     exhausted), not inside the chunk loop
package logging

import (
	"context"
	"log/slog"
	"maps"
	"sync/atomic"
)

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// Discard returns a logger that drops everything written to it.
func Discard() *slog.Logger {
	return slog.New(discardHandler{})
}

// Default resolves an optional logger parameter: returns logger unchanged
// if non-nil, otherwise a discard logger.
//
//	func NewRunner(logger *slog.Logger, ...) *Runner {
//	    logger = logging.Default(logger)
//	    return &Runner{logger: logger.With("stage", "runner")}
//	}
func Default(logger *slog.Logger) *slog.Logger {
	if logger != nil {
		return logger
	}
	return Discard()
}

// StageFilter wraps an slog.Handler and applies a per-stage minimum level,
// keyed off a "stage" attribute (the values used across the runner are
// "preprocess", "dispatch", "reduce", and "retry"). It lets an operator
// turn on debug logging for, say, the retry driver alone without touching
// everything else.
//
// Handle() reads the current level map from an atomic pointer so the hot
// path takes no lock; SetLevel/ClearLevel install a new map
// copy-on-write.
type StageFilter struct {
	next         slog.Handler
	defaultLevel slog.Level

	// preAttrs holds attributes bound via WithAttrs before any group was
	// opened; Handle inspects these for "stage" alongside the record's
	// own attributes.
	preAttrs []slog.Attr

	levels *atomic.Pointer[map[string]slog.Level]
}

// NewStageFilter wraps next, dropping records below defaultLevel unless
// their stage has an override installed via SetLevel.
func NewStageFilter(next slog.Handler, defaultLevel slog.Level) *StageFilter {
	levels := &atomic.Pointer[map[string]slog.Level]{}
	empty := make(map[string]slog.Level)
	levels.Store(&empty)

	return &StageFilter{
		next:         next,
		defaultLevel: defaultLevel,
		levels:       levels,
	}
}

// Enabled always defers to Handle, since the stage attribute isn't known
// until the record exists.
func (h *StageFilter) Enabled(context.Context, slog.Level) bool { return true }

func (h *StageFilter) Handle(ctx context.Context, r slog.Record) error {
	levels := *h.levels.Load()

	minLevel := h.defaultLevel
	if stage := h.findStage(r); stage != "" {
		if lv, ok := levels[stage]; ok {
			minLevel = lv
		}
	}
	if r.Level < minLevel {
		return nil
	}
	if !h.next.Enabled(ctx, r.Level) {
		return nil
	}
	return h.next.Handle(ctx, r)
}

func (h *StageFilter) findStage(r slog.Record) string {
	for _, attr := range h.preAttrs {
		if attr.Key == "stage" {
			if s, ok := attr.Value.Resolve().Any().(string); ok {
				return s
			}
		}
	}
	var stage string
	r.Attrs(func(a slog.Attr) bool {
		if a.Key == "stage" {
			if s, ok := a.Value.Resolve().Any().(string); ok {
				stage = s
				return false
			}
		}
		return true
	})
	return stage
}

func (h *StageFilter) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return h
	}
	merged := make([]slog.Attr, len(h.preAttrs), len(h.preAttrs)+len(attrs))
	copy(merged, h.preAttrs)
	merged = append(merged, attrs...)
	return &StageFilter{
		next:         h.next.WithAttrs(attrs),
		defaultLevel: h.defaultLevel,
		preAttrs:     merged,
		levels:       h.levels,
	}
}

func (h *StageFilter) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	return &StageFilter{
		next:         h.next.WithGroup(name),
		defaultLevel: h.defaultLevel,
		preAttrs:     h.preAttrs,
		levels:       h.levels,
	}
}

// SetLevel installs a minimum level override for one stage. Safe to call
// concurrently with Handle.
func (h *StageFilter) SetLevel(stage string, level slog.Level) {
	old := *h.levels.Load()
	next := make(map[string]slog.Level, len(old)+1)
	maps.Copy(next, old)
	next[stage] = level
	h.levels.Store(&next)
}

// ClearLevel removes a stage's override, reverting it to the default
// level.
func (h *StageFilter) ClearLevel(stage string) {
	old := *h.levels.Load()
	if _, ok := old[stage]; !ok {
		return
	}
	next := make(map[string]slog.Level, len(old))
	for k, v := range old {
		if k != stage {
			next[k] = v
		}
	}
	h.levels.Store(&next)
}

// Level reports the effective minimum level for a stage.
func (h *StageFilter) Level(stage string) slog.Level {
	levels := *h.levels.Load()
	if lv, ok := levels[stage]; ok {
		return lv
	}
	return h.defaultLevel
}

// DefaultLevel reports the level applied to stages without an override.
func (h *StageFilter) DefaultLevel() slog.Level {
	return h.defaultLevel
}
