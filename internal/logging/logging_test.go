package logging

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"sync"
	"testing"
)

func TestDiscard(t *testing.T) {
	logger := Discard()
	if logger == nil {
		t.Fatal("Discard() returned nil")
	}
	logger.Info("test message")
	logger.Debug("debug message")
}

func TestDefault(t *testing.T) {
	t.Run("nil returns discard", func(t *testing.T) {
		logger := Default(nil)
		if logger == nil {
			t.Fatal("Default(nil) returned nil")
		}
		if logger.Enabled(context.Background(), slog.LevelInfo) {
			t.Error("Default(nil) should return a discard logger")
		}
	})

	t.Run("non-nil returns same logger", func(t *testing.T) {
		var buf bytes.Buffer
		original := slog.New(slog.NewTextHandler(&buf, nil))
		result := Default(original)
		if result != original {
			t.Error("Default should return the same logger when non-nil")
		}
	})
}

// captureHandler records every record handed to it; WithAttrs clones
// share the backing slice so attributes attached upstream are visible to
// the test.
type captureHandler struct {
	mu      *sync.Mutex
	records *[]slog.Record
	attrs   []slog.Attr
}

func newCaptureHandler() *captureHandler {
	var mu sync.Mutex
	var records []slog.Record
	return &captureHandler{mu: &mu, records: &records}
}

func (h *captureHandler) Enabled(context.Context, slog.Level) bool { return true }

func (h *captureHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	*h.records = append(*h.records, r)
	return nil
}

func (h *captureHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]slog.Attr, len(h.attrs)+len(attrs))
	copy(merged, h.attrs)
	copy(merged[len(h.attrs):], attrs)
	return &captureHandler{mu: h.mu, records: h.records, attrs: merged}
}

func (h *captureHandler) WithGroup(string) slog.Handler { return h }

func (h *captureHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(*h.records)
}

func TestStageFilterBasic(t *testing.T) {
	capture := newCaptureHandler()
	filter := NewStageFilter(capture, slog.LevelInfo)
	logger := slog.New(filter)

	logger.Info("chunking started", "stage", "preprocess")
	if capture.count() != 1 {
		t.Errorf("expected 1 record, got %d", capture.count())
	}

	logger.Debug("probed cluster offsets", "stage", "preprocess")
	if capture.count() != 1 {
		t.Errorf("expected debug to be filtered, got %d", capture.count())
	}

	logger.Warn("file skipped", "stage", "preprocess")
	if capture.count() != 2 {
		t.Errorf("expected 2 records, got %d", capture.count())
	}
}

func TestStageFilterSetLevel(t *testing.T) {
	capture := newCaptureHandler()
	filter := NewStageFilter(capture, slog.LevelInfo)
	logger := slog.New(filter)

	logger.Debug("attempt 2 of 3", "stage", "retry")
	if capture.count() != 0 {
		t.Errorf("expected 0 records (filtered), got %d", capture.count())
	}

	filter.SetLevel("retry", slog.LevelDebug)

	logger.Debug("attempt 2 of 3", "stage", "retry")
	if capture.count() != 1 {
		t.Errorf("expected 1 record, got %d", capture.count())
	}

	logger.Debug("merge scheduled", "stage", "reduce")
	if capture.count() != 1 {
		t.Errorf("expected reduce stage to stay filtered, got %d", capture.count())
	}
}

func TestStageFilterClearLevel(t *testing.T) {
	capture := newCaptureHandler()
	filter := NewStageFilter(capture, slog.LevelInfo)
	logger := slog.New(filter)

	filter.SetLevel("retry", slog.LevelDebug)
	logger.Debug("attempt 2 of 3", "stage", "retry")
	if capture.count() != 1 {
		t.Errorf("expected 1 record, got %d", capture.count())
	}

	filter.ClearLevel("retry")
	logger.Debug("attempt 3 of 3", "stage", "retry")
	if capture.count() != 1 {
		t.Errorf("expected debug filtered again after clear, got %d", capture.count())
	}
}

func TestStageFilterLevel(t *testing.T) {
	filter := NewStageFilter(nil, slog.LevelInfo)

	if level := filter.Level("unknown"); level != slog.LevelInfo {
		t.Errorf("expected INFO, got %v", level)
	}

	filter.SetLevel("retry", slog.LevelDebug)
	if level := filter.Level("retry"); level != slog.LevelDebug {
		t.Errorf("expected DEBUG, got %v", level)
	}

	if level := filter.DefaultLevel(); level != slog.LevelInfo {
		t.Errorf("expected INFO, got %v", level)
	}
}

func TestStageFilterWithAttrs(t *testing.T) {
	capture := newCaptureHandler()
	filter := NewStageFilter(capture, slog.LevelInfo)

	logger := slog.New(filter).With("stage", "retry")
	filter.SetLevel("retry", slog.LevelDebug)

	logger.Debug("attempt 2 of 3")
	if capture.count() != 1 {
		t.Errorf("expected 1 record, got %d", capture.count())
	}
}

func TestStageFilterNoStage(t *testing.T) {
	capture := newCaptureHandler()
	filter := NewStageFilter(capture, slog.LevelInfo)
	logger := slog.New(filter)

	logger.Info("runner started")
	if capture.count() != 1 {
		t.Errorf("expected 1 record, got %d", capture.count())
	}

	logger.Debug("runner started, verbose")
	if capture.count() != 1 {
		t.Errorf("expected debug filtered, got %d", capture.count())
	}
}

func TestStageFilterConcurrent(t *testing.T) {
	capture := newCaptureHandler()
	filter := NewStageFilter(capture, slog.LevelInfo)
	logger := slog.New(filter)

	var wg sync.WaitGroup
	const goroutines = 10
	const iterations = 100

	for i := 0; i < goroutines; i++ {
		wg.Go(func() {
			for j := 0; j < iterations; j++ {
				logger.Info("message", "stage", "dispatch")
			}
		})
	}
	for i := 0; i < goroutines; i++ {
		wg.Go(func() {
			for j := 0; j < iterations; j++ {
				filter.SetLevel("dispatch", slog.LevelDebug)
				filter.ClearLevel("dispatch")
			}
		})
	}
	wg.Wait()

	if count := capture.count(); count != goroutines*iterations {
		t.Errorf("expected %d records, got %d", goroutines*iterations, count)
	}
}

func TestStageFilterIntegration(t *testing.T) {
	var buf bytes.Buffer
	base := slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	filter := NewStageFilter(base, slog.LevelInfo)
	logger := slog.New(filter)

	retryLogger := logger.With("stage", "retry")
	reduceLogger := logger.With("stage", "reduce")

	retryLogger.Debug("retry debug 1")
	reduceLogger.Debug("reduce debug 1")
	if buf.Len() != 0 {
		t.Errorf("expected no output, got: %s", buf.String())
	}

	filter.SetLevel("retry", slog.LevelDebug)

	retryLogger.Debug("retry debug 2")
	reduceLogger.Debug("reduce debug 2")

	output := buf.String()
	if !strings.Contains(output, "retry debug 2") {
		t.Errorf("expected retry debug log, got: %s", output)
	}
	if strings.Contains(output, "reduce debug") {
		t.Errorf("did not expect reduce debug log, got: %s", output)
	}
}

func TestStageFilterWithGroup(t *testing.T) {
	capture := newCaptureHandler()
	filter := NewStageFilter(capture, slog.LevelInfo)

	grouped := filter.WithGroup("mygroup")
	logger := slog.New(grouped)

	logger.Info("info message", "stage", "dispatch")
	if capture.count() != 1 {
		t.Errorf("expected 1 record, got %d", capture.count())
	}

	logger.Debug("debug message", "stage", "dispatch")
	if capture.count() != 1 {
		t.Errorf("expected debug filtered, got %d", capture.count())
	}
}

func TestStageFilterClearLevelNonExistent(t *testing.T) {
	filter := NewStageFilter(nil, slog.LevelInfo)

	filter.ClearLevel("nonexistent")

	if level := filter.Level("nonexistent"); level != slog.LevelInfo {
		t.Errorf("expected INFO, got %v", level)
	}
}
