// Package runner implements the top-level orchestrator from spec §4.7:
// normalize a Fileset, resolve metadata through the Preprocessor, chunk
// the resulting files, dispatch the user's processor over every chunk
// through an Executor, and hand the reduced accumulator to PostProcess.
package runner

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"chunkrunner/internal/executor"
	"chunkrunner/internal/filemeta"
	"chunkrunner/internal/logging"
	"chunkrunner/internal/metacache"
	"chunkrunner/internal/preprocess"
	"chunkrunner/internal/retry"
)

// EventReader opens a lazy event view over one entry range of one file
// (spec §6 "EventReader that yields a lazy event collection").
type EventReader interface {
	Open(ctx context.Context, filename, treename string, start, stop int64, schema any) (EventsView, error)
}

// EventsView is the lazy event collection handed to UserProcessor.Process.
type EventsView interface {
	MaterializedColumns() []string
}

// ByteSized is optionally implemented by an EventsView to report the
// bytes actually read off disk, for Metrics.BytesRead (spec §7
// "bytesread" in the savemetrics branch). Views that don't implement it
// contribute zero.
type ByteSized interface {
	BytesRead() int64
}

// UserProcessor is the domain-specific analysis function and its
// finalization hook (spec §6, §4.7 "Must not return null"). process
// must not return a nil accumulator.
type UserProcessor interface {
	Process(ctx context.Context, events EventsView) (any, error)
	PostProcess(ctx context.Context, acc any) error
}

// Metrics accumulates the supplemented per-chunk metrics collection
// (spec §7): columns actually materialized, entries processed, time
// spent in the work function, and bytes read.
type Metrics struct {
	BytesRead   int64
	Columns     []string
	Entries     int64
	ProcessTime time.Duration
}

func (m Metrics) add(other Metrics) Metrics {
	out := Metrics{
		BytesRead:   m.BytesRead + other.BytesRead,
		Entries:     m.Entries + other.Entries,
		ProcessTime: m.ProcessTime + other.ProcessTime,
	}
	out.Columns = unionColumns(m.Columns, other.Columns)
	return out
}

func unionColumns(a, b []string) []string {
	if len(a) == 0 {
		return b
	}
	if len(b) == 0 {
		return a
	}
	seen := make(map[string]struct{}, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, cols := range [2][]string{a, b} {
		for _, c := range cols {
			if _, ok := seen[c]; !ok {
				seen[c] = struct{}{}
				out = append(out, c)
			}
		}
	}
	return out
}

// Result is what Run returns: the reduced user accumulator, plus
// metrics when Config.SaveMetrics is set.
type Result struct {
	Accumulator any
	Metrics     *Metrics
}

// Runner ties the Preprocessor, Chunker, Executor, and RetryDriver
// together per spec §4.7.
type Runner struct {
	cfg Config

	cache *metacache.Cache
	// base carries Config.LogLevel/StageLevels but no "stage" attribute of
	// its own, so each phase binds its own stage without shadowing
	// another phase's override (see buildLogger).
	base   *slog.Logger
	logger *slog.Logger
}

// New returns a Runner. cache is the MetadataCache shared across Runner
// invocations (spec §9 "Global LRU default... reused across Runner
// invocations, replaceable by the caller"); a nil cache falls back to a
// fresh one sized metacache.DefaultCapacity.
func New(cfg Config, cache *metacache.Cache) *Runner {
	if cache == nil {
		cache = metacache.New(metacache.DefaultCapacity)
	}
	base := buildLogger(cfg)
	return &Runner{cfg: cfg, cache: cache, base: base, logger: base.With("stage", "dispatch")}
}

// buildLogger wraps Config.Logger's handler in a logging.StageFilter so
// Config.LogLevel/StageLevels actually take effect (a per-stage level
// override is meaningless against a bare handler that knows nothing
// about stages).
func buildLogger(cfg Config) *slog.Logger {
	handler := logging.Default(cfg.Logger).Handler()
	filter := logging.NewStageFilter(handler, cfg.LogLevel)
	for stage, level := range cfg.StageLevels {
		filter.SetLevel(stage, level)
	}
	return slog.New(filter)
}

// chunkResult is the internal accumulator Execute actually folds: the
// user's accumulator plus an optional skipped marker (a chunk dropped
// under skip_bad_files contributes nothing) and running metrics.
type chunkResult struct {
	skipped bool
	acc     any
	metrics Metrics
}

// Run implements spec §4.7 steps 1-8: normalize, populate from cache,
// preprocess, filter, chunk (respecting Config.MaxChunks per dataset),
// dispatch through exec with retry, reduce under merge starting from
// zero, then PostProcess the result.
func (r *Runner) Run(
	ctx context.Context,
	fileset Fileset,
	probe preprocess.MetadataProbe,
	reader EventReader,
	proc UserProcessor,
	exec executor.Executor,
	zero any,
	merge executor.MergeFunc,
) (Result, error) {
	if r.cfg.Format == FormatParquet {
		return Result{}, ErrFormatNotImplemented
	}

	files, userMeta, err := normalize(fileset)
	if err != nil {
		return Result{}, err
	}

	retryDriver := retry.NewDriver(r.cfg.Retries)
	retryDriver.Logger = r.base.With("stage", "retry")

	ready, err := preprocess.Preprocess(ctx, files, probe, exec, retryDriver, r.cache, r.cfg.AlignClusters, r.cfg.SkipBadFiles, r.base)
	if err != nil {
		return Result{}, err
	}
	applyUserMetadata(ready, userMeta)

	if r.cfg.CompatReverse {
		ready = preprocess.Reverse(ready)
	}

	items, err := r.chunk(ready)
	if err != nil {
		return Result{}, err
	}

	chunkSize := int64(len(items))
	r.logger.Info("dispatching", "chunks", chunkSize, "files", len(ready))

	// Cluster backends transport the user processor via the heavy-input
	// scatter primitive rather than a per-task closure capture (spec §9
	// "User processor transport"); workFunc falls back to the closure for
	// every other backend.
	if cluster, ok := exec.(*executor.Cluster); ok {
		cluster.HeavyInput = proc
	}

	workFn := r.workFunc(reader, proc, retryDriver)
	resultMerge := func(a, b any) any {
		ca, cb := a.(chunkResult), b.(chunkResult)
		if cb.skipped {
			return ca
		}
		if ca.skipped {
			return cb
		}
		return chunkResult{acc: merge(ca.acc, cb.acc), metrics: ca.metrics.add(cb.metrics)}
	}

	raw, err := exec.Execute(ctx, items, workFn, chunkResult{acc: zero}, resultMerge)
	final, ok := raw.(chunkResult)
	if !ok {
		final = chunkResult{acc: zero}
	}
	if err != nil {
		return Result{Accumulator: final.acc, Metrics: r.metricsOrNil(final)}, err
	}

	if final.acc == nil {
		return Result{}, fmt.Errorf("runner: user processor must not return a nil accumulator")
	}
	if err := proc.PostProcess(ctx, final.acc); err != nil {
		return Result{Accumulator: final.acc, Metrics: r.metricsOrNil(final)}, err
	}

	return Result{Accumulator: final.acc, Metrics: r.metricsOrNil(final)}, nil
}

func (r *Runner) metricsOrNil(cr chunkResult) *Metrics {
	if !r.cfg.SaveMetrics {
		return nil
	}
	m := cr.metrics
	return &m
}

// chunk partitions every ready file into WorkItems, capping the total
// items emitted per dataset at Config.MaxChunks when positive (spec §4.7
// step 6, "respecting MaxChunks per dataset").
func (r *Runner) chunk(files []filemeta.FileMeta) ([]filemeta.WorkItem, error) {
	perDataset := make(map[string]int)
	var items []filemeta.WorkItem

	for _, fm := range files {
		if r.cfg.MaxChunks > 0 && perDataset[fm.Dataset] >= r.cfg.MaxChunks {
			continue
		}
		c, err := filemeta.NewChunker(fm, r.cfg.ChunkSize, r.cfg.AlignClusters)
		if err != nil {
			return nil, err
		}
		for {
			if r.cfg.MaxChunks > 0 && perDataset[fm.Dataset] >= r.cfg.MaxChunks {
				break
			}
			item, ok := c.Next()
			if !ok {
				break
			}
			items = append(items, item)
			perDataset[fm.Dataset]++
		}
	}
	return items, nil
}

// workFunc builds the per-chunk closure dispatched by the Executor: open
// the event view, run the user's processor, wrap failures in the retry
// taxonomy, and fold in metrics when configured (spec §4.7 step 7's
// "retry(work_function)").
func (r *Runner) workFunc(reader EventReader, proc UserProcessor, retryDriver *retry.Driver) executor.WorkFunc {
	return func(ctx context.Context, item filemeta.WorkItem) (any, error) {
		activeProc := proc
		if shared, ok := executor.SharedFromContext(ctx); ok {
			if p, ok := shared.Value().(UserProcessor); ok {
				activeProc = p
			}
		}

		result, err := retryDriver.Do(r.cfg.SkipBadFiles, func() (any, error) {
			started := time.Now()
			events, err := reader.Open(ctx, item.Filename, item.Treename, item.EntryStart, item.EntryStop, nil)
			if err != nil {
				return nil, &retry.ReadError{Filename: item.Filename, Err: err}
			}
			acc, err := activeProc.Process(ctx, events)
			if err != nil {
				return nil, &retry.UserError{Item: item, Err: err}
			}
			cr := chunkResult{acc: acc}
			if r.cfg.SaveMetrics {
				cr.metrics = Metrics{
					Entries:     item.Len(),
					Columns:     events.MaterializedColumns(),
					ProcessTime: time.Since(started),
				}
				if bs, ok := events.(ByteSized); ok {
					cr.metrics.BytesRead = bs.BytesRead()
				}
			}
			return cr, nil
		})
		if err != nil {
			return nil, err
		}
		if result == nil {
			// Skipped under skip_bad_files: contributes nothing.
			return chunkResult{skipped: true}, nil
		}
		return result, nil
	}
}
