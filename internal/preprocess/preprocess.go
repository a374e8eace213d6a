// Package preprocess resolves metadata for a set of input files before
// chunking, per spec §4.3: probe whatever isn't already ready, cache the
// result, and filter out files that never became ready.
package preprocess

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"chunkrunner/internal/accum"
	"chunkrunner/internal/callgroup"
	"chunkrunner/internal/executor"
	"chunkrunner/internal/filemeta"
	"chunkrunner/internal/logging"
	"chunkrunner/internal/metacache"
	"chunkrunner/internal/retry"
)

// metaMap is the accumulator type probing folds into: a key-wise union
// of probed metadata keyed by file identity (spec §4.3 step 4).
type metaMap = accum.Map[filemeta.Identity, filemeta.Metadata]

// MetadataProbe is the adapter contract from spec §6: probe a file,
// returning its entry count, identifier, and optional cluster offsets.
type MetadataProbe interface {
	Probe(ctx context.Context, filename, treename string) (filemeta.Metadata, error)
}

// probeOutcome is the result a callgroup-deduplicated probe call shares
// with every caller waiting on the same file identity.
type probeOutcome struct {
	result any
	err    error
}

// preprocessOptions are the executor overrides applied while probing
// (spec §4.3 step 2): a distinct task label, no compression, and
// (when the executor supports it) no per-task timeout or affinity.
var preprocessOptions = executor.Options{
	FunctionName:       "get_metadata",
	Description:        "Preprocessing",
	Unit:               "file",
	DisableTailTimeout: true,
	DisableAffinity:    true,
}

// Preprocess implements spec §4.3 steps 1-6. alignClusters requires
// cluster offsets to consider a file ready; skipBadFiles controls
// whether a file whose probe never succeeds is dropped or causes
// Preprocess to fail outright.
func Preprocess(
	ctx context.Context,
	files []filemeta.FileMeta,
	probe MetadataProbe,
	exec executor.Executor,
	retryDriver *retry.Driver,
	cache *metacache.Cache,
	alignClusters bool,
	skipBadFiles bool,
	logger *slog.Logger,
) ([]filemeta.FileMeta, error) {
	logger = logging.Default(logger).With("stage", "preprocess")

	// Step 5 (partial): populate whatever the cache already knows about
	// before deciding what still needs probing.
	for i := range files {
		cache.Populate(&files[i])
	}

	// Step 1: partition into already-ready and needs-probing.
	toProbe := make([]int, 0, len(files))
	for i, fm := range files {
		if !fm.Ready(alignClusters) {
			toProbe = append(toProbe, i)
		}
	}
	if len(toProbe) == 0 {
		return filterReady(files, alignClusters, skipBadFiles, logger)
	}

	// Step 2: clone the pre-executor with probing overrides, if it
	// supports cloning.
	preExec := exec
	if cloner, ok := exec.(executor.Cloner); ok {
		preExec = cloner.Clone(preprocessOptions)
	}

	items := make([]filemeta.WorkItem, len(toProbe))
	for i, idx := range toProbe {
		items[i] = filemeta.WorkItem{
			Filename: files[idx].Filename,
			Treename: files[idx].Treename,
		}
	}

	// Step 3 + 4: wrap the probe in the retry driver, submit one task
	// per file via the pre-executor. A callgroup collapses duplicate
	// probes for the same identity — the same file can appear under more
	// than one dataset, or be requested again before its first probe
	// returns, and should only ever be fetched once.
	var group callgroup.Group[filemeta.Identity]
	var outcomeMu sync.Mutex
	outcomes := make(map[filemeta.Identity]probeOutcome)

	fn := func(taskCtx context.Context, item filemeta.WorkItem) (any, error) {
		id := filemeta.Identity{Filename: item.Filename, Treename: item.Treename}

		groupErr := group.Do(taskCtx, id, func() error {
			// A duplicate that arrives after the first probe for id has
			// returned reuses its recorded outcome instead of probing again.
			outcomeMu.Lock()
			prev, seen := outcomes[id]
			outcomeMu.Unlock()
			if seen {
				return prev.err
			}
			result, err := retryDriver.Do(skipBadFiles, func() (any, error) {
				meta, err := probe.Probe(taskCtx, item.Filename, item.Treename)
				if err != nil {
					return nil, &retry.ProbeError{Filename: item.Filename, Err: err}
				}
				return meta, nil
			})
			outcomeMu.Lock()
			outcomes[id] = probeOutcome{result: result, err: err}
			outcomeMu.Unlock()
			return err
		})
		if groupErr != nil {
			return nil, groupErr
		}

		outcomeMu.Lock()
		outcome := outcomes[id]
		outcomeMu.Unlock()
		return outcome.result, outcome.err
	}

	// set-accumulator semantics (spec §4.3 step 4): merge is a key-wise
	// union keyed on identity via accum.Map.
	zero := accum.NewMap[filemeta.Identity, filemeta.Metadata]()
	merge := func(a, b any) any {
		return a.(metaMap).Merge(b.(metaMap))
	}

	probed, err := runProbes(ctx, preExec, items, files, toProbe, fn, merge, zero)
	if err != nil {
		return nil, err
	}

	// Step 5: insert into the cache and populate the originals.
	for id, meta := range probed {
		cache.Put(id, meta)
	}
	for i := range files {
		cache.Populate(&files[i])
	}

	return filterReady(files, alignClusters, skipBadFiles, logger)
}

// runProbes submits items through exec, wrapping the caller's merge
// accumulator so a probe failure that skipped under skipBadFiles
// (represented as a nil, nil result from the retry driver) just omits
// that file from the set rather than poisoning the whole run.
func runProbes(
	ctx context.Context,
	exec executor.Executor,
	items []filemeta.WorkItem,
	files []filemeta.FileMeta,
	toProbe []int,
	fn executor.WorkFunc,
	merge executor.MergeFunc,
	zero any,
) (map[filemeta.Identity]filemeta.Metadata, error) {
	wrapped := func(taskCtx context.Context, item filemeta.WorkItem) (any, error) {
		result, err := fn(taskCtx, item)
		if err != nil {
			return nil, err
		}
		if result == nil {
			// skipped under skip_bad_files: no contribution.
			return accum.NewMap[filemeta.Identity, filemeta.Metadata](), nil
		}
		idx := indexForItem(items, item)
		id := files[toProbe[idx]].Identity()
		return accum.NewMap[filemeta.Identity, filemeta.Metadata]().With(id, result.(filemeta.Metadata)), nil
	}

	raw, err := exec.Execute(ctx, items, wrapped, zero, merge)
	if err != nil {
		return nil, err
	}
	return raw.(metaMap).Items(), nil
}

func indexForItem(items []filemeta.WorkItem, target filemeta.WorkItem) int {
	for i, it := range items {
		if it.Filename == target.Filename && it.Treename == target.Treename {
			return i
		}
	}
	return -1
}

// filterReady implements spec §4.3 step 6: retain ready files; for
// not-ready ones, drop under skipBadFiles or fail.
func filterReady(files []filemeta.FileMeta, alignClusters, skipBadFiles bool, logger *slog.Logger) ([]filemeta.FileMeta, error) {
	retained := make([]filemeta.FileMeta, 0, len(files))
	for _, fm := range files {
		if fm.Ready(alignClusters) {
			retained = append(retained, fm)
			continue
		}
		if skipBadFiles {
			logger.Warn("dropping file that never became ready", "filename", fm.Filename, "treename", fm.Treename)
			continue
		}
		return nil, fmt.Errorf("preprocess: file %q (tree %q) never became ready", fm.Filename, fm.Treename)
	}
	// Ordering (legacy-stable-order reversal) is applied by the caller,
	// not here — see runner.Config.CompatReverse and spec.md §9's open
	// question about whether downstream users depend on it.
	return retained, nil
}

// Reverse returns a copy of files in reverse order, matching the legacy
// stable iteration order spec.md §9 describes (behind runner.Config's
// CompatReverse flag).
func Reverse(files []filemeta.FileMeta) []filemeta.FileMeta {
	reversed := make([]filemeta.FileMeta, len(files))
	for i, fm := range files {
		reversed[len(files)-1-i] = fm
	}
	return reversed
}
