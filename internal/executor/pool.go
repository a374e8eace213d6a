package executor

import (
	"context"
	"time"

	"golang.org/x/sync/semaphore"

	"chunkrunner/internal/filemeta"
	"chunkrunner/internal/futures"
)

// MergePolicy enables the in-flight hierarchical merge described in spec
// §4.5.2: every update() cycle, merge_size = clamp(|completed|/N+1, MIN,
// MAX) completions are drained into a batch and reduced.
type MergePolicy struct {
	N, Min, Max int
}

func (p MergePolicy) mergeSize(completed int) int {
	size := completed/p.N + 1
	if size < p.Min {
		size = p.Min
	}
	if size > p.Max {
		size = p.Max
	}
	return size
}

// refreshInterval is the Holder.Update polling window used internally by
// Pool and Cluster; it bounds suspension latency without busy-looping.
const refreshInterval = 50 * time.Millisecond

// Pool is the local worker-pool backend (spec §4.5.2): a bounded number
// of concurrent workers, with an optional separate pool (in practice, a
// separate semaphore) for merge tasks and an optional merge-size policy.
type Pool struct {
	Workers      int
	MergeWorkers int // 0 means merges share the work pool's semaphore
	MergePolicy  *MergePolicy
	opts         Options
}

// NewPool returns a Pool executor with workers concurrent work tasks. A
// mergeWorkers of 0 runs merge tasks against the same semaphore as work
// tasks.
func NewPool(workers, mergeWorkers int, policy *MergePolicy) *Pool {
	return &Pool{Workers: workers, MergeWorkers: mergeWorkers, MergePolicy: policy}
}

// Clone returns a copy of e carrying opts, used by the preprocessor to
// disable tail timeout and affinity while probing (spec §4.3 step 2).
// Pool has neither concept today, so Clone only records opts for
// progress-reporting purposes.
func (e *Pool) Clone(opts Options) Executor {
	clone := *e
	clone.opts = opts
	return &clone
}

// Execute implements Executor.
func (e *Pool) Execute(ctx context.Context, items []filemeta.WorkItem, fn WorkFunc, zero any, merge MergeFunc) (any, error) {
	if len(items) == 0 {
		return zero, nil
	}

	compress := e.opts.Compression != nil
	wfn, reduce := fn, merge
	if compress {
		wfn = wrapCompressed(fn, *e.opts.Compression)
		reduce = compressedMerge(merge, *e.opts.Compression, zero)
	}

	sem := semaphore.NewWeighted(int64(e.Workers))
	mergeSem := sem
	if e.MergeWorkers > 0 {
		mergeSem = semaphore.NewWeighted(int64(e.MergeWorkers))
	}

	holder := futures.NewHolder()
	for _, item := range items {
		item := item
		holder.AddWork(futures.Spawn(ctx, func(taskCtx context.Context) (any, error) {
			if err := sem.Acquire(taskCtx, 1); err != nil {
				return nil, err
			}
			defer sem.Release(1)
			return wfn(taskCtx, item)
		}))
	}

	acc := zero
	var firstErr error

	for holder.Pending() && firstErr == nil {
		holder.Update(ctx, refreshInterval)

		if e.MergePolicy == nil {
			acc, firstErr = e.drainDirect(holder, reduce, acc)
			continue
		}
		firstErr = e.drainViaMergePool(ctx, holder, reduce, mergeSem)
	}

	if e.MergePolicy != nil && firstErr == nil {
		// Drain any merges still completing after the last running task
		// finished.
		for holder.Pending() {
			holder.Update(ctx, refreshInterval)
			if err := e.drainViaMergePool(ctx, holder, reduce, mergeSem); err != nil {
				firstErr = err
				break
			}
		}
		if firstErr == nil && len(holder.Completed) > 0 {
			results, err := holder.Fetch(len(holder.Completed))
			if err != nil {
				firstErr = err
			} else {
				for _, r := range results {
					acc = reduce(acc, r)
				}
			}
		}
	}

	if firstErr != nil {
		// Best effort: ask anything still running to stop. Go cannot
		// preempt a goroutine mid-task, so this only helps tasks that
		// check ctx themselves; everything else is waited out below,
		// same as a backend with no cancel support (spec §5).
		for _, h := range holder.Running {
			h.Cancel()
		}
		for _, h := range holder.Merges {
			h.Cancel()
		}
		for holder.Pending() {
			holder.Update(ctx, refreshInterval)
		}
		// Drain whatever is left, tolerating (and discarding) any
		// further bad handles beyond the one already reported as
		// firstErr, so one straggler's failure doesn't hide every
		// other successful result behind it.
		for len(holder.Completed) > 0 {
			results, err := holder.Fetch(len(holder.Completed))
			if err != nil {
				continue
			}
			for _, r := range results {
				acc = reduce(acc, r)
			}
			break
		}
		return finalize(acc, compress, zero), firstErr
	}

	return finalize(acc, compress, zero), nil
}

// drainDirect folds every currently-completed handle straight into acc;
// used when no MergePolicy is configured (spec §4.5.2 "merging
// disabled").
func (e *Pool) drainDirect(holder *futures.Holder, reduce MergeFunc, acc any) (any, error) {
	results, err := holder.Fetch(len(holder.Completed))
	if err != nil {
		return acc, err
	}
	for _, r := range results {
		acc = reduce(acc, r)
	}
	return acc, nil
}

// drainViaMergePool implements the merging-enabled branch of spec
// §4.5.2: while more than one completed handle is outstanding, drain a
// merge_size batch and submit its reduction to the merge pool, unless
// work is still running and completions haven't reached MIN yet.
func (e *Pool) drainViaMergePool(ctx context.Context, holder *futures.Holder, reduce MergeFunc, mergeSem *semaphore.Weighted) error {
	for len(holder.Completed) > 1 {
		if len(holder.Running) > 0 && len(holder.Completed) < e.MergePolicy.Min {
			return nil
		}
		n := e.MergePolicy.mergeSize(len(holder.Completed))
		if n > len(holder.Completed) {
			n = len(holder.Completed)
		}
		if n < 2 {
			return nil
		}
		batch, err := holder.Fetch(n)
		if err != nil {
			return err
		}
		holder.AddMerge(futures.SpawnMerge(ctx, func(taskCtx context.Context) (any, error) {
			if err := mergeSem.Acquire(taskCtx, 1); err != nil {
				return nil, err
			}
			defer mergeSem.Release(1)
			merged := batch[0]
			for _, r := range batch[1:] {
				merged = reduce(merged, r)
			}
			return merged, nil
		}))
	}
	return nil
}
