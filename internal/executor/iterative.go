package executor

import (
	"context"

	"chunkrunner/internal/filemeta"
)

// Iterative runs every item on the calling goroutine, merging each
// result into a running accumulator as it completes (spec §4.5.1).
// Compression is ignored: there is never more than one in-flight value
// to compress between.
type Iterative struct {
	opts Options
}

// NewIterative returns an Iterative executor.
func NewIterative() *Iterative {
	return &Iterative{}
}

// Execute implements Executor.
func (e *Iterative) Execute(ctx context.Context, items []filemeta.WorkItem, fn WorkFunc, zero any, merge MergeFunc) (any, error) {
	if len(items) == 0 {
		return zero, nil
	}

	acc := zero
	for _, item := range items {
		if err := ctx.Err(); err != nil {
			return acc, err
		}
		result, err := fn(ctx, item)
		if err != nil {
			return acc, err
		}
		acc = merge(acc, result)
	}
	return acc, nil
}

// Clone returns a copy of e carrying opts: the iterative executor has no
// per-task timeout or affinity concept to override, so Options only
// affects progress-reporting metadata that Iterative doesn't use.
func (e *Iterative) Clone(opts Options) Executor {
	clone := *e
	clone.opts = opts
	return &clone
}
