// Package futures tracks in-flight and completed work across the
// executor backends: running work tasks, in-flight merge tasks, and the
// completed-but-undrained set the reducer pulls from (spec §4.4).
//
// Handle is the tagged union from spec.md §9 ("Work(h) | Merge(h)"):
// WorkHandle carries a user-accumulator result from the work function,
// MergeHandle carries a merged accumulator from an intermediate reduce.
// Both share one completion-waiting loop in Holder.Update, grounded on
// the same fan-in-over-done-channels idea as internal/callgroup's
// call deduplication.
package futures

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// errCancelled is reported by Fetch for a handle that was cancelled
// without setting an explicit error.
var errCancelled = errors.New("futures: handle cancelled")

// Handle is an in-flight or completed unit of work.
type Handle interface {
	// Done reports completion; closed exactly once.
	Done() <-chan struct{}
	// Cancelled reports whether the handle was cancelled before
	// completing. Only meaningful once Done is closed.
	Cancelled() bool
	// Err returns the task's error, if any. Only meaningful once Done
	// is closed.
	Err() error
	// Result returns the task's result. Only meaningful once Done is
	// closed without error.
	Result() any
	// Cancel requests cancellation. A no-op if already done.
	Cancel()
	// ID returns a synthetic identifier for this handle, useful for
	// correlating log lines and WorkerKilledError reports across a
	// distributed ClusterBackend where the underlying task has no
	// other stable name.
	ID() string
}

// Good reports whether h finished successfully: done, not cancelled, no
// error (spec §4.4, "a handle is good iff...").
func Good(h Handle) bool {
	select {
	case <-h.Done():
	default:
		return false
	}
	return !h.Cancelled() && h.Err() == nil
}

// baseHandle is the shared plumbing behind WorkHandle and MergeHandle.
type baseHandle struct {
	id        string
	done      chan struct{}
	cancel    context.CancelFunc
	cancelled bool
	err       error
	result    any
}

func newBase(cancel context.CancelFunc) baseHandle {
	return baseHandle{id: uuid.NewString(), done: make(chan struct{}), cancel: cancel}
}

func (b *baseHandle) Done() <-chan struct{} { return b.done }
func (b *baseHandle) Cancelled() bool       { return b.cancelled }
func (b *baseHandle) Err() error            { return b.err }
func (b *baseHandle) Result() any           { return b.result }
func (b *baseHandle) ID() string            { return b.id }

func (b *baseHandle) Cancel() {
	select {
	case <-b.done:
		return
	default:
	}
	if b.cancel != nil {
		b.cancel()
	}
}

// finish marks the handle complete. Safe to call at most once.
func (b *baseHandle) finish(result any, err error, cancelled bool) {
	b.result, b.err, b.cancelled = result, err, cancelled
	close(b.done)
}

// WorkHandle wraps a task whose payload is a per-chunk user-accumulator
// result from the work function.
type WorkHandle struct {
	baseHandle
}

// MergeHandle wraps a task whose payload is a merged accumulator from an
// intermediate tree-reduce step.
type MergeHandle struct {
	baseHandle
}

// Spawn runs fn in a new goroutine and returns a WorkHandle tracking it.
// Cancelling the handle cancels fn's context.
func Spawn(ctx context.Context, fn func(context.Context) (any, error)) *WorkHandle {
	ctx, cancel := context.WithCancel(ctx)
	h := &WorkHandle{baseHandle: newBase(cancel)}
	go func() {
		result, err := fn(ctx)
		cancelled := ctx.Err() != nil && err != nil
		h.finish(result, err, cancelled)
	}()
	return h
}

// SpawnMerge runs fn in a new goroutine and returns a MergeHandle
// tracking it.
func SpawnMerge(ctx context.Context, fn func(context.Context) (any, error)) *MergeHandle {
	ctx, cancel := context.WithCancel(ctx)
	h := &MergeHandle{baseHandle: newBase(cancel)}
	go func() {
		result, err := fn(ctx)
		cancelled := ctx.Err() != nil && err != nil
		h.finish(result, err, cancelled)
	}()
	return h
}

// Holder is the shared futures state described in spec §4.4: running and
// merge handles, and the completed-but-undrained set the reducer drains
// from.
type Holder struct {
	Running   []Handle
	Merges    []Handle
	Completed []Handle

	DoneRunning int
	DoneMerges  int
}

// NewHolder returns an empty Holder.
func NewHolder() *Holder {
	return &Holder{}
}

// AddWork registers a running work handle.
func (h *Holder) AddWork(handle Handle) {
	h.Running = append(h.Running, handle)
}

// AddMerge registers an in-flight merge handle.
func (h *Holder) AddMerge(handle Handle) {
	h.Merges = append(h.Merges, handle)
}

// Pending reports whether any running or merge handle remains
// undrained.
func (h *Holder) Pending() bool {
	return len(h.Running) > 0 || len(h.Merges) > 0
}

// Update waits up to refresh for ANY running or merge handle to
// complete, then moves every now-completed handle into Completed and
// updates the done counters (spec §4.4 "update(refresh)"). It returns
// true if at least one handle completed, false on timeout or if nothing
// was pending. ctx cancellation returns immediately with false.
func (h *Holder) Update(ctx context.Context, refresh time.Duration) bool {
	if !h.Pending() {
		return false
	}

	if !h.awaitFirst(ctx, refresh) {
		return false
	}

	moved := false
	h.Running, moved = drainDone(h.Running, &h.Completed, &h.DoneRunning, moved)
	h.Merges, moved = drainDone(h.Merges, &h.Completed, &h.DoneMerges, moved)
	return moved
}

// awaitFirst blocks until some pending handle completes, refresh
// elapses, or ctx is done.
func (h *Holder) awaitFirst(ctx context.Context, refresh time.Duration) bool {
	cases := make([]<-chan struct{}, 0, len(h.Running)+len(h.Merges))
	for _, handle := range h.Running {
		cases = append(cases, handle.Done())
	}
	for _, handle := range h.Merges {
		cases = append(cases, handle.Done())
	}
	if len(cases) == 0 {
		return false
	}

	timer := time.NewTimer(refresh)
	defer timer.Stop()

	// stop releases the watcher goroutines once this call returns; they
	// must not read timer.C themselves, or one of them could consume the
	// single tick the select below is waiting for.
	stop := make(chan struct{})
	defer close(stop)

	fired := make(chan struct{}, 1)
	for _, c := range cases {
		c := c
		go func() {
			select {
			case <-c:
				select {
				case fired <- struct{}{}:
				default:
				}
			case <-ctx.Done():
			case <-stop:
			}
		}()
	}

	select {
	case <-fired:
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}

// drainDone splits handles into still-pending and newly-completed,
// appending the latter to completed and bumping counter.
func drainDone(handles []Handle, completed *[]Handle, counter *int, moved bool) ([]Handle, bool) {
	remaining := handles[:0:0]
	for _, handle := range handles {
		select {
		case <-handle.Done():
			*completed = append(*completed, handle)
			*counter++
			moved = true
		default:
			remaining = append(remaining, handle)
		}
	}
	return remaining, moved
}

// Fetch pops up to n handles from Completed. If all are good, their
// results are returned. Otherwise the good ones are restored to
// Completed and the first bad handle's error is returned (spec §4.4
// "fetch(N)").
func (h *Holder) Fetch(n int) ([]any, error) {
	if n > len(h.Completed) {
		n = len(h.Completed)
	}
	batch := h.Completed[:n]
	h.Completed = h.Completed[n:]

	results := make([]any, 0, len(batch))
	for i, handle := range batch {
		if Good(handle) {
			results = append(results, handle.Result())
			continue
		}
		// First bad handle in the batch: report its error, and restore
		// everything else — the good ones already seen plus whatever
		// hasn't been inspected yet — rather than silently dropping
		// them.
		badErr := handle.Err()
		if badErr == nil {
			badErr = errCancelled
		}
		restored := append(batch[:i:i], batch[i+1:]...)
		h.Completed = append(restored, h.Completed...)
		return nil, badErr
	}
	return results, nil
}
