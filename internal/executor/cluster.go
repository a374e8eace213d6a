package executor

import (
	"context"
	"fmt"
	"hash/fnv"

	"chunkrunner/internal/filemeta"
	"chunkrunner/internal/futures"
	"chunkrunner/internal/retry"
)

// DefaultBranchingFactor is the tree-reduce fan-in used when none is
// configured (spec §4.5.3).
const DefaultBranchingFactor = 20

// ClusterBackend is the abstract dispatch surface a distributed
// scheduler must provide. The Cluster executor never touches a network
// directly; it only submits functions through this interface, per spec
// §4.5.3's "dispatched through an abstract ClusterBackend interface" and
// §9's "Non-goals: wire format".
type ClusterBackend interface {
	// Submit dispatches fn for asynchronous execution, optionally hinted
	// toward worker affinityHint (a worker index; -1 means no
	// preference), and returns a handle for it.
	Submit(ctx context.Context, fn func(context.Context) (any, error), affinityHint int) futures.Handle
	// WorkerCount reports the number of workers available for affinity
	// hashing. Zero disables affinity.
	WorkerCount() int
}

// SharedHandle references a payload scattered once via
// HeavyInputBackend.UploadLarge and shared read-only by every task
// submitted afterward in the same run (spec §4.5.3 "optional heavy
// input").
type SharedHandle interface {
	// Value returns the scattered payload.
	Value() any
}

// HeavyInputBackend is an optional ClusterBackend capability: instead of
// re-serializing a large shared payload (typically the user processor)
// into every task closure, it is scattered once via UploadLarge, and
// each work task is handed the resulting handle alongside its WorkItem —
// the "pair (item, shared_handle)" from spec §4.5.3, transported as the
// `UploadLarge` capability spec.md's design notes call for. Uploads of
// an identical payload are pure, so a backend may deduplicate them.
type HeavyInputBackend interface {
	ClusterBackend
	UploadLarge(ctx context.Context, payload any) (SharedHandle, error)
}

type sharedHandleKey struct{}

// SharedFromContext retrieves the handle scattered for this run via
// Cluster.HeavyInput, if any. A WorkFunc dispatched through Cluster calls
// this to reach the shared payload rather than receiving it as a
// parameter, keeping WorkFunc's signature uniform across all three
// executor backends.
func SharedFromContext(ctx context.Context) (SharedHandle, bool) {
	h, ok := ctx.Value(sharedHandleKey{}).(SharedHandle)
	return h, ok
}

// Cluster is the distributed backend (spec §4.5.3): items are submitted
// to a ClusterBackend, optionally worker-affinity-hashed, and results
// are combined through a tree reduce with branching factor B.
type Cluster struct {
	Backend         ClusterBackend
	BranchingFactor int
	UseAffinity     bool
	// HeavyInput, when non-nil, is scattered once per Execute call via
	// the backend's HeavyInputBackend capability (spec §4.5.3 "optional
	// heavy input"). Execute fails if Backend does not implement
	// HeavyInputBackend and HeavyInput is set.
	HeavyInput any
	opts       Options
}

// NewCluster returns a Cluster executor dispatching through backend. A
// branchingFactor of 0 uses DefaultBranchingFactor.
func NewCluster(backend ClusterBackend, branchingFactor int, useAffinity bool) *Cluster {
	if branchingFactor <= 0 {
		branchingFactor = DefaultBranchingFactor
	}
	return &Cluster{Backend: backend, BranchingFactor: branchingFactor, UseAffinity: useAffinity}
}

// Clone returns a copy of e with opts applied; DisableAffinity turns off
// worker-affinity hashing for the clone, matching spec §4.3 step 2's
// "disable ... worker affinity" during metadata probing.
func (e *Cluster) Clone(opts Options) Executor {
	clone := *e
	clone.opts = opts
	if opts.DisableAffinity {
		clone.UseAffinity = false
	}
	return &clone
}

// affinityHash computes the deterministic worker assignment from spec
// §4.5.3: hash(fileuuid, treename, entrystart, entrystop) mod
// worker_count.
func affinityHash(key filemeta.ItemKey, workerCount int) int {
	if workerCount <= 0 {
		return -1
	}
	h := fnv.New64a()
	fmt.Fprintf(h, "%s|%s|%d|%d", key.FileUUID, key.Treename, key.EntryStart, key.EntryStop)
	return int(h.Sum64() % uint64(workerCount))
}

// Execute implements Executor.
func (e *Cluster) Execute(ctx context.Context, items []filemeta.WorkItem, fn WorkFunc, zero any, merge MergeFunc) (any, error) {
	if len(items) == 0 {
		return zero, nil
	}

	compress := e.opts.Compression != nil
	wfn, reduce := fn, merge
	if compress {
		wfn = wrapCompressed(fn, *e.opts.Compression)
		reduce = compressedMerge(merge, *e.opts.Compression, zero)
	}

	var shared SharedHandle
	if e.HeavyInput != nil {
		heavy, ok := e.Backend.(HeavyInputBackend)
		if !ok {
			return zero, fmt.Errorf("executor: cluster backend does not support heavy input scatter")
		}
		var err error
		shared, err = heavy.UploadLarge(ctx, e.HeavyInput)
		if err != nil {
			return zero, fmt.Errorf("executor: heavy input scatter failed: %w", err)
		}
	}

	handleItem := make(map[futures.Handle]filemeta.WorkItem, len(items))
	handles := make([]futures.Handle, 0, len(items))
	workerCount := 0
	if e.UseAffinity {
		workerCount = e.Backend.WorkerCount()
	}

	for _, item := range items {
		item := item
		affinity := -1
		if workerCount > 0 {
			affinity = affinityHash(item.Key(), workerCount)
		}
		h := e.Backend.Submit(ctx, func(taskCtx context.Context) (any, error) {
			if shared != nil {
				taskCtx = context.WithValue(taskCtx, sharedHandleKey{}, shared)
			}
			return wfn(taskCtx, item)
		}, affinity)
		handles = append(handles, h)
		handleItem[h] = item
	}

	root := e.treeReduce(ctx, handles, reduce, handleItem)

	<-root.Done()
	if !futures.Good(root) {
		item, ok := handleItem[root]
		rootErr := root.Err()
		if ok {
			rootErr = &retry.WorkerKilledError{Item: item, HandleID: root.ID(), Err: rootErr}
		}
		return finalize(zero, compress, zero), rootErr
	}
	return finalize(root.Result(), compress, zero), nil
}

// treeReduce repeatedly resubmits reduce over consecutive slices of
// BranchingFactor handles, producing ceil(len/B) new handles each round,
// until one root handle remains (spec §4.5.3). The handle→item map is
// updated for merge handles to a sentinel zero value, since a failure
// during reduction isn't attributable to a single source item. A
// BranchingFactor below 2 is treated as 2, since a fan-in of one never
// shrinks the level.
func (e *Cluster) treeReduce(ctx context.Context, handles []futures.Handle, reduce MergeFunc, handleItem map[futures.Handle]filemeta.WorkItem) futures.Handle {
	branching := e.BranchingFactor
	if branching < 2 {
		branching = 2
	}
	level := handles
	for len(level) > 1 {
		var next []futures.Handle
		for start := 0; start < len(level); start += branching {
			end := start + branching
			if end > len(level) {
				end = len(level)
			}
			group := level[start:end]
			if len(group) == 1 {
				next = append(next, group[0])
				continue
			}
			h := e.Backend.Submit(ctx, func(taskCtx context.Context) (any, error) {
				for _, member := range group {
					select {
					case <-member.Done():
					case <-taskCtx.Done():
						return nil, taskCtx.Err()
					}
					if !futures.Good(member) {
						return nil, member.Err()
					}
				}
				merged := group[0].Result()
				for _, member := range group[1:] {
					merged = reduce(merged, member.Result())
				}
				return merged, nil
			}, -1)
			handleItem[h] = filemeta.WorkItem{} // sentinel: a merge handle isn't attributable to one source item
			next = append(next, h)
		}
		level = next
	}
	return level[0]
}
