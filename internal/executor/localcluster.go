package executor

import (
	"context"

	"chunkrunner/internal/futures"
)

// NewLocalCluster returns an in-process ClusterBackend that runs every
// submitted function on its own goroutine, ignoring affinityHint. It
// exists to exercise Cluster's tree-reduce and affinity-hashing logic in
// tests without a real distributed scheduler (spec §4.5.3's "Non-goals:
// wire format" — any real backend talks to the network behind this same
// interface).
func NewLocalCluster(workers int) *LocalCluster {
	return &LocalCluster{workers: workers}
}

// LocalCluster is a reference ClusterBackend implementation.
type LocalCluster struct {
	workers int
}

// Submit implements ClusterBackend.
func (c *LocalCluster) Submit(ctx context.Context, fn func(context.Context) (any, error), _ int) futures.Handle {
	return futures.Spawn(ctx, fn)
}

// WorkerCount implements ClusterBackend.
func (c *LocalCluster) WorkerCount() int {
	return c.workers
}

// localSharedHandle is the in-process SharedHandle returned by
// UploadLarge: there is no real scatter to perform, so it just carries
// the payload through unchanged.
type localSharedHandle struct {
	payload any
}

func (h *localSharedHandle) Value() any { return h.payload }

// UploadLarge implements HeavyInputBackend. In-process there is nothing
// to transfer, so this only wraps payload in a handle — real distributed
// backends behind this same interface would scatter it to every worker
// once.
func (c *LocalCluster) UploadLarge(_ context.Context, payload any) (SharedHandle, error) {
	return &localSharedHandle{payload: payload}, nil
}
