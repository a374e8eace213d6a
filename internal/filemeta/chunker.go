package filemeta

import (
	"errors"
	"fmt"
	"math"
)

// ErrNotReady is returned by NewChunker when fm has not been populated
// with the metadata the requested mode needs. Per spec §4.2, chunking a
// not-ready FileMeta is a programmer error; modeling it as a returned
// error (rather than a panic) lets the Runner treat it as fatal without
// using panic for expected control flow.
var ErrNotReady = errors.New("filemeta: chunker: file metadata not ready")

// Chunker partitions a cluster-ready (or at least entry-count-ready)
// FileMeta into WorkItems, either cluster-aligned or adaptively sized
// against a target chunk size (spec §4.2).
//
// Chunker is a small state object modeling the source's bidirectional
// generator: Next() advances with the current target; Advance(t) lets
// the caller revise the target between yields (cooperative resize).
type Chunker struct {
	dataset  string
	filename string
	treename string
	fileUUID []byte
	userMeta map[string]any

	aligned bool
	done    bool

	// unaligned-mode state
	numEntries int64
	target     int64
	pos        int64

	// aligned-mode state
	boundaries []int64
	boundary   int
}

// NewChunker constructs a Chunker for fm. alignClusters selects
// cluster-aligned mode, which requires fm to be cluster-ready; otherwise
// fm need only carry numentries and uuid.
func NewChunker(fm FileMeta, targetChunksize int64, alignClusters bool) (*Chunker, error) {
	if targetChunksize <= 0 {
		return nil, fmt.Errorf("filemeta: chunker: target chunksize must be positive, got %d", targetChunksize)
	}
	if !fm.Ready(alignClusters) {
		return nil, fmt.Errorf("%w: %s:%s (clusters=%v)", ErrNotReady, fm.Filename, fm.Treename, alignClusters)
	}
	numEntries, _ := fm.NumEntries()
	fileUUID, _ := fm.UUID()

	c := &Chunker{
		dataset:    fm.Dataset,
		filename:   fm.Filename,
		treename:   fm.Treename,
		fileUUID:   fileUUID,
		userMeta:   fm.userMeta(),
		aligned:    alignClusters,
		numEntries: numEntries,
		target:     targetChunksize,
	}
	if alignClusters {
		clusters, _ := fm.Clusters()
		c.boundaries = alignedBoundaries(clusters, targetChunksize)
	}
	if numEntries == 0 {
		c.done = true
	}
	return c, nil
}

// alignedBoundaries walks cluster offsets greedily, accepting the next
// offset as a boundary once it is at least current+target away, and
// always emitting a final boundary at the last cluster offset
// (numentries).
func alignedBoundaries(clusters []int64, target int64) []int64 {
	bounds := []int64{0}
	for _, c := range clusters {
		if c >= bounds[len(bounds)-1]+target {
			bounds = append(bounds, c)
		}
	}
	if last := clusters[len(clusters)-1]; bounds[len(bounds)-1] != last {
		bounds = append(bounds, last)
	}
	return bounds
}

// Next emits the next WorkItem using the current target chunk size.
func (c *Chunker) Next() (WorkItem, bool) {
	return c.advance(0)
}

// Advance emits the next WorkItem, first adopting newTarget as the
// current target chunk size if it is positive and differs from the
// current value (unaligned mode only; ignored in cluster-aligned mode).
func (c *Chunker) Advance(newTarget int64) (WorkItem, bool) {
	return c.advance(newTarget)
}

func (c *Chunker) advance(newTarget int64) (WorkItem, bool) {
	if c.done {
		return WorkItem{}, false
	}
	if c.aligned {
		return c.advanceAligned()
	}
	return c.advanceUnaligned(newTarget)
}

func (c *Chunker) advanceAligned() (WorkItem, bool) {
	if c.boundary >= len(c.boundaries)-1 {
		c.done = true
		return WorkItem{}, false
	}
	start, stop := c.boundaries[c.boundary], c.boundaries[c.boundary+1]
	c.boundary++
	if c.boundary >= len(c.boundaries)-1 {
		c.done = true
	}
	return c.item(start, stop), true
}

func (c *Chunker) advanceUnaligned(newTarget int64) (WorkItem, bool) {
	if newTarget > 0 && newTarget != c.target {
		c.target = newTarget
	}
	if c.pos >= c.numEntries {
		c.done = true
		return WorkItem{}, false
	}

	remaining := c.numEntries - c.pos
	n := int64(math.Max(math.Round(float64(remaining)/float64(c.target)), 1))
	actual := int64(math.Ceil(float64(remaining) / float64(n)))

	start := c.pos
	stop := start + actual
	if stop > c.numEntries {
		stop = c.numEntries
	}
	c.pos = stop
	if c.pos >= c.numEntries {
		c.done = true
	}
	return c.item(start, stop), true
}

func (c *Chunker) item(start, stop int64) WorkItem {
	return WorkItem{
		Dataset:    c.dataset,
		Filename:   c.filename,
		Treename:   c.treename,
		EntryStart: start,
		EntryStop:  stop,
		FileUUID:   c.fileUUID,
		UserMeta:   c.userMeta,
	}
}
