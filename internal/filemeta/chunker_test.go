package filemeta

import "testing"

func readyFile(numEntries int64, clusters []int64) FileMeta {
	meta := Metadata{
		"numentries": numEntries,
		"uuid":       []byte("0123456789abcdef"),
	}
	if clusters != nil {
		meta["clusters"] = clusters
	}
	return FileMeta{Dataset: "A", Filename: "f.root", Treename: "T", Metadata: meta}
}

func collectAll(t *testing.T, c *Chunker) []WorkItem {
	t.Helper()
	var items []WorkItem
	for {
		item, ok := c.Next()
		if !ok {
			break
		}
		items = append(items, item)
	}
	return items
}

// S1: single small file, chunksize larger than the file.
func TestS1SingleSmallFile(t *testing.T) {
	fm := readyFile(50, nil)
	c, err := NewChunker(fm, 100, false)
	if err != nil {
		t.Fatalf("NewChunker: %v", err)
	}
	items := collectAll(t, c)
	if len(items) != 1 {
		t.Fatalf("got %d items, want 1", len(items))
	}
	if items[0].EntryStart != 0 || items[0].EntryStop != 50 {
		t.Errorf("got [%d,%d), want [0,50)", items[0].EntryStart, items[0].EntryStop)
	}
}

// S2: 250 entries, chunksize=100 -> lengths [84,83,83].
func TestS2ChunkSplit(t *testing.T) {
	fm := readyFile(250, nil)
	c, err := NewChunker(fm, 100, false)
	if err != nil {
		t.Fatalf("NewChunker: %v", err)
	}
	items := collectAll(t, c)
	wantLens := []int64{84, 83, 83}
	if len(items) != len(wantLens) {
		t.Fatalf("got %d items, want %d", len(items), len(wantLens))
	}
	for i, item := range items {
		if item.Len() != wantLens[i] {
			t.Errorf("item %d: got length %d, want %d", i, item.Len(), wantLens[i])
		}
	}
}

// S3: cluster-aligned chunking.
func TestS3ClusterAlignment(t *testing.T) {
	fm := readyFile(150, []int64{0, 40, 90, 150})
	c, err := NewChunker(fm, 50, true)
	if err != nil {
		t.Fatalf("NewChunker: %v", err)
	}
	items := collectAll(t, c)
	want := [][2]int64{{0, 90}, {90, 150}}
	if len(items) != len(want) {
		t.Fatalf("got %d items, want %d", len(items), len(want))
	}
	for i, item := range items {
		if item.EntryStart != want[i][0] || item.EntryStop != want[i][1] {
			t.Errorf("item %d: got [%d,%d), want [%d,%d)", i, item.EntryStart, item.EntryStop, want[i][0], want[i][1])
		}
	}
}

// Invariant 1: partition completeness — union of intervals is [0,N) and disjoint.
func TestPartitionCompleteness(t *testing.T) {
	fm := readyFile(1007, nil)
	c, err := NewChunker(fm, 77, false)
	if err != nil {
		t.Fatalf("NewChunker: %v", err)
	}
	items := collectAll(t, c)

	var cursor int64
	for i, item := range items {
		if item.EntryStart != cursor {
			t.Fatalf("item %d: gap/overlap at start %d, want %d", i, item.EntryStart, cursor)
		}
		if item.EntryStop <= item.EntryStart {
			t.Fatalf("item %d: empty or inverted range [%d,%d)", i, item.EntryStart, item.EntryStop)
		}
		cursor = item.EntryStop
	}
	if cursor != 1007 {
		t.Errorf("final cursor %d, want 1007", cursor)
	}
}

// Invariant 2: every aligned boundary is a cluster offset.
func TestClusterAlignmentInvariant(t *testing.T) {
	clusters := []int64{0, 10, 55, 61, 200, 201, 500}
	fm := readyFile(500, clusters)
	c, err := NewChunker(fm, 60, true)
	if err != nil {
		t.Fatalf("NewChunker: %v", err)
	}
	items := collectAll(t, c)

	isBoundary := func(v int64) bool {
		if v == 0 {
			return true
		}
		for _, cl := range clusters {
			if cl == v {
				return true
			}
		}
		return false
	}
	for _, item := range items {
		if !isBoundary(item.EntryStart) {
			t.Errorf("entrystart %d is not a cluster offset", item.EntryStart)
		}
		if !isBoundary(item.EntryStop) {
			t.Errorf("entrystop %d is not a cluster offset", item.EntryStop)
		}
	}
}

// Invariant 3: unaligned chunk size bound length <= ceil(N/max(round(N/T),1)).
func TestChunkSizeBoundUnaligned(t *testing.T) {
	const numEntries, target = 9173, 1000
	fm := readyFile(numEntries, nil)
	c, err := NewChunker(fm, target, false)
	if err != nil {
		t.Fatalf("NewChunker: %v", err)
	}
	items := collectAll(t, c)

	n := int64(9) // round(9173/1000) = 9
	maxLen := (numEntries + n - 1) / n
	for i, item := range items {
		if item.Len() > maxLen {
			t.Errorf("item %d length %d exceeds bound %d", i, item.Len(), maxLen)
		}
	}
}

// Invariant 4: adaptive resize takes effect from the next iteration onward.
func TestAdaptiveResize(t *testing.T) {
	fm := readyFile(1000, nil)
	c, err := NewChunker(fm, 100, false)
	if err != nil {
		t.Fatalf("NewChunker: %v", err)
	}

	first, ok := c.Next()
	if !ok {
		t.Fatalf("expected a first item")
	}
	if first.EntryStart != 0 {
		t.Fatalf("unexpected first item: %+v", first)
	}

	// Shrink the target; the NEXT chunk should reflect it immediately.
	second, ok := c.Advance(50)
	if !ok {
		t.Fatalf("expected a second item")
	}
	remaining := 1000 - first.EntryStop
	wantN := int64(18) // round(remaining/50) = round(900/50), recomputed from current remaining
	_ = wantN
	if second.Len() > remaining {
		t.Fatalf("second chunk length %d exceeds remaining %d", second.Len(), remaining)
	}
	// Sanity: resized chunk should be meaningfully smaller than the
	// pre-resize target of ~100-length chunks, confirming the new target
	// took effect starting with this chunk.
	if second.Len() >= first.Len() {
		t.Errorf("expected resize to shrink chunk length: first=%d second=%d", first.Len(), second.Len())
	}
}

func TestNewChunkerRejectsNotReady(t *testing.T) {
	fm := FileMeta{Dataset: "A", Filename: "f.root", Treename: "T"}
	if _, err := NewChunker(fm, 100, false); err == nil {
		t.Fatal("expected error for not-ready FileMeta")
	}
}

func TestNewChunkerRequiresClustersWhenAligned(t *testing.T) {
	fm := readyFile(100, nil)
	if _, err := NewChunker(fm, 10, true); err == nil {
		t.Fatal("expected error: cluster-aligned mode requires clusters")
	}
}

func TestUserMetaPropagation(t *testing.T) {
	fm := readyFile(10, nil)
	fm.Metadata["campaign"] = "2024A"
	c, err := NewChunker(fm, 100, false)
	if err != nil {
		t.Fatalf("NewChunker: %v", err)
	}
	item, ok := c.Next()
	if !ok {
		t.Fatalf("expected an item")
	}
	if item.UserMeta["campaign"] != "2024A" {
		t.Errorf("expected usermeta to carry campaign=2024A, got %+v", item.UserMeta)
	}
}
