// Package filemeta implements the driver-side file/chunk data model:
// FileMeta (mutable, per-file metadata), WorkItem (immutable chunk
// descriptor), and the Chunker that partitions a populated FileMeta into
// WorkItems.
package filemeta

import (
	"errors"
	"fmt"
)

// Reserved metadata keys. User-supplied metadata must not collide with
// these; the core writes them itself once a file is probed.
var reservedKeys = map[string]struct{}{
	"dataset":    {},
	"filename":   {},
	"treename":   {},
	"metadata":   {},
	"entrystart": {},
	"entrystop":  {},
	"fileuuid":   {},
	"numentries": {},
	"uuid":       {},
	"clusters":   {},
}

// ErrReservedKey is returned when user metadata uses a reserved name.
var ErrReservedKey = errors.New("filemeta: reserved metadata key")

// Metadata is the per-file metadata map. Once populated it carries at
// least "numentries" (int64) and "uuid" ([]byte), optionally "clusters"
// ([]int64), plus any user-supplied keys outside the reserved set.
type Metadata map[string]any

// ValidateUserKeys returns ErrReservedKey wrapped with the offending key
// if m contains any reserved name. Call this on user-supplied metadata
// before it is attached to a FileMeta during fileset normalization.
func ValidateUserKeys(m Metadata) error {
	for k := range m {
		if _, reserved := reservedKeys[k]; reserved {
			return fmt.Errorf("%w: %q", ErrReservedKey, k)
		}
	}
	return nil
}

// Identity is the cache/hash key for a FileMeta: (filename, treename).
// Dataset is deliberately excluded, matching spec §3.
type Identity struct {
	Filename string
	Treename string
}

// FileMeta identifies one input file within a dataset. It is created
// during fileset normalization, mutated exactly once when the
// Preprocessor assigns Metadata, and treated as immutable thereafter.
type FileMeta struct {
	Dataset  string
	Filename string
	Treename string
	Metadata Metadata
}

// Identity returns the cache key for fm.
func (fm FileMeta) Identity() Identity {
	return Identity{Filename: fm.Filename, Treename: fm.Treename}
}

// Ready reports whether fm.Metadata carries at least numentries and
// uuid, and — when requireClusters is true — a cluster offsets slice.
func (fm FileMeta) Ready(requireClusters bool) bool {
	if fm.Metadata == nil {
		return false
	}
	if _, ok := fm.Metadata["numentries"]; !ok {
		return false
	}
	if _, ok := fm.Metadata["uuid"]; !ok {
		return false
	}
	if requireClusters {
		if _, ok := fm.Metadata["clusters"]; !ok {
			return false
		}
	}
	return true
}

// NumEntries returns the populated entry count, if any.
func (fm FileMeta) NumEntries() (int64, bool) {
	v, ok := fm.Metadata["numentries"]
	if !ok {
		return 0, false
	}
	n, ok := v.(int64)
	return n, ok
}

// UUID returns the populated file UUID bytes, if any.
func (fm FileMeta) UUID() ([]byte, bool) {
	v, ok := fm.Metadata["uuid"]
	if !ok {
		return nil, false
	}
	b, ok := v.([]byte)
	return b, ok
}

// Clusters returns the populated cluster offsets, if any.
func (fm FileMeta) Clusters() ([]int64, bool) {
	v, ok := fm.Metadata["clusters"]
	if !ok {
		return nil, false
	}
	c, ok := v.([]int64)
	return c, ok
}

// userMeta returns the metadata keys outside the reserved set, copied
// once per file and shared across every WorkItem the Chunker emits for
// that file (spec §4.2 "user metadata propagation").
func (fm FileMeta) userMeta() map[string]any {
	if len(fm.Metadata) == 0 {
		return nil
	}
	out := make(map[string]any)
	for k, v := range fm.Metadata {
		if _, reserved := reservedKeys[k]; !reserved {
			out[k] = v
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// WorkItem is an immutable descriptor of one contiguous entry range of
// one file. UserMeta is excluded from identity comparisons since maps
// are not comparable; use ItemKey for an affinity/identity hash key.
type WorkItem struct {
	Dataset    string
	Filename   string
	Treename   string
	EntryStart int64
	EntryStop  int64
	FileUUID   []byte
	UserMeta   map[string]any
}

// Len returns the number of entries covered by the work item.
func (w WorkItem) Len() int64 {
	return w.EntryStop - w.EntryStart
}

// ItemKey is the comparable identity of a WorkItem, used for worker
// affinity hashing (spec §4.5.3). It
// deliberately excludes UserMeta and Dataset, matching the original
// coffea affinity hash of (fileuuid, treename, entrystart, entrystop).
type ItemKey struct {
	FileUUID   string
	Treename   string
	EntryStart int64
	EntryStop  int64
}

// Key returns w's ItemKey.
func (w WorkItem) Key() ItemKey {
	return ItemKey{
		FileUUID:   string(w.FileUUID),
		Treename:   w.Treename,
		EntryStart: w.EntryStart,
		EntryStop:  w.EntryStop,
	}
}
