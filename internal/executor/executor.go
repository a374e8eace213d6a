// Package executor implements the three execution backends from spec
// §4.5: Iterative (in-driver), Pool (local worker pool with optional
// merge pool), and Cluster (distributed, tree-reduce). All three share
// the Executor contract: fold fn over items into a single accumulator
// under merge, starting from zero.
package executor

import (
	"context"
	"reflect"

	"chunkrunner/internal/codec"
	"chunkrunner/internal/filemeta"
)

// WorkFunc processes one WorkItem into an accumulator value.
type WorkFunc func(ctx context.Context, item filemeta.WorkItem) (any, error)

// MergeFunc associatively combines two accumulator values. Commutativity
// is not required (spec §3); the executor preserves a consistent
// reduction order internally but does not guarantee one across runs.
type MergeFunc func(a, b any) any

// Executor submits fn over items and folds the results (plus zero) under
// merge into a single accumulator. merge is supplied per call, not bound
// at construction: a driver-side caller reuses the same Executor (and
// its worker pool / cluster connection) across calls whose accumulator
// types differ — metadata-probe set-union during preprocessing versus
// the user's own accumulator merge during the main run (spec §4.3 vs
// §4.5). An empty items slice returns zero immediately. When err is
// non-nil and the executor is recoverable, the returned accumulator is
// the best-effort partial result of every item that did complete.
type Executor interface {
	Execute(ctx context.Context, items []filemeta.WorkItem, fn WorkFunc, zero any, merge MergeFunc) (any, error)
}

// Options carries the preprocessing-phase executor overrides from spec
// §4.3 step 2 (`pre_arg_override` in the original): a distinct task
// label for progress reporting, and disabling of per-task timeout and
// worker affinity — neither of which make sense for a metadata probe.
type Options struct {
	FunctionName       string
	Description        string
	Unit               string
	Compression        *codec.Level
	DisableTailTimeout bool
	DisableAffinity    bool
}

// Cloner is implemented by executors that support per-call option
// overrides without mutating the shared instance (spec §4.3 step 2,
// §7 "SUPPLEMENTED FEATURES").
type Cloner interface {
	Clone(opts Options) Executor
}

// wrapCompressed wraps fn so each result is serialized and LZ4-compressed
// before being handed back to the caller, matching spec §4.5
// "function'(item) = compress(function(item))". The compressed result
// travels as a []byte until decompressed by compressedMerge.
func wrapCompressed(fn WorkFunc, level codec.Level) WorkFunc {
	return func(ctx context.Context, item filemeta.WorkItem) (any, error) {
		result, err := fn(ctx, item)
		if err != nil {
			return nil, err
		}
		blob, err := codec.Encode(result, &level)
		if err != nil {
			return nil, err
		}
		return blob, nil
	}
}

// compressedMerge wraps merge so it decompresses both operands (which
// travel as []byte), merges the decoded values, and recompresses the
// result — spec §4.5 "reducer is correspondingly
// compress(merge(decompress(a), decompress(b)))". sample supplies the
// concrete accumulator type to decode into, since the values themselves
// are only known as `any`.
func compressedMerge(merge MergeFunc, level codec.Level, sample any) MergeFunc {
	return func(a, b any) any {
		da := decodeLike(a, sample)
		db := decodeLike(b, sample)
		merged := merge(da, db)
		blob, err := codec.Encode(merged, &level)
		if err != nil {
			// Encoding a value this function itself just produced via
			// merge should never fail for a well-behaved accumulator;
			// surfacing it as a panic would cross the Executor's
			// (any, error) contract, so fall back to the uncompressed
			// value instead of silently dropping data.
			return merged
		}
		return blob
	}
}

// decodeLike decodes v (expected to be a []byte produced by
// wrapCompressed/compressedMerge) into a fresh value shaped like sample.
// If v is not a []byte (e.g. it is the caller-supplied zero value, never
// compressed), it is returned unchanged.
func decodeLike(v any, sample any) any {
	blob, ok := v.([]byte)
	if !ok {
		return v
	}
	ptr := reflect.New(reflect.TypeOf(sample))
	if err := codec.Decode(blob, ptr.Interface()); err != nil {
		return v
	}
	return ptr.Elem().Interface()
}

// finalize reverses any outstanding compression wrapper on the final
// accumulator before returning it to the caller, so Execute's result is
// always a plain accumulator value, never a compressed blob.
func finalize(v any, compressed bool, sample any) any {
	if !compressed {
		return v
	}
	return decodeLike(v, sample)
}
