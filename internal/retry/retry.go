// Package retry implements the runner's error taxonomy and retry policy
// (spec §4.6, §7): a fixed retry budget, a bad-file skip policy for I/O
// and missing-tree errors, a final-attempt string-match escape hatch for
// a handful of known-transient distributed-scheduler errors, and an
// unconditional-fatal check for authentication failures.
//
// Every taxonomy error wraps its cause with Unwrap() error, so
// errors.As/errors.Is can walk the chain the way the driver needs to —
// mirroring the "exception chain" language in spec.md §4.6 without a
// bespoke chain type.
package retry

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"chunkrunner/internal/logging"
)

// ProbeError reports that a file's metadata could not be fetched.
// Routed through the bad-file policy.
type ProbeError struct {
	Filename string
	Err      error
}

func (e *ProbeError) Error() string {
	return fmt.Sprintf("retry: probe failed for %q: %v", e.Filename, e.Err)
}
func (e *ProbeError) Unwrap() error { return e.Err }

// ReadError reports an I/O failure during chunk processing. Subject to
// retry, then the bad-file policy.
type ReadError struct {
	Filename string
	Err      error
}

func (e *ReadError) Error() string {
	return fmt.Sprintf("retry: read failed for %q: %v", e.Filename, e.Err)
}
func (e *ReadError) Unwrap() error { return e.Err }

// MissingTreeError is a specialized ProbeError/ReadError: the requested
// tree does not exist in the file. Same policy as its parent kind.
type MissingTreeError struct {
	Filename string
	Treename string
	Err      error
}

func (e *MissingTreeError) Error() string {
	return fmt.Sprintf("retry: tree %q not found in %q: %v", e.Treename, e.Filename, e.Err)
}
func (e *MissingTreeError) Unwrap() error { return e.Err }

// AuthError reports an authentication failure. Never retried, always
// fatal.
type AuthError struct {
	Err error
}

func (e *AuthError) Error() string { return fmt.Sprintf("retry: Auth failed: %v", e.Err) }
func (e *AuthError) Unwrap() error { return e.Err }

// WorkerKilledError reports that a distributed worker died mid-task. It
// is enriched with a WorkItem by the dispatcher (the offending item when
// the failed handle is a work handle, a zero sentinel when it is a merge
// handle); Item is
// left as `any` here to avoid an import cycle with filemeta from this
// leaf package (the executor package sets it to a filemeta.WorkItem).
// HandleID is the synthetic futures.Handle ID of the task that died,
// useful for correlating against ClusterBackend-side logs that have no
// other stable name for it.
type WorkerKilledError struct {
	Item     any
	HandleID string
	Err      error
}

func (e *WorkerKilledError) Error() string {
	return fmt.Sprintf("retry: worker killed processing %v (handle %s): %v", e.Item, e.HandleID, e.Err)
}
func (e *WorkerKilledError) Unwrap() error { return e.Err }

// UserError wraps any error raised by the user's process call, enriched
// with the WorkItem being processed (same Item-as-any rationale as
// WorkerKilledError).
type UserError struct {
	Item any
	Err  error
}

func (e *UserError) Error() string {
	return fmt.Sprintf("retry: user process failed on %v: %v", e.Item, e.Err)
}
func (e *UserError) Unwrap() error { return e.Err }

// ConfigurationError reports an invalid fileset shape, a reserved
// metadata collision, or mismatched executor types. Raised before any
// work begins; never retried.
type ConfigurationError struct {
	Err error
}

func (e *ConfigurationError) Error() string { return fmt.Sprintf("retry: configuration: %v", e.Err) }
func (e *ConfigurationError) Unwrap() error { return e.Err }

// finalAttemptTransient are substrings that, when found anywhere in the
// exception chain's combined text on the FINAL attempt, are treated as
// skippable I/O noise under skip_bad_files (spec §4.6).
var finalAttemptTransient = []string{
	"Invalid redirect URL",
	"Operation expired",
	"Socket timeout",
}

// Driver runs a task with the retry policy described in spec §4.6.
type Driver struct {
	// Retries is the number of retries beyond the first attempt; total
	// attempts made is Retries+1.
	Retries int

	// Logger receives the "log, return null" notice spec §4.6 requires
	// on both skip branches. Nil is safe to use directly (logs nothing).
	Logger *slog.Logger
}

// NewDriver returns a Driver allowing retries beyond the first attempt.
func NewDriver(retries int) *Driver {
	if retries < 0 {
		retries = 0
	}
	return &Driver{Retries: retries}
}

// Do runs fn, retrying per policy. skipBadFiles enables the bad-file
// skip branches: a nil result and nil error mean "skip this file",
// distinguishable from a genuine success by the caller checking for a
// zero value where appropriate.
func (d *Driver) Do(skipBadFiles bool, fn func() (any, error)) (any, error) {
	attempts := d.Retries + 1
	var lastErr error

	for attempt := 1; attempt <= attempts; attempt++ {
		result, err := fn()
		if err == nil {
			return result, nil
		}
		lastErr = err

		if isAuthFailure(err) {
			return nil, err
		}

		if skipBadFiles && isBadFileError(err) {
			logging.Default(d.Logger).Warn("skipping bad file", "stage", "retry", "attempt", attempt, "error", err)
			return nil, nil
		}

		final := attempt == attempts
		if final && skipBadFiles && isFinalAttemptTransient(err) {
			logging.Default(d.Logger).Warn("skipping file after transient final-attempt error", "stage", "retry", "attempt", attempt, "error", err)
			return nil, nil
		}
		if final {
			return nil, err
		}
	}
	return nil, lastErr
}

// isBadFileError reports whether err's chain contains a ProbeError,
// ReadError, or MissingTreeError — the "I/O error or missing-tree error"
// language of spec §4.6.
func isBadFileError(err error) bool {
	var probe *ProbeError
	var read *ReadError
	var missing *MissingTreeError
	return errors.As(err, &probe) || errors.As(err, &read) || errors.As(err, &missing)
}

// isAuthFailure reports whether err's chain is, or mentions, an
// authentication failure.
func isAuthFailure(err error) bool {
	var authErr *AuthError
	if errors.As(err, &authErr) {
		return true
	}
	return strings.Contains(err.Error(), "Auth failed")
}

// isFinalAttemptTransient reports whether err's chain mentions one of
// the known-transient distributed-scheduler error strings.
func isFinalAttemptTransient(err error) bool {
	msg := err.Error()
	for _, needle := range finalAttemptTransient {
		if strings.Contains(msg, needle) {
			return true
		}
	}
	return false
}
