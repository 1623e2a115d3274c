// Package syncerr defines the sync-session error taxonomy from spec §7 as
// sentinel errors, with the propagation rule for each class in its comment.
// It defines no transport close codes.
package syncerr

import "errors"

// Sentinel errors, one per §7 taxonomy entry. Wrap with fmt.Errorf("...: %w")
// for context; test with errors.Is.
var (
	// ErrInvalidArgument: malformed lsn, missing clientId, unknown frame type.
	// Reported to the caller/transport; no state mutation.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrTransientTransport: send failure, unexpected close. Non-fatal: the
	// session ends; progress is retained; next connect resumes.
	ErrTransientTransport = errors.New("transient transport error")

	// ErrAckTimeout: no matching frame arrived in the wait window. The
	// driver aborts its current phase; no progress loss because only acked
	// LSNs are persisted.
	ErrAckTimeout = errors.New("ack timeout")

	// ErrStatementError: non-CRDT DB failure. Triggers fallback to per-row
	// apply; persistent failures are reported in srv_changes_applied.error.
	ErrStatementError = errors.New("statement error")

	// ErrFatalInternal: invariant violation (e.g. duplicate actor). The
	// actor closes the transport and refuses new frames until restarted.
	ErrFatalInternal = errors.New("fatal internal error")
)

// CRDTConflict is deliberately not an error type: §7 classifies it as "Not
// an error; counted as skipped." Callers should test for it as a boolean
// outcome on the apply result, not as an err.
