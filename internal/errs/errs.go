// Package errs defines the error taxonomy shared across the usntiered
// ingestion engine so callers can branch on failure class without string
// matching.
package errs

import "errors"

// Sentinel errors. Wrap these with fmt.Errorf("...: %w", ErrX) at the point
// of failure; use errors.Is to test.
var (
	// ErrAccessDenied indicates the process lacks the privilege (typically
	// SeBackupPrivilege/administrator) required to open a volume handle or
	// issue an FSCTL.
	ErrAccessDenied = errors.New("access denied")

	// ErrJournalAbsent indicates FSCTL_QUERY_USN_JOURNAL failed because no
	// change journal exists on the volume.
	ErrJournalAbsent = errors.New("usn journal absent")

	// ErrJournalTruncated indicates the requested starting USN is older
	// than the journal's first available record (journal wrapped or was
	// deleted and recreated).
	ErrJournalTruncated = errors.New("usn journal truncated")

	// ErrParse indicates a USN record failed structural validation
	// (truncated buffer, name extending past the buffer, odd name length).
	ErrParse = errors.New("usn record parse error")

	// ErrBackendTransient indicates a document-store operation failed in a
	// way that may succeed on retry (lock contention, timeout).
	ErrBackendTransient = errors.New("backend transient error")

	// ErrBackendFatal indicates a document-store operation failed in a way
	// that will not succeed on retry (corruption, schema mismatch).
	ErrBackendFatal = errors.New("backend fatal error")

	// ErrQueueFull indicates the bounded event queue between journal
	// readers and the processing pipeline rejected a record.
	ErrQueueFull = errors.New("event queue full")

	// ErrCancelled indicates an operation was aborted because its context
	// was cancelled.
	ErrCancelled = errors.New("operation cancelled")
)

// Kind classifies an error into one of the sentinel categories above, for
// callers that need to decide retry/skip/abort behavior without a chain of
// errors.Is checks.
type Kind int

const (
	// KindUnknown is returned for errors not recognized as one of the
	// sentinels below.
	KindUnknown Kind = iota
	KindAccessDenied
	KindJournalAbsent
	KindJournalTruncated
	KindParse
	KindBackendTransient
	KindBackendFatal
	KindQueueFull
	KindCancelled
)

// Classify maps err to a Kind by walking its error chain with errors.Is.
// A nil error classifies as KindUnknown.
func Classify(err error) Kind {
	switch {
	case err == nil:
		return KindUnknown
	case errors.Is(err, ErrAccessDenied):
		return KindAccessDenied
	case errors.Is(err, ErrJournalAbsent):
		return KindJournalAbsent
	case errors.Is(err, ErrJournalTruncated):
		return KindJournalTruncated
	case errors.Is(err, ErrParse):
		return KindParse
	case errors.Is(err, ErrBackendTransient):
		return KindBackendTransient
	case errors.Is(err, ErrBackendFatal):
		return KindBackendFatal
	case errors.Is(err, ErrQueueFull):
		return KindQueueFull
	case errors.Is(err, ErrCancelled):
		return KindCancelled
	default:
		return KindUnknown
	}
}

// Retryable reports whether an operation that failed with err should be
// retried by its caller (transient backend errors and full queues). All
// other kinds report false: parse errors are logged and skipped, access
// denied and backend fatal errors are propagated, and journal
// absent/truncated errors are recovered by the journal reader itself
// (re-querying the journal and clamping its cursor) rather than retried.
func Retryable(err error) bool {
	switch Classify(err) {
	case KindBackendTransient, KindQueueFull:
		return true
	default:
		return false
	}
}
