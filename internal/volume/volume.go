// Package volume opens NTFS volumes and issues USN Change Journal control
// operations against them.
//
// Volume paths are accepted in three forms: a drive-letter root ("D:"),
// the Win32 device form (`\\.\D:`), and the volume-GUID form
// (`\\?\Volume{GUID}\`). Open dispatches on the string form; the returned
// Handle owns the underlying OS resource and must be Closed when no longer
// needed (Close is safe to call more than once).
package volume

import "context"

// JournalInfo is the result of QueryJournal.
type JournalInfo struct {
	JournalID      uint64
	FirstUSN       int64
	NextUSN        int64
	LowestValidUSN int64
	MaxUSN         int64
	MaxSize        uint64
	AllocationDelta uint64
}

// ReadResult is the result of ReadJournal: the next USN to request on the
// following call, and the raw concatenated V2 record bytes that followed
// it in the kernel's output buffer.
type ReadResult struct {
	NextUSN int64
	Records []byte
}

// Handle is a scoped resource representing an open volume. Every method
// may be called concurrently with Close from another goroutine only after
// in-flight calls have returned; Handle is otherwise safe for single-task
// sequential use, matching the "owned exclusively by the reader task that
// opened them" resource policy.
type Handle interface {
	// QueryJournal returns the current journal metadata. It fails with an
	// error wrapping errs.ErrJournalAbsent if no journal exists on the
	// volume.
	QueryJournal(ctx context.Context) (JournalInfo, error)

	// CreateJournal enables a change journal with the given size
	// parameters. It is idempotent if a journal already exists with
	// compatible parameters.
	CreateJournal(ctx context.Context, maxSize, allocationDelta uint64) error

	// ReadJournal requests up to len(buf) bytes of journal data starting
	// at startUSN, filtered by reasonMask (pass ^uint32(0) for
	// all-reasons). The returned ReadResult.Records slice aliases buf and
	// is only valid until the next call to ReadJournal.
	ReadJournal(ctx context.Context, journalID uint64, startUSN int64, reasonMask uint32, buf []byte) (ReadResult, error)

	// Close releases the underlying handle. Close is safe to call more
	// than once; subsequent calls return nil.
	Close() error

	// Name returns the volume name this handle was opened against, in the
	// same form passed to Open.
	Name() string
}

// DefaultMaxSize and DefaultAllocationDelta are the journal-creation
// defaults used when a caller does not specify its own (§4.1).
const (
	DefaultMaxSize         uint64 = 32 * 1024 * 1024
	DefaultAllocationDelta uint64 = 4 * 1024 * 1024
)

// AllReasonsMask selects every USN_REASON_* bit for ReadJournal.
const AllReasonsMask uint32 = ^uint32(0)
