// Package journal implements the per-volume USN Change Journal reader
// (C3): a polling loop that drives a volume.Handle and usn.ParseRecord to
// turn raw journal pages into a stream of Events, with cursor persistence
// and the error-recovery rules of §4.3.
package journal

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"usntiered/internal/cursor"
	"usntiered/internal/errs"
	"usntiered/internal/logger"
	"usntiered/internal/usn"
	"usntiered/internal/volume"
)

// Event is a single decoded journal record tagged with its source volume,
// ready for entity resolution and scoring downstream.
type Event struct {
	Volume                    string
	FileReferenceNumber       uint64
	ParentFileReferenceNumber uint64
	USN                       int64
	Timestamp                 time.Time
	ActivityType              usn.ActivityType
	Reason                    uint32
	FileAttributes            uint32
	FileName                  string
	IsDirectory               bool
}

// Sink receives decoded events from a Reader. Implementations (the
// hot-tier recorder, in practice) should not block indefinitely: a slow
// or erroring sink stalls that volume's polling loop.
type Sink interface {
	HandleEvent(ctx context.Context, ev Event) error
}

// ReaderConfig configures a single volume's polling loop.
type ReaderConfig struct {
	// ReadBufferSize is the byte size of the buffer passed to ReadJournal.
	ReadBufferSize int

	// CursorPersistInterval is how many emitted events may pass before the
	// cursor is flushed to disk.
	CursorPersistInterval int

	// MonitorInterval is the pause between polls when a read returns no
	// new records.
	MonitorInterval time.Duration

	// ReasonMask filters which USN_REASON_* bits ReadJournal reports.
	// Zero defaults to volume.AllReasonsMask.
	ReasonMask uint32

	// JournalMaxSize and JournalAllocationDelta are passed to CreateJournal
	// when a volume has no journal yet. Zero defaults to
	// volume.DefaultMaxSize / volume.DefaultAllocationDelta.
	JournalMaxSize         uint64
	JournalAllocationDelta uint64
}

func (c ReaderConfig) withDefaults() ReaderConfig {
	if c.ReadBufferSize <= 0 {
		c.ReadBufferSize = 64 * 1024
	}
	if c.CursorPersistInterval <= 0 {
		c.CursorPersistInterval = 100
	}
	if c.MonitorInterval <= 0 {
		c.MonitorInterval = time.Second
	}
	if c.ReasonMask == 0 {
		c.ReasonMask = volume.AllReasonsMask
	}
	if c.JournalMaxSize == 0 {
		c.JournalMaxSize = volume.DefaultMaxSize
	}
	if c.JournalAllocationDelta == 0 {
		c.JournalAllocationDelta = volume.DefaultAllocationDelta
	}
	return c
}

// Reader polls a single volume's journal and emits decoded events to a
// Sink, persisting a resume cursor as it goes. A Reader is used by exactly
// one goroutine (its Run method) for its lifetime.
type Reader struct {
	volumeName string
	handle     volume.Handle
	cur        *cursor.Store
	sink       Sink
	cfg        ReaderConfig

	lastUSN int64
}

// NewReader constructs a Reader for volumeName, reading through handle and
// persisting its cursor via cur.
func NewReader(volumeName string, handle volume.Handle, cur *cursor.Store, sink Sink, cfg ReaderConfig) *Reader {
	return &Reader{
		volumeName: volumeName,
		handle:     handle,
		cur:        cur,
		sink:       sink,
		cfg:        cfg.withDefaults(),
	}
}

// Run drives the polling loop until ctx is cancelled or a fatal error
// occurs (access denied). It always closes its handle and flushes the
// cursor before returning, even on error.
func (r *Reader) Run(ctx context.Context) error {
	defer func() {
		if err := r.cur.Flush(); err != nil {
			logger.Warn("journal[%s]: final cursor flush failed: %v", r.volumeName, err)
		}
		if err := r.handle.Close(); err != nil {
			logger.Warn("journal[%s]: closing volume handle failed: %v", r.volumeName, err)
		}
	}()

	info, err := r.ensureJournal(ctx)
	if err != nil {
		return fmt.Errorf("journal[%s]: %w", r.volumeName, err)
	}

	// Validate the cursor against the journal's current retention window: a
	// missing or stale cursor starts at the journal's first USN, otherwise
	// reading resumes from the persisted position.
	nextUSN := r.cur.ClampIfStale(r.volumeName, info.LowestValidUSN, info.FirstUSN)

	buf := make([]byte, r.cfg.ReadBufferSize)
	recordsSinceFlush := 0

	logger.Info("journal[%s]: starting poll loop at usn %d (journal %d)", r.volumeName, nextUSN, info.JournalID)

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		result, err := r.handle.ReadJournal(ctx, info.JournalID, nextUSN, r.cfg.ReasonMask, buf)
		if err != nil {
			switch errs.Classify(err) {
			case errs.KindAccessDenied:
				return fmt.Errorf("journal[%s]: %w", r.volumeName, err)
			case errs.KindJournalAbsent, errs.KindJournalTruncated:
				logger.Warn("journal[%s]: journal invalid/truncated, re-querying and clamping: %v", r.volumeName, err)
				info, err = r.handle.QueryJournal(ctx)
				if err != nil {
					return fmt.Errorf("journal[%s]: re-query after truncation: %w", r.volumeName, err)
				}
				nextUSN = r.cur.ClampIfStale(r.volumeName, info.LowestValidUSN, info.FirstUSN)
				continue
			default:
				logger.RateLimited("journal-read-error:"+r.volumeName, time.Minute, func() {
					logger.Error("journal[%s]: transient read error: %v", r.volumeName, err)
				})
				if !r.sleep(ctx) {
					return nil
				}
				continue
			}
		}

		if len(result.Records) == 0 {
			nextUSN = result.NextUSN
			if !r.sleep(ctx) {
				return nil
			}
			continue
		}

		_, lastSeenUSN, stopped := r.emitAll(ctx, result.Records, r.lastUSN, &recordsSinceFlush)
		r.lastUSN = lastSeenUSN
		if stopped {
			return nil
		}

		nextUSN = result.NextUSN
		r.cur.Set(r.volumeName, nextUSN)
	}
}

// emitAll walks buf's concatenated V2 records, emitting each to the sink.
// priorUSN is the USN of the last record emitted across all prior calls
// (0 if none yet), enforcing the non-decreasing-USN invariant across
// separate ReadJournal calls, not just within one buffer. It returns the
// number of bytes consumed, the USN of the last record emitted so far
// (equal to priorUSN if this call emitted nothing new), and whether ctx
// was cancelled mid-walk.
func (r *Reader) emitAll(ctx context.Context, buf []byte, priorUSN int64, recordsSinceFlush *int) (consumed int, lastUSN int64, stopped bool) {
	offset := 0
	lastUSN = priorUSN
	for offset < len(buf) {
		select {
		case <-ctx.Done():
			return offset, lastUSN, true
		default:
		}

		if offset+4 > len(buf) {
			break
		}
		recLen := int(binary.LittleEndian.Uint32(buf[offset : offset+4]))
		if recLen <= 0 || offset+recLen > len(buf) {
			advance := recLen
			if advance < 4 {
				advance = 4
			}
			logger.Warn("journal[%s]: malformed record length %d at offset %d, advancing %d and resuming buffer walk", r.volumeName, recLen, offset, advance)
			offset += advance
			continue
		}

		rec, err := usn.ParseRecord(buf[offset : offset+recLen])
		if err != nil {
			logger.Warn("journal[%s]: skipping malformed usn record at offset %d: %v", r.volumeName, offset, err)
			offset += recLen
			continue
		}

		if lastUSN != 0 && rec.USN < lastUSN {
			logger.Warn("journal[%s]: non-increasing usn %d after %d, skipping record", r.volumeName, rec.USN, lastUSN)
			offset += recLen
			continue
		}

		ev := Event{
			Volume:                    r.volumeName,
			FileReferenceNumber:       rec.FileReferenceNumber,
			ParentFileReferenceNumber: rec.ParentFileReferenceNumber,
			USN:                       rec.USN,
			Timestamp:                 rec.Timestamp,
			ActivityType:              usn.DeriveActivityType(rec.Reason),
			Reason:                    rec.Reason,
			FileAttributes:            rec.FileAttributes,
			FileName:                  rec.FileName,
			IsDirectory:               rec.FileAttributes&usn.AttrDirectory != 0,
		}

		if err := r.sink.HandleEvent(ctx, ev); err != nil {
			logger.Error("journal[%s]: sink rejected event at usn %d: %v", r.volumeName, rec.USN, err)
		}

		lastUSN = rec.USN
		*recordsSinceFlush++
		if *recordsSinceFlush >= r.cfg.CursorPersistInterval {
			r.cur.Set(r.volumeName, rec.USN)
			if err := r.cur.Flush(); err != nil {
				logger.Warn("journal[%s]: periodic cursor flush failed: %v", r.volumeName, err)
			}
			*recordsSinceFlush = 0
		}

		offset += recLen
	}
	return offset, lastUSN, false
}

func (r *Reader) ensureJournal(ctx context.Context) (volume.JournalInfo, error) {
	info, err := r.handle.QueryJournal(ctx)
	if err == nil {
		return info, nil
	}
	if errs.Classify(err) != errs.KindJournalAbsent {
		return volume.JournalInfo{}, err
	}
	logger.Info("journal[%s]: no journal present, creating one", r.volumeName)
	if err := r.handle.CreateJournal(ctx, r.cfg.JournalMaxSize, r.cfg.JournalAllocationDelta); err != nil {
		return volume.JournalInfo{}, fmt.Errorf("creating journal: %w", err)
	}
	return r.handle.QueryJournal(ctx)
}

func (r *Reader) sleep(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(r.cfg.MonitorInterval):
		return true
	}
}
