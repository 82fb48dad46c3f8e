package volume

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"

	"usntiered/internal/errs"
)

// SimHandle is a portable, in-memory Handle implementation. It backs
// tests on any platform and stands in for the real Windows volume on
// non-Windows builds (Open on !windows returns a SimHandle seeded with no
// records and no journal).
//
// Records are appended with PushRecord and served back by
// ReadJournal exactly as the real kernel buffer would: an 8-byte next-USN
// header followed by concatenated record bytes, capped to the caller's
// buffer size.
type SimHandle struct {
	mu       sync.Mutex
	name     string
	journal  *JournalInfo
	records  [][]byte // raw V2 record bytes, in USN order
	usns     []int64  // USN of each entry in records
	closed   bool
}

// NewSimHandle constructs an empty simulated volume handle.
func NewSimHandle(name string) *SimHandle {
	return &SimHandle{name: name}
}

func (s *SimHandle) Name() string { return s.name }

// SeedJournal installs journal metadata as if CreateJournal/QueryJournal
// had already run, for tests that want to skip that step.
func (s *SimHandle) SeedJournal(info JournalInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := info
	s.journal = &cp
}

// PushRecord appends a pre-encoded USN_RECORD_V2 buffer (as produced by
// usn.ParseRecord's inverse, i.e. a test fixture) at the given USN.
func (s *SimHandle) PushRecord(usnVal int64, recordBytes []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, recordBytes)
	s.usns = append(s.usns, usnVal)
	if s.journal != nil && usnVal >= s.journal.NextUSN {
		s.journal.NextUSN = usnVal + int64(len(recordBytes))
	}
}

func (s *SimHandle) QueryJournal(ctx context.Context) (JournalInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return JournalInfo{}, fmt.Errorf("volume %s: %w", s.name, errs.ErrJournalAbsent)
	}
	return *s.journal, nil
}

func (s *SimHandle) CreateJournal(ctx context.Context, maxSize, allocationDelta uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		s.journal = &JournalInfo{
			JournalID:       1,
			FirstUSN:        0,
			NextUSN:         0,
			LowestValidUSN:  0,
			MaxSize:         maxSize,
			AllocationDelta: allocationDelta,
		}
	}
	return nil
}

// ReadJournal returns all buffered records with USN >= startUSN, packed
// into buf behind an 8-byte next-USN header, stopping before any record
// that would overflow buf.
func (s *SimHandle) ReadJournal(ctx context.Context, journalID uint64, startUSN int64, reasonMask uint32, buf []byte) (ReadResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ReadResult{}, fmt.Errorf("volume %s: handle closed", s.name)
	}
	if len(buf) < 8 {
		return ReadResult{}, fmt.Errorf("read buffer too small (%d bytes)", len(buf))
	}

	nextUSN := startUSN
	offset := 8
	for i, usnVal := range s.usns {
		if usnVal < startUSN {
			continue
		}
		rec := s.records[i]
		if offset+len(rec) > len(buf) {
			break
		}
		copy(buf[offset:], rec)
		offset += len(rec)
		nextUSN = usnVal + int64(len(rec))
	}

	binary.LittleEndian.PutUint64(buf[0:8], uint64(nextUSN))
	return ReadResult{NextUSN: nextUSN, Records: buf[8:offset]}, nil
}

func (s *SimHandle) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
