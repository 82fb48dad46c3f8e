// Package cursor persists per-volume USN resume state to a JSON file with
// write-then-rename crash safety, matching the WAL discipline the teacher
// repo uses for its own on-disk state: a new version is written to a
// temporary path and atomically renamed over the target, so a crash mid-
// write never leaves a half-written cursor file behind.
package cursor

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// CollectorVersion is stamped into every persisted cursor file.
const CollectorVersion = "1.0"

// State is the persisted per-volume cursor document (§6 "Persisted state
// layout").
type State struct {
	LastProcessedUSN map[string]int64 `json:"last_processed_usn"`
	Timestamp        string           `json:"timestamp"`
	CollectorVersion string           `json:"collector_version"`
	CollectorID      string           `json:"collector_id"`
}

// Store manages a single cursor file on disk.
type Store struct {
	path string

	mu    sync.Mutex
	state State
}

// Open loads the cursor file at path if it exists, or initializes an
// empty one with a fresh collector_id if it does not.
func Open(path string) (*Store, error) {
	s := &Store{path: path}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			s.state = State{
				LastProcessedUSN: make(map[string]int64),
				CollectorVersion: CollectorVersion,
				CollectorID:      uuid.NewString(),
			}
			return s, nil
		}
		return nil, fmt.Errorf("reading cursor file %s: %w", path, err)
	}

	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("parsing cursor file %s: %w", path, err)
	}
	if state.LastProcessedUSN == nil {
		state.LastProcessedUSN = make(map[string]int64)
	}
	if state.CollectorID == "" {
		state.CollectorID = uuid.NewString()
	}
	s.state = state
	return s, nil
}

// Get returns the last-processed USN recorded for volume, and whether one
// has been recorded at all.
func (s *Store) Get(volume string) (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	usnVal, ok := s.state.LastProcessedUSN[volume]
	return usnVal, ok
}

// Set updates the in-memory last-processed USN for volume. Callers must
// call Flush to persist it (the journal reader flushes every N records
// and on shutdown, per §4.3 step 5).
func (s *Store) Set(volume string, usnVal int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.LastProcessedUSN[volume] = usnVal
}

// Flush writes the current state to disk via write-then-rename.
func (s *Store) Flush() error {
	s.mu.Lock()
	s.state.Timestamp = time.Now().UTC().Format(time.RFC3339)
	data, err := json.MarshalIndent(s.state, "", "  ")
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("marshaling cursor state: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating cursor directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".cursor-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp cursor file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("writing temp cursor file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("closing temp cursor file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("renaming temp cursor file into place: %w", err)
	}
	return nil
}

// ClampIfStale validates the cursor's recorded USN for volume against the
// journal's lowestValidUSN (§3 "validated on startup against the
// journal's lowest_valid_usn; if stale, clamped upward to the first
// valid USN"). It returns the USN the reader should actually resume from.
func (s *Store) ClampIfStale(volume string, lowestValidUSN, firstUSN int64) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.state.LastProcessedUSN[volume]
	if !ok || current < lowestValidUSN {
		s.state.LastProcessedUSN[volume] = firstUSN
		return firstUSN
	}
	return current
}
