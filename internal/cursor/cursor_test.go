package cursor

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestOpenCreatesFreshStateWhenFileMissing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cursor.json")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if s.state.CollectorID == "" {
		t.Error("expected a generated collector_id")
	}
	if s.state.CollectorVersion != CollectorVersion {
		t.Errorf("collector_version = %q, want %q", s.state.CollectorVersion, CollectorVersion)
	}
	if _, ok := s.Get("C:"); ok {
		t.Error("expected no recorded usn for an unseen volume")
	}
}

func TestSetFlushAndReopenRoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cursor.json")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	s.Set("C:", 12345)
	if err := s.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	reopened, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	got, ok := reopened.Get("C:")
	if !ok || got != 12345 {
		t.Errorf("Get(C:) = %d, %v, want 12345, true", got, ok)
	}
	if reopened.state.CollectorID != s.state.CollectorID {
		t.Error("expected collector_id to survive a reopen")
	}
}

func TestFlushLeavesNoTempFileBehind(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cursor.json")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	s.Set("C:", 1)
	if err := s.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 1 || entries[0].Name() != "cursor.json" {
		t.Errorf("directory contents = %v, want only cursor.json", entries)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		t.Fatalf("unmarshal persisted file: %v", err)
	}
	if state.LastProcessedUSN["C:"] != 1 {
		t.Errorf("persisted usn = %d, want 1", state.LastProcessedUSN["C:"])
	}
}

func TestClampIfStaleClampsMissingOrStaleCursor(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cursor.json")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	if got := s.ClampIfStale("C:", 1000, 1500); got != 1500 {
		t.Errorf("no prior cursor: got %d, want firstUSN 1500", got)
	}

	s.Set("D:", 500)
	if got := s.ClampIfStale("D:", 1000, 1500); got != 1500 {
		t.Errorf("stale cursor below lowestValidUSN: got %d, want firstUSN 1500", got)
	}

	s.Set("E:", 2000)
	if got := s.ClampIfStale("E:", 1000, 1500); got != 2000 {
		t.Errorf("fresh cursor above lowestValidUSN: got %d, want unchanged 2000", got)
	}
}
