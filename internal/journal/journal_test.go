package journal

import (
	"context"
	"encoding/binary"
	"path/filepath"
	"sync"
	"testing"
	"time"
	"unicode/utf16"

	"usntiered/internal/cursor"
	"usntiered/internal/usn"
	"usntiered/internal/volume"
)

func buildRecord(t *testing.T, frn uint64, usnVal int64, reason uint32, name string) []byte {
	t.Helper()
	const headerSize = 60
	nameU16 := utf16.Encode([]rune(name))
	nameBytes := make([]byte, len(nameU16)*2)
	for i, u := range nameU16 {
		binary.LittleEndian.PutUint16(nameBytes[i*2:i*2+2], u)
	}
	total := headerSize + len(nameBytes)
	buf := make([]byte, total)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(total))
	binary.LittleEndian.PutUint16(buf[4:6], 2)
	binary.LittleEndian.PutUint64(buf[8:16], frn)
	binary.LittleEndian.PutUint64(buf[24:32], uint64(usnVal))
	binary.LittleEndian.PutUint64(buf[32:40], usn.UTCToFiletime(time.Now()))
	binary.LittleEndian.PutUint32(buf[40:44], reason)
	binary.LittleEndian.PutUint16(buf[56:58], uint16(len(nameBytes)))
	binary.LittleEndian.PutUint16(buf[58:60], uint16(headerSize))
	copy(buf[headerSize:], nameBytes)
	return buf
}

type recordingSink struct {
	mu     sync.Mutex
	events []Event
}

func (s *recordingSink) HandleEvent(_ context.Context, ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

func (s *recordingSink) snapshot() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Event, len(s.events))
	copy(out, s.events)
	return out
}

func testCursor(t *testing.T) *cursor.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cursor.json")
	c, err := cursor.Open(path)
	if err != nil {
		t.Fatalf("cursor.Open: %v", err)
	}
	return c
}

func TestReaderEmitsSeededRecordsThenStopsOnCancel(t *testing.T) {
	h := volume.NewSimHandle("T:")
	h.SeedJournal(volume.JournalInfo{JournalID: 7, FirstUSN: 100, NextUSN: 100, LowestValidUSN: 100})

	r1 := buildRecord(t, 1, 100, uint32(0x100), "a.txt")  // FILE_CREATE
	r2 := buildRecord(t, 1, 100+int64(len(r1)), uint32(0x1), "a.txt") // DATA_OVERWRITE
	h.PushRecord(100, r1)
	h.PushRecord(100+int64(len(r1)), r2)

	sink := &recordingSink{}
	cur := testCursor(t)
	reader := NewReader("T:", h, cur, sink, ReaderConfig{MonitorInterval: 10 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- reader.Run(ctx) }()

	deadline := time.After(2 * time.Second)
	for {
		if len(sink.snapshot()) >= 2 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for events")
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not exit after cancel")
	}

	events := sink.snapshot()
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}
	if events[0].ActivityType != usn.ActivityCreate {
		t.Errorf("first event activity type = %v, want create", events[0].ActivityType)
	}
	if events[1].ActivityType != usn.ActivityModify {
		t.Errorf("second event activity type = %v, want modify", events[1].ActivityType)
	}
}

func TestReaderPersistsCursorOnStop(t *testing.T) {
	h := volume.NewSimHandle("T:")
	h.SeedJournal(volume.JournalInfo{JournalID: 1, FirstUSN: 50, NextUSN: 50, LowestValidUSN: 50})
	rec := buildRecord(t, 9, 50, uint32(0x100), "x.txt")
	h.PushRecord(50, rec)

	sink := &recordingSink{}
	cur := testCursor(t)
	reader := NewReader("T:", h, cur, sink, ReaderConfig{MonitorInterval: 10 * time.Millisecond, CursorPersistInterval: 1})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- reader.Run(ctx) }()

	deadline := time.After(2 * time.Second)
	for {
		if len(sink.snapshot()) >= 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for event")
		case <-time.After(10 * time.Millisecond):
		}
	}
	cancel()
	<-done

	got, ok := cur.Get("T:")
	if !ok {
		t.Fatal("expected cursor entry for T: after stop")
	}
	if got <= 50 {
		t.Errorf("cursor usn = %d, want > 50", got)
	}
}

func TestManagerStartStop(t *testing.T) {
	h := volume.NewSimHandle("T:")
	h.SeedJournal(volume.JournalInfo{JournalID: 1, FirstUSN: 1, NextUSN: 1, LowestValidUSN: 1})

	sink := &recordingSink{}
	cur := testCursor(t)
	reader := NewReader("T:", h, cur, sink, ReaderConfig{MonitorInterval: 10 * time.Millisecond})

	m := NewManager()
	m.AddReader(reader)

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !m.IsRunning() {
		t.Fatal("expected manager to report running")
	}
	if err := m.Start(context.Background()); err == nil {
		t.Fatal("expected second Start to fail")
	}

	if err := m.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if m.IsRunning() {
		t.Fatal("expected manager to report stopped")
	}
}

func TestEmitAllSkipsMalformedRecordLengthAndContinuesBuffer(t *testing.T) {
	h := volume.NewSimHandle("T:")
	sink := &recordingSink{}
	cur := testCursor(t)
	reader := NewReader("T:", h, cur, sink, ReaderConfig{})

	valid := buildRecord(t, 5, 200, uint32(0x100), "b.txt")

	buf := make([]byte, 4+len(valid))
	binary.LittleEndian.PutUint32(buf[0:4], 0) // declared length 0: malformed, must not abort the walk
	copy(buf[4:], valid)

	recordsSinceFlush := 0
	consumed, lastUSN, stopped := reader.emitAll(context.Background(), buf, 0, &recordsSinceFlush)

	if stopped {
		t.Fatal("emitAll reported stopped on a plain malformed-length record")
	}
	if consumed != len(buf) {
		t.Errorf("consumed = %d, want %d (malformed record skipped, valid one still parsed)", consumed, len(buf))
	}
	if lastUSN != 200 {
		t.Errorf("lastUSN = %d, want 200", lastUSN)
	}
	events := sink.snapshot()
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1 (the record after the malformed one)", len(events))
	}
	if events[0].FileReferenceNumber != 5 {
		t.Errorf("event frn = %d, want 5", events[0].FileReferenceNumber)
	}
}

func TestReaderCreatesJournalWithConfiguredSizeWhenAbsent(t *testing.T) {
	h := volume.NewSimHandle("T:") // no SeedJournal: QueryJournal starts absent

	sink := &recordingSink{}
	cur := testCursor(t)
	reader := NewReader("T:", h, cur, sink, ReaderConfig{
		MonitorInterval:        10 * time.Millisecond,
		JournalMaxSize:         64 * 1024 * 1024,
		JournalAllocationDelta: 8 * 1024 * 1024,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- reader.Run(ctx) }()

	deadline := time.After(2 * time.Second)
	for {
		info, err := h.QueryJournal(context.Background())
		if err == nil && info.MaxSize == 64*1024*1024 && info.AllocationDelta == 8*1024*1024 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for journal to be created with configured sizes")
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not exit after cancel")
	}
}
