package journal

import (
	"context"
	"testing"
	"time"

	"usntiered/internal/volume"
)

func TestManagerRunsReadersForEachVolumeConcurrently(t *testing.T) {
	h1 := volume.NewSimHandle("T:")
	h1.SeedJournal(volume.JournalInfo{JournalID: 1, FirstUSN: 100, NextUSN: 100, LowestValidUSN: 100})
	h1.PushRecord(100, buildRecord(t, 1, 100, uint32(0x100), "a.txt"))

	h2 := volume.NewSimHandle("U:")
	h2.SeedJournal(volume.JournalInfo{JournalID: 2, FirstUSN: 200, NextUSN: 200, LowestValidUSN: 200})
	h2.PushRecord(200, buildRecord(t, 2, 200, uint32(0x100), "b.txt"))

	sink := &recordingSink{}
	mgr := NewManager()
	mgr.AddReader(NewReader("T:", h1, testCursor(t), sink, ReaderConfig{MonitorInterval: 10 * time.Millisecond}))
	mgr.AddReader(NewReader("U:", h2, testCursor(t), sink, ReaderConfig{MonitorInterval: 10 * time.Millisecond}))

	ctx, cancel := context.WithCancel(context.Background())
	if err := mgr.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !mgr.IsRunning() {
		t.Error("expected manager to report running after Start")
	}

	deadline := time.After(2 * time.Second)
	for {
		if len(sink.snapshot()) >= 2 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for both volumes to emit")
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	if err := mgr.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if mgr.IsRunning() {
		t.Error("expected manager to report stopped after Stop")
	}
}
