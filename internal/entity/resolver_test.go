package entity

import (
	"context"
	"testing"
	"time"

	"usntiered/internal/store/sqlitestore"
	"usntiered/internal/usn"
)

func newTestResolver(t *testing.T) *Resolver {
	t.Helper()
	s, err := sqlitestore.Open(sqlitestore.Config{Path: ":memory:", SweepInterval: time.Hour})
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	r, err := NewResolver(context.Background(), s)
	if err != nil {
		t.Fatalf("NewResolver: %v", err)
	}
	return r
}

func TestResolveOrCreateMintsNewEntity(t *testing.T) {
	r := newTestResolver(t)
	ctx := context.Background()

	id, err := r.ResolveOrCreate(ctx, "C:", 0x1000, `C:\report.docx`, false)
	if err != nil {
		t.Fatalf("ResolveOrCreate: %v", err)
	}
	if id == "" {
		t.Fatal("expected non-empty entity id")
	}

	id2, err := r.ResolveOrCreate(ctx, "C:", 0x1000, `C:\report.docx`, false)
	if err != nil {
		t.Fatalf("ResolveOrCreate (cached): %v", err)
	}
	if id2 != id {
		t.Errorf("expected same entity id on repeat resolve, got %s vs %s", id2, id)
	}
}

func TestResolveOrCreateFRNCacheBypassesStore(t *testing.T) {
	r := newTestResolver(t)
	ctx := context.Background()

	id1, _ := r.ResolveOrCreate(ctx, "C:", 42, `C:\a.txt`, false)
	id2, _ := r.ResolveOrCreate(ctx, "C:", 42, `C:\a.txt`, false)
	if id1 != id2 {
		t.Errorf("expected stable entity id from cache, got %s vs %s", id1, id2)
	}
}

func TestResolveOrCreateFRNReassignmentOnRestore(t *testing.T) {
	r := newTestResolver(t)
	ctx := context.Background()

	id, err := r.ResolveOrCreate(ctx, "C:", 1, `C:\doc.txt`, false)
	if err != nil {
		t.Fatalf("initial resolve: %v", err)
	}

	// Simulate restore: same path, new FRN, cache cold for that FRN.
	r.frnCache.Delete(frnCacheKey("C:", 1))

	id2, err := r.ResolveOrCreate(ctx, "C:", 2, `C:\doc.txt`, false)
	if err != nil {
		t.Fatalf("resolve after frn reassignment: %v", err)
	}
	if id2 != id {
		t.Errorf("expected same entity id preserved across frn reassignment, got %s vs %s", id2, id)
	}

	rec, found, err := r.Get(ctx, id)
	if err != nil || !found {
		t.Fatalf("Get: found=%v err=%v", found, err)
	}
	if rec.Properties.FileReferenceNumber != FRNHex(2) {
		t.Errorf("expected frn updated to 2, got %s", rec.Properties.FileReferenceNumber)
	}
}

func TestUpdateEntityMetadataRename(t *testing.T) {
	r := newTestResolver(t)
	ctx := context.Background()

	id, _ := r.ResolveOrCreate(ctx, "C:", 1, `C:\a.txt`, false)

	err := r.UpdateEntityMetadata(ctx, "C:", id, MetadataUpdate{
		ActivityType: usn.ActivityRename,
		Timestamp:    time.Now(),
		NewPath:      `C:\b.txt`,
	})
	if err != nil {
		t.Fatalf("UpdateEntityMetadata: %v", err)
	}

	rec, _, _ := r.Get(ctx, id)
	if rec.Properties.FilePath != `C:\b.txt` {
		t.Errorf("expected file_path updated to C:\\b.txt, got %s", rec.Properties.FilePath)
	}

	id2, err := r.ResolveOrCreate(ctx, "C:", 999, `C:\b.txt`, false)
	if err != nil {
		t.Fatalf("resolve by new path: %v", err)
	}
	if id2 != id {
		t.Errorf("expected lookup by renamed path to resolve to same entity, got %s vs %s", id2, id)
	}
}

func TestUpdateEntityMetadataDelete(t *testing.T) {
	r := newTestResolver(t)
	ctx := context.Background()
	id, _ := r.ResolveOrCreate(ctx, "C:", 1, `C:\a.txt`, false)

	err := r.UpdateEntityMetadata(ctx, "C:", id, MetadataUpdate{
		ActivityType: usn.ActivityDelete,
		Timestamp:    time.Now(),
	})
	if err != nil {
		t.Fatalf("UpdateEntityMetadata: %v", err)
	}

	rec, _, _ := r.Get(ctx, id)
	if !rec.Properties.Deleted {
		t.Error("expected deleted=true")
	}
	if rec.Properties.FilePath != `C:\a.txt` {
		t.Errorf("expected file_path preserved on delete, got %s", rec.Properties.FilePath)
	}
}

func TestUpdateEntityMetadataIsIdempotent(t *testing.T) {
	r := newTestResolver(t)
	ctx := context.Background()
	id, _ := r.ResolveOrCreate(ctx, "C:", 1, `C:\a.txt`, false)

	ts := time.Now()
	upd := MetadataUpdate{ActivityType: usn.ActivityModify, Timestamp: ts}

	if err := r.UpdateEntityMetadata(ctx, "C:", id, upd); err != nil {
		t.Fatalf("first update: %v", err)
	}
	if err := r.UpdateEntityMetadata(ctx, "C:", id, upd); err != nil {
		t.Fatalf("duplicate update: %v", err)
	}
	// No assertion beyond "does not error"; duplicate suppression is
	// exercised, the observable state is unchanged either way since both
	// calls set identical fields.
}

func TestRecordAccessIncrementsCount(t *testing.T) {
	r := newTestResolver(t)
	ctx := context.Background()
	id, _ := r.ResolveOrCreate(ctx, "C:", 1, `C:\a.txt`, false)

	r.RecordAccess(ctx, id)
	r.RecordAccess(ctx, id)

	rec, _, _ := r.Get(ctx, id)
	if rec.Properties.AccessCount != 2 {
		t.Errorf("AccessCount = %d, want 2", rec.Properties.AccessCount)
	}
}

func TestCanonicalPathUsesVolumeGUIDWhenKnown(t *testing.T) {
	r := newTestResolver(t)
	r.SetVolumeGUID("C:", "1234-5678")

	got := r.CanonicalPath("C:", "a.txt")
	want := `\\?\Volume{1234-5678}\a.txt`
	if got != want {
		t.Errorf("CanonicalPath = %q, want %q", got, want)
	}

	got2 := r.CanonicalPath("D:", "a.txt")
	if got2 != `D:\a.txt` {
		t.Errorf("CanonicalPath without guid = %q, want D:\\a.txt", got2)
	}
}

func TestFRNHexPreservesLeadingZeros(t *testing.T) {
	if got := FRNHex(1); got != "0000000000000001" {
		t.Errorf("FRNHex(1) = %q, want 16-char zero-padded hex", got)
	}
}
