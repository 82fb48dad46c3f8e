package transition

import (
	"context"
	"testing"
	"time"

	"usntiered/internal/entity"
	"usntiered/internal/hottier"
	"usntiered/internal/journal"
	"usntiered/internal/scoring"
	"usntiered/internal/store"
	"usntiered/internal/store/sqlitestore"
	"usntiered/internal/usn"
	"usntiered/internal/warmtier"
)

type harness struct {
	st       store.Store
	hot      *hottier.Recorder
	warm     *warmtier.Recorder
	resolver *entity.Resolver
	scorer   *scoring.Scorer
}

func newHarness(t *testing.T) harness {
	t.Helper()
	st, err := sqlitestore.Open(sqlitestore.Config{Path: ":memory:", SweepInterval: time.Hour})
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	ctx := context.Background()
	resolver, err := entity.NewResolver(ctx, st)
	if err != nil {
		t.Fatalf("NewResolver: %v", err)
	}
	scorer := scoring.New(scoring.DefaultWeights())
	hot, err := hottier.NewRecorder(ctx, st, resolver, scorer, 30*24*time.Hour)
	if err != nil {
		t.Fatalf("hottier.NewRecorder: %v", err)
	}
	warm, err := warmtier.NewRecorder(ctx, st)
	if err != nil {
		t.Fatalf("warmtier.NewRecorder: %v", err)
	}
	return harness{st: st, hot: hot, warm: warm, resolver: resolver, scorer: scorer}
}

func (h harness) seed(t *testing.T, volume string, frn uint64, fileName string, activityType usn.ActivityType, ts time.Time) string {
	t.Helper()
	ctx := context.Background()
	// Each seeded event needs its own USN: the hot tier keys rows by
	// volume+USN, so events sharing a USN would overwrite each other.
	ev := journal.Event{
		Volume:              volume,
		FileReferenceNumber: frn,
		USN:                 ts.UnixNano(),
		Timestamp:           ts,
		ActivityType:        activityType,
		FileName:            fileName,
	}
	if err := h.hot.HandleEvent(ctx, ev); err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}
	entityID, err := h.resolver.ResolveOrCreate(ctx, volume, frn, h.resolver.CanonicalPath(volume, fileName), false)
	if err != nil {
		t.Fatalf("ResolveOrCreate: %v", err)
	}
	return entityID
}

func testConfig() Config {
	return Config{
		AgeThreshold:      time.Hour,
		AggregationWindow: 6 * time.Hour,
		WarmTTL:           30 * 24 * time.Hour,
		BatchSize:         100,
		MaxBatches:        10,
	}
}

func TestNewManagerRejectsHotTTLNotExceedingAgeThreshold(t *testing.T) {
	h := newHarness(t)
	cfg := testConfig()
	cfg.AgeThreshold = 48 * time.Hour

	_, err := NewManager(h.hot, h.warm, h.resolver, h.scorer, h.st, 24*time.Hour, cfg)
	if err == nil {
		t.Fatal("expected NewManager to reject hot ttl <= age threshold")
	}
}

func TestTransitionBatchKeepsHighImportanceIndividualAndAggregatesLow(t *testing.T) {
	h := newHarness(t)
	mgr, err := NewManager(h.hot, h.warm, h.resolver, h.scorer, h.st, 30*24*time.Hour, testConfig())
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	now := time.Now().UTC()

	// High importance: a recently-created, recognized document under an
	// important path segment, old enough to clear the high class's
	// 2x-scaled age gate (2h) but young enough to keep a strong recency
	// contribution.
	highEntity := h.seed(t, "C:", 0x1, `Documents\README.md`, usn.ActivityCreate, now.Add(-3*time.Hour))

	// Low importance: two old attribute-changes on the same entity, close
	// enough together to land in the same aggregation window, grouped into
	// a single aggregated warm record (same entity, type, and 6h window).
	lowEntity := h.seed(t, "C:", 0x2, `Temp\cache\x.tmp`, usn.ActivityAttributeChange, now.Add(-20*24*time.Hour))
	h.seed(t, "C:", 0x2, `Temp\cache\x.tmp`, usn.ActivityAttributeChange, now.Add(-20*24*time.Hour+time.Minute))

	ctx := context.Background()
	result, err := mgr.TransitionBatch(ctx)
	if err != nil {
		t.Fatalf("TransitionBatch: %v", err)
	}
	if result.Found != 3 {
		t.Fatalf("found = %d, want 3", result.Found)
	}
	if result.Transitioned != 3 {
		t.Fatalf("transitioned = %d, want 3", result.Transitioned)
	}

	highRecords, err := h.warm.GetByEntity(ctx, highEntity, 10, 0)
	if err != nil {
		t.Fatalf("GetByEntity(high): %v", err)
	}
	if len(highRecords) != 1 {
		t.Fatalf("got %d warm records for high entity, want 1", len(highRecords))
	}
	if highRecords[0].IsAggregated || highRecords[0].Count != 1 {
		t.Errorf("high-importance record should be individual: %+v", highRecords[0])
	}

	lowRecords, err := h.warm.GetByEntity(ctx, lowEntity, 10, 0)
	if err != nil {
		t.Fatalf("GetByEntity(low): %v", err)
	}
	if len(lowRecords) != 1 {
		t.Fatalf("got %d warm records for low entity, want 1 aggregated record", len(lowRecords))
	}
	if !lowRecords[0].IsAggregated || lowRecords[0].Count != 2 {
		t.Errorf("low-importance pair should be aggregated with count 2: %+v", lowRecords[0])
	}

	remaining, err := h.hot.FindTransitionReady(ctx, now.Add(-30*time.Minute), 10)
	if err != nil {
		t.Fatalf("FindTransitionReady: %v", err)
	}
	if len(remaining) != 0 {
		t.Errorf("got %d records still transition-ready, want 0", len(remaining))
	}
}

func TestRunStopsAfterEmptyBatch(t *testing.T) {
	h := newHarness(t)
	mgr, err := NewManager(h.hot, h.warm, h.resolver, h.scorer, h.st, 30*24*time.Hour, testConfig())
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	result := mgr.Run(context.Background())
	if result.Status != "success" {
		t.Errorf("status = %q, want success", result.Status)
	}
	if result.BatchesRun != 1 {
		t.Errorf("batches run = %d, want 1 (stops immediately on empty batch)", result.BatchesRun)
	}
	if result.TotalFound != 0 || result.TotalTransitioned != 0 {
		t.Errorf("expected no activity on an empty hot tier, got found=%d transitioned=%d", result.TotalFound, result.TotalTransitioned)
	}
}

func TestGetStatsReportsNotReadyWithoutStore(t *testing.T) {
	h := newHarness(t)
	mgr, err := NewManager(h.hot, h.warm, h.resolver, h.scorer, h.st, 30*24*time.Hour, testConfig())
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	h.st.Close()

	stats := mgr.GetStats(context.Background())
	if stats.Status != "not_ready" {
		t.Errorf("status = %q, want not_ready after closing the store", stats.Status)
	}
}
