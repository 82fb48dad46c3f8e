package warmtier

import (
	"context"
	"testing"
	"time"

	"usntiered/internal/hottier"
	"usntiered/internal/store/sqlitestore"
	"usntiered/internal/usn"
)

func newTestRecorder(t *testing.T) *Recorder {
	t.Helper()
	s, err := sqlitestore.Open(sqlitestore.Config{Path: ":memory:", SweepInterval: time.Hour})
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	rec, err := NewRecorder(context.Background(), s)
	if err != nil {
		t.Fatalf("NewRecorder: %v", err)
	}
	return rec
}

func member(entityID string, usnVal int64, ts time.Time, importance float64) hottier.Record {
	return hottier.Record{
		ActivityID:      "act-" + ts.Format(time.RFC3339Nano),
		EntityID:        entityID,
		Volume:          "C:",
		FileName:        "a.txt",
		FilePath:        `C:\a.txt`,
		ActivityType:    usn.ActivityModify,
		Timestamp:       ts,
		USN:             usnVal,
		ImportanceScore: importance,
		Attributes:      map[string]any{"reason_flags_text": "DATA_OVERWRITE"},
	}
}

func TestGroupKeyGroupsSameEntityTypeAndWindow(t *testing.T) {
	base := time.Date(2026, 7, 29, 9, 0, 0, 0, time.UTC)
	a := member("ent-1", 1, base, 0.3)
	b := member("ent-1", 2, base.Add(30*time.Minute), 0.3)
	if GroupKey(a, 6*time.Hour) != GroupKey(b, 6*time.Hour) {
		t.Errorf("expected same group key for activities in the same 6h window")
	}

	c := member("ent-1", 3, base.Add(8*time.Hour), 0.3)
	if GroupKey(a, 6*time.Hour) == GroupKey(c, 6*time.Hour) {
		t.Errorf("expected different group keys across a window boundary")
	}
}

func TestBuildAggregatedRecordUsesEarliestLatestAndMaxImportance(t *testing.T) {
	base := time.Date(2026, 7, 29, 9, 0, 0, 0, time.UTC)
	group := []hottier.Record{
		member("ent-1", 1, base, 0.2),
		member("ent-1", 2, base.Add(time.Minute), 0.5),
		member("ent-1", 3, base.Add(2*time.Minute), 0.1),
	}

	rec := BuildAggregatedRecord("ent-1_modify_2026-07-29_1", group, 30*24*time.Hour)

	if !rec.Timestamp.Equal(base) {
		t.Errorf("timestamp = %v, want %v", rec.Timestamp, base)
	}
	if !rec.EndTimestamp.Equal(base.Add(2 * time.Minute)) {
		t.Errorf("end timestamp = %v, want %v", rec.EndTimestamp, base.Add(2*time.Minute))
	}
	if rec.ImportanceScore != 0.5 {
		t.Errorf("importance score = %v, want 0.5", rec.ImportanceScore)
	}
	if rec.Count != 3 || !rec.IsAggregated {
		t.Errorf("count = %d, is_aggregated = %v, want 3/true", rec.Count, rec.IsAggregated)
	}
	if len(rec.OriginalIDs) != 3 {
		t.Errorf("original ids = %d, want 3", len(rec.OriginalIDs))
	}
	if rec.Attributes["is_warm_tier"] != true || rec.Attributes["aggregated_count"] != 3 {
		t.Errorf("attributes missing warm tier markers: %+v", rec.Attributes)
	}
	if rec.Attributes["reason_flags_text"] != "DATA_OVERWRITE" {
		t.Errorf("expected first member's own attributes to be merged in: %+v", rec.Attributes)
	}
}

func TestBuildAggregatedRecordSingleMemberIsNotAggregated(t *testing.T) {
	base := time.Date(2026, 7, 29, 9, 0, 0, 0, time.UTC)
	rec := BuildAggregatedRecord("", []hottier.Record{member("ent-1", 1, base, 0.4)}, 30*24*time.Hour)
	if rec.IsAggregated {
		t.Error("single-member group should not be marked aggregated")
	}
	if rec.Count != 1 {
		t.Errorf("count = %d, want 1", rec.Count)
	}
	if !rec.Timestamp.Equal(rec.EndTimestamp) {
		t.Errorf("timestamp %v should equal end timestamp %v for count=1", rec.Timestamp, rec.EndTimestamp)
	}
}

func TestAggregateKeepsSmallHighImportanceGroupsIndividual(t *testing.T) {
	base := time.Date(2026, 7, 29, 9, 0, 0, 0, time.UTC)
	members := []hottier.Record{
		member("ent-1", 1, base, 0.9),
		member("ent-1", 2, base.Add(time.Minute), 0.1),
	}

	out := Aggregate(members, 6*time.Hour, 0.7, 30*24*time.Hour)

	if len(out) != 2 {
		t.Fatalf("got %d records, want 2 (small high-importance group kept individual)", len(out))
	}
	for _, r := range out {
		if r.IsAggregated {
			t.Errorf("expected individual records, got aggregated: %+v", r)
		}
		if r.Count != 1 {
			t.Errorf("count = %d, want 1", r.Count)
		}
	}
}

func TestAggregateCollapsesLargerOrLowImportanceGroups(t *testing.T) {
	base := time.Date(2026, 7, 29, 9, 0, 0, 0, time.UTC)
	members := []hottier.Record{
		member("ent-1", 1, base, 0.2),
		member("ent-1", 2, base.Add(time.Minute), 0.2),
		member("ent-1", 3, base.Add(2*time.Minute), 0.2),
		member("ent-1", 4, base.Add(3*time.Minute), 0.2),
		member("ent-1", 5, base.Add(4*time.Minute), 0.2),
	}

	out := Aggregate(members, 6*time.Hour, 0.7, 30*24*time.Hour)

	if len(out) != 1 {
		t.Fatalf("got %d records, want 1 aggregated record", len(out))
	}
	if out[0].Count != 5 {
		t.Errorf("count = %d, want 5", out[0].Count)
	}
	if !out[0].IsAggregated {
		t.Error("expected the group to be aggregated")
	}
}

func TestWriteRecordsAndGetByEntity(t *testing.T) {
	rec := newTestRecorder(t)
	ctx := context.Background()

	base := time.Date(2026, 7, 29, 9, 0, 0, 0, time.UTC)
	records := []Record{
		BuildAggregatedRecord("", []hottier.Record{member("ent-1", 1, base, 0.2)}, 24*time.Hour),
		BuildAggregatedRecord("", []hottier.Record{member("ent-1", 2, base.Add(time.Hour), 0.3)}, 24*time.Hour),
	}
	if err := rec.WriteRecords(ctx, records); err != nil {
		t.Fatalf("WriteRecords: %v", err)
	}

	got, err := rec.GetByEntity(ctx, "ent-1", 10, 0)
	if err != nil {
		t.Fatalf("GetByEntity: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d records, want 2", len(got))
	}
	if !got[0].Timestamp.After(got[1].Timestamp) {
		t.Errorf("expected newest-first ordering")
	}
}

func TestGetStatisticsSummarizesAggregationAndCounts(t *testing.T) {
	rec := newTestRecorder(t)
	ctx := context.Background()

	base := time.Date(2026, 7, 29, 9, 0, 0, 0, time.UTC)
	aggregated := BuildAggregatedRecord("g1", []hottier.Record{
		member("ent-1", 1, base, 0.2),
		member("ent-1", 2, base.Add(time.Minute), 0.2),
		member("ent-1", 3, base.Add(2*time.Minute), 0.2),
	}, 24*time.Hour)
	individual := BuildAggregatedRecord("", []hottier.Record{member("ent-2", 4, base, 0.8)}, 24*time.Hour)

	if err := rec.WriteRecords(ctx, []Record{aggregated, individual}); err != nil {
		t.Fatalf("WriteRecords: %v", err)
	}

	stats, err := rec.GetStatistics(ctx)
	if err != nil {
		t.Fatalf("GetStatistics: %v", err)
	}
	if stats.TotalCount != 2 {
		t.Fatalf("total count = %d, want 2", stats.TotalCount)
	}
	if stats.ByAggregationStatus["aggregated"] != 1 || stats.ByAggregationStatus["individual"] != 1 {
		t.Errorf("aggregation status = %+v, want 1 aggregated, 1 individual", stats.ByAggregationStatus)
	}
	if stats.CountSum != 4 {
		t.Errorf("count sum = %d, want 4", stats.CountSum)
	}
	if stats.CountMax != 3 || stats.CountMin != 1 {
		t.Errorf("count min/max = %d/%d, want 1/3", stats.CountMin, stats.CountMax)
	}
}

func TestBuildAggregatedRecordScalesTTLByActivityType(t *testing.T) {
	base := time.Date(2026, 7, 29, 9, 0, 0, 0, time.UTC)
	baseTTL := 24 * time.Hour

	modifyMember := member("ent-1", 1, base, 0.2)
	deleteMember := modifyMember
	deleteMember.ActivityType = usn.ActivityDelete

	modifyRecord := BuildAggregatedRecord("", []hottier.Record{modifyMember}, baseTTL)
	deleteRecord := BuildAggregatedRecord("", []hottier.Record{deleteMember}, baseTTL)

	// Both TTLs are computed off time.Now() a moment apart, so their
	// difference should match (delete multiplier - modify multiplier) *
	// baseTTL to within a generous clock-drift tolerance.
	gotDiff := deleteRecord.TTLTimestamp.Sub(modifyRecord.TTLTimestamp)
	wantDiff := baseTTL / 2 // delete is 1.5x, modify has no override (1.0x)
	tolerance := time.Second

	if gotDiff < wantDiff-tolerance || gotDiff > wantDiff+tolerance {
		t.Errorf("delete-vs-modify ttl gap = %s, want ~%s", gotDiff, wantDiff)
	}
}
