// Package warmtier implements the warm-tier recorder (C7): the compact,
// aggregated storage format hot-tier records transition into, plus its
// query surface and statistics. Grouping and aggregation follow
// group_activities_for_aggregation/create_aggregated_activity/
// aggregate_activities from the NTFS warm tier recorder this was
// distilled from.
package warmtier

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"usntiered/internal/hottier"
	"usntiered/internal/logger"
	"usntiered/internal/store"
	"usntiered/internal/usn"
)

const collectionName = "warm_activities"

// Record is the persisted WarmTierRecord (§3): the ActivityEvent fields
// except the hot-tier TTL, plus aggregation bookkeeping. The hot record's
// USN and transitioned flag are not carried over.
type Record struct {
	ActivityID                string
	EntityID                  string
	Volume                    string
	FileName                  string
	FilePath                  string
	IsDirectory               bool
	FileReferenceNumber       string
	ParentFileReferenceNumber string
	ActivityType              usn.ActivityType
	ReasonFlags               uint32
	Timestamp                 time.Time
	EndTimestamp              time.Time
	ImportanceScore           float64
	SearchHits                uint32
	IsAggregated              bool
	Count                     int
	AggregationGroup          string
	OriginalIDs               []string
	TTLTimestamp              time.Time
	Attributes                map[string]any
}

// ttlMultiplierByType scales the base warm TTL per activity type, adapted
// from temporal_retention.go's per-type RetentionPolicy map: security and
// lifecycle events (create/delete/rename/security_change) are worth
// keeping around longer than routine attribute churn.
var ttlMultiplierByType = map[usn.ActivityType]float64{
	usn.ActivityCreate:          1.5,
	usn.ActivityDelete:          1.5,
	usn.ActivityRename:          1.25,
	usn.ActivitySecurityChange:  1.5,
	usn.ActivityAttributeChange: 0.5,
	usn.ActivityClose:           0.5,
}

func ttlForType(activityType usn.ActivityType, baseTTL time.Duration) time.Duration {
	mult, ok := ttlMultiplierByType[activityType]
	if !ok {
		return baseTTL
	}
	return time.Duration(float64(baseTTL) * mult)
}

func (r Record) toDocument() store.Document {
	return store.Document{
		"activity_id":                  r.ActivityID,
		"entity_id":                    r.EntityID,
		"volume_name":                  r.Volume,
		"file_name":                    r.FileName,
		"file_path":                    r.FilePath,
		"is_directory":                 r.IsDirectory,
		"file_reference_number":        r.FileReferenceNumber,
		"parent_file_reference_number": r.ParentFileReferenceNumber,
		"activity_type":                string(r.ActivityType),
		"reason_flags":                 r.ReasonFlags,
		"timestamp":                    r.Timestamp.UTC().Format(time.RFC3339),
		"end_timestamp":                r.EndTimestamp.UTC().Format(time.RFC3339),
		"importance_score":             r.ImportanceScore,
		"search_hits":                  r.SearchHits,
		"is_aggregated":                r.IsAggregated,
		"count":                        r.Count,
		"aggregation_group":            r.AggregationGroup,
		"original_ids":                 r.OriginalIDs,
		"ttl_timestamp":                r.TTLTimestamp.UTC().Format(time.RFC3339),
		"attributes":                   r.Attributes,
	}
}

func recordFromDocument(doc store.Document) Record {
	var rec Record
	if v, ok := doc["activity_id"].(string); ok {
		rec.ActivityID = v
	}
	if v, ok := doc["entity_id"].(string); ok {
		rec.EntityID = v
	}
	if v, ok := doc["volume_name"].(string); ok {
		rec.Volume = v
	}
	if v, ok := doc["file_name"].(string); ok {
		rec.FileName = v
	}
	if v, ok := doc["file_path"].(string); ok {
		rec.FilePath = v
	}
	if v, ok := doc["is_directory"].(bool); ok {
		rec.IsDirectory = v
	}
	if v, ok := doc["file_reference_number"].(string); ok {
		rec.FileReferenceNumber = v
	}
	if v, ok := doc["parent_file_reference_number"].(string); ok {
		rec.ParentFileReferenceNumber = v
	}
	if v, ok := doc["activity_type"].(string); ok {
		rec.ActivityType = usn.ActivityType(v)
	}
	if v, ok := numeric(doc["reason_flags"]); ok {
		rec.ReasonFlags = uint32(v)
	}
	if v, ok := doc["timestamp"].(string); ok {
		rec.Timestamp, _ = time.Parse(time.RFC3339, v)
	}
	if v, ok := doc["end_timestamp"].(string); ok {
		rec.EndTimestamp, _ = time.Parse(time.RFC3339, v)
	}
	if v, ok := numeric(doc["importance_score"]); ok {
		rec.ImportanceScore = v
	}
	if v, ok := numeric(doc["search_hits"]); ok {
		rec.SearchHits = uint32(v)
	}
	if v, ok := doc["is_aggregated"].(bool); ok {
		rec.IsAggregated = v
	}
	if v, ok := numeric(doc["count"]); ok {
		rec.Count = int(v)
	}
	if v, ok := doc["aggregation_group"].(string); ok {
		rec.AggregationGroup = v
	}
	if v, ok := doc["original_ids"].([]any); ok {
		ids := make([]string, 0, len(v))
		for _, id := range v {
			if s, ok := id.(string); ok {
				ids = append(ids, s)
			}
		}
		rec.OriginalIDs = ids
	} else if v, ok := doc["original_ids"].([]string); ok {
		rec.OriginalIDs = v
	}
	if v, ok := doc["ttl_timestamp"].(string); ok {
		rec.TTLTimestamp, _ = time.Parse(time.RFC3339, v)
	}
	if v, ok := doc["attributes"].(map[string]any); ok {
		rec.Attributes = v
	}
	return rec
}

func numeric(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	default:
		return 0, false
	}
}

// GroupKey computes the (entity_id, activity_type, time_window) key
// group_activities_for_aggregation derives, where time_window truncates
// the hour-of-day to aggregationWindow-sized buckets.
func GroupKey(r hottier.Record, aggregationWindow time.Duration) string {
	windowHours := int(aggregationWindow.Hours())
	if windowHours <= 0 {
		windowHours = 6
	}
	ts := r.Timestamp.UTC()
	windowNumber := ts.Hour() / windowHours
	return fmt.Sprintf("%s_%s_%s_%d", r.EntityID, r.ActivityType, ts.Format("2006-01-02"), windowNumber)
}

// GroupForAggregation buckets members by GroupKey.
func GroupForAggregation(members []hottier.Record, aggregationWindow time.Duration) map[string][]hottier.Record {
	groups := make(map[string][]hottier.Record)
	for _, m := range members {
		key := GroupKey(m, aggregationWindow)
		groups[key] = append(groups[key], m)
	}
	return groups
}

// BuildAggregatedRecord creates one WarmTierRecord from group, using the
// earliest member timestamp as Timestamp, the latest as EndTimestamp, and
// the maximum member importance (§4.7 step 5, §3 invariant). A
// single-member group yields count=1, is_aggregated=false, and
// Timestamp == EndTimestamp.
func BuildAggregatedRecord(groupKey string, group []hottier.Record, warmTTL time.Duration) Record {
	first := group[0]
	start, end := first.Timestamp, first.Timestamp
	maxImportance := first.ImportanceScore
	ids := make([]string, 0, len(group))

	for _, m := range group {
		if m.Timestamp.Before(start) {
			start = m.Timestamp
		}
		if m.Timestamp.After(end) {
			end = m.Timestamp
		}
		if m.ImportanceScore > maxImportance {
			maxImportance = m.ImportanceScore
		}
		ids = append(ids, m.ActivityID)
	}

	attrs := map[string]any{
		"is_warm_tier":     true,
		"aggregated_count": len(group),
	}
	for k, v := range first.Attributes {
		if _, exists := attrs[k]; !exists {
			attrs[k] = v
		}
	}

	return Record{
		ActivityID:                uuid.NewString(),
		EntityID:                  first.EntityID,
		Volume:                    first.Volume,
		FileName:                  first.FileName,
		FilePath:                  first.FilePath,
		IsDirectory:               first.IsDirectory,
		FileReferenceNumber:       first.FileReferenceNumber,
		ParentFileReferenceNumber: first.ParentFileReferenceNumber,
		ActivityType:              first.ActivityType,
		ReasonFlags:               first.ReasonFlags,
		Timestamp:                 start,
		EndTimestamp:              end,
		ImportanceScore:           maxImportance,
		SearchHits:                first.SearchHits,
		IsAggregated:              len(group) > 1,
		Count:                     len(group),
		AggregationGroup:          groupKey,
		OriginalIDs:               ids,
		TTLTimestamp:              time.Now().UTC().Add(ttlForType(first.ActivityType, warmTTL)),
		Attributes:                attrs,
	}
}

// Aggregate implements §4.7 steps 4-5 for the medium/low importance
// partitions: groups members, then for any group smaller than 3 whose
// member importance is already >= highThreshold, falls back to
// individual per-member records instead of aggregating (a small but
// already-important group isn't worth collapsing).
func Aggregate(members []hottier.Record, aggregationWindow time.Duration, highThreshold float64, warmTTL time.Duration) []Record {
	groups := GroupForAggregation(members, aggregationWindow)
	out := make([]Record, 0, len(groups))
	for key, group := range groups {
		if len(group) < 3 && group[0].ImportanceScore >= highThreshold {
			for _, m := range group {
				rec := BuildAggregatedRecord(key, []hottier.Record{m}, warmTTL)
				out = append(out, rec)
			}
			continue
		}
		out = append(out, BuildAggregatedRecord(key, group, warmTTL))
	}
	return out
}

// SingletonRecord builds an unaggregated WarmTierRecord for a single
// source record, used for the high-importance partition which is kept
// one-to-one and never aggregated (§4.7 step 3).
func SingletonRecord(m hottier.Record, warmTTL time.Duration) Record {
	return BuildAggregatedRecord("", []hottier.Record{m}, warmTTL)
}

// Recorder is the C7 warm-tier recorder.
type Recorder struct {
	col store.Collection
}

// NewRecorder opens the warm-tier collection on s and ensures its
// secondary indices.
func NewRecorder(ctx context.Context, s store.Store) (*Recorder, error) {
	col, err := s.Collection(ctx, collectionName)
	if err != nil {
		return nil, fmt.Errorf("opening warm tier collection: %w", err)
	}

	for _, field := range []string{"timestamp", "entity_id", "activity_type", "importance_score", "is_aggregated"} {
		if err := col.EnsureIndex(ctx, field); err != nil {
			logger.Warn("warmtier: index on %s failed, falling back to linear scan: %v", field, err)
		}
	}
	if err := col.EnsureTTLIndex(ctx, "ttl_timestamp"); err != nil {
		logger.Warn("warmtier: ttl index on ttl_timestamp failed, records will not auto-expire: %v", err)
	}

	return &Recorder{col: col}, nil
}

// WriteRecords persists records, keyed by their own activity ids.
func (rec *Recorder) WriteRecords(ctx context.Context, records []Record) error {
	for _, r := range records {
		if err := rec.col.Put(ctx, r.ActivityID, r.toDocument()); err != nil {
			return fmt.Errorf("writing warm tier record %s: %w", r.ActivityID, err)
		}
	}
	return nil
}

// GetByEntity returns entityID's warm-tier records, newest first.
func (rec *Recorder) GetByEntity(ctx context.Context, entityID string, limit, offset int) ([]Record, error) {
	docs, err := rec.col.Find(ctx, store.Query{
		Filters: []store.FilterClause{{Field: "entity_id", Op: store.OpEq, Value: entityID}},
		Sort:    []store.SortClause{{Field: "timestamp", Direction: store.Descending}},
		Limit:   limit,
		Offset:  offset,
	})
	if err != nil {
		return nil, fmt.Errorf("getting warm tier activities by entity: %w", err)
	}
	return recordsFromDocuments(docs), nil
}

// GetByType returns warm-tier records of a single activity type, newest first.
func (rec *Recorder) GetByType(ctx context.Context, activityType usn.ActivityType, limit, offset int) ([]Record, error) {
	docs, err := rec.col.Find(ctx, store.Query{
		Filters: []store.FilterClause{{Field: "activity_type", Op: store.OpEq, Value: string(activityType)}},
		Sort:    []store.SortClause{{Field: "timestamp", Direction: store.Descending}},
		Limit:   limit,
		Offset:  offset,
	})
	if err != nil {
		return nil, fmt.Errorf("getting warm tier activities by type: %w", err)
	}
	return recordsFromDocuments(docs), nil
}

// GetByTimeWindow returns warm-tier records with start <= timestamp <=
// end, newest first.
func (rec *Recorder) GetByTimeWindow(ctx context.Context, start, end time.Time, limit, offset int) ([]Record, error) {
	docs, err := rec.col.Find(ctx, store.Query{
		Filters: []store.FilterClause{
			{Field: "timestamp", Op: store.OpGte, Value: start.UTC().Format(time.RFC3339)},
			{Field: "timestamp", Op: store.OpLte, Value: end.UTC().Format(time.RFC3339)},
		},
		Sort:   []store.SortClause{{Field: "timestamp", Direction: store.Descending}},
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		return nil, fmt.Errorf("getting warm tier activities by time window: %w", err)
	}
	return recordsFromDocuments(docs), nil
}

// Statistics summarizes the warm tier's current contents.
type Statistics struct {
	TotalCount          int64
	ByType              map[string]int64
	ByImportance        map[string]int64
	ByAggregationStatus map[string]int64
	ByDayOfAge          map[string]int64
	CountSum            int64
	CountAvg            float64
	CountMin            int64
	CountMax            int64
}

// GetStatistics computes totals by type, importance bucket
// (floor(score*10)/10), aggregation status, day-of-age, and the
// sum/avg/min/max of each record's source-event count.
func (rec *Recorder) GetStatistics(ctx context.Context) (Statistics, error) {
	docs, err := rec.col.Find(ctx, store.Query{})
	if err != nil {
		return Statistics{}, fmt.Errorf("computing warm tier statistics: %w", err)
	}

	stats := Statistics{
		ByType:              make(map[string]int64),
		ByImportance:        make(map[string]int64),
		ByAggregationStatus: make(map[string]int64),
		ByDayOfAge:          make(map[string]int64),
		CountMin:            -1,
	}
	now := time.Now().UTC()

	for _, d := range docs {
		r := recordFromDocument(d)
		stats.TotalCount++
		stats.ByType[string(r.ActivityType)]++

		bucket := math.Floor(r.ImportanceScore*10) / 10
		stats.ByImportance[fmt.Sprintf("%.1f", bucket)]++

		if r.IsAggregated {
			stats.ByAggregationStatus["aggregated"]++
		} else {
			stats.ByAggregationStatus["individual"]++
		}

		daysAgo := int(math.Floor(now.Sub(r.Timestamp).Hours() / 24))
		if daysAgo < 0 {
			daysAgo = 0
		}
		stats.ByDayOfAge[fmt.Sprintf("%d days ago", daysAgo)]++

		stats.CountSum += int64(r.Count)
		if stats.CountMin < 0 || int64(r.Count) < stats.CountMin {
			stats.CountMin = int64(r.Count)
		}
		if int64(r.Count) > stats.CountMax {
			stats.CountMax = int64(r.Count)
		}
	}

	if stats.TotalCount > 0 {
		stats.CountAvg = float64(stats.CountSum) / float64(stats.TotalCount)
	} else {
		stats.CountMin = 0
	}

	return stats, nil
}

func recordsFromDocuments(docs []store.Document) []Record {
	out := make([]Record, len(docs))
	for i, d := range docs {
		out[i] = recordFromDocument(d)
	}
	return out
}
