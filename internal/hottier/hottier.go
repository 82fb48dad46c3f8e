// Package hottier implements the hot-tier recorder (C6): the ingest
// pipeline that enhances each journal event with a TTL and importance
// score, resolves its entity, and writes one document per activity, plus
// the query surface and statistics used by downstream consumers and the
// transition manager.
package hottier

import (
	"context"
	"fmt"
	"math"
	"time"

	"golang.org/x/crypto/blake2b"

	"usntiered/internal/entity"
	"usntiered/internal/journal"
	"usntiered/internal/logger"
	"usntiered/internal/scoring"
	"usntiered/internal/store"
	"usntiered/internal/usn"
)

const collectionName = "hot_activities"

// Record is the persisted ActivityEvent (§3).
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
	USN                       int64
	ImportanceScore           float64
	SearchHits                uint32
	TTLTimestamp              time.Time
	Transitioned              bool
	Attributes                map[string]any
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
		"usn":                          r.USN,
		"importance_score":             r.ImportanceScore,
		"search_hits":                  r.SearchHits,
		"ttl_timestamp":                r.TTLTimestamp.UTC().Format(time.RFC3339),
		"transitioned":                 r.Transitioned,
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
	if v, ok := numeric(doc["usn"]); ok {
		rec.USN = int64(v)
	}
	if v, ok := numeric(doc["importance_score"]); ok {
		rec.ImportanceScore = v
	}
	if v, ok := numeric(doc["search_hits"]); ok {
		rec.SearchHits = uint32(v)
	}
	if v, ok := doc["ttl_timestamp"].(string); ok {
		rec.TTLTimestamp, _ = time.Parse(time.RFC3339, v)
	}
	if v, ok := doc["transitioned"].(bool); ok {
		rec.Transitioned = v
	}
	if v, ok := doc["attributes"].(map[string]any); ok {
		rec.Attributes = v
	}
	return rec
}

// numeric normalizes the two shapes a JSON-backed store.Document can hand
// back for a number (float64 from json.Unmarshal, or the original Go
// numeric type when the document never round-tripped through JSON).
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

// Recorder is the C6 hot-tier recorder. It implements journal.Sink.
type Recorder struct {
	col      store.Collection
	resolver *entity.Resolver
	scorer   *scoring.Scorer
	hotTTL   time.Duration
}

// NewRecorder opens the hot-tier collection on s and ensures its
// secondary indices, logging (not failing) on index-creation errors per
// §4.6's failure semantics.
func NewRecorder(ctx context.Context, s store.Store, resolver *entity.Resolver, scorer *scoring.Scorer, hotTTL time.Duration) (*Recorder, error) {
	col, err := s.Collection(ctx, collectionName)
	if err != nil {
		return nil, fmt.Errorf("opening hot tier collection: %w", err)
	}

	for _, field := range []string{"timestamp", "file_reference_number", "entity_id", "activity_type"} {
		if err := col.EnsureIndex(ctx, field); err != nil {
			logger.Warn("hottier: index on %s failed, falling back to linear scan: %v", field, err)
		}
	}
	if err := col.EnsureTTLIndex(ctx, "ttl_timestamp"); err != nil {
		logger.Warn("hottier: ttl index on ttl_timestamp failed, records will not auto-expire: %v", err)
	}

	return &Recorder{col: col, resolver: resolver, scorer: scorer, hotTTL: hotTTL}, nil
}

// HandleEvent implements journal.Sink: it enhances ev, resolves its
// entity, and writes one hot-tier record. A returned error is fatal only
// for this one record; the journal reader logs it and continues.
func (rec *Recorder) HandleEvent(ctx context.Context, ev journal.Event) error {
	path := rec.resolver.CanonicalPath(ev.Volume, ev.FileName)

	entityID, err := rec.resolver.ResolveOrCreate(ctx, ev.Volume, ev.FileReferenceNumber, path, ev.IsDirectory)
	if err != nil {
		return fmt.Errorf("resolving entity for usn %d: %w", ev.USN, err)
	}

	entCtx := rec.entityContext(ctx, entityID)

	importance := rec.scorer.Score(scoring.Event{
		ActivityType: ev.ActivityType,
		Timestamp:    ev.Timestamp,
		FilePath:     path,
		IsDirectory:  ev.IsDirectory,
		SearchHits:   0,
	}, entCtx)

	record := Record{
		ActivityID:                activityID(ev.Volume, ev.USN),
		EntityID:                  entityID,
		Volume:                    ev.Volume,
		FileName:                  ev.FileName,
		FilePath:                  path,
		IsDirectory:               ev.IsDirectory,
		FileReferenceNumber:       entity.FRNHex(ev.FileReferenceNumber),
		ParentFileReferenceNumber: entity.FRNHex(ev.ParentFileReferenceNumber),
		ActivityType:              ev.ActivityType,
		ReasonFlags:               ev.Reason,
		Timestamp:                 ev.Timestamp,
		USN:                       ev.USN,
		ImportanceScore:           importance,
		SearchHits:                0,
		TTLTimestamp:              ev.Timestamp.Add(rec.hotTTL),
		Transitioned:              false,
		Attributes: map[string]any{
			"reason_flags_text":    usn.ReasonFlagsText(ev.Reason),
			"file_attributes_text": usn.FileAttributesText(ev.FileAttributes),
		},
	}

	if err := rec.col.Put(ctx, record.ActivityID, record.toDocument()); err != nil {
		return fmt.Errorf("writing hot tier record for usn %d: %w", ev.USN, err)
	}

	upd := entity.MetadataUpdate{ActivityType: ev.ActivityType, Timestamp: ev.Timestamp}
	if ev.ActivityType == usn.ActivityRename {
		upd.NewPath = path
	}
	if err := rec.resolver.UpdateEntityMetadata(ctx, ev.Volume, entityID, upd); err != nil {
		logger.Warn("hottier: best-effort entity metadata update for %s failed: %v", entityID, err)
	}

	return nil
}

// activityID derives a stable hot-tier row key from volume+USN, so
// re-ingesting the same journal record (after a crash between cursor
// flushes) upserts the existing row instead of minting a duplicate.
func activityID(volumeName string, usnVal int64) string {
	h, _ := blake2b.New256(nil)
	fmt.Fprintf(h, "%s|%d", volumeName, usnVal)
	return fmt.Sprintf("%x", h.Sum(nil))
}

func (rec *Recorder) entityContext(ctx context.Context, entityID string) *scoring.EntityContext {
	entRec, found, err := rec.resolver.Get(ctx, entityID)
	if err != nil {
		logger.Warn("hottier: fetching entity %s for scoring failed: %v", entityID, err)
		return nil
	}
	if !found {
		return nil
	}
	createdAt, _ := time.Parse(time.RFC3339, entRec.CreatedAt)
	return &scoring.EntityContext{
		CreatedAt:       createdAt,
		AccessCount:     entRec.Properties.AccessCount,
		ImportanceBoost: entRec.Properties.ImportanceBoost,
	}
}

// GetActivitiesByEntity returns entityID's activities, newest first.
func (rec *Recorder) GetActivitiesByEntity(ctx context.Context, entityID string, limit, offset int) ([]Record, error) {
	docs, err := rec.col.Find(ctx, store.Query{
		Filters: []store.FilterClause{{Field: "entity_id", Op: store.OpEq, Value: entityID}},
		Sort:    []store.SortClause{{Field: "timestamp", Direction: store.Descending}},
		Limit:   limit,
		Offset:  offset,
	})
	if err != nil {
		return nil, fmt.Errorf("getting activities by entity: %w", err)
	}
	return recordsFromDocuments(docs), nil
}

// GetActivitiesByTimeWindow returns activities with start <= timestamp <=
// end (both normalized to UTC), newest first.
func (rec *Recorder) GetActivitiesByTimeWindow(ctx context.Context, start, end time.Time, limit, offset int) ([]Record, error) {
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
		return nil, fmt.Errorf("getting activities by time window: %w", err)
	}
	return recordsFromDocuments(docs), nil
}

// GetRecentActivities is a convenience wrapper over GetActivitiesByTimeWindow
// for the last `hours` hours.
func (rec *Recorder) GetRecentActivities(ctx context.Context, hours int, limit, offset int) ([]Record, error) {
	end := time.Now().UTC()
	start := end.Add(-time.Duration(hours) * time.Hour)
	return rec.GetActivitiesByTimeWindow(ctx, start, end, limit, offset)
}

// GetActivitiesByType returns activities of a single activity type,
// newest first.
func (rec *Recorder) GetActivitiesByType(ctx context.Context, activityType usn.ActivityType, limit, offset int) ([]Record, error) {
	docs, err := rec.col.Find(ctx, store.Query{
		Filters: []store.FilterClause{{Field: "activity_type", Op: store.OpEq, Value: string(activityType)}},
		Sort:    []store.SortClause{{Field: "timestamp", Direction: store.Descending}},
		Limit:   limit,
		Offset:  offset,
	})
	if err != nil {
		return nil, fmt.Errorf("getting activities by type: %w", err)
	}
	return recordsFromDocuments(docs), nil
}

// IncrementSearchHit atomically bumps activityID's search_hits counter
// and feeds the access back to the owning entity's access_count, per the
// resolution in DESIGN.md's Open Question #2.
func (rec *Recorder) IncrementSearchHit(ctx context.Context, activityID string) error {
	doc, ok, err := rec.col.Get(ctx, activityID)
	if err != nil {
		return fmt.Errorf("incrementing search hit for %s: %w", activityID, err)
	}
	if !ok {
		return fmt.Errorf("incrementing search hit: activity %s not found", activityID)
	}

	existing := recordFromDocument(doc)
	if err := rec.col.Update(ctx, activityID, store.Document{"search_hits": existing.SearchHits + 1}); err != nil {
		return fmt.Errorf("incrementing search hit for %s: %w", activityID, err)
	}

	if existing.EntityID != "" {
		if err := rec.resolver.RecordAccess(ctx, existing.EntityID); err != nil {
			logger.Warn("hottier: recording access for entity %s failed: %v", existing.EntityID, err)
		}
	}
	return nil
}

// FindTransitionReady returns up to limit untransitioned records with
// timestamp <= threshold, oldest first (§4.7 step 1).
func (rec *Recorder) FindTransitionReady(ctx context.Context, threshold time.Time, limit int) ([]Record, error) {
	docs, err := rec.col.Find(ctx, store.Query{
		Filters: []store.FilterClause{
			{Field: "timestamp", Op: store.OpLte, Value: threshold.UTC().Format(time.RFC3339)},
			{Field: "transitioned", Op: store.OpEq, Value: false},
		},
		Sort:  []store.SortClause{{Field: "timestamp", Direction: store.Ascending}},
		Limit: limit,
	})
	if err != nil {
		return nil, fmt.Errorf("finding transition-ready activities: %w", err)
	}
	return recordsFromDocuments(docs), nil
}

// MarkTransitioned flags activityIDs as transitioned, called only after
// their warm-tier records have been durably written (§5's
// warm-before-mark-transitioned ordering).
func (rec *Recorder) MarkTransitioned(ctx context.Context, activityIDs []string) error {
	for _, id := range activityIDs {
		if err := rec.col.Update(ctx, id, store.Document{"transitioned": true}); err != nil {
			return fmt.Errorf("marking %s transitioned: %w", id, err)
		}
	}
	return nil
}

// Statistics summarizes the hot tier's current contents (§4.6
// get_hot_tier_statistics).
type Statistics struct {
	TotalCount   int64
	ByType       map[string]int64
	ByImportance map[string]int64
	ByDayOfAge   map[string]int64
}

// GetStatistics computes totals by type, by importance bucket
// (floor(score*10)/10), and by day-of-age.
func (rec *Recorder) GetStatistics(ctx context.Context) (Statistics, error) {
	docs, err := rec.col.Find(ctx, store.Query{})
	if err != nil {
		return Statistics{}, fmt.Errorf("computing hot tier statistics: %w", err)
	}

	stats := Statistics{
		ByType:       make(map[string]int64),
		ByImportance: make(map[string]int64),
		ByDayOfAge:   make(map[string]int64),
	}
	now := time.Now().UTC()

	for _, d := range docs {
		r := recordFromDocument(d)
		stats.TotalCount++
		stats.ByType[string(r.ActivityType)]++

		bucket := math.Floor(r.ImportanceScore*10) / 10
		stats.ByImportance[fmt.Sprintf("%.1f", bucket)]++

		daysAgo := int(math.Floor(now.Sub(r.Timestamp).Hours() / 24))
		if daysAgo < 0 {
			daysAgo = 0
		}
		stats.ByDayOfAge[fmt.Sprintf("%d days ago", daysAgo)]++
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
