package entity

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/crypto/blake2b"

	"usntiered/internal/errs"
	"usntiered/internal/entity/rcache"
	"usntiered/internal/logger"
	"usntiered/internal/store"
	"usntiered/internal/usn"
)

const collectionName = "entities"

// Resolver maps (volume, FRN) and (volume, path) pairs to stable entity
// UUIDs, backed by two in-memory ARC caches in front of the entity
// collection.
type Resolver struct {
	entities store.Collection

	frnCache  *rcache.Cache
	pathCache *rcache.Cache

	// updateDedup suppresses re-application of an identical
	// (volume, activity_type, timestamp, entity_id) metadata update,
	// satisfying the idempotence invariant in §4.4.
	updateDedup *rcache.Cache

	mu          sync.Mutex
	volumeGUIDs map[string]string
}

// NewResolver constructs a Resolver backed by the entities collection of
// s, ensuring its secondary indices exist.
func NewResolver(ctx context.Context, s store.Store) (*Resolver, error) {
	col, err := s.Collection(ctx, collectionName)
	if err != nil {
		return nil, fmt.Errorf("opening entity collection: %w", err)
	}
	if err := col.EnsureIndex(ctx, "properties.volume"); err != nil {
		logger.Warn("entity collection index on volume failed, falling back to linear scan: %v", err)
	}

	return &Resolver{
		entities:    col,
		frnCache:    rcache.New(rcache.DefaultConfig()),
		pathCache:   rcache.New(rcache.DefaultConfig()),
		updateDedup: rcache.New(rcache.Config{MaxSize: 20000, TTL: 10 * time.Minute, CleanupInterval: time.Minute}),
		volumeGUIDs: make(map[string]string),
	}, nil
}

// SetVolumeGUID records the volume-GUID mapping for a drive letter, used
// by the path construction policy.
func (r *Resolver) SetVolumeGUID(driveLetter, guid string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.volumeGUIDs[driveLetter] = guid
}

func frnCacheKey(volume string, frn uint64) string {
	return volume + "\x00" + FRNHex(frn)
}

func pathCacheKey(volume, path string) string {
	return volume + "\x00" + path
}

// CanonicalPath applies the path construction policy (§4.4): if a
// volume-GUID mapping is known, the canonical path is
// \\?\Volume{GUID}\<name>; otherwise <drive>:\<name>.
func (r *Resolver) CanonicalPath(volume, name string) string {
	r.mu.Lock()
	guid, ok := r.volumeGUIDs[volume]
	r.mu.Unlock()
	if ok {
		return fmt.Sprintf(`\\?\Volume{%s}\%s`, guid, name)
	}
	return fmt.Sprintf(`%s\%s`, volume, name)
}

// ResolveOrCreate implements §4.4's resolve_or_create: it returns the
// stable entity_id for (volume, frn), minting and persisting a new
// EntityRecord if none exists yet, or reattaching an existing
// path-matched entity to a reassigned FRN.
func (r *Resolver) ResolveOrCreate(ctx context.Context, volume string, frn uint64, path string, isDirectory bool) (string, error) {
	ctx = contextOrBackground(ctx)

	fKey := frnCacheKey(volume, frn)
	if v, ok := r.frnCache.Get(fKey); ok {
		return v.(string), nil
	}

	rec, found, err := r.findByFRN(ctx, volume, frn)
	if err != nil {
		return "", err
	}
	if found {
		r.frnCache.Set(fKey, rec.EntityID, int64(len(rec.EntityID)))
		r.pathCache.Set(pathCacheKey(volume, rec.Properties.FilePath), rec.EntityID, int64(len(rec.EntityID)))
		return rec.EntityID, nil
	}

	pKey := pathCacheKey(volume, path)
	if v, ok := r.pathCache.Get(pKey); ok {
		entityID := v.(string)
		if err := r.reassignFRN(ctx, entityID, volume, frn); err != nil {
			return "", err
		}
		r.frnCache.Set(fKey, entityID, int64(len(entityID)))
		return entityID, nil
	}

	rec, found, err = r.findByPath(ctx, volume, path)
	if err != nil {
		return "", err
	}
	if found {
		if err := r.reassignFRN(ctx, rec.EntityID, volume, frn); err != nil {
			return "", err
		}
		r.frnCache.Set(fKey, rec.EntityID, int64(len(rec.EntityID)))
		r.pathCache.Set(pKey, rec.EntityID, int64(len(rec.EntityID)))
		return rec.EntityID, nil
	}

	return r.create(ctx, volume, frn, path, isDirectory)
}

func (r *Resolver) findByFRN(ctx context.Context, volume string, frn uint64) (Record, bool, error) {
	docs, err := r.entities.Find(ctx, store.Query{
		Filters: []store.FilterClause{
			{Field: "properties.volume", Op: store.OpEq, Value: volume},
		},
		Limit: 4096,
	})
	if err != nil {
		return Record{}, false, fmt.Errorf("finding entity by frn: %w", err)
	}
	frnHex := FRNHex(frn)
	for _, d := range docs {
		rec := recordFromDocument(d)
		if rec.Properties.Deleted {
			continue
		}
		if rec.Properties.FileReferenceNumber == frnHex {
			return rec, true, nil
		}
	}
	return Record{}, false, nil
}

func (r *Resolver) findByPath(ctx context.Context, volume, path string) (Record, bool, error) {
	docs, err := r.entities.Find(ctx, store.Query{
		Filters: []store.FilterClause{
			{Field: "properties.volume", Op: store.OpEq, Value: volume},
		},
		Limit: 4096,
	})
	if err != nil {
		return Record{}, false, fmt.Errorf("finding entity by path: %w", err)
	}
	// Most-recent entity claiming the path wins, per the uniqueness
	// invariant; the entity with the latest ModifiedAt is taken as the
	// most recent observer.
	var best Record
	var found bool
	for _, d := range docs {
		rec := recordFromDocument(d)
		if rec.Properties.FilePath == path && (!found || rec.ModifiedAt > best.ModifiedAt) {
			best = rec
			found = true
		}
	}
	return best, found, nil
}

func (r *Resolver) reassignFRN(ctx context.Context, entityID, volume string, frn uint64) error {
	doc, ok, err := r.entities.Get(ctx, entityID)
	if err != nil {
		return fmt.Errorf("reassigning frn for %s: %w", entityID, err)
	}
	if !ok {
		return fmt.Errorf("reassigning frn: entity %s vanished: %w", entityID, errs.ErrBackendFatal)
	}
	rec := recordFromDocument(doc)
	rec.Properties.FileReferenceNumber = FRNHex(frn)
	rec.Properties.Volume = volume
	rec.ModifiedAt = time.Now().UTC().Format(time.RFC3339)
	return r.entities.Put(ctx, entityID, rec.toDocument())
}

func (r *Resolver) create(ctx context.Context, volume string, frn uint64, path string, isDirectory bool) (string, error) {
	now := time.Now().UTC().Format(time.RFC3339)
	entityID := NewEntityID()

	rec := Record{
		EntityID: entityID,
		Label:    basename(path),
		Properties: Properties{
			FileReferenceNumber: FRNHex(frn),
			Volume:              volume,
			FilePath:            path,
			IsDirectory:         isDirectory,
			LastAccessed:        now,
			LastModified:        now,
		},
		CreatedAt:  now,
		ModifiedAt: now,
	}

	if err := r.entities.Put(ctx, entityID, rec.toDocument()); err != nil {
		return "", fmt.Errorf("creating entity: %w", err)
	}

	r.frnCache.Set(frnCacheKey(volume, frn), entityID, int64(len(entityID)))
	r.pathCache.Set(pathCacheKey(volume, path), entityID, int64(len(entityID)))
	return entityID, nil
}

func basename(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '\\' || path[i] == '/' {
			return path[i+1:]
		}
	}
	return path
}

// UpdateEntityMetadata applies update_entity_metadata (§4.4) for a single
// event, suppressing duplicate application of the same
// (volume, activity_type, timestamp, entity_id) tuple via a bounded LRU.
func (r *Resolver) UpdateEntityMetadata(ctx context.Context, volume, entityID string, upd MetadataUpdate) error {
	ctx = contextOrBackground(ctx)

	key := dedupKey(volume, entityID, upd)
	if _, seen := r.updateDedup.Get(key); seen {
		return nil
	}

	doc, ok, err := r.entities.Get(ctx, entityID)
	if err != nil {
		return fmt.Errorf("updating entity metadata for %s: %w", entityID, err)
	}
	if !ok {
		return fmt.Errorf("updating entity metadata: entity %s not found: %w", entityID, errs.ErrBackendFatal)
	}

	rec := recordFromDocument(doc)
	applyMetadataUpdate(&rec, upd)

	if upd.ActivityType == usn.ActivityRename && upd.NewPath != "" {
		r.pathCache.Set(pathCacheKey(volume, upd.NewPath), entityID, int64(len(entityID)))
	}

	if err := r.entities.Put(ctx, entityID, rec.toDocument()); err != nil {
		return fmt.Errorf("persisting entity metadata update for %s: %w", entityID, err)
	}

	r.updateDedup.Set(key, true, 1)
	return nil
}

func dedupKey(volume, entityID string, upd MetadataUpdate) string {
	h, _ := blake2b.New256(nil)
	fmt.Fprintf(h, "%s|%s|%s|%s", volume, upd.ActivityType, upd.Timestamp.UTC().Format(time.RFC3339Nano), entityID)
	return fmt.Sprintf("%x", h.Sum(nil))
}

// RecordAccess increments the entity's access_count, feeding the
// frequency sub-score. It is the query-feedback hook referenced in §9's
// Open Question resolution: hottier.Recorder.IncrementSearchHit invokes it
// when a search hit is recorded on one of the entity's activities. Ingest
// and the other hot-tier read methods do not call it.
func (r *Resolver) RecordAccess(ctx context.Context, entityID string) error {
	ctx = contextOrBackground(ctx)
	doc, ok, err := r.entities.Get(ctx, entityID)
	if err != nil {
		return fmt.Errorf("recording access for %s: %w", entityID, err)
	}
	if !ok {
		return nil
	}
	rec := recordFromDocument(doc)
	rec.Properties.AccessCount++
	return r.entities.Put(ctx, entityID, rec.toDocument())
}

// SetImportanceBoost is an operator-only setter (not invoked by any
// ingest path) for manually weighting an entity's future scores upward,
// e.g. from an external "pin this file" action.
func (r *Resolver) SetImportanceBoost(ctx context.Context, entityID string, boost float64) error {
	ctx = contextOrBackground(ctx)
	doc, ok, err := r.entities.Get(ctx, entityID)
	if err != nil {
		return fmt.Errorf("setting importance boost for %s: %w", entityID, err)
	}
	if !ok {
		return fmt.Errorf("setting importance boost: entity %s not found: %w", entityID, errs.ErrBackendFatal)
	}
	rec := recordFromDocument(doc)
	rec.Properties.ImportanceBoost = boost
	return r.entities.Put(ctx, entityID, rec.toDocument())
}

// Get returns the current EntityRecord for entityID.
func (r *Resolver) Get(ctx context.Context, entityID string) (Record, bool, error) {
	ctx = contextOrBackground(ctx)
	doc, ok, err := r.entities.Get(ctx, entityID)
	if err != nil || !ok {
		return Record{}, ok, err
	}
	return recordFromDocument(doc), true, nil
}
