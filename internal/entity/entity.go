// Package entity resolves raw (volume, file reference number) pairs into
// stable entity identities that survive renames, drive-letter changes,
// and FRN reassignment, and maintains the EntityRecord metadata used by
// the importance scorer.
package entity

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"usntiered/internal/store"
	"usntiered/internal/usn"
)

// Properties holds the mutable per-entity metadata tracked alongside
// identity.
type Properties struct {
	FileReferenceNumber string  `json:"file_reference_number"`
	Volume              string  `json:"volume"`
	FilePath            string  `json:"file_path"`
	IsDirectory         bool    `json:"is_directory"`
	LastAccessed        string  `json:"last_accessed"`
	LastModified        string  `json:"last_modified"`
	Deleted             bool    `json:"deleted"`
	AccessCount         uint64  `json:"access_count"`
	ImportanceBoost     float64 `json:"importance_boost"`
}

// Record is the persisted EntityRecord.
type Record struct {
	EntityID   string     `json:"entity_id"`
	Label      string     `json:"label"`
	Properties Properties `json:"properties"`
	CreatedAt  string     `json:"created_at"`
	ModifiedAt string     `json:"modified_at"`
}

func (r Record) toDocument() store.Document {
	return store.Document{
		"entity_id": r.EntityID,
		"label":     r.Label,
		"properties": map[string]any{
			"file_reference_number": r.Properties.FileReferenceNumber,
			"volume":                r.Properties.Volume,
			"file_path":             r.Properties.FilePath,
			"is_directory":          r.Properties.IsDirectory,
			"last_accessed":         r.Properties.LastAccessed,
			"last_modified":         r.Properties.LastModified,
			"deleted":               r.Properties.Deleted,
			"access_count":          r.Properties.AccessCount,
			"importance_boost":      r.Properties.ImportanceBoost,
		},
		"created_at":  r.CreatedAt,
		"modified_at": r.ModifiedAt,
	}
}

func recordFromDocument(doc store.Document) Record {
	var rec Record
	if v, ok := doc["entity_id"].(string); ok {
		rec.EntityID = v
	}
	if v, ok := doc["label"].(string); ok {
		rec.Label = v
	}
	if v, ok := doc["created_at"].(string); ok {
		rec.CreatedAt = v
	}
	if v, ok := doc["modified_at"].(string); ok {
		rec.ModifiedAt = v
	}
	if props, ok := doc["properties"].(map[string]any); ok {
		rec.Properties = propertiesFromMap(props)
	}
	return rec
}

func propertiesFromMap(m map[string]any) Properties {
	var p Properties
	if v, ok := m["file_reference_number"].(string); ok {
		p.FileReferenceNumber = v
	}
	if v, ok := m["volume"].(string); ok {
		p.Volume = v
	}
	if v, ok := m["file_path"].(string); ok {
		p.FilePath = v
	}
	if v, ok := m["is_directory"].(bool); ok {
		p.IsDirectory = v
	}
	if v, ok := m["last_accessed"].(string); ok {
		p.LastAccessed = v
	}
	if v, ok := m["last_modified"].(string); ok {
		p.LastModified = v
	}
	if v, ok := m["deleted"].(bool); ok {
		p.Deleted = v
	}
	if v, ok := m["access_count"].(float64); ok {
		p.AccessCount = uint64(v)
	}
	if v, ok := m["importance_boost"].(float64); ok {
		p.ImportanceBoost = v
	}
	return p
}

// FRNHex renders a file reference number as a 16-char lowercase hex
// string with leading zeros preserved, per the ActivityEvent contract.
func FRNHex(frn uint64) string {
	return fmt.Sprintf("%016x", frn)
}

// NewEntityID mints a fresh v4 UUID for a newly-discovered entity.
func NewEntityID() string {
	return uuid.NewString()
}

// MetadataUpdate describes the fields update_entity_metadata may need
// from the triggering event.
type MetadataUpdate struct {
	ActivityType usn.ActivityType
	Timestamp    time.Time
	NewPath      string // set only for Rename
}

// applyMetadataUpdate mutates rec in place per §4.4's update rules. Every
// event updates LastAccessed; the per-type rules layer on top of that.
func applyMetadataUpdate(rec *Record, upd MetadataUpdate) {
	ts := upd.Timestamp.UTC().Format(time.RFC3339)

	switch upd.ActivityType {
	case usn.ActivityCreate, usn.ActivityModify, usn.ActivityAttributeChange:
		rec.Properties.LastModified = ts
		rec.ModifiedAt = time.Now().UTC().Format(time.RFC3339)
	case usn.ActivityRename:
		if upd.NewPath != "" {
			rec.Properties.FilePath = upd.NewPath
		}
	case usn.ActivityDelete:
		rec.Properties.Deleted = true
	}

	rec.Properties.LastAccessed = ts
}

// contextOrBackground returns ctx if non-nil, else context.Background().
// Resolver methods always receive a ctx from callers, but this keeps
// internal helpers defensive against accidental nil contexts in tests.
func contextOrBackground(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}
