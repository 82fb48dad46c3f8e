// Package scoring implements the importance scorer (C5): a pure,
// deterministic weighted composite over recency, activity type, path and
// content signals, access frequency, and novelty.
package scoring

import (
	"math"
	"path"
	"strings"
	"time"

	"usntiered/internal/usn"
)

// Weights are the five sub-score weights, normalized to sum to 1.0.
type Weights struct {
	Recency   float64
	Type      float64
	Content   float64
	Frequency float64
	Novelty   float64
}

// DefaultWeights are the weights named in §4.5.
func DefaultWeights() Weights {
	return Weights{
		Recency:   0.30,
		Type:      0.25,
		Content:   0.20,
		Frequency: 0.15,
		Novelty:   0.10,
	}
}

func (w Weights) normalized() Weights {
	sum := w.Recency + w.Type + w.Content + w.Frequency + w.Novelty
	if sum <= 0 {
		return DefaultWeights()
	}
	return Weights{
		Recency:   w.Recency / sum,
		Type:      w.Type / sum,
		Content:   w.Content / sum,
		Frequency: w.Frequency / sum,
		Novelty:   w.Novelty / sum,
	}
}

// Scorer computes importance scores. It is stateless and safe for
// concurrent use; construct one per hot/warm tier (they may carry
// different Weights per §4.7).
type Scorer struct {
	weights Weights
}

// New constructs a Scorer with w, normalizing w to sum to 1.0.
func New(w Weights) *Scorer {
	return &Scorer{weights: w.normalized()}
}

// Weights returns the scorer's (already normalized) weights.
func (s *Scorer) Weights() Weights { return s.weights }

// Event is the minimal view of an activity the scorer needs.
type Event struct {
	ActivityType usn.ActivityType
	Timestamp    time.Time
	FilePath     string
	IsDirectory  bool
	SearchHits   uint32
}

// EntityContext is the minimal view of entity metadata the scorer needs.
// A nil *EntityContext is valid and treated as "no entity context yet":
// novelty treats the entity as brand new (new-entity and zero-access
// bonuses apply) and frequency gets no access-count or boost term.
type EntityContext struct {
	CreatedAt       time.Time
	AccessCount     uint64
	ImportanceBoost float64
}

// Score computes the final importance score for event, given optional
// entity context, clamped to [0.1, 1.0].
func (s *Scorer) Score(event Event, entityCtx *EntityContext) float64 {
	recency := s.recencyScore(event.Timestamp)
	typeScore := s.typeScore(event.ActivityType)
	content := s.contentScore(event.FilePath, event.IsDirectory)
	frequency := s.frequencyScore(event.SearchHits, entityCtx)
	novelty := s.noveltyScore(event.ActivityType, entityCtx)

	total := s.weights.Recency*recency +
		s.weights.Type*typeScore +
		s.weights.Content*content +
		s.weights.Frequency*frequency +
		s.weights.Novelty*novelty

	return clamp(total, 0.1, 1.0)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// recencyHalfLifeDays is the exponential-decay half-life for the recency
// sub-score.
const recencyHalfLifeDays = 7.0

func (s *Scorer) recencyScore(timestamp time.Time) float64 {
	ageDays := time.Since(timestamp).Hours() / 24.0
	if ageDays < 0 {
		ageDays = 0
	}
	return clamp(math.Exp(-ageDays/recencyHalfLifeDays), 0, 1)
}

// typeScores is the table-lookup from §4.5. Read and Other share the
// default Other value since the journal never classifies a record as
// Read in practice (it is reachable only via DeriveActivityType's
// unrecognized-nonzero-reason fallback).
var typeScores = map[usn.ActivityType]float64{
	usn.ActivityCreate:          0.50,
	usn.ActivityDelete:          0.45,
	usn.ActivityRename:          0.42,
	usn.ActivitySecurityChange:  0.40,
	usn.ActivityModify:          0.30,
	usn.ActivityAttributeChange: 0.10,
	usn.ActivityClose:           0.05,
	usn.ActivityOther:           0.30,
	usn.ActivityRead:            0.30,
}

func (s *Scorer) typeScore(activityType usn.ActivityType) float64 {
	if v, ok := typeScores[activityType]; ok {
		return v
	}
	return 0.30
}

// importantExtensions are file extensions (with leading dot, lowercased)
// treated as important document/source content.
var importantExtensions = map[string]bool{
	".docx": true, ".doc": true, ".pdf": true, ".pptx": true, ".xlsx": true,
	".xls": true, ".txt": true, ".md": true, ".rtf": true, ".py": true,
	".js": true, ".ts": true, ".html": true, ".css": true, ".c": true,
	".cpp": true, ".h": true, ".java": true, ".cs": true, ".go": true,
	".rs": true, ".php": true, ".rb": true, ".swift": true, ".json": true,
	".xml": true, ".yaml": true, ".yml": true, ".csv": true, ".sql": true,
	".db": true,
}

var importantPathSegments = map[string]bool{
	"documents": true, "projects": true, "src": true, "source": true,
	"repos": true, "work": true, "research": true, "thesis": true,
	"paper": true, "manuscript": true, "report": true,
}

var temporaryPathSegments = map[string]bool{
	"temp": true, "tmp": true, "cache": true, "downloaded": true,
	".git": true, "node_modules": true, "__pycache__": true, ".venv": true,
	"bin": true, "obj": true, "build": true, "dist": true,
}

var metadataFileNames = map[string]bool{
	"readme.md": true, "license": true, "package.json": true,
	"cargo.toml": true, "pyproject.toml": true, "makefile": true,
	"dockerfile": true, "manifest": true, "config": true,
}

func (s *Scorer) contentScore(filePath string, isDirectory bool) float64 {
	score := 0.3

	ext := strings.ToLower(path.Ext(normalizeSlashes(filePath)))
	if importantExtensions[ext] {
		score += 0.2
	}

	segments := pathSegments(filePath)
	hasImportant, hasTemp := false, false
	for _, seg := range segments {
		low := strings.ToLower(seg)
		if importantPathSegments[low] {
			hasImportant = true
		}
		if temporaryPathSegments[low] {
			hasTemp = true
		}
	}
	switch {
	case hasImportant:
		score += 0.2
	case hasTemp:
		score -= 0.1
	}

	if isDirectory {
		score += 0.1
	}

	name := strings.ToLower(filenameOf(filePath))
	if metadataFileNames[name] {
		score += 0.15
	}

	return clamp(score, 0, 1)
}

// normalizeSlashes converts backslash separators to forward slashes so
// path.Ext/path segment splitting work on Windows-style paths.
func normalizeSlashes(p string) string {
	return strings.ReplaceAll(p, `\`, "/")
}

func pathSegments(p string) []string {
	norm := normalizeSlashes(p)
	parts := strings.Split(norm, "/")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func filenameOf(p string) string {
	segs := pathSegments(p)
	if len(segs) == 0 {
		return ""
	}
	return segs[len(segs)-1]
}

func (s *Scorer) frequencyScore(searchHits uint32, entityCtx *EntityContext) float64 {
	score := 0.3
	score += math.Min(0.5, 0.1*math.Log10(1+float64(searchHits)))

	var accessCount uint64
	var boost float64
	if entityCtx != nil {
		accessCount = entityCtx.AccessCount
		boost = entityCtx.ImportanceBoost
	}
	score += math.Min(0.25, 0.05*math.Log10(1+float64(accessCount)))
	score += boost

	return clamp(score, 0, 1)
}

func (s *Scorer) noveltyScore(activityType usn.ActivityType, entityCtx *EntityContext) float64 {
	score := 0.5
	if activityType == usn.ActivityCreate {
		score += 0.3
	}

	if entityCtx != nil {
		age := time.Since(entityCtx.CreatedAt)
		switch {
		case age < 24*time.Hour:
			score += 0.2
		case age < 7*24*time.Hour:
			score += 0.1
		}
		if entityCtx.AccessCount == 0 {
			score += 0.1
		}
	} else {
		// No entity context yet means this is the entity's first-ever
		// observation: treat as maximally novel.
		score += 0.2
		score += 0.1
	}

	return clamp(score, 0, 1)
}
