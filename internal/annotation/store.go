// Package annotation stores the per-file review annotations.
//
// Each report or check file carries two free-text fields: a model
// diagnosis and a repair suggestion. Records are created lazily on the
// first save and replaced wholesale by later saves (last write wins,
// no history). An absent record is equivalent to both fields empty.
package annotation

import "sync"

// Section identifies which annotation field a save touched.
type Section string

const (
	// SectionDiagnosis indicates only the model diagnosis changed.
	SectionDiagnosis Section = "modelDiagnosis"

	// SectionSuggestion indicates only the repair suggestion changed.
	SectionSuggestion Section = "repairSuggestion"

	// SectionBoth indicates both fields changed (or a first save set
	// both fields at once).
	SectionBoth Section = "both"
)

// Record holds the two annotation fields for one file.
type Record struct {
	FileID           string `json:"fileId"`
	ModelDiagnosis   string `json:"modelDiagnosis"`
	RepairSuggestion string `json:"repairSuggestion"`
}

// Equal reports whether both annotation fields match. The file id is
// not compared; callers diff records for a single file.
func (r Record) Equal(other Record) bool {
	return r.ModelDiagnosis == other.ModelDiagnosis &&
		r.RepairSuggestion == other.RepairSuggestion
}

// DiffSection reports which section changed between prev and next.
//
// An absent previous record is represented by a zero Record, so unset
// fields compare as empty strings. When exactly one field differs the
// result names that field; in every other case (both differ, or a
// first save populating both fields) the result is SectionBoth.
func DiffSection(prev, next Record) Section {
	diagChanged := prev.ModelDiagnosis != next.ModelDiagnosis
	suggChanged := prev.RepairSuggestion != next.RepairSuggestion

	switch {
	case diagChanged && !suggChanged:
		return SectionDiagnosis
	case suggChanged && !diagChanged:
		return SectionSuggestion
	default:
		return SectionBoth
	}
}

// Store is an in-memory keyed collection of annotation records.
//
// At most one record exists per file id. Writes always succeed; reads
// of unknown ids return a record with empty fields. The zero value is
// not usable, call NewStore.
type Store struct {
	mu      sync.RWMutex
	records map[string]Record
}

// NewStore creates an empty annotation store.
func NewStore() *Store {
	return &Store{records: make(map[string]Record)}
}

// Get returns the record for fileID, defaulting to empty fields when
// no record exists.
func (s *Store) Get(fileID string) Record {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[fileID]
	if !ok {
		return Record{FileID: fileID}
	}
	return rec
}

// Set replaces the record for fileID with the given field values and
// reports which section changed relative to the previous record.
func (s *Store) Set(fileID, modelDiagnosis, repairSuggestion string) Section {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.records[fileID]
	next := Record{
		FileID:           fileID,
		ModelDiagnosis:   modelDiagnosis,
		RepairSuggestion: repairSuggestion,
	}
	s.records[fileID] = next

	return DiffSection(prev, next)
}

// Len returns the number of stored records.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}
