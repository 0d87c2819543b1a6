package model

import (
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/google/uuid"
)

// ProcessingStatus is the lifecycle state of a document.
type ProcessingStatus string

const (
	StatusPending    ProcessingStatus = "pending"
	StatusProcessing ProcessingStatus = "processing"
	StatusCompleted  ProcessingStatus = "completed"
	StatusFailed     ProcessingStatus = "failed"
)

var statusTransitions = map[ProcessingStatus][]ProcessingStatus{
	StatusPending:    {StatusProcessing},
	StatusProcessing: {StatusCompleted, StatusFailed},
	StatusFailed:     {StatusProcessing},
	// completed -> processing is only taken by an explicit reprocess
	StatusCompleted: {StatusProcessing},
}

// IsValid reports whether s is one of the four known states.
func (s ProcessingStatus) IsValid() bool {
	_, ok := statusTransitions[s]
	return ok
}

// CanTransitionTo reports whether s -> next is an allowed edge.
func (s ProcessingStatus) CanTransitionTo(next ProcessingStatus) bool {
	return slices.Contains(statusTransitions[s], next)
}

// TransitionSources returns every status that may move to target.
func TransitionSources(target ProcessingStatus) []ProcessingStatus {
	var sources []ProcessingStatus
	for _, from := range []ProcessingStatus{StatusPending, StatusProcessing, StatusCompleted, StatusFailed} {
		if from.CanTransitionTo(target) {
			sources = append(sources, from)
		}
	}
	return sources
}

// Degradation names a stage that finished without its full result.
type Degradation string

const (
	DegradationEntityExtraction Degradation = "entity_extraction"
	DegradationClassification   Degradation = "classification"
	DegradationIndexWrite       Degradation = "index_write"
	DegradationAlertEvaluation  Degradation = "alert_evaluation"
)

// Document is an uploaded clinical document and everything derived from it.
// Nil pointers mean the field was not produced yet.
type Document struct {
	ID         int64      `json:"id"`
	RID        uuid.UUID  `json:"rid"`
	PatientRID *uuid.UUID `json:"patient_rid,omitempty"`

	// Classification
	DocumentType     *DocumentType `json:"document_type,omitempty"`
	TypeConfidence   *float64      `json:"type_confidence,omitempty"`
	TypeProvider     string        `json:"type_provider,omitempty"`
	TypeFallback     bool          `json:"type_fallback"`
	TypeDistribution Distribution  `json:"type_distribution,omitempty"`

	// Source
	OriginalFilename string `json:"original_filename"`
	MimeType         string `json:"mime_type"`
	FileData         []byte `json:"-"`

	// Text extraction
	RawText              *string  `json:"raw_text,omitempty"`
	ExtractionConfidence *float64 `json:"extraction_confidence,omitempty"`
	PageCount            int      `json:"page_count"`

	// Entities and index
	EntitiesExtracted bool `json:"entities_extracted"`
	ChunkCount        int  `json:"chunk_count"`
	Indexed           bool `json:"indexed"`
	Searchable        bool `json:"searchable"`

	Status           ProcessingStatus `json:"processing_status"`
	ProcessingTimeMs *int64           `json:"processing_time_ms,omitempty"`
	Degradations     []string         `json:"degradations,omitempty"`
	ErrorMessage     *string          `json:"error_message,omitempty"`
	CreatedAt        time.Time        `json:"created_at"`
	UpdatedAt        time.Time        `json:"updated_at"`

	Entities []*Entity `json:"entities,omitempty" db:"-"`
}

// NewDocumentFromFile reads a file into a pending document.
// The mime type is taken from the extension when mimeType is empty.
func NewDocumentFromFile(filePath string, mimeType string, patientRID *uuid.UUID) (*Document, error) {
	content, err := os.ReadFile(filepath.Clean(filePath))
	if err != nil {
		return nil, err
	}

	if mimeType == "" {
		mimeType = MimeTypeFromFilename(filePath)
	}

	return &Document{
		PatientRID:       patientRID,
		OriginalFilename: filepath.Base(filePath),
		MimeType:         mimeType,
		FileData:         content,
		Status:           StatusPending,
	}, nil
}

// HasDegradation reports whether d was recorded for the document.
func (d *Document) HasDegradation(deg Degradation) bool {
	return slices.Contains(d.Degradations, string(deg))
}

// AddDegradation records deg once.
func (d *Document) AddDegradation(deg Degradation) {
	if !d.HasDegradation(deg) {
		d.Degradations = append(d.Degradations, string(deg))
	}
}

// ReadyForCompletion holds when every stage has produced its result:
// text, a document type and a finished index stage.
func (d *Document) ReadyForCompletion() bool {
	return d.RawText != nil && d.DocumentType != nil && d.Indexed
}

// ResetDerived clears every stage output so the pipeline runs from scratch.
func (d *Document) ResetDerived() {
	d.DocumentType = nil
	d.TypeConfidence = nil
	d.TypeProvider = ""
	d.TypeFallback = false
	d.TypeDistribution = nil
	d.RawText = nil
	d.ExtractionConfidence = nil
	d.PageCount = 0
	d.EntitiesExtracted = false
	d.ChunkCount = 0
	d.Indexed = false
	d.Searchable = false
	d.ProcessingTimeMs = nil
	d.Degradations = nil
	d.ErrorMessage = nil
	d.Entities = nil
}

// DocumentStatus is the externally visible processing snapshot.
type DocumentStatus struct {
	DocumentRID      uuid.UUID        `json:"document_rid"`
	Status           ProcessingStatus `json:"processing_status"`
	DocumentType     *DocumentType    `json:"document_type,omitempty"`
	TypeConfidence   *float64         `json:"type_confidence,omitempty"`
	EntityCount      int              `json:"entity_count"`
	ChunkCount       int              `json:"chunk_count"`
	Searchable       bool             `json:"searchable"`
	Degradations     []string         `json:"degradations,omitempty"`
	ProcessingTimeMs *int64           `json:"processing_time_ms,omitempty"`
	ErrorMessage     *string          `json:"error_message,omitempty"`
}

// StatusSnapshot returns the snapshot of d.
func (d *Document) StatusSnapshot() *DocumentStatus {
	return &DocumentStatus{
		DocumentRID:      d.RID,
		Status:           d.Status,
		DocumentType:     d.DocumentType,
		TypeConfidence:   d.TypeConfidence,
		EntityCount:      len(d.Entities),
		ChunkCount:       d.ChunkCount,
		Searchable:       d.Searchable,
		Degradations:     d.Degradations,
		ProcessingTimeMs: d.ProcessingTimeMs,
		ErrorMessage:     d.ErrorMessage,
	}
}

// DocumentFilter narrows a document listing.
type DocumentFilter struct {
	PatientRID   *uuid.UUID
	DocumentType *DocumentType
	Limit        int
	Offset       int
}

// MimeTypeFromFilename maps the common upload extensions.
func MimeTypeFromFilename(filename string) string {
	switch filepath.Ext(filename) {
	case ".txt":
		return "text/plain"
	case ".md":
		return "text/markdown"
	case ".csv":
		return "text/csv"
	case ".pdf":
		return "application/pdf"
	case ".png":
		return "image/png"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".tif", ".tiff":
		return "image/tiff"
	default:
		return "application/octet-stream"
	}
}
