package model

import (
	"time"

	"github.com/google/uuid"
)

// RetrievalResult is a chunk returned by a similarity search
// together with the document fields needed for citations.
type RetrievalResult struct {
	Chunk             *Chunk        `json:"chunk"`
	Similarity        float64       `json:"similarity"`
	DocumentType      *DocumentType `json:"document_type,omitempty"`
	DocumentCreatedAt time.Time     `json:"document_created_at"`
	PatientRID        *uuid.UUID    `json:"patient_rid,omitempty"`
}

// QueryType selects the prompt variant of a question.
type QueryType string

const (
	QueryTypeGeneral     QueryType = "general"
	QueryTypeMedications QueryType = "medications"
	QueryTypeLab         QueryType = "lab"
	QueryTypeAlerts      QueryType = "alerts"
)

func (q QueryType) IsValid() bool {
	switch q {
	case QueryTypeGeneral, QueryTypeMedications, QueryTypeLab, QueryTypeAlerts:
		return true
	}
	return false
}

// SourceReference cites one chunk that was used as context for an answer.
type SourceReference struct {
	DocumentRID  uuid.UUID     `json:"document_rid"`
	ChunkIndex   int           `json:"chunk_index"`
	DocumentType *DocumentType `json:"document_type,omitempty"`
	Date         time.Time     `json:"date"`
	Similarity   float64       `json:"similarity"`
	Excerpt      string        `json:"excerpt,omitempty"`
}

// Answer is the result of a question over the indexed documents.
type Answer struct {
	Question   string            `json:"question"`
	Text       string            `json:"answer"`
	Sources    []SourceReference `json:"sources"`
	Confidence float64           `json:"confidence"`
	Provider   string            `json:"provider,omitempty"`
	// Found is false when no chunk passed the similarity floor.
	Found bool `json:"found"`
	// Degraded is set when generation failed and only sources are returned.
	Degraded bool `json:"degraded"`
}
