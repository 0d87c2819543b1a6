package model

import (
	"time"

	"github.com/google/uuid"
)

// EntityType is the vocabulary of extracted clinical entities.
type EntityType string

const (
	EntityTypeMedication     EntityType = "medication"
	EntityTypeDosage         EntityType = "dosage"
	EntityTypeDiagnosis      EntityType = "diagnosis"
	EntityTypeCode           EntityType = "code"
	EntityTypeVitalSign      EntityType = "vital-sign"
	EntityTypeValue          EntityType = "value"
	EntityTypeReferenceRange EntityType = "reference-range"
	EntityTypePatientName    EntityType = "patient-name"
	EntityTypePhysicianName  EntityType = "physician-name"
	EntityTypeDate           EntityType = "date"
	EntityTypeInstitution    EntityType = "institution"
	EntityTypeFrequency      EntityType = "frequency"
	EntityTypeDuration       EntityType = "duration"
	EntityTypePresentation   EntityType = "presentation"
)

var EntityTypes = []EntityType{
	EntityTypeMedication,
	EntityTypeDosage,
	EntityTypeDiagnosis,
	EntityTypeCode,
	EntityTypeVitalSign,
	EntityTypeValue,
	EntityTypeReferenceRange,
	EntityTypePatientName,
	EntityTypePhysicianName,
	EntityTypeDate,
	EntityTypeInstitution,
	EntityTypeFrequency,
	EntityTypeDuration,
	EntityTypePresentation,
}

func (t EntityType) IsValid() bool {
	for _, known := range EntityTypes {
		if t == known {
			return true
		}
	}
	return false
}

// Entity is a typed span extracted from a document's text.
// StartChar and EndChar are byte offsets into the document's raw text.
type Entity struct {
	ID              int64      `json:"id"`
	DocumentRID     uuid.UUID  `json:"document_rid"`
	Type            EntityType `json:"entity_type"`
	Value           string     `json:"value"`
	NormalizedValue *string    `json:"normalized_value,omitempty"`
	Confidence      *float64   `json:"confidence,omitempty"`
	StartChar       *int       `json:"start_char,omitempty"`
	EndChar         *int       `json:"end_char,omitempty"`
	Metadata        Metadata   `json:"metadata,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
}

// HasSpan reports whether both offsets are set.
func (e *Entity) HasSpan() bool {
	return e.StartChar != nil && e.EndChar != nil
}

// Overlaps reports whether both entities have spans that intersect.
func (e *Entity) Overlaps(other *Entity) bool {
	if !e.HasSpan() || !other.HasSpan() {
		return false
	}
	return *e.StartChar < *other.EndChar && *other.StartChar < *e.EndChar
}

// ConfidenceOr returns the confidence or def when none was reported.
func (e *Entity) ConfidenceOr(def float64) float64 {
	if e.Confidence == nil {
		return def
	}
	return *e.Confidence
}

// Text returns the normalized value when present.
func (e *Entity) Text() string {
	if e.NormalizedValue != nil && *e.NormalizedValue != "" {
		return *e.NormalizedValue
	}
	return e.Value
}
