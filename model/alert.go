package model

import (
	"time"

	"github.com/google/uuid"
)

// Severity of an alert, ordered low < medium < high < critical.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rank returns the position in the severity order, or -1 if unknown.
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 0
	case SeverityMedium:
		return 1
	case SeverityHigh:
		return 2
	case SeverityCritical:
		return 3
	}
	return -1
}

func (s Severity) IsValid() bool {
	return s.Rank() >= 0
}

// Alert is a clinical finding raised for a patient.
// At most one unresolved alert exists per patient and alert type.
type Alert struct {
	ID          int64      `json:"id"`
	RID         uuid.UUID  `json:"rid"`
	PatientRID  uuid.UUID  `json:"patient_rid"`
	DocumentRID *uuid.UUID `json:"document_rid,omitempty"`
	AlertType   string     `json:"alert_type"`
	Severity    Severity   `json:"severity"`
	Title       string     `json:"title"`
	Description *string    `json:"description,omitempty"`
	IsResolved  bool       `json:"is_resolved"`
	ResolvedAt  *time.Time `json:"resolved_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// AlertFilter narrows an alert listing.
type AlertFilter struct {
	PatientRID *uuid.UUID
	Severity   *Severity
	Resolved   bool
	Limit      int
}

// AlertSummary counts unresolved alerts by severity.
type AlertSummary struct {
	Total    int `json:"total"`
	Critical int `json:"critical"`
	High     int `json:"high"`
	Medium   int `json:"medium"`
	Low      int `json:"low"`
}

// AlertList is an alert listing with the unresolved summary.
type AlertList struct {
	Alerts  []*Alert     `json:"alerts"`
	Summary AlertSummary `json:"summary"`
}
