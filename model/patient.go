package model

import (
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Patient owns documents and alerts. Deleting a patient removes both.
type Patient struct {
	ID                int64      `json:"id"`
	RID               uuid.UUID  `json:"rid"`
	ExternalID        *string    `json:"external_id,omitempty"`
	FirstName         string     `json:"first_name"`
	LastName          string     `json:"last_name"`
	DateOfBirth       *time.Time `json:"date_of_birth,omitempty"`
	Gender            *string    `json:"gender,omitempty"`
	BloodType         *string    `json:"blood_type,omitempty"`
	ChronicConditions []string   `json:"chronic_conditions"`
	RiskScore         float64    `json:"risk_score"`
	RiskCluster       *int       `json:"risk_cluster,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

func (p *Patient) FullName() string {
	return strings.TrimSpace(p.FirstName + " " + p.LastName)
}

// HasCondition matches case-insensitively.
func (p *Patient) HasCondition(condition string) bool {
	for _, c := range p.ChronicConditions {
		if strings.EqualFold(c, condition) {
			return true
		}
	}
	return false
}

// NormalizeConditions turns a condition list into a sorted lowercase set.
func NormalizeConditions(conditions []string) []string {
	seen := map[string]bool{}
	out := []string{}
	for _, c := range conditions {
		c = strings.ToLower(strings.TrimSpace(c))
		if c == "" || seen[c] {
			continue
		}
		seen[c] = true
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// Validate checks the fields a caller must provide.
func (p *Patient) Validate() error {
	if strings.TrimSpace(p.FirstName) == "" || strings.TrimSpace(p.LastName) == "" {
		return ErrInvalidInput
	}
	if p.RiskScore < 0 || p.RiskScore > 1 {
		return ErrInvalidInput
	}
	return nil
}

// PatientList is one page of a patient listing.
type PatientList struct {
	Patients []*Patient `json:"patients"`
	Total    int        `json:"total"`
	Limit    int        `json:"limit"`
	Offset   int        `json:"offset"`
}
