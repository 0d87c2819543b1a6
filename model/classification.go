package model

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// DocumentType is the closed vocabulary of document classes.
type DocumentType string

const (
	DocumentTypePrescription DocumentType = "prescription"
	DocumentTypeLabResult    DocumentType = "lab-result"
	DocumentTypeClinicalNote DocumentType = "clinical-note"
	DocumentTypeReferral     DocumentType = "referral"
	DocumentTypeConsentForm  DocumentType = "consent-form"
	DocumentTypeOther        DocumentType = "other"
)

// DocumentTypes lists the vocabulary in a stable order.
var DocumentTypes = []DocumentType{
	DocumentTypePrescription,
	DocumentTypeLabResult,
	DocumentTypeClinicalNote,
	DocumentTypeReferral,
	DocumentTypeConsentForm,
	DocumentTypeOther,
}

var documentTypeAliases = map[string]DocumentType{
	"receta":         DocumentTypePrescription,
	"laboratorio":    DocumentTypeLabResult,
	"lab_result":     DocumentTypeLabResult,
	"nota_medica":    DocumentTypeClinicalNote,
	"clinical_note":  DocumentTypeClinicalNote,
	"referencia":     DocumentTypeReferral,
	"consentimiento": DocumentTypeConsentForm,
	"consent_form":   DocumentTypeConsentForm,
	"otro":           DocumentTypeOther,
}

func (t DocumentType) IsValid() bool {
	for _, known := range DocumentTypes {
		if t == known {
			return true
		}
	}
	return false
}

// ParseDocumentType accepts the vocabulary and the spanish labels
// produced by the classification models.
func ParseDocumentType(label string) (DocumentType, error) {
	l := strings.ToLower(strings.TrimSpace(label))
	if t := DocumentType(l); t.IsValid() {
		return t, nil
	}
	if t, ok := documentTypeAliases[l]; ok {
		return t, nil
	}
	return "", fmt.Errorf("%w: unknown document type %q", ErrInvalidInput, label)
}

// Distribution maps every document type to a probability.
type Distribution map[DocumentType]float64

func (d Distribution) Value() (driver.Value, error) {
	if d == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(d)
}

func (d *Distribution) Scan(value interface{}) error {
	if value == nil {
		*d = Distribution{}
		return nil
	}
	b, ok := value.([]byte)
	if !ok {
		return fmt.Errorf("distribution: type assertion to []byte failed for %T", value)
	}
	return json.Unmarshal(b, d)
}

// Normalized returns a copy covering the whole vocabulary whose values sum to one.
// Negative values are dropped. An empty distribution becomes uniform.
func (d Distribution) Normalized() Distribution {
	out := make(Distribution, len(DocumentTypes))
	var sum float64
	for _, t := range DocumentTypes {
		v := d[t]
		if v < 0 {
			v = 0
		}
		out[t] = v
		sum += v
	}
	if sum == 0 {
		for _, t := range DocumentTypes {
			out[t] = 1 / float64(len(DocumentTypes))
		}
		return out
	}
	for t, v := range out {
		out[t] = v / sum
	}
	return out
}

// Top returns the most probable type. Ties go to the earlier vocabulary entry.
func (d Distribution) Top() (DocumentType, float64) {
	best := DocumentTypeOther
	bestScore := -1.0
	for _, t := range DocumentTypes {
		if d[t] > bestScore {
			best = t
			bestScore = d[t]
		}
	}
	if bestScore < 0 {
		return DocumentTypeOther, 0
	}
	return best, bestScore
}

// Ranked returns the types sorted by descending probability.
func (d Distribution) Ranked() []DocumentType {
	ranked := make([]DocumentType, len(DocumentTypes))
	copy(ranked, DocumentTypes)
	sort.SliceStable(ranked, func(i, j int) bool {
		return d[ranked[i]] > d[ranked[j]]
	})
	return ranked
}

// Classification is the outcome of the classification chain.
type Classification struct {
	Label        DocumentType `json:"label"`
	Confidence   float64      `json:"confidence"`
	Distribution Distribution `json:"distribution"`
	Provider     string       `json:"provider"`
	// Fallback is set when the first provider did not answer.
	Fallback bool `json:"fallback"`
}

// DefaultClassification is the result used when every provider failed.
func DefaultClassification() *Classification {
	return &Classification{
		Label:        DocumentTypeOther,
		Confidence:   0,
		Distribution: Distribution{}.Normalized(),
		Fallback:     true,
	}
}

// Apply copies the classification onto the document.
func (c *Classification) Apply(doc *Document) {
	label := c.Label
	confidence := c.Confidence
	doc.DocumentType = &label
	doc.TypeConfidence = &confidence
	doc.TypeProvider = c.Provider
	doc.TypeFallback = c.Fallback
	doc.TypeDistribution = c.Distribution
}
