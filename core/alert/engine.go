package alert

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sort"

	"github.com/google/uuid"
	"github.com/siherrmann/docsalud/core/pipeline"
	"github.com/siherrmann/docsalud/metrics"
	"github.com/siherrmann/docsalud/model"
)

// AlertStore persists alerts. InsertAlert reports false if an unresolved alert
// of the same patient and type already exists.
type AlertStore interface {
	SelectUnresolvedAlert(ctx context.Context, patientRID uuid.UUID, alertType string) (*model.Alert, error)
	InsertAlert(ctx context.Context, alert *model.Alert) (bool, error)
}

type PatientStore interface {
	SelectPatient(ctx context.Context, rid uuid.UUID) (*model.Patient, error)
}

// AnomalyScorer computes an anomaly score in [0,1] for a patient.
type AnomalyScorer func(ctx context.Context, patient *model.Patient, entities []*model.Entity) (float64, error)

// Input is everything a rule can look at.
type Input struct {
	Patient      *model.Patient
	Document     *model.Document
	Entities     []*model.Entity
	AnomalyScore *float64
}

// Finding is a fired rule before it is stored as an alert.
type Finding struct {
	AlertType   string
	Severity    model.Severity
	Title       string
	Description string
}

// templateData is passed to title and description templates.
type templateData struct {
	Patient     *model.Patient
	Document    *model.Document
	Analyte     string
	Value       float64
	Reading     string
	Unit        string
	Threshold   float64
	Medications []string
	Entity      string
	Score       float64
}

// Engine evaluates the rules against a processed document and stores new alerts.
type Engine struct {
	rules    []*Rule
	bands    model.SeverityBands
	alerts   AlertStore
	patients PatientStore
	scorer   AnomalyScorer
	logger   *slog.Logger
}

func NewEngine(rules *RuleSet, alerts AlertStore, patients PatientStore, logger *slog.Logger) *Engine {
	if rules == nil {
		rules = DefaultRules()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		rules:    rules.Rules,
		bands:    *rules.SeverityBands,
		alerts:   alerts,
		patients: patients,
		logger:   logger,
	}
}

// SetAnomalyScorer replaces the persisted patient risk score as anomaly source.
func (e *Engine) SetAnomalyScorer(scorer AnomalyScorer) {
	e.scorer = scorer
}

// SetSeverityBands overrides the bands of the rule set.
func (e *Engine) SetSeverityBands(bands model.SeverityBands) {
	e.bands = bands
}

// Evaluate runs the rules for doc and returns the alerts it created.
// Documents without patient raise nothing. An alert type that is already
// unresolved for the patient is not raised again.
func (e *Engine) Evaluate(ctx context.Context, doc *model.Document, entities []*model.Entity) ([]*model.Alert, error) {
	if doc.PatientRID == nil {
		return nil, nil
	}

	patient, err := e.patients.SelectPatient(ctx, *doc.PatientRID)
	if err != nil {
		return nil, fmt.Errorf("load patient: %w", err)
	}

	input := Input{Patient: patient, Document: doc, Entities: entities}
	if e.scorer != nil {
		score, err := e.scorer(ctx, patient, entities)
		if err != nil {
			e.logger.Warn("Anomaly scorer failed, using persisted risk score", slog.String("patient_rid", patient.RID.String()), slog.String("error", err.Error()))
			input.AnomalyScore = &patient.RiskScore
		} else {
			input.AnomalyScore = &score
		}
	} else {
		input.AnomalyScore = &patient.RiskScore
	}

	findings, err := EvaluateRules(e.rules, e.bands, input)
	if err != nil {
		return nil, err
	}

	var created []*model.Alert
	for _, finding := range findings {
		existing, err := e.alerts.SelectUnresolvedAlert(ctx, patient.RID, finding.AlertType)
		if err != nil {
			return created, fmt.Errorf("select unresolved alert: %w", err)
		}
		if existing != nil {
			continue
		}

		alert := &model.Alert{
			PatientRID:  patient.RID,
			DocumentRID: &doc.RID,
			AlertType:   finding.AlertType,
			Severity:    finding.Severity,
			Title:       finding.Title,
		}
		if finding.Description != "" {
			description := finding.Description
			alert.Description = &description
		}

		inserted, err := e.alerts.InsertAlert(ctx, alert)
		if err != nil {
			return created, fmt.Errorf("insert alert: %w", err)
		}
		if !inserted {
			continue
		}

		metrics.AlertsCreatedTotal.WithLabelValues(alert.AlertType, string(alert.Severity)).Inc()
		e.logger.Info("Alert created",
			slog.String("patient_rid", patient.RID.String()),
			slog.String("document_rid", doc.RID.String()),
			slog.String("alert_type", alert.AlertType),
			slog.String("severity", string(alert.Severity)),
		)
		created = append(created, alert)
	}

	return created, nil
}

// EvaluateRules returns the findings of every rule that fires, one per alert
// type with the highest severity, ordered by severity.
func EvaluateRules(rules []*Rule, bands model.SeverityBands, input Input) ([]Finding, error) {
	measurements := PairMeasurements(input.Entities)
	byType := map[string]Finding{}
	order := []string{}

	for _, rule := range rules {
		if rule.Condition != "" && (input.Patient == nil || !input.Patient.HasCondition(rule.Condition)) {
			continue
		}

		severity, data, fired := rule.match(bands, input, measurements)
		if !fired {
			continue
		}
		data.Patient = input.Patient
		data.Document = input.Document
		data.Threshold = rule.Threshold

		title, err := render(rule.title, data)
		if err != nil {
			return nil, fmt.Errorf("render title of %s: %w", rule.Type, err)
		}
		description, err := render(rule.description, data)
		if err != nil {
			return nil, fmt.Errorf("render description of %s: %w", rule.Type, err)
		}

		finding := Finding{AlertType: rule.Type, Severity: severity, Title: title, Description: description}
		if current, ok := byType[rule.Type]; ok {
			if current.Severity.Rank() >= severity.Rank() {
				continue
			}
		} else {
			order = append(order, rule.Type)
		}
		byType[rule.Type] = finding
	}

	findings := make([]Finding, 0, len(order))
	for _, alertType := range order {
		findings = append(findings, byType[alertType])
	}
	sort.SliceStable(findings, func(i, j int) bool {
		return findings[i].Severity.Rank() > findings[j].Severity.Rank()
	})
	return findings, nil
}

// match reports whether the rule fires and with which severity.
// Measurement rules use the most extreme matching measurement.
func (r *Rule) match(bands model.SeverityBands, input Input, measurements []Measurement) (model.Severity, templateData, bool) {
	data := templateData{}

	switch r.Kind {
	case KindMeasurementAbove, KindMeasurementBelow:
		var best *Measurement
		for i := range measurements {
			m := &measurements[i]
			if m.Analyte != r.Analyte {
				continue
			}
			if r.Kind == KindMeasurementAbove && m.Value > r.Threshold && (best == nil || m.Value > best.Value) {
				best = m
			}
			if r.Kind == KindMeasurementBelow && m.Value < r.Threshold && (best == nil || m.Value < best.Value) {
				best = m
			}
		}
		if best == nil {
			return "", data, false
		}
		data.Analyte = best.Analyte
		data.Value = best.Value
		data.Unit = best.Unit
		data.Reading = best.Reading()
		return r.Severity, data, true

	case KindEntityPresent:
		for _, entity := range input.Entities {
			if entity.Type == r.EntityType && pipeline.FoldText(entity.Text()) == r.Value {
				data.Entity = entity.Value
				return r.Severity, data, true
			}
		}
		return "", data, false

	case KindMedicationPair:
		present := map[string]bool{}
		for _, entity := range input.Entities {
			if entity.Type == model.EntityTypeMedication {
				present[pipeline.FoldText(entity.Text())] = true
			}
		}
		for _, medication := range r.Medications {
			if !present[medication] {
				return "", data, false
			}
		}
		data.Medications = slices.Clone(r.Medications)
		return r.Severity, data, true

	case KindAnomalyScore:
		if input.AnomalyScore == nil {
			return "", data, false
		}
		severity, ok := bands.SeverityFor(*input.AnomalyScore)
		if !ok {
			return "", data, false
		}
		data.Score = *input.AnomalyScore
		return severity, data, true
	}

	return "", data, false
}
