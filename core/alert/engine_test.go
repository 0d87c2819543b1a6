package alert

import (
	"context"
	"errors"
	"testing"

	"github.com/siherrmann/docsalud/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEngineEvaluate(t *testing.T) {
	t.Run("High glucose raises one critical alert once", func(t *testing.T) {
		patient := testPatient()
		store := &memoryAlertStore{}
		engine := NewEngine(DefaultRules(), store, memoryPatientStore{patient.RID: patient}, nil)

		doc := testDocument(patient)
		entities := extractEntities("Resultados: Glucosa: 320 mg/dL (70-100 mg/dL)")

		created, err := engine.Evaluate(context.Background(), doc, entities)
		require.NoError(t, err, "Expected Evaluate to not return an error")
		require.Len(t, created, 1, "Expected exactly one alert")
		assert.Equal(t, "glucosa_alta", created[0].AlertType)
		assert.Equal(t, model.SeverityCritical, created[0].Severity)
		assert.Equal(t, "Glucosa elevada: 320 mg/dL", created[0].Title)
		assert.Equal(t, doc.RID, *created[0].DocumentRID)
		require.NotNil(t, created[0].Description)
		assert.Contains(t, *created[0].Description, "250")

		created, err = engine.Evaluate(context.Background(), doc, entities)
		require.NoError(t, err)
		assert.Empty(t, created, "Expected no new alerts on re-evaluation")
		assert.Len(t, store.unresolved(), 1, "Expected one unresolved alert")
	})

	t.Run("Resolved alerts can be raised again", func(t *testing.T) {
		patient := testPatient()
		store := &memoryAlertStore{}
		engine := NewEngine(DefaultRules(), store, memoryPatientStore{patient.RID: patient}, nil)
		doc := testDocument(patient)
		entities := extractEntities("Glucosa: 45 mg/dL")

		created, err := engine.Evaluate(context.Background(), doc, entities)
		require.NoError(t, err)
		require.Len(t, created, 1)
		assert.Equal(t, "glucosa_baja", created[0].AlertType)

		created[0].IsResolved = true
		created, err = engine.Evaluate(context.Background(), doc, entities)
		require.NoError(t, err)
		assert.Len(t, created, 1, "Expected a new alert after resolution")
	})

	t.Run("Documents without patient raise nothing", func(t *testing.T) {
		store := &memoryAlertStore{}
		engine := NewEngine(DefaultRules(), store, memoryPatientStore{}, nil)

		created, err := engine.Evaluate(context.Background(), testDocument(nil), extractEntities("Glucosa: 320 mg/dL"))
		require.NoError(t, err)
		assert.Empty(t, created)
	})

	t.Run("Unknown patient is an error", func(t *testing.T) {
		engine := NewEngine(DefaultRules(), &memoryAlertStore{}, memoryPatientStore{}, nil)

		_, err := engine.Evaluate(context.Background(), testDocument(testPatient()), nil)
		assert.ErrorIs(t, err, model.ErrNotFound)
	})

	t.Run("Risk score maps onto severity bands", func(t *testing.T) {
		patient := testPatient()
		patient.RiskScore = 0.65
		store := &memoryAlertStore{}
		engine := NewEngine(DefaultRules(), store, memoryPatientStore{patient.RID: patient}, nil)

		created, err := engine.Evaluate(context.Background(), testDocument(patient), nil)
		require.NoError(t, err)
		require.Len(t, created, 1)
		assert.Equal(t, "riesgo_anomalo", created[0].AlertType)
		assert.Equal(t, model.SeverityHigh, created[0].Severity)
		assert.Equal(t, "Puntaje de riesgo 0.65", created[0].Title)
	})

	t.Run("Risk score at the critical threshold stays high", func(t *testing.T) {
		patient := testPatient()
		patient.RiskScore = 0.8
		engine := NewEngine(DefaultRules(), &memoryAlertStore{}, memoryPatientStore{patient.RID: patient}, nil)

		created, err := engine.Evaluate(context.Background(), testDocument(patient), nil)
		require.NoError(t, err)
		require.Len(t, created, 1)
		assert.Equal(t, model.SeverityHigh, created[0].Severity)
	})

	t.Run("Anomaly scorer takes precedence over the risk score", func(t *testing.T) {
		patient := testPatient()
		patient.RiskScore = 0.1
		engine := NewEngine(DefaultRules(), &memoryAlertStore{}, memoryPatientStore{patient.RID: patient}, nil)
		engine.SetAnomalyScorer(func(ctx context.Context, p *model.Patient, entities []*model.Entity) (float64, error) {
			return 0.9, nil
		})

		created, err := engine.Evaluate(context.Background(), testDocument(patient), nil)
		require.NoError(t, err)
		require.Len(t, created, 1)
		assert.Equal(t, model.SeverityCritical, created[0].Severity)
	})

	t.Run("Failing anomaly scorer falls back to the risk score", func(t *testing.T) {
		patient := testPatient()
		patient.RiskScore = 0.2
		engine := NewEngine(DefaultRules(), &memoryAlertStore{}, memoryPatientStore{patient.RID: patient}, nil)
		engine.SetAnomalyScorer(func(ctx context.Context, p *model.Patient, entities []*model.Entity) (float64, error) {
			return 0, errors.New("model not loaded")
		})

		created, err := engine.Evaluate(context.Background(), testDocument(patient), nil)
		require.NoError(t, err)
		assert.Empty(t, created, "Expected a score below the bands to raise nothing")
	})

	t.Run("Several rules fire independently", func(t *testing.T) {
		patient := testPatient("Diabetes")
		store := &memoryAlertStore{}
		engine := NewEngine(DefaultRules(), store, memoryPatientStore{patient.RID: patient}, nil)
		text := "Presión arterial: 160/100 mmHg. Creatinina: 1.8 mg/dL. Warfarina 5 mg y Aspirina 100 mg diarias."

		created, err := engine.Evaluate(context.Background(), testDocument(patient), extractEntities(text))
		require.NoError(t, err)

		types := map[string]model.Severity{}
		for _, a := range created {
			types[a.AlertType] = a.Severity
		}
		assert.Equal(t, map[string]model.Severity{
			"hipertension":             model.SeverityHigh,
			"interaccion_medicamentos": model.SeverityHigh,
			"nefropatia_diabetica":     model.SeverityMedium,
		}, types)
	})
}

type failingAlertStore struct{ memoryAlertStore }

func (s *failingAlertStore) InsertAlert(ctx context.Context, alert *model.Alert) (bool, error) {
	return false, errors.New("connection reset")
}

func TestEngineStoreFailure(t *testing.T) {
	patient := testPatient()
	engine := NewEngine(DefaultRules(), &failingAlertStore{}, memoryPatientStore{patient.RID: patient}, nil)

	_, err := engine.Evaluate(context.Background(), testDocument(patient), extractEntities("Glucosa: 320 mg/dL"))
	assert.Error(t, err, "Expected the store error to be returned")
}
