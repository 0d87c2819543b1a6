package database

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/siherrmann/docsalud/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAlertsNewAlertsDBHandler(t *testing.T) {
	t.Run("Invalid call NewAlertsDBHandler with nil database", func(t *testing.T) {
		_, err := NewAlertsDBHandler(nil, false)
		assert.Error(t, err, "Expected error when creating AlertsDBHandler with nil database")
		assert.Contains(t, err.Error(), "database connection is nil", "Expected specific error message for nil database connection")
	})
}

func TestAlertsInsert(t *testing.T) {
	h := initHandlers(t)
	ctx := context.Background()
	patient := insertTestPatient(t, h, "Alertas")
	doc := insertTestDocument(t, h, patient)

	description := "Glucosa 320 mg/dL"
	alert := &model.Alert{
		PatientRID:  patient.RID,
		DocumentRID: &doc.RID,
		AlertType:   "glucosa_alta",
		Severity:    model.SeverityCritical,
		Title:       "Glucosa critica",
		Description: &description,
	}

	t.Run("Insert alert", func(t *testing.T) {
		inserted, err := h.alerts.InsertAlert(ctx, alert)
		require.NoError(t, err, "Expected InsertAlert to not return an error")
		assert.True(t, inserted)
		assert.NotEqual(t, uuid.Nil, alert.RID)
		require.NotNil(t, alert.DocumentRID)
		assert.Equal(t, doc.RID, *alert.DocumentRID)
		assert.False(t, alert.IsResolved)
	})

	t.Run("Duplicate unresolved alert is skipped", func(t *testing.T) {
		duplicate := &model.Alert{
			PatientRID: patient.RID,
			AlertType:  "glucosa_alta",
			Severity:   model.SeverityHigh,
			Title:      "Otra vez",
		}
		inserted, err := h.alerts.InsertAlert(ctx, duplicate)
		require.NoError(t, err)
		assert.False(t, inserted, "Expected duplicate unresolved alert to be skipped")

		open, err := h.alerts.SelectUnresolvedAlert(ctx, patient.RID, "glucosa_alta")
		require.NoError(t, err)
		require.NotNil(t, open)
		assert.Equal(t, alert.RID, open.RID)
	})

	t.Run("Resolve allows a new alert of the same type", func(t *testing.T) {
		resolved, err := h.alerts.ResolveAlert(ctx, alert.RID)
		require.NoError(t, err, "Expected ResolveAlert to not return an error")
		assert.True(t, resolved.IsResolved)
		require.NotNil(t, resolved.ResolvedAt)

		again, err := h.alerts.ResolveAlert(ctx, alert.RID)
		require.NoError(t, err, "Expected resolving twice to succeed")
		assert.Equal(t, resolved.ResolvedAt.UnixMicro(), again.ResolvedAt.UnixMicro(), "Expected first resolution time to be kept")

		open, err := h.alerts.SelectUnresolvedAlert(ctx, patient.RID, "glucosa_alta")
		require.NoError(t, err)
		assert.Nil(t, open)

		inserted, err := h.alerts.InsertAlert(ctx, &model.Alert{
			PatientRID: patient.RID,
			AlertType:  "glucosa_alta",
			Severity:   model.SeverityCritical,
			Title:      "Nueva glucosa critica",
		})
		require.NoError(t, err)
		assert.True(t, inserted, "Expected new alert after resolution")
	})

	t.Run("Invalid severity", func(t *testing.T) {
		_, err := h.alerts.InsertAlert(ctx, &model.Alert{PatientRID: patient.RID, AlertType: "x", Severity: "urgent", Title: "x"})
		assert.ErrorIs(t, err, model.ErrInvalidInput)
	})

	t.Run("Unknown patient", func(t *testing.T) {
		_, err := h.alerts.InsertAlert(ctx, &model.Alert{PatientRID: uuid.New(), AlertType: "x", Severity: model.SeverityLow, Title: "x"})
		assert.ErrorIs(t, err, model.ErrNotFound)
	})

	t.Run("Resolve unknown alert", func(t *testing.T) {
		_, err := h.alerts.ResolveAlert(ctx, uuid.New())
		assert.ErrorIs(t, err, model.ErrNotFound)
	})
}

func TestAlertsListAndSummary(t *testing.T) {
	h := initHandlers(t)
	ctx := context.Background()
	patient := insertTestPatient(t, h, "Resumen")

	for _, a := range []struct {
		alertType string
		severity  model.Severity
	}{
		{"presion_alta", model.SeverityHigh},
		{"glucosa_alta", model.SeverityCritical},
		{"hemoglobina_baja", model.SeverityMedium},
		{"seguimiento", model.SeverityLow},
		{"creatinina_alta", model.SeverityHigh},
	} {
		_, err := h.alerts.InsertAlert(ctx, &model.Alert{PatientRID: patient.RID, AlertType: a.alertType, Severity: a.severity, Title: a.alertType})
		require.NoError(t, err)
	}

	t.Run("List most severe first", func(t *testing.T) {
		alerts, err := h.alerts.SelectAlerts(ctx, model.AlertFilter{PatientRID: &patient.RID})
		require.NoError(t, err, "Expected SelectAlerts to not return an error")
		require.Len(t, alerts, 5)
		assert.Equal(t, model.SeverityCritical, alerts[0].Severity)
		assert.Equal(t, model.SeverityLow, alerts[4].Severity)
	})

	t.Run("Filter by severity", func(t *testing.T) {
		high := model.SeverityHigh
		alerts, err := h.alerts.SelectAlerts(ctx, model.AlertFilter{PatientRID: &patient.RID, Severity: &high})
		require.NoError(t, err)
		assert.Len(t, alerts, 2)
	})

	t.Run("Summary counts unresolved alerts", func(t *testing.T) {
		summary, err := h.alerts.SelectAlertSummary(ctx, &patient.RID)
		require.NoError(t, err, "Expected SelectAlertSummary to not return an error")
		assert.Equal(t, model.AlertSummary{Total: 5, Critical: 1, High: 2, Medium: 1, Low: 1}, *summary)
	})
}
