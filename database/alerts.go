package database

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/siherrmann/docsalud/helper"
	"github.com/siherrmann/docsalud/model"
	loadSql "github.com/siherrmann/docsalud/sql"
)

// AlertsDBHandlerFunctions defines the interface for Alerts database operations.
type AlertsDBHandlerFunctions interface {
	InsertAlert(ctx context.Context, alert *model.Alert) (bool, error)
	SelectAlert(ctx context.Context, rid uuid.UUID) (*model.Alert, error)
	SelectUnresolvedAlert(ctx context.Context, patientRID uuid.UUID, alertType string) (*model.Alert, error)
	SelectAlerts(ctx context.Context, filter model.AlertFilter) ([]*model.Alert, error)
	SelectAlertSummary(ctx context.Context, patientRID *uuid.UUID) (*model.AlertSummary, error)
	ResolveAlert(ctx context.Context, rid uuid.UUID) (*model.Alert, error)
}

// AlertsDBHandler handles alert-related database operations
type AlertsDBHandler struct {
	db *helper.Database
}

// NewAlertsDBHandler creates a new alerts database handler.
// If force is true, it will reload the SQL functions even if they already exist.
func NewAlertsDBHandler(db *helper.Database, force bool) (*AlertsDBHandler, error) {
	if db == nil {
		return nil, helper.NewError("database connection validation", fmt.Errorf("database connection is nil"))
	}

	alertsDbHandler := &AlertsDBHandler{
		db: db,
	}

	err := loadSql.LoadAlertsSql(alertsDbHandler.db.Instance, force)
	if err != nil {
		return nil, helper.NewError("load alerts sql", err)
	}

	err = alertsDbHandler.CreateTable()
	if err != nil {
		return nil, helper.NewError("create table", err)
	}

	db.Logger.Info("Initialized AlertsDBHandler")

	return alertsDbHandler, nil
}

// CreateTable creates the 'alerts' table in the database.
func (h *AlertsDBHandler) CreateTable() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err := h.db.Instance.ExecContext(ctx, `SELECT init_alerts();`)
	if err != nil {
		log.Panicf("error initializing alerts table: %#v", err)
	}

	h.db.Logger.Info("Checked/created table alerts")

	return nil
}

func scanAlert(row rowScanner) (*model.Alert, error) {
	alert := &model.Alert{}
	var documentRID uuid.NullUUID
	var description sql.NullString
	var resolvedAt sql.NullTime

	err := row.Scan(
		&alert.ID,
		&alert.RID,
		&alert.PatientRID,
		&documentRID,
		&alert.AlertType,
		&alert.Severity,
		&alert.Title,
		&description,
		&alert.IsResolved,
		&resolvedAt,
		&alert.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	if documentRID.Valid {
		rid := documentRID.UUID
		alert.DocumentRID = &rid
	}
	alert.Description = stringPtr(description)
	if resolvedAt.Valid {
		t := resolvedAt.Time
		alert.ResolvedAt = &t
	}

	return alert, nil
}

// InsertAlert stores a new unresolved alert.
// It returns false without error when an unresolved alert of the same
// type already exists for the patient.
func (h *AlertsDBHandler) InsertAlert(ctx context.Context, alert *model.Alert) (bool, error) {
	if !alert.Severity.IsValid() {
		return false, helper.NewError("validate alert", fmt.Errorf("%w: unknown severity %q", model.ErrInvalidInput, alert.Severity))
	}

	var documentRID uuid.NullUUID
	if alert.DocumentRID != nil {
		documentRID = uuid.NullUUID{UUID: *alert.DocumentRID, Valid: true}
	}

	row := h.db.Instance.QueryRowContext(
		ctx,
		`SELECT * FROM insert_alert($1, $2, $3, $4, $5, $6)`,
		alert.PatientRID,
		documentRID,
		alert.AlertType,
		string(alert.Severity),
		alert.Title,
		nullString(alert.Description),
	)

	inserted, err := scanAlert(row)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, helper.NewError("scan", notFound(err))
	}
	*alert = *inserted

	return true, nil
}

// SelectAlert retrieves an alert by RID
func (h *AlertsDBHandler) SelectAlert(ctx context.Context, rid uuid.UUID) (*model.Alert, error) {
	row := h.db.Instance.QueryRowContext(ctx, `SELECT * FROM select_alert($1)`, rid)

	alert, err := scanAlert(row)
	if err != nil {
		return nil, helper.NewError("scan", notFound(err))
	}

	return alert, nil
}

// SelectUnresolvedAlert returns the open alert of a type for a patient.
// It returns nil without error if there is none.
func (h *AlertsDBHandler) SelectUnresolvedAlert(ctx context.Context, patientRID uuid.UUID, alertType string) (*model.Alert, error) {
	row := h.db.Instance.QueryRowContext(ctx, `SELECT * FROM select_unresolved_alert($1, $2)`, patientRID, alertType)

	alert, err := scanAlert(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, helper.NewError("scan", err)
	}

	return alert, nil
}

// SelectAlerts lists alerts most severe first, then newest first.
func (h *AlertsDBHandler) SelectAlerts(ctx context.Context, filter model.AlertFilter) ([]*model.Alert, error) {
	if filter.Limit <= 0 {
		filter.Limit = 100
	}

	var patientRID uuid.NullUUID
	if filter.PatientRID != nil {
		patientRID = uuid.NullUUID{UUID: *filter.PatientRID, Valid: true}
	}
	var severity sql.NullString
	if filter.Severity != nil {
		severity = sql.NullString{String: string(*filter.Severity), Valid: true}
	}

	rows, err := h.db.Instance.QueryContext(
		ctx,
		`SELECT * FROM select_alerts($1, $2, $3, $4)`,
		patientRID,
		severity,
		filter.Resolved,
		filter.Limit,
	)
	if err != nil {
		return nil, helper.NewError("query", err)
	}
	defer rows.Close()

	alerts := []*model.Alert{}
	for rows.Next() {
		alert, err := scanAlert(rows)
		if err != nil {
			return nil, helper.NewError("scan", err)
		}
		alerts = append(alerts, alert)
	}
	if err = rows.Err(); err != nil {
		return nil, helper.NewError("rows error", err)
	}

	return alerts, nil
}

// SelectAlertSummary counts unresolved alerts by severity.
func (h *AlertsDBHandler) SelectAlertSummary(ctx context.Context, patientRID *uuid.UUID) (*model.AlertSummary, error) {
	var patient uuid.NullUUID
	if patientRID != nil {
		patient = uuid.NullUUID{UUID: *patientRID, Valid: true}
	}

	summary := &model.AlertSummary{}
	err := h.db.Instance.QueryRowContext(ctx, `SELECT * FROM select_alert_summary($1)`, patient).Scan(
		&summary.Total,
		&summary.Critical,
		&summary.High,
		&summary.Medium,
		&summary.Low,
	)
	if err != nil {
		return nil, helper.NewError("scan", err)
	}

	return summary, nil
}

// ResolveAlert marks an alert resolved. Resolving twice keeps the first timestamp.
func (h *AlertsDBHandler) ResolveAlert(ctx context.Context, rid uuid.UUID) (*model.Alert, error) {
	var isResolved bool
	var resolvedAt time.Time
	err := h.db.Instance.QueryRowContext(ctx, `SELECT * FROM resolve_alert($1)`, rid).Scan(&isResolved, &resolvedAt)
	if err != nil {
		return nil, helper.NewError("scan", notFound(err))
	}

	return h.SelectAlert(ctx, rid)
}
