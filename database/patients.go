package database

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/siherrmann/docsalud/helper"
	"github.com/siherrmann/docsalud/model"
	loadSql "github.com/siherrmann/docsalud/sql"
)

// PatientsDBHandlerFunctions defines the interface for Patients database operations.
type PatientsDBHandlerFunctions interface {
	InsertPatient(ctx context.Context, patient *model.Patient) error
	SelectPatient(ctx context.Context, rid uuid.UUID) (*model.Patient, error)
	SelectAllPatients(ctx context.Context, search string, limit int, offset int) (*model.PatientList, error)
	UpdatePatient(ctx context.Context, patient *model.Patient) error
	UpdatePatientRisk(ctx context.Context, rid uuid.UUID, riskScore float64, riskCluster *int) error
	DeletePatient(ctx context.Context, rid uuid.UUID) error
}

// PatientsDBHandler handles patient-related database operations
type PatientsDBHandler struct {
	db *helper.Database
}

// NewPatientsDBHandler creates a new patients database handler.
// If force is true, it will reload the SQL functions even if they already exist.
func NewPatientsDBHandler(db *helper.Database, force bool) (*PatientsDBHandler, error) {
	if db == nil {
		return nil, helper.NewError("database connection validation", fmt.Errorf("database connection is nil"))
	}

	patientsDbHandler := &PatientsDBHandler{
		db: db,
	}

	err := loadSql.LoadPatientsSql(patientsDbHandler.db.Instance, force)
	if err != nil {
		return nil, helper.NewError("load patients sql", err)
	}

	err = patientsDbHandler.CreateTable()
	if err != nil {
		return nil, helper.NewError("create table", err)
	}

	db.Logger.Info("Initialized PatientsDBHandler")

	return patientsDbHandler, nil
}

// CreateTable creates the 'patients' table in the database.
func (h *PatientsDBHandler) CreateTable() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err := h.db.Instance.ExecContext(ctx, `SELECT init_patients();`)
	if err != nil {
		log.Panicf("error initializing patients table: %#v", err)
	}

	h.db.Logger.Info("Checked/created table patients")

	return nil
}

func scanPatient(row rowScanner) (*model.Patient, error) {
	patient := &model.Patient{}
	var externalID, gender, bloodType sql.NullString
	var dateOfBirth sql.NullTime
	var riskCluster sql.NullInt64

	err := row.Scan(
		&patient.ID,
		&patient.RID,
		&externalID,
		&patient.FirstName,
		&patient.LastName,
		&dateOfBirth,
		&gender,
		&bloodType,
		pq.Array(&patient.ChronicConditions),
		&patient.RiskScore,
		&riskCluster,
		&patient.CreatedAt,
		&patient.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	patient.ExternalID = stringPtr(externalID)
	patient.Gender = stringPtr(gender)
	patient.BloodType = stringPtr(bloodType)
	patient.RiskCluster = intPtr(riskCluster)
	if dateOfBirth.Valid {
		dob := dateOfBirth.Time
		patient.DateOfBirth = &dob
	}
	if patient.ChronicConditions == nil {
		patient.ChronicConditions = []string{}
	}

	return patient, nil
}

// InsertPatient inserts a new patient and fills the generated fields.
func (h *PatientsDBHandler) InsertPatient(ctx context.Context, patient *model.Patient) error {
	if err := patient.Validate(); err != nil {
		return helper.NewError("validate patient", err)
	}

	row := h.db.Instance.QueryRowContext(
		ctx,
		`SELECT * FROM insert_patient($1, $2, $3, $4, $5, $6, $7, $8)`,
		nullString(patient.ExternalID),
		patient.FirstName,
		patient.LastName,
		patient.DateOfBirth,
		nullString(patient.Gender),
		nullString(patient.BloodType),
		pq.Array(model.NormalizeConditions(patient.ChronicConditions)),
		patient.RiskScore,
	)

	inserted, err := scanPatient(row)
	if err != nil {
		return helper.NewError("scan", err)
	}
	*patient = *inserted

	return nil
}

// SelectPatient retrieves a patient by RID
func (h *PatientsDBHandler) SelectPatient(ctx context.Context, rid uuid.UUID) (*model.Patient, error) {
	row := h.db.Instance.QueryRowContext(ctx, `SELECT * FROM select_patient($1)`, rid)

	patient, err := scanPatient(row)
	if err != nil {
		return nil, helper.NewError("scan", notFound(err))
	}

	return patient, nil
}

// SelectAllPatients lists patients ordered by name.
// search matches first name, last name and external id.
func (h *PatientsDBHandler) SelectAllPatients(ctx context.Context, search string, limit int, offset int) (*model.PatientList, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	rows, err := h.db.Instance.QueryContext(ctx, `SELECT * FROM select_all_patients($1, $2, $3)`, search, limit, offset)
	if err != nil {
		return nil, helper.NewError("query", err)
	}
	defer rows.Close()

	list := &model.PatientList{Patients: []*model.Patient{}, Limit: limit, Offset: offset}
	for rows.Next() {
		patient, err := scanPatient(rows)
		if err != nil {
			return nil, helper.NewError("scan", err)
		}
		list.Patients = append(list.Patients, patient)
	}
	if err = rows.Err(); err != nil {
		return nil, helper.NewError("rows error", err)
	}

	err = h.db.Instance.QueryRowContext(ctx, `SELECT count_patients($1)`, search).Scan(&list.Total)
	if err != nil {
		return nil, helper.NewError("count", err)
	}

	return list, nil
}

// UpdatePatient updates the demographic fields and the chronic conditions.
// Risk fields are only changed through UpdatePatientRisk.
func (h *PatientsDBHandler) UpdatePatient(ctx context.Context, patient *model.Patient) error {
	if err := patient.Validate(); err != nil {
		return helper.NewError("validate patient", err)
	}

	conditions := model.NormalizeConditions(patient.ChronicConditions)
	row := h.db.Instance.QueryRowContext(
		ctx,
		`SELECT * FROM update_patient($1, $2, $3, $4, $5, $6, $7, $8)`,
		patient.RID,
		nullString(patient.ExternalID),
		patient.FirstName,
		patient.LastName,
		patient.DateOfBirth,
		nullString(patient.Gender),
		nullString(patient.BloodType),
		pq.Array(conditions),
	)

	err := row.Scan(&patient.UpdatedAt)
	if err != nil {
		return helper.NewError("scan", notFound(err))
	}
	patient.ChronicConditions = conditions

	return nil
}

// UpdatePatientRisk stores a new risk score and cluster.
func (h *PatientsDBHandler) UpdatePatientRisk(ctx context.Context, rid uuid.UUID, riskScore float64, riskCluster *int) error {
	if riskScore < 0 || riskScore > 1 {
		return helper.NewError("validate risk score", model.ErrInvalidInput)
	}

	var cluster sql.NullInt64
	if riskCluster != nil {
		cluster = sql.NullInt64{Int64: int64(*riskCluster), Valid: true}
	}

	var updatedAt time.Time
	err := h.db.Instance.QueryRowContext(
		ctx,
		`SELECT * FROM update_patient_risk($1, $2, $3)`,
		rid,
		riskScore,
		cluster,
	).Scan(&updatedAt)
	if err != nil {
		return helper.NewError("scan", notFound(err))
	}

	return nil
}

// DeletePatient deletes a patient together with its documents and alerts.
func (h *PatientsDBHandler) DeletePatient(ctx context.Context, rid uuid.UUID) error {
	var deleted int64
	err := h.db.Instance.QueryRowContext(ctx, `SELECT delete_patient($1)`, rid).Scan(&deleted)
	if err != nil {
		return helper.NewError("exec", err)
	}
	if deleted == 0 {
		return helper.NewError("delete patient", model.ErrNotFound)
	}

	return nil
}
