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

// DocumentsDBHandlerFunctions defines the interface for Documents database operations.
type DocumentsDBHandlerFunctions interface {
	InsertDocument(ctx context.Context, doc *model.Document) error
	SelectDocument(ctx context.Context, rid uuid.UUID) (*model.Document, error)
	SelectDocumentFile(ctx context.Context, rid uuid.UUID) ([]byte, string, error)
	SelectDocuments(ctx context.Context, filter model.DocumentFilter) ([]*model.Document, error)
	SelectDocumentsByStatus(ctx context.Context, statuses []model.ProcessingStatus, limit int) ([]*model.Document, error)
	TransitionDocumentStatus(ctx context.Context, rid uuid.UUID, to model.ProcessingStatus, errorMessage *string) (*model.Document, error)
	UpdateDocumentProcessing(ctx context.Context, doc *model.Document) error
	AssignDocumentPatient(ctx context.Context, rid uuid.UUID, patientRID uuid.UUID) error
	DeleteDocument(ctx context.Context, rid uuid.UUID) error
}

// DocumentsDBHandler handles document-related database operations
type DocumentsDBHandler struct {
	db *helper.Database
}

// NewDocumentsDBHandler creates a new documents database handler.
// It initializes the database connection and loads document-related SQL functions.
// If force is true, it will reload the SQL functions even if they already exist.
func NewDocumentsDBHandler(db *helper.Database, force bool) (*DocumentsDBHandler, error) {
	if db == nil {
		return nil, helper.NewError("database connection validation", fmt.Errorf("database connection is nil"))
	}

	documentsDbHandler := &DocumentsDBHandler{
		db: db,
	}

	err := loadSql.LoadDocumentsSql(documentsDbHandler.db.Instance, force)
	if err != nil {
		return nil, helper.NewError("load documents sql", err)
	}

	err = documentsDbHandler.CreateTable()
	if err != nil {
		return nil, helper.NewError("create table", err)
	}

	db.Logger.Info("Initialized DocumentsDBHandler")

	return documentsDbHandler, nil
}

// CreateTable creates the 'documents' table in the database.
// If the table already exists, it does not create it again.
func (h *DocumentsDBHandler) CreateTable() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err := h.db.Instance.ExecContext(ctx, `SELECT init_documents();`)
	if err != nil {
		log.Panicf("error initializing documents table: %#v", err)
	}

	h.db.Logger.Info("Checked/created table documents")

	return nil
}

func scanDocument(row rowScanner) (*model.Document, error) {
	doc := &model.Document{}
	var patientRID uuid.NullUUID
	var documentType, rawText, errorMessage sql.NullString
	var typeConfidence, extractionConfidence sql.NullFloat64
	var processingTime sql.NullInt64

	err := row.Scan(
		&doc.ID,
		&doc.RID,
		&patientRID,
		&documentType,
		&typeConfidence,
		&doc.TypeProvider,
		&doc.TypeFallback,
		&doc.TypeDistribution,
		&doc.OriginalFilename,
		&doc.MimeType,
		&rawText,
		&extractionConfidence,
		&doc.PageCount,
		&doc.EntitiesExtracted,
		&doc.ChunkCount,
		&doc.Indexed,
		&doc.Searchable,
		&doc.Status,
		&processingTime,
		pq.Array(&doc.Degradations),
		&errorMessage,
		&doc.CreatedAt,
		&doc.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if patientRID.Valid {
		rid := patientRID.UUID
		doc.PatientRID = &rid
	}
	if documentType.Valid {
		t := model.DocumentType(documentType.String)
		doc.DocumentType = &t
	}
	doc.TypeConfidence = float64Ptr(typeConfidence)
	doc.RawText = stringPtr(rawText)
	doc.ExtractionConfidence = float64Ptr(extractionConfidence)
	doc.ErrorMessage = stringPtr(errorMessage)
	if processingTime.Valid {
		ms := processingTime.Int64
		doc.ProcessingTimeMs = &ms
	}

	return doc, nil
}

// InsertDocument stores an uploaded file as a pending document.
func (h *DocumentsDBHandler) InsertDocument(ctx context.Context, doc *model.Document) error {
	if len(doc.FileData) == 0 {
		return helper.NewError("validate document", fmt.Errorf("%w: file is empty", model.ErrInvalidInput))
	}

	var patientRID uuid.NullUUID
	if doc.PatientRID != nil {
		patientRID = uuid.NullUUID{UUID: *doc.PatientRID, Valid: true}
	}

	row := h.db.Instance.QueryRowContext(
		ctx,
		`SELECT * FROM insert_document($1, $2, $3, $4)`,
		patientRID,
		doc.OriginalFilename,
		doc.MimeType,
		doc.FileData,
	)

	inserted, err := scanDocument(row)
	if err != nil {
		return helper.NewError("scan", notFound(err))
	}
	inserted.FileData = doc.FileData
	*doc = *inserted

	return nil
}

// SelectDocument retrieves a document by RID without its file.
func (h *DocumentsDBHandler) SelectDocument(ctx context.Context, rid uuid.UUID) (*model.Document, error) {
	row := h.db.Instance.QueryRowContext(ctx, `SELECT * FROM select_document($1)`, rid)

	doc, err := scanDocument(row)
	if err != nil {
		return nil, helper.NewError("scan", notFound(err))
	}

	return doc, nil
}

// SelectDocumentFile returns the stored file and its mime type.
func (h *DocumentsDBHandler) SelectDocumentFile(ctx context.Context, rid uuid.UUID) ([]byte, string, error) {
	var data []byte
	var mimeType string
	err := h.db.Instance.QueryRowContext(ctx, `SELECT * FROM select_document_file($1)`, rid).Scan(&data, &mimeType)
	if err != nil {
		return nil, "", helper.NewError("scan", notFound(err))
	}

	return data, mimeType, nil
}

// SelectDocuments lists documents newest first.
func (h *DocumentsDBHandler) SelectDocuments(ctx context.Context, filter model.DocumentFilter) ([]*model.Document, error) {
	if filter.Limit <= 0 {
		filter.Limit = 50
	}

	var patientRID uuid.NullUUID
	if filter.PatientRID != nil {
		patientRID = uuid.NullUUID{UUID: *filter.PatientRID, Valid: true}
	}
	var documentType sql.NullString
	if filter.DocumentType != nil {
		documentType = sql.NullString{String: string(*filter.DocumentType), Valid: true}
	}

	rows, err := h.db.Instance.QueryContext(
		ctx,
		`SELECT * FROM select_documents($1, $2, $3, $4)`,
		patientRID,
		documentType,
		filter.Limit,
		filter.Offset,
	)
	if err != nil {
		return nil, helper.NewError("query", err)
	}
	defer rows.Close()

	return scanDocuments(rows)
}

// SelectDocumentsByStatus lists documents in one of statuses, oldest first.
func (h *DocumentsDBHandler) SelectDocumentsByStatus(ctx context.Context, statuses []model.ProcessingStatus, limit int) ([]*model.Document, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := h.db.Instance.QueryContext(
		ctx,
		`SELECT * FROM select_documents_by_status($1, $2)`,
		pq.Array(statusStrings(statuses)),
		limit,
	)
	if err != nil {
		return nil, helper.NewError("query", err)
	}
	defer rows.Close()

	return scanDocuments(rows)
}

func scanDocuments(rows *sql.Rows) ([]*model.Document, error) {
	documents := []*model.Document{}
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, helper.NewError("scan", err)
		}
		documents = append(documents, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, helper.NewError("rows error", err)
	}
	return documents, nil
}

func statusStrings(statuses []model.ProcessingStatus) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}

// TransitionDocumentStatus moves the document to status to.
// The update is conditional on the current status, so two concurrent callers
// cannot both move a document into processing.
// It returns model.ErrInvalidTransition if the current status does not allow it.
func (h *DocumentsDBHandler) TransitionDocumentStatus(ctx context.Context, rid uuid.UUID, to model.ProcessingStatus, errorMessage *string) (*model.Document, error) {
	sources := model.TransitionSources(to)
	if len(sources) == 0 {
		return nil, helper.NewError("transition document status", fmt.Errorf("%w: nothing moves to %s", model.ErrInvalidTransition, to))
	}

	row := h.db.Instance.QueryRowContext(
		ctx,
		`SELECT * FROM transition_document_status($1, $2, $3, $4)`,
		rid,
		string(to),
		pq.Array(statusStrings(sources)),
		nullString(errorMessage),
	)

	doc, err := scanDocument(row)
	if err == sql.ErrNoRows {
		current, selectErr := h.SelectDocument(ctx, rid)
		if selectErr != nil {
			return nil, selectErr
		}
		return nil, helper.NewError("transition document status", fmt.Errorf("%w: %s -> %s", model.ErrInvalidTransition, current.Status, to))
	}
	if err != nil {
		return nil, helper.NewError("scan", err)
	}

	return doc, nil
}

// UpdateDocumentProcessing writes every stage output of doc.
// The processing status is not touched, see TransitionDocumentStatus.
func (h *DocumentsDBHandler) UpdateDocumentProcessing(ctx context.Context, doc *model.Document) error {
	var documentType sql.NullString
	if doc.DocumentType != nil {
		documentType = sql.NullString{String: string(*doc.DocumentType), Valid: true}
	}
	var processingTime sql.NullInt64
	if doc.ProcessingTimeMs != nil {
		processingTime = sql.NullInt64{Int64: *doc.ProcessingTimeMs, Valid: true}
	}
	degradations := doc.Degradations
	if degradations == nil {
		degradations = []string{}
	}

	row := h.db.Instance.QueryRowContext(
		ctx,
		`SELECT * FROM update_document_processing($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		doc.RID,
		documentType,
		doc.TypeConfidence,
		doc.TypeProvider,
		doc.TypeFallback,
		doc.TypeDistribution,
		nullString(doc.RawText),
		doc.ExtractionConfidence,
		doc.PageCount,
		doc.EntitiesExtracted,
		doc.ChunkCount,
		doc.Indexed,
		doc.Searchable,
		processingTime,
		pq.Array(degradations),
		nullString(doc.ErrorMessage),
	)

	err := row.Scan(&doc.UpdatedAt)
	if err != nil {
		return helper.NewError("scan", notFound(err))
	}

	return nil
}

// AssignDocumentPatient links a document to a patient.
func (h *DocumentsDBHandler) AssignDocumentPatient(ctx context.Context, rid uuid.UUID, patientRID uuid.UUID) error {
	var updatedAt time.Time
	err := h.db.Instance.QueryRowContext(ctx, `SELECT * FROM assign_document_patient($1, $2)`, rid, patientRID).Scan(&updatedAt)
	if err != nil {
		return helper.NewError("scan", notFound(err))
	}

	return nil
}

// DeleteDocument deletes a document with its entities and chunks.
func (h *DocumentsDBHandler) DeleteDocument(ctx context.Context, rid uuid.UUID) error {
	var deleted int64
	err := h.db.Instance.QueryRowContext(ctx, `SELECT delete_document($1)`, rid).Scan(&deleted)
	if err != nil {
		return helper.NewError("exec", err)
	}
	if deleted == 0 {
		return helper.NewError("delete document", model.ErrNotFound)
	}

	return nil
}
