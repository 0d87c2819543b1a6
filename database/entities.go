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

// EntitiesDBHandlerFunctions defines the interface for Entities database operations.
type EntitiesDBHandlerFunctions interface {
	ReplaceEntities(ctx context.Context, documentRID uuid.UUID, entities []*model.Entity) error
	SelectEntitiesByDocument(ctx context.Context, documentRID uuid.UUID) ([]*model.Entity, error)
	SelectEntitiesByPatient(ctx context.Context, patientRID uuid.UUID, types []model.EntityType) ([]*model.Entity, error)
	DeleteEntitiesByDocument(ctx context.Context, documentRID uuid.UUID) (int64, error)
}

// EntitiesDBHandler handles entity-related database operations
type EntitiesDBHandler struct {
	db *helper.Database
}

// NewEntitiesDBHandler creates a new entities database handler.
// If force is true, it will reload the SQL functions even if they already exist.
func NewEntitiesDBHandler(db *helper.Database, force bool) (*EntitiesDBHandler, error) {
	if db == nil {
		return nil, helper.NewError("database connection validation", fmt.Errorf("database connection is nil"))
	}

	entitiesDbHandler := &EntitiesDBHandler{
		db: db,
	}

	err := loadSql.LoadEntitiesSql(entitiesDbHandler.db.Instance, force)
	if err != nil {
		return nil, helper.NewError("load entities sql", err)
	}

	err = entitiesDbHandler.CreateTable()
	if err != nil {
		return nil, helper.NewError("create table", err)
	}

	db.Logger.Info("Initialized EntitiesDBHandler")

	return entitiesDbHandler, nil
}

// CreateTable creates the 'entities' table in the database.
func (h *EntitiesDBHandler) CreateTable() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err := h.db.Instance.ExecContext(ctx, `SELECT init_entities();`)
	if err != nil {
		log.Panicf("error initializing entities table: %#v", err)
	}

	h.db.Logger.Info("Checked/created table entities")

	return nil
}

func scanEntity(row rowScanner) (*model.Entity, error) {
	entity := &model.Entity{}
	var normalized sql.NullString
	var confidence sql.NullFloat64
	var startChar, endChar sql.NullInt64

	err := row.Scan(
		&entity.ID,
		&entity.DocumentRID,
		&entity.Type,
		&entity.Value,
		&normalized,
		&confidence,
		&startChar,
		&endChar,
		&entity.Metadata,
		&entity.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	entity.NormalizedValue = stringPtr(normalized)
	entity.Confidence = float64Ptr(confidence)
	entity.StartChar = intPtr(startChar)
	entity.EndChar = intPtr(endChar)

	return entity, nil
}

// ReplaceEntities swaps all entities of a document in one transaction.
// The stored rows are written back into entities.
func (h *EntitiesDBHandler) ReplaceEntities(ctx context.Context, documentRID uuid.UUID, entities []*model.Entity) error {
	tx, err := h.db.Instance.BeginTx(ctx, nil)
	if err != nil {
		return helper.NewError("begin transaction", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `SELECT delete_entities_by_document($1)`, documentRID)
	if err != nil {
		return helper.NewError("exec", err)
	}

	for i, entity := range entities {
		if !entity.Type.IsValid() {
			return helper.NewError(fmt.Sprintf("validate entity %d", i), fmt.Errorf("%w: unknown entity type %q", model.ErrInvalidInput, entity.Type))
		}

		metadata := entity.Metadata
		if metadata == nil {
			metadata = model.Metadata{}
		}

		row := tx.QueryRowContext(
			ctx,
			`SELECT * FROM insert_entity($1, $2, $3, $4, $5, $6, $7, $8)`,
			documentRID,
			string(entity.Type),
			entity.Value,
			nullString(entity.NormalizedValue),
			entity.Confidence,
			entity.StartChar,
			entity.EndChar,
			metadata,
		)
		stored, err := scanEntity(row)
		if err != nil {
			return helper.NewError("scan", notFound(err))
		}
		*entity = *stored
	}

	if err := tx.Commit(); err != nil {
		return helper.NewError("commit", err)
	}

	return nil
}

// SelectEntitiesByDocument returns the entities of a document in text order.
func (h *EntitiesDBHandler) SelectEntitiesByDocument(ctx context.Context, documentRID uuid.UUID) ([]*model.Entity, error) {
	rows, err := h.db.Instance.QueryContext(ctx, `SELECT * FROM select_entities_by_document($1)`, documentRID)
	if err != nil {
		return nil, helper.NewError("query", err)
	}
	defer rows.Close()

	return scanEntities(rows)
}

// SelectEntitiesByPatient returns the entities of all documents of a patient,
// newest document first. An empty types slice returns every type.
func (h *EntitiesDBHandler) SelectEntitiesByPatient(ctx context.Context, patientRID uuid.UUID, types []model.EntityType) ([]*model.Entity, error) {
	typeStrings := make([]string, len(types))
	for i, t := range types {
		typeStrings[i] = string(t)
	}

	rows, err := h.db.Instance.QueryContext(ctx, `SELECT * FROM select_entities_by_patient($1, $2)`, patientRID, pq.Array(typeStrings))
	if err != nil {
		return nil, helper.NewError("query", err)
	}
	defer rows.Close()

	return scanEntities(rows)
}

func scanEntities(rows *sql.Rows) ([]*model.Entity, error) {
	entities := []*model.Entity{}
	for rows.Next() {
		entity, err := scanEntity(rows)
		if err != nil {
			return nil, helper.NewError("scan", err)
		}
		entities = append(entities, entity)
	}
	if err := rows.Err(); err != nil {
		return nil, helper.NewError("rows error", err)
	}
	return entities, nil
}

// DeleteEntitiesByDocument removes all entities of a document.
func (h *EntitiesDBHandler) DeleteEntitiesByDocument(ctx context.Context, documentRID uuid.UUID) (int64, error) {
	var deleted int64
	err := h.db.Instance.QueryRowContext(ctx, `SELECT delete_entities_by_document($1)`, documentRID).Scan(&deleted)
	if err != nil {
		return 0, helper.NewError("exec", err)
	}

	return deleted, nil
}
