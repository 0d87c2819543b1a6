package database

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
	"github.com/siherrmann/docsalud/helper"
	"github.com/siherrmann/docsalud/model"
	loadSql "github.com/siherrmann/docsalud/sql"
)

// ChunksDBHandlerFunctions defines the interface for Chunks database operations.
type ChunksDBHandlerFunctions interface {
	ReplaceChunks(ctx context.Context, documentRID uuid.UUID, chunks []*model.Chunk) error
	SelectChunksByDocument(ctx context.Context, documentRID uuid.UUID) ([]*model.Chunk, error)
	SelectChunksBySimilarity(ctx context.Context, embedding []float32, limit int, floor float64, patientRID *uuid.UUID) ([]*model.RetrievalResult, error)
	DeleteChunksByDocument(ctx context.Context, documentRID uuid.UUID) (int64, error)
	ChangeIndexType(ctx context.Context, indexType string, params map[string]interface{}) error
}

// ChunksDBHandler handles chunk-related database operations
type ChunksDBHandler struct {
	db           *helper.Database
	embeddingDim int
}

// NewChunksDBHandler creates a new chunks database handler.
// It initializes the database connection and loads chunk-related SQL functions.
// If force is true, it will reload the SQL functions even if they already exist.
func NewChunksDBHandler(db *helper.Database, embeddingDim int, force bool) (*ChunksDBHandler, error) {
	if db == nil {
		return nil, helper.NewError("database connection validation", fmt.Errorf("database connection is nil"))
	}
	if embeddingDim <= 0 {
		return nil, helper.NewError("embedding dimension validation", fmt.Errorf("embedding dimension must be positive"))
	}

	chunksDbHandler := &ChunksDBHandler{
		db:           db,
		embeddingDim: embeddingDim,
	}

	err := loadSql.LoadChunksSql(chunksDbHandler.db.Instance, force)
	if err != nil {
		return nil, helper.NewError("load chunks sql", err)
	}

	err = chunksDbHandler.CreateTable(embeddingDim)
	if err != nil {
		return nil, helper.NewError("create table", err)
	}

	db.Logger.Info("Initialized ChunksDBHandler")

	return chunksDbHandler, nil
}

// CreateTable creates the 'chunks' table in the database.
// If the table already exists, it does not create it again.
func (h *ChunksDBHandler) CreateTable(embeddingDim int) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err := h.db.Instance.ExecContext(ctx, `SELECT init_chunks($1);`, embeddingDim)
	if err != nil {
		log.Panicf("error initializing chunks table: %#v", err)
	}

	h.db.Logger.Info("Checked/created table chunks")

	return nil
}

// ReplaceChunks swaps all chunks of a document in one transaction.
// Either every chunk is stored or the previous chunks stay untouched.
func (h *ChunksDBHandler) ReplaceChunks(ctx context.Context, documentRID uuid.UUID, chunks []*model.Chunk) error {
	for i, chunk := range chunks {
		if len(chunk.Embedding) != h.embeddingDim {
			return helper.NewError(fmt.Sprintf("validate chunk %d", i), fmt.Errorf("%w: embedding has %d dimensions, expected %d", model.ErrInvalidInput, len(chunk.Embedding), h.embeddingDim))
		}
	}

	tx, err := h.db.Instance.BeginTx(ctx, nil)
	if err != nil {
		return helper.NewError("begin transaction", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `SELECT delete_chunks_by_document($1)`, documentRID)
	if err != nil {
		return helper.NewError("exec", err)
	}

	for i, chunk := range chunks {
		metadata := chunk.Metadata
		if metadata == nil {
			metadata = model.Metadata{}
		}

		row := tx.QueryRowContext(
			ctx,
			`SELECT * FROM insert_chunk($1, $2, $3, $4, $5, $6, $7)`,
			documentRID,
			chunk.ChunkIndex,
			chunk.Content,
			chunk.StartPos,
			chunk.EndPos,
			pgvector.NewVector(chunk.Embedding),
			metadata,
		)
		err := row.Scan(&chunk.ID, &chunk.CreatedAt)
		if err != nil {
			return helper.NewError(fmt.Sprintf("insert chunk %d", i), notFound(err))
		}
		chunk.DocumentRID = documentRID
	}

	if err := tx.Commit(); err != nil {
		return helper.NewError("commit", err)
	}

	return nil
}

// SelectChunksByDocument returns the chunks of a document in order.
func (h *ChunksDBHandler) SelectChunksByDocument(ctx context.Context, documentRID uuid.UUID) ([]*model.Chunk, error) {
	rows, err := h.db.Instance.QueryContext(ctx, `SELECT * FROM select_chunks_by_document($1)`, documentRID)
	if err != nil {
		return nil, helper.NewError("query", err)
	}
	defer rows.Close()

	chunks := []*model.Chunk{}
	for rows.Next() {
		chunk := &model.Chunk{}
		var embedding pgvector.Vector
		err := rows.Scan(
			&chunk.ID,
			&chunk.DocumentRID,
			&chunk.ChunkIndex,
			&chunk.Content,
			&chunk.StartPos,
			&chunk.EndPos,
			&embedding,
			&chunk.Metadata,
			&chunk.CreatedAt,
		)
		if err != nil {
			return nil, helper.NewError("scan", err)
		}
		chunk.Embedding = embedding.Slice()
		chunks = append(chunks, chunk)
	}
	if err = rows.Err(); err != nil {
		return nil, helper.NewError("rows error", err)
	}

	return chunks, nil
}

// SelectChunksBySimilarity returns at most limit chunks with cosine similarity
// of at least floor, highest first. Equal similarities prefer newer documents.
// Only chunks of completed documents flagged searchable are returned.
// A non-nil patientRID restricts the search to that patient's documents.
func (h *ChunksDBHandler) SelectChunksBySimilarity(ctx context.Context, embedding []float32, limit int, floor float64, patientRID *uuid.UUID) ([]*model.RetrievalResult, error) {
	var patient uuid.NullUUID
	if patientRID != nil {
		patient = uuid.NullUUID{UUID: *patientRID, Valid: true}
	}

	rows, err := h.db.Instance.QueryContext(
		ctx,
		`SELECT * FROM select_chunks_by_similarity($1, $2, $3, $4)`,
		pgvector.NewVector(embedding),
		limit,
		floor,
		patient,
	)
	if err != nil {
		return nil, helper.NewError("query", err)
	}
	defer rows.Close()

	results := []*model.RetrievalResult{}
	for rows.Next() {
		chunk := &model.Chunk{}
		result := &model.RetrievalResult{Chunk: chunk}
		var documentType *string
		var resultPatient uuid.NullUUID
		err := rows.Scan(
			&chunk.ID,
			&chunk.DocumentRID,
			&chunk.ChunkIndex,
			&chunk.Content,
			&chunk.StartPos,
			&chunk.EndPos,
			&chunk.Metadata,
			&chunk.CreatedAt,
			&result.Similarity,
			&documentType,
			&result.DocumentCreatedAt,
			&resultPatient,
		)
		if err != nil {
			return nil, helper.NewError("scan", err)
		}
		if documentType != nil {
			t := model.DocumentType(*documentType)
			result.DocumentType = &t
		}
		if resultPatient.Valid {
			rid := resultPatient.UUID
			result.PatientRID = &rid
		}
		results = append(results, result)
	}
	if err = rows.Err(); err != nil {
		return nil, helper.NewError("rows error", err)
	}

	return results, nil
}

// DeleteChunksByDocument removes all chunks of a document.
func (h *ChunksDBHandler) DeleteChunksByDocument(ctx context.Context, documentRID uuid.UUID) (int64, error) {
	var deleted int64
	err := h.db.Instance.QueryRowContext(ctx, `SELECT delete_chunks_by_document($1)`, documentRID).Scan(&deleted)
	if err != nil {
		return 0, helper.NewError("exec", err)
	}

	return deleted, nil
}
