package database

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/siherrmann/docsalud/helper"
)

const chunksEmbeddingIndex = "idx_chunks_embedding"

// ChangeIndexType rebuilds the chunk embedding index as hnsw or ivfflat.
// Drop and create run in one transaction, so a failed build keeps the old index.
//   - hnsw params: "m" (default 16), "ef_construction" (default 64)
//   - ivfflat params: "lists" (default 100)
func (h *ChunksDBHandler) ChangeIndexType(ctx context.Context, indexType string, params map[string]interface{}) error {
	createIndexSQL, err := embeddingIndexSQL(indexType, params)
	if err != nil {
		return helper.NewError("change index type", err)
	}

	ctx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()

	tx, err := h.db.Instance.BeginTx(ctx, nil)
	if err != nil {
		return helper.NewError("begin transaction", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `DROP INDEX IF EXISTS `+chunksEmbeddingIndex+`;`)
	if err != nil {
		return helper.NewError("drop index", err)
	}

	_, err = tx.ExecContext(ctx, createIndexSQL)
	if err != nil {
		return helper.NewError("create index", err)
	}

	if err := tx.Commit(); err != nil {
		return helper.NewError("commit", err)
	}

	h.db.Logger.Info("Rebuilt chunk embedding index", "type", indexType, "params", params)

	return nil
}

// CurrentIndexType returns the access method of the embedding index,
// or an empty string when no index exists.
func (h *ChunksDBHandler) CurrentIndexType(ctx context.Context) (string, error) {
	var definition string
	err := h.db.Instance.QueryRowContext(
		ctx,
		`SELECT COALESCE((SELECT indexdef FROM pg_indexes WHERE indexname = $1), '')`,
		chunksEmbeddingIndex,
	).Scan(&definition)
	if err != nil {
		return "", helper.NewError("scan", err)
	}

	switch {
	case strings.Contains(definition, "USING hnsw"):
		return "hnsw", nil
	case strings.Contains(definition, "USING ivfflat"):
		return "ivfflat", nil
	}
	return "", nil
}

func embeddingIndexSQL(indexType string, params map[string]interface{}) (string, error) {
	intParam := func(name string, def int) (int, error) {
		v, ok := params[name]
		if !ok {
			return def, nil
		}
		i, ok := v.(int)
		if !ok || i <= 0 {
			return 0, fmt.Errorf("index parameter %s must be a positive int", name)
		}
		return i, nil
	}

	switch indexType {
	case "hnsw":
		m, err := intParam("m", 16)
		if err != nil {
			return "", err
		}
		efConstruction, err := intParam("ef_construction", 64)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf(
			`CREATE INDEX %s ON chunks USING hnsw (embedding vector_cosine_ops) WITH (m = %d, ef_construction = %d);`,
			chunksEmbeddingIndex, m, efConstruction,
		), nil
	case "ivfflat":
		lists, err := intParam("lists", 100)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf(
			`CREATE INDEX %s ON chunks USING ivfflat (embedding vector_cosine_ops) WITH (lists = %d);`,
			chunksEmbeddingIndex, lists,
		), nil
	}
	return "", fmt.Errorf("unsupported index type: %s (use 'hnsw' or 'ivfflat')", indexType)
}
