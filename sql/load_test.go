package sql

import (
	"database/sql"
	"testing"

	_ "github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInit(t *testing.T) {
	db := initDB(t)
	defer db.Close()

	t.Run("Initialize database extensions", func(t *testing.T) {
		err := Init(db.Instance)
		assert.NoError(t, err)

		// Verify pgvector extension is created
		var exists bool
		err = db.Instance.QueryRow("SELECT EXISTS(SELECT 1 FROM pg_extension WHERE extname = 'vector');").Scan(&exists)
		require.NoError(t, err)
		assert.True(t, exists, "pgvector extension should be created")
	})

	t.Run("Initialize database extensions is idempotent", func(t *testing.T) {
		err := Init(db.Instance)
		assert.NoError(t, err)

		err = Init(db.Instance)
		assert.NoError(t, err)
	})
}

func TestLoadSql(t *testing.T) {
	db := initDB(t)
	defer db.Close()

	loaders := []struct {
		name      string
		load      func(*sql.DB, bool) error
		functions []string
	}{
		{"patients", LoadPatientsSql, PatientsFunctions},
		{"documents", LoadDocumentsSql, DocumentsFunctions},
		{"entities", LoadEntitiesSql, EntitiesFunctions},
		{"chunks", LoadChunksSql, ChunksFunctions},
		{"alerts", LoadAlertsSql, AlertsFunctions},
	}

	for _, loader := range loaders {
		t.Run("Load "+loader.name+" SQL functions", func(t *testing.T) {
			err := loader.load(db.Instance, false)
			assert.NoError(t, err)

			for _, funcName := range loader.functions {
				var exists bool
				err = db.Instance.QueryRow("SELECT EXISTS(SELECT 1 FROM pg_proc WHERE proname = $1);", funcName).Scan(&exists)
				require.NoError(t, err)
				assert.True(t, exists, "Function %s should exist", funcName)
			}
		})

		t.Run("Load "+loader.name+" SQL is idempotent without force", func(t *testing.T) {
			err := loader.load(db.Instance, false)
			assert.NoError(t, err)
		})

		t.Run("Load "+loader.name+" SQL with force reloads", func(t *testing.T) {
			err := loader.load(db.Instance, true)
			assert.NoError(t, err)
		})
	}
}

func TestLoadAllSql(t *testing.T) {
	db := initDB(t)
	defer db.Close()

	err := LoadAllSql(db.Instance, true)
	assert.NoError(t, err, "Expected LoadAllSql to not return an error")

	exist, err := checkFunctions(db.Instance, AlertsFunctions)
	require.NoError(t, err)
	assert.True(t, exist, "Expected alert functions to exist")

	exist, err = checkFunctions(db.Instance, []string{"function_that_does_not_exist"})
	require.NoError(t, err)
	assert.False(t, exist, "Expected unknown function to be reported missing")
}
