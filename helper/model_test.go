package helper

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestModelDir(t *testing.T) {
	t.Run("Default directory", func(t *testing.T) {
		t.Setenv("DOCSALUD_MODEL_DIR", "")
		assert.Equal(t, "./models", ModelDir())
	})

	t.Run("Directory from environment", func(t *testing.T) {
		t.Setenv("DOCSALUD_MODEL_DIR", "/var/lib/docsalud/models")
		assert.Equal(t, "/var/lib/docsalud/models", ModelDir())
	})
}

func TestPrepareModel(t *testing.T) {
	modelDir := t.TempDir()
	t.Setenv("DOCSALUD_MODEL_DIR", modelDir)

	t.Run("Existing NER model is not downloaded again", func(t *testing.T) {
		expectedPath := filepath.Join(modelDir, "KnightsAnalytics_distilbert-NER")
		require.NoError(t, os.MkdirAll(expectedPath, 0750))

		path, err := PrepareModel("KnightsAnalytics/distilbert-NER", "model.onnx")
		assert.NoError(t, err, "Expected PrepareModel to not return an error for an existing model")
		assert.Equal(t, expectedPath, path, "Expected path to use the sanitized model name")
	})

	t.Run("Model name without organization", func(t *testing.T) {
		expectedPath := filepath.Join(modelDir, "clinical-classifier")
		require.NoError(t, os.MkdirAll(expectedPath, 0750))

		path, err := PrepareModel("clinical-classifier", "")
		assert.NoError(t, err)
		assert.Equal(t, expectedPath, path)
	})

	t.Run("Empty model name is rejected", func(t *testing.T) {
		_, err := PrepareModel("  ", "")
		assert.ErrorContains(t, err, "model name is empty")
	})

	t.Run("Missing model is downloaded or reports the download step", func(t *testing.T) {
		if testing.Short() {
			t.Skip("downloads from hugging face")
		}
		path, err := PrepareModel("sentence-transformers/all-MiniLM-L6-v2", "onnx/model.onnx")
		if err != nil {
			assert.ErrorContains(t, err, "download model", "Expected error to name the download step")
			return
		}
		assert.DirExists(t, path, "Expected model directory to exist")
	})
}
