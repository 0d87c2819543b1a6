package helper

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/knights-analytics/hugot"
)

const defaultModelDir = "./models"

// ModelDir is DOCSALUD_MODEL_DIR or ./models.
func ModelDir() string {
	if dir := os.Getenv("DOCSALUD_MODEL_DIR"); dir != "" {
		return dir
	}
	return defaultModelDir
}

// PrepareModel returns the local path of a hugging face model and downloads
// it into ModelDir first if it is missing. The local directory is the model
// name with slashes replaced by underscores.
func PrepareModel(modelName string, onnxFilePath string) (string, error) {
	if strings.TrimSpace(modelName) == "" {
		return "", NewError("prepare model", fmt.Errorf("model name is empty"))
	}

	modelDir := ModelDir()
	modelPath := filepath.Join(modelDir, strings.ReplaceAll(modelName, "/", "_"))
	if _, err := os.Stat(modelPath); err == nil {
		return modelPath, nil
	} else if !os.IsNotExist(err) {
		return "", NewError("stat model", err)
	}

	if err := os.MkdirAll(modelDir, 0750); err != nil {
		return "", NewError("create model directory", err)
	}
	downloadOptions := hugot.NewDownloadOptions()
	if onnxFilePath != "" {
		downloadOptions.OnnxFilePath = onnxFilePath
	}
	downloadedPath, err := hugot.DownloadModel(modelName, modelDir, downloadOptions)
	if err != nil {
		return "", NewError("download model "+modelName, err)
	}

	return downloadedPath, nil
}
