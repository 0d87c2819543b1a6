package helper

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/siherrmann/docsalud/model"
)

// NewPipelineConfiguration returns the default pipeline configuration with
// every DOCSALUD_* environment variable that is set applied on top.
// A .env file in the working directory is loaded first when present.
func NewPipelineConfiguration() (*model.PipelineConfig, error) {
	_ = godotenv.Load()

	config := model.DefaultPipelineConfig()
	env := envReader{}

	env.setInt("DOCSALUD_EMBEDDING_DIMENSION", &config.EmbeddingDimension)
	env.setInt("DOCSALUD_CHUNK_SIZE", &config.Chunking.Size)
	env.setInt("DOCSALUD_CHUNK_OVERLAP", &config.Chunking.Overlap)
	env.setInt("DOCSALUD_CHUNK_TOLERANCE", &config.Chunking.Tolerance)
	env.setUint64("DOCSALUD_MAX_RETRIES", &config.Retry.MaxRetries)
	env.setDuration("DOCSALUD_RETRY_INITIAL_INTERVAL", &config.Retry.InitialInterval)
	env.setDuration("DOCSALUD_RETRY_MAX_INTERVAL", &config.Retry.MaxInterval)
	env.setDuration("DOCSALUD_STAGE_TIMEOUT", &config.Retry.Timeout)
	env.setInt("DOCSALUD_TOP_K", &config.Query.TopK)
	env.setFloat64("DOCSALUD_SIMILARITY_FLOOR", &config.Query.SimilarityFloor)
	env.setFloat64("DOCSALUD_SEVERITY_MEDIUM", &config.SeverityBands.Medium)
	env.setFloat64("DOCSALUD_SEVERITY_HIGH", &config.SeverityBands.High)
	env.setFloat64("DOCSALUD_SEVERITY_CRITICAL", &config.SeverityBands.Critical)
	env.setInt64("DOCSALUD_MAX_CONCURRENT_DOCUMENTS", &config.MaxConcurrentDocuments)
	env.setString("DOCSALUD_INDEX_TYPE", &config.IndexType)
	env.setString("DOCSALUD_ALERT_RULES", &config.AlertRulesPath)

	if env.err != nil {
		return nil, NewError("pipeline configuration", env.err)
	}
	if err := config.Validate(); err != nil {
		return nil, NewError("pipeline configuration", err)
	}

	return &config, nil
}

// ProviderConfiguration selects the model providers of the default pipeline.
// Empty keys disable the hosted provider, empty model names the local one.
type ProviderConfiguration struct {
	OpenAIAPIKey    string
	OpenAIBaseURL   string
	OpenAIModel     string
	AnthropicAPIKey string
	AnthropicModel  string

	// EmbeddingModel switches embeddings from the local model to OpenAI.
	EmbeddingModel string
	// ClassifierModel is a hugot text classification model used before the keyword classifier.
	ClassifierModel string
	// NERModel is the hugot token classification model.
	NERModel string
}

// NewProviderConfiguration reads the OPENAI_*, ANTHROPIC_* and DOCSALUD_*_MODEL environment variables.
func NewProviderConfiguration() *ProviderConfiguration {
	_ = godotenv.Load()

	return &ProviderConfiguration{
		OpenAIAPIKey:    os.Getenv("OPENAI_API_KEY"),
		OpenAIBaseURL:   os.Getenv("OPENAI_BASE_URL"),
		OpenAIModel:     os.Getenv("OPENAI_MODEL"),
		AnthropicAPIKey: os.Getenv("ANTHROPIC_API_KEY"),
		AnthropicModel:  os.Getenv("ANTHROPIC_MODEL"),
		EmbeddingModel:  os.Getenv("OPENAI_EMBEDDING_MODEL"),
		ClassifierModel: os.Getenv("DOCSALUD_CLASSIFIER_MODEL"),
		NERModel:        os.Getenv("DOCSALUD_NER_MODEL"),
	}
}

// envReader parses environment variables and keeps the first error.
type envReader struct {
	err error
}

func (r *envReader) lookup(key string) (string, bool) {
	if r.err != nil {
		return "", false
	}
	value, ok := os.LookupEnv(key)
	return value, ok && value != ""
}

func (r *envReader) fail(key string, value string, err error) {
	r.err = fmt.Errorf("%w: %s=%q: %w", model.ErrInvalidInput, key, value, err)
}

func (r *envReader) setString(key string, target *string) {
	if value, ok := r.lookup(key); ok {
		*target = value
	}
}

func (r *envReader) setInt(key string, target *int) {
	if value, ok := r.lookup(key); ok {
		parsed, err := strconv.Atoi(value)
		if err != nil {
			r.fail(key, value, err)
			return
		}
		*target = parsed
	}
}

func (r *envReader) setInt64(key string, target *int64) {
	if value, ok := r.lookup(key); ok {
		parsed, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			r.fail(key, value, err)
			return
		}
		*target = parsed
	}
}

func (r *envReader) setUint64(key string, target *uint64) {
	if value, ok := r.lookup(key); ok {
		parsed, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			r.fail(key, value, err)
			return
		}
		*target = parsed
	}
}

func (r *envReader) setFloat64(key string, target *float64) {
	if value, ok := r.lookup(key); ok {
		parsed, err := strconv.ParseFloat(value, 64)
		if err != nil {
			r.fail(key, value, err)
			return
		}
		*target = parsed
	}
}

func (r *envReader) setDuration(key string, target *time.Duration) {
	if value, ok := r.lookup(key); ok {
		parsed, err := time.ParseDuration(value)
		if err != nil {
			r.fail(key, value, err)
			return
		}
		*target = parsed
	}
}
