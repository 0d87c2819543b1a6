package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// QueryConfig represents configuration for a retrieval query
type QueryConfig struct {
	TopK            int     `json:"top_k"`
	SimilarityFloor float64 `json:"similarity_floor"`

	// PatientRID restricts the search to one patient's documents.
	PatientRID *uuid.UUID `json:"patient_rid,omitempty"`
	QueryType  QueryType  `json:"query_type"`
}

// DefaultQueryConfig returns a sensible default configuration
func DefaultQueryConfig() QueryConfig {
	return QueryConfig{
		TopK:            5,
		SimilarityFloor: 0.3,
		QueryType:       QueryTypeGeneral,
	}
}

// Validate checks bounds.
func (c QueryConfig) Validate() error {
	if c.TopK <= 0 {
		return fmt.Errorf("%w: top_k must be positive", ErrInvalidInput)
	}
	if c.SimilarityFloor < -1 || c.SimilarityFloor > 1 {
		return fmt.Errorf("%w: similarity floor must be within [-1, 1]", ErrInvalidInput)
	}
	if c.QueryType != "" && !c.QueryType.IsValid() {
		return fmt.Errorf("%w: unknown query type %q", ErrInvalidInput, c.QueryType)
	}
	return nil
}

// ChunkingConfig controls the overlap chunker.
type ChunkingConfig struct {
	Size      int `json:"size" yaml:"size"`
	Overlap   int `json:"overlap" yaml:"overlap"`
	Tolerance int `json:"tolerance" yaml:"tolerance"`
}

func (c ChunkingConfig) Validate() error {
	if c.Size <= 0 {
		return fmt.Errorf("%w: chunk size must be positive", ErrInvalidInput)
	}
	if c.Overlap < 0 || c.Tolerance < 0 {
		return fmt.Errorf("%w: chunk overlap and tolerance must not be negative", ErrInvalidInput)
	}
	if c.Overlap+c.Tolerance >= c.Size {
		return fmt.Errorf("%w: chunk overlap plus tolerance must be smaller than the chunk size", ErrInvalidInput)
	}
	return nil
}

// RetryConfig bounds the retries of one adapter call.
type RetryConfig struct {
	MaxRetries      uint64        `json:"max_retries"`
	InitialInterval time.Duration `json:"initial_interval"`
	MaxInterval     time.Duration `json:"max_interval"`
	// Timeout applies to every single attempt.
	Timeout time.Duration `json:"timeout"`
}

// SeverityBands maps an anomaly score to a severity.
// A score below Medium raises nothing.
type SeverityBands struct {
	Medium   float64 `json:"medium" yaml:"medium"`
	High     float64 `json:"high" yaml:"high"`
	Critical float64 `json:"critical" yaml:"critical"`
}

func DefaultSeverityBands() SeverityBands {
	return SeverityBands{Medium: 0.3, High: 0.6, Critical: 0.8}
}

// SeverityFor returns the band of score and false if it is below every band.
// Medium and high include their lower bound, critical starts strictly above
// its threshold, so a score of exactly 0.8 is high with the default bands.
func (b SeverityBands) SeverityFor(score float64) (Severity, bool) {
	switch {
	case score > b.Critical:
		return SeverityCritical, true
	case score >= b.High:
		return SeverityHigh, true
	case score >= b.Medium:
		return SeverityMedium, true
	}
	return "", false
}

// PipelineConfig holds every tunable of document processing and retrieval.
type PipelineConfig struct {
	EmbeddingDimension int            `json:"embedding_dimension"`
	Chunking           ChunkingConfig `json:"chunking"`
	Retry              RetryConfig    `json:"retry"`
	Query              QueryConfig    `json:"query"`
	SeverityBands      SeverityBands  `json:"severity_bands"`
	// MaxConcurrentDocuments bounds the asynchronous pipeline runs.
	MaxConcurrentDocuments int64 `json:"max_concurrent_documents"`
	// IndexType is hnsw or ivfflat.
	IndexType string `json:"index_type"`
	// AlertRulesPath points to a yaml rule file. Empty uses the built in rules.
	AlertRulesPath string `json:"alert_rules_path,omitempty"`
}

// DefaultPipelineConfig returns the defaults used when nothing is configured.
func DefaultPipelineConfig() PipelineConfig {
	return PipelineConfig{
		EmbeddingDimension: 384,
		Chunking: ChunkingConfig{
			Size:      800,
			Overlap:   100,
			Tolerance: 120,
		},
		Retry: RetryConfig{
			MaxRetries:      3,
			InitialInterval: 200 * time.Millisecond,
			MaxInterval:     2 * time.Second,
			Timeout:         30 * time.Second,
		},
		Query:                  DefaultQueryConfig(),
		SeverityBands:          DefaultSeverityBands(),
		MaxConcurrentDocuments: 4,
		IndexType:              "hnsw",
	}
}

func (c PipelineConfig) Validate() error {
	if c.EmbeddingDimension <= 0 {
		return fmt.Errorf("%w: embedding dimension must be positive", ErrInvalidInput)
	}
	if err := c.Chunking.Validate(); err != nil {
		return err
	}
	if err := c.Query.Validate(); err != nil {
		return err
	}
	if c.Retry.Timeout <= 0 {
		return fmt.Errorf("%w: retry timeout must be positive", ErrInvalidInput)
	}
	b := c.SeverityBands
	if !(b.Medium <= b.High && b.High <= b.Critical) {
		return fmt.Errorf("%w: severity bands must be ascending", ErrInvalidInput)
	}
	if c.MaxConcurrentDocuments <= 0 {
		return fmt.Errorf("%w: max concurrent documents must be positive", ErrInvalidInput)
	}
	if c.IndexType != "hnsw" && c.IndexType != "ivfflat" {
		return fmt.Errorf("%w: unknown index type %q", ErrInvalidInput, c.IndexType)
	}
	return nil
}
