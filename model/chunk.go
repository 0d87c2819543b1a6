package model

import (
	"time"

	"github.com/google/uuid"
)

// Chunk is a contiguous span of a document's text with its embedding.
// StartPos and EndPos are byte offsets into the document's raw text.
type Chunk struct {
	ID          int64     `json:"id"`
	DocumentRID uuid.UUID `json:"document_rid"`
	ChunkIndex  int       `json:"chunk_index"`
	Content     string    `json:"content"`
	StartPos    int       `json:"start_pos"`
	EndPos      int       `json:"end_pos"`
	Embedding   []float32 `json:"embedding,omitempty"`
	Metadata    Metadata  `json:"metadata,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}
