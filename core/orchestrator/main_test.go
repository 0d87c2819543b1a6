package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/siherrmann/docsalud/core/pipeline"
	"github.com/siherrmann/docsalud/model"
	"github.com/stretchr/testify/require"
)

type storedFile struct {
	data     []byte
	mimeType string
}

// memoryDocumentStore enforces the status transitions like the database does.
type memoryDocumentStore struct {
	mu        sync.Mutex
	documents map[uuid.UUID]*model.Document
	files     map[uuid.UUID]storedFile
	history   map[uuid.UUID][]model.ProcessingStatus
}

func newMemoryDocumentStore() *memoryDocumentStore {
	return &memoryDocumentStore{
		documents: map[uuid.UUID]*model.Document{},
		files:     map[uuid.UUID]storedFile{},
		history:   map[uuid.UUID][]model.ProcessingStatus{},
	}
}

func (s *memoryDocumentStore) insert(content string, mimeType string, patientRID *uuid.UUID) *model.Document {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc := &model.Document{
		RID:              uuid.New(),
		PatientRID:       patientRID,
		OriginalFilename: "documento.txt",
		MimeType:         mimeType,
		Status:           model.StatusPending,
		CreatedAt:        time.Now(),
	}
	s.documents[doc.RID] = doc
	s.files[doc.RID] = storedFile{data: []byte(content), mimeType: mimeType}
	s.history[doc.RID] = []model.ProcessingStatus{model.StatusPending}
	copied := *doc
	return &copied
}

func (s *memoryDocumentStore) setFile(rid uuid.UUID, content string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	file := s.files[rid]
	file.data = []byte(content)
	s.files[rid] = file
}

func (s *memoryDocumentStore) get(rid uuid.UUID) *model.Document {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *s.documents[rid]
	return &copied
}

func (s *memoryDocumentStore) put(doc *model.Document) {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *doc
	s.documents[doc.RID] = &copied
}

func (s *memoryDocumentStore) statuses(rid uuid.UUID) []model.ProcessingStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.history[rid])
}

func (s *memoryDocumentStore) SelectDocument(ctx context.Context, rid uuid.UUID) (*model.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.documents[rid]
	if !ok {
		return nil, model.ErrNotFound
	}
	copied := *doc
	return &copied, nil
}

func (s *memoryDocumentStore) SelectDocumentFile(ctx context.Context, rid uuid.UUID) ([]byte, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	file, ok := s.files[rid]
	if !ok {
		return nil, "", model.ErrNotFound
	}
	return file.data, file.mimeType, nil
}

func (s *memoryDocumentStore) SelectDocumentsByStatus(ctx context.Context, statuses []model.ProcessingStatus, limit int) ([]*model.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var docs []*model.Document
	for _, doc := range s.documents {
		if slices.Contains(statuses, doc.Status) {
			copied := *doc
			docs = append(docs, &copied)
		}
	}
	return docs, nil
}

func (s *memoryDocumentStore) TransitionDocumentStatus(ctx context.Context, rid uuid.UUID, to model.ProcessingStatus, errorMessage *string) (*model.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.documents[rid]
	if !ok {
		return nil, model.ErrNotFound
	}
	if !slices.Contains(model.TransitionSources(to), doc.Status) {
		return nil, fmt.Errorf("%w: %s -> %s", model.ErrInvalidTransition, doc.Status, to)
	}
	doc.Status = to
	doc.ErrorMessage = errorMessage
	s.history[rid] = append(s.history[rid], to)
	copied := *doc
	return &copied, nil
}

func (s *memoryDocumentStore) UpdateDocumentProcessing(ctx context.Context, doc *model.Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.documents[doc.RID]
	if !ok {
		return model.ErrNotFound
	}
	status := stored.Status
	copied := *doc
	copied.Status = status
	copied.Entities = nil
	copied.Degradations = slices.Clone(doc.Degradations)
	s.documents[doc.RID] = &copied
	return nil
}

type memoryEntityStore struct {
	mu       sync.Mutex
	entities map[uuid.UUID][]*model.Entity
}

func newMemoryEntityStore() *memoryEntityStore {
	return &memoryEntityStore{entities: map[uuid.UUID][]*model.Entity{}}
}

func (s *memoryEntityStore) ReplaceEntities(ctx context.Context, documentRID uuid.UUID, entities []*model.Entity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, entity := range entities {
		entity.DocumentRID = documentRID
	}
	s.entities[documentRID] = slices.Clone(entities)
	return nil
}

func (s *memoryEntityStore) SelectEntitiesByDocument(ctx context.Context, documentRID uuid.UUID) ([]*model.Entity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.entities[documentRID]), nil
}

type memoryChunkStore struct {
	mu     sync.Mutex
	chunks map[uuid.UUID][]*model.Chunk
	err    error
	writes int
}

func newMemoryChunkStore() *memoryChunkStore {
	return &memoryChunkStore{chunks: map[uuid.UUID][]*model.Chunk{}}
}

func (s *memoryChunkStore) ReplaceChunks(ctx context.Context, documentRID uuid.UUID, chunks []*model.Chunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes++
	if s.err != nil {
		return s.err
	}
	s.chunks[documentRID] = slices.Clone(chunks)
	return nil
}

func (s *memoryChunkStore) count(documentRID uuid.UUID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.chunks[documentRID])
}

type recordingEvaluator struct {
	mu    sync.Mutex
	calls int
	seen  []*model.Entity
	err   error
}

func (e *recordingEvaluator) Evaluate(ctx context.Context, doc *model.Document, entities []*model.Entity) ([]*model.Alert, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls++
	e.seen = entities
	if e.err != nil {
		return nil, e.err
	}
	return []*model.Alert{{AlertType: "glucosa_alta", Severity: model.SeverityCritical, PatientRID: *doc.PatientRID}}, nil
}

// countingExtractor counts the calls of the wrapped extractor.
type countingExtractor struct {
	calls atomic.Int32
	next  pipeline.ExtractFunc
}

func (c *countingExtractor) extract(ctx context.Context, file []byte, mimeType string) (*pipeline.Extraction, error) {
	c.calls.Add(1)
	return c.next(ctx, file, mimeType)
}

func testEmbedder(ctx context.Context, text string) ([]float32, error) {
	return []float32{float32(len(text)%7) + 1, 1, 0}, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() model.PipelineConfig {
	config := model.DefaultPipelineConfig()
	config.Retry = model.RetryConfig{
		MaxRetries:      1,
		InitialInterval: time.Millisecond,
		MaxInterval:     2 * time.Millisecond,
		Timeout:         time.Second,
	}
	config.MaxConcurrentDocuments = 2
	return config
}

func fixedClassifier(label model.DocumentType, confidence float64) pipeline.ClassifyFunc {
	return func(ctx context.Context, text string) (*model.Classification, error) {
		return &model.Classification{
			Label:        label,
			Confidence:   confidence,
			Distribution: model.Distribution{label: confidence, model.DocumentTypeOther: 1 - confidence},
		}, nil
	}
}

func failingClassifier(ctx context.Context, text string) (*model.Classification, error) {
	return nil, model.ErrProviderUnavailable
}

type fixture struct {
	documents *memoryDocumentStore
	entities  *memoryEntityStore
	chunks    *memoryChunkStore
	extractor *countingExtractor
	pipeline  *pipeline.Pipeline
	config    model.PipelineConfig
}

// newFixture builds a pipeline with the plain text extractor, the rule based
// entity extractor and a single classification provider.
func newFixture(t *testing.T, providers ...pipeline.ClassificationProvider) *fixture {
	t.Helper()
	config := testConfig()
	extractor := &countingExtractor{next: pipeline.CleaningExtractor(pipeline.PlainTextExtractor())}

	p := pipeline.NewPipeline(extractor.extract, pipeline.OverlapChunker(config.Chunking), testEmbedder)
	p.SetEntityExtractor(pipeline.RuleEntityExtractor())
	if len(providers) == 0 {
		providers = []pipeline.ClassificationProvider{{Name: "fixed", Classify: fixedClassifier(model.DocumentTypeLabResult, 0.9)}}
	}
	p.SetClassifier(pipeline.NewClassificationChain(pipeline.NewRetrier(config.Retry, testLogger()), testLogger(), providers...))

	return &fixture{
		documents: newMemoryDocumentStore(),
		entities:  newMemoryEntityStore(),
		chunks:    newMemoryChunkStore(),
		extractor: extractor,
		pipeline:  p,
		config:    config,
	}
}

func (f *fixture) orchestrator() *Orchestrator {
	return NewOrchestrator(f.documents, f.entities, f.chunks, f.pipeline, f.config, testLogger())
}

func requireStatus(t *testing.T, f *fixture, rid uuid.UUID, status model.ProcessingStatus) *model.Document {
	t.Helper()
	doc := f.documents.get(rid)
	require.Equal(t, status, doc.Status, "Expected document %s to be %s", rid, status)
	return doc
}

var errStoreDown = errors.New("connection refused")

const labReport = `Laboratorio Clinico Central
Paciente: Maria Lopez
Fecha: 12/03/2024

Glucosa: 320 mg/dL (70 - 100 mg/dL)
Hemoglobina: 13.5 g/dL

Dx: E11.9 Diabetes mellitus tipo 2. Metformina 850 mg cada 12 horas.`
