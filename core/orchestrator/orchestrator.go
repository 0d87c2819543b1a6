package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/siherrmann/docsalud/core/pipeline"
	"github.com/siherrmann/docsalud/helper"
	"github.com/siherrmann/docsalud/metrics"
	"github.com/siherrmann/docsalud/model"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// DocumentStore persists documents and their processing status.
type DocumentStore interface {
	SelectDocument(ctx context.Context, rid uuid.UUID) (*model.Document, error)
	SelectDocumentFile(ctx context.Context, rid uuid.UUID) ([]byte, string, error)
	SelectDocumentsByStatus(ctx context.Context, statuses []model.ProcessingStatus, limit int) ([]*model.Document, error)
	TransitionDocumentStatus(ctx context.Context, rid uuid.UUID, to model.ProcessingStatus, errorMessage *string) (*model.Document, error)
	UpdateDocumentProcessing(ctx context.Context, doc *model.Document) error
}

// EntityStore persists the entities of a document.
type EntityStore interface {
	ReplaceEntities(ctx context.Context, documentRID uuid.UUID, entities []*model.Entity) error
	SelectEntitiesByDocument(ctx context.Context, documentRID uuid.UUID) ([]*model.Entity, error)
}

// ChunkStore is the write side of the vector index.
type ChunkStore interface {
	ReplaceChunks(ctx context.Context, documentRID uuid.UUID, chunks []*model.Chunk) error
}

// AlertEvaluator raises alerts for a processed document.
type AlertEvaluator interface {
	Evaluate(ctx context.Context, doc *model.Document, entities []*model.Entity) ([]*model.Alert, error)
}

// Orchestrator drives documents through text extraction, entity extraction,
// classification, indexing and alert evaluation.
// A document is run by at most one pipeline at a time.
type Orchestrator struct {
	documents DocumentStore
	entities  EntityStore
	chunks    ChunkStore
	alerts    AlertEvaluator
	pipeline  *pipeline.Pipeline
	retrier   *pipeline.Retrier

	locks  *keyedLock
	slots  *semaphore.Weighted
	wg     sync.WaitGroup
	logger *slog.Logger
}

// NewOrchestrator creates an orchestrator. Alert evaluation is off until SetAlertEvaluator is called.
func NewOrchestrator(documents DocumentStore, entities EntityStore, chunks ChunkStore, p *pipeline.Pipeline, config model.PipelineConfig, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	maxConcurrent := config.MaxConcurrentDocuments
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	return &Orchestrator{
		documents: documents,
		entities:  entities,
		chunks:    chunks,
		pipeline:  p,
		retrier:   pipeline.NewRetrier(config.Retry, logger),
		locks:     newKeyedLock(),
		slots:     semaphore.NewWeighted(maxConcurrent),
		logger:    logger,
	}
}

func (o *Orchestrator) SetAlertEvaluator(alerts AlertEvaluator) {
	o.alerts = alerts
}

// Process runs the pipeline for one document.
// Stages whose output is already persisted are skipped, so an interrupted
// run continues where it stopped. A completed document is returned unchanged
// together with its stored entities.
// It returns model.ErrAlreadyProcessing if another run holds the document.
func (o *Orchestrator) Process(ctx context.Context, rid uuid.UUID) (*model.Document, error) {
	unlock, ok := o.locks.TryLock(rid)
	if !ok {
		return nil, fmt.Errorf("%w: %s", model.ErrAlreadyProcessing, rid)
	}
	defer unlock()

	doc, err := o.documents.SelectDocument(ctx, rid)
	if err != nil {
		return nil, helper.NewError("select document", err)
	}

	switch doc.Status {
	case model.StatusCompleted:
		doc.Entities, err = o.entities.SelectEntitiesByDocument(ctx, rid)
		if err != nil {
			return nil, helper.NewError("select entities", err)
		}
		return doc, nil
	case model.StatusProcessing:
		// nobody holds the lock, so the run that set this status is gone
		o.logger.Warn("Resuming interrupted run", slog.String("document_rid", rid.String()))
	default:
		doc, err = o.documents.TransitionDocumentStatus(ctx, rid, model.StatusProcessing, nil)
		if err != nil {
			return nil, helper.NewError("start processing", err)
		}
	}

	return o.run(ctx, doc)
}

// Reprocess clears every derived field together with the stored entities and
// chunks, then runs the pipeline from scratch.
// Completed and failed documents can be reprocessed.
func (o *Orchestrator) Reprocess(ctx context.Context, rid uuid.UUID) (*model.Document, error) {
	unlock, ok := o.locks.TryLock(rid)
	if !ok {
		return nil, fmt.Errorf("%w: %s", model.ErrAlreadyProcessing, rid)
	}
	defer unlock()

	doc, err := o.documents.SelectDocument(ctx, rid)
	if err != nil {
		return nil, helper.NewError("select document", err)
	}
	if doc.Status != model.StatusProcessing {
		doc, err = o.documents.TransitionDocumentStatus(ctx, rid, model.StatusProcessing, nil)
		if err != nil {
			return nil, helper.NewError("start reprocessing", err)
		}
	}

	doc.ResetDerived()
	if err := o.documents.UpdateDocumentProcessing(ctx, doc); err != nil {
		return nil, helper.NewError("reset document", err)
	}
	err = o.retryStore(ctx, "clear_entities", func(ctx context.Context) error {
		return o.entities.ReplaceEntities(ctx, rid, nil)
	})
	if err != nil {
		return nil, helper.NewError("clear entities", err)
	}
	err = o.retryStore(ctx, "clear_chunks", func(ctx context.Context) error {
		return o.chunks.ReplaceChunks(ctx, rid, nil)
	})
	if err != nil {
		return nil, helper.NewError("clear chunks", err)
	}
	o.logger.Info("Reprocessing document", slog.String("document_rid", rid.String()))

	return o.run(ctx, doc)
}

// Go processes the document in the background. At most
// MaxConcurrentDocuments runs are active at the same time.
func (o *Orchestrator) Go(ctx context.Context, rid uuid.UUID) {
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()

		if err := o.slots.Acquire(ctx, 1); err != nil {
			o.logger.Warn("Processing not started", slog.String("document_rid", rid.String()), slog.String("error", err.Error()))
			return
		}
		defer o.slots.Release(1)

		if _, err := o.Process(ctx, rid); err != nil {
			o.logger.Error("Processing failed", slog.String("document_rid", rid.String()), slog.String("error", err.Error()))
		}
	}()
}

// Wait blocks until every background run has finished.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

// ResumePending starts background runs for pending documents and for
// processing documents whose run was interrupted. It returns the number of started runs.
func (o *Orchestrator) ResumePending(ctx context.Context, limit int) (int, error) {
	docs, err := o.documents.SelectDocumentsByStatus(ctx, []model.ProcessingStatus{model.StatusPending, model.StatusProcessing}, limit)
	if err != nil {
		return 0, helper.NewError("select unfinished documents", err)
	}

	started := 0
	for _, doc := range docs {
		if o.locks.Held(doc.RID) {
			continue
		}
		o.Go(ctx, doc.RID)
		started++
	}
	if started > 0 {
		o.logger.Info("Resumed unfinished documents", slog.Int("count", started))
	}

	return started, nil
}

// Processing reports whether a run currently holds the document.
func (o *Orchestrator) Processing(rid uuid.UUID) bool {
	return o.locks.Held(rid)
}

func (o *Orchestrator) run(ctx context.Context, doc *model.Document) (*model.Document, error) {
	started := time.Now()
	metrics.DocumentsInFlight.Inc()
	defer metrics.DocumentsInFlight.Dec()

	logger := o.logger.With(slog.String("document_rid", doc.RID.String()))

	if doc.RawText == nil {
		if err := o.extractText(ctx, doc); err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return o.fail(ctx, doc, err)
		}
		if err := o.documents.UpdateDocumentProcessing(ctx, doc); err != nil {
			return nil, helper.NewError("persist text", err)
		}
		logger.Info("Text extracted", slog.Int("pages", doc.PageCount), slog.Float64("confidence", *doc.ExtractionConfidence))
	}
	text := *doc.RawText

	entities, err := o.analyze(ctx, doc, text)
	if err != nil {
		return nil, err
	}

	if !doc.Indexed {
		o.index(ctx, doc, text)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if err := o.documents.UpdateDocumentProcessing(ctx, doc); err != nil {
			return nil, helper.NewError("persist index result", err)
		}
	}

	if o.alerts != nil && doc.PatientRID != nil {
		o.evaluateAlerts(ctx, doc, entities)
	}

	return o.complete(ctx, doc, started)
}

func (o *Orchestrator) extractText(ctx context.Context, doc *model.Document) error {
	stageStart := time.Now()

	file, mimeType, err := o.documents.SelectDocumentFile(ctx, doc.RID)
	if err != nil {
		metrics.ObserveStage("extraction", "failed", stageStart)
		return helper.NewError("load file", err)
	}

	extraction, err := pipeline.Retry(ctx, o.retrier, "extract text", func(ctx context.Context) (*pipeline.Extraction, error) {
		return o.pipeline.Extractor(ctx, file, mimeType)
	})
	if err != nil {
		metrics.ObserveStage("extraction", "failed", stageStart)
		return err
	}

	text := extraction.Text
	confidence := extraction.Confidence
	doc.RawText = &text
	doc.ExtractionConfidence = &confidence
	doc.PageCount = extraction.PageCount
	metrics.ObserveStage("extraction", "success", stageStart)

	return nil
}

// analyze runs entity extraction and classification concurrently.
// It returns the entities of the document, loading them when the stage was already done.
func (o *Orchestrator) analyze(ctx context.Context, doc *model.Document, text string) ([]*model.Entity, error) {
	runEntities := !doc.EntitiesExtracted
	runClassification := doc.DocumentType == nil
	if !runEntities && !runClassification {
		return o.loadEntities(ctx, doc)
	}

	var entities []*model.Entity
	var entityErr error
	var classification *model.Classification
	var classificationErr error

	var g errgroup.Group
	if runEntities {
		g.Go(func() error {
			entities, entityErr = o.extractEntities(ctx, text)
			return nil
		})
	}
	if runClassification {
		g.Go(func() error {
			classification, classificationErr = o.classify(ctx, text)
			return nil
		})
	}
	_ = g.Wait()

	// a cancelled run keeps nothing, the next run repeats both stages
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	logger := o.logger.With(slog.String("document_rid", doc.RID.String()))

	if runEntities {
		if entityErr != nil {
			logger.Warn("Entity extraction degraded", slog.String("error", entityErr.Error()))
			doc.AddDegradation(model.DegradationEntityExtraction)
			entities = nil
		}
		err := o.retryStore(ctx, "persist entities", func(ctx context.Context) error {
			return o.entities.ReplaceEntities(ctx, doc.RID, entities)
		})
		if err != nil {
			return nil, helper.NewError("persist entities", err)
		}
		doc.EntitiesExtracted = true
	} else {
		var err error
		entities, err = o.loadEntities(ctx, doc)
		if err != nil {
			return nil, err
		}
	}
	doc.Entities = entities

	if runClassification {
		if classificationErr != nil {
			logger.Warn("Classification degraded", slog.String("error", classificationErr.Error()))
			doc.AddDegradation(model.DegradationClassification)
		}
		classification.Apply(doc)
		logger.Info("Document classified",
			slog.String("type", string(classification.Label)),
			slog.Float64("confidence", classification.Confidence),
			slog.String("provider", classification.Provider),
			slog.Bool("fallback", classification.Fallback),
		)
	}

	if err := o.documents.UpdateDocumentProcessing(ctx, doc); err != nil {
		return nil, helper.NewError("persist analysis", err)
	}

	return entities, nil
}

func (o *Orchestrator) loadEntities(ctx context.Context, doc *model.Document) ([]*model.Entity, error) {
	entities, err := o.entities.SelectEntitiesByDocument(ctx, doc.RID)
	if err != nil {
		return nil, helper.NewError("select entities", err)
	}
	doc.Entities = entities
	return entities, nil
}

func (o *Orchestrator) extractEntities(ctx context.Context, text string) ([]*model.Entity, error) {
	stageStart := time.Now()
	if o.pipeline.EntityExtractor == nil || strings.TrimSpace(text) == "" {
		metrics.ObserveStage("entity_extraction", "skipped", stageStart)
		return []*model.Entity{}, nil
	}

	entities, err := pipeline.Retry(ctx, o.retrier, "extract entities", func(ctx context.Context) ([]*model.Entity, error) {
		return o.pipeline.EntityExtractor(ctx, text)
	})
	if err != nil {
		metrics.ObserveStage("entity_extraction", "degraded", stageStart)
		return nil, fmt.Errorf("%w: %w", model.ErrEntityExtractionDegraded, err)
	}
	metrics.ObserveStage("entity_extraction", "success", stageStart)

	return entities, nil
}

// classify always returns a classification. The error marks a default label.
func (o *Orchestrator) classify(ctx context.Context, text string) (*model.Classification, error) {
	stageStart := time.Now()
	if strings.TrimSpace(text) == "" {
		metrics.ObserveStage("classification", "skipped", stageStart)
		return model.DefaultClassification(), nil
	}
	if o.pipeline.Classifier == nil {
		metrics.ObserveStage("classification", "degraded", stageStart)
		return model.DefaultClassification(), fmt.Errorf("%w: no classification provider", model.ErrClassificationDegraded)
	}

	classification, err := o.pipeline.Classifier.Classify(ctx, text)
	if err != nil {
		metrics.ObserveStage("classification", "degraded", stageStart)
		return classification, err
	}
	metrics.ObserveStage("classification", "success", stageStart)

	return classification, nil
}

// index embeds and stores the chunks of text. A failure leaves the document
// completed but not searchable.
func (o *Orchestrator) index(ctx context.Context, doc *model.Document, text string) {
	stageStart := time.Now()
	logger := o.logger.With(slog.String("document_rid", doc.RID.String()))

	chunks, err := pipeline.Retry(ctx, o.retrier, "embed chunks", func(ctx context.Context) ([]*model.Chunk, error) {
		return o.pipeline.Embed(ctx, text)
	})
	if err == nil {
		for _, chunk := range chunks {
			chunk.Metadata = model.Metadata{"page_count": doc.PageCount}
			if doc.PatientRID != nil {
				chunk.Metadata["patient_rid"] = doc.PatientRID.String()
			}
		}
		err = o.retryStore(ctx, "write chunks", func(ctx context.Context) error {
			return o.chunks.ReplaceChunks(ctx, doc.RID, chunks)
		})
	}
	if ctx.Err() != nil {
		return
	}

	doc.Indexed = true
	if err != nil {
		logger.Error("Index write failed, document is not searchable", slog.String("error", fmt.Errorf("%w: %w", model.ErrIndexWriteFailure, err).Error()))
		doc.AddDegradation(model.DegradationIndexWrite)
		doc.ChunkCount = 0
		doc.Searchable = false
		metrics.ObserveStage("indexing", "degraded", stageStart)
		return
	}

	doc.ChunkCount = len(chunks)
	doc.Searchable = true
	metrics.ObserveStage("indexing", "success", stageStart)
	logger.Info("Document indexed", slog.Int("chunks", len(chunks)))
}

func (o *Orchestrator) evaluateAlerts(ctx context.Context, doc *model.Document, entities []*model.Entity) {
	stageStart := time.Now()
	alerts, err := o.alerts.Evaluate(ctx, doc, entities)
	if err != nil {
		o.logger.Warn("Alert evaluation degraded", slog.String("document_rid", doc.RID.String()), slog.String("error", err.Error()))
		doc.AddDegradation(model.DegradationAlertEvaluation)
		metrics.ObserveStage("alert_evaluation", "degraded", stageStart)
		return
	}
	metrics.ObserveStage("alert_evaluation", "success", stageStart)
	if len(alerts) > 0 {
		o.logger.Info("Alerts raised", slog.String("document_rid", doc.RID.String()), slog.Int("count", len(alerts)))
	}
}

func (o *Orchestrator) complete(ctx context.Context, doc *model.Document, started time.Time) (*model.Document, error) {
	if !doc.ReadyForCompletion() {
		return nil, fmt.Errorf("%w: document %s has unfinished stages", model.ErrInvalidTransition, doc.RID)
	}

	// the result is written even if the caller went away meanwhile
	ctx = context.WithoutCancel(ctx)

	elapsed := time.Since(started).Milliseconds()
	doc.ProcessingTimeMs = &elapsed
	doc.ErrorMessage = nil
	if err := o.documents.UpdateDocumentProcessing(ctx, doc); err != nil {
		return nil, helper.NewError("persist document", err)
	}

	completed, err := o.documents.TransitionDocumentStatus(ctx, doc.RID, model.StatusCompleted, nil)
	if err != nil {
		return nil, helper.NewError("complete document", err)
	}
	completed.Entities = doc.Entities

	metrics.DocumentsProcessedTotal.WithLabelValues(string(model.StatusCompleted)).Inc()
	o.logger.Info("Document completed",
		slog.String("document_rid", doc.RID.String()),
		slog.Int64("processing_time_ms", elapsed),
		slog.Any("degradations", doc.Degradations),
	)

	return completed, nil
}

func (o *Orchestrator) fail(ctx context.Context, doc *model.Document, cause error) (*model.Document, error) {
	ctx = context.WithoutCancel(ctx)

	message := cause.Error()
	doc.ErrorMessage = &message
	if err := o.documents.UpdateDocumentProcessing(ctx, doc); err != nil {
		return nil, errors.Join(cause, helper.NewError("persist failure", err))
	}

	failed, err := o.documents.TransitionDocumentStatus(ctx, doc.RID, model.StatusFailed, &message)
	if err != nil {
		return nil, errors.Join(cause, helper.NewError("fail document", err))
	}

	metrics.DocumentsProcessedTotal.WithLabelValues(string(model.StatusFailed)).Inc()
	o.logger.Error("Document failed", slog.String("document_rid", doc.RID.String()), slog.String("error", message))

	return failed, helper.NewError("extract text", cause)
}

func (o *Orchestrator) retryStore(ctx context.Context, name string, op func(ctx context.Context) error) error {
	_, err := pipeline.Retry(ctx, o.retrier, name, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}
