package docsalud

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/siherrmann/docsalud/core/alert"
	"github.com/siherrmann/docsalud/core/orchestrator"
	"github.com/siherrmann/docsalud/core/pipeline"
	"github.com/siherrmann/docsalud/core/retrieval"
	"github.com/siherrmann/docsalud/database"
	"github.com/siherrmann/docsalud/helper"
	"github.com/siherrmann/docsalud/metrics"
	"github.com/siherrmann/docsalud/model"
	loadSql "github.com/siherrmann/docsalud/sql"
)

const embeddingCacheSize = 4096

// DocSalud provides a unified interface to the document store, the
// processing pipeline, the alert engine and question answering.
type DocSalud struct {
	DB        *helper.Database
	Patients  *database.PatientsDBHandler
	Documents *database.DocumentsDBHandler
	Entities  *database.EntitiesDBHandler
	Chunks    *database.ChunksDBHandler
	Alerts    *database.AlertsDBHandler

	Config       model.PipelineConfig
	AlertEngine  *alert.Engine
	Engine       *retrieval.Engine
	Pipeline     *pipeline.Pipeline         // Set by SetPipeline or UseDefaultPipeline
	Orchestrator *orchestrator.Orchestrator // Set together with the pipeline
	Query        *retrieval.QueryEngine     // Set together with the pipeline
	// Logging
	log *slog.Logger
}

// NewDocSalud creates a new DocSalud instance with all handlers initialized.
// A nil config uses model.DefaultPipelineConfig. The pipeline metrics are
// registered with the default prometheus registerer.
func NewDocSalud(dbConfig *helper.DatabaseConfiguration, config *model.PipelineConfig) (*DocSalud, error) {
	pipelineConfig := model.DefaultPipelineConfig()
	if config != nil {
		pipelineConfig = *config
	}
	if err := pipelineConfig.Validate(); err != nil {
		return nil, helper.NewError("validate configuration", err)
	}

	// Logger
	opts := helper.PrettyHandlerOptions{
		SlogOpts: slog.HandlerOptions{
			Level: slog.LevelInfo,
		},
	}
	logger := slog.New(helper.NewPrettyHandler(os.Stdout, opts))
	metrics.RegisterMetrics()

	// Initialize database
	db := helper.NewDatabase("docsalud", dbConfig, logger)
	err := loadSql.Init(db.Instance)
	if err != nil {
		return nil, helper.NewError("initialize database extensions", err)
	}

	// Handlers in foreign key order, force=false keeps existing functions
	patients, err := database.NewPatientsDBHandler(db, false)
	if err != nil {
		return nil, helper.NewError("create patients handler", err)
	}

	documents, err := database.NewDocumentsDBHandler(db, false)
	if err != nil {
		return nil, helper.NewError("create documents handler", err)
	}

	entities, err := database.NewEntitiesDBHandler(db, false)
	if err != nil {
		return nil, helper.NewError("create entities handler", err)
	}

	chunks, err := database.NewChunksDBHandler(db, pipelineConfig.EmbeddingDimension, false)
	if err != nil {
		return nil, helper.NewError("create chunks handler", err)
	}

	alerts, err := database.NewAlertsDBHandler(db, false)
	if err != nil {
		return nil, helper.NewError("create alerts handler", err)
	}

	var rules *alert.RuleSet
	if pipelineConfig.AlertRulesPath != "" {
		rules, err = alert.LoadRules(pipelineConfig.AlertRulesPath)
		if err != nil {
			return nil, helper.NewError("load alert rules", err)
		}
	}
	alertEngine := alert.NewEngine(rules, alerts, patients, logger)
	if rules == nil {
		alertEngine.SetSeverityBands(pipelineConfig.SeverityBands)
	}

	return &DocSalud{
		DB:          db,
		Patients:    patients,
		Documents:   documents,
		Entities:    entities,
		Chunks:      chunks,
		Alerts:      alerts,
		Config:      pipelineConfig,
		AlertEngine: alertEngine,
		Engine:      retrieval.NewEngine(chunks),
		log:         logger,
	}, nil
}

// Close waits for running pipelines and closes the database connection
func (d *DocSalud) Close() error {
	if d.Orchestrator != nil {
		d.Orchestrator.Wait()
	}
	return d.DB.Close()
}

// SetPipeline sets the adapters used for processing and question answering
func (d *DocSalud) SetPipeline(p *pipeline.Pipeline) {
	d.Pipeline = p
	d.Orchestrator = orchestrator.NewOrchestrator(d.Documents, d.Entities, d.Chunks, p, d.Config, d.log)
	d.Orchestrator.SetAlertEvaluator(d.AlertEngine)
	d.Query = retrieval.NewQueryEngine(d.Engine, p.Embedder, p.Generator, pipeline.NewRetrier(d.Config.Retry, d.log), d.Config.Query, d.log)
}

// UseDefaultPipeline sets up the pipeline from local models and the
// hosted providers configured in the environment:
// text files are cleaned and chunked, embeddings come from all-MiniLM-L6-v2
// (or OpenAI when OPENAI_EMBEDDING_MODEL is set), entities from the NER model
// merged with the clinical rules, classification from the configured model
// with the keyword classifier as fallback, and answers from OpenAI then Anthropic.
func (d *DocSalud) UseDefaultPipeline() error {
	providers := helper.NewProviderConfiguration()
	retrier := pipeline.NewRetrier(d.Config.Retry, d.log)

	var embedder pipeline.EmbedFunc
	var err error
	if providers.EmbeddingModel != "" {
		embedder, err = pipeline.OpenAIEmbedder(pipeline.OpenAIEmbedderConfig{
			APIKey:     providers.OpenAIAPIKey,
			BaseURL:    providers.OpenAIBaseURL,
			Model:      providers.EmbeddingModel,
			Dimensions: d.Config.EmbeddingDimension,
		})
	} else {
		embedder, err = pipeline.DefaultEmbedder()
	}
	if err != nil {
		return helper.NewError("create embedder", err)
	}

	p := pipeline.NewPipeline(
		pipeline.CleaningExtractor(pipeline.PlainTextExtractor()),
		pipeline.OverlapChunker(d.Config.Chunking),
		pipeline.CachedEmbedder(embedder, embeddingCacheSize),
	)

	extractors := []pipeline.EntityExtractFunc{}
	ner, err := pipeline.HugotEntityExtractor(providers.NERModel)
	if err != nil {
		d.log.Warn("NER model unavailable, using clinical rules only", slog.String("error", err.Error()))
	} else {
		extractors = append(extractors, ner)
	}
	extractors = append(extractors, pipeline.RuleEntityExtractor())
	p.SetEntityExtractor(pipeline.MergeEntityExtractors(extractors...))

	classifiers := []pipeline.ClassificationProvider{}
	if providers.ClassifierModel != "" {
		classify, err := pipeline.HugotClassifier(providers.ClassifierModel)
		if err != nil {
			return helper.NewError("create classifier", err)
		}
		classifiers = append(classifiers, pipeline.ClassificationProvider{Name: "transformer", Classify: classify})
	}
	classifiers = append(classifiers, pipeline.ClassificationProvider{Name: "keyword", Classify: pipeline.KeywordClassifier()})
	classificationChain := pipeline.NewClassificationChain(retrier, d.log, classifiers...)
	classificationChain.SetObserver(metrics.ProviderObserver("classification"))
	p.SetClassifier(classificationChain)

	generators := []pipeline.GenerationProvider{}
	if providers.OpenAIAPIKey != "" {
		generate, err := pipeline.OpenAIGenerator(pipeline.OpenAIConfig{
			APIKey:  providers.OpenAIAPIKey,
			BaseURL: providers.OpenAIBaseURL,
			Model:   providers.OpenAIModel,
		})
		if err != nil {
			return helper.NewError("create openai generator", err)
		}
		generators = append(generators, pipeline.GenerationProvider{Name: "openai", Generate: generate})
	}
	if providers.AnthropicAPIKey != "" {
		generate, err := pipeline.AnthropicGenerator(pipeline.AnthropicConfig{
			APIKey: providers.AnthropicAPIKey,
			Model:  providers.AnthropicModel,
		})
		if err != nil {
			return helper.NewError("create anthropic generator", err)
		}
		generators = append(generators, pipeline.GenerationProvider{Name: "anthropic", Generate: generate})
	}
	if len(generators) > 0 {
		generationChain := pipeline.NewGenerationChain(retrier, d.log, generators...)
		generationChain.SetObserver(metrics.ProviderObserver("generation"))
		p.SetGenerator(generationChain)
	} else {
		d.log.Warn("No generation provider configured, answers will only list their sources")
	}

	d.SetPipeline(p)
	return nil
}

func (d *DocSalud) requirePipeline(step string) error {
	if d.Pipeline == nil {
		return helper.NewError(step, fmt.Errorf("pipeline not set, use SetPipeline() first"))
	}
	return nil
}

// RegisterPatient inserts a new patient
func (d *DocSalud) RegisterPatient(ctx context.Context, patient *model.Patient) error {
	return d.Patients.InsertPatient(ctx, patient)
}

func (d *DocSalud) GetPatient(ctx context.Context, rid uuid.UUID) (*model.Patient, error) {
	return d.Patients.SelectPatient(ctx, rid)
}

// ListPatients pages through the patients, optionally filtered by name.
func (d *DocSalud) ListPatients(ctx context.Context, search string, limit int, offset int) (*model.PatientList, error) {
	return d.Patients.SelectAllPatients(ctx, search, limit, offset)
}

func (d *DocSalud) UpdatePatient(ctx context.Context, patient *model.Patient) error {
	return d.Patients.UpdatePatient(ctx, patient)
}

// UpdateRisk stores the result of the external risk scoring.
func (d *DocSalud) UpdateRisk(ctx context.Context, patientRID uuid.UUID, score float64, cluster *int) error {
	if score < 0 || score > 1 {
		return helper.NewError("update risk", fmt.Errorf("%w: risk score %.3f out of [0, 1]", model.ErrInvalidInput, score))
	}
	return d.Patients.UpdatePatientRisk(ctx, patientRID, score, cluster)
}

// DeletePatient deletes the patient together with its documents
func (d *DocSalud) DeletePatient(ctx context.Context, rid uuid.UUID) error {
	return d.Patients.DeletePatient(ctx, rid)
}

// SubmitDocument stores an uploaded file as pending document and starts its
// pipeline in the background. The returned document is pending.
func (d *DocSalud) SubmitDocument(ctx context.Context, filename string, file []byte, mimeType string, patientRID *uuid.UUID) (*model.Document, error) {
	if err := d.requirePipeline("submit document"); err != nil {
		return nil, err
	}
	if len(file) == 0 {
		return nil, helper.NewError("submit document", fmt.Errorf("%w: file is empty", model.ErrInvalidInput))
	}
	if strings.TrimSpace(mimeType) == "" {
		mimeType = model.MimeTypeFromFilename(filename)
	}

	doc := &model.Document{
		PatientRID:       patientRID,
		OriginalFilename: filename,
		MimeType:         mimeType,
		FileData:         file,
		Status:           model.StatusPending,
	}
	return doc, d.submit(ctx, doc)
}

// SubmitDocumentFromFile reads filePath and submits it like SubmitDocument.
func (d *DocSalud) SubmitDocumentFromFile(ctx context.Context, filePath string, patientRID *uuid.UUID) (*model.Document, error) {
	if err := d.requirePipeline("submit document"); err != nil {
		return nil, err
	}
	doc, err := model.NewDocumentFromFile(filePath, "", patientRID)
	if err != nil {
		return nil, helper.NewError("read document", err)
	}
	return doc, d.submit(ctx, doc)
}

func (d *DocSalud) submit(ctx context.Context, doc *model.Document) error {
	if err := d.Documents.InsertDocument(ctx, doc); err != nil {
		return helper.NewError("insert document", err)
	}
	d.log.Info("Accepted document", slog.String("document_rid", doc.RID.String()), slog.String("filename", doc.OriginalFilename))

	// the run outlives the request that submitted it
	d.Orchestrator.Go(context.WithoutCancel(ctx), doc.RID)
	return nil
}

// ProcessDocument runs the pipeline for a document and waits for the result
func (d *DocSalud) ProcessDocument(ctx context.Context, rid uuid.UUID) (*model.Document, error) {
	if err := d.requirePipeline("process document"); err != nil {
		return nil, err
	}
	return d.Orchestrator.Process(ctx, rid)
}

// ReprocessDocument runs the pipeline again from scratch for a completed or failed document
func (d *DocSalud) ReprocessDocument(ctx context.Context, rid uuid.UUID) (*model.Document, error) {
	if err := d.requirePipeline("reprocess document"); err != nil {
		return nil, err
	}
	return d.Orchestrator.Reprocess(ctx, rid)
}

// ResumePending restarts documents left pending or processing, e.g. after a restart.
func (d *DocSalud) ResumePending(ctx context.Context) (int, error) {
	if err := d.requirePipeline("resume documents"); err != nil {
		return 0, err
	}
	return d.Orchestrator.ResumePending(ctx, 0)
}

// Wait blocks until every background pipeline run has finished
func (d *DocSalud) Wait() {
	if d.Orchestrator != nil {
		d.Orchestrator.Wait()
	}
}

// GetStatus returns the processing status and confidences of a document
func (d *DocSalud) GetStatus(ctx context.Context, rid uuid.UUID) (*model.DocumentStatus, error) {
	doc, err := d.GetDocument(ctx, rid)
	if err != nil {
		return nil, err
	}
	return doc.StatusSnapshot(), nil
}

// GetDocument returns a document with its entities
func (d *DocSalud) GetDocument(ctx context.Context, rid uuid.UUID) (*model.Document, error) {
	doc, err := d.Documents.SelectDocument(ctx, rid)
	if err != nil {
		return nil, err
	}
	doc.Entities, err = d.Entities.SelectEntitiesByDocument(ctx, rid)
	if err != nil {
		return nil, helper.NewError("select entities", err)
	}
	return doc, nil
}

// ListDocuments lists documents newest first
func (d *DocSalud) ListDocuments(ctx context.Context, filter model.DocumentFilter) ([]*model.Document, error) {
	return d.Documents.SelectDocuments(ctx, filter)
}

// AssignDocumentPatient sets the owner of a document that was submitted without one.
func (d *DocSalud) AssignDocumentPatient(ctx context.Context, rid uuid.UUID, patientRID uuid.UUID) error {
	return d.Documents.AssignDocumentPatient(ctx, rid, patientRID)
}

// DeleteDocument deletes a document with its entities and chunks.
// A document with a running pipeline is not deleted.
func (d *DocSalud) DeleteDocument(ctx context.Context, rid uuid.UUID) error {
	if d.Orchestrator != nil && d.Orchestrator.Processing(rid) {
		return helper.NewError("delete document", fmt.Errorf("%w: %s", model.ErrAlreadyProcessing, rid))
	}
	return d.Documents.DeleteDocument(ctx, rid)
}

func (d *DocSalud) ListEntities(ctx context.Context, documentRID uuid.UUID) ([]*model.Entity, error) {
	return d.Entities.SelectEntitiesByDocument(ctx, documentRID)
}

// ListPatientEntities returns the entities of every document of a patient.
// Without types every entity type is returned.
func (d *DocSalud) ListPatientEntities(ctx context.Context, patientRID uuid.UUID, types ...model.EntityType) ([]*model.Entity, error) {
	return d.Entities.SelectEntitiesByPatient(ctx, patientRID, types)
}

// ListAlerts returns the alerts matching filter and the unresolved summary
// of the filtered patient, or of all patients.
func (d *DocSalud) ListAlerts(ctx context.Context, filter model.AlertFilter) (*model.AlertList, error) {
	alerts, err := d.Alerts.SelectAlerts(ctx, filter)
	if err != nil {
		return nil, err
	}
	summary, err := d.Alerts.SelectAlertSummary(ctx, filter.PatientRID)
	if err != nil {
		return nil, err
	}
	return &model.AlertList{Alerts: alerts, Summary: *summary}, nil
}

func (d *DocSalud) ResolveAlert(ctx context.Context, rid uuid.UUID) (*model.Alert, error) {
	return d.Alerts.ResolveAlert(ctx, rid)
}

// Ask answers a question from the indexed documents, optionally of one patient.
// An empty query type asks a general question.
func (d *DocSalud) Ask(ctx context.Context, question string, patientRID *uuid.UUID, queryType model.QueryType) (*model.Answer, error) {
	if err := d.requirePipeline("ask"); err != nil {
		return nil, err
	}
	config := d.Query.Config(retrieval.WithPatient(patientRID), retrieval.WithQueryType(queryType))
	return d.Query.Ask(ctx, question, config)
}

// Search returns the chunks most similar to query. A topK of zero uses the configured default.
func (d *DocSalud) Search(ctx context.Context, query string, patientRID *uuid.UUID, topK int) ([]*model.RetrievalResult, error) {
	if err := d.requirePipeline("search"); err != nil {
		return nil, err
	}
	options := []retrieval.QueryOption{retrieval.WithPatient(patientRID)}
	if topK > 0 {
		options = append(options, retrieval.WithTopK(topK))
	}
	return d.Query.Search(ctx, query, d.Query.Config(options...))
}

// ChangeIndexType changes the vector index type between HNSW and IVFFlat
func (d *DocSalud) ChangeIndexType(ctx context.Context, indexType string, params map[string]interface{}) error {
	return d.Chunks.ChangeIndexType(ctx, indexType, params)
}
