package docsalud

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/siherrmann/docsalud/core/pipeline"
	"github.com/siherrmann/docsalud/core/retrieval"
	"github.com/siherrmann/docsalud/helper"
	"github.com/siherrmann/docsalud/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testVocabulary defines the dimensions of testEmbedder. The last dimension
// is a constant bias so no embedding is the zero vector.
var testVocabulary = []string{"glucosa", "metformina", "hemoglobina", "creatinina", "amoxicilina", "presion"}

func testEmbedder(ctx context.Context, text string) ([]float32, error) {
	folded := pipeline.FoldText(text)
	embedding := make([]float32, len(testVocabulary)+1)
	for i, word := range testVocabulary {
		if strings.Contains(folded, word) {
			embedding[i] = 1
		}
	}
	embedding[len(testVocabulary)] = 0.1
	return embedding, nil
}

// fakeGenerator answers with a fixed text and remembers the prompts it saw.
type fakeGenerator struct {
	mu      sync.Mutex
	prompts []pipeline.Prompt
}

func (g *fakeGenerator) generate(ctx context.Context, prompt pipeline.Prompt) (*pipeline.Generation, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.prompts = append(g.prompts, prompt)
	return &pipeline.Generation{Text: "Metformina 850 mg cada 12 horas [1]."}, nil
}

func (g *fakeGenerator) calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.prompts)
}

func testPipelineConfig() *model.PipelineConfig {
	config := model.DefaultPipelineConfig()
	config.EmbeddingDimension = len(testVocabulary) + 1
	config.Retry = model.RetryConfig{
		MaxRetries:      1,
		InitialInterval: time.Millisecond,
		MaxInterval:     5 * time.Millisecond,
		Timeout:         5 * time.Second,
	}
	return &config
}

func initDocSalud(t *testing.T) *DocSalud {
	helper.SetTestDatabaseConfigEnvs(t, dbPort)
	dbConfig, err := helper.NewDatabaseConfiguration()
	require.NoError(t, err, "failed to create database configuration")

	d, err := NewDocSalud(dbConfig, testPipelineConfig())
	require.NoError(t, err, "failed to create docsalud")
	require.NotNil(t, d, "expected docsalud to be non-nil")

	t.Cleanup(func() {
		d.Close()
	})

	return d
}

// initPipeline wires the local adapters and a fake generator.
func initPipeline(t *testing.T, d *DocSalud) *fakeGenerator {
	t.Helper()
	p := pipeline.NewPipeline(
		pipeline.CleaningExtractor(pipeline.PlainTextExtractor()),
		pipeline.OverlapChunker(d.Config.Chunking),
		testEmbedder,
	)
	p.SetEntityExtractor(pipeline.RuleEntityExtractor())
	p.SetClassifier(pipeline.NewClassificationChain(nil, d.log, pipeline.ClassificationProvider{Name: "keyword", Classify: pipeline.KeywordClassifier()}))

	generator := &fakeGenerator{}
	p.SetGenerator(pipeline.NewGenerationChain(nil, d.log, pipeline.GenerationProvider{Name: "fake", Generate: generator.generate}))

	d.SetPipeline(p)
	return generator
}

func registerPatient(t *testing.T, d *DocSalud, firstName string) *model.Patient {
	t.Helper()
	patient := &model.Patient{
		FirstName:         firstName,
		LastName:          "Lopez",
		ChronicConditions: []string{"diabetes"},
	}
	err := d.RegisterPatient(context.Background(), patient)
	require.NoError(t, err, "Expected RegisterPatient to not return an error")
	require.NotEqual(t, uuid.Nil, patient.RID, "Expected patient to have a RID")
	return patient
}

const labReport = `Laboratorio Clinico Central
Paciente: Maria Lopez
Fecha: 12/03/2024

Glucosa: 320 mg/dL (70 - 100 mg/dL)
Hemoglobina: 13.5 g/dL

Dx: E11.9 Diabetes mellitus tipo 2. Metformina 850 mg cada 12 horas.`

// submitAndWait submits content and waits for the background run.
func submitAndWait(t *testing.T, d *DocSalud, content string, mimeType string, patientRID *uuid.UUID) *model.Document {
	t.Helper()
	doc, err := d.SubmitDocument(context.Background(), "informe.txt", []byte(content), mimeType, patientRID)
	require.NoError(t, err, "Expected SubmitDocument to not return an error")
	assert.Equal(t, model.StatusPending, doc.Status, "Expected submitted document to be pending")

	d.Wait()

	processed, err := d.GetDocument(context.Background(), doc.RID)
	require.NoError(t, err, "Expected GetDocument to not return an error")
	return processed
}

func TestNewDocSalud(t *testing.T) {
	helper.SetTestDatabaseConfigEnvs(t, dbPort)
	dbConfig, err := helper.NewDatabaseConfiguration()
	require.NoError(t, err)

	t.Run("Valid call NewDocSalud", func(t *testing.T) {
		d, err := NewDocSalud(dbConfig, testPipelineConfig())
		require.NoError(t, err, "Expected NewDocSalud to not return an error")
		require.NotNil(t, d, "Expected NewDocSalud to return a non-nil instance")
		assert.NotNil(t, d.DB, "Expected docsalud to have a database instance")
		assert.NotNil(t, d.Patients, "Expected docsalud to have patients handler")
		assert.NotNil(t, d.Documents, "Expected docsalud to have documents handler")
		assert.NotNil(t, d.Entities, "Expected docsalud to have entities handler")
		assert.NotNil(t, d.Chunks, "Expected docsalud to have chunks handler")
		assert.NotNil(t, d.Alerts, "Expected docsalud to have alerts handler")
		assert.NotNil(t, d.AlertEngine, "Expected docsalud to have an alert engine")
		assert.Nil(t, d.Pipeline, "Expected pipeline to be nil initially")
		assert.Nil(t, d.Orchestrator, "Expected orchestrator to be nil initially")

		err = d.Close()
		assert.NoError(t, err, "Expected Close to not return an error")
	})

	t.Run("Invalid configuration is rejected", func(t *testing.T) {
		config := testPipelineConfig()
		config.EmbeddingDimension = 0
		d, err := NewDocSalud(dbConfig, config)
		assert.Error(t, err, "Expected NewDocSalud to reject a zero embedding dimension")
		assert.Nil(t, d)
	})

	t.Run("DocSalud with nil database handles Close gracefully", func(t *testing.T) {
		d := &DocSalud{}
		err := d.Close()
		assert.NoError(t, err, "Expected Close to handle nil DB gracefully")
	})
}

func TestOperationsWithoutPipeline(t *testing.T) {
	d := initDocSalud(t)
	ctx := context.Background()

	_, err := d.SubmitDocument(ctx, "informe.txt", []byte(labReport), "text/plain", nil)
	assert.ErrorContains(t, err, "pipeline not set", "Expected SubmitDocument to require a pipeline")

	_, err = d.ProcessDocument(ctx, uuid.New())
	assert.ErrorContains(t, err, "pipeline not set", "Expected ProcessDocument to require a pipeline")

	_, err = d.Ask(ctx, "¿Qué medicamentos toma?", nil, model.QueryTypeMedications)
	assert.ErrorContains(t, err, "pipeline not set", "Expected Ask to require a pipeline")

	_, err = d.Search(ctx, "metformina", nil, 0)
	assert.ErrorContains(t, err, "pipeline not set", "Expected Search to require a pipeline")
}

func TestSubmitDocument(t *testing.T) {
	d := initDocSalud(t)
	initPipeline(t, d)
	ctx := context.Background()

	t.Run("Lab report is processed and raises a critical alert", func(t *testing.T) {
		patient := registerPatient(t, d, "Maria")
		doc := submitAndWait(t, d, labReport, "text/plain", &patient.RID)

		assert.Equal(t, model.StatusCompleted, doc.Status)
		assert.True(t, doc.Searchable, "Expected document to be searchable")
		assert.Greater(t, doc.ChunkCount, 0, "Expected at least one chunk")
		assert.NotEmpty(t, doc.Entities, "Expected entities to be extracted")
		require.NotNil(t, doc.DocumentType, "Expected document to be classified")
		assert.NotNil(t, doc.ProcessingTimeMs, "Expected processing time to be recorded")

		status, err := d.GetStatus(ctx, doc.RID)
		require.NoError(t, err)
		assert.Equal(t, model.StatusCompleted, status.Status)
		assert.Equal(t, len(doc.Entities), status.EntityCount)

		alerts, err := d.ListAlerts(ctx, model.AlertFilter{PatientRID: &patient.RID})
		require.NoError(t, err, "Expected ListAlerts to not return an error")
		require.Len(t, alerts.Alerts, 1, "Expected exactly one alert")
		assert.Equal(t, "glucosa_alta", alerts.Alerts[0].AlertType)
		assert.Equal(t, model.SeverityCritical, alerts.Alerts[0].Severity)
		assert.Equal(t, 1, alerts.Summary.Critical)

		reprocessed, err := d.ReprocessDocument(ctx, doc.RID)
		require.NoError(t, err, "Expected ReprocessDocument to not return an error")
		assert.Equal(t, model.StatusCompleted, reprocessed.Status)

		alerts, err = d.ListAlerts(ctx, model.AlertFilter{PatientRID: &patient.RID})
		require.NoError(t, err)
		assert.Len(t, alerts.Alerts, 1, "Expected reprocessing to not duplicate the open alert")

		resolved, err := d.ResolveAlert(ctx, alerts.Alerts[0].RID)
		require.NoError(t, err, "Expected ResolveAlert to not return an error")
		assert.True(t, resolved.IsResolved)
	})

	t.Run("Unreadable file fails and succeeds after reprocessing", func(t *testing.T) {
		patient := registerPatient(t, d, "Ana")
		doc := submitAndWait(t, d, "\x89PNG\r\n\x1a\n", "image/png", &patient.RID)

		assert.Equal(t, model.StatusFailed, doc.Status)
		require.NotNil(t, doc.ErrorMessage, "Expected failed document to carry an error message")
		assert.False(t, doc.Searchable)

		_, err := d.DB.Instance.ExecContext(ctx, `UPDATE documents SET file_data = $1, mime_type = 'text/plain' WHERE rid = $2`, []byte(labReport), doc.RID)
		require.NoError(t, err)

		reprocessed, err := d.ReprocessDocument(ctx, doc.RID)
		require.NoError(t, err, "Expected ReprocessDocument to not return an error")
		assert.Equal(t, model.StatusCompleted, reprocessed.Status)
		assert.Nil(t, reprocessed.ErrorMessage, "Expected error message to be cleared")
	})

	t.Run("Empty file is rejected", func(t *testing.T) {
		_, err := d.SubmitDocument(ctx, "vacio.txt", nil, "text/plain", nil)
		assert.ErrorIs(t, err, model.ErrInvalidInput)
	})

	t.Run("Document without patient can be assigned later", func(t *testing.T) {
		doc := submitAndWait(t, d, "Nota de evolucion. Paciente estable.", "", nil)
		assert.Equal(t, model.StatusCompleted, doc.Status)
		assert.Nil(t, doc.PatientRID)

		patient := registerPatient(t, d, "Lucia")
		err := d.AssignDocumentPatient(ctx, doc.RID, patient.RID)
		require.NoError(t, err, "Expected AssignDocumentPatient to not return an error")

		docs, err := d.ListDocuments(ctx, model.DocumentFilter{PatientRID: &patient.RID})
		require.NoError(t, err)
		require.Len(t, docs, 1)
		assert.Equal(t, doc.RID, docs[0].RID)
	})

	t.Run("Deleted document is gone", func(t *testing.T) {
		doc := submitAndWait(t, d, "Receta: amoxicilina 500 mg cada 8 horas.", "text/plain", nil)
		err := d.DeleteDocument(ctx, doc.RID)
		require.NoError(t, err, "Expected DeleteDocument to not return an error")

		_, err = d.GetDocument(ctx, doc.RID)
		assert.ErrorIs(t, err, model.ErrNotFound)
	})
}

func TestAsk(t *testing.T) {
	d := initDocSalud(t)
	generator := initPipeline(t, d)
	ctx := context.Background()

	patient := registerPatient(t, d, "Carmen")
	doc := submitAndWait(t, d, labReport, "text/plain", &patient.RID)
	require.Equal(t, model.StatusCompleted, doc.Status)

	t.Run("Answer cites the patient's document", func(t *testing.T) {
		answer, err := d.Ask(ctx, "¿Qué dosis de metformina toma?", &patient.RID, model.QueryTypeMedications)
		require.NoError(t, err, "Expected Ask to not return an error")
		assert.True(t, answer.Found)
		assert.False(t, answer.Degraded)
		assert.Equal(t, "fake", answer.Provider)
		assert.Contains(t, answer.Text, "Metformina")
		require.NotEmpty(t, answer.Sources, "Expected answer to cite sources")
		assert.Equal(t, doc.RID, answer.Sources[0].DocumentRID)
		assert.Equal(t, 1, generator.calls())
	})

	t.Run("Patient without documents gets no information answer", func(t *testing.T) {
		other := registerPatient(t, d, "Rosa")
		answer, err := d.Ask(ctx, "¿Qué dosis de metformina toma?", &other.RID, model.QueryTypeMedications)
		require.NoError(t, err)
		assert.False(t, answer.Found)
		assert.Equal(t, retrieval.NoInformationAnswer, answer.Text)
		assert.Empty(t, answer.Sources)
		assert.Equal(t, 1, generator.calls(), "Expected the generator to not be called without context")
	})

	t.Run("Search is restricted to the patient", func(t *testing.T) {
		results, err := d.Search(ctx, "glucosa", &patient.RID, 3)
		require.NoError(t, err, "Expected Search to not return an error")
		require.NotEmpty(t, results)
		for _, result := range results {
			require.NotNil(t, result.PatientRID)
			assert.Equal(t, patient.RID, *result.PatientRID)
		}
	})

	t.Run("Too short question is rejected", func(t *testing.T) {
		_, err := d.Ask(ctx, "?", nil, "")
		assert.ErrorIs(t, err, model.ErrInvalidInput)
	})
}

func TestPatients(t *testing.T) {
	d := initDocSalud(t)
	ctx := context.Background()

	patient := registerPatient(t, d, "Elena")

	t.Run("Risk score is stored", func(t *testing.T) {
		cluster := 2
		err := d.UpdateRisk(ctx, patient.RID, 0.82, &cluster)
		require.NoError(t, err, "Expected UpdateRisk to not return an error")

		stored, err := d.GetPatient(ctx, patient.RID)
		require.NoError(t, err)
		assert.InDelta(t, 0.82, stored.RiskScore, 1e-9)
		require.NotNil(t, stored.RiskCluster)
		assert.Equal(t, 2, *stored.RiskCluster)
	})

	t.Run("Risk score out of range is rejected", func(t *testing.T) {
		err := d.UpdateRisk(ctx, patient.RID, 1.5, nil)
		assert.ErrorIs(t, err, model.ErrInvalidInput)
	})

	t.Run("Listing finds the patient by name", func(t *testing.T) {
		list, err := d.ListPatients(ctx, "Elena", 10, 0)
		require.NoError(t, err)
		require.NotEmpty(t, list.Patients)
		assert.Equal(t, patient.RID, list.Patients[0].RID)
	})

	t.Run("Deleted patient is gone", func(t *testing.T) {
		err := d.DeletePatient(ctx, patient.RID)
		require.NoError(t, err)
		_, err = d.GetPatient(ctx, patient.RID)
		assert.ErrorIs(t, err, model.ErrNotFound)
	})
}

func TestChangeIndexType(t *testing.T) {
	d := initDocSalud(t)
	ctx := context.Background()

	err := d.ChangeIndexType(ctx, "ivfflat", map[string]interface{}{"lists": 10})
	require.NoError(t, err, "Expected ChangeIndexType to ivfflat to not return an error")
	current, err := d.Chunks.CurrentIndexType(ctx)
	require.NoError(t, err)
	assert.Equal(t, "ivfflat", current)

	err = d.ChangeIndexType(ctx, "hnsw", nil)
	require.NoError(t, err, "Expected ChangeIndexType to hnsw to not return an error")
	current, err = d.Chunks.CurrentIndexType(ctx)
	require.NoError(t, err)
	assert.Equal(t, "hnsw", current)

	err = d.ChangeIndexType(ctx, "flat", nil)
	assert.Error(t, err, "Expected unknown index type to be rejected")
}
