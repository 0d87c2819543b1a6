package retrieval

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/siherrmann/docsalud/core/pipeline"
	"github.com/siherrmann/docsalud/helper"
	"github.com/siherrmann/docsalud/metrics"
	"github.com/siherrmann/docsalud/model"
)

const (
	// NoInformationAnswer is returned without asking a provider when no chunk passes the floor.
	NoInformationAnswer = "No se encontró información relevante en los documentos disponibles para responder esta pregunta."
	// DegradedAnswer is returned with the retrieved sources when every generation provider failed.
	DegradedAnswer = "No fue posible generar una respuesta en este momento. Revise los documentos fuente adjuntos."

	minQuestionLength = 3
	maxQuestionLength = 1000
	excerptLength     = 200
)

const systemInstruction = `Eres un asistente clínico que responde preguntas sobre expedientes médicos.
Responde únicamente con la información del contexto proporcionado.
Si la información no está en el contexto, indícalo explícitamente.
Nunca inventes datos, diagnósticos ni valores.
Señala de forma destacada cualquier valor crítico o fuera de rango.
Cita los documentos con su número entre corchetes, por ejemplo [1].`

var queryTypeInstructions = map[model.QueryType]string{
	model.QueryTypeGeneral:     "",
	model.QueryTypeMedications: "Enfócate en medicamentos, dosis, frecuencia y duración de los tratamientos.",
	model.QueryTypeLab:         "Enfócate en resultados de laboratorio, sus unidades y rangos de referencia.",
	model.QueryTypeAlerts:      "Enfócate en hallazgos de riesgo, valores críticos e interacciones que requieran atención.",
}

// QueryEngine answers questions from the indexed chunks.
type QueryEngine struct {
	engine    *Engine
	embed     pipeline.EmbedFunc
	generator *pipeline.GenerationChain
	retrier   *pipeline.Retrier
	defaults  model.QueryConfig
	logger    *slog.Logger
}

// NewQueryEngine creates a query engine. A nil generator makes every answer degraded.
func NewQueryEngine(engine *Engine, embed pipeline.EmbedFunc, generator *pipeline.GenerationChain, retrier *pipeline.Retrier, defaults model.QueryConfig, logger *slog.Logger) *QueryEngine {
	if logger == nil {
		logger = slog.Default()
	}
	return &QueryEngine{
		engine:    engine,
		embed:     embed,
		generator: generator,
		retrier:   retrier,
		defaults:  defaults,
		logger:    logger,
	}
}

// Config returns the default query configuration with options applied.
func (q *QueryEngine) Config(options ...QueryOption) model.QueryConfig {
	config := q.defaults
	for _, option := range options {
		option(&config)
	}
	if config.QueryType == "" {
		config.QueryType = model.QueryTypeGeneral
	}
	return config
}

// QueryOption changes one field of the default query configuration.
type QueryOption func(*model.QueryConfig)

// WithPatient restricts the query to one patient. Nil searches every document.
func WithPatient(patientRID *uuid.UUID) QueryOption {
	return func(c *model.QueryConfig) {
		c.PatientRID = patientRID
	}
}

func WithQueryType(queryType model.QueryType) QueryOption {
	return func(c *model.QueryConfig) {
		c.QueryType = queryType
	}
}

func WithTopK(topK int) QueryOption {
	return func(c *model.QueryConfig) {
		c.TopK = topK
	}
}

// Search embeds query and returns the ranked chunks.
func (q *QueryEngine) Search(ctx context.Context, query string, config model.QueryConfig) ([]*model.RetrievalResult, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, fmt.Errorf("%w: empty search query", model.ErrInvalidInput)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	embedding, err := q.embedText(ctx, query)
	if err != nil {
		return nil, helper.NewError("embed query", err)
	}
	return q.engine.VectorRetrieve(ctx, embedding, config)
}

// Ask answers question from the retrieved chunks. Generation failures do not
// return an error, the answer is marked degraded and keeps its sources.
func (q *QueryEngine) Ask(ctx context.Context, question string, config model.QueryConfig) (*model.Answer, error) {
	question = strings.TrimSpace(question)
	if n := utf8.RuneCountInString(question); n < minQuestionLength || n > maxQuestionLength {
		return nil, fmt.Errorf("%w: question must have between %d and %d characters", model.ErrInvalidInput, minQuestionLength, maxQuestionLength)
	}

	results, err := q.Search(ctx, question, config)
	if err != nil {
		return nil, err
	}

	answer := &model.Answer{
		Question: question,
		Sources:  sourceReferences(results),
	}

	if len(results) == 0 {
		answer.Text = NoInformationAnswer
		metrics.AnswersTotal.WithLabelValues("no_context").Inc()
		q.logger.Info("No context above the similarity floor", slog.Float64("floor", config.SimilarityFloor))
		return answer, nil
	}
	answer.Found = true

	if q.generator == nil {
		q.degrade(answer, "no generation provider configured")
		return answer, nil
	}

	generation, provider, err := q.generator.Generate(ctx, BuildPrompt(question, config.QueryType, results))
	if err != nil {
		q.degrade(answer, err.Error())
		return answer, nil
	}

	answer.Text = generation.Text
	answer.Provider = provider
	answer.Confidence = meanSimilarity(results)
	if generation.Confidence != nil {
		answer.Confidence = clamp01(*generation.Confidence)
	}
	metrics.AnswersTotal.WithLabelValues("answered").Inc()

	return answer, nil
}

func (q *QueryEngine) degrade(answer *model.Answer, reason string) {
	answer.Text = DegradedAnswer
	answer.Degraded = true
	answer.Confidence = 0
	metrics.AnswersTotal.WithLabelValues("degraded").Inc()
	q.logger.Warn("Answer generation degraded", slog.Int("sources", len(answer.Sources)), slog.String("error", reason))
}

func (q *QueryEngine) embedText(ctx context.Context, text string) ([]float32, error) {
	if q.retrier == nil {
		return q.embed(ctx, text)
	}
	return pipeline.Retry(ctx, q.retrier, "embed query", func(ctx context.Context) ([]float32, error) {
		return q.embed(ctx, text)
	})
}

// BuildPrompt puts the retrieved chunks, numbered in rank order, in front of the question.
func BuildPrompt(question string, queryType model.QueryType, results []*model.RetrievalResult) pipeline.Prompt {
	system := systemInstruction
	if suffix := queryTypeInstructions[queryType]; suffix != "" {
		system += "\n" + suffix
	}

	var user strings.Builder
	user.WriteString("Contexto:\n")
	for i, result := range results {
		documentType := "desconocido"
		if result.DocumentType != nil {
			documentType = string(*result.DocumentType)
		}
		fmt.Fprintf(&user, "\n[%d] Documento %s (tipo: %s, fecha: %s, similitud: %.2f)\n%s\n",
			i+1,
			result.Chunk.DocumentRID,
			documentType,
			result.DocumentCreatedAt.Format("2006-01-02"),
			result.Similarity,
			strings.TrimSpace(result.Chunk.Content),
		)
	}
	fmt.Fprintf(&user, "\nPregunta: %s", question)

	return pipeline.Prompt{System: system, User: user.String()}
}

func sourceReferences(results []*model.RetrievalResult) []model.SourceReference {
	sources := make([]model.SourceReference, 0, len(results))
	for _, result := range results {
		sources = append(sources, model.SourceReference{
			DocumentRID:  result.Chunk.DocumentRID,
			ChunkIndex:   result.Chunk.ChunkIndex,
			DocumentType: result.DocumentType,
			Date:         result.DocumentCreatedAt,
			Similarity:   result.Similarity,
			Excerpt:      excerpt(result.Chunk.Content),
		})
	}
	return sources
}

func excerpt(content string) string {
	content = strings.TrimSpace(content)
	if utf8.RuneCountInString(content) <= excerptLength {
		return content
	}
	runes := []rune(content)
	return strings.TrimSpace(string(runes[:excerptLength])) + "..."
}

func meanSimilarity(results []*model.RetrievalResult) float64 {
	if len(results) == 0 {
		return 0
	}
	sum := 0.0
	for _, result := range results {
		sum += result.Similarity
	}
	return clamp01(sum / float64(len(results)))
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
