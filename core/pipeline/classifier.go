package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/knights-analytics/hugot"
	"github.com/knights-analytics/hugot/pipelines"
	"github.com/siherrmann/docsalud/helper"
	"github.com/siherrmann/docsalud/model"
)

// ClassificationProvider is one link of a ClassificationChain.
type ClassificationProvider struct {
	Name     string
	Classify ClassifyFunc
}

// ClassificationChain asks its providers in order and returns the first usable
// classification. It never fails: if every provider fails the default label is
// returned with Fallback set.
type ClassificationChain struct {
	providers []ClassificationProvider
	retrier   *Retrier
	logger    *slog.Logger
	observe   func(provider string, err error)
}

func NewClassificationChain(retrier *Retrier, logger *slog.Logger, providers ...ClassificationProvider) *ClassificationChain {
	if logger == nil {
		logger = slog.Default()
	}
	return &ClassificationChain{
		providers: providers,
		retrier:   retrier,
		logger:    logger,
	}
}

// SetObserver sets a callback that sees the outcome of every provider call.
func (c *ClassificationChain) SetObserver(observe func(provider string, err error)) {
	c.observe = observe
}

// Providers returns the provider names in chain order.
func (c *ClassificationChain) Providers() []string {
	names := make([]string, len(c.providers))
	for i, p := range c.providers {
		names[i] = p.Name
	}
	return names
}

// Classify returns the classification of text. The error is only set together
// with a fallback classification and wraps model.ErrClassificationDegraded.
func (c *ClassificationChain) Classify(ctx context.Context, text string) (*model.Classification, error) {
	var errs []error
	for i, provider := range c.providers {
		classification, err := c.call(ctx, provider, text)
		if c.observe != nil {
			c.observe(provider.Name, err)
		}
		if err != nil {
			c.logger.Warn("Classification provider failed", slog.String("provider", provider.Name), slog.String("error", err.Error()))
			errs = append(errs, fmt.Errorf("%s: %w", provider.Name, err))
			if ctx.Err() != nil {
				break
			}
			continue
		}

		classification.Provider = provider.Name
		classification.Fallback = i > 0
		return classification, nil
	}

	fallback := model.DefaultClassification()
	fallback.Fallback = true
	return fallback, errors.Join(model.ErrClassificationDegraded, errors.Join(errs...))
}

func (c *ClassificationChain) call(ctx context.Context, provider ClassificationProvider, text string) (*model.Classification, error) {
	var classification *model.Classification
	var err error
	if c.retrier != nil {
		classification, err = Retry(ctx, c.retrier, "classify "+provider.Name, func(ctx context.Context) (*model.Classification, error) {
			return provider.Classify(ctx, text)
		})
	} else {
		classification, err = provider.Classify(ctx, text)
	}
	if err != nil {
		return nil, err
	}
	if classification == nil {
		return nil, fmt.Errorf("%w: empty classification", model.ErrProviderUnavailable)
	}
	if !classification.Label.IsValid() {
		return nil, fmt.Errorf("%w: unknown label %q", model.ErrProviderUnavailable, classification.Label)
	}
	if classification.Confidence < 0 || classification.Confidence > 1 {
		return nil, fmt.Errorf("%w: confidence %.3f out of range", model.ErrProviderUnavailable, classification.Confidence)
	}
	if len(classification.Distribution) == 0 {
		classification.Distribution = model.Distribution{classification.Label: classification.Confidence}
	}
	classification.Distribution = classification.Distribution.Normalized()
	return classification, nil
}

// HugotClassifier classifies text with a local sequence classification model.
// Model labels are mapped with model.ParseDocumentType, unknown labels are dropped.
func HugotClassifier(modelName string) (ClassifyFunc, error) {
	modelPath, err := helper.PrepareModel(modelName, "model.onnx")
	if err != nil {
		return nil, err
	}

	session, err := hugot.NewGoSession()
	if err != nil {
		return nil, fmt.Errorf("failed to create hugot session: %w", err)
	}

	config := hugot.TextClassificationConfig{
		ModelPath: modelPath,
		Name:      "classification-pipeline",
		Options: []hugot.TextClassificationOption{
			pipelines.WithSoftmax(),
			pipelines.WithMultiLabel(),
		},
	}
	classificationPipeline, err := hugot.NewPipeline(session, config)
	if err != nil {
		if destroyErr := session.Destroy(); destroyErr != nil {
			return nil, fmt.Errorf("failed to create classification pipeline: %w (cleanup error: %v)", err, destroyErr)
		}
		return nil, fmt.Errorf("failed to create classification pipeline: %w", err)
	}

	return func(ctx context.Context, text string) (*model.Classification, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		result, err := classificationPipeline.RunPipeline([]string{text})
		if err != nil {
			return nil, fmt.Errorf("%w: failed to classify: %v", model.ErrProviderUnavailable, err)
		}
		if len(result.ClassificationOutputs) == 0 {
			return nil, fmt.Errorf("%w: no classification output", model.ErrProviderUnavailable)
		}

		scores := map[string]float64{}
		for _, output := range result.ClassificationOutputs[0] {
			scores[output.Label] = float64(output.Score)
		}
		return classificationFromScores(scores)
	}, nil
}

// classificationFromScores maps raw label scores onto the document type vocabulary.
func classificationFromScores(scores map[string]float64) (*model.Classification, error) {
	distribution := model.Distribution{}
	for label, score := range scores {
		documentType, err := model.ParseDocumentType(label)
		if err != nil {
			continue
		}
		distribution[documentType] += score
	}
	if len(distribution) == 0 {
		return nil, fmt.Errorf("%w: no known labels in output", model.ErrProviderUnavailable)
	}

	distribution = distribution.Normalized()
	label, confidence := distribution.Top()
	return &model.Classification{
		Label:        label,
		Confidence:   confidence,
		Distribution: distribution,
	}, nil
}

// keywordWeight is a keyword and its weight towards a document type.
type keywordWeight struct {
	keyword string
	weight  float64
}

var documentKeywords = map[model.DocumentType][]keywordWeight{
	model.DocumentTypePrescription: {
		{"receta", 3}, {"rp/", 3}, {"prescripcion", 2}, {"indicaciones", 1}, {"tomar", 1},
		{"cada", 0.5}, {"mg", 0.5}, {"comprimidos", 1}, {"tabletas", 1}, {"capsulas", 1},
	},
	model.DocumentTypeLabResult: {
		{"laboratorio", 3}, {"resultado", 2}, {"valores de referencia", 3}, {"hemograma", 2},
		{"glucosa", 1}, {"creatinina", 1}, {"hemoglobina", 1}, {"mg/dl", 1}, {"muestra", 1},
	},
	model.DocumentTypeClinicalNote: {
		{"nota clinica", 3}, {"evolucion", 2}, {"anamnesis", 2}, {"examen fisico", 2},
		{"diagnostico", 1}, {"plan", 0.5}, {"motivo de consulta", 2}, {"antecedentes", 1},
	},
	model.DocumentTypeReferral: {
		{"derivacion", 3}, {"interconsulta", 3}, {"se deriva", 3}, {"referencia", 2},
		{"especialista", 1}, {"solicito evaluacion", 2},
	},
	model.DocumentTypeConsentForm: {
		{"consentimiento", 3}, {"autorizo", 2}, {"informado", 1}, {"firma", 1},
		{"riesgos", 1}, {"declaro", 1},
	},
}

const keywordMaxConfidence = 0.95

// KeywordClassifier scores text against weighted keyword lists.
// Text without any keyword is classified as other with a uniform distribution.
func KeywordClassifier() ClassifyFunc {
	return func(ctx context.Context, text string) (*model.Classification, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		folded := FoldText(text)
		scores := model.Distribution{}
		total := 0.0
		for _, documentType := range model.DocumentTypes {
			for _, kw := range documentKeywords[documentType] {
				if n := strings.Count(folded, kw.keyword); n > 0 {
					scores[documentType] += kw.weight * float64(n)
					total += kw.weight * float64(n)
				}
			}
		}

		if total == 0 {
			uniform := model.Distribution{}
			for _, documentType := range model.DocumentTypes {
				uniform[documentType] = 1
			}
			return &model.Classification{
				Label:        model.DocumentTypeOther,
				Confidence:   0.5,
				Distribution: uniform.Normalized(),
			}, nil
		}

		distribution := scores.Normalized()
		label, confidence := distribution.Top()
		if confidence > keywordMaxConfidence {
			confidence = keywordMaxConfidence
		}
		return &model.Classification{
			Label:        label,
			Confidence:   confidence,
			Distribution: distribution,
		}, nil
	}
}
