package pipeline

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/knights-analytics/hugot"
	"github.com/knights-analytics/hugot/pipelines"
	"github.com/siherrmann/docsalud/helper"
	"github.com/siherrmann/docsalud/model"
)

// nerLabels maps model labels onto the entity vocabulary.
// Labels that are missing are dropped.
var nerLabels = map[string]model.EntityType{
	"PER":               model.EntityTypePatientName,
	"PERSON":            model.EntityTypePatientName,
	"PACIENTE":          model.EntityTypePatientName,
	"MEDICO":            model.EntityTypePhysicianName,
	"ORG":               model.EntityTypeInstitution,
	"INSTITUCION":       model.EntityTypeInstitution,
	"MEDICAMENTO":       model.EntityTypeMedication,
	"DOSIS":             model.EntityTypeDosage,
	"DIAGNOSTICO":       model.EntityTypeDiagnosis,
	"CODIGO_CIE10":      model.EntityTypeCode,
	"SIGNO_VITAL":       model.EntityTypeVitalSign,
	"VALOR_MEDICION":    model.EntityTypeValue,
	"RANGO_REFERENCIA":  model.EntityTypeReferenceRange,
	"FECHA":             model.EntityTypeDate,
	"FRECUENCIA_TIEMPO": model.EntityTypeFrequency,
	"DURACION":          model.EntityTypeDuration,
	"PRESENTACION":      model.EntityTypePresentation,
}

// HugotEntityExtractor creates an entity extractor using a token classification model.
// Defaults to KnightsAnalytics/distilbert-NER, whose PER and ORG labels map to
// patient names and institutions.
func HugotEntityExtractor(modelName string) (EntityExtractFunc, error) {
	if modelName == "" {
		modelName = "KnightsAnalytics/distilbert-NER"
	}
	modelPath, err := helper.PrepareModel(modelName, "model.onnx")
	if err != nil {
		return nil, err
	}

	session, err := hugot.NewGoSession()
	if err != nil {
		return nil, fmt.Errorf("failed to create hugot session: %w", err)
	}

	config := hugot.TokenClassificationConfig{
		ModelPath: modelPath,
		Name:      "ner-pipeline",
		Options: []hugot.TokenClassificationOption{
			pipelines.WithSimpleAggregation(),
			pipelines.WithIgnoreLabels([]string{"O"}),
		},
	}
	nerPipeline, err := hugot.NewPipeline(session, config)
	if err != nil {
		if destroyErr := session.Destroy(); destroyErr != nil {
			return nil, fmt.Errorf("failed to create NER pipeline: %w (cleanup error: %v)", err, destroyErr)
		}
		return nil, fmt.Errorf("failed to create NER pipeline: %w", err)
	}

	return func(ctx context.Context, text string) ([]*model.Entity, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if strings.TrimSpace(text) == "" {
			return nil, nil
		}

		result, err := nerPipeline.RunPipeline([]string{text})
		if err != nil {
			return nil, fmt.Errorf("%w: failed to run NER: %v", model.ErrProviderUnavailable, err)
		}
		if len(result.Entities) == 0 {
			return nil, nil
		}

		var entities []*model.Entity
		for _, ner := range result.Entities[0] {
			entityType, ok := nerLabels[normalizeEntityLabel(ner.Entity)]
			if !ok {
				continue
			}
			entity := newEntity(entityType, strings.TrimSpace(ner.Word), float64(ner.Score), int(ner.Start), int(ner.End))
			if !spanMatches(text, entity) {
				entity.StartChar, entity.EndChar = nil, nil
			}
			entities = append(entities, entity)
		}
		return entities, nil
	}, nil
}

// normalizeEntityLabel removes B- and I- prefixes from NER labels
func normalizeEntityLabel(label string) string {
	label = strings.ToUpper(label)
	if strings.HasPrefix(label, "B-") || strings.HasPrefix(label, "I-") {
		return label[2:]
	}
	return label
}

// spanMatches reports whether the offsets of e point at its value in text.
func spanMatches(text string, e *model.Entity) bool {
	if !e.HasSpan() {
		return false
	}
	start, end := *e.StartChar, *e.EndChar
	if start < 0 || end > len(text) || start >= end {
		return false
	}
	return strings.EqualFold(strings.TrimSpace(text[start:end]), e.Value)
}

type entityRule struct {
	entityType model.EntityType
	pattern    *regexp.Regexp
	confidence float64
	group      int
}

func wordList(words ...string) *regexp.Regexp {
	return regexp.MustCompile(`(?i)\b(?:` + strings.Join(words, "|") + `)\b`)
}

var entityRules = []entityRule{
	{model.EntityTypeCode, regexp.MustCompile(`\b([A-Z]\d{2}(?:\.\d{1,2})?)\b`), 0.9, 1},
	{model.EntityTypeValue, regexp.MustCompile(`(?i)\b\d+(?:\.\d+)?(?:/\d+)?\s*(?:mg/dL|g/dL|mmHg|mEq/L|U/L|%|lpm|rpm)`), 0.9, 0},
	{model.EntityTypeDosage, regexp.MustCompile(`(?i)\b\d+(?:\.\d+)?\s*(?:mg|ml|g|mcg|UI)\b`), 0.85, 0},
	{model.EntityTypeReferenceRange, regexp.MustCompile(`\(\d+(?:\.\d+)?\s*-\s*\d+(?:\.\d+)?\s*(?:mg/dL|g/dL|%|U/L|mEq/L)?\)`), 0.85, 0},
	{model.EntityTypeDate, regexp.MustCompile(`\b(\d{1,2}/\d{2}/\d{4})\b`), 0.9, 1},
	{model.EntityTypeFrequency, regexp.MustCompile(`(?i)\bcada\s+\d+\s+(?:horas?|hrs?|dias?|días?|semanas?)\b`), 0.85, 0},
	{model.EntityTypeDuration, regexp.MustCompile(`(?i)\b(?:por|durante)\s+\d+\s+(?:dias?|días?|semanas?|meses?)\b`), 0.85, 0},
	{model.EntityTypePresentation, regexp.MustCompile(`(?i)\b(?:tabletas?|capsulas?|cápsulas?|jarabe|solucion\s+(?:inyectable|oral)|suspension|ampolletas?|gotas|crema|unguento)\b`), 0.8, 0},
	{model.EntityTypeMedication, wordList(
		"metformina", "losartan", "glibenclamida", "omeprazol", "enalapril", "amlodipino",
		"atorvastatina", "aspirina", "captopril", "metoprolol", "insulina", "ranitidina",
		"amoxicilina", "ciprofloxacino", "diclofenaco", "paracetamol", "ibuprofeno", "naproxeno",
		"prednisona", "salbutamol", "beclometasona", "furosemida", "hidroclorotiazida", "clopidogrel",
		"simvastatina", "bezafibrato", "nifedipino", "verapamilo", "warfarina",
	), 0.8, 0},
	{model.EntityTypeDiagnosis, wordList(
		`diabetes\s+mellitus(?:\s+tipo\s+2)?`, `hipertensi[oó]n\s+arterial`, `insuficiencia\s+renal`,
		`infecci[oó]n\s+de\s+v[ií]as\s+urinarias`, "gastritis", "anemia", "hipotiroidismo",
		"obesidad", "dislipidemia",
	), 0.8, 0},
	{model.EntityTypeVitalSign, wordList(
		"glucosa", "hemoglobina", "colesterol", "triglic[eé]ridos", "creatinina", "urea",
		`(?:presi[oó]n|tensi[oó]n)\s+arterial`, `frecuencia\s+card[ií]aca`, "temperatura",
	), 0.8, 0},
}

// RuleEntityExtractor extracts entities with regular expressions for codes, dosages,
// measurements, ranges, dates, frequencies, durations, presentations and a
// dictionary of common medications, diagnoses and lab analytes.
func RuleEntityExtractor() EntityExtractFunc {
	return func(ctx context.Context, text string) ([]*model.Entity, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		var entities []*model.Entity
		for _, rule := range entityRules {
			for _, match := range rule.pattern.FindAllStringSubmatchIndex(text, -1) {
				start, end := match[2*rule.group], match[2*rule.group+1]
				entities = append(entities, newEntity(rule.entityType, text[start:end], rule.confidence, start, end))
			}
		}
		return resolveOverlaps(entities), nil
	}
}

// MergeEntityExtractors runs all extractors and merges their entities.
// Nested spans give way to the enclosing span, other overlaps are resolved
// in favour of the higher confidence.
// It fails only if every extractor fails.
func MergeEntityExtractors(extractors ...EntityExtractFunc) EntityExtractFunc {
	return func(ctx context.Context, text string) ([]*model.Entity, error) {
		var all []*model.Entity
		var errs []error
		for _, extract := range extractors {
			entities, err := extract(ctx, text)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			all = append(all, entities...)
		}
		if len(extractors) > 0 && len(errs) == len(extractors) {
			return nil, errors.Join(errs...)
		}
		return resolveOverlaps(all), nil
	}
}

// resolveOverlaps drops entities nested inside a larger span, then keeps the most
// confident entity of every group of overlapping spans and sorts the result by
// position. Entities without span are kept as is.
func resolveOverlaps(entities []*model.Entity) []*model.Entity {
	var spanned, unspanned []*model.Entity
	for _, e := range entities {
		if !e.HasSpan() {
			unspanned = append(unspanned, e)
			continue
		}
		nested := false
		for _, other := range entities {
			if other != e && containsStrictly(other, e) {
				nested = true
				break
			}
		}
		if !nested {
			spanned = append(spanned, e)
		}
	}

	sort.SliceStable(spanned, func(i, j int) bool {
		return spanned[i].ConfidenceOr(0) > spanned[j].ConfidenceOr(0)
	})

	kept := make([]*model.Entity, 0, len(spanned))
	for _, candidate := range spanned {
		overlaps := false
		for _, k := range kept {
			if candidate.Overlaps(k) {
				overlaps = true
				break
			}
		}
		if !overlaps {
			kept = append(kept, candidate)
		}
	}

	sort.SliceStable(kept, func(i, j int) bool {
		return *kept[i].StartChar < *kept[j].StartChar
	})
	return append(kept, unspanned...)
}

func containsStrictly(outer, inner *model.Entity) bool {
	if !outer.HasSpan() {
		return false
	}
	if *outer.StartChar > *inner.StartChar || *outer.EndChar < *inner.EndChar {
		return false
	}
	return *outer.StartChar != *inner.StartChar || *outer.EndChar != *inner.EndChar
}

func newEntity(entityType model.EntityType, value string, confidence float64, start, end int) *model.Entity {
	entity := &model.Entity{
		Type:       entityType,
		Value:      value,
		Confidence: &confidence,
		StartChar:  &start,
		EndChar:    &end,
		Metadata:   model.Metadata{},
	}
	NormalizeEntity(entity)
	return entity
}

var (
	measurementPattern = regexp.MustCompile(`(?i)^(\d+(?:\.\d+)?)(?:/(\d+(?:\.\d+)?))?\s*([a-z%/]+)?$`)
	collapseSpace      = regexp.MustCompile(`\s+`)
)

// NormalizeEntity fills the normalized value and, for measurements, the parsed
// number and unit in the metadata.
func NormalizeEntity(e *model.Entity) {
	if e.Metadata == nil {
		e.Metadata = model.Metadata{}
	}
	value := collapseSpace.ReplaceAllString(strings.TrimSpace(e.Value), " ")

	var normalized string
	switch e.Type {
	case model.EntityTypeMedication, model.EntityTypeDiagnosis, model.EntityTypeVitalSign,
		model.EntityTypePresentation, model.EntityTypeFrequency, model.EntityTypeDuration:
		normalized = FoldText(value)
	case model.EntityTypeCode:
		normalized = strings.ToUpper(value)
	case model.EntityTypeValue, model.EntityTypeDosage:
		match := measurementPattern.FindStringSubmatch(strings.ReplaceAll(value, " ", ""))
		if match == nil {
			normalized = value
			break
		}
		number, err := strconv.ParseFloat(match[1], 64)
		if err == nil {
			e.Metadata["number"] = number
		}
		if match[2] != "" {
			if second, err := strconv.ParseFloat(match[2], 64); err == nil {
				e.Metadata["second_number"] = second
			}
		}
		unit := match[3]
		e.Metadata["unit"] = unit
		normalized = strings.TrimSpace(match[1] + secondPart(match[2]) + " " + unit)
	case model.EntityTypeDate:
		if date, err := time.Parse("2/01/2006", value); err == nil {
			normalized = date.Format(time.DateOnly)
		} else {
			normalized = value
		}
	default:
		normalized = value
	}

	if normalized != "" {
		e.NormalizedValue = &normalized
	}
}

func secondPart(second string) string {
	if second == "" {
		return ""
	}
	return "/" + second
}
