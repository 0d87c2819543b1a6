package alert

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/template"

	"github.com/siherrmann/docsalud/core/pipeline"
	"github.com/siherrmann/docsalud/model"
	"gopkg.in/yaml.v3"
)

//go:embed default_rules.yaml
var defaultRulesYAML []byte

// RuleKind selects the predicate of a rule.
type RuleKind string

const (
	// KindMeasurementAbove fires if a measurement of Analyte exceeds Threshold.
	KindMeasurementAbove RuleKind = "measurement_above"
	// KindMeasurementBelow fires if a measurement of Analyte is below Threshold.
	KindMeasurementBelow RuleKind = "measurement_below"
	// KindEntityPresent fires if an entity of EntityType with Value was extracted.
	KindEntityPresent RuleKind = "entity_present"
	// KindMedicationPair fires if all Medications appear together.
	KindMedicationPair RuleKind = "medication_pair"
	// KindAnomalyScore maps the anomaly score onto the severity bands.
	KindAnomalyScore RuleKind = "anomaly_score"
)

// Rule maps a predicate over patient, entities and anomaly score to an alert.
// Title and Description are text/template strings.
type Rule struct {
	Type        string           `yaml:"type"`
	Kind        RuleKind         `yaml:"kind"`
	Severity    model.Severity   `yaml:"severity"`
	Title       string           `yaml:"title"`
	Description string           `yaml:"description"`
	Analyte     string           `yaml:"analyte"`
	Threshold   float64          `yaml:"threshold"`
	EntityType  model.EntityType `yaml:"entity_type"`
	Value       string           `yaml:"value"`
	Medications []string         `yaml:"medications"`
	// Condition restricts the rule to patients with this chronic condition.
	Condition string `yaml:"condition"`

	title       *template.Template
	description *template.Template
}

// RuleSet is the content of a rule file.
type RuleSet struct {
	SeverityBands *model.SeverityBands `yaml:"severity_bands"`
	Rules         []*Rule              `yaml:"rules"`
}

var templateFuncs = template.FuncMap{
	"join": strings.Join,
}

// Validate checks the rule and compiles its templates.
func (r *Rule) Validate() error {
	if r.Type == "" {
		return fmt.Errorf("%w: rule without type", model.ErrInvalidInput)
	}

	switch r.Kind {
	case KindMeasurementAbove, KindMeasurementBelow:
		if r.Analyte == "" {
			return fmt.Errorf("%w: rule %s needs an analyte", model.ErrInvalidInput, r.Type)
		}
		r.Analyte = pipeline.FoldText(r.Analyte)
	case KindEntityPresent:
		if !r.EntityType.IsValid() || r.Value == "" {
			return fmt.Errorf("%w: rule %s needs an entity type and value", model.ErrInvalidInput, r.Type)
		}
		r.Value = pipeline.FoldText(r.Value)
	case KindMedicationPair:
		if len(r.Medications) < 2 {
			return fmt.Errorf("%w: rule %s needs at least two medications", model.ErrInvalidInput, r.Type)
		}
		for i, medication := range r.Medications {
			r.Medications[i] = pipeline.FoldText(medication)
		}
	case KindAnomalyScore:
	default:
		return fmt.Errorf("%w: rule %s has unknown kind %q", model.ErrInvalidInput, r.Type, r.Kind)
	}

	if r.Kind != KindAnomalyScore && !r.Severity.IsValid() {
		return fmt.Errorf("%w: rule %s has unknown severity %q", model.ErrInvalidInput, r.Type, r.Severity)
	}
	if r.Title == "" {
		r.Title = r.Type
	}

	var err error
	r.title, err = template.New(r.Type + "-title").Funcs(templateFuncs).Option("missingkey=zero").Parse(r.Title)
	if err != nil {
		return fmt.Errorf("%w: rule %s title: %v", model.ErrInvalidInput, r.Type, err)
	}
	if r.Description != "" {
		r.description, err = template.New(r.Type + "-description").Funcs(templateFuncs).Parse(r.Description)
		if err != nil {
			return fmt.Errorf("%w: rule %s description: %v", model.ErrInvalidInput, r.Type, err)
		}
	}
	r.Condition = strings.ToLower(strings.TrimSpace(r.Condition))
	return nil
}

// ParseRules reads a yaml rule set and validates every rule.
// Missing severity bands fall back to the defaults.
func ParseRules(data []byte) (*RuleSet, error) {
	set := &RuleSet{}
	if err := yaml.Unmarshal(data, set); err != nil {
		return nil, fmt.Errorf("%w: parse rules: %v", model.ErrInvalidInput, err)
	}

	if set.SeverityBands == nil {
		bands := model.DefaultSeverityBands()
		set.SeverityBands = &bands
	}
	b := set.SeverityBands
	if !(b.Medium <= b.High && b.High <= b.Critical) {
		return nil, fmt.Errorf("%w: severity bands must be ascending", model.ErrInvalidInput)
	}

	seen := map[string]bool{}
	for _, rule := range set.Rules {
		if err := rule.Validate(); err != nil {
			return nil, err
		}
		if seen[rule.Type] {
			return nil, fmt.Errorf("%w: duplicate rule type %s", model.ErrInvalidInput, rule.Type)
		}
		seen[rule.Type] = true
	}
	return set, nil
}

// LoadRules reads a rule file.
func LoadRules(path string) (*RuleSet, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, err
	}
	return ParseRules(data)
}

// DefaultRules returns the built-in clinical rules.
func DefaultRules() *RuleSet {
	set, err := ParseRules(defaultRulesYAML)
	if err != nil {
		panic(fmt.Sprintf("invalid default alert rules: %v", err))
	}
	return set
}

func render(t *template.Template, data any) (string, error) {
	if t == nil {
		return "", nil
	}
	var b strings.Builder
	if err := t.Execute(&b, data); err != nil {
		return "", err
	}
	return strings.TrimSpace(b.String()), nil
}
