package alert

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/siherrmann/docsalud/core/pipeline"
	"github.com/siherrmann/docsalud/model"
)

// maxPairingDistance is how far after a vital sign a value may start, in bytes.
const maxPairingDistance = 100

var analyteAliases = map[string]string{
	"tension arterial": "presion arterial",
}

// Measurement is a vital sign or lab analyte paired with its value.
type Measurement struct {
	Analyte string
	Value   float64
	// Second is the diastolic part of readings like 150/95.
	Second *float64
	Unit   string
	Entity *model.Entity
}

// Reading formats the measured value with its unit.
func (m Measurement) Reading() string {
	value := strconv.FormatFloat(m.Value, 'f', -1, 64)
	if m.Second != nil {
		value = fmt.Sprintf("%s/%s", value, strconv.FormatFloat(*m.Second, 'f', -1, 64))
	}
	if m.Unit == "" {
		return value
	}
	return value + " " + m.Unit
}

// PairMeasurements pairs every vital sign entity with the nearest value entity
// that starts after it, within maxPairingDistance. Each value is used once.
func PairMeasurements(entities []*model.Entity) []Measurement {
	var vitals, values []*model.Entity
	for _, e := range entities {
		if !e.HasSpan() {
			continue
		}
		switch e.Type {
		case model.EntityTypeVitalSign:
			vitals = append(vitals, e)
		case model.EntityTypeValue:
			if _, ok := e.Metadata.Number("number"); ok {
				values = append(values, e)
			}
		}
	}
	sort.SliceStable(vitals, func(i, j int) bool { return *vitals[i].StartChar < *vitals[j].StartChar })
	sort.SliceStable(values, func(i, j int) bool { return *values[i].StartChar < *values[j].StartChar })

	used := make([]bool, len(values))
	var measurements []Measurement
	for _, vital := range vitals {
		for i, value := range values {
			if used[i] || *value.StartChar < *vital.EndChar {
				continue
			}
			if *value.StartChar > *vital.EndChar+maxPairingDistance {
				break
			}

			used[i] = true
			number, _ := value.Metadata.Number("number")
			analyte := pipeline.FoldText(vital.Text())
			if alias, ok := analyteAliases[analyte]; ok {
				analyte = alias
			}
			measurement := Measurement{
				Analyte: analyte,
				Value:   number,
				Unit:    value.Metadata.String("unit"),
				Entity:  value,
			}
			if second, ok := value.Metadata.Number("second_number"); ok {
				measurement.Second = &second
			}
			measurements = append(measurements, measurement)
			break
		}
	}
	return measurements
}
