package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/siherrmann/docsalud"
	"github.com/siherrmann/docsalud/helper"
	"github.com/siherrmann/docsalud/model"
)

const customRules = `severity_bands:
  medium: 0.2
  high: 0.5
  critical: 0.75

rules:
  - type: glucosa_alta
    kind: measurement_above
    analyte: glucosa
    threshold: 180
    severity: high
    title: "Glucosa {{.Value}} {{.Unit}}"

  - type: interaccion_medicamentos
    kind: medication_pair
    medications: [warfarina, aspirina]
    severity: critical
    title: "Interaccion: {{join .Medications \" + \"}}"
`

var documents = map[string]string{
	"receta.txt": `Receta medica
Warfarina 5 mg cada 24 horas.
Aspirina 100 mg cada 24 horas.`,
	"laboratorio.txt": `Resultados de laboratorio
Glucosa: 210 mg/dL (70 - 100 mg/dL)
Creatinina: 1.8 mg/dL`,
	"nota.txt": `Nota de evolucion
Paciente con diabetes tipo 2 refiere mareos. Tension arterial 150/95 mmHg.`,
}

func main() {
	ctx := context.Background()

	teardown, dbPort, err := helper.MustStartPostgresContainer()
	if err != nil {
		log.Fatalf("Failed to start PostgreSQL container: %v", err)
	}
	defer teardown(ctx)

	dbConfig := &helper.DatabaseConfiguration{
		Host:     "localhost",
		Port:     dbPort,
		Database: "database",
		Username: "user",
		Password: "password",
		Schema:   "public",
		SSLMode:  "disable",
	}

	dir, err := os.MkdirTemp("", "docsalud")
	if err != nil {
		log.Fatalf("Failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(dir)

	rulesPath := filepath.Join(dir, "rules.yaml")
	if err := os.WriteFile(rulesPath, []byte(customRules), 0o600); err != nil {
		log.Fatalf("Failed to write rules: %v", err)
	}

	// DOCSALUD_* variables override the defaults
	config, err := helper.NewPipelineConfiguration()
	if err != nil {
		log.Fatalf("Failed to read configuration: %v", err)
	}
	config.AlertRulesPath = rulesPath

	d, err := docsalud.NewDocSalud(dbConfig, config)
	if err != nil {
		log.Fatalf("Failed to create docsalud: %v", err)
	}
	defer d.Close()

	if err := d.UseDefaultPipeline(); err != nil {
		log.Fatalf("Failed to set up pipeline: %v", err)
	}

	patient := &model.Patient{FirstName: "Jorge", LastName: "Ramirez", ChronicConditions: []string{"diabetes", "fibrilacion auricular"}}
	if err := d.RegisterPatient(ctx, patient); err != nil {
		log.Fatalf("Failed to register patient: %v", err)
	}

	fmt.Println("=== Submitting Documents ===")
	for name, content := range documents {
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
			log.Fatalf("Failed to write %s: %v", name, err)
		}
		doc, err := d.SubmitDocumentFromFile(ctx, path, &patient.RID)
		if err != nil {
			log.Fatalf("Failed to submit %s: %v", name, err)
		}
		fmt.Printf("Submitted %s as %s\n", name, doc.RID)
	}
	d.Wait()

	docs, err := d.ListDocuments(ctx, model.DocumentFilter{PatientRID: &patient.RID})
	if err != nil {
		log.Fatalf("Failed to list documents: %v", err)
	}
	for _, doc := range docs {
		label := "unclassified"
		if doc.DocumentType != nil {
			label = string(*doc.DocumentType)
		}
		fmt.Printf("  %s: %s, %s, provider %q, fallback %v\n", doc.OriginalFilename, doc.Status, label, doc.TypeProvider, doc.TypeFallback)
	}

	fmt.Println("\n=== Medications Across Documents ===")
	medications, err := d.ListPatientEntities(ctx, patient.RID, model.EntityTypeMedication)
	if err != nil {
		log.Fatalf("Failed to list entities: %v", err)
	}
	for _, medication := range medications {
		fmt.Printf("  %s\n", medication.Text())
	}

	fmt.Println("\n=== Alerts From Custom Rules ===")
	alerts, err := d.ListAlerts(ctx, model.AlertFilter{PatientRID: &patient.RID})
	if err != nil {
		log.Fatalf("Failed to list alerts: %v", err)
	}
	for _, alert := range alerts.Alerts {
		fmt.Printf("  [%s] %s\n", alert.Severity, alert.Title)
	}
	if len(alerts.Alerts) > 0 {
		resolved, err := d.ResolveAlert(ctx, alerts.Alerts[0].RID)
		if err != nil {
			log.Fatalf("Failed to resolve alert: %v", err)
		}
		fmt.Printf("Resolved %s at %s\n", resolved.AlertType, resolved.ResolvedAt)
	}

	fmt.Println("\n=== Risk Score ===")
	cluster := 3
	if err := d.UpdateRisk(ctx, patient.RID, 0.86, &cluster); err != nil {
		log.Fatalf("Failed to update risk: %v", err)
	}
	fmt.Println("Stored risk score 0.86 in cluster 3")

	fmt.Println("\n=== Switching to IVFFlat ===")
	if err := d.ChangeIndexType(ctx, "ivfflat", map[string]interface{}{"lists": 10}); err != nil {
		log.Printf("Warning: Index change failed: %v", err)
	}

	results, err := d.Search(ctx, "valores de glucosa", &patient.RID, 3)
	if err != nil {
		log.Fatalf("Failed to search: %v", err)
	}
	for i, result := range results {
		fmt.Printf("  %d. similarity %.3f: %s\n", i+1, result.Similarity, result.Chunk.Content)
	}

	if err := d.ChangeIndexType(ctx, "hnsw", nil); err != nil {
		log.Printf("Warning: Index change failed: %v", err)
	}

	fmt.Println("\n=== Lab Question ===")
	answer, err := d.Ask(ctx, "¿Cuál fue el último valor de glucosa?", &patient.RID, model.QueryTypeLab)
	if err != nil {
		log.Fatalf("Failed to ask: %v", err)
	}
	fmt.Printf("%s\n(found %v, degraded %v, %d sources)\n", answer.Text, answer.Found, answer.Degraded, len(answer.Sources))

	fmt.Println("\n=== Advanced Example Completed Successfully! ===")
}
