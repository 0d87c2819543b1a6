package main

import (
	"context"
	"fmt"
	"log"

	"github.com/siherrmann/docsalud"
	"github.com/siherrmann/docsalud/helper"
	"github.com/siherrmann/docsalud/model"
)

const labReport = `Laboratorio Clinico Central
Paciente: Maria Lopez
Fecha: 12/03/2024

Glucosa: 320 mg/dL (70 - 100 mg/dL)
Hemoglobina: 13.5 g/dL
Creatinina: 1.1 mg/dL

Dx: E11.9 Diabetes mellitus tipo 2.
Tratamiento: Metformina 850 mg cada 12 horas.`

func main() {
	ctx := context.Background()

	// Start a test PostgreSQL container
	teardown, dbPort, err := helper.MustStartPostgresContainer()
	if err != nil {
		log.Fatalf("Failed to start PostgreSQL container: %v", err)
	}
	defer teardown(ctx)

	// Create database configuration using the container port
	dbConfig := &helper.DatabaseConfiguration{
		Host:     "localhost",
		Port:     dbPort,
		Database: "database",
		Username: "user",
		Password: "password",
		Schema:   "public",
		SSLMode:  "disable",
	}

	d, err := docsalud.NewDocSalud(dbConfig, nil)
	if err != nil {
		log.Fatalf("Failed to create docsalud: %v", err)
	}
	defer d.Close()

	// Local models, plus OpenAI or Anthropic for answers if their keys are set
	if err := d.UseDefaultPipeline(); err != nil {
		log.Fatalf("Failed to set up pipeline: %v", err)
	}

	patient := &model.Patient{
		FirstName:         "Maria",
		LastName:          "Lopez",
		ChronicConditions: []string{"diabetes"},
	}
	if err := d.RegisterPatient(ctx, patient); err != nil {
		log.Fatalf("Failed to register patient: %v", err)
	}
	fmt.Printf("Registered patient %s (%s)\n", patient.FullName(), patient.RID)

	fmt.Println("Submitting lab report...")
	doc, err := d.SubmitDocument(ctx, "laboratorio.txt", []byte(labReport), "text/plain", &patient.RID)
	if err != nil {
		log.Fatalf("Failed to submit document: %v", err)
	}
	d.Wait()

	status, err := d.GetStatus(ctx, doc.RID)
	if err != nil {
		log.Fatalf("Failed to get status: %v", err)
	}
	fmt.Printf("Status: %s\n", status.Status)
	if status.DocumentType != nil {
		fmt.Printf("Type: %s (confidence %.2f)\n", *status.DocumentType, *status.TypeConfidence)
	}
	fmt.Printf("Entities: %d, chunks: %d, degradations: %v\n", status.EntityCount, status.ChunkCount, status.Degradations)

	alerts, err := d.ListAlerts(ctx, model.AlertFilter{PatientRID: &patient.RID})
	if err != nil {
		log.Fatalf("Failed to list alerts: %v", err)
	}
	fmt.Printf("\nOpen alerts: %d (critical %d, high %d)\n", alerts.Summary.Total, alerts.Summary.Critical, alerts.Summary.High)
	for _, alert := range alerts.Alerts {
		fmt.Printf("  [%s] %s\n", alert.Severity, alert.Title)
	}

	question := "¿Qué medicamentos toma la paciente?"
	fmt.Printf("\nAsking: %s\n", question)
	answer, err := d.Ask(ctx, question, &patient.RID, model.QueryTypeMedications)
	if err != nil {
		log.Fatalf("Failed to ask: %v", err)
	}
	fmt.Printf("Answer (confidence %.2f): %s\n", answer.Confidence, answer.Text)
	for i, source := range answer.Sources {
		fmt.Printf("  [%d] %s chunk %d, similarity %.3f\n", i+1, source.DocumentRID, source.ChunkIndex, source.Similarity)
	}

	fmt.Println("\nBasic example completed successfully!")
}
