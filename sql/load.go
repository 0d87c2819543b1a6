package sql

import (
	"database/sql"
	_ "embed"
	"fmt"
	"log"
)

//go:embed init.sql
var initSQL string

//go:embed patients.sql
var patientsSQL string

//go:embed documents.sql
var documentsSQL string

//go:embed entities.sql
var entitiesSQL string

//go:embed chunks.sql
var chunksSQL string

//go:embed alerts.sql
var alertsSQL string

// Function lists for verification
var PatientsFunctions = []string{
	"init_patients",
	"insert_patient",
	"select_patient",
	"select_all_patients",
	"count_patients",
	"update_patient",
	"update_patient_risk",
	"delete_patient",
}

var DocumentsFunctions = []string{
	"init_documents",
	"insert_document",
	"select_document",
	"select_document_file",
	"select_documents",
	"select_documents_by_status",
	"transition_document_status",
	"update_document_processing",
	"assign_document_patient",
	"delete_document",
}

var EntitiesFunctions = []string{
	"init_entities",
	"insert_entity",
	"select_entities_by_document",
	"select_entities_by_patient",
	"delete_entities_by_document",
}

var ChunksFunctions = []string{
	"init_chunks",
	"insert_chunk",
	"select_chunks_by_document",
	"select_chunks_by_similarity",
	"delete_chunks_by_document",
}

var AlertsFunctions = []string{
	"init_alerts",
	"insert_alert",
	"select_alert",
	"select_unresolved_alert",
	"select_alerts",
	"select_alert_summary",
	"resolve_alert",
}

// Init intializes db extensions
func Init(db *sql.DB) error {
	_, err := db.Exec(initSQL)
	if err != nil {
		return fmt.Errorf("error executing schema SQL: %w", err)
	}

	log.Println("Database extensions initialized successfully")
	return nil
}

// LoadPatientsSql loads patient-related SQL functions
func LoadPatientsSql(db *sql.DB, force bool) error {
	return loadSql(db, "patients", patientsSQL, PatientsFunctions, force)
}

// LoadDocumentsSql loads document-related SQL functions
func LoadDocumentsSql(db *sql.DB, force bool) error {
	return loadSql(db, "documents", documentsSQL, DocumentsFunctions, force)
}

// LoadEntitiesSql loads entity-related SQL functions
func LoadEntitiesSql(db *sql.DB, force bool) error {
	return loadSql(db, "entities", entitiesSQL, EntitiesFunctions, force)
}

// LoadChunksSql loads chunk-related SQL functions
func LoadChunksSql(db *sql.DB, force bool) error {
	return loadSql(db, "chunks", chunksSQL, ChunksFunctions, force)
}

// LoadAlertsSql loads alert-related SQL functions
func LoadAlertsSql(db *sql.DB, force bool) error {
	return loadSql(db, "alerts", alertsSQL, AlertsFunctions, force)
}

// LoadAllSql loads all SQL functions in dependency order
func LoadAllSql(db *sql.DB, force bool) error {
	loaders := []func(*sql.DB, bool) error{
		LoadPatientsSql,
		LoadDocumentsSql,
		LoadEntitiesSql,
		LoadChunksSql,
		LoadAlertsSql,
	}
	for _, load := range loaders {
		if err := load(db, force); err != nil {
			return err
		}
	}
	return nil
}

func loadSql(db *sql.DB, name string, script string, functions []string, force bool) error {
	if !force {
		exist, err := checkFunctions(db, functions)
		if err != nil {
			return fmt.Errorf("error checking existing %s functions: %w", name, err)
		}
		if exist {
			return nil
		}
	}

	_, err := db.Exec(script)
	if err != nil {
		return fmt.Errorf("error executing %s SQL: %w", name, err)
	}

	exist, err := checkFunctions(db, functions)
	if err != nil {
		return fmt.Errorf("error checking existing functions: %w", err)
	}
	if !exist {
		return fmt.Errorf("not all required SQL functions were created")
	}

	log.Printf("SQL %s functions loaded successfully", name)
	return nil
}

// checkFunctions verifies that all required functions exist in the database
func checkFunctions(db *sql.DB, sqlFunctions []string) (bool, error) {
	var allExist bool
	for _, f := range sqlFunctions {
		err := db.QueryRow(
			`SELECT EXISTS(SELECT 1 FROM pg_proc WHERE proname = $1);`,
			f,
		).Scan(&allExist)
		if err != nil {
			return false, fmt.Errorf("error checking existence of function %s: %w", f, err)
		}
		if !allExist {
			log.Printf("Function %s does not exist", f)
			break
		}
	}
	return allExist, nil
}
