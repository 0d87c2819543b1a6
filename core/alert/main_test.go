package alert

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/siherrmann/docsalud/core/pipeline"
	"github.com/siherrmann/docsalud/model"
)

// memoryAlertStore mirrors the unique unresolved (patient, type) constraint of the alerts table.
type memoryAlertStore struct {
	mu     sync.Mutex
	alerts []*model.Alert
}

func (s *memoryAlertStore) SelectUnresolvedAlert(ctx context.Context, patientRID uuid.UUID, alertType string) (*model.Alert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.alerts {
		if a.PatientRID == patientRID && a.AlertType == alertType && !a.IsResolved {
			return a, nil
		}
	}
	return nil, nil
}

func (s *memoryAlertStore) InsertAlert(ctx context.Context, alert *model.Alert) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.alerts {
		if a.PatientRID == alert.PatientRID && a.AlertType == alert.AlertType && !a.IsResolved {
			return false, nil
		}
	}
	alert.RID = uuid.New()
	s.alerts = append(s.alerts, alert)
	return true, nil
}

func (s *memoryAlertStore) unresolved() []*model.Alert {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.Alert
	for _, a := range s.alerts {
		if !a.IsResolved {
			out = append(out, a)
		}
	}
	return out
}

type memoryPatientStore map[uuid.UUID]*model.Patient

func (s memoryPatientStore) SelectPatient(ctx context.Context, rid uuid.UUID) (*model.Patient, error) {
	patient, ok := s[rid]
	if !ok {
		return nil, model.ErrNotFound
	}
	return patient, nil
}

func testPatient(conditions ...string) *model.Patient {
	return &model.Patient{
		RID:               uuid.New(),
		FirstName:         "Maria",
		LastName:          "Lopez",
		ChronicConditions: conditions,
	}
}

func testDocument(patient *model.Patient) *model.Document {
	doc := &model.Document{RID: uuid.New(), Status: model.StatusProcessing}
	if patient != nil {
		doc.PatientRID = &patient.RID
	}
	return doc
}

func extractEntities(text string) []*model.Entity {
	entities, err := pipeline.RuleEntityExtractor()(context.Background(), text)
	if err != nil {
		panic(err)
	}
	return entities
}
