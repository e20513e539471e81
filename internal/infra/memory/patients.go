package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/boddenberg/clinic-frontline-go/internal/domain"

	"github.com/google/uuid"
)

// PatientStore keeps patients unique per phone.
type PatientStore struct {
	mu      sync.RWMutex
	byPhone map[string]*domain.Patient
}

// NewPatientStore creates an empty store.
func NewPatientStore() *PatientStore {
	return &PatientStore{byPhone: make(map[string]*domain.Patient)}
}

func (s *PatientStore) FindByPhone(_ context.Context, phone string) (*domain.Patient, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.byPhone[phone]
	if !ok {
		return nil, &domain.ErrNotFound{Resource: "patient", ID: phone}
	}
	return clonePatient(p), nil
}

func (s *PatientStore) Create(_ context.Context, p *domain.Patient) (*domain.Patient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byPhone[p.Phone]; ok {
		return nil, &domain.ErrConflict{Message: "patient already registered for phone " + p.Phone}
	}
	c := clonePatient(p)
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	s.byPhone[c.Phone] = c
	return clonePatient(c), nil
}

func (s *PatientStore) Update(_ context.Context, p *domain.Patient) (*domain.Patient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.byPhone[p.Phone]
	if !ok || cur.ID != p.ID {
		return nil, &domain.ErrNotFound{Resource: "patient", ID: p.ID}
	}
	c := clonePatient(p)
	s.byPhone[c.Phone] = c
	return clonePatient(c), nil
}

func clonePatient(p *domain.Patient) *domain.Patient {
	out := *p
	if p.BirthDate != nil {
		t := *p.BirthDate
		out.BirthDate = &t
	}
	out.Preferences = cloneMap(p.Preferences)
	return &out
}

// AppointmentStore keeps appointments per patient.
type AppointmentStore struct {
	mu        sync.RWMutex
	byPatient map[string][]domain.Appointment
}

// NewAppointmentStore creates an empty store.
func NewAppointmentStore() *AppointmentStore {
	return &AppointmentStore{byPatient: make(map[string][]domain.Appointment)}
}

// Add stores an appointment. Appointments are written by the scheduling
// system; the engine only reads them.
func (s *AppointmentStore) Add(a domain.Appointment) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	s.byPatient[a.PatientID] = append(s.byPatient[a.PatientID], a)
}

func (s *AppointmentStore) ListByPatient(_ context.Context, patientID string, limit int) ([]domain.Appointment, error) {
	s.mu.RLock()
	out := append([]domain.Appointment(nil), s.byPatient[patientID]...)
	s.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].When().After(out[j].When())
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// LearningStore keeps per-turn learning records.
type LearningStore struct {
	mu      sync.RWMutex
	records []domain.LearningRecord
}

// NewLearningStore creates an empty store.
func NewLearningStore() *LearningStore {
	return &LearningStore{}
}

func (s *LearningStore) Record(_ context.Context, rec *domain.LearningRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := *rec
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	s.records = append(s.records, r)
	return nil
}

// ListByPhone returns the newest records of phone first.
func (s *LearningStore) ListByPhone(_ context.Context, phone string, limit int) ([]domain.LearningRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.LearningRecord
	for i := len(s.records) - 1; i >= 0; i-- {
		if s.records[i].Phone != phone {
			continue
		}
		out = append(out, s.records[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}
