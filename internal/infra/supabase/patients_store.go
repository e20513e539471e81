package supabase

import (
	"context"
	"fmt"
	"net/http"

	"github.com/boddenberg/clinic-frontline-go/internal/domain"
)

// PatientStore implements port.PatientStore on the patients table (unique
// on phone).
type PatientStore struct {
	c *Client
}

// NewPatientStore creates the store.
func NewPatientStore(c *Client) *PatientStore {
	return &PatientStore{c: c}
}

func (s *PatientStore) FindByPhone(ctx context.Context, phone string) (*domain.Patient, error) {
	rows, err := selectRows[domain.Patient](ctx, s.c, "FindPatientByPhone",
		fmt.Sprintf("patients?phone=%s&limit=1", eq(phone)))
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, &domain.ErrNotFound{Resource: "patient", ID: phone}
	}
	return &rows[0], nil
}

func (s *PatientStore) Create(ctx context.Context, p *domain.Patient) (*domain.Patient, error) {
	created, err := insertRow[domain.Patient](ctx, s.c, "CreatePatient", "patients", p)
	if isStatus(err, http.StatusConflict) {
		return nil, &domain.ErrConflict{Message: "patient already registered for phone " + p.Phone}
	}
	return created, err
}

func (s *PatientStore) Update(ctx context.Context, p *domain.Patient) (*domain.Patient, error) {
	data := map[string]any{
		"name":              p.Name,
		"cpf":               nullable(p.CPF),
		"email":             nullable(p.Email),
		"birth_date":        p.BirthDate,
		"insurance_company": nullable(p.InsuranceCompany),
		"insurance_number":  nullable(p.InsuranceNumber),
		"preferences":       p.Preferences,
	}
	rows, err := patchRows[domain.Patient](ctx, s.c, "UpdatePatient", "patients?id="+eq(p.ID), data)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, &domain.ErrNotFound{Resource: "patient", ID: p.ID}
	}
	return &rows[0], nil
}

// AppointmentStore implements port.AppointmentStore.
type AppointmentStore struct {
	c *Client
}

// NewAppointmentStore creates the store.
func NewAppointmentStore(c *Client) *AppointmentStore {
	return &AppointmentStore{c: c}
}

func (s *AppointmentStore) ListByPatient(ctx context.Context, patientID string, limit int) ([]domain.Appointment, error) {
	path := fmt.Sprintf("appointments?patient_id=%s&order=date.desc.nullslast&limit=%d", eq(patientID), limit)
	return selectRows[domain.Appointment](ctx, s.c, "ListAppointments", path)
}

// LearningStore implements port.LearningStore on learning_data.
type LearningStore struct {
	c *Client
}

// NewLearningStore creates the store.
func NewLearningStore(c *Client) *LearningStore {
	return &LearningStore{c: c}
}

func (s *LearningStore) Record(ctx context.Context, rec *domain.LearningRecord) error {
	_, err := s.c.execute(ctx, "RecordLearning", http.MethodPost, "learning_data", rec, preferMinimal)
	return err
}

func (s *LearningStore) ListByPhone(ctx context.Context, phone string, limit int) ([]domain.LearningRecord, error) {
	path := fmt.Sprintf("learning_data?phone=%s&order=created_at.desc&limit=%d", eq(phone), limit)
	return selectRows[domain.LearningRecord](ctx, s.c, "ListLearning", path)
}

// RuleStore implements port.RuleStore on the rule tables.
type RuleStore struct {
	c *Client
}

// NewRuleStore creates the store.
func NewRuleStore(c *Client) *RuleStore {
	return &RuleStore{c: c}
}

func (s *RuleStore) ListResponseRules(ctx context.Context, intent domain.Intent) ([]domain.ResponseRule, error) {
	path := fmt.Sprintf("response_rules?intent=%s&is_active=eq.true&order=priority.desc", eq(string(intent)))
	return selectRows[domain.ResponseRule](ctx, s.c, "ListResponseRules", path)
}

func (s *RuleStore) GetProcedureRule(ctx context.Context, code string) (*domain.ProcedureRule, error) {
	rows, err := selectRows[domain.ProcedureRule](ctx, s.c, "GetProcedureRule",
		fmt.Sprintf("procedure_rules?procedure_code=%s&is_active=eq.true&limit=1", eq(code)))
	if err != nil || len(rows) == 0 {
		return nil, err
	}
	return &rows[0], nil
}

func (s *RuleStore) GetInsuranceRule(ctx context.Context, code string) (*domain.InsuranceRule, error) {
	rows, err := selectRows[domain.InsuranceRule](ctx, s.c, "GetInsuranceRule",
		fmt.Sprintf("insurance_rules?insurance_code=%s&is_active=eq.true&limit=1", eq(code)))
	if err != nil || len(rows) == 0 {
		return nil, err
	}
	return &rows[0], nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
