package domain

import "time"

// Patient is unique per contact (phone or channel handle).
// Preferences["memories"] holds long-term facts extracted from conversations.
type Patient struct {
	ID               string         `json:"id"`
	Name             string         `json:"name"`
	CPF              string         `json:"cpf,omitempty"`
	Phone            string         `json:"phone"`
	Email            string         `json:"email,omitempty"`
	BirthDate        *time.Time     `json:"birth_date,omitempty"`
	InsuranceCompany string         `json:"insurance_company,omitempty"`
	InsuranceNumber  string         `json:"insurance_number,omitempty"`
	Preferences      map[string]any `json:"preferences,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
}

// RegistrationComplete reports whether the minimum registration data exists.
func (p *Patient) RegistrationComplete() bool {
	return p != nil && p.Name != "" && p.CPF != ""
}

// Memories returns the long-term memory bag, or nil.
func (p *Patient) Memories() map[string]any {
	if p == nil || p.Preferences == nil {
		return nil
	}
	m, _ := p.Preferences["memories"].(map[string]any)
	return m
}

// AppointmentStatus é o estado de um agendamento.
type AppointmentStatus string

const (
	AppointmentScheduled AppointmentStatus = "SCHEDULED"
	AppointmentCompleted AppointmentStatus = "COMPLETED"
	AppointmentCancelled AppointmentStatus = "CANCELLED"
)

// Appointment is a past or future visit of a patient.
type Appointment struct {
	ID        string            `json:"id"`
	PatientID string            `json:"patient_id"`
	Procedure string            `json:"procedure"`
	Clinic    string            `json:"clinic,omitempty"`
	Date      *time.Time        `json:"date,omitempty"`
	Status    AppointmentStatus `json:"status"`
	Notes     string            `json:"notes,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// When returns the appointment date, falling back to its creation time.
func (a *Appointment) When() time.Time {
	if a.Date != nil {
		return *a.Date
	}
	return a.CreatedAt
}

// LearningRecord é gravado a cada ciclo de roteamento e alimenta os sinais
// derivados do contexto (intenções comuns, tendência de sentimento).
type LearningRecord struct {
	ID                  string    `json:"id"`
	Phone               string    `json:"phone"`
	ConversationID      string    `json:"conversation_id"`
	Intent              Intent    `json:"intent,omitempty"`
	Sentiment           Sentiment `json:"sentiment,omitempty"`
	ProcedureMentioned  string    `json:"procedure_mentioned,omitempty"`
	ResponseTimeSeconds float64   `json:"response_time_seconds,omitempty"`
	CreatedAt           time.Time `json:"created_at"`
}
