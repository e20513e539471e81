package domain

import "time"

// ContextSnapshot é montado do zero a cada ciclo de roteamento e nunca é
// cacheado entre turnos: contexto velho gera respostas visivelmente erradas.
type ContextSnapshot struct {
	ConversationID string          `json:"conversation_id"`
	Patient        PatientFacts    `json:"patient"`
	History        HistoryView     `json:"history"`
	Appointments   AppointmentView `json:"appointments"`
	Learning       LearningSignals `json:"learning"`
	Memories       map[string]any  `json:"memories,omitempty"`
	BuiltAt        time.Time       `json:"built_at"`
}

// PatientFacts são os dados de identidade conhecidos do paciente.
type PatientFacts struct {
	ID                   string         `json:"id,omitempty"`
	Name                 string         `json:"name,omitempty"`
	Phone                string         `json:"phone"`
	CPF                  string         `json:"cpf,omitempty"`
	Email                string         `json:"email,omitempty"`
	BirthDate            *time.Time     `json:"birth_date,omitempty"`
	InsuranceCompany     string         `json:"insurance_company,omitempty"`
	Preferences          map[string]any `json:"preferences,omitempty"`
	RegistrationComplete bool           `json:"registration_complete"`
}

// Known reports whether the patient exists in storage.
func (p PatientFacts) Known() bool {
	return p.ID != ""
}

// Role of a history turn as seen by the assistant.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn é uma fala do histórico.
type Turn struct {
	MessageID string    `json:"message_id,omitempty"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// HistoryView traz a última conversa anterior seguida da atual, em ordem
// cronológica.
type HistoryView struct {
	Recent               []Turn     `json:"recent"`
	Summary              string     `json:"summary"`
	TotalConversations   int        `json:"total_conversations"`
	LastConversationDate *time.Time `json:"last_conversation_date,omitempty"`
}

// AppointmentSummary is the compact form of an appointment in the snapshot.
type AppointmentSummary struct {
	ID            string    `json:"id"`
	ProcedureName string    `json:"procedure_name"`
	ClinicName    string    `json:"clinic_name"`
	Date          time.Time `json:"date"`
	Status        string    `json:"status,omitempty"`
	Reason        string    `json:"reason,omitempty"`
}

// AppointmentView classifies appointments relative to "now".
type AppointmentView struct {
	Previous  []AppointmentSummary `json:"previous"`
	Upcoming  []AppointmentSummary `json:"upcoming"`
	Cancelled []AppointmentSummary `json:"cancelled"`
	Total     int                  `json:"total"`
}

// LearningSignals são sinais derivados dos registros de aprendizado.
type LearningSignals struct {
	CommonIntents       []Intent  `json:"common_intents"`
	SentimentTrend      Sentiment `json:"sentiment_trend"`
	PreferredProcedures []string  `json:"preferred_procedures"`
	PreferredClinic     string    `json:"preferred_clinic,omitempty"`
	AverageResponseTime float64   `json:"average_response_time"`
}
