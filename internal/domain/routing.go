// Saída estruturada do assistente (LLM) e a decisão de roteamento produzida
// a partir dela.

package domain

import (
	"net/mail"
	"strings"
	"time"
)

// Intent é a intenção classificada pelo assistente.
type Intent string

const (
	IntentInformation  Intent = "INFORMACAO"
	IntentSchedule     Intent = "AGENDAR"
	IntentCancel       Intent = "CANCELAR"
	IntentReschedule   Intent = "REAGENDAR"
	IntentDelay        Intent = "ATRASO"
	IntentComplaint    Intent = "RECLAMACAO"
	IntentFreeTalk     Intent = "CONVERSA_LIVRE"
	IntentUnclassified Intent = ""
)

// Sentiment is the tone detected in the patient's message.
type Sentiment string

const (
	SentimentPositive Sentiment = "positive"
	SentimentNeutral  Sentiment = "neutral"
	SentimentNegative Sentiment = "negative"
)

// Action é a ação sugerida pelo assistente.
type Action string

const (
	ActionContinue      Action = "continue"
	ActionCollectData   Action = "collect_data"
	ActionTransferHuman Action = "transfer_human"
	ActionStartWorkflow Action = "start_workflow"
)

// Entities carrega os dados estruturados extraídos da conversa. Substitui o
// antigo mapa livre de strings: cada campo tem nome e significado fixos.
type Entities struct {
	Procedure       string `json:"procedimento,omitempty" jsonschema:"description=Procedimento mencionado"`
	Insurance       string `json:"convenio,omitempty" jsonschema:"description=Convênio do paciente"`
	Clinic          string `json:"clinica,omitempty" jsonschema:"description=Unidade desejada"`
	Date            string `json:"data,omitempty" jsonschema:"description=Data desejada"`
	Time            string `json:"horario,omitempty" jsonschema:"description=Horário ou turno desejado"`
	Name            string `json:"nome,omitempty" jsonschema:"description=Nome completo"`
	CPF             string `json:"cpf,omitempty" jsonschema:"description=CPF apenas números"`
	Email           string `json:"email,omitempty"`
	BirthDate       string `json:"nascimento,omitempty" jsonschema:"description=Data de nascimento DD/MM/AAAA"`
	InsuranceNumber string `json:"numero_convenio,omitempty"`
}

// IsZero reports whether no field is set.
func (e Entities) IsZero() bool {
	return e == Entities{}
}

// Validate normaliza os campos e descarta valores malformados.
// CPF vira só dígitos (descartado se não tiver 11), e-mail e data de
// nascimento inválidos são removidos.
func (e Entities) Validate() Entities {
	e.Procedure = strings.TrimSpace(e.Procedure)
	e.Insurance = strings.TrimSpace(e.Insurance)
	e.Clinic = strings.TrimSpace(e.Clinic)
	e.Date = strings.TrimSpace(e.Date)
	e.Time = strings.TrimSpace(e.Time)
	e.Name = strings.TrimSpace(e.Name)
	e.InsuranceNumber = strings.TrimSpace(e.InsuranceNumber)

	if e.CPF != "" {
		digits := OnlyDigits(e.CPF)
		if len(digits) != 11 {
			digits = ""
		}
		e.CPF = digits
	}
	if e.Email != "" {
		addr, err := mail.ParseAddress(strings.TrimSpace(e.Email))
		if err != nil {
			e.Email = ""
		} else {
			e.Email = addr.Address
		}
	}
	if e.BirthDate != "" {
		if _, err := time.Parse("02/01/2006", strings.TrimSpace(e.BirthDate)); err != nil {
			e.BirthDate = ""
		} else {
			e.BirthDate = strings.TrimSpace(e.BirthDate)
		}
	}
	return e
}

// ForIntent projeta apenas os campos relevantes para a intenção.
//
//	AGENDAR / REAGENDAR → tudo (agendamento precisa de cadastro)
//	CANCELAR / ATRASO   → procedimento, unidade, data, horário, nome
//	INFORMACAO          → procedimento, convênio, unidade
//	demais              → nome e convênio
func (e Entities) ForIntent(intent Intent) Entities {
	switch intent {
	case IntentSchedule, IntentReschedule:
		return e
	case IntentCancel, IntentDelay:
		return Entities{Procedure: e.Procedure, Clinic: e.Clinic, Date: e.Date, Time: e.Time, Name: e.Name}
	case IntentInformation:
		return Entities{Procedure: e.Procedure, Insurance: e.Insurance, Clinic: e.Clinic}
	default:
		return Entities{Name: e.Name, Insurance: e.Insurance}
	}
}

// Merge returns e with empty fields filled from other. Fields already set in
// e win.
func (e Entities) Merge(other Entities) Entities {
	fill := func(dst *string, src string) {
		if *dst == "" {
			*dst = src
		}
	}
	fill(&e.Procedure, other.Procedure)
	fill(&e.Insurance, other.Insurance)
	fill(&e.Clinic, other.Clinic)
	fill(&e.Date, other.Date)
	fill(&e.Time, other.Time)
	fill(&e.Name, other.Name)
	fill(&e.CPF, other.CPF)
	fill(&e.Email, other.Email)
	fill(&e.BirthDate, other.BirthDate)
	fill(&e.InsuranceNumber, other.InsuranceNumber)
	return e
}

// ToMap flattens the entities using their wire names, omitting empty fields.
func (e Entities) ToMap() map[string]string {
	m := make(map[string]string)
	put := func(k, v string) {
		if v != "" {
			m[k] = v
		}
	}
	put("procedimento", e.Procedure)
	put("convenio", e.Insurance)
	put("clinica", e.Clinic)
	put("data", e.Date)
	put("horario", e.Time)
	put("nome", e.Name)
	put("cpf", e.CPF)
	put("email", e.Email)
	put("nascimento", e.BirthDate)
	put("numero_convenio", e.InsuranceNumber)
	return m
}

// EntitiesFromMap is the inverse of ToMap; unknown keys are ignored.
func EntitiesFromMap(m map[string]any) Entities {
	get := func(k string) string {
		s, _ := m[k].(string)
		return s
	}
	return Entities{
		Procedure:       get("procedimento"),
		Insurance:       get("convenio"),
		Clinic:          get("clinica"),
		Date:            get("data"),
		Time:            get("horario"),
		Name:            get("nome"),
		CPF:             get("cpf"),
		Email:           get("email"),
		BirthDate:       get("nascimento"),
		InsuranceNumber: get("numero_convenio"),
	}
}

// OnlyDigits strips every non-digit rune.
func OnlyDigits(s string) string {
	return strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, s)
}

// AssistantOutput é a resposta estruturada do assistente para um turno.
type AssistantOutput struct {
	Message            string    `json:"message" jsonschema:"required,description=Texto a enviar ao paciente"`
	Intent             Intent    `json:"intent" jsonschema:"required,enum=INFORMACAO,enum=AGENDAR,enum=CANCELAR,enum=REAGENDAR,enum=ATRASO,enum=RECLAMACAO,enum=CONVERSA_LIVRE"`
	Sentiment          Sentiment `json:"sentiment" jsonschema:"enum=positive,enum=neutral,enum=negative"`
	Action             Action    `json:"action" jsonschema:"required,enum=continue,enum=collect_data,enum=transfer_human,enum=start_workflow"`
	Confidence         float64   `json:"confidence" jsonschema:"minimum=0,maximum=1"`
	Entities           Entities  `json:"entities"`
	SuggestedNextSteps []string  `json:"suggestedNextSteps,omitempty"`
}

// DecisionType is the outcome kind of a routing decision.
type DecisionType string

const (
	DecisionAIConversation  DecisionType = "AI_CONVERSATION"
	DecisionTransferToHuman DecisionType = "TRANSFER_TO_HUMAN"
)

// AIContext resume o que o assistente entendeu do turno. Vai para o aviso
// interno mostrado ao atendente.
type AIContext struct {
	Intent     Intent    `json:"intent,omitempty"`
	Sentiment  Sentiment `json:"sentiment,omitempty"`
	Confidence float64   `json:"confidence"`
}

// RouteDecision é produzida uma vez por mensagem recebida e consumida na hora
// pela máquina de estados e pelo envio.
type RouteDecision struct {
	Type          DecisionType       `json:"type"`
	Response      string             `json:"response"`
	Queue         ConversationStatus `json:"queue,omitempty"`
	Reason        string             `json:"reason,omitempty"`
	AwaitingInput bool               `json:"awaiting_input"`
	Entities      Entities           `json:"entities"`
	AIContext     *AIContext         `json:"ai_context,omitempty"`
	LowConfidence bool               `json:"low_confidence,omitempty"`
}

// IsTransfer reports whether the decision hands the conversation to a human.
func (d *RouteDecision) IsTransfer() bool {
	return d.Type == DecisionTransferToHuman
}
