// Package domain define as entidades do atendimento: a conversa, as
// mensagens, a máquina de estados, pacientes e regras de resposta.
//
// Uma conversa nasce na fila do bot (BOT_QUEUE) no primeiro contato de uma
// identidade de canal. O roteador move a conversa para uma das filas humanas,
// um atendente assume (EM_ATENDIMENTO) e depois encerra (FECHADA) ou o monitor
// de inatividade devolve a conversa para a fila principal (PRINCIPAL).
package domain

import (
	"time"
)

// ConversationStatus é o enum fechado de estados de uma conversa.
type ConversationStatus string

const (
	StatusBotQueue      ConversationStatus = "BOT_QUEUE"
	StatusPrincipal     ConversationStatus = "PRINCIPAL"
	StatusInService     ConversationStatus = "EM_ATENDIMENTO"
	StatusClosed        ConversationStatus = "FECHADA"
	StatusWaiting       ConversationStatus = "AGUARDANDO"
	StatusPriorityQueue ConversationStatus = "PRIORITY_QUEUE"
	StatusHumanQueue    ConversationStatus = "HUMAN_QUEUE"
)

// Valid reports whether s is one of the known statuses.
func (s ConversationStatus) Valid() bool {
	switch s {
	case StatusBotQueue, StatusPrincipal, StatusInService, StatusClosed,
		StatusWaiting, StatusPriorityQueue, StatusHumanQueue:
		return true
	}
	return false
}

// IsHumanQueue reports whether s is a queue waiting for an operator.
func (s ConversationStatus) IsHumanQueue() bool {
	switch s {
	case StatusPrincipal, StatusWaiting, StatusPriorityQueue, StatusHumanQueue:
		return true
	}
	return false
}

// transitions lista as transições legais. Qualquer outra é rejeitada.
var transitions = map[ConversationStatus][]ConversationStatus{
	StatusBotQueue:      {StatusPrincipal, StatusWaiting, StatusPriorityQueue, StatusHumanQueue},
	StatusPrincipal:     {StatusInService},
	StatusWaiting:       {StatusInService},
	StatusPriorityQueue: {StatusInService},
	StatusHumanQueue:    {StatusInService},
	StatusInService:     {StatusPrincipal, StatusWaiting, StatusPriorityQueue, StatusHumanQueue, StatusClosed},
	StatusClosed:        {StatusBotQueue},
}

// CanTransition reports whether moving from one status to another is legal.
func CanTransition(from, to ConversationStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Channel identifica a origem da mensagem.
type Channel string

const (
	ChannelWhatsApp  Channel = "whatsapp"
	ChannelInstagram Channel = "instagram"
)

// Conversation é a linha contestada do sistema. Toda mutação passa por uma
// escrita condicional (ver port.ConversationStore.UpdateIf).
//
// Invariante: AssignedAgentID != "" se e somente se Status == EM_ATENDIMENTO.
type Conversation struct {
	ID                 string             `json:"id"`
	Phone              string             `json:"phone"`
	Channel            Channel            `json:"channel"`
	Status             ConversationStatus `json:"status"`
	AssignedAgentID    string             `json:"assigned_agent_id,omitempty"`
	PatientID          string             `json:"patient_id,omitempty"`
	LastMessage        string             `json:"last_message,omitempty"`
	LastUserActivityAt *time.Time         `json:"last_user_activity_at,omitempty"`
	LastActivityAt     time.Time          `json:"last_activity_at"`
	SessionExpiresAt   time.Time          `json:"session_expires_at"`
	WorkflowContext    map[string]any     `json:"workflow_context,omitempty"`
	CreatedAt          time.Time          `json:"created_at"`
	Version            int64              `json:"version"`
}

// ActivityAt retorna o instante da última atividade do paciente, caindo para
// a última atividade geral quando o paciente nunca escreveu.
func (c *Conversation) ActivityAt() time.Time {
	if c.LastUserActivityAt != nil && !c.LastUserActivityAt.IsZero() {
		return *c.LastUserActivityAt
	}
	return c.LastActivityAt
}

// StaleSince reports whether the patient has been silent since before cutoff.
func (c *Conversation) StaleSince(cutoff time.Time) bool {
	return c.ActivityAt().Before(cutoff)
}

// AssignmentConsistent checks the status/assignment invariant.
func (c *Conversation) AssignmentConsistent() bool {
	return (c.Status == StatusInService) == (c.AssignedAgentID != "")
}

// ConversationPatch descreve uma escrita parcial. Campos nil não são tocados.
// ClearAgent zera a atribuição na mesma escrita do status.
type ConversationPatch struct {
	Status             *ConversationStatus
	AssignedAgentID    *string
	ClearAgent         bool
	PatientID          *string
	LastMessage        *string
	LastUserActivityAt *time.Time
	LastActivityAt     *time.Time
	SessionExpiresAt   *time.Time
	WorkflowContext    map[string]any
}

// UpdateCondition é a pré-condição de uma escrita condicional. Campos vazios
// não restringem a escrita.
type UpdateCondition struct {
	Status         ConversationStatus
	AgentID        string
	ActivityBefore *time.Time
	Version        int64
}

// Matches evaluates the condition against the current persisted state.
func (u UpdateCondition) Matches(c *Conversation) bool {
	if u.Status != "" && c.Status != u.Status {
		return false
	}
	if u.AgentID != "" && c.AssignedAgentID != u.AgentID {
		return false
	}
	if u.ActivityBefore != nil && !c.StaleSince(*u.ActivityBefore) {
		return false
	}
	if u.Version != 0 && c.Version != u.Version {
		return false
	}
	return true
}

// Apply copies the patch onto c and bumps the version.
func (p ConversationPatch) Apply(c *Conversation) {
	if p.Status != nil {
		c.Status = *p.Status
	}
	if p.ClearAgent {
		c.AssignedAgentID = ""
	} else if p.AssignedAgentID != nil {
		c.AssignedAgentID = *p.AssignedAgentID
	}
	if p.PatientID != nil {
		c.PatientID = *p.PatientID
	}
	if p.LastMessage != nil {
		c.LastMessage = *p.LastMessage
	}
	if p.LastUserActivityAt != nil {
		t := *p.LastUserActivityAt
		c.LastUserActivityAt = &t
	}
	if p.LastActivityAt != nil {
		c.LastActivityAt = *p.LastActivityAt
	}
	if p.SessionExpiresAt != nil {
		c.SessionExpiresAt = *p.SessionExpiresAt
	}
	if p.WorkflowContext != nil {
		c.WorkflowContext = p.WorkflowContext
	}
	c.Version++
}

// ============================================================
// Mensagens
// ============================================================

// MessageDirection indica se a mensagem entrou ou saiu.
type MessageDirection string

const (
	DirectionReceived MessageDirection = "RECEIVED"
	DirectionSent     MessageDirection = "SENT"
)

// MessageOrigin indica quem produziu a mensagem.
type MessageOrigin string

const (
	OriginUser   MessageOrigin = "USER"
	OriginBot    MessageOrigin = "BOT"
	OriginAgent  MessageOrigin = "AGENT"
	OriginSystem MessageOrigin = "SYSTEM"
)

// MessageType is the content type of a message.
type MessageType string

const (
	MessageText     MessageType = "TEXT"
	MessageImage    MessageType = "IMAGE"
	MessageVideo    MessageType = "VIDEO"
	MessageAudio    MessageType = "AUDIO"
	MessageDocument MessageType = "DOCUMENT"
	MessageSystem   MessageType = "SYSTEM"
)

// Message é uma mensagem do transcript. A ordem é sempre por Timestamp,
// nunca por ordem de inserção: o provedor entrega fora de ordem.
type Message struct {
	ID             string           `json:"id"`
	ConversationID string           `json:"conversation_id"`
	Direction      MessageDirection `json:"direction"`
	Origin         MessageOrigin    `json:"origin"`
	ExternalID     string           `json:"external_id,omitempty"`
	Channel        Channel          `json:"channel,omitempty"`
	Type           MessageType      `json:"type"`
	Body           string           `json:"body"`
	MediaURL       string           `json:"media_url,omitempty"`
	SystemType     SystemNotice     `json:"system_type,omitempty"`
	Metadata       map[string]any   `json:"metadata,omitempty"`
	Timestamp      time.Time        `json:"timestamp"`
}

// IsAssistantSide reports whether the message was written by the clinic side.
func (m *Message) IsAssistantSide() bool {
	return m.Origin == OriginBot || m.Origin == OriginAgent || m.Origin == OriginSystem
}

// SystemNotice identifica avisos do sistema gravados no transcript.
type SystemNotice string

const (
	NoticeAgentAssigned      SystemNotice = "AGENT_ASSIGNED"
	NoticeReturnedToQueue    SystemNotice = "RETURNED_TO_QUEUE"
	NoticeTimeoutInactivity  SystemNotice = "TIMEOUT_INACTIVITY"
	NoticeConversationClosed SystemNotice = "CONVERSATION_CLOSED"
	NoticeBotToHuman         SystemNotice = "BOT_TO_HUMAN"
	NoticeBotIntentContext   SystemNotice = "BOT_INTENT_CONTEXT"
	NoticeConversationReopen SystemNotice = "CONVERSATION_REOPENED"
)

// Event é publicado para o painel dos atendentes (tempo real).
type Event struct {
	Type           string         `json:"type"`
	ConversationID string         `json:"conversation_id"`
	Phone          string         `json:"phone,omitempty"`
	Data           map[string]any `json:"data,omitempty"`
	At             time.Time      `json:"at"`
}
