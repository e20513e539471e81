package service

import (
	"fmt"
	"strings"

	"github.com/boddenberg/clinic-frontline-go/internal/domain"
)

// Event names published to the operator dashboard.
const (
	EventConversationNew         = "conversation:new"
	EventConversationMessage     = "conversation:message"
	EventConversationUpdated     = "conversation:updated"
	EventConversationTransferred = "conversation:transferred"
	EventConversationAssigned    = "conversation:assigned"
	EventConversationClosed      = "conversation:closed"
	EventConversationTimeout     = "conversation:timeout"
)

// noticeMeta carries what a system notice text needs.
type noticeMeta struct {
	Agent    string
	Queue    domain.ConversationStatus
	Reason   string
	AI       *domain.AIContext
	Entities domain.Entities
}

func (m noticeMeta) toMap() map[string]any {
	out := map[string]any{}
	if m.Agent != "" {
		out["agent"] = m.Agent
	}
	if m.Queue != "" {
		out["queue"] = string(m.Queue)
	}
	if m.Reason != "" {
		out["reason"] = m.Reason
	}
	if m.AI != nil {
		out["intent"] = string(m.AI.Intent)
		out["sentiment"] = string(m.AI.Sentiment)
		out["confidence"] = m.AI.Confidence
	}
	if !m.Entities.IsZero() {
		ents := make(map[string]any)
		for k, v := range m.Entities.ToMap() {
			ents[k] = v
		}
		out["entities"] = ents
	}
	return out
}

var queueNames = map[domain.ConversationStatus]string{
	domain.StatusPrincipal:     "Principal",
	domain.StatusWaiting:       "Aguardando",
	domain.StatusPriorityQueue: "Prioridade",
	domain.StatusHumanQueue:    "Atendimento humano",
	domain.StatusBotQueue:      "Bot",
}

func queueName(s domain.ConversationStatus) string {
	if n, ok := queueNames[s]; ok {
		return n
	}
	return string(s)
}

var intentLabels = map[domain.Intent]string{
	domain.IntentInformation: "💬 Pedindo informações",
	domain.IntentSchedule:    "📅 **QUER AGENDAR**",
	domain.IntentCancel:      "❌ Quer cancelar",
	domain.IntentReschedule:  "🔄 Quer reagendar",
	domain.IntentDelay:       "⏰ Avisa atraso",
	domain.IntentComplaint:   "😠 Reclamação",
	domain.IntentFreeTalk:    "💭 Conversa livre",
}

var sentimentLabels = map[domain.Sentiment]string{
	domain.SentimentPositive: "😊 Positivo",
	domain.SentimentNeutral:  "😐 Neutro",
	domain.SentimentNegative: "😞 Negativo",
}

// noticeText renders the transcript text of a system notice.
func noticeText(kind domain.SystemNotice, m noticeMeta) string {
	switch kind {
	case domain.NoticeAgentAssigned:
		return fmt.Sprintf("%s assumiu a conversa", m.Agent)
	case domain.NoticeReturnedToQueue:
		return fmt.Sprintf("%s devolveu a conversa para fila %s", m.Agent, queueName(m.Queue))
	case domain.NoticeTimeoutInactivity:
		return fmt.Sprintf("⏰ Conversa retornou automaticamente por inatividade (%s)", m.Reason)
	case domain.NoticeConversationClosed:
		return fmt.Sprintf("%s encerrou a conversa", m.Agent)
	case domain.NoticeBotToHuman:
		return "🤖 Conversa transferida do bot para atendimento humano"
	case domain.NoticeConversationReopen:
		return "🔁 Paciente voltou a escrever, conversa reaberta"
	case domain.NoticeBotIntentContext:
		return intentContextText(m.AI, m.Entities)
	}
	return "Ação do sistema"
}

// intentContextText is the summary shown to the operator after a handoff.
func intentContextText(ai *domain.AIContext, e domain.Entities) string {
	if ai == nil {
		return "📋 Contexto da conversa com o bot"
	}

	var sb strings.Builder
	sb.WriteString("🤖 **RESUMO DO ATENDIMENTO DO BOT**\n")
	sb.WriteString("━━━━━━━━━━━━━━━━━━━━━━━━━━\n\n")

	if ai.Intent != "" {
		label, ok := intentLabels[ai.Intent]
		if !ok {
			label = string(ai.Intent)
		}
		fmt.Fprintf(&sb, "🎯 %s\n\n", label)
	}

	switch {
	case ai.Intent == domain.IntentSchedule && !e.IsZero():
		sb.WriteString("📋 **O QUE O PACIENTE QUER AGENDAR:**\n\n")
		fmt.Fprintf(&sb, "🔹 **Procedimento:** %s\n", orDefault(e.Procedure, unspecified))
		if e.Clinic != "" {
			fmt.Fprintf(&sb, "🔹 **Unidade Preferida:** %s\n", e.Clinic)
		} else {
			sb.WriteString("🔹 **Unidade:** Não especificou\n")
		}
		if e.Date != "" {
			fmt.Fprintf(&sb, "📅 **Data Preferida:** %s\n", e.Date)
		}
		if e.Time != "" {
			fmt.Fprintf(&sb, "⏰ **Horário Preferido:** %s\n", e.Time)
		}
		if hasInsurance(e.Insurance) {
			fmt.Fprintf(&sb, "\n💳 **Convênio:** %s\n", e.Insurance)
			if e.InsuranceNumber != "" {
				fmt.Fprintf(&sb, "📇 **Nº Carteirinha:** %s\n", e.InsuranceNumber)
			}
		} else {
			sb.WriteString("\n💰 **Atendimento:** Particular\n")
		}
		sb.WriteString("\n")

	case !e.IsZero():
		sb.WriteString("💬 **INFORMAÇÕES MENCIONADAS:**\n\n")
		for _, kv := range [][2]string{
			{"Procedimento", e.Procedure},
			{"Convênio", e.Insurance},
			{"Unidade", e.Clinic},
			{"Data", e.Date},
			{"Horário", e.Time},
		} {
			if kv[1] != "" {
				fmt.Fprintf(&sb, "• %s: %s\n", kv[0], kv[1])
			}
		}
		sb.WriteString("\n")
	}

	if ai.Sentiment != "" {
		label, ok := sentimentLabels[ai.Sentiment]
		if !ok {
			label = string(ai.Sentiment)
		}
		fmt.Fprintf(&sb, "**Humor do Paciente:** %s\n", label)
	}
	return strings.TrimSpace(sb.String())
}

func hasInsurance(s string) bool {
	l := strings.ToLower(s)
	return l != "" && !strings.Contains(l, "não") && !strings.Contains(l, "nao") && !strings.Contains(l, "particular")
}
