package service

import (
	"github.com/boddenberg/clinic-frontline-go/internal/domain"
)

// Fallback texts of the router.
const (
	FallbackResponse     = "Desculpe, estou com dificuldades técnicas. Vou transferir você para um atendente humano."
	FallbackReason       = "Erro técnico no sistema"
	DefaultTransferQueue = domain.StatusHumanQueue
	DefaultReason        = "Solicitação de atendimento humano"
	DefaultInsurance     = "Particular"
	LowConfidenceReason  = "Baixa confiança na resposta automática"
	lowConfidenceHandoff = "Vou chamar um atendente para te ajudar melhor. 😊"
	// DefaultConfidenceThreshold is the minimum confidence to keep the bot
	// answering when the low-confidence policy is on.
	DefaultConfidenceThreshold = 0.6
)

// DefaultQueueRoutes maps intents to the human queue and transfer reason.
func DefaultQueueRoutes() map[domain.Intent]domain.QueueRoute {
	return map[domain.Intent]domain.QueueRoute{
		domain.IntentDelay:      {Queue: domain.StatusWaiting, Reason: "Paciente informou atraso"},
		domain.IntentCancel:     {Queue: domain.StatusWaiting, Reason: "Paciente quer cancelar agendamento"},
		domain.IntentReschedule: {Queue: domain.StatusWaiting, Reason: "Paciente quer reagendar"},
		domain.IntentComplaint:  {Queue: domain.StatusPriorityQueue, Reason: "Paciente está reclamando"},
		domain.IntentFreeTalk:   {Queue: domain.StatusHumanQueue, Reason: "Solicitação do paciente"},
	}
}

// IntentRouter turns the assistant's structured output into a RouteDecision.
// Route is a pure function of its inputs.
type IntentRouter struct {
	routes    map[domain.Intent]domain.QueueRoute
	threshold float64
}

// NewIntentRouter creates a router. Entries of overrides replace the default
// table per intent; a non-positive threshold selects the default.
func NewIntentRouter(threshold float64, overrides map[domain.Intent]domain.QueueRoute) *IntentRouter {
	routes := DefaultQueueRoutes()
	for intent, r := range overrides {
		if r.Queue.IsHumanQueue() {
			routes[intent] = r
		}
	}
	if threshold <= 0 {
		threshold = DefaultConfidenceThreshold
	}
	return &IntentRouter{routes: routes, threshold: threshold}
}

// Route decides what happens with the turn.
//
//	collect_data + known patient → transfer, registration skipped
//	collect_data                 → bot keeps collecting
//	transfer_human               → transfer to the intent's queue
//	anything else                → bot answers
func (r *IntentRouter) Route(out *domain.AssistantOutput, known *domain.Patient) *domain.RouteDecision {
	entities := out.Entities.Validate()
	aiCtx := &domain.AIContext{Intent: out.Intent, Sentiment: out.Sentiment, Confidence: out.Confidence}

	switch {
	case out.Action == domain.ActionCollectData && known != nil:
		queue, reason := r.QueueFor(out.Intent)
		return &domain.RouteDecision{
			Type:      domain.DecisionTransferToHuman,
			Response:  knownPatientGreeting(known.Name),
			Queue:     queue,
			Reason:    reason,
			Entities:  entities.Merge(knownPatientEntities(known)),
			AIContext: aiCtx,
		}

	case out.Action == domain.ActionCollectData:
		return &domain.RouteDecision{
			Type:          domain.DecisionAIConversation,
			Response:      out.Message,
			AwaitingInput: true,
			Entities:      entities,
			AIContext:     aiCtx,
		}

	case out.Action == domain.ActionTransferHuman:
		queue, reason := r.QueueFor(out.Intent)
		return &domain.RouteDecision{
			Type:      domain.DecisionTransferToHuman,
			Response:  out.Message,
			Queue:     queue,
			Reason:    reason,
			Entities:  entities,
			AIContext: aiCtx,
		}
	}

	return &domain.RouteDecision{
		Type:      domain.DecisionAIConversation,
		Response:  out.Message,
		Entities:  entities,
		AIContext: aiCtx,
	}
}

// QueueFor returns the queue and reason of a transfer for intent.
func (r *IntentRouter) QueueFor(intent domain.Intent) (domain.ConversationStatus, string) {
	if route, ok := r.routes[intent]; ok {
		return route.Queue, route.Reason
	}
	return DefaultTransferQueue, DefaultReason
}

// LowConfidence reports whether confidence is below the threshold.
func (r *IntentRouter) LowConfidence(confidence float64) bool {
	return confidence < r.threshold
}

// Threshold returns the configured confidence threshold.
func (r *IntentRouter) Threshold() float64 {
	return r.threshold
}

// ApplyLowConfidence forces a human transfer on a bot decision whose
// confidence is below the threshold. Transfers are returned unchanged.
func (r *IntentRouter) ApplyLowConfidence(d *domain.RouteDecision, confidence float64) *domain.RouteDecision {
	if d.IsTransfer() || !r.LowConfidence(confidence) {
		return d
	}
	out := *d
	out.Type = domain.DecisionTransferToHuman
	out.Queue = DefaultTransferQueue
	out.Reason = LowConfidenceReason
	out.AwaitingInput = false
	out.LowConfidence = true
	if out.Response == "" {
		out.Response = lowConfidenceHandoff
	} else {
		out.Response = out.Response + "\n\n" + lowConfidenceHandoff
	}
	return &out
}

// Fallback is the safe decision when the assistant call failed or timed out.
func (r *IntentRouter) Fallback() *domain.RouteDecision {
	return &domain.RouteDecision{
		Type:     domain.DecisionTransferToHuman,
		Response: FallbackResponse,
		Queue:    domain.StatusHumanQueue,
		Reason:   FallbackReason,
	}
}

func knownPatientGreeting(name string) string {
	return "Olá " + name + "! 👋 Encontrei seu cadastro. Em breve um atendente vai te atender para finalizar o agendamento. 😊"
}

func knownPatientEntities(p *domain.Patient) domain.Entities {
	insurance := p.InsuranceCompany
	if insurance == "" {
		insurance = DefaultInsurance
	}
	return domain.Entities{
		Name:      p.Name,
		CPF:       p.CPF,
		Email:     p.Email,
		Insurance: insurance,
	}
}
