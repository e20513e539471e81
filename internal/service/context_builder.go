package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/boddenberg/clinic-frontline-go/internal/domain"
	"github.com/boddenberg/clinic-frontline-go/internal/port"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Limits of what the context builder reads per turn.
const (
	previousConversationsLimit = 5
	previousMessagesLimit      = 20
	currentMessagesLimit       = 50
	learningRecordsLimit       = 20
	appointmentsLimit          = 10
	topSignals                 = 3
	firstContactSummary        = "Primeiro contato do paciente"
	unspecified                = "Não especificado"
)

// ContextBuilder assembles the ContextSnapshot handed to the assistant.
// Every call reads storage again; snapshots are never cached.
type ContextBuilder struct {
	conversations port.ConversationStore
	messages      port.MessageStore
	patients      port.PatientStore
	appointments  port.AppointmentStore
	learning      port.LearningStore
	clock         port.Clock
	logger        *zap.Logger
}

// NewContextBuilder wires the builder with its stores.
func NewContextBuilder(
	conversations port.ConversationStore,
	messages port.MessageStore,
	patients port.PatientStore,
	appointments port.AppointmentStore,
	learning port.LearningStore,
	clock port.Clock,
	logger *zap.Logger,
) *ContextBuilder {
	return &ContextBuilder{
		conversations: conversations,
		messages:      messages,
		patients:      patients,
		appointments:  appointments,
		learning:      learning,
		clock:         clock,
		logger:        logger,
	}
}

// BuildContext builds a fresh snapshot for conversationID.
func (b *ContextBuilder) BuildContext(ctx context.Context, conversationID, phone string) (*domain.ContextSnapshot, error) {
	return b.BuildContextWithPending(ctx, conversationID, phone, "")
}

// BuildContextWithPending is BuildContext plus the text of the turn being
// processed. The text is appended as a user turn only when the persisted
// history does not already end with it.
func (b *ContextBuilder) BuildContextWithPending(ctx context.Context, conversationID, phone, pending string) (*domain.ContextSnapshot, error) {
	ctx, span := tracer.Start(ctx, "ContextBuilder.BuildContext")
	defer span.End()
	span.SetAttributes(attribute.String("conversation.id", conversationID))

	now := b.clock.Now()

	var (
		patient      *domain.Patient
		appts        []domain.Appointment
		previous     []domain.Conversation
		previousMsgs [][]domain.Message
		totalPrev    int
		current      []domain.Message
		learning     []domain.LearningRecord
	)

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		p, err := b.patients.FindByPhone(gCtx, phone)
		if err != nil {
			var nf *domain.ErrNotFound
			if !errors.As(err, &nf) {
				return fmt.Errorf("find patient: %w", err)
			}
			return nil
		}
		patient = p
		if b.appointments == nil {
			return nil
		}
		appts, err = b.appointments.ListByPatient(gCtx, p.ID, appointmentsLimit)
		if err != nil {
			return fmt.Errorf("list appointments: %w", err)
		}
		return nil
	})

	// Messages of every previous conversation feed the summary; only the
	// most recent one contributes turns to the history.
	g.Go(func() error {
		var err error
		previous, err = b.conversations.ListPreviousByPhone(gCtx, phone, conversationID, previousConversationsLimit)
		if err != nil {
			return fmt.Errorf("list previous conversations: %w", err)
		}
		for _, conv := range previous {
			msgs, err := b.messages.ListByConversation(gCtx, conv.ID, previousMessagesLimit, true)
			if err != nil {
				return fmt.Errorf("list messages of %s: %w", conv.ID, err)
			}
			previousMsgs = append(previousMsgs, msgs)
			totalPrev += len(msgs)
		}
		return nil
	})

	g.Go(func() error {
		var err error
		current, err = b.messages.ListByConversation(gCtx, conversationID, currentMessagesLimit, true)
		if err != nil {
			return fmt.Errorf("list current messages: %w", err)
		}
		return nil
	})

	if b.learning != nil {
		g.Go(func() error {
			var err error
			learning, err = b.learning.ListByPhone(gCtx, phone, learningRecordsLimit)
			if err != nil {
				return fmt.Errorf("list learning records: %w", err)
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	snap := &domain.ContextSnapshot{
		ConversationID: conversationID,
		Patient:        patientFacts(patient, phone),
		Appointments:   classifyAppointments(appts, now),
		Memories:       patient.Memories(),
		BuiltAt:        now,
	}

	var lastPrev []domain.Message
	if len(previousMsgs) > 0 {
		lastPrev = previousMsgs[0]
	}
	snap.History = domain.HistoryView{
		Recent:             buildTurns(lastPrev, current, pending),
		Summary:            summarizeHistory(len(previous), totalPrev, previousMsgs),
		TotalConversations: len(previous),
	}
	if len(previous) > 0 {
		at := previous[0].CreatedAt
		snap.History.LastConversationDate = &at
	}

	snap.Learning = domain.LearningSignals{
		CommonIntents:       commonIntents(learning),
		SentimentTrend:      sentimentTrend(learning),
		PreferredProcedures: preferredProcedures(learning),
		PreferredClinic:     preferredClinic(appts),
		AverageResponseTime: averageResponseTime(learning),
	}

	b.logger.Debug("context built",
		zap.String("conversation_id", conversationID),
		zap.Bool("known_patient", patient != nil),
		zap.Int("previous_conversations", len(previous)),
		zap.Int("turns", len(snap.History.Recent)),
		zap.String("sentiment_trend", string(snap.Learning.SentimentTrend)),
	)
	return snap, nil
}

func patientFacts(p *domain.Patient, phone string) domain.PatientFacts {
	if p == nil {
		return domain.PatientFacts{Phone: phone}
	}
	return domain.PatientFacts{
		ID:                   p.ID,
		Name:                 p.Name,
		Phone:                phone,
		CPF:                  p.CPF,
		Email:                p.Email,
		BirthDate:            p.BirthDate,
		InsuranceCompany:     p.InsuranceCompany,
		Preferences:          p.Preferences,
		RegistrationComplete: p.RegistrationComplete(),
	}
}

// buildTurns concatenates the previous conversation's tail and the current
// conversation, each sorted by timestamp, without repeating a message id.
// Internal system notices are not part of the dialogue.
func buildTurns(previous, current []domain.Message, pending string) []domain.Turn {
	seen := make(map[string]bool, len(previous)+len(current))
	turns := make([]domain.Turn, 0, len(previous)+len(current)+1)

	for _, part := range [][]domain.Message{previous, current} {
		msgs := append([]domain.Message(nil), part...)
		sort.SliceStable(msgs, func(i, j int) bool { return msgs[i].Timestamp.Before(msgs[j].Timestamp) })
		for _, m := range msgs {
			if m.Type == domain.MessageSystem {
				continue
			}
			if m.ID != "" {
				if seen[m.ID] {
					continue
				}
				seen[m.ID] = true
			}
			role := domain.RoleUser
			if m.IsAssistantSide() {
				role = domain.RoleAssistant
			}
			turns = append(turns, domain.Turn{MessageID: m.ID, Role: role, Content: m.Body, Timestamp: m.Timestamp})
		}
	}

	pending = strings.TrimSpace(pending)
	if pending != "" && !endsWithUserTurn(turns, pending) {
		turns = append(turns, domain.Turn{Role: domain.RoleUser, Content: pending})
	}
	return turns
}

func endsWithUserTurn(turns []domain.Turn, text string) bool {
	for i := len(turns) - 1; i >= 0; i-- {
		if turns[i].Role == domain.RoleUser {
			return strings.TrimSpace(turns[i].Content) == text
		}
	}
	return false
}

var summaryTopics = []struct {
	topic    string
	keywords []string
}{
	{"agendamento", []string{"agendar", "marcar"}},
	{"valores", []string{"valor", "preço", "quanto"}},
	{"convênios", []string{"convênio", "plano"}},
	{"cancelamento", []string{"cancelar", "desmarcar"}},
}

func summarizeHistory(conversations, totalMessages int, msgs [][]domain.Message) string {
	if conversations == 0 {
		return firstContactSummary
	}

	found := make(map[string]bool)
	var topics []string
	for _, conv := range msgs {
		for _, m := range conv {
			if m.Origin != domain.OriginUser {
				continue
			}
			text := strings.ToLower(m.Body)
			for _, st := range summaryTopics {
				if found[st.topic] {
					continue
				}
				for _, kw := range st.keywords {
					if strings.Contains(text, kw) {
						found[st.topic] = true
						topics = append(topics, st.topic)
						break
					}
				}
			}
		}
	}

	topicsText := "Conversas gerais"
	if len(topics) > 0 {
		topicsText = "Tópicos anteriores: " + strings.Join(topics, ", ")
	}
	return fmt.Sprintf("%d conversa(s) anterior(es) com %d mensagens. %s.", conversations, totalMessages, topicsText)
}

func classifyAppointments(appts []domain.Appointment, now time.Time) domain.AppointmentView {
	view := domain.AppointmentView{
		Previous:  []domain.AppointmentSummary{},
		Upcoming:  []domain.AppointmentSummary{},
		Cancelled: []domain.AppointmentSummary{},
		Total:     len(appts),
	}
	for _, a := range appts {
		sum := domain.AppointmentSummary{
			ID:            a.ID,
			ProcedureName: orDefault(a.Procedure, unspecified),
			ClinicName:    orDefault(a.Clinic, unspecified),
			Date:          a.When(),
			Status:        string(a.Status),
		}
		if a.Status == domain.AppointmentCompleted || (a.Date != nil && a.Date.Before(now)) {
			view.Previous = append(view.Previous, sum)
		}
		if a.Status == domain.AppointmentScheduled && a.Date != nil && !a.Date.Before(now) {
			view.Upcoming = append(view.Upcoming, sum)
		}
		if a.Status == domain.AppointmentCancelled {
			c := sum
			c.Status = ""
			c.Reason = a.Notes
			view.Cancelled = append(view.Cancelled, c)
		}
	}
	return view
}

// topByFrequency returns up to n values ordered by count, ties broken by
// first occurrence.
func topByFrequency(values []string, n int) []string {
	counts := make(map[string]int)
	var order []string
	for _, v := range values {
		if v == "" {
			continue
		}
		if counts[v] == 0 {
			order = append(order, v)
		}
		counts[v]++
	}
	sort.SliceStable(order, func(i, j int) bool { return counts[order[i]] > counts[order[j]] })
	if len(order) > n {
		order = order[:n]
	}
	return order
}

func commonIntents(records []domain.LearningRecord) []domain.Intent {
	values := make([]string, 0, len(records))
	for _, r := range records {
		values = append(values, string(r.Intent))
	}
	top := topByFrequency(values, topSignals)
	out := make([]domain.Intent, 0, len(top))
	for _, v := range top {
		out = append(out, domain.Intent(v))
	}
	return out
}

// sentimentTrend is the strict majority sentiment; ties and empty input are
// neutral.
func sentimentTrend(records []domain.LearningRecord) domain.Sentiment {
	var pos, neg, neu int
	for _, r := range records {
		switch r.Sentiment {
		case domain.SentimentPositive:
			pos++
		case domain.SentimentNegative:
			neg++
		case domain.SentimentNeutral:
			neu++
		}
	}
	switch {
	case pos > neg && pos > neu:
		return domain.SentimentPositive
	case neg > pos && neg > neu:
		return domain.SentimentNegative
	}
	return domain.SentimentNeutral
}

func preferredProcedures(records []domain.LearningRecord) []string {
	values := make([]string, 0, len(records))
	for _, r := range records {
		values = append(values, r.ProcedureMentioned)
	}
	return topByFrequency(values, topSignals)
}

func preferredClinic(appts []domain.Appointment) string {
	values := make([]string, 0, len(appts))
	for _, a := range appts {
		values = append(values, a.Clinic)
	}
	top := topByFrequency(values, 1)
	if len(top) == 0 {
		return ""
	}
	return top[0]
}

// averageResponseTime is the rounded mean of the non-zero response times.
func averageResponseTime(records []domain.LearningRecord) float64 {
	var sum float64
	var n int
	for _, r := range records {
		if r.ResponseTimeSeconds > 0 {
			sum += r.ResponseTimeSeconds
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return math.Round(sum / float64(n))
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
