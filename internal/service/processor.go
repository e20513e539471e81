package service

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"strings"
	"time"

	"github.com/boddenberg/clinic-frontline-go/internal/domain"
	"github.com/boddenberg/clinic-frontline-go/internal/infra/observability"
	"github.com/boddenberg/clinic-frontline-go/internal/port"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

var tracer = otel.Tracer("service/processor")

// Result outcomes besides the metric ones.
const (
	OutcomeHumanOwned = "human_owned"
)

// ProcessResult describes what happened to one inbound message.
type ProcessResult struct {
	Outcome        string                    `json:"outcome"`
	ConversationID string                    `json:"conversation_id,omitempty"`
	MessageID      string                    `json:"message_id,omitempty"`
	Status         domain.ConversationStatus `json:"status,omitempty"`
	Decision       *domain.RouteDecision     `json:"decision,omitempty"`
	Reply          string                    `json:"reply,omitempty"`
	Logs           []string                  `json:"logs,omitempty"`
}

// ProcessorConfig holds the processor's tunables.
type ProcessorConfig struct {
	DedupWindow      time.Duration
	AssistantTimeout time.Duration
	SessionTTL       time.Duration
	// LowConfidenceHandoff turns bot answers under the router threshold into
	// transfers.
	LowConfidenceHandoff bool
}

// ProcessorDeps are the collaborators of the processor. Fetcher, Media,
// Sender and Events may be nil.
type ProcessorDeps struct {
	Conversations port.ConversationStore
	Messages      port.MessageStore
	Patients      port.PatientStore
	Learning      port.LearningStore
	Assistant     port.AssistantCaller
	Sender        port.MessageSender
	Fetcher       port.MediaFetcher
	Media         port.MediaStore
	Events        port.EventPublisher
	Clock         port.Clock

	Dedup    *Deduplicator
	Contexts *ContextBuilder
	Router   *IntentRouter
	Rules    *RuleResolver
	Machine  *StateMachine
	Memory   *MemoryKeeper
}

// Processor runs the inbound pipeline for one message: dedup, conversation
// bookkeeping, context, assistant, routing, transition and reply.
type Processor struct {
	deps    ProcessorDeps
	cfg     ProcessorConfig
	metrics *observability.Metrics
	logger  *zap.Logger
}

// NewProcessor creates the processor.
func NewProcessor(deps ProcessorDeps, cfg ProcessorConfig, metrics *observability.Metrics, logger *zap.Logger) *Processor {
	if cfg.DedupWindow <= 0 {
		cfg.DedupWindow = 5 * time.Minute
	}
	if cfg.AssistantTimeout <= 0 {
		cfg.AssistantTimeout = 30 * time.Second
	}
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = 24 * time.Hour
	}
	if deps.Clock == nil {
		deps.Clock = port.SystemClock{}
	}
	return &Processor{deps: deps, cfg: cfg, metrics: metrics, logger: logger}
}

// ProcessSync runs the pipeline inline and returns the log lines it produced.
// Used by the simulation endpoint.
func (p *Processor) ProcessSync(ctx context.Context, msg *domain.InboundMessage) (*ProcessResult, error) {
	core, logs := observer.New(zapcore.DebugLevel)
	sp := *p
	sp.logger = zap.New(zapcore.NewTee(p.logger.Core(), core)).With(zap.Bool("simulation", true))

	res, err := sp.Process(ctx, msg)
	if res == nil {
		res = &ProcessResult{Outcome: observability.OutcomeError}
	}
	for _, e := range logs.All() {
		res.Logs = append(res.Logs, e.Level.CapitalString()+" "+e.Message)
	}
	return res, err
}

// Process handles one inbound message. Callers must not run two messages of
// the same sender concurrently (see Dispatcher).
func (p *Processor) Process(ctx context.Context, msg *domain.InboundMessage) (*ProcessResult, error) {
	ctx, span := tracer.Start(ctx, "Processor.Process")
	defer span.End()
	span.SetAttributes(
		attribute.String("channel", string(msg.Channel)),
		attribute.String("external.id", msg.ExternalID),
	)

	start := p.deps.Clock.Now()
	defer func() {
		p.metrics.RecordRequestDuration("process", time.Since(start))
	}()

	if err := msg.Validate(); err != nil {
		p.metrics.IncrInbound(msg.Channel, observability.OutcomeMalformed)
		p.logger.Warn("skipping malformed message", zap.Error(err))
		return &ProcessResult{Outcome: observability.OutcomeMalformed}, nil
	}

	fresh, _ := p.deps.Dedup.Claim(ctx, msg.ExternalID, string(msg.Channel), p.cfg.DedupWindow)
	if !fresh {
		logged, _ := p.deps.Dedup.IsDuplicate(ctx, msg.ExternalID, string(msg.Channel), p.cfg.DedupWindow)
		p.metrics.IncrInbound(msg.Channel, observability.OutcomeDuplicate)
		p.logger.Info("duplicate message ignored",
			zap.String("external_id", msg.ExternalID),
			zap.String("channel", string(msg.Channel)),
			zap.Bool("in_log", logged),
		)
		return &ProcessResult{Outcome: observability.OutcomeDuplicate}, nil
	}

	res, err := p.process(ctx, msg, start)
	if err != nil {
		// not in the log yet, so a provider retry must get through
		if res == nil || res.MessageID == "" {
			p.deps.Dedup.Release(ctx, msg.ExternalID, string(msg.Channel))
		}
		p.metrics.IncrInbound(msg.Channel, observability.OutcomeError)
		span.RecordError(err)
		p.logger.Error("inbound processing failed",
			zap.String("sender", msg.SenderID),
			zap.String("external_id", msg.ExternalID),
			zap.Error(err),
		)
		return res, err
	}
	p.metrics.IncrInbound(msg.Channel, observability.OutcomeProcessed)
	return res, nil
}

func (p *Processor) process(ctx context.Context, msg *domain.InboundMessage, start time.Time) (*ProcessResult, error) {
	logger := observability.WithTrace(ctx, p.logger).With(zap.String("sender", msg.SenderID))

	known := p.knownPatient(ctx, msg.SenderID, logger)

	conv, err := p.conversationFor(ctx, msg, known)
	if err != nil {
		return nil, err
	}
	res := &ProcessResult{ConversationID: conv.ID}
	logger = observability.ForConversation(logger, conv.ID, conv.Channel)

	inbound, err := p.persistInbound(ctx, conv, msg, logger)
	if err != nil {
		return res, err
	}
	res.MessageID = inbound.ID

	conv, err = p.touch(ctx, conv, inbound, known)
	if err != nil {
		return res, err
	}
	res.Status = conv.Status

	if conv.Status != domain.StatusBotQueue {
		logger.Debug("conversation owned by humans, bot stays silent", zap.String("status", string(conv.Status)))
		res.Outcome = OutcomeHumanOwned
		return res, nil
	}

	snapshot, err := p.deps.Contexts.BuildContextWithPending(ctx, conv.ID, conv.Phone, inbound.Body)
	if err != nil {
		logger.Warn("context build failed, continuing with empty context", zap.Error(err))
		snapshot = &domain.ContextSnapshot{ConversationID: conv.ID, BuiltAt: p.deps.Clock.Now()}
	}

	out, decision := p.decide(ctx, conv, inbound, snapshot, known, logger)
	decision.Response = p.render(ctx, out, decision, known)
	p.metrics.RecordDecision(decision)
	res.Decision = decision

	updated, err := p.deps.Machine.ApplyDecision(ctx, conv, decision)
	if err != nil {
		if IsStale(err) {
			logger.Warn("conversation changed while routing, reply dropped")
			res.Outcome = OutcomeHumanOwned
			return res, nil
		}
		return res, fmt.Errorf("apply decision: %w", err)
	}
	conv = updated
	res.Status = conv.Status

	if decision.Response != "" {
		res.Reply = decision.Response
		p.reply(ctx, conv, decision.Response, logger)
	}

	if out != nil {
		p.learn(ctx, conv, out, start, logger)
	}
	p.remember(ctx, conv, decision.Entities, logger)

	logger.Info("message routed",
		zap.String("decision", string(decision.Type)),
		zap.String("status", string(conv.Status)),
		zap.Bool("low_confidence", decision.LowConfidence),
	)
	res.Outcome = observability.OutcomeProcessed
	return res, nil
}

func (p *Processor) knownPatient(ctx context.Context, phone string, logger *zap.Logger) *domain.Patient {
	patient, err := p.deps.Patients.FindByPhone(ctx, phone)
	if err != nil {
		var nf *domain.ErrNotFound
		if !errors.As(err, &nf) {
			logger.Warn("patient lookup failed", zap.Error(err))
		}
		return nil
	}
	return patient
}

// conversationFor finds the sender's conversation, creating it in BOT_QUEUE
// on first contact and reopening it when closed.
func (p *Processor) conversationFor(ctx context.Context, msg *domain.InboundMessage, known *domain.Patient) (*domain.Conversation, error) {
	conv, err := p.deps.Conversations.FindByPhone(ctx, msg.SenderID)
	var nf *domain.ErrNotFound
	switch {
	case err == nil:
		if conv.Status == domain.StatusClosed {
			return p.deps.Machine.Reopen(ctx, conv)
		}
		return conv, nil
	case !errors.As(err, &nf):
		return nil, fmt.Errorf("find conversation: %w", err)
	}

	now := p.deps.Clock.Now()
	conv = &domain.Conversation{
		ID:               uuid.NewString(),
		Phone:            msg.SenderID,
		Channel:          msg.Channel,
		Status:           domain.StatusBotQueue,
		LastActivityAt:   now,
		SessionExpiresAt: now.Add(p.cfg.SessionTTL),
		WorkflowContext:  map[string]any{},
		CreatedAt:        now,
	}
	if known != nil {
		conv.PatientID = known.ID
	}

	created, err := p.deps.Conversations.Create(ctx, conv)
	var conflict *domain.ErrConflict
	if errors.As(err, &conflict) {
		return p.deps.Conversations.FindByPhone(ctx, msg.SenderID)
	}
	if err != nil {
		return nil, fmt.Errorf("create conversation: %w", err)
	}
	p.publish(ctx, EventConversationNew, created, map[string]any{"channel": string(created.Channel)})
	return created, nil
}

func (p *Processor) persistInbound(ctx context.Context, conv *domain.Conversation, msg *domain.InboundMessage, logger *zap.Logger) (*domain.Message, error) {
	ts := msg.Timestamp
	if ts.IsZero() {
		ts = p.deps.Clock.Now()
	}
	m := &domain.Message{
		ID:             uuid.NewString(),
		ConversationID: conv.ID,
		Direction:      domain.DirectionReceived,
		Origin:         domain.OriginUser,
		ExternalID:     msg.ExternalID,
		Channel:        msg.Channel,
		Type:           msg.MessageType(),
		Body:           msg.Text,
		Metadata:       msg.Metadata,
		Timestamp:      ts,
	}

	if msg.HasMedia() {
		url, err := p.saveMedia(ctx, msg)
		if err != nil {
			logger.Warn("media download failed", zap.String("kind", string(msg.Kind)), zap.Error(err))
			m.Body = strings.TrimSpace(fmt.Sprintf("[%s] download failed %s", m.Type, msg.Text))
		} else {
			m.MediaURL = url
			if m.Body == "" {
				m.Body = "[" + string(m.Type) + "]"
			}
		}
	}

	saved, err := p.deps.Messages.Append(ctx, m)
	if err != nil {
		return nil, fmt.Errorf("persist message: %w", err)
	}
	p.publish(ctx, EventConversationMessage, conv, map[string]any{
		"message_id": saved.ID,
		"origin":     string(saved.Origin),
	})
	return saved, nil
}

// saveMedia downloads the attachment and stores it under a name derived from
// the channel and provider id, so a redelivery overwrites the same file.
func (p *Processor) saveMedia(ctx context.Context, msg *domain.InboundMessage) (string, error) {
	if p.deps.Fetcher == nil || p.deps.Media == nil {
		return msg.MediaURL, nil
	}
	data, contentType, err := p.deps.Fetcher.Fetch(ctx, msg)
	if err != nil {
		return "", err
	}
	if contentType == "" {
		contentType = msg.MimeType
	}
	return p.deps.Media.Save(ctx, MediaFilename(msg, contentType), data)
}

// MediaFilename is "{channel}-{id}.{ext}".
func MediaFilename(msg *domain.InboundMessage, contentType string) string {
	id := msg.ExternalID
	if id == "" {
		id = msg.MediaID
	}
	if id == "" {
		id = uuid.NewString()
	}
	id = strings.NewReplacer("/", "_", "\\", "_", ":", "_", ".", "_").Replace(id)

	ext := "bin"
	if mt, _, err := mime.ParseMediaType(contentType); err == nil {
		if exts, _ := mime.ExtensionsByType(mt); len(exts) > 0 {
			ext = strings.TrimPrefix(exts[0], ".")
		} else if i := strings.IndexByte(mt, '/'); i >= 0 {
			ext = mt[i+1:]
		}
	}
	return fmt.Sprintf("%s-%s.%s", msg.Channel, id, ext)
}

// touch records patient activity. It is unconditional: activity only moves
// forward and any pending conditional write keyed on the old activity fails.
func (p *Processor) touch(ctx context.Context, conv *domain.Conversation, m *domain.Message, known *domain.Patient) (*domain.Conversation, error) {
	now := p.deps.Clock.Now()
	expires := now.Add(p.cfg.SessionTTL)
	last := m.Body
	patch := domain.ConversationPatch{
		LastMessage:        &last,
		LastUserActivityAt: &now,
		LastActivityAt:     &now,
		SessionExpiresAt:   &expires,
	}
	if known != nil && conv.PatientID == "" {
		patch.PatientID = &known.ID
	}
	updated, err := p.deps.Conversations.UpdateIf(ctx, conv.ID, domain.UpdateCondition{}, patch)
	if err != nil {
		return nil, fmt.Errorf("touch conversation: %w", err)
	}
	return updated, nil
}

// decide calls the assistant and routes its output. A failed or late call
// yields the fallback transfer and a nil output.
func (p *Processor) decide(
	ctx context.Context,
	conv *domain.Conversation,
	inbound *domain.Message,
	snapshot *domain.ContextSnapshot,
	known *domain.Patient,
	logger *zap.Logger,
) (*domain.AssistantOutput, *domain.RouteDecision) {
	actx, cancel := context.WithTimeout(ctx, p.cfg.AssistantTimeout)
	defer cancel()

	callStart := time.Now()
	out, err := p.deps.Assistant.Generate(actx, &port.AssistantRequest{
		ConversationID: conv.ID,
		Message:        inbound.Body,
		Context:        snapshot,
	})
	p.metrics.RecordAssistantCall(err, time.Since(callStart))

	if err != nil {
		p.metrics.IncrFallback()
		p.metrics.IncrExternalError("assistant")
		logger.Error("assistant call failed, transferring", zap.Error(err))
		return nil, p.deps.Router.Fallback()
	}

	decision := p.deps.Router.Route(out, known)
	if p.cfg.LowConfidenceHandoff {
		decision = p.deps.Router.ApplyLowConfidence(decision, out.Confidence)
	}
	return out, decision
}

// render passes the reply through the response rule of the intent. Without a
// rule the text is kept as is, and so is the known-patient greeting.
func (p *Processor) render(ctx context.Context, out *domain.AssistantOutput, d *domain.RouteDecision, known *domain.Patient) string {
	if out == nil || p.deps.Rules == nil {
		return d.Response
	}
	if out.Action == domain.ActionCollectData && known != nil {
		return d.Response
	}

	targetType, targetID := domain.TargetGeneral, ""
	switch {
	case d.Entities.Procedure != "":
		targetType, targetID = domain.TargetProcedure, d.Entities.Procedure
	case d.Entities.Insurance != "":
		targetType, targetID = domain.TargetInsurance, d.Entities.Insurance
	}

	bindings := map[string]any{
		"mensagem":     d.Response,
		"procedimento": d.Entities.Procedure,
		"convenio":     d.Entities.Insurance,
		"unidade":      d.Entities.Clinic,
		"data":         d.Entities.Date,
		"horario":      d.Entities.Time,
		"nome":         d.Entities.Name,
		"fila":         queueName(d.Queue),
	}
	if known != nil && known.Name != "" {
		bindings["nome"] = known.Name
	}
	if code := d.Entities.Procedure; code != "" {
		if info := p.deps.Rules.ProcedureInfo(ctx, code); info != nil {
			bindings["info_procedimento"] = p.deps.Rules.FormatProcedureInfo(ctx, *info, d.Entities.Clinic)
		}
	}
	if code := d.Entities.Insurance; code != "" {
		bindings["saudacao_convenio"] = p.deps.Rules.FormatInsuranceGreeting(ctx, code, code)
		bindings["mostrar_valores"] = p.deps.Rules.ShouldShowInsuranceValues(ctx, code)
		bindings["desconto"] = p.deps.Rules.CanShowDiscount(ctx, code)
	}
	return p.deps.Rules.RenderResponse(ctx, out.Intent, targetType, targetID, bindings, d.Response)
}

// reply sends text to the patient and records it as a bot message. A failed
// delivery is recorded too, flagged in the metadata.
func (p *Processor) reply(ctx context.Context, conv *domain.Conversation, text string, logger *zap.Logger) {
	meta := map[string]any{}
	var externalID string

	if p.deps.Sender != nil {
		id, err := p.deps.Sender.SendText(ctx, conv.Channel, conv.Phone, text)
		if err != nil {
			p.metrics.IncrOutbound(conv.Channel, "error")
			logger.Error("reply delivery failed", zap.Error(err))
			meta["delivery_failed"] = true
		} else {
			p.metrics.IncrOutbound(conv.Channel, "sent")
			externalID = id
		}
	}

	now := p.deps.Clock.Now()
	m := &domain.Message{
		ID:             uuid.NewString(),
		ConversationID: conv.ID,
		Direction:      domain.DirectionSent,
		Origin:         domain.OriginBot,
		ExternalID:     externalID,
		Channel:        conv.Channel,
		Type:           domain.MessageText,
		Body:           text,
		Metadata:       meta,
		Timestamp:      now,
	}
	if _, err := p.deps.Messages.Append(ctx, m); err != nil {
		logger.Error("failed to persist reply", zap.Error(err))
		return
	}

	if _, err := p.deps.Conversations.UpdateIf(ctx, conv.ID, domain.UpdateCondition{},
		domain.ConversationPatch{LastMessage: &text, LastActivityAt: &now}); err != nil {
		logger.Warn("failed to record reply activity", zap.Error(err))
	}
	p.publish(ctx, EventConversationMessage, conv, map[string]any{
		"message_id": m.ID,
		"origin":     string(m.Origin),
	})
}

func (p *Processor) learn(ctx context.Context, conv *domain.Conversation, out *domain.AssistantOutput, start time.Time, logger *zap.Logger) {
	if p.deps.Learning == nil {
		return
	}
	rec := &domain.LearningRecord{
		ID:                  uuid.NewString(),
		Phone:               conv.Phone,
		ConversationID:      conv.ID,
		Intent:              out.Intent,
		Sentiment:           out.Sentiment,
		ProcedureMentioned:  out.Entities.Procedure,
		ResponseTimeSeconds: p.deps.Clock.Now().Sub(start).Seconds(),
		CreatedAt:           p.deps.Clock.Now(),
	}
	if err := p.deps.Learning.Record(ctx, rec); err != nil {
		logger.Warn("failed to record learning data", zap.Error(err))
	}
}

// remember merges collected identity data into the patient and links a newly
// created patient to the conversation.
func (p *Processor) remember(ctx context.Context, conv *domain.Conversation, e domain.Entities, logger *zap.Logger) {
	if p.deps.Memory == nil || e.IsZero() {
		return
	}
	patient, err := p.deps.Memory.Remember(ctx, conv.Phone, MemoriesFromEntities(e))
	if err != nil {
		logger.Warn("memory merge failed", zap.Error(err))
		return
	}
	if patient == nil || conv.PatientID == patient.ID {
		return
	}
	if _, err := p.deps.Conversations.UpdateIf(ctx, conv.ID, domain.UpdateCondition{},
		domain.ConversationPatch{PatientID: &patient.ID}); err != nil {
		logger.Warn("failed to link patient", zap.Error(err))
	}
}

func (p *Processor) publish(ctx context.Context, kind string, conv *domain.Conversation, data map[string]any) {
	if p.deps.Events == nil {
		return
	}
	data["status"] = string(conv.Status)
	p.deps.Events.Publish(ctx, domain.Event{
		Type:           kind,
		ConversationID: conv.ID,
		Phone:          conv.Phone,
		Data:           data,
		At:             p.deps.Clock.Now(),
	})
}
