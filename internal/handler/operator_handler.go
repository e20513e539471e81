package handler

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/boddenberg/clinic-frontline-go/internal/domain"
	"github.com/boddenberg/clinic-frontline-go/internal/port"
	"github.com/boddenberg/clinic-frontline-go/internal/service"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// ============================================================
// Conversations: claim / close / release
// ============================================================

func claimHandler(machine *service.StateMachine, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "POST /v1/conversations/{conversationId}/claim")
		defer span.End()

		if machine == nil {
			writeError(w, http.StatusServiceUnavailable, "state machine not configured")
			return
		}
		op := OperatorFromContext(ctx)
		convID := chi.URLParam(r, "conversationId")
		span.SetAttributes(attribute.String("conversation.id", convID), attribute.String("agent.id", op.Sub))

		conv, err := machine.Claim(ctx, convID, op.Sub)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		logger.Info("conversation claimed", zap.String("conversation_id", conv.ID), zap.String("agent_id", op.Sub))
		writeJSON(w, http.StatusOK, conv)
	}
}

func closeHandler(machine *service.StateMachine, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "POST /v1/conversations/{conversationId}/close")
		defer span.End()

		if machine == nil {
			writeError(w, http.StatusServiceUnavailable, "state machine not configured")
			return
		}
		convID := chi.URLParam(r, "conversationId")
		span.SetAttributes(attribute.String("conversation.id", convID))

		conv, err := machine.Close(ctx, convID, actingAgent(r))
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, conv)
	}
}

type releaseRequest struct {
	Queue domain.ConversationStatus `json:"queue"`
}

func releaseHandler(machine *service.StateMachine, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "POST /v1/conversations/{conversationId}/release")
		defer span.End()

		if machine == nil {
			writeError(w, http.StatusServiceUnavailable, "state machine not configured")
			return
		}
		var req releaseRequest
		if r.ContentLength != 0 {
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				writeError(w, http.StatusBadRequest, "invalid request body")
				return
			}
		}
		convID := chi.URLParam(r, "conversationId")
		span.SetAttributes(attribute.String("conversation.id", convID), attribute.String("queue", string(req.Queue)))

		conv, err := machine.Release(ctx, convID, actingAgent(r), req.Queue)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, conv)
	}
}

// actingAgent is the ownership the action is checked against. Supervisors
// act on any agent's conversation.
func actingAgent(r *http.Request) string {
	op := OperatorFromContext(r.Context())
	if op.Supervisor() {
		return ""
	}
	return op.Sub
}

type conversationView struct {
	*domain.Conversation
	Messages []domain.Message `json:"messages"`
}

func getConversationHandler(conversations port.ConversationStore, messages port.MessageStore, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "GET /v1/conversations/{conversationId}")
		defer span.End()

		if conversations == nil || messages == nil {
			writeError(w, http.StatusServiceUnavailable, "storage not configured")
			return
		}
		conv, err := conversations.Get(ctx, chi.URLParam(r, "conversationId"))
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		msgs, err := messages.ListByConversation(ctx, conv.ID, queryInt(r, "limit", 50, 500), true)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		if msgs == nil {
			msgs = []domain.Message{}
		}
		writeJSON(w, http.StatusOK, conversationView{Conversation: conv, Messages: msgs})
	}
}

// ============================================================
// Events: GET /v1/events
// ============================================================

func eventsHandler(events EventReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		out := []domain.Event{}
		if events != nil {
			if recent := events.Recent(r.URL.Query().Get("conversation_id"), queryInt(r, "limit", 50, 200)); recent != nil {
				out = recent
			}
		}
		writeJSON(w, http.StatusOK, map[string]any{"events": out})
	}
}

// ============================================================
// Inactivity monitor (supervisors)
// ============================================================

func sweepHandler(monitor *service.InactivityMonitor, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "POST /v1/inactivity/sweep")
		defer span.End()

		if monitor == nil {
			writeError(w, http.StatusServiceUnavailable, "inactivity monitor not configured")
			return
		}
		report, err := monitor.Sweep(ctx)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, report)
	}
}

type timeoutBody struct {
	TimeoutMinutes float64 `json:"timeout_minutes"`
}

func getTimeoutHandler(monitor *service.InactivityMonitor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if monitor == nil {
			writeError(w, http.StatusServiceUnavailable, "inactivity monitor not configured")
			return
		}
		writeJSON(w, http.StatusOK, timeoutBody{TimeoutMinutes: monitor.Timeout().Minutes()})
	}
}

func updateTimeoutHandler(monitor *service.InactivityMonitor, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if monitor == nil {
			writeError(w, http.StatusServiceUnavailable, "inactivity monitor not configured")
			return
		}
		var req timeoutBody
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		d := time.Duration(req.TimeoutMinutes * float64(time.Minute))
		if err := monitor.UpdateTimeout(d); err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, timeoutBody{TimeoutMinutes: monitor.Timeout().Minutes()})
	}
}
