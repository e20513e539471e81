package handler

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/boddenberg/clinic-frontline-go/internal/domain"
	"github.com/boddenberg/clinic-frontline-go/internal/infra/client"
	"github.com/boddenberg/clinic-frontline-go/internal/infra/observability"
	"github.com/boddenberg/clinic-frontline-go/internal/service"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

const maxWebhookBody = 1 << 20

// ============================================================
// GET /webhooks/{channel}: subscription handshake
// ============================================================

func verifyWebhookHandler(expected string, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		challenge, err := client.VerifySubscription(q.Get("hub.mode"), q.Get("hub.verify_token"), q.Get("hub.challenge"), expected)
		if err != nil {
			logger.Warn("webhook verification rejected",
				zap.String("path", r.URL.Path),
				zap.String("mode", q.Get("hub.mode")),
			)
			writeError(w, http.StatusForbidden, "verification failed")
			return
		}
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, challenge)
	}
}

// ============================================================
// POST /webhooks/{channel}: inbound messages
// ============================================================

// inboundWebhookHandler acknowledges the delivery right away and hands each
// message to the dispatcher. Processing failures never reach the provider,
// which would otherwise redeliver the whole batch.
func inboundWebhookHandler(channel domain.Channel, deps Deps, metrics *observability.Metrics, logger *zap.Logger) http.HandlerFunc {
	parse := client.ParseWhatsApp
	if channel == domain.ChannelInstagram {
		parse = client.ParseInstagram
	}

	return func(w http.ResponseWriter, r *http.Request) {
		_, span := tracer.Start(r.Context(), "POST /webhooks/"+string(channel))
		defer span.End()

		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
		if err != nil {
			writeError(w, http.StatusRequestEntityTooLarge, "payload too large")
			return
		}

		res, err := parse(body)
		if err != nil {
			metrics.IncrInbound(channel, observability.OutcomeMalformed)
			logger.Warn("unparseable webhook payload", zap.String("channel", string(channel)), zap.Error(err))
			writeJSON(w, http.StatusOK, map[string]bool{"received": true})
			return
		}
		for i := 0; i < res.Malformed; i++ {
			metrics.IncrInbound(channel, observability.OutcomeMalformed)
		}
		span.SetAttributes(
			attribute.Int("messages", len(res.Messages)),
			attribute.Int("malformed", res.Malformed),
		)

		if deps.Processor == nil || deps.Dispatcher == nil {
			logger.Error("webhook received but processing is not configured", zap.String("channel", string(channel)))
			writeJSON(w, http.StatusOK, map[string]bool{"received": true})
			return
		}

		for i := range res.Messages {
			msg := res.Messages[i]
			err := deps.Dispatcher.Submit(msg.Key(), func(ctx context.Context) error {
				_, err := deps.Processor.Process(ctx, &msg)
				return err
			})
			if err != nil {
				logger.Warn("inbound message dropped",
					zap.String("channel", string(channel)),
					zap.String("external_id", msg.ExternalID),
					zap.Error(err),
				)
			}
		}

		writeJSON(w, http.StatusOK, map[string]bool{"received": true})
	}
}

// ============================================================
// POST /v1/simulate: synchronous processing with captured log
// ============================================================

type simulateRequest struct {
	Channel    domain.Channel `json:"channel"`
	SenderID   string         `json:"sender_id"`
	ExternalID string         `json:"external_id,omitempty"`
	Text       string         `json:"text"`
	MediaURL   string         `json:"media_url,omitempty"`
	MimeType   string         `json:"mime_type,omitempty"`
}

func simulateHandler(processor *service.Processor, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "POST /v1/simulate")
		defer span.End()

		if processor == nil {
			writeError(w, http.StatusServiceUnavailable, "processor not configured")
			return
		}

		var req simulateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if req.Channel == "" {
			req.Channel = domain.ChannelWhatsApp
		}
		if req.ExternalID == "" {
			req.ExternalID = "sim-" + uuid.NewString()
		}

		msg := &domain.InboundMessage{
			Channel:    req.Channel,
			SenderID:   strings.TrimSpace(req.SenderID),
			ExternalID: req.ExternalID,
			Kind:       domain.KindText,
			Text:       req.Text,
			MediaURL:   req.MediaURL,
			MimeType:   req.MimeType,
			Timestamp:  time.Now().UTC(),
		}
		if msg.MediaURL != "" {
			msg.Kind = kindForMime(req.MimeType)
		}
		if err := msg.Validate(); err != nil {
			handleServiceError(w, err, logger)
			return
		}
		span.SetAttributes(attribute.String("sender", msg.SenderID))

		res, err := processor.ProcessSync(ctx, msg)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

func kindForMime(mimeType string) domain.InboundKind {
	switch {
	case strings.HasPrefix(mimeType, "image/"):
		return domain.KindImage
	case strings.HasPrefix(mimeType, "video/"):
		return domain.KindVideo
	case strings.HasPrefix(mimeType, "audio/"):
		return domain.KindAudio
	default:
		return domain.KindDocument
	}
}
