package domain

import (
	"strings"
	"time"
)

// InboundMessage é o que o núcleo extrai de um webhook, independente do
// provedor. ExternalID pode vir vazio em alguns tipos de mensagem.
type InboundMessage struct {
	Channel    Channel        `json:"channel"`
	SenderID   string         `json:"sender_id"`
	ExternalID string         `json:"external_id,omitempty"`
	Kind       InboundKind    `json:"kind"`
	Text       string         `json:"text"`
	MediaURL   string         `json:"media_url,omitempty"`
	MediaID    string         `json:"media_id,omitempty"`
	MimeType   string         `json:"mime_type,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
}

// InboundKind is the provider-level message type.
type InboundKind string

const (
	KindText       InboundKind = "text"
	KindImage      InboundKind = "image"
	KindVideo      InboundKind = "video"
	KindAudio      InboundKind = "audio"
	KindDocument   InboundKind = "document"
	KindPostback   InboundKind = "postback"
	KindQuickReply InboundKind = "quick_reply"
)

// Key identifies the sender across channels. Work for one key is serialized.
func (m *InboundMessage) Key() string {
	return string(m.Channel) + ":" + m.SenderID
}

// HasMedia reports whether the message carries a downloadable attachment.
func (m *InboundMessage) HasMedia() bool {
	return m.MediaURL != "" || m.MediaID != ""
}

// MessageType maps the provider kind to the transcript type.
func (m *InboundMessage) MessageType() MessageType {
	switch m.Kind {
	case KindImage:
		return MessageImage
	case KindVideo:
		return MessageVideo
	case KindAudio:
		return MessageAudio
	case KindDocument:
		return MessageDocument
	default:
		return MessageText
	}
}

// Validate rejeita payloads sem remetente ou sem conteúdo aproveitável.
func (m *InboundMessage) Validate() error {
	if strings.TrimSpace(m.SenderID) == "" {
		return &ErrMalformedPayload{Field: "sender", Reason: "missing sender identity"}
	}
	if strings.TrimSpace(m.Text) == "" && !m.HasMedia() {
		return &ErrMalformedPayload{Field: "text", Reason: "no text or media"}
	}
	if m.Channel != ChannelWhatsApp && m.Channel != ChannelInstagram {
		return &ErrMalformedPayload{Field: "channel", Reason: "unknown channel " + string(m.Channel)}
	}
	return nil
}
