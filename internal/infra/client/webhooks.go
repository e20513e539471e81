package client

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/boddenberg/clinic-frontline-go/internal/domain"
)

// ParseResult holds the messages extracted from one webhook delivery and how
// many entries were skipped as malformed.
type ParseResult struct {
	Messages  []domain.InboundMessage
	Malformed int
}

func (r *ParseResult) add(msg domain.InboundMessage) {
	if err := msg.Validate(); err != nil {
		r.Malformed++
		return
	}
	r.Messages = append(r.Messages, msg)
}

// ============================================================
// WhatsApp Cloud API
// ============================================================

type waPayload struct {
	Entry []struct {
		Changes []struct {
			Value struct {
				Contacts []struct {
					WaID    string `json:"wa_id"`
					Profile struct {
						Name string `json:"name"`
					} `json:"profile"`
				} `json:"contacts"`
				Messages []waMessage `json:"messages"`
			} `json:"value"`
		} `json:"changes"`
	} `json:"entry"`
}

type waMedia struct {
	ID       string `json:"id"`
	MimeType string `json:"mime_type"`
	Caption  string `json:"caption"`
	Filename string `json:"filename"`
}

type waMessage struct {
	From      string `json:"from"`
	ID        string `json:"id"`
	Timestamp string `json:"timestamp"`
	Type      string `json:"type"`
	Text      *struct {
		Body string `json:"body"`
	} `json:"text"`
	Button *struct {
		Text    string `json:"text"`
		Payload string `json:"payload"`
	} `json:"button"`
	Interactive *struct {
		ButtonReply *struct {
			ID    string `json:"id"`
			Title string `json:"title"`
		} `json:"button_reply"`
		ListReply *struct {
			ID    string `json:"id"`
			Title string `json:"title"`
		} `json:"list_reply"`
	} `json:"interactive"`
	Image    *waMedia `json:"image"`
	Video    *waMedia `json:"video"`
	Audio    *waMedia `json:"audio"`
	Document *waMedia `json:"document"`
}

// ParseWhatsApp extracts the inbound messages of a WhatsApp webhook body.
// Status callbacks carry no messages and yield an empty result.
func ParseWhatsApp(body []byte) (*ParseResult, error) {
	var p waPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, &domain.ErrMalformedPayload{Field: "body", Reason: err.Error()}
	}

	res := &ParseResult{}
	for _, entry := range p.Entry {
		for _, change := range entry.Changes {
			names := map[string]string{}
			for _, c := range change.Value.Contacts {
				names[c.WaID] = c.Profile.Name
			}
			for _, m := range change.Value.Messages {
				res.add(waInbound(m, names[m.From]))
			}
		}
	}
	return res, nil
}

func waInbound(m waMessage, profileName string) domain.InboundMessage {
	msg := domain.InboundMessage{
		Channel:    domain.ChannelWhatsApp,
		SenderID:   m.From,
		ExternalID: m.ID,
		Kind:       domain.KindText,
		Metadata:   map[string]any{"wa_type": m.Type},
	}
	if profileName != "" {
		msg.Metadata["profile_name"] = profileName
	}
	if secs, err := strconv.ParseInt(m.Timestamp, 10, 64); err == nil {
		msg.Timestamp = time.Unix(secs, 0).UTC()
	}

	media := func(kind domain.InboundKind, md *waMedia) {
		msg.Kind = kind
		msg.MediaID = md.ID
		msg.MimeType = md.MimeType
		msg.Text = md.Caption
		if md.Filename != "" {
			msg.Metadata["filename"] = md.Filename
		}
	}

	switch {
	case m.Text != nil:
		msg.Text = m.Text.Body
	case m.Button != nil:
		msg.Kind = domain.KindQuickReply
		msg.Text = m.Button.Text
		msg.Metadata["payload"] = m.Button.Payload
	case m.Interactive != nil && m.Interactive.ButtonReply != nil:
		msg.Kind = domain.KindQuickReply
		msg.Text = m.Interactive.ButtonReply.Title
		msg.Metadata["payload"] = m.Interactive.ButtonReply.ID
	case m.Interactive != nil && m.Interactive.ListReply != nil:
		msg.Kind = domain.KindQuickReply
		msg.Text = m.Interactive.ListReply.Title
		msg.Metadata["payload"] = m.Interactive.ListReply.ID
	case m.Image != nil:
		media(domain.KindImage, m.Image)
	case m.Video != nil:
		media(domain.KindVideo, m.Video)
	case m.Audio != nil:
		media(domain.KindAudio, m.Audio)
	case m.Document != nil:
		media(domain.KindDocument, m.Document)
	}
	return msg
}

// ============================================================
// Instagram Messaging
// ============================================================

type igPayload struct {
	Object string `json:"object"`
	Entry  []struct {
		ID        string        `json:"id"`
		Messaging []igMessaging `json:"messaging"`
	} `json:"entry"`
}

type igMessaging struct {
	Sender struct {
		ID string `json:"id"`
	} `json:"sender"`
	Recipient struct {
		ID string `json:"id"`
	} `json:"recipient"`
	Timestamp int64 `json:"timestamp"`
	Message   *struct {
		Mid         string `json:"mid"`
		Text        string `json:"text"`
		IsEcho      bool   `json:"is_echo"`
		Attachments []struct {
			Type    string `json:"type"`
			Payload struct {
				URL string `json:"url"`
			} `json:"payload"`
		} `json:"attachments"`
		QuickReply *struct {
			Payload string `json:"payload"`
		} `json:"quick_reply"`
	} `json:"message"`
	Postback *struct {
		Mid     string `json:"mid"`
		Title   string `json:"title"`
		Payload string `json:"payload"`
	} `json:"postback"`
}

// ParseInstagram extracts the inbound messages of an Instagram webhook body.
// Echoes of the page's own messages are ignored.
func ParseInstagram(body []byte) (*ParseResult, error) {
	var p igPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, &domain.ErrMalformedPayload{Field: "body", Reason: err.Error()}
	}

	res := &ParseResult{}
	for _, entry := range p.Entry {
		for _, ev := range entry.Messaging {
			if ev.Message != nil && ev.Message.IsEcho {
				continue
			}
			res.add(igInbound(ev))
		}
	}
	return res, nil
}

func igInbound(ev igMessaging) domain.InboundMessage {
	msg := domain.InboundMessage{
		Channel:  domain.ChannelInstagram,
		SenderID: ev.Sender.ID,
		Kind:     domain.KindText,
		Metadata: map[string]any{"recipient_id": ev.Recipient.ID},
	}
	if ev.Timestamp > 0 {
		msg.Timestamp = time.UnixMilli(ev.Timestamp).UTC()
	}

	switch {
	case ev.Postback != nil:
		msg.Kind = domain.KindPostback
		msg.ExternalID = ev.Postback.Mid
		msg.Text = firstNonEmpty(ev.Postback.Title, ev.Postback.Payload)
		msg.Metadata["payload"] = ev.Postback.Payload

	case ev.Message != nil && ev.Message.QuickReply != nil:
		msg.Kind = domain.KindQuickReply
		msg.ExternalID = ev.Message.Mid
		msg.Text = firstNonEmpty(ev.Message.Text, ev.Message.QuickReply.Payload)
		msg.Metadata["payload"] = ev.Message.QuickReply.Payload

	case ev.Message != nil:
		msg.ExternalID = ev.Message.Mid
		msg.Text = ev.Message.Text
		if len(ev.Message.Attachments) > 0 {
			att := ev.Message.Attachments[0]
			msg.MediaURL = att.Payload.URL
			switch att.Type {
			case "image":
				msg.Kind = domain.KindImage
			case "video":
				msg.Kind = domain.KindVideo
			case "audio":
				msg.Kind = domain.KindAudio
			default:
				msg.Kind = domain.KindDocument
			}
			msg.Metadata["attachment_type"] = att.Type
		}
	}
	return msg
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// VerifySubscription checks a webhook verification handshake and returns the
// challenge to echo.
func VerifySubscription(mode, token, challenge, expected string) (string, error) {
	if mode != "subscribe" || expected == "" || token != expected {
		return "", &domain.ErrForbidden{Action: fmt.Sprintf("webhook verification (mode=%q)", mode)}
	}
	return challenge, nil
}
