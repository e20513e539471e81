package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/boddenberg/clinic-frontline-go/internal/domain"
	"github.com/boddenberg/clinic-frontline-go/internal/infra/resilience"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

var tracer = otel.Tracer("client")

const maxMediaBytes = 25 << 20

// GraphConfig holds the Meta Graph API settings of both channels.
type GraphConfig struct {
	BaseURL               string
	WhatsAppToken         string
	WhatsAppPhoneNumberID string
	InstagramToken        string
}

// GraphClient sends replies and downloads media through the Meta Graph API.
type GraphClient struct {
	httpClient *http.Client
	gcfg       GraphConfig
	cb         *gobreaker.CircuitBreaker
	cfg        resilience.Config
}

// NewGraphClient creates a new GraphClient.
func NewGraphClient(httpClient *http.Client, gcfg GraphConfig, cb *gobreaker.CircuitBreaker, cfg resilience.Config) *GraphClient {
	gcfg.BaseURL = strings.TrimRight(gcfg.BaseURL, "/")
	return &GraphClient{httpClient: httpClient, gcfg: gcfg, cb: cb, cfg: cfg}
}

// SendText delivers text to the recipient and returns the provider message id.
func (c *GraphClient) SendText(ctx context.Context, channel domain.Channel, to, text string) (string, error) {
	ctx, span := tracer.Start(ctx, "GraphClient.SendText")
	defer span.End()
	span.SetAttributes(attribute.String("channel", string(channel)))

	var (
		url     string
		token   string
		payload any
	)
	switch channel {
	case domain.ChannelWhatsApp:
		url = fmt.Sprintf("%s/%s/messages", c.gcfg.BaseURL, c.gcfg.WhatsAppPhoneNumberID)
		token = c.gcfg.WhatsAppToken
		payload = map[string]any{
			"messaging_product": "whatsapp",
			"to":                to,
			"type":              "text",
			"text":              map[string]string{"body": text},
		}
	case domain.ChannelInstagram:
		url = fmt.Sprintf("%s/me/messages", c.gcfg.BaseURL)
		token = c.gcfg.InstagramToken
		payload = map[string]any{
			"recipient": map[string]string{"id": to},
			"message":   map[string]string{"text": text},
		}
	default:
		return "", &domain.ErrValidation{Field: "channel", Message: "unknown channel " + string(channel)}
	}

	var out struct {
		MessageID string `json:"message_id"`
		Messages  []struct {
			ID string `json:"id"`
		} `json:"messages"`
	}
	err := c.call(ctx, func() error {
		body, err := json.Marshal(payload)
		if err != nil {
			return resilience.Permanent(err)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return resilience.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+token)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if err := statusErr(resp, "graph send"); err != nil {
			return err
		}
		return json.NewDecoder(resp.Body).Decode(&out)
	})
	if err != nil {
		return "", &domain.ErrExternalService{Service: "graph/" + string(channel), Err: err}
	}

	if len(out.Messages) > 0 {
		return out.Messages[0].ID, nil
	}
	return out.MessageID, nil
}

// Fetch downloads the attachment of msg. WhatsApp media is resolved from its
// id first; Instagram attachments come with a CDN URL.
func (c *GraphClient) Fetch(ctx context.Context, msg *domain.InboundMessage) ([]byte, string, error) {
	ctx, span := tracer.Start(ctx, "GraphClient.Fetch")
	defer span.End()

	url, token := msg.MediaURL, ""
	if msg.Channel == domain.ChannelWhatsApp {
		token = c.gcfg.WhatsAppToken
		if url == "" {
			resolved, err := c.resolveMedia(ctx, msg.MediaID)
			if err != nil {
				return nil, "", err
			}
			url = resolved
		}
	}
	if url == "" {
		return nil, "", &domain.ErrValidation{Field: "media", Message: "no media url or id"}
	}

	var (
		data        []byte
		contentType string
	)
	err := c.call(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return resilience.Permanent(err)
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		resp, err := c.httpClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if err := statusErr(resp, "media download"); err != nil {
			return err
		}
		data, err = io.ReadAll(io.LimitReader(resp.Body, maxMediaBytes))
		contentType = resp.Header.Get("Content-Type")
		return err
	})
	if err != nil {
		return nil, "", &domain.ErrExternalService{Service: "graph/media", Err: err}
	}
	return data, contentType, nil
}

func (c *GraphClient) resolveMedia(ctx context.Context, mediaID string) (string, error) {
	var out struct {
		URL string `json:"url"`
	}
	err := c.call(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s/%s", c.gcfg.BaseURL, mediaID), nil)
		if err != nil {
			return resilience.Permanent(err)
		}
		req.Header.Set("Authorization", "Bearer "+c.gcfg.WhatsAppToken)
		resp, err := c.httpClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if err := statusErr(resp, "media lookup"); err != nil {
			return err
		}
		return json.NewDecoder(resp.Body).Decode(&out)
	})
	if err != nil {
		return "", &domain.ErrExternalService{Service: "graph/media", Err: err}
	}
	return out.URL, nil
}

func (c *GraphClient) call(ctx context.Context, fn func() error) error {
	_, err := c.cb.Execute(func() (any, error) {
		return nil, resilience.RetryWithBackoff(ctx, c.cfg, fn)
	})
	return err
}

// statusErr turns a non-2xx response into an error. 4xx are permanent.
func statusErr(resp *http.Response, op string) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	err := fmt.Errorf("%s returned status %d: %s", op, resp.StatusCode, strings.TrimSpace(string(body)))
	if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
		return resilience.Permanent(err)
	}
	return err
}
