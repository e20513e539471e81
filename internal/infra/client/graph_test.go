package client_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/boddenberg/clinic-frontline-go/internal/domain"
	"github.com/boddenberg/clinic-frontline-go/internal/infra/client"
	"github.com/boddenberg/clinic-frontline-go/internal/infra/resilience"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fastRetry = resilience.Config{MaxRetries: 2, InitialBackoff: time.Millisecond}

func newGraph(t *testing.T, h http.Handler) *client.GraphClient {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return client.NewGraphClient(srv.Client(), client.GraphConfig{
		BaseURL:               srv.URL,
		WhatsAppToken:         "wa-token",
		WhatsAppPhoneNumberID: "phone-1",
		InstagramToken:        "ig-token",
	}, resilience.NewCircuitBreaker(t.Name()), fastRetry)
}

func TestGraphClient_SendText_WhatsApp(t *testing.T) {
	var got map[string]any
	g := newGraph(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/phone-1/messages", r.URL.Path)
		assert.Equal(t, "Bearer wa-token", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Write([]byte(`{"messages":[{"id":"wamid.OUT"}]}`))
	}))

	id, err := g.SendText(context.Background(), domain.ChannelWhatsApp, "5592999990000", "Olá!")
	require.NoError(t, err)
	assert.Equal(t, "wamid.OUT", id)
	assert.Equal(t, "whatsapp", got["messaging_product"])
	assert.Equal(t, "5592999990000", got["to"])
}

func TestGraphClient_SendText_Instagram(t *testing.T) {
	g := newGraph(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/me/messages", r.URL.Path)
		assert.Equal(t, "Bearer ig-token", r.Header.Get("Authorization"))
		w.Write([]byte(`{"recipient_id":"ig-user-1","message_id":"m_out"}`))
	}))

	id, err := g.SendText(context.Background(), domain.ChannelInstagram, "ig-user-1", "Olá!")
	require.NoError(t, err)
	assert.Equal(t, "m_out", id)
}

func TestGraphClient_SendText_ClientErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	g := newGraph(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, `{"error":{"message":"invalid recipient"}}`, http.StatusBadRequest)
	}))

	_, err := g.SendText(context.Background(), domain.ChannelWhatsApp, "x", "oi")
	var ext *domain.ErrExternalService
	require.ErrorAs(t, err, &ext)
	assert.Equal(t, int32(1), calls.Load())
}

func TestGraphClient_SendText_ServerErrorRetried(t *testing.T) {
	var calls atomic.Int32
	g := newGraph(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"messages":[{"id":"wamid.LATE"}]}`))
	}))

	id, err := g.SendText(context.Background(), domain.ChannelWhatsApp, "x", "oi")
	require.NoError(t, err)
	assert.Equal(t, "wamid.LATE", id)
	assert.Equal(t, int32(3), calls.Load())
}

func TestGraphClient_SendText_UnknownChannel(t *testing.T) {
	g := newGraph(t, http.NotFoundHandler())
	_, err := g.SendText(context.Background(), domain.Channel("sms"), "x", "oi")
	var v *domain.ErrValidation
	assert.ErrorAs(t, err, &v)
}

func TestGraphClient_Fetch_ResolvesWhatsAppMedia(t *testing.T) {
	mux := http.NewServeMux()
	var base string
	mux.HandleFunc("/media-1", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer wa-token", r.Header.Get("Authorization"))
		json.NewEncoder(w).Encode(map[string]string{"url": base + "/download/media-1"})
	})
	mux.HandleFunc("/download/media-1", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/jpeg")
		w.Write([]byte("jpeg-bytes"))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()
	base = srv.URL

	g := client.NewGraphClient(srv.Client(), client.GraphConfig{BaseURL: srv.URL, WhatsAppToken: "wa-token"},
		resilience.NewCircuitBreaker("fetch"), fastRetry)

	data, ct, err := g.Fetch(context.Background(), &domain.InboundMessage{
		Channel: domain.ChannelWhatsApp, SenderID: "1", MediaID: "media-1", Kind: domain.KindImage,
	})
	require.NoError(t, err)
	assert.Equal(t, "jpeg-bytes", string(data))
	assert.Equal(t, "image/jpeg", ct)
}

func TestGraphClient_Fetch_InstagramURL(t *testing.T) {
	g := newGraph(t, http.NotFoundHandler())
	cdn := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get("Authorization"), "CDN urls are pre-signed")
		w.Header().Set("Content-Type", "video/mp4")
		w.Write([]byte("mp4"))
	}))
	defer cdn.Close()

	data, ct, err := g.Fetch(context.Background(), &domain.InboundMessage{
		Channel: domain.ChannelInstagram, SenderID: "ig", MediaURL: cdn.URL + "/clip.mp4", Kind: domain.KindVideo,
	})
	require.NoError(t, err)
	assert.Equal(t, "mp4", string(data))
	assert.Equal(t, "video/mp4", ct)
}

func TestGraphClient_Fetch_NoSource(t *testing.T) {
	g := newGraph(t, http.NotFoundHandler())
	_, _, err := g.Fetch(context.Background(), &domain.InboundMessage{Channel: domain.ChannelInstagram, SenderID: "ig"})
	var v *domain.ErrValidation
	assert.ErrorAs(t, err, &v)
}
