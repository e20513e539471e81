package supabase

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/boddenberg/clinic-frontline-go/internal/domain"
	"github.com/boddenberg/clinic-frontline-go/internal/infra/resilience"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type recorded struct {
	Method string
	URL    string
	Body   map[string]any
}

// fakePostgREST answers each request with the next scripted response.
type fakePostgREST struct {
	mu        sync.Mutex
	responses []fakeResponse
	calls     []recorded
}

type fakeResponse struct {
	status int
	body   string
}

func (f *fakePostgREST) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	rec := recorded{Method: r.Method, URL: r.URL.String()}
	if b, _ := io.ReadAll(r.Body); len(b) > 0 {
		_ = json.Unmarshal(b, &rec.Body)
	}
	f.calls = append(f.calls, rec)

	resp := fakeResponse{status: http.StatusOK, body: "[]"}
	if len(f.responses) > 0 {
		resp, f.responses = f.responses[0], f.responses[1:]
	}
	w.WriteHeader(resp.status)
	_, _ = w.Write([]byte(resp.body))
}

func newTestClient(t *testing.T, responses ...fakeResponse) (*Client, *fakePostgREST) {
	t.Helper()
	fake := &fakePostgREST{responses: responses}
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	c := NewClient(srv.Client(), srv.URL, "anon", "service", resilience.NewCircuitBreaker("test"),
		resilience.Config{MaxRetries: 1, InitialBackoff: time.Millisecond}, zap.NewNop())
	return c, fake
}

const convRow = `[{"id":"c1","phone":"5511","channel":"whatsapp","status":"EM_ATENDIMENTO","assigned_agent_id":"ag1","last_activity_at":"2024-01-01T10:00:00Z","session_expires_at":"2024-01-02T10:00:00Z","created_at":"2024-01-01T09:00:00Z","version":3}]`

func TestConversationStore_GetNotFound(t *testing.T) {
	c, _ := newTestClient(t, fakeResponse{http.StatusOK, "[]"})
	_, err := NewConversationStore(c).Get(context.Background(), "nope")

	var nf *domain.ErrNotFound
	assert.ErrorAs(t, err, &nf)
}

func TestConversationStore_UpdateIfFiltersOnVersion(t *testing.T) {
	updated := strings.Replace(convRow, `"status":"EM_ATENDIMENTO","assigned_agent_id":"ag1"`, `"status":"PRINCIPAL"`, 1)
	updated = strings.Replace(updated, `"version":3`, `"version":4`, 1)
	c, fake := newTestClient(t,
		fakeResponse{http.StatusOK, convRow},
		fakeResponse{http.StatusOK, updated},
	)

	status := domain.StatusPrincipal
	conv, err := NewConversationStore(c).UpdateIf(context.Background(), "c1",
		domain.UpdateCondition{Status: domain.StatusInService, AgentID: "ag1"},
		domain.ConversationPatch{Status: &status, ClearAgent: true},
	)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPrincipal, conv.Status)

	require.Len(t, fake.calls, 2)
	patch := fake.calls[1]
	assert.Equal(t, http.MethodPatch, patch.Method)
	assert.Contains(t, patch.URL, "version=eq.3")
	assert.Contains(t, patch.URL, "status=eq.EM_ATENDIMENTO")
	assert.Equal(t, float64(4), patch.Body["version"])
	assert.Nil(t, patch.Body["assigned_agent_id"])
	assert.Contains(t, patch.Body, "assigned_agent_id")
}

func TestConversationStore_UpdateIfLostRace(t *testing.T) {
	c, _ := newTestClient(t,
		fakeResponse{http.StatusOK, convRow},
		fakeResponse{http.StatusOK, "[]"},
	)

	status := domain.StatusPrincipal
	_, err := NewConversationStore(c).UpdateIf(context.Background(), "c1",
		domain.UpdateCondition{Status: domain.StatusInService},
		domain.ConversationPatch{Status: &status, ClearAgent: true},
	)
	var stale *domain.ErrStaleState
	assert.ErrorAs(t, err, &stale)
}

func TestConversationStore_UpdateIfConditionFailsLocally(t *testing.T) {
	c, fake := newTestClient(t, fakeResponse{http.StatusOK, convRow})

	status := domain.StatusClosed
	_, err := NewConversationStore(c).UpdateIf(context.Background(), "c1",
		domain.UpdateCondition{Status: domain.StatusInService, AgentID: "someone-else"},
		domain.ConversationPatch{Status: &status, ClearAgent: true},
	)
	var stale *domain.ErrStaleState
	assert.ErrorAs(t, err, &stale)
	assert.Len(t, fake.calls, 1, "no PATCH when the condition already fails")
}

func TestDedupStore_ConflictIsDuplicate(t *testing.T) {
	c, _ := newTestClient(t,
		fakeResponse{http.StatusCreated, ""},
		fakeResponse{http.StatusConflict, `{"code":"23505"}`},
	)
	d := NewDedupStore(c)

	ok, err := d.Claim(context.Background(), "dedup:whatsapp:x", 5*time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = d.Claim(context.Background(), "dedup:whatsapp:x", 5*time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDedupStore_Release(t *testing.T) {
	c, fake := newTestClient(t, fakeResponse{http.StatusNoContent, ""})

	require.NoError(t, NewDedupStore(c).Release(context.Background(), "dedup:whatsapp:x"))
	require.Len(t, fake.calls, 1)
	assert.Equal(t, http.MethodDelete, fake.calls[0].Method)
	assert.Contains(t, fake.calls[0].URL, "message_dedup?dedup_key=eq.dedup%3Awhatsapp%3Ax")
}

func TestMessageStore_FindByExternalIDScopesChannel(t *testing.T) {
	c, fake := newTestClient(t,
		fakeResponse{http.StatusOK, `[{"id":"m1","external_id":"mid.1","channel":"instagram"}]`},
		fakeResponse{http.StatusOK, "[]"},
	)
	s := NewMessageStore(c)
	since := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)

	found, err := s.FindByExternalID(context.Background(), domain.ChannelInstagram, "mid.1", since)
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, domain.ChannelInstagram, found.Channel)
	assert.Contains(t, fake.calls[0].URL, "channel=eq.instagram")

	_, err = s.FindByExternalID(context.Background(), "", "mid.1", since)
	require.NoError(t, err)
	assert.NotContains(t, fake.calls[1].URL, "channel=")
}

func TestConversationStore_ListPreviousEscapesExcludedID(t *testing.T) {
	c, fake := newTestClient(t, fakeResponse{http.StatusOK, "[]"})

	_, err := NewConversationStore(c).ListPreviousByPhone(context.Background(), "5511", "a&limit=1000,b", 3)
	require.NoError(t, err)
	require.Len(t, fake.calls, 1)
	assert.Contains(t, fake.calls[0].URL, "id=neq.a%26limit%3D1000%2Cb")
	assert.Contains(t, fake.calls[0].URL, "&limit=3")
	assert.NotContains(t, fake.calls[0].URL, "limit=1000")
}

func TestClient_ServerErrorIsRetried(t *testing.T) {
	c, fake := newTestClient(t,
		fakeResponse{http.StatusBadGateway, "boom"},
		fakeResponse{http.StatusOK, `[{"phone":"5511","name":"Maria"}]`},
	)

	p, err := NewPatientStore(c).FindByPhone(context.Background(), "5511")
	require.NoError(t, err)
	assert.Equal(t, "Maria", p.Name)
	assert.Len(t, fake.calls, 2)
}

func TestClient_ClientErrorNotRetried(t *testing.T) {
	c, fake := newTestClient(t, fakeResponse{http.StatusBadRequest, "bad filter"})

	_, err := NewPatientStore(c).FindByPhone(context.Background(), "5511")
	assert.Error(t, err)
	assert.Len(t, fake.calls, 1)
}

func TestPatientStore_CreateConflict(t *testing.T) {
	c, _ := newTestClient(t, fakeResponse{http.StatusConflict, `{"code":"23505"}`})

	_, err := NewPatientStore(c).Create(context.Background(), &domain.Patient{Phone: "5511", Name: "Maria"})
	var conflict *domain.ErrConflict
	assert.ErrorAs(t, err, &conflict)
}

func TestMessageStore_NewestIsAscending(t *testing.T) {
	c, fake := newTestClient(t, fakeResponse{http.StatusOK,
		`[{"id":"m3","timestamp":"2024-01-01T10:03:00Z"},{"id":"m2","timestamp":"2024-01-01T10:02:00Z"}]`})

	msgs, err := NewMessageStore(c).ListByConversation(context.Background(), "c1", 2, true)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "m2", msgs[0].ID)
	assert.Equal(t, "m3", msgs[1].ID)
	assert.Contains(t, fake.calls[0].URL, "order=timestamp.desc")
}
