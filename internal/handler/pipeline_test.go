package handler_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/boddenberg/clinic-frontline-go/internal/domain"
	"github.com/boddenberg/clinic-frontline-go/internal/service"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func whatsappPayload(from string, msgs ...[2]string) string {
	var items []string
	for _, m := range msgs {
		items = append(items, fmt.Sprintf(
			`{"from":%q,"id":%q,"timestamp":"%d","type":"text","text":{"body":%q}}`,
			from, m[0], time.Now().Unix(), m[1]))
	}
	return fmt.Sprintf(`{"object":"whatsapp_business_account","entry":[{"changes":[{"value":{
		"contacts":[{"wa_id":%q,"profile":{"name":"Ana"}}],
		"messages":[%s]}}]}]}`, from, strings.Join(items, ","))
}

// drain waits for every submitted job to finish.
func (s *stack) drain(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.dispatcher.Shutdown(ctx))
}

// triage transfers complaints and answers everything else.
func triage(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Message string `json:"message"`
	}
	json.NewDecoder(r.Body).Decode(&req)
	out := greeting
	if strings.Contains(strings.ToLower(req.Message), "reclamação") {
		out = domain.AssistantOutput{
			Message:    "Sinto muito pelo ocorrido. Vou chamar um atendente.",
			Intent:     domain.IntentComplaint,
			Action:     domain.ActionTransferHuman,
			Confidence: 0.9,
		}
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(out)
}

func TestPipeline_WhatsAppOrderingAndRedelivery(t *testing.T) {
	s := newStack(t, triage, nil)
	payload := whatsappPayload("5592991110000",
		[2]string{"wamid.A", "Oi"},
		[2]string{"wamid.B", "Vocês atendem sábado?"},
	)

	for i := 0; i < 2; i++ {
		rec := s.do(http.MethodPost, "/webhooks/whatsapp", "", payload)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `{"received":true}`, rec.Body.String())
	}
	s.drain(t)

	assert.Len(t, s.graph.Sent(), 2, "redelivered messages must not be answered twice")

	conv, err := s.conversations.FindByPhone(context.Background(), "5592991110000")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusBotQueue, conv.Status)

	msgs, err := s.messages.ListByConversation(context.Background(), conv.ID, 0, false)
	require.NoError(t, err)
	require.Len(t, msgs, 4)
	var user []string
	bot := 0
	for _, m := range msgs {
		switch m.Origin {
		case domain.OriginUser:
			user = append(user, m.Body)
		case domain.OriginBot:
			bot++
		}
	}
	assert.Equal(t, []string{"Oi", "Vocês atendem sábado?"}, user)
	assert.Equal(t, 2, bot)

	snap := s.metrics.GetEngineSnapshot()
	assert.Equal(t, int64(2), snap.InboundProcessed)
	assert.Equal(t, int64(2), snap.InboundDuplicates)
}

func TestPipeline_InstagramSkipsEchoes(t *testing.T) {
	s := newStack(t, triage, nil)
	payload := `{"object":"instagram","entry":[{"messaging":[
		{"sender":{"id":"page-1"},"recipient":{"id":"ig-user-9"},"timestamp":1700000000000,"message":{"mid":"m-echo","text":"resposta","is_echo":true}},
		{"sender":{"id":"ig-user-9"},"recipient":{"id":"page-1"},"timestamp":1700000001000,"message":{"mid":"m-1","text":"oi"}}
	]}]}`

	rec := s.do(http.MethodPost, "/webhooks/instagram", "", payload)
	require.Equal(t, http.StatusOK, rec.Code)
	s.drain(t)

	sent := s.graph.Sent()
	require.Len(t, sent, 1)
	recipient, _ := sent[0]["recipient"].(map[string]any)
	assert.Equal(t, "ig-user-9", recipient["id"])
}

func TestPipeline_TransferClaimTimeout(t *testing.T) {
	s := newStack(t, triage, nil)
	const phone = "5592993330000"

	s.do(http.MethodPost, "/webhooks/whatsapp", "", whatsappPayload(phone, [2]string{"wamid.1", "Tenho uma reclamação"}))
	require.Eventually(t, func() bool {
		conv, err := s.conversations.FindByPhone(context.Background(), phone)
		return err == nil && conv.Status == domain.StatusPriorityQueue
	}, 5*time.Second, 10*time.Millisecond, "complaint must land in the priority queue")

	conv, _ := s.conversations.FindByPhone(context.Background(), phone)
	agent := s.token(t, "ana", service.RoleAgent)
	boss := s.token(t, "carla", service.RoleSupervisor)

	rec := s.do(http.MethodPost, "/v1/conversations/"+conv.ID+"/claim", agent, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// a patient message while assigned keeps the bot silent
	s.do(http.MethodPost, "/webhooks/whatsapp", "", whatsappPayload(phone, [2]string{"wamid.2", "Alô?"}))
	require.Eventually(t, func() bool {
		msgs, _ := s.messages.ListByConversation(context.Background(), conv.ID, 0, false)
		for _, m := range msgs {
			if m.Body == "Alô?" {
				return true
			}
		}
		return false
	}, 5*time.Second, 10*time.Millisecond)
	assert.Len(t, s.graph.Sent(), 1, "only the transfer message reaches the patient")

	rec = s.do(http.MethodPut, "/v1/inactivity/timeout", boss, `{"timeout_minutes":0.0005}`)
	require.Equal(t, http.StatusOK, rec.Code)
	time.Sleep(50 * time.Millisecond)

	rec = s.do(http.MethodPost, "/v1/inactivity/sweep", boss, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var report service.SweepReport
	decode(t, rec, &report)
	assert.Equal(t, 1, report.Reverted)

	after, err := s.conversations.Get(context.Background(), conv.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPrincipal, after.Status)
	assert.Empty(t, after.AssignedAgentID)

	events := s.events.Recent(conv.ID, 0)
	require.NotEmpty(t, events)
	last := events[len(events)-1]
	assert.Equal(t, service.EventConversationTimeout, last.Type)
	assert.Equal(t, "ana", last.Data["previous_agent_id"])
}
