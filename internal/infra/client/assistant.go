package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/boddenberg/clinic-frontline-go/internal/domain"
	"github.com/boddenberg/clinic-frontline-go/internal/infra/resilience"
	"github.com/boddenberg/clinic-frontline-go/internal/port"

	"github.com/invopop/jsonschema"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel/attribute"
)

var (
	outputSchemaOnce sync.Once
	outputSchema     json.RawMessage
)

// OutputSchema returns the JSON schema of domain.AssistantOutput. The
// language model service uses it as its structured-output contract.
func OutputSchema() json.RawMessage {
	outputSchemaOnce.Do(func() {
		r := &jsonschema.Reflector{
			AllowAdditionalProperties:  false,
			ExpandedStruct:             true,
			DoNotReference:             true,
			RequiredFromJSONSchemaTags: true,
		}
		s := r.Reflect(&domain.AssistantOutput{})
		s.Title = "AssistantOutput"
		s.Description = "Structured answer of the clinic assistant for one patient turn"
		outputSchema, _ = s.MarshalJSON()
	})
	return outputSchema
}

// assistantPayload is the wire request of the language model service.
type assistantPayload struct {
	*port.AssistantRequest
	ResponseSchema json.RawMessage `json:"response_schema"`
}

// AssistantClient calls the language model service.
type AssistantClient struct {
	httpClient *http.Client
	baseURL    string
	cb         *gobreaker.CircuitBreaker
	cfg        resilience.Config
}

// NewAssistantClient creates a new AssistantClient.
func NewAssistantClient(httpClient *http.Client, baseURL string, cb *gobreaker.CircuitBreaker, cfg resilience.Config) *AssistantClient {
	return &AssistantClient{
		httpClient: httpClient,
		baseURL:    strings.TrimRight(baseURL, "/"),
		cb:         cb,
		cfg:        cfg,
	}
}

// Generate asks the assistant for the structured answer of one turn.
func (c *AssistantClient) Generate(ctx context.Context, req *port.AssistantRequest) (*domain.AssistantOutput, error) {
	ctx, span := tracer.Start(ctx, "AssistantClient.Generate")
	defer span.End()
	span.SetAttributes(attribute.String("conversation.id", req.ConversationID))

	body, err := json.Marshal(assistantPayload{AssistantRequest: req, ResponseSchema: OutputSchema()})
	if err != nil {
		return nil, err
	}

	var out domain.AssistantOutput
	_, err = c.cb.Execute(func() (any, error) {
		return nil, resilience.RetryWithBackoff(ctx, c.cfg, func() error {
			url := fmt.Sprintf("%s/v1/assistant/generate", c.baseURL)
			httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
			if err != nil {
				return resilience.Permanent(err)
			}
			httpReq.Header.Set("Content-Type", "application/json")

			resp, err := c.httpClient.Do(httpReq)
			if err != nil {
				return err
			}
			defer resp.Body.Close()

			if err := statusErr(resp, "assistant API"); err != nil {
				return err
			}
			if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
				return resilience.Permanent(fmt.Errorf("decode assistant output: %w", err))
			}
			return nil
		})
	})
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, &domain.ErrTimeout{Operation: "assistant"}
		}
		return nil, &domain.ErrExternalService{Service: "assistant", Err: err}
	}

	normalizeOutput(&out)
	span.SetAttributes(
		attribute.String("intent", string(out.Intent)),
		attribute.String("action", string(out.Action)),
	)
	return &out, nil
}

// normalizeOutput clamps values the router depends on.
func normalizeOutput(out *domain.AssistantOutput) {
	switch {
	case out.Confidence < 0:
		out.Confidence = 0
	case out.Confidence > 1:
		out.Confidence = 1
	}
	if out.Intent == "" {
		out.Intent = domain.IntentFreeTalk
	}
	if out.Action == "" {
		out.Action = domain.ActionContinue
	}
}
