package planner

import (
	"context"
	"fmt"
	"strings"

	"github.com/corvynix/voxctl/pkg/models"
)

// IntentType is Stage A's classification.
type IntentType string

const (
	IntentConversational IntentType = "conversational"
	IntentAction         IntentType = "action"
)

type intentResult struct {
	Type       IntentType `json:"type"`
	Confidence float64    `json:"confidence"`
	Reasoning  string     `json:"reasoning"`
}

type stageBStep struct {
	Service     string         `json:"service"`
	Tool        string         `json:"tool"`
	Params      map[string]any `json:"params"`
	IterateOver string         `json:"iterateOver,omitempty"`
	Reasoning   string         `json:"reasoning,omitempty"`
}

type stageBResult struct {
	SelectedTools         []stageBStep `json:"selectedTools"`
	ExecutionPlan         string       `json:"executionPlan"`
	Confidence            float64      `json:"confidence"`
	NeedsClarification    bool         `json:"needsClarification"`
	ClarificationQuestion string       `json:"clarificationQuestion,omitempty"`
}

// Registry is the compact provider->tools view the Planner's Stage B
// prompt is built from (a JSON-serializable projection of the Connection
// Manager's connected handles and their discovered tool schemas).
type Registry map[string][]models.ToolSchema

// Planner runs the two-stage LLM oracle described in §4.7.
type Planner struct {
	client *Client
}

// New constructs a Planner around an already-configured Client.
func New(client *Client) *Planner {
	return &Planner{client: client}
}

// ClassifyIntent runs Stage A. On JSON parse failure it defaults to
// IntentAction — a safe fallback since Stage B will ask for clarification
// rather than silently acting on a misparsed query.
func (p *Planner) ClassifyIntent(ctx context.Context, query, contextBlock string) (IntentType, error) {
	raw, err := p.client.completeJSON(ctx, intentRouterSystemPrompt, buildIntentUserPrompt(query, contextBlock))
	if err != nil {
		return IntentAction, err
	}

	result, err := decodeStrict[intentResult](raw)
	if err != nil || result.Type == "" {
		return IntentAction, nil
	}
	return result.Type, nil
}

// ConversationalReply generates the short natural-language reply (≤ 15
// words) the Facade returns without ever contacting the registry.
func (p *Planner) ConversationalReply(ctx context.Context, query, contextBlock string) (string, error) {
	reply, err := p.client.completeJSON(ctx, conversationalReplySystemPrompt, buildIntentUserPrompt(query, contextBlock))
	if err != nil {
		return "I'm here to help — what would you like to do?", err
	}
	return strings.TrimSpace(reply), nil
}

// Synthesize runs Stage B: given the compact registry, the query, and the
// context block, produce a Plan. A JSON parse failure degrades to
// NeedsClarification with a generic rephrase question rather than
// propagating an error, per §4.7.
func (p *Planner) Synthesize(ctx context.Context, registry Registry, query, contextBlock string) (models.Plan, error) {
	userPrompt := buildStageBUserPrompt(registry, query, contextBlock)

	raw, err := p.client.completeJSON(ctx, planSynthesizerSystemPrompt, userPrompt)
	if err != nil {
		return models.Plan{}, err
	}

	result, err := decodeStrict[stageBResult](raw)
	if err != nil {
		return models.Plan{
			NeedsClarification:    true,
			ClarificationQuestion: "I didn't quite catch that — could you rephrase what you'd like me to do?",
		}, nil
	}

	if err := validateStageB(registry, result); err != nil {
		return models.Plan{
			NeedsClarification:    true,
			ClarificationQuestion: fmt.Sprintf("I couldn't build a valid plan (%v) — could you rephrase?", err),
		}, nil
	}

	plan := models.Plan{
		NeedsClarification:    result.NeedsClarification,
		Confidence:            result.Confidence,
		ClarificationQuestion: result.ClarificationQuestion,
		Rationale:             result.ExecutionPlan,
	}
	for _, s := range result.SelectedTools {
		plan.Steps = append(plan.Steps, models.PlanStep{
			Provider:    s.Service,
			Tool:        s.Tool,
			Params:      s.Params,
			IterateOver: s.IterateOver,
			Reasoning:   s.Reasoning,
		})
	}
	return plan, nil
}

// validateStageB enforces the contractual constraints from §4.7: every
// selected service/tool pair must exist in the registry the prompt was
// built from — the Planner is not allowed to invent names.
func validateStageB(registry Registry, result stageBResult) error {
	if result.NeedsClarification {
		return nil
	}
	for _, step := range result.SelectedTools {
		tools, ok := registry[step.Service]
		if !ok {
			return fmt.Errorf("unknown service %q", step.Service)
		}
		found := false
		for _, t := range tools {
			if t.Name == step.Tool {
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("unknown tool %q for service %q", step.Tool, step.Service)
		}
	}
	return nil
}
