// Package recovery implements the RecoveryPlanner: invoked only on audit
// FAIL, it produces a short remediation plan constrained to
// blocking findings, never proposing renames, restructures, or "start
// over". On planner error the Orchestrator falls back to a generic
// message — Plan's caller handles that fallback, not this package, so a
// planner failure here is a plain Go error.
package recovery

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"forgeguard/internal/audit"
	"forgeguard/internal/llm"
	"forgeguard/internal/logging"

	"go.uber.org/zap"
)

const maxPlanItems = 5

// Item is one remediation step.
type Item struct {
	File    string `json:"file"`
	Action  string `json:"action"`
}

// Plan is the recovery plan injected as a user-role turn on loopback.
// Token counts are carried so the orchestrator can log the planner call as
// its own cost row (phase + "(planner)").
type Plan struct {
	Items []Item `json:"items"`

	InputTokens  int `json:"-"`
	OutputTokens int `json:"-"`
}

// AsUserTurn renders the plan as the text injected into the conversation.
func (p *Plan) AsUserTurn() string {
	var b strings.Builder
	b.WriteString("The previous phase failed audit. Address only these items:\n")
	for i, item := range p.Items {
		fmt.Fprintf(&b, "%d. [%s] %s\n", i+1, item.File, item.Action)
	}
	return b.String()
}

// Planner produces remediation plans from audit findings.
type Planner struct {
	client llm.Client
	model  string
	log    *zap.Logger
}

// New creates a Planner bound to the configured planner model.
func New(client llm.Client, model string) *Planner {
	return &Planner{client: client, model: model, log: logging.L().With(zap.String("component", "recovery"))}
}

// Plan produces a ≤5-item remediation plan addressing only blocking
// findings; when none is marked blocking, it addresses all findings.
func (p *Planner) Plan(ctx context.Context, phase, contractsSummary, builderOutput string, findings []audit.Finding) (*Plan, error) {
	var blocking []audit.Finding
	for _, f := range findings {
		if f.Kind == audit.FindingBlocking {
			blocking = append(blocking, f)
		}
	}
	if len(blocking) == 0 {
		blocking = findings // degrade gracefully if nothing was marked blocking
	}

	var findingsText strings.Builder
	for _, f := range blocking {
		fmt.Fprintf(&findingsText, "- [%s] %s: %s\n", f.Kind, f.Location, f.Message)
	}

	system := `You produce remediation plans for a failed build-audit phase. Rules:
- Address only the blocking findings given.
- Never propose renames or directory restructures.
- Never propose starting over.
- Reference specific files.
- Respect the pinned contracts.
- At most 5 items.
Respond with a single JSON object: {"items": [{"file": "path", "action": "what to do"}]}. Output nothing else.`

	user := fmt.Sprintf("Phase: %s\n\nContracts:\n%s\n\nBuilder output:\n%s\n\nFindings:\n%s\n",
		phase, contractsSummary, builderOutput, findingsText.String())

	text, inTok, outTok, err := collectText(ctx, p.client, system, []llm.Message{{Role: "user", Content: user}}, p.model)
	if err != nil {
		return nil, err
	}

	plan, err := parsePlan(text)
	if err != nil {
		return nil, err
	}
	if len(plan.Items) > maxPlanItems {
		plan.Items = plan.Items[:maxPlanItems]
	}
	plan.InputTokens = inTok
	plan.OutputTokens = outTok
	return plan, nil
}

func collectText(ctx context.Context, client llm.Client, system string, messages []llm.Message, model string) (text string, inputTokens, outputTokens int, err error) {
	chunks, err := client.StreamTurn(ctx, system, messages, nil, model)
	if err != nil {
		return "", 0, 0, err
	}
	var b strings.Builder
	for c := range chunks {
		switch c.Kind {
		case llm.ChunkText:
			b.WriteString(c.Delta)
		case llm.ChunkUsage:
			inputTokens += c.InputTokens
			outputTokens += c.OutputTokens
		}
	}
	return b.String(), inputTokens, outputTokens, nil
}

var jsonObjectRe = regexp.MustCompile(`(?s)\{.*\}`)

func parsePlan(text string) (*Plan, error) {
	match := jsonObjectRe.FindString(text)
	if match == "" {
		return nil, fmt.Errorf("no JSON object found in planner response")
	}
	var plan Plan
	if err := json.Unmarshal([]byte(match), &plan); err != nil {
		return nil, err
	}
	return &plan, nil
}

// Fallback is the generic message the Orchestrator injects when the
// planner itself errors (API failure, timeout).
func Fallback() *Plan {
	return &Plan{Items: []Item{{File: "", Action: "retry and address the findings"}}}
}
