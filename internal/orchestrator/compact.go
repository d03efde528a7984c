package orchestrator

import (
	"fmt"
	"strings"

	"forgeguard/internal/llm"
)

// compactThreshold is the fraction of the model's context window at which
// the orchestrator compacts the conversation before dispatching a turn.
const compactThreshold = 0.85

// summaryCapBytes bounds the synthetic summary turn at 2 KB.
const summaryCapBytes = 2 * 1024

// turn is one conversation entry plus the metadata compaction keys on.
type turn struct {
	Msg          llm.Message
	AuditFinding bool // a planner/finding injection that must survive compaction
	SignOff      bool // an assistant turn carrying the phase sign-off marker
}

// conversation is the in-memory per-build dialogue state. The directive
// preamble is held apart from the turns so compaction can never drop it.
type conversation struct {
	preamble string
	turns    []turn
}

func (c *conversation) append(t turn) { c.turns = append(c.turns, t) }

// messages renders the conversation for the provider: preamble first, then
// every turn in order.
func (c *conversation) messages() []llm.Message {
	out := make([]llm.Message, 0, len(c.turns)+1)
	if c.preamble != "" {
		out = append(out, llm.Message{Role: "user", Content: c.preamble})
	}
	for _, t := range c.turns {
		out = append(out, t.Msg)
	}
	return out
}

func (c *conversation) estimateTokens(system string) int {
	return llm.EstimateMessagesTokens(system, c.messages())
}

// compactIfNeeded rewrites the conversation when the next turn would exceed
// 85% of the model's context limit. Deterministic truncation, no LLM
// round-trip: keep the preamble, the last two turns, every audit-finding
// turn, and the last sign-off turn; everything else collapses into a single
// synthetic user turn of at most 2 KB. Returns true if compaction ran.
func (c *conversation) compactIfNeeded(system, model string) bool {
	limit := llm.ContextLimit(model)
	if float64(c.estimateTokens(system)) <= compactThreshold*float64(limit) {
		return false
	}

	keep := make([]bool, len(c.turns))
	for i, t := range c.turns {
		if t.AuditFinding {
			keep[i] = true
		}
	}
	for i := len(c.turns) - 1; i >= 0; i-- {
		if c.turns[i].SignOff {
			keep[i] = true
			break
		}
	}
	for i := max(0, len(c.turns)-2); i < len(c.turns); i++ {
		keep[i] = true
	}

	var summary strings.Builder
	var kept []turn
	for i, t := range c.turns {
		if keep[i] {
			kept = append(kept, t)
			continue
		}
		if summary.Len() < summaryCapBytes {
			line := fmt.Sprintf("[%s] %s\n", t.Msg.Role, firstLine(t.Msg.Content))
			summary.WriteString(line)
		}
	}

	const header = "[Conversation history compacted]\n"
	text := summary.String()
	if len(text) > summaryCapBytes-len(header) {
		text = text[:summaryCapBytes-len(header)]
	}
	synthetic := turn{Msg: llm.Message{
		Role:    "user",
		Content: header + text,
	}}

	c.turns = append([]turn{synthetic}, kept...)
	return true
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > 160 {
		s = s[:160]
	}
	return s
}
