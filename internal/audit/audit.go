// Package audit implements the InlineAuditor, the sole arbiter of phase
// progression. It bundles the pinned contracts, a capped
// Workspace snapshot, and the phase's builder output into one LLM call and
// parses the model's verdict + structured findings.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strings"

	"forgeguard/internal/llm"
	"forgeguard/internal/logging"
	"forgeguard/internal/workspace"

	"go.uber.org/zap"
)

const snapshotCapBytes = 200 * 1024
const perFileCapBytes = 20 * 1024

// Verdict is the auditor's binary phase-progression decision.
type Verdict string

const (
	VerdictPass Verdict = "PASS"
	VerdictFail Verdict = "FAIL"
)

// FindingKind distinguishes findings that must be addressed before
// advancement from advisory ones RecoveryPlanner ignores.
type FindingKind string

const (
	FindingBlocking    FindingKind = "blocking"
	FindingNonBlocking FindingKind = "non_blocking"
)

// Finding is one structured audit observation.
type Finding struct {
	Kind     FindingKind `json:"kind"`
	Location string      `json:"location"`
	Message  string      `json:"message"`
}

// Report is the auditor's output for one phase. Token counts are carried
// so the orchestrator can ledger the audit call.
type Report struct {
	Verdict  Verdict   `json:"verdict"`
	Findings []Finding `json:"findings"`

	InputTokens  int `json:"-"`
	OutputTokens int `json:"-"`
}

// Auditor runs the InlineAuditor check against a Workspace.
type Auditor struct {
	client llm.Client
	model  string
	log    *zap.Logger
}

// New creates an Auditor bound to the configured auditor model.
func New(client llm.Client, model string) *Auditor {
	return &Auditor{client: client, model: model, log: logging.L().With(zap.String("component", "audit"))}
}

// snapshot renders the Workspace tree and key-file contents, capped at
// ~200 KB total with per-file truncation.
func snapshot(ws *workspace.Workspace) (string, error) {
	entries, err := ws.Tree(0)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	b.WriteString("## Workspace tree\n")
	for _, e := range entries {
		if e.IsDir {
			continue
		}
		fmt.Fprintf(&b, "- %s (%d bytes)\n", e.Path, e.Size)
	}

	remaining := snapshotCapBytes - b.Len()
	b.WriteString("\n## File contents\n")
	for _, e := range entries {
		if e.IsDir || remaining <= 0 {
			continue
		}
		abs, resolveErr := ws.Resolve(e.Path)
		if resolveErr != nil {
			continue
		}
		content, readErr := readCapped(abs, perFileCapBytes)
		if readErr != nil {
			continue
		}
		block := fmt.Sprintf("\n### %s\n```\n%s\n```\n", e.Path, content)
		if len(block) > remaining {
			block = block[:remaining]
		}
		b.WriteString(block)
		remaining -= len(block)
	}
	return b.String(), nil
}

func readCapped(path string, max int) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	if len(data) > max {
		return string(data[:max]) + "\n... (truncated)", nil
	}
	return string(data), nil
}

// Run executes one audit pass for a phase.
func (a *Auditor) Run(ctx context.Context, phase, contractsSummary string, ws *workspace.Workspace, builderOutput string) (*Report, error) {
	tree, err := snapshot(ws)
	if err != nil {
		return nil, err
	}

	system := `You are the governance auditor for a build pipeline. You are the sole
arbiter of whether a phase may advance. Respond with a single JSON object
matching exactly: {"verdict": "PASS"|"FAIL", "findings": [{"kind": "blocking"|"non_blocking", "location": "path or area", "message": "..."}]}.
Output nothing but that JSON object.`

	user := fmt.Sprintf("Phase: %s\n\nPinned contracts:\n%s\n\nWorkspace snapshot:\n%s\n\nBuilder's phase output:\n%s\n",
		phase, contractsSummary, tree, builderOutput)

	text, inTok, outTok, err := collectText(ctx, a.client, system, []llm.Message{{Role: "user", Content: user}}, a.model)
	if err != nil {
		return nil, err
	}

	report, parseErr := parseReport(text)
	if parseErr != nil {
		a.log.Warn("auditor response did not parse as JSON, treating as FAIL", zap.Error(parseErr))
		report = &Report{Verdict: VerdictFail, Findings: []Finding{{Kind: FindingBlocking, Location: phase, Message: "auditor response was not valid JSON: " + parseErr.Error()}}}
	}
	report.InputTokens = inTok
	report.OutputTokens = outTok
	return report, nil
}

// collectText drains a streamed turn into its concatenated text and usage,
// ignoring tool-use chunks (the auditor never calls tools).
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

func parseReport(text string) (*Report, error) {
	match := jsonObjectRe.FindString(text)
	if match == "" {
		return nil, fmt.Errorf("no JSON object found in auditor response")
	}
	var report Report
	if err := json.Unmarshal([]byte(match), &report); err != nil {
		return nil, err
	}
	if report.Verdict != VerdictPass && report.Verdict != VerdictFail {
		return nil, fmt.Errorf("unrecognized verdict %q", report.Verdict)
	}
	return &report, nil
}
