package audit

import (
	"context"
	"testing"

	"forgeguard/internal/llm"
	"forgeguard/internal/workspace"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeLLMClient struct {
	text string
}

func (f *fakeLLMClient) Family() llm.Family { return llm.FamilyAnthropic }

func (f *fakeLLMClient) StreamTurn(ctx context.Context, system string, messages []llm.Message, tools []llm.ToolSpec, model string) (<-chan llm.Chunk, error) {
	out := make(chan llm.Chunk, 2)
	out <- llm.Chunk{Kind: llm.ChunkText, Delta: f.text}
	out <- llm.Chunk{Kind: llm.ChunkStop, StopReason: "end_turn"}
	close(out)
	return out, nil
}

func TestAuditorParsesPassVerdict(t *testing.T) {
	dir := t.TempDir()
	ws, err := workspace.New(dir)
	require.NoError(t, err)

	client := &fakeLLMClient{text: `{"verdict": "PASS", "findings": []}`}
	auditor := New(client, "test-model")

	report, err := auditor.Run(context.Background(), "phase-1", "contracts summary", ws, "builder output")
	require.NoError(t, err)
	assert.Equal(t, VerdictPass, report.Verdict)
	assert.Empty(t, report.Findings)
}

func TestAuditorParsesFailVerdictWithFindings(t *testing.T) {
	dir := t.TempDir()
	ws, err := workspace.New(dir)
	require.NoError(t, err)

	client := &fakeLLMClient{text: `Some preamble text.
{"verdict": "FAIL", "findings": [{"kind": "blocking", "location": "main.py", "message": "missing docstring"}]}`}
	auditor := New(client, "test-model")

	report, err := auditor.Run(context.Background(), "phase-1", "contracts", ws, "output")
	require.NoError(t, err)
	assert.Equal(t, VerdictFail, report.Verdict)
	require.Len(t, report.Findings, 1)
	assert.Equal(t, FindingBlocking, report.Findings[0].Kind)
}

func TestAuditorTreatsUnparsableResponseAsFail(t *testing.T) {
	dir := t.TempDir()
	ws, err := workspace.New(dir)
	require.NoError(t, err)

	client := &fakeLLMClient{text: "not json at all"}
	auditor := New(client, "test-model")

	report, err := auditor.Run(context.Background(), "phase-1", "contracts", ws, "output")
	require.NoError(t, err)
	assert.Equal(t, VerdictFail, report.Verdict)
	assert.NotEmpty(t, report.Findings)
}
