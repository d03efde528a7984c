package orchestrator

import (
	"testing"

	"forgeguard/internal/buildmodel"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePlan(t *testing.T) {
	text := `Some preamble.
=== PLAN ===
1. scaffold the package
2. write the parser
- add tests
=== END PLAN ===
More text.`
	tasks := parsePlan(text)
	require.Len(t, tasks, 3)
	assert.Equal(t, "scaffold the package", tasks[0].Description)
	assert.Equal(t, 1, tasks[0].N)
	assert.Equal(t, "add tests", tasks[2].Description)
	assert.Equal(t, buildmodel.TaskPending, tasks[2].Status)
}

func TestParsePlanAbsent(t *testing.T) {
	assert.Nil(t, parsePlan("no plan here"))
}

func TestParseTaskDone(t *testing.T) {
	text := "work\n=== TASK DONE: 1 ===\nmore\n=== TASK DONE: 3 ===\n"
	assert.Equal(t, []int{1, 3}, parseTaskDone(text))
}

func TestParseFileBlocks(t *testing.T) {
	text := `=== FILE: src/main.py ===
print("hello")
=== END FILE ===
between
=== FILE: docs/readme.md ===
` + "```markdown\n# Title\n```" + `
=== END FILE ===`
	blocks, skipped := parseFileBlocks(text)
	require.Len(t, blocks, 2)
	assert.Equal(t, 0, skipped)
	assert.Equal(t, "src/main.py", blocks[0].Path)
	assert.Equal(t, "print(\"hello\")\n", blocks[0].Content)
	assert.Equal(t, "# Title", blocks[1].Content, "fence is stripped")
}

func TestParseFileBlocksMalformed(t *testing.T) {
	// Missing END marker: skipped, nothing returned.
	blocks, skipped := parseFileBlocks("=== FILE: a.txt ===\ncontent without end")
	assert.Empty(t, blocks)
	assert.Equal(t, 1, skipped)

	// Empty content: skipped, but a later well-formed block still parses.
	text := "=== FILE: empty.txt ===\n\n=== END FILE ===\n=== FILE: ok.txt ===\nfine\n=== END FILE ===\n"
	blocks, skipped = parseFileBlocks(text)
	require.Len(t, blocks, 1)
	assert.Equal(t, "ok.txt", blocks[0].Path)
	assert.Equal(t, 1, skipped)
}

func TestHasSignOff(t *testing.T) {
	assert.True(t, hasSignOff("done\n=== PHASE SIGN-OFF: PASS ===\n"))
	assert.False(t, hasSignOff("=== PHASE SIGN-OFF: FAIL ==="))
	assert.False(t, hasSignOff("almost done"))
}
