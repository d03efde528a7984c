package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"forgeguard/internal/broadcast"
	"forgeguard/internal/buildmodel"
	"forgeguard/internal/forgeerr"
	"forgeguard/internal/llm"
	"forgeguard/internal/metrics"

	"go.uber.org/zap"
)

// directivePreamble is the builder's standing system prompt: the in-band
// signal protocol and the working rules the conversation runs under.
const directivePreamble = `You are an autonomous software builder working inside a sandboxed
workspace. You build one phase at a time.

Protocol:
- Begin each phase by emitting a task plan between "=== PLAN ===" and
  "=== END PLAN ===" lines, one numbered task per line.
- Emit "=== TASK DONE: N ===" on its own line when task N is complete.
- Write files with the write_file tool. As a fallback you may emit
  "=== FILE: path ===" ... "=== END FILE ===" blocks with full file
  content (no diffs).
- Use the provided tools to read, search, test, and verify your work.
- When every deliverable of the current phase is complete and verified,
  emit the line "=== PHASE SIGN-OFF: PASS ===".

Rules:
- All paths are relative to the workspace root.
- Never attempt to read or write outside the workspace.
- Keep changes scoped to the current phase.`

// turnOutputAllowanceTokens is the output allowance folded into the
// pre-turn cost projection. It is a pre-flight guard, not the ledger: real usage lands
// in the accountant after the turn, so the allowance stays modest to keep
// a first turn dispatchable under tight caps.
const turnOutputAllowanceTokens = 256

// providerRetries is how many times a failed provider call is retried with
// backoff before the build surfaces the error.
const providerRetries = 2

// convOutcome is what one converse invocation decided.
type convOutcome int

const (
	convSignedOff convOutcome = iota
	convTimedOut
	convCancelled
	convTerminal  // converse already drove the build to a terminal state
	convSkipPhase // a cost-cap gate resolved with skip_phase
)

func phaseInstruction(phase string) string {
	return fmt.Sprintf("Current phase: %q. Plan it, build it, verify it, then sign off.", phase)
}

// converse drives builder turns until sign-off, the phase deadline, a
// terminal state, or a gate resolution that changes course.
func (d *driver) converse(ctx context.Context, phase string, deadline time.Time) convOutcome {
	if d.conv.preamble == "" && d.contracts != "" {
		d.conv.preamble = "Pinned contracts:\n" + d.contracts
	}
	if d.accumulated.Len() == 0 && d.plan == nil {
		d.conv.append(turn{Msg: msgUser(phaseInstruction(phase))})
	}

	model := d.o.settings.LLMBuilderModel
	for {
		if d.cancelled() {
			return convCancelled
		}
		if time.Now().After(deadline) {
			return convTimedOut
		}

		if msg := d.drainInterjections(); msg != "" {
			d.conv.append(turn{Msg: msgUser(msg)})
		}

		// Pre-turn cap check: never call the provider when
		// the projection exceeds the tighter cap.
		estUSD := d.o.rates.EstimateUSD(model,
			d.conv.estimateTokens(directivePreamble), turnOutputAllowanceTokens)
		dec, err := d.o.acct.PreAuthorize(ctx, d.b.ID, d.spendCap, d.o.settings.MaxCostUSD, estUSD)
		if err != nil {
			d.log.Error("cost preauthorization failed", zap.Error(err))
		} else if !dec.Allowed {
			metrics.Get().CostCapPausesTotal.Inc()
			res, timedOut := d.pauseGate(ctx, buildmodel.GateCostCap, map[string]any{
				"projected_usd": dec.ProjectedUSD,
				"cap_usd":       dec.CapUSD,
				"current_usd":   dec.CurrentUSD,
			})
			switch {
			case timedOut:
				d.failBuild(ctx, forgeerr.New(forgeerr.KindBuildTimeout, "pause gate timed out"))
				return convTerminal
			case res.Action == buildmodel.ActionAbort:
				d.cancelBuild(ctx)
				return convTerminal
			case res.Action == buildmodel.ActionSkipPhase:
				return convSkipPhase
			case res.Action == buildmodel.ActionRetryWithMessage:
				d.conv.append(turn{Msg: msgUser(res.Message)})
			}
			continue
		} else if dec.Warn {
			d.appendLog(ctx, buildmodel.SourceSystem, buildmodel.LevelWarn,
				fmt.Sprintf("cost warning: projected $%.4f of $%.4f cap", dec.ProjectedUSD, dec.CapUSD))
			d.emit(ctx, broadcast.EventBuildLog, map[string]any{
				"level": "warn", "message": "spend is above 80% of the cap",
			})
		}

		if d.conv.compactIfNeeded(directivePreamble, model) {
			d.appendLog(ctx, buildmodel.SourceSystem, buildmodel.LevelInfo, "compacted: conversation history truncated")
			d.emit(ctx, broadcast.EventCompacted, nil)
		}

		signedOff, turnErr := d.runTurn(ctx, phase, model)
		if turnErr != nil {
			if d.cancelled() {
				return convCancelled
			}
			d.failBuild(ctx, turnErr)
			return convTerminal
		}
		if signedOff {
			return convSignedOff
		}
		d.conv.append(turn{Msg: msgUser("Continue. When every phase deliverable is complete, emit the line === PHASE SIGN-OFF: PASS ===")})
	}
}

// runTurn streams one builder turn, dispatching tool calls as they
// complete and applying in-band signals when the turn ends. Provider
// errors are retried with backoff before surfacing.
func (d *driver) runTurn(ctx context.Context, phase, model string) (bool, error) {
	var chunks <-chan llm.Chunk
	var err error
	for attempt := 0; ; attempt++ {
		chunks, err = d.o.builder.StreamTurn(d.ctx, directivePreamble, d.conv.messages(), builderToolSpecs(), model)
		if err == nil {
			break
		}
		if attempt >= providerRetries || d.cancelled() {
			return false, err
		}
		delay := time.Duration(1<<uint(attempt)) * time.Second
		d.log.Warn("provider call failed, retrying", zap.Int("attempt", attempt+1), zap.Error(err))
		select {
		case <-d.ctx.Done():
			return false, err
		case <-time.After(delay):
		}
	}

	var turnText strings.Builder
	toolInputs := make(map[string]*strings.Builder)
	toolNames := make(map[string]string)
	var inputTokens, outputTokens int

	for c := range chunks {
		switch c.Kind {
		case llm.ChunkText:
			turnText.WriteString(c.Delta)
			d.accumulated.WriteString(c.Delta)
		case llm.ChunkToolUseStart:
			toolInputs[c.ToolUseID] = &strings.Builder{}
			toolNames[c.ToolUseID] = c.ToolName
		case llm.ChunkToolUseDelta:
			if b, ok := toolInputs[c.ToolUseID]; ok {
				b.WriteString(c.ToolUseJSON)
			}
		case llm.ChunkToolUseStop:
			// Text streaming is paused here while the tool runs; the
			// result joins the conversation before the stream resumes.
			d.dispatchTool(ctx, c.ToolUseID, toolNames[c.ToolUseID], toolInputs[c.ToolUseID].String())
			delete(toolInputs, c.ToolUseID)
		case llm.ChunkUsage:
			inputTokens += c.InputTokens
			outputTokens += c.OutputTokens
		case llm.ChunkStop:
		}
		if d.cancelled() {
			// Drain the remainder so the provider goroutine can exit.
			for range chunks {
			}
			break
		}
	}

	if inputTokens > 0 || outputTokens > 0 {
		if _, recErr := d.o.acct.Record(ctx, d.b.ID, phase, model, inputTokens, outputTokens); recErr != nil {
			d.log.Error("cost record failed", zap.Error(recErr))
		}
		m := metrics.Get()
		m.TokensUsedTotal.WithLabelValues(model, "input").Add(float64(inputTokens))
		m.TokensUsedTotal.WithLabelValues(model, "output").Add(float64(outputTokens))
		m.CostUSDTotal.WithLabelValues(model).Add(d.o.rates.EstimateUSD(model, inputTokens, outputTokens))
	}

	text := turnText.String()
	d.applySignals(ctx, text)
	d.conv.append(turn{Msg: llm.Message{Role: "assistant", Content: text}, SignOff: hasSignOff(text)})
	if d.cancelled() {
		return false, forgeerr.New(forgeerr.KindCancelled, "cancelled during turn")
	}
	return hasSignOff(text), nil
}

// applySignals processes the turn's in-band markers: plan blocks, task
// ticks, and fallback file blocks.
func (d *driver) applySignals(ctx context.Context, text string) {
	if tasks := parsePlan(text); tasks != nil && d.plan == nil {
		d.plan = tasks
		descs := make([]string, len(tasks))
		for i, t := range tasks {
			descs[i] = t.Description
		}
		d.appendLog(ctx, buildmodel.SourceBuilder, buildmodel.LevelInfo, "plan: "+strings.Join(descs, "; "))
		d.emit(ctx, broadcast.EventPhasePlan, map[string]any{"tasks": descs})
	}

	for _, n := range parseTaskDone(text) {
		if n >= 1 && n <= len(d.plan) && d.plan[n-1].Status == buildmodel.TaskPending {
			d.plan[n-1].Status = buildmodel.TaskDone
			d.emit(ctx, broadcast.EventTaskComplete, map[string]any{
				"n": n, "description": d.plan[n-1].Description,
			})
		}
	}

	blocks, skipped := parseFileBlocks(text)
	if skipped > 0 {
		d.appendLog(ctx, buildmodel.SourceSystem, buildmodel.LevelWarn,
			fmt.Sprintf("skipped %d empty or malformed file block(s)", skipped))
	}
	for _, blk := range blocks {
		d.dispatchTool(ctx, "", "write_file", mustJSON(map[string]any{
			"path": blk.Path, "content": blk.Content,
		}))
	}
}

func mustJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(data)
}

// dispatchTool validates the input, runs the tool through ToolExecutor,
// emits the matching events, and appends the result to the conversation.
// Tool failures become error strings in the conversation, never Go errors.
func (d *driver) dispatchTool(ctx context.Context, toolUseID, name, inputJSON string) {
	var input map[string]any
	if err := json.Unmarshal([]byte(inputJSON), &input); err != nil {
		input = nil
	}

	start := time.Now()
	res := d.exec.Dispatch(d.ctx, name, input)
	elapsed := time.Since(start)

	d.mu.Lock()
	d.toolCalls[name]++
	d.mu.Unlock()
	outcome := "ok"
	if res.Error != "" {
		outcome = "error"
	}
	m := metrics.Get()
	m.ToolCallsTotal.WithLabelValues(name, outcome).Inc()
	m.ToolCallDuration.WithLabelValues(name).Observe(elapsed.Seconds())

	d.emit(ctx, broadcast.EventToolUse, map[string]any{
		"tool": name, "error": res.Error,
	})
	level := buildmodel.LevelInfo
	logMsg := "tool " + name + " ok"
	if res.Error != "" {
		level = buildmodel.LevelWarn
		logMsg = "tool " + name + " error: " + res.Error
	}
	d.appendLog(ctx, buildmodel.SourceTool, level, logMsg)

	if res.Error == "" {
		switch name {
		case "write_file":
			path, _ := res.Data["path"].(string)
			bytesWritten, _ := res.Data["bytes_written"].(int)
			kind := broadcast.EventFileCreated
			if ev, _ := res.Data["event"].(string); ev == "file_modified" {
				kind = broadcast.EventFileModified
			}
			d.mu.Lock()
			d.filesThisPhase[path] = struct{}{}
			d.filesAll[path] = struct{}{}
			d.mu.Unlock()
			d.emit(ctx, kind, map[string]any{"path": path, "bytes": bytesWritten})
			d.appendLog(ctx, buildmodel.SourceBuilder, buildmodel.LevelInfo, string(kind)+": "+path)
			if int64(bytesWritten) > d.o.settings.LargeFileWarnBytes {
				d.appendLog(ctx, buildmodel.SourceSystem, buildmodel.LevelWarn,
					fmt.Sprintf("large file written: %s (%d bytes)", path, bytesWritten))
			}
		case "run_tests":
			passed, _ := res.Data["passed"].(int)
			failed, _ := res.Data["failed"].(int)
			d.mu.Lock()
			d.testsPassed += passed
			d.testsFailed += failed
			d.mu.Unlock()
			d.emit(ctx, broadcast.EventTestRun, map[string]any{
				"passed": passed, "failed": failed, "exit_code": res.Data["exit_code"],
			})
			d.appendLog(ctx, buildmodel.SourceTest, buildmodel.LevelInfo,
				fmt.Sprintf("test run: %d passed, %d failed", passed, failed))
		}
	}

	content := res.Error
	if content == "" {
		content = mustJSON(res.Data)
	}
	d.conv.append(turn{Msg: llm.Message{
		Role:    "tool",
		Content: fmt.Sprintf("[%s#%s] %s", name, toolUseID, content),
	}})
}

// builderToolSpecs declares the seven-tool registry for the provider.
// The schemas mirror ToolExecutor's input validation.
func builderToolSpecs() []llm.ToolSpec {
	pathSchema := map[string]any{
		"type":       "object",
		"properties": map[string]any{"path": map[string]any{"type": "string"}},
		"required":   []string{"path"},
	}
	commandSchema := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"command": map[string]any{"type": "string"},
			"timeout": map[string]any{"type": "number"},
		},
		"required": []string{"command"},
	}
	return []llm.ToolSpec{
		{Name: "read_file", Description: "Read a file from the workspace (truncated at 50 KB).", InputSchema: pathSchema},
		{Name: "list_directory", Description: "List a workspace directory; directories carry a / suffix.", InputSchema: pathSchema},
		{Name: "search_code", Description: "Search the workspace by regex or literal; up to 50 matches.", InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"pattern": map[string]any{"type": "string"},
				"scope":   map[string]any{"type": "string"},
			},
			"required": []string{"pattern"},
		}},
		{Name: "write_file", Description: "Write full file content to a workspace-relative path.", InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"path":    map[string]any{"type": "string"},
				"content": map[string]any{"type": "string"},
			},
			"required": []string{"path", "content"},
		}},
		{Name: "run_tests", Description: "Run the test command (allow-listed) and report pass/fail counts.", InputSchema: commandSchema},
		{Name: "check_syntax", Description: "Check a file for syntax errors.", InputSchema: pathSchema},
		{Name: "run_command", Description: "Run an allow-listed shell command in the workspace.", InputSchema: commandSchema},
	}
}
