// Package llm provides the provider-agnostic streaming turn interface:
// one Client hides Claude/OpenAI differences behind a single chunk shape,
// so the orchestrator never branches on provider.
package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"forgeguard/internal/forgeerr"
	"forgeguard/internal/logging"

	"go.uber.org/zap"
)

// ChunkKind identifies which chunk shape a Chunk carries.
type ChunkKind string

const (
	ChunkText            ChunkKind = "text"
	ChunkToolUseStart    ChunkKind = "tool_use_start"
	ChunkToolUseDelta    ChunkKind = "tool_use_input_delta"
	ChunkToolUseStop     ChunkKind = "tool_use_stop"
	ChunkUsage           ChunkKind = "usage"
	ChunkStop            ChunkKind = "stop"
)

// Chunk is one unit of a streamed turn.
type Chunk struct {
	Kind ChunkKind

	// text
	Delta string

	// tool_use_start / tool_use_input_delta / tool_use_stop
	ToolUseID   string
	ToolName    string
	ToolUseJSON string

	// usage
	InputTokens  int
	OutputTokens int

	// stop
	StopReason string
}

// Role selects which configured model a turn uses.
type Role string

const (
	RoleBuilder       Role = "builder"
	RolePlanner       Role = "planner"
	RoleQuestionnaire Role = "questionnaire"
	RoleAuditor       Role = "auditor"
)

// Message is one turn of conversation history sent to the provider.
type Message struct {
	Role    string // "user" | "assistant" | "tool"
	Content string
}

// ToolSpec describes one tool the model may call, passed through verbatim
// to the provider's tool-use schema.
type ToolSpec struct {
	Name        string
	Description string
	InputSchema map[string]any
}

// Family identifies the underlying provider wire protocol.
type Family string

const (
	FamilyAnthropic Family = "anthropic"
	FamilyOpenAI    Family = "openai"
)

// Client streams one conversation turn from a configured provider family.
type Client interface {
	StreamTurn(ctx context.Context, system string, messages []Message, tools []ToolSpec, model string) (<-chan Chunk, error)
	Family() Family
}

// sharedHTTPClient is shared at process scope across every Client instance, so
// no per-call TCP/TLS handshakes.
var sharedHTTPClient = &http.Client{Timeout: 10 * time.Minute}

// isKeyFailure reports whether a provider status indicts the credential
// itself (auth or quota) rather than the request, so the key pool should
// rotate away from it.
func isKeyFailure(status int) bool {
	switch status {
	case 401, 402, 403, 429:
		return true
	}
	return false
}

// doWithKeyRotation issues the provider request once per usable
// credential: a key-level rejection marks that key's cooldown and moves
// on to the next, any other failure returns immediately. build is called
// with each candidate key so the request body reader is fresh per
// attempt.
func doWithKeyRotation(ctx context.Context, keys *KeyPool, log *zap.Logger, build func(key string) (*http.Request, error)) (*http.Response, error) {
	var lastErr error
	for attempt := 0; attempt < keys.Size(); attempt++ {
		key := keys.Next(ctx)
		if key == "" {
			break
		}
		req, err := build(key)
		if err != nil {
			return nil, forgeerr.Wrap(forgeerr.KindProviderError, "building provider request", err)
		}
		resp, err := sharedHTTPClient.Do(req)
		if err != nil {
			return nil, forgeerr.Wrap(forgeerr.KindProviderError, "provider request failed", err)
		}
		if isKeyFailure(resp.StatusCode) {
			resp.Body.Close()
			keys.MarkCooldown(ctx, key)
			lastErr = classifyStatus(resp.StatusCode)
			log.Warn("credential rejected, rotating", zap.Int("status", resp.StatusCode))
			continue
		}
		if resp.StatusCode >= 400 {
			resp.Body.Close()
			return nil, classifyStatus(resp.StatusCode)
		}
		return resp, nil
	}
	if lastErr == nil {
		lastErr = forgeerr.New(forgeerr.KindProviderError, "no usable credential (all cooling down)")
	}
	return nil, lastErr
}

// anthropicClient streams turns from the Anthropic Messages API.
type anthropicClient struct {
	keys    *KeyPool
	baseURL string
	log     *zap.Logger
}

// NewAnthropicClient builds a single-credential Client for the Anthropic
// family.
func NewAnthropicClient(apiKey string) Client {
	return NewAnthropicClientWithPool(NewKeyPool(nil, apiKey))
}

// NewAnthropicClientWithPool builds a Client whose calls round-robin over
// the pool's credentials, skipping keys in cooldown.
func NewAnthropicClientWithPool(pool *KeyPool) Client {
	return &anthropicClient{
		keys:    pool,
		baseURL: "https://api.anthropic.com/v1/messages",
		log:     logging.L().With(zap.String("component", "llm"), zap.String("family", "anthropic")),
	}
}

func (c *anthropicClient) Family() Family { return FamilyAnthropic }

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicTool struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"input_schema"`
}

type anthropicRequest struct {
	Model     string             `json:"model"`
	MaxTokens int                `json:"max_tokens"`
	System    string             `json:"system,omitempty"`
	Messages  []anthropicMessage `json:"messages"`
	Tools     []anthropicTool    `json:"tools,omitempty"`
	Stream    bool               `json:"stream"`
}

// anthropicEvent mirrors the subset of Anthropic SSE event fields this
// client interprets; unrecognized event types are skipped.
type anthropicEvent struct {
	Type  string `json:"type"`
	Index int    `json:"index"`
	Delta struct {
		Type        string `json:"type"`
		Text        string `json:"text"`
		PartialJSON string `json:"partial_json"`
		StopReason  string `json:"stop_reason"`
	} `json:"delta"`
	ContentBlock struct {
		Type string `json:"type"`
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"content_block"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
	Message struct {
		Usage struct {
			InputTokens  int `json:"input_tokens"`
			OutputTokens int `json:"output_tokens"`
		} `json:"usage"`
	} `json:"message"`
}

func (c *anthropicClient) StreamTurn(ctx context.Context, system string, messages []Message, tools []ToolSpec, model string) (<-chan Chunk, error) {
	req := anthropicRequest{Model: model, MaxTokens: 8192, System: system, Stream: true}
	for _, m := range messages {
		req.Messages = append(req.Messages, anthropicMessage{Role: m.Role, Content: m.Content})
	}
	for _, t := range tools {
		req.Tools = append(req.Tools, anthropicTool{Name: t.Name, Description: t.Description, InputSchema: t.InputSchema})
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, forgeerr.Wrap(forgeerr.KindProviderError, "marshaling anthropic request", err)
	}
	resp, err := doWithKeyRotation(ctx, c.keys, c.log, func(key string) (*http.Request, error) {
		httpReq, reqErr := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(body))
		if reqErr != nil {
			return nil, reqErr
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("x-api-key", key)
		httpReq.Header.Set("anthropic-version", "2023-06-01")
		return httpReq, nil
	})
	if err != nil {
		return nil, err
	}

	out := make(chan Chunk, 16)
	go func() {
		defer close(out)
		defer resp.Body.Close()
		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		var currentToolID, currentToolName string
		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			payload := strings.TrimPrefix(line, "data: ")
			if payload == "[DONE]" {
				return
			}
			var ev anthropicEvent
			if jsonErr := json.Unmarshal([]byte(payload), &ev); jsonErr != nil {
				continue
			}
			switch ev.Type {
			case "content_block_start":
				if ev.ContentBlock.Type == "tool_use" {
					currentToolID = ev.ContentBlock.ID
					currentToolName = ev.ContentBlock.Name
					select {
					case out <- Chunk{Kind: ChunkToolUseStart, ToolUseID: currentToolID, ToolName: currentToolName}:
					case <-ctx.Done():
						return
					}
				}
			case "content_block_delta":
				switch ev.Delta.Type {
				case "text_delta":
					select {
					case out <- Chunk{Kind: ChunkText, Delta: ev.Delta.Text}:
					case <-ctx.Done():
						return
					}
				case "input_json_delta":
					select {
					case out <- Chunk{Kind: ChunkToolUseDelta, ToolUseID: currentToolID, ToolUseJSON: ev.Delta.PartialJSON}:
					case <-ctx.Done():
						return
					}
				}
			case "content_block_stop":
				if currentToolID != "" {
					select {
					case out <- Chunk{Kind: ChunkToolUseStop, ToolUseID: currentToolID}:
					case <-ctx.Done():
						return
					}
					currentToolID = ""
				}
			case "message_delta":
				if ev.Usage.OutputTokens > 0 {
					select {
					case out <- Chunk{Kind: ChunkUsage, OutputTokens: ev.Usage.OutputTokens}:
					case <-ctx.Done():
						return
					}
				}
				if ev.Delta.StopReason != "" {
					select {
					case out <- Chunk{Kind: ChunkStop, StopReason: ev.Delta.StopReason}:
					case <-ctx.Done():
						return
					}
				}
			case "message_start":
				if ev.Message.Usage.InputTokens > 0 {
					select {
					case out <- Chunk{Kind: ChunkUsage, InputTokens: ev.Message.Usage.InputTokens}:
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()
	return out, nil
}

// openAIClient streams turns from the OpenAI-compatible chat completions
// streaming API, the second supported provider family.
type openAIClient struct {
	keys    *KeyPool
	baseURL string
	log     *zap.Logger
}

// NewOpenAIClient builds a single-credential Client for the OpenAI family.
func NewOpenAIClient(apiKey string) Client {
	return NewOpenAIClientWithPool(NewKeyPool(nil, apiKey))
}

// NewOpenAIClientWithPool builds a Client whose calls round-robin over the
// pool's credentials, skipping keys in cooldown.
func NewOpenAIClientWithPool(pool *KeyPool) Client {
	return &openAIClient{
		keys:    pool,
		baseURL: "https://api.openai.com/v1/chat/completions",
		log:     logging.L().With(zap.String("component", "llm"), zap.String("family", "openai")),
	}
}

func (c *openAIClient) Family() Family { return FamilyOpenAI }

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters"`
}

type openAITool struct {
	Type     string         `json:"type"`
	Function openAIFunction `json:"function"`
}

type openAIRequest struct {
	Model    string          `json:"model"`
	Messages []openAIMessage `json:"messages"`
	Tools    []openAITool    `json:"tools,omitempty"`
	Stream   bool            `json:"stream"`
	StreamOptions struct {
		IncludeUsage bool `json:"include_usage"`
	} `json:"stream_options"`
}

type openAIChunk struct {
	Choices []struct {
		Delta struct {
			Content   string `json:"content"`
			ToolCalls []struct {
				Index    int    `json:"index"`
				ID       string `json:"id"`
				Function struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

func (c *openAIClient) StreamTurn(ctx context.Context, system string, messages []Message, tools []ToolSpec, model string) (<-chan Chunk, error) {
	req := openAIRequest{Model: model, Stream: true}
	req.StreamOptions.IncludeUsage = true
	if system != "" {
		req.Messages = append(req.Messages, openAIMessage{Role: "system", Content: system})
	}
	for _, m := range messages {
		req.Messages = append(req.Messages, openAIMessage{Role: m.Role, Content: m.Content})
	}
	for _, t := range tools {
		req.Tools = append(req.Tools, openAITool{Type: "function", Function: openAIFunction{Name: t.Name, Description: t.Description, Parameters: t.InputSchema}})
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, forgeerr.Wrap(forgeerr.KindProviderError, "marshaling openai request", err)
	}
	resp, err := doWithKeyRotation(ctx, c.keys, c.log, func(key string) (*http.Request, error) {
		httpReq, reqErr := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(body))
		if reqErr != nil {
			return nil, reqErr
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("Authorization", "Bearer "+key)
		return httpReq, nil
	})
	if err != nil {
		return nil, err
	}

	out := make(chan Chunk, 16)
	go func() {
		defer close(out)
		defer resp.Body.Close()
		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		toolNames := map[int]string{}
		toolIDs := map[int]string{}
		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			payload := strings.TrimPrefix(line, "data: ")
			if payload == "[DONE]" {
				return
			}
			var ch openAIChunk
			if jsonErr := json.Unmarshal([]byte(payload), &ch); jsonErr != nil {
				continue
			}
			if ch.Usage.PromptTokens > 0 || ch.Usage.CompletionTokens > 0 {
				select {
				case out <- Chunk{Kind: ChunkUsage, InputTokens: ch.Usage.PromptTokens, OutputTokens: ch.Usage.CompletionTokens}:
				case <-ctx.Done():
					return
				}
			}
			for _, choice := range ch.Choices {
				if choice.Delta.Content != "" {
					select {
					case out <- Chunk{Kind: ChunkText, Delta: choice.Delta.Content}:
					case <-ctx.Done():
						return
					}
				}
				for _, tc := range choice.Delta.ToolCalls {
					if tc.Function.Name != "" {
						toolNames[tc.Index] = tc.Function.Name
						toolIDs[tc.Index] = tc.ID
						select {
						case out <- Chunk{Kind: ChunkToolUseStart, ToolUseID: tc.ID, ToolName: tc.Function.Name}:
						case <-ctx.Done():
							return
						}
					}
					if tc.Function.Arguments != "" {
						select {
						case out <- Chunk{Kind: ChunkToolUseDelta, ToolUseID: toolIDs[tc.Index], ToolUseJSON: tc.Function.Arguments}:
						case <-ctx.Done():
							return
						}
					}
				}
				if choice.FinishReason != "" {
					if choice.FinishReason == "tool_calls" {
						for idx, id := range toolIDs {
							select {
							case out <- Chunk{Kind: ChunkToolUseStop, ToolUseID: id}:
							case <-ctx.Done():
								return
							}
							delete(toolIDs, idx)
						}
					}
					select {
					case out <- Chunk{Kind: ChunkStop, StopReason: choice.FinishReason}:
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()
	return out, nil
}

func classifyStatus(status int) error {
	switch status {
	case 401, 403:
		return forgeerr.New(forgeerr.KindProviderError, fmt.Sprintf("auth rejected (status %d)", status))
	case 429:
		return forgeerr.New(forgeerr.KindProviderError, "rate limited")
	case 402:
		return forgeerr.New(forgeerr.KindProviderError, "quota exhausted")
	default:
		return forgeerr.New(forgeerr.KindProviderError, fmt.Sprintf("provider error (status %d)", status))
	}
}

// ModelFor resolves the configured model id for a role; roles it does not
// know get the builder model. The id is returned as given: an empty id
// stays empty and no default is substituted.
func ModelFor(role Role, builderModel, plannerModel, auditorModel string) string {
	switch role {
	case RoleBuilder:
		return builderModel
	case RolePlanner:
		return plannerModel
	case RoleAuditor, RoleQuestionnaire:
		return auditorModel
	default:
		return builderModel
	}
}

// RateTable maps a model id to its published per-million-token USD rate.
type RateTable map[string]struct{ InputPerM, OutputPerM float64 }

// DefaultRateTable is the published rate table CostAccountant consults.
func DefaultRateTable() RateTable {
	return RateTable{
		"claude-opus-4-5-20251101":   {InputPerM: 15, OutputPerM: 75},
		"claude-sonnet-4-5-20250929": {InputPerM: 3, OutputPerM: 15},
		"claude-haiku-4-5-20251001":  {InputPerM: 0.8, OutputPerM: 4},
		"gpt-5":                      {InputPerM: 5, OutputPerM: 15},
		"gpt-5.2-codex":              {InputPerM: 8, OutputPerM: 24},
		"gpt-4o-mini":                {InputPerM: 0.15, OutputPerM: 0.6},
	}
}

// EstimateUSD computes the cost of a call given its token counts and model.
func (rt RateTable) EstimateUSD(model string, inputTokens, outputTokens int) float64 {
	rate, ok := rt[model]
	if !ok {
		rate = struct{ InputPerM, OutputPerM float64 }{InputPerM: 3, OutputPerM: 15}
	}
	return float64(inputTokens)/1e6*rate.InputPerM + float64(outputTokens)/1e6*rate.OutputPerM
}

// tokenEstimate is a deterministic, model-agnostic approximation (roughly
// 4 bytes/token for English-heavy text) used by the orchestrator's context
// compaction and by CostAccountant's pre-turn projection; an exact
// tokenizer is unnecessary for either.
func tokenEstimate(s string) int {
	n := len(s) / 4
	if n < 1 && s != "" {
		n = 1
	}
	return n
}

// EstimateTokens exposes tokenEstimate for callers outside this package.
func EstimateTokens(s string) int { return tokenEstimate(s) }

// EstimateMessagesTokens sums EstimateTokens over a slice of messages plus
// the system prompt.
func EstimateMessagesTokens(system string, messages []Message) int {
	total := tokenEstimate(system)
	for _, m := range messages {
		total += tokenEstimate(m.Content)
	}
	return total
}

// contextLimits holds each model's context window, consulted by the
// orchestrator's 85%-threshold compaction check.
var contextLimits = map[string]int{
	"claude-opus-4-5-20251101":   200_000,
	"claude-sonnet-4-5-20250929": 200_000,
	"claude-haiku-4-5-20251001":  200_000,
	"gpt-5":                      128_000,
	"gpt-5.2-codex":              128_000,
	"gpt-4o-mini":                128_000,
}

// ContextLimit returns the model's context window, defaulting to 128k for
// an unrecognized model id.
func ContextLimit(model string) int {
	if n, ok := contextLimits[model]; ok {
		return n
	}
	return 128_000
}

