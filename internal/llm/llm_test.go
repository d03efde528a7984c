package llm

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"forgeguard/internal/cache"
	"forgeguard/internal/logging"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestModelForRoles(t *testing.T) {
	assert.Equal(t, "builder-model", ModelFor(RoleBuilder, "builder-model", "planner-model", "auditor-model"))
	assert.Equal(t, "planner-model", ModelFor(RolePlanner, "builder-model", "planner-model", "auditor-model"))
	assert.Equal(t, "auditor-model", ModelFor(RoleAuditor, "builder-model", "planner-model", "auditor-model"))
	assert.Equal(t, "auditor-model", ModelFor(RoleQuestionnaire, "builder-model", "planner-model", "auditor-model"))
}

func TestEstimateUSD(t *testing.T) {
	rt := DefaultRateTable()
	usd := rt.EstimateUSD("claude-sonnet-4-5-20250929", 1_000_000, 1_000_000)
	assert.InDelta(t, 18.0, usd, 0.001)
}

func TestEstimateMessagesTokens(t *testing.T) {
	n := EstimateMessagesTokens("system prompt", []Message{{Role: "user", Content: "hello world"}})
	assert.Greater(t, n, 0)
}

func TestKeyPoolRotatesAndCoolsDown(t *testing.T) {
	pool := NewKeyPool(nil, "key-a", "key-b")
	ctx := context.Background()

	first := pool.Next(ctx)
	assert.NotEmpty(t, first)
	second := pool.Next(ctx)
	assert.NotEqual(t, first, second)

	pool.MarkCooldown(ctx, second)
	third := pool.Next(ctx)
	assert.NotEqual(t, second, third)
}

func TestKeyPoolEmpty(t *testing.T) {
	pool := NewKeyPool(nil)
	assert.Empty(t, pool.Next(context.Background()))
}

func TestKeyPoolCooldownVisibleAcrossInstancesViaCache(t *testing.T) {
	c := cache.NewRedisCache(nil)
	poolA := NewKeyPool(c, "shared-key", "other-key")
	poolB := NewKeyPool(c, "shared-key", "other-key")
	ctx := context.Background()

	poolA.MarkCooldown(ctx, "shared-key")
	got := poolB.Next(ctx)
	assert.Equal(t, "other-key", got)
}

// TestStreamTurnRotatesRejectedKey drives the real request path: the
// server rejects the first credential with 401, the client must cool it
// down and complete the turn with the paired key in the same call.
func TestStreamTurnRotatesRejectedKey(t *testing.T) {
	var mu sync.Mutex
	var keysSeen []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("x-api-key")
		mu.Lock()
		keysSeen = append(keysSeen, key)
		mu.Unlock()
		if key == "bad-key" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"type\":\"content_block_delta\",\"delta\":{\"type\":\"text_delta\",\"text\":\"hello\"}}\n\n")
		fmt.Fprint(w, "data: {\"type\":\"message_delta\",\"delta\":{\"stop_reason\":\"end_turn\"},\"usage\":{\"output_tokens\":5}}\n\n")
	}))
	defer srv.Close()

	pool := NewKeyPool(nil, "bad-key", "good-key")
	client := &anthropicClient{
		keys:    pool,
		baseURL: srv.URL,
		log:     logging.L().With(zap.String("component", "llm")),
	}

	chunks, err := client.StreamTurn(context.Background(), "sys", []Message{{Role: "user", Content: "hi"}}, nil, "test-model")
	require.NoError(t, err)

	var text string
	for c := range chunks {
		if c.Kind == ChunkText {
			text += c.Delta
		}
	}
	assert.Equal(t, "hello", text)

	mu.Lock()
	assert.Equal(t, []string{"bad-key", "good-key"}, keysSeen)
	mu.Unlock()

	// The rejected key is cooling down: the pool only hands out the good one.
	ctx := context.Background()
	assert.Equal(t, "good-key", pool.Next(ctx))
	assert.Equal(t, "good-key", pool.Next(ctx))
}

// TestStreamTurnFailsWhenAllKeysCoolingDown verifies the terminal case:
// with every credential rejected, the call surfaces a provider error
// instead of hammering dead keys.
func TestStreamTurnFailsWhenAllKeysCoolingDown(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	pool := NewKeyPool(nil, "key-a", "key-b")
	client := &anthropicClient{
		keys:    pool,
		baseURL: srv.URL,
		log:     logging.L().With(zap.String("component", "llm")),
	}

	_, err := client.StreamTurn(context.Background(), "sys", []Message{{Role: "user", Content: "hi"}}, nil, "test-model")
	require.Error(t, err)
	assert.Empty(t, pool.Next(context.Background()), "both keys must be in cooldown")
}

func TestContextLimitDefaultsForUnknownModel(t *testing.T) {
	assert.Equal(t, 128_000, ContextLimit("some-unreleased-model"))
	assert.Equal(t, 200_000, ContextLimit("claude-opus-4-5-20251101"))
}
