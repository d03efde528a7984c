// Package cost implements the CostAccountant: the per-build, per-phase
// token/USD ledger, pre-turn cap enforcement, and the 80% warning
// threshold. Every mutation for a given build is serialized by that
// build's lock, so Accountant holds one mutex per build id rather than a
// single global lock.
package cost

import (
	"context"
	"sync"

	"forgeguard/internal/buildmodel"
	"forgeguard/internal/cache"
	"forgeguard/internal/llm"
	"forgeguard/internal/logging"

	"go.uber.org/zap"
)

// Store is the subset of BuildStore's persistence contract CostAccountant needs.
type Store interface {
	AppendCost(ctx context.Context, row buildmodel.BuildCost) error
	SumCostUSD(ctx context.Context, buildID string) (float64, error)
}

// Accountant tracks per-build totals and enforces spend caps.
type Accountant struct {
	store Store
	cache *cache.RedisCache
	rates llm.RateTable
	log   *zap.Logger

	mu     sync.Mutex
	locks  map[string]*sync.Mutex
}

// New creates an Accountant.
func New(store Store, c *cache.RedisCache, rates llm.RateTable) *Accountant {
	return &Accountant{
		store: store,
		cache: c,
		rates: rates,
		log:   logging.L().With(zap.String("component", "cost")),
		locks: make(map[string]*sync.Mutex),
	}
}

func (a *Accountant) lockFor(buildID string) *sync.Mutex {
	a.mu.Lock()
	defer a.mu.Unlock()
	l, ok := a.locks[buildID]
	if !ok {
		l = &sync.Mutex{}
		a.locks[buildID] = l
	}
	return l
}

// Record persists one LLM call's usage and returns its USD cost. phase may
// carry a "(planner)" suffix for recovery-plan calls.
func (a *Accountant) Record(ctx context.Context, buildID, phase, model string, inputTokens, outputTokens int) (float64, error) {
	l := a.lockFor(buildID)
	l.Lock()
	defer l.Unlock()

	usd := a.rates.EstimateUSD(model, inputTokens, outputTokens)
	row := buildmodel.BuildCost{
		BuildID:      buildID,
		Phase:        phase,
		Model:        model,
		InputTokens:  inputTokens,
		OutputTokens: outputTokens,
		USD:          usd,
	}
	if err := a.store.AppendCost(ctx, row); err != nil {
		return 0, err
	}
	if a.cache != nil {
		total, sumErr := a.store.SumCostUSD(ctx, buildID)
		if sumErr == nil {
			_ = a.cache.SetJSON(ctx, cache.BuildCostTotalKey(buildID), total, 0)
		}
	}
	return usd, nil
}

// Total returns the build's running USD total, preferring the cache for
// read-heavy summary() queries and falling back to BuildStore.
func (a *Accountant) Total(ctx context.Context, buildID string) (float64, error) {
	if a.cache != nil {
		var total float64
		if err := a.cache.GetJSON(ctx, cache.BuildCostTotalKey(buildID), &total); err == nil {
			return total, nil
		}
	}
	return a.store.SumCostUSD(ctx, buildID)
}

// CapDecision is the result of a pre-turn cap check.
type CapDecision struct {
	Allowed        bool
	Warn           bool // crossed 80% without exceeding
	ProjectedUSD   float64
	CapUSD         float64
	CurrentUSD     float64
}

// PreAuthorize estimates the projected spend (current total + a
// conservative per-turn estimate) and compares it against the tighter of
// the user's spend_cap and the server max_cost_usd. Called before
// dispatching each new turn.
func (a *Accountant) PreAuthorize(ctx context.Context, buildID string, userSpendCap, serverMaxCostUSD, estimatedTurnUSD float64) (CapDecision, error) {
	current, err := a.Total(ctx, buildID)
	if err != nil {
		return CapDecision{}, err
	}
	cap := userSpendCap
	if serverMaxCostUSD > 0 && (cap <= 0 || serverMaxCostUSD < cap) {
		cap = serverMaxCostUSD
	}
	projected := current + estimatedTurnUSD
	decision := CapDecision{ProjectedUSD: projected, CapUSD: cap, CurrentUSD: current}
	if cap <= 0 {
		decision.Allowed = true
		return decision, nil
	}
	if projected > cap {
		decision.Allowed = false
		return decision, nil
	}
	decision.Allowed = true
	if projected > 0.8*cap {
		decision.Warn = true
	}
	return decision, nil
}
