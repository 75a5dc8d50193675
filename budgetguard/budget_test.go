package budgetguard

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apex-rt/apex/apexerr"
	"github.com/apex-rt/apex/config"
)

func testGuard(t *testing.T) *Guard {
	t.Helper()
	cfg := config.Default()
	cfg.BudgetsEpisodeTokens = 1000
	cfg.SafetyFactor = 1.2
	cfg.ReservationTTL = 30 * time.Millisecond
	return New(cfg, nil, nil)
}

// Denial, then an allowed reservation, then settle with actuals.
func TestCheckAndReserve_BudgetDenialThenAllowThenSettle(t *testing.T) {
	g := testGuard(t)
	episode := ScopeEpisode("ep-1")

	allowed, id, reasons := g.CheckAndReserve([]string{episode}, 900, 0)
	require.False(t, allowed)
	assert.Empty(t, id)
	assert.Equal(t, apexerr.DenyTokenHeadroom, reasons[episode])
	usage := g.Usage(episode)
	assert.Zero(t, usage.UsedTokens)
	assert.Zero(t, usage.ReservedTokens)

	allowed, id, reasons = g.CheckAndReserve([]string{episode}, 500, 0)
	require.True(t, allowed)
	require.NotEmpty(t, id)
	require.Empty(t, reasons)
	usage = g.Usage(episode)
	assert.EqualValues(t, 500, usage.ReservedTokens)

	g.Settle(id, 480, 0)
	usage = g.Usage(episode)
	assert.EqualValues(t, 480, usage.UsedTokens)
	assert.Zero(t, usage.ReservedTokens)
}

func TestCheckAndReserve_DeniedReservationNeverMutatesCounters(t *testing.T) {
	g := testGuard(t)
	episode := ScopeEpisode("ep-2")

	before := g.Usage(episode)
	_, _, reasons := g.CheckAndReserve([]string{episode}, 2000, 0)
	require.NotEmpty(t, reasons)
	after := g.Usage(episode)
	assert.Equal(t, before, after)
}

func TestCheckAndReserve_MultiScopeSingleIDCoversAll(t *testing.T) {
	g := testGuard(t)
	cfg := config.Default()
	_ = cfg
	daily := ScopeDaily()
	agent := ScopeAgent("Coder")
	g.scopes[daily] = &scopeState{tokenBudget: 10000}
	g.scopes[agent] = &scopeState{tokenBudget: 5000}

	allowed, id, reasons := g.CheckAndReserve([]string{daily, agent}, 100, 0)
	require.True(t, allowed)
	require.Empty(t, reasons)

	assert.EqualValues(t, 100, g.Usage(daily).ReservedTokens)
	assert.EqualValues(t, 100, g.Usage(agent).ReservedTokens)

	g.Settle(id, 90, 0)
	assert.EqualValues(t, 90, g.Usage(daily).UsedTokens)
	assert.EqualValues(t, 90, g.Usage(agent).UsedTokens)
}

// Reservation past TTL is treated as expired; used is incremented by the
// estimate.
func TestReservation_ExpiryDebitsEstimateAsSpent(t *testing.T) {
	g := testGuard(t)
	episode := ScopeEpisode("ep-3")

	allowed, id, _ := g.CheckAndReserve([]string{episode}, 200, 0)
	require.True(t, allowed)
	require.NotEmpty(t, id)

	require.Eventually(t, func() bool {
		return g.Usage(episode).UsedTokens == 200
	}, 500*time.Millisecond, 5*time.Millisecond)
	assert.Zero(t, g.Usage(episode).ReservedTokens)

	// A settle arriving after expiry is a no-op: the reservation no longer exists.
	g.Settle(id, 50, 0)
	assert.EqualValues(t, 200, g.Usage(episode).UsedTokens)
}

func TestTokenHeadroom_ZeroBudgetReportsZero(t *testing.T) {
	g := testGuard(t)
	assert.Zero(t, g.TokenHeadroom("agent:Unconfigured"))
}

func TestTokenHeadroom_ReflectsUsage(t *testing.T) {
	g := testGuard(t)
	episode := ScopeEpisode("ep-4")
	_, id, _ := g.CheckAndReserve([]string{episode}, 100, 0)
	g.Settle(id, 100, 0)
	// usedTokens=100, budget=1000 -> headroom = 0.9
	assert.InDelta(t, 0.9, g.TokenHeadroom(episode), 1e-9)
}

func TestCheckAndReserve_MsHeadroomDenial(t *testing.T) {
	g := testGuard(t)
	episode := ScopeEpisode("ep-5")
	g.scopes[episode] = &scopeState{tokenBudget: 100000, msBudget: 100}

	allowed, _, reasons := g.CheckAndReserve([]string{episode}, 10, 1000)
	require.False(t, allowed)
	assert.Equal(t, apexerr.DenyTimeHeadroom, reasons[episode])
}
