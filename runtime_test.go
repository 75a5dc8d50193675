package apex

import (
	"context"
	"math/rand"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apex-rt/apex/apexerr"
	"github.com/apex-rt/apex/budgetguard"
	"github.com/apex-rt/apex/collab"
	"github.com/apex-rt/apex/config"
	"github.com/apex-rt/apex/coordinator"
	"github.com/apex-rt/apex/dedup"
	"github.com/apex-rt/apex/message"
	"github.com/apex-rt/apex/queue"
	"github.com/apex-rt/apex/router"
	"github.com/apex-rt/apex/switchengine"
	"github.com/apex-rt/apex/topology"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

// newTestRuntime assembles a Runtime the way a harness would, with onFatal
// recording instead of exiting the test process.
func newTestRuntime(t *testing.T) (rt *Runtime, cfg *config.Config, clock *fakeClock, caught *[]*apexerr.FatalError) {
	t.Helper()
	cfg = config.Default()
	clock = &fakeClock{now: time.Unix(1700000000, 0)}
	qs := queue.NewSet(10)
	eng := switchengine.New(cfg, nil, nil, qs, topology.Star)
	guard := topology.New(topology.DefaultRoleSet(), cfg.FlatFanoutLimit)
	dedupStore := dedup.New(cfg.MessageTTL, 100)
	r := router.New(cfg, nil, guard, dedupStore, qs, eng, clock, rand.New(rand.NewSource(1)))
	coord := coordinator.New(cfg, nil, eng, nil)
	budget := budgetguard.New(cfg, nil, nil)

	caught = &[]*apexerr.FatalError{}
	rt = New(nil, r, coord, budget, nil, func(err *apexerr.FatalError) {
		*caught = append(*caught, err)
	})
	return rt, cfg, clock, caught
}

func newMsg(t *testing.T, sender, recipient string, clock *fakeClock) *message.Message {
	t.Helper()
	m, err := message.New("ep-1", sender, recipient, message.Payload{"k": "v"}, message.PriorityFinal, 0, 60*time.Second, 524288, clock.now)
	require.NoError(t, err)
	return m
}

func TestRuntime_Route_NeverCatchesOrdinaryDrops(t *testing.T) {
	rt, _, clock, caught := newTestRuntime(t)
	err := rt.Route(topology.Chain, newMsg(t, "Coder", "Critic", clock)) // skipped hop
	var rejected router.Rejected
	require.ErrorAs(t, err, &rejected)
	assert.Empty(t, *caught, "an ordinary topology drop must not trip OnFatal")
}

func TestRuntime_RouteFanout_DetectsFatalErrorOnNonFanoutIntent(t *testing.T) {
	rt, _, clock, caught := newTestRuntime(t)
	build := func(recipient string) *message.Message { return newMsg(t, "Coder", recipient, clock) }

	// Star resolves a single recipient to a Direct or RouteViaHub intent,
	// never Fanout; calling RouteFanout under Star is the caller misusing
	// the API, which router.Router treats as an invariant violation.
	err := rt.RouteFanout(topology.Star, "Coder", []string{"Runner"}, build)
	require.Error(t, err)
	var fe *apexerr.FatalError
	require.ErrorAs(t, err, &fe)

	require.Len(t, *caught, 1)
	assert.Same(t, fe, (*caught)[0])
}

func TestRuntime_Retry_DropsAfterMaxAttemptsWithoutOnFatal(t *testing.T) {
	rt, cfg, clock, caught := newTestRuntime(t)
	m := newMsg(t, "Coder", "Runner", clock)
	m.Attempt = cfg.MaxAttempts

	_, err := rt.Retry(m)
	var rejected router.Rejected
	require.ErrorAs(t, err, &rejected)
	assert.Equal(t, apexerr.DropMaxAttempts, rejected.Reason)
	assert.Empty(t, *caught, "a max-attempts drop is not a FatalError")
}

func TestRuntime_New_DefaultOnFatalLogsWithoutExitingWhenOverridden(t *testing.T) {
	// A nil onFatal must still resolve to a usable hook (the documented
	// log-and-os.Exit(2) default); passing a custom one, as every other
	// test in this file does, is what lets tests observe it without
	// killing the process. This only asserts construction never panics
	// and that Runtime holds onto the components it was given.
	rt, _, _, _ := newTestRuntime(t)
	require.NotNil(t, rt.Router)
	require.NotNil(t, rt.Coordinator)
	require.NotNil(t, rt.Budget)

	// nil onFatal resolves to the default hook; no Coordinator is passed so
	// the exiting default is never wired onto a live component here.
	withDefault := New(nil, rt.Router, nil, rt.Budget, nil, nil)
	require.NotNil(t, withDefault.onFatal)
}

type fakeLLM struct {
	res   collab.GenerateResult
	err   error
	calls int
}

func (f *fakeLLM) Generate(ctx context.Context, prompt string, maxTokens int64, timeout time.Duration) (collab.GenerateResult, error) {
	f.calls++
	return f.res, f.err
}

func TestRuntime_GuardedGenerate_ReservesThenSettlesActuals(t *testing.T) {
	rt, cfg, _, _ := newTestRuntime(t)
	cfg.BudgetsEpisodeTokens = 10000
	scope := budgetguard.ScopeEpisode("ep-1")
	llm := &fakeLLM{res: collab.GenerateResult{Text: "done", TokensIn: 40, TokensOut: 120, Status: apexerr.ToolOK}}

	res, reasons, err := rt.GuardedGenerate(context.Background(), llm, collab.FixedRatioEstimator{}, []string{scope}, "write a failing test first", 256, time.Second)
	require.NoError(t, err)
	require.Empty(t, reasons)
	assert.Equal(t, apexerr.ToolOK, res.Status)
	assert.Equal(t, 1, llm.calls)

	usage := rt.Budget.Usage(scope)
	assert.EqualValues(t, 160, usage.UsedTokens, "settle replaces the estimate with the realized token count")
	assert.Zero(t, usage.ReservedTokens)
}

func TestRuntime_GuardedGenerate_DeniedNeverReachesLLM(t *testing.T) {
	rt, cfg, _, _ := newTestRuntime(t)
	cfg.BudgetsEpisodeTokens = 100
	scope := budgetguard.ScopeEpisode("ep-2")
	llm := &fakeLLM{}

	res, reasons, err := rt.GuardedGenerate(context.Background(), llm, collab.FixedRatioEstimator{}, []string{scope}, strings.Repeat("x", 600), 0, time.Second)
	require.NoError(t, err, "a budget denial is an outcome, not an error")
	assert.Equal(t, apexerr.ToolBudgetDenied, res.Status)
	assert.Equal(t, apexerr.DenyTokenHeadroom, reasons[scope])
	assert.Zero(t, llm.calls)

	usage := rt.Budget.Usage(scope)
	assert.Zero(t, usage.UsedTokens)
	assert.Zero(t, usage.ReservedTokens)
}
