package controller

import (
	"context"
	"math/rand"
	"time"

	"github.com/apex-rt/apex/apexerr"
	"github.com/apex-rt/apex/budgetguard"
	"github.com/apex-rt/apex/config"
	"github.com/apex-rt/apex/coordinator"
	"github.com/apex-rt/apex/logging"
	"github.com/apex-rt/apex/metrics"
	"github.com/apex-rt/apex/topology"
)

// defaultRidgeLambda is the ridge-regression prior strength.
const defaultRidgeLambda = 1.0

// Controller is the Switching Controller: on each decision tick
// it extracts features, asks its bandit for an action, and -- for any
// non-stay action -- calls Coordinator.RequestSwitch. It never calls the
// Switch Engine directly.
type Controller struct {
	cfg    *config.Config
	log    logging.Logger
	coord  *coordinator.Coordinator
	budget *budgetguard.Guard

	features *FeatureExtractor
	bandit   *Bandit
	audit    *AuditLog
	latency  *metrics.Histogram

	episodeID string

	decisionCount int
	step          int

	havePending         bool
	pendingAction       Action
	pendingFeatures     Features
	lastSwitchCommitted bool
}

// Option configures New.
type Option func(*Controller)

// WithRidgeLambda overrides the bandit's ridge prior (default 1.0).
func WithRidgeLambda(lambda float64) Option {
	return func(c *Controller) { c.bandit = NewBandit(lambda, c.bandit.rng) }
}

// WithRoleGrouper overrides how Observe()'d roles map into the three
// rolling-share buckets (default: the Planner/Coder+Runner/Critic
// split).
func WithRoleGrouper(g RoleGrouper) Option {
	return func(c *Controller) { c.features = NewFeatureExtractor(c.cfg.FeatureWindowTicks, g) }
}

// WithAuditCapacity overrides the audit log's retained entry count (default
// 10,000).
func WithAuditCapacity(n int) Option {
	return func(c *Controller) { c.audit = NewAuditLog(n) }
}

// New assembles a Controller. rng must be a deterministic source supplied
// by the caller (e.g. rand.New(rand.NewSource(seed))); the core never
// reads from the process-global RNG.
func New(cfg *config.Config, log logging.Logger, coord *coordinator.Coordinator, budget *budgetguard.Guard, rng *rand.Rand, opts ...Option) *Controller {
	if log == nil {
		log = logging.NoOp()
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(1))
	}
	c := &Controller{
		cfg:      cfg,
		log:      log,
		coord:    coord,
		budget:   budget,
		features: NewFeatureExtractor(cfg.FeatureWindowTicks, nil),
		bandit:   NewBandit(defaultRidgeLambda, rng),
		audit:    NewAuditLog(10000),
		latency:  metrics.NewHistogram(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetEpisode points the Controller's budget-headroom feature (feature 8) at
// episodeID's scope.
func (c *Controller) SetEpisode(episodeID string) { c.episodeID = episodeID }

// Observe attributes one produced message to role for the rolling-share
// features; the Router or harness calls this as traffic flows.
func (c *Controller) Observe(role string) { c.features.Observe(role) }

// AuditLog exposes the Controller's decision audit trail.
func (c *Controller) AuditLog() *AuditLog { return c.audit }

// DecisionLatency exposes the fixed-bucket histogram of end-to-end Tick
// durations (the p95 target is read off this, never off a sorted sample
// set).
func (c *Controller) DecisionLatency() *metrics.Histogram { return c.latency }

func actionTopology(a Action) (topology.Kind, bool) {
	switch a {
	case ActionStar:
		return topology.Star, true
	case ActionChain:
		return topology.Chain, true
	case ActionFlat:
		return topology.Flat, true
	default:
		return "", false
	}
}

// Tick runs one decision step: it first folds reward
// for the previous tick's action (if any) into the bandit, then extracts
// fresh features, chooses an action, and -- if the action isn't "stay" --
// requests a switch via the Coordinator.
//
// reward describes the deltas observed since the previous Tick, attributable
// to whatever action that tick took; its SwitchCommitted field is
// overwritten by the Controller itself from that tick's actual outcome, so
// callers should leave it at its zero value.
func (c *Controller) Tick(ctx context.Context, reward RewardInputs) (Action, DecisionRecord) {
	start := time.Now()

	if c.havePending {
		reward.SwitchCommitted = c.lastSwitchCommitted
		r := Reward(reward)
		c.bandit.Update(c.pendingAction, c.pendingFeatures, r)
	}

	if deferred := c.coord.Tick(ctx); deferred != nil {
		c.log.Info("controller: deferred switch retried", logging.F("outcome", string(deferred.Kind)))
	}
	topoBefore, _ := c.coord.Active()

	headroom := 0.0
	if c.budget != nil && c.episodeID != "" {
		headroom = c.budget.TokenHeadroom(budgetguard.ScopeEpisode(c.episodeID))
	}
	x := c.features.Extract(topoBefore, c.coord.StepsSinceSwitch(), c.cfg.DwellMinSteps, headroom)

	eps := epsilonAt(c.decisionCount, c.cfg.EpsilonScheduleN, c.cfg.EpsilonStart, c.cfg.EpsilonEnd)
	action := c.bandit.Choose(x, eps)
	c.decisionCount++

	var sw SwitchAttempt
	if target, ok := actionTopology(action); ok {
		sw.Attempted = true
		res := c.coord.RequestSwitch(ctx, target)
		sw.Outcome = res.Kind
		sw.Epoch = res.Epoch
		sw.Committed = res.Kind == apexerr.SwitchCommitted
	}
	c.lastSwitchCommitted = sw.Committed

	c.step++
	rec := DecisionRecord{
		Step:            c.step,
		TopologyBefore:  topoBefore,
		Features:        x,
		Action:          action,
		Epsilon:         eps,
		DecisionLatency: time.Since(start),
		Switch:          sw,
	}
	c.latency.Record(rec.DecisionLatency)
	c.audit.Append(rec)

	c.pendingAction = action
	c.pendingFeatures = x
	c.havePending = true

	return action, rec
}
