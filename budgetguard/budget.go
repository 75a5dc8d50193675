// Package budgetguard implements the Budget Guard: scoped
// token/time reservations with an estimate -> reserve -> settle lifecycle,
// gating every external LLM/tool call against multi-scope (daily,
// per-episode, per-agent) budgets before it is allowed to run.
//
// Scopes live in a map keyed by tag under one lock, with a TTL-driven
// reclamation path for abandoned reservations. The per-scope family
// (daily, episode, agent) is also backed by a
// github.com/joeycumines/go-catrate Limiter used as a burst-rate
// safety net ahead of that accounting: a caller that
// fires check_and_reserve in a tight loop against the same scope is turned
// away by the limiter (consulted under the Guard's lock) before any
// token/time headroom is evaluated, rather than being accounted for and
// denied only after the fact.
package budgetguard

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/apex-rt/apex/apexerr"
	"github.com/apex-rt/apex/config"
	"github.com/apex-rt/apex/logging"

	"github.com/joeycumines/go-catrate"
)

// Clock abstracts time for tests, mirroring router.Clock's contract; TTLs
// use the monotonic reading.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// scopeState tracks one scope's budget, used, and reserved totals. Token and
// millisecond tracks are independent; a zero budget on a track means that
// track is not enforced for this scope, so a scope with no configured ms
// budget never denies on ms.
type scopeState struct {
	tokenBudget    int64
	usedTokens     int64
	reservedTokens int64

	msBudget   int64
	usedMs     int64
	reservedMs int64
}

func (s *scopeState) tokenHeadroomOK(safetyFactor float64, estTok int64) bool {
	if s.tokenBudget <= 0 {
		return true
	}
	projected := float64(s.usedTokens+s.reservedTokens) + safetyFactor*float64(estTok)
	return projected <= float64(s.tokenBudget)
}

func (s *scopeState) msHeadroomOK(safetyFactor float64, estMs int64) bool {
	if s.msBudget <= 0 {
		return true
	}
	projected := float64(s.usedMs+s.reservedMs) + safetyFactor*float64(estMs)
	return projected <= float64(s.msBudget)
}

// reservation records one outstanding estimate awaiting settle() or TTL
// expiry.
type reservation struct {
	id        string
	scopes    []string
	estTokens int64
	estMs     int64
	createdTS time.Time
	timer     *time.Timer
}

// Guard is the multi-scope token/time budget gate.
type Guard struct {
	mu    sync.Mutex
	cfg   *config.Config
	log   logging.Logger
	clock Clock

	scopes       map[string]*scopeState
	reservations map[string]*reservation

	burst *catrate.Limiter
}

// Scope name helpers for the three scope families.
func ScopeDaily() string                   { return "daily" }
func ScopeEpisode(episodeID string) string { return "episode:" + episodeID }
func ScopeAgent(role string) string        { return "agent:" + role }

// defaultBurstRates bounds how many check_and_reserve calls a single scope
// may make in a short window. It is deliberately generous: this is a safety
// net against a runaway/crashed caller hammering the lock, not a substitute
// for the token/time accounting below, so it must never be the thing that
// trips in ordinary operation.
func defaultBurstRates() map[time.Duration]int {
	return map[time.Duration]int{
		100 * time.Millisecond: 200,
		time.Second:            1999,
	}
}

// New creates a Guard. Per-role agent budgets and the daily/episode budgets
// come from cfg; episode scopes are created lazily on first use, while
// agent and daily scopes are pre-declared at construction so zero-usage
// roles are reportable from the start.
func New(cfg *config.Config, log logging.Logger, clock Clock) *Guard {
	if log == nil {
		log = logging.NoOp()
	}
	if clock == nil {
		clock = systemClock{}
	}
	g := &Guard{
		cfg:          cfg,
		log:          log,
		clock:        clock,
		scopes:       make(map[string]*scopeState),
		reservations: make(map[string]*reservation),
		burst:        catrate.NewLimiter(defaultBurstRates()),
	}
	g.scopes[ScopeDaily()] = &scopeState{tokenBudget: cfg.BudgetsDailyTokens}
	for role, budget := range cfg.BudgetsAgentTokens {
		g.scopes[ScopeAgent(role)] = &scopeState{tokenBudget: budget}
	}
	return g
}

func (g *Guard) scopeFor(tag string) *scopeState {
	if s, ok := g.scopes[tag]; ok {
		return s
	}
	s := &scopeState{tokenBudget: g.cfg.BudgetsEpisodeTokens}
	g.scopes[tag] = s
	return s
}

// Reasons maps each denied scope tag to why it was denied.
type Reasons map[string]apexerr.BudgetDenyReason

// CheckAndReserve implements the estimate/reserve step. On allow, a
// single reservation id is returned that references every scope in
// scopeTags; settle or TTL expiry closes all of them together.
func (g *Guard) CheckAndReserve(scopeTags []string, estTok, estMs int64) (allowed bool, reservationID string, reasons Reasons) {
	g.mu.Lock()
	defer g.mu.Unlock()

	for _, tag := range scopeTags {
		if _, ok := g.burst.Allow(tag); !ok {
			if reasons == nil {
				reasons = Reasons{}
			}
			reasons[tag] = apexerr.DenyTokenHeadroom
		}
	}
	if len(reasons) > 0 {
		return false, "", reasons
	}

	for _, tag := range scopeTags {
		// Look up without creating: a denied reservation leaves no trace.
		s, ok := g.scopes[tag]
		if !ok {
			s = &scopeState{tokenBudget: g.cfg.BudgetsEpisodeTokens}
		}
		if !s.tokenHeadroomOK(g.cfg.SafetyFactor, estTok) {
			if reasons == nil {
				reasons = Reasons{}
			}
			reasons[tag] = apexerr.DenyTokenHeadroom
			continue
		}
		if !s.msHeadroomOK(g.cfg.SafetyFactor, estMs) {
			if reasons == nil {
				reasons = Reasons{}
			}
			reasons[tag] = apexerr.DenyTimeHeadroom
		}
	}
	if len(reasons) > 0 {
		return false, "", reasons
	}

	id := uuid.NewString()
	for _, tag := range scopeTags {
		s := g.scopeFor(tag)
		s.reservedTokens += estTok
		s.reservedMs += estMs
	}
	ttl := g.cfg.ReservationTTL
	res := &reservation{id: id, scopes: append([]string(nil), scopeTags...), estTokens: estTok, estMs: estMs, createdTS: g.clock.Now()}
	res.timer = time.AfterFunc(ttl, func() { g.expire(id) })
	g.reservations[id] = res
	return true, id, nil
}

// Settle closes reservationID, replacing the held estimate with actuals.
// Overshoot beyond the original estimate is accounted for in
// full; it is not capped back down to the estimate.
func (g *Guard) Settle(reservationID string, actualTok, actualMs int64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	res, ok := g.reservations[reservationID]
	if !ok {
		return
	}
	delete(g.reservations, reservationID)
	res.timer.Stop()
	for _, tag := range res.scopes {
		s := g.scopeFor(tag)
		s.reservedTokens -= res.estTokens
		if s.reservedTokens < 0 {
			s.reservedTokens = 0
		}
		s.usedTokens += actualTok

		s.reservedMs -= res.estMs
		if s.reservedMs < 0 {
			s.reservedMs = 0
		}
		s.usedMs += actualMs
	}
}

// expire debits a reservation's estimate as though spent, preventing a
// crashed caller from holding a scope's headroom forever.
func (g *Guard) expire(reservationID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	res, ok := g.reservations[reservationID]
	if !ok {
		return
	}
	delete(g.reservations, reservationID)
	for _, tag := range res.scopes {
		s := g.scopeFor(tag)
		s.reservedTokens -= res.estTokens
		if s.reservedTokens < 0 {
			s.reservedTokens = 0
		}
		s.usedTokens += res.estTokens

		s.reservedMs -= res.estMs
		if s.reservedMs < 0 {
			s.reservedMs = 0
		}
		s.usedMs += res.estMs
	}
	g.log.Warn("budgetguard: reservation expired, debited as spent", logging.F("reservation_id", reservationID))
}

// Usage is an observability snapshot of one scope's accounting.
type Usage struct {
	TokenBudget, UsedTokens, ReservedTokens int64
	MsBudget, UsedMs, ReservedMs            int64
}

// Usage returns a snapshot for tag, or the zero Usage if the scope has never
// been referenced.
func (g *Guard) Usage(tag string) Usage {
	g.mu.Lock()
	defer g.mu.Unlock()
	s, ok := g.scopes[tag]
	if !ok {
		return Usage{}
	}
	return Usage{
		TokenBudget: s.tokenBudget, UsedTokens: s.usedTokens, ReservedTokens: s.reservedTokens,
		MsBudget: s.msBudget, UsedMs: s.usedMs, ReservedMs: s.reservedMs,
	}
}

// TokenHeadroom returns max(0, 1 - used/budget) for tag, the Controller's
// headroom feature input. A scope with no configured budget (<= 0)
// reports zero headroom.
func (g *Guard) TokenHeadroom(tag string) float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	s, ok := g.scopes[tag]
	if !ok || s.tokenBudget <= 0 {
		return 0
	}
	headroom := 1 - float64(s.usedTokens)/float64(s.tokenBudget)
	if headroom < 0 {
		return 0
	}
	return headroom
}
