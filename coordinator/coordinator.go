// Package coordinator implements the Coordinator FSM: the sole
// legal entrant to the Switch Engine, serializing switches with a lock and
// enforcing dwell/cooldown.
//
// Grounded on eventloop's own actor-style task loop for the "single-task
// mutator, everyone else sends requests" shape, adapted here to a
// synchronous try-lock rather than a channel-fed run loop, since
// request_switch must return a result (committed/deferred/rejected)
// synchronously to its caller rather than posting a fire-and-forget event.
package coordinator

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/apex-rt/apex/apexerr"
	"github.com/apex-rt/apex/config"
	"github.com/apex-rt/apex/logging"
	"github.com/apex-rt/apex/switchengine"
	"github.com/apex-rt/apex/topology"
)

// State is one node of the STABLE -> SWITCHING -> COOLDOWN -> STABLE cycle.
type State int

const (
	StateStable State = iota
	StateSwitching
	StateCooldown
)

func (s State) String() string {
	switch s {
	case StateStable:
		return "Stable"
	case StateSwitching:
		return "Switching"
	case StateCooldown:
		return "Cooldown"
	default:
		return "Unknown"
	}
}

// HealthProbe is the optional Topology Health Probe pre-validation hook,
// nil-able and skipped when unset. It must return
// within 20ms of ctx's deadline; the Coordinator applies that deadline
// itself and treats a probe that does not return in time as ok=false.
type HealthProbe func(ctx context.Context, target topology.Kind) (ok bool)

const healthProbeDeadline = 20 * time.Millisecond

// Result is request_switch's single canonical return record.
type Result struct {
	Kind   apexerr.SwitchOutcomeKind
	Reason string
	Epoch  uint64
}

// TopologyChangedEvent is published strictly after COMMIT installs the new
// (topology, epoch) pair.
type TopologyChangedEvent struct {
	From, To topology.Kind
	Epoch    uint64
}

// Coordinator is the single-writer FSM guarding the Switch Engine.
type Coordinator struct {
	mu sync.Mutex

	engine *switchengine.Engine
	cfg    *config.Config
	log    logging.Logger
	probe  HealthProbe

	state            State
	stepsSinceSwitch int
	cooldownRemaining int
	// switchFrom is the topology that was active when the in-flight switch
	// started; publish reports it as the event's From.
	switchFrom topology.Kind
	// deferredTarget is the single-slot, latest-wins queue of a target
	// requested while a switch was already in flight.
	deferredTarget *topology.Kind

	onFatal func(*apexerr.FatalError)

	subsMu sync.Mutex
	subs   []chan TopologyChangedEvent
}

// New creates a Coordinator starting in STABLE, wired to engine.
func New(cfg *config.Config, log logging.Logger, engine *switchengine.Engine, probe HealthProbe) *Coordinator {
	if log == nil {
		log = logging.NoOp()
	}
	c := &Coordinator{cfg: cfg, log: log, engine: engine, probe: probe, state: StateStable}
	engine.OnCommit(c.publish)
	return c
}

// SetOnFatal registers the hook invoked whenever ExecuteSwitch returns an
// error; an error that is not already a *apexerr.FatalError is wrapped in
// one before the hook sees it. A bare Coordinator has no
// process-lifecycle authority of its own, so this is nil (no-op) until a
// caller wires it; package apex's Runtime wires it to its own log-and-exit
// hook so every RequestSwitch caller -- including the Switching Controller,
// which talks to the Coordinator directly -- is covered by the same hook.
func (c *Coordinator) SetOnFatal(fn func(*apexerr.FatalError)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onFatal = fn
}

// Active delegates to the engine.
func (c *Coordinator) Active() (topology.Kind, uint64) {
	kind, epoch, _ := c.engine.Active()
	return kind, epoch
}

// Subscribe returns a channel receiving every future TopologyChangedEvent.
// The channel is buffered; a slow subscriber only misses being woken
// promptly; it never blocks a commit.
func (c *Coordinator) Subscribe() <-chan TopologyChangedEvent {
	ch := make(chan TopologyChangedEvent, 8)
	c.subsMu.Lock()
	c.subs = append(c.subs, ch)
	c.subsMu.Unlock()
	return ch
}

func (c *Coordinator) publish(epoch uint64, newTopology topology.Kind) {
	evt := TopologyChangedEvent{From: c.switchFrom, To: newTopology, Epoch: epoch}
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	for _, ch := range c.subs {
		select {
		case ch <- evt:
		default:
		}
	}
}

// Tick advances the dwell and cooldown counters by one decision tick. The
// Switching Controller calls this once per decision cadence. If a switch
// was deferred while one was already in flight (the single-slot latest-wins
// queue) and the Coordinator is STABLE
// by the end of this tick -- either because cooldown has just elapsed, or
// because the in-flight switch aborted straight to STABLE with no cooldown
// -- Tick retries that deferred target itself and returns its outcome, so
// the result is observable to the caller rather than discarded.
func (c *Coordinator) Tick(ctx context.Context) *Result {
	c.mu.Lock()
	c.stepsSinceSwitch++
	if c.state == StateCooldown {
		c.cooldownRemaining--
		if c.cooldownRemaining <= 0 {
			c.state = StateStable
		}
	}
	var retryTarget *topology.Kind
	if c.state == StateStable && c.deferredTarget != nil {
		retryTarget = c.deferredTarget
		c.deferredTarget = nil
	}
	c.mu.Unlock()

	if retryTarget == nil {
		return nil
	}
	result := c.RequestSwitch(ctx, *retryTarget)
	return &result
}

// RequestSwitch is the sole entry point a Controller (or any caller) may
// use to move the active topology. It never calls execute_switch directly
// on behalf of a caller that isn't holding the lock.
func (c *Coordinator) RequestSwitch(ctx context.Context, target topology.Kind) Result {
	c.mu.Lock()
	if c.state == StateSwitching {
		c.deferredTarget = &target
		c.mu.Unlock()
		return Result{Kind: apexerr.SwitchDeferredInFlight}
	}
	// Cooldown is checked ahead of dwell: a commit resets stepsSinceSwitch,
	// so every request inside the cooldown window also fails the dwell
	// check, and the reported reason must be cooldown.
	if c.state == StateCooldown {
		c.mu.Unlock()
		return Result{Kind: apexerr.SwitchRejectedCooldown, Reason: "cooldown"}
	}
	if c.stepsSinceSwitch < c.cfg.DwellMinSteps {
		c.mu.Unlock()
		return Result{Kind: apexerr.SwitchRejectedDwell, Reason: "dwell"}
	}

	if c.probe != nil {
		pctx, cancel := context.WithTimeout(ctx, healthProbeDeadline)
		okCh := make(chan bool, 1)
		go func() { okCh <- c.probe(pctx, target) }()
		var ok bool
		select {
		case ok = <-okCh:
		case <-pctx.Done():
		}
		cancel()
		if !ok {
			c.state = StateCooldown
			c.cooldownRemaining = c.cfg.CooldownSteps
			c.mu.Unlock()
			return Result{Kind: apexerr.SwitchDeferredHealth, Reason: "health"}
		}
	}

	c.state = StateSwitching
	c.switchFrom, _ = c.Active()
	c.mu.Unlock()

	outcome, err := c.engine.ExecuteSwitch(ctx, target)

	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		c.state = StateStable
		var fe *apexerr.FatalError
		if !errors.As(err, &fe) {
			fe = &apexerr.FatalError{Message: "switchengine: execute_switch failed", Cause: err}
		}
		if c.onFatal != nil {
			c.onFatal(fe)
		}
		return Result{Kind: apexerr.SwitchAbortedCrash, Reason: err.Error()}
	}
	switch outcome.Kind {
	case apexerr.SwitchCommitted:
		c.state = StateCooldown
		c.cooldownRemaining = c.cfg.CooldownSteps
		c.stepsSinceSwitch = 0
	default:
		// Engine aborted; remain STABLE so the next request is evaluated
		// fresh.
		c.state = StateStable
	}

	// Any deferredTarget set while this switch was in flight is left in
	// place: Tick is the sole place that retries it, once STABLE is reached
	// (see Tick's doc comment).
	return Result{Kind: outcome.Kind, Epoch: outcome.Epoch}
}

// State returns the Coordinator's current FSM state (test/observability
// helper).
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// StepsSinceSwitch returns the number of ticks elapsed since the last
// committed switch, clipped against DwellMinSteps by the Controller's
// feature extractor.
func (c *Coordinator) StepsSinceSwitch() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stepsSinceSwitch
}
