// Package router implements the Router: the sole ingress/egress
// point for every Message, enforcing topology rules, epoch stamping, dedup,
// capacity, TTL, and retry accounting.
package router

import (
	"math/rand"
	"sync"
	"time"

	"github.com/apex-rt/apex/apexerr"
	"github.com/apex-rt/apex/config"
	"github.com/apex-rt/apex/dedup"
	"github.com/apex-rt/apex/logging"
	"github.com/apex-rt/apex/message"
	"github.com/apex-rt/apex/queue"
	"github.com/apex-rt/apex/switchengine"
	"github.com/apex-rt/apex/topology"
)

// Clock abstracts time so tests can control expiry and backoff jitter.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Rejected is returned by Route when a message is not admitted.
type Rejected struct {
	Reason apexerr.DropReason
}

func (r Rejected) Error() string { return "rejected: " + string(r.Reason) }

// Counters tracks per-reason admission/drop totals for observability.
type Counters struct {
	mu       sync.Mutex
	admitted int64
	byReason map[apexerr.DropReason]int64
}

func newCounters() *Counters {
	return &Counters{byReason: make(map[apexerr.DropReason]int64)}
}

func (c *Counters) recordAdmitted() {
	c.mu.Lock()
	c.admitted++
	c.mu.Unlock()
}

func (c *Counters) recordDrop(reason apexerr.DropReason) {
	c.mu.Lock()
	c.byReason[reason]++
	c.mu.Unlock()
}

// Admitted returns the running admitted-message total.
func (c *Counters) Admitted() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.admitted
}

// ByReason returns a snapshot of the drop-reason counters.
func (c *Counters) ByReason() map[apexerr.DropReason]int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[apexerr.DropReason]int64, len(c.byReason))
	for k, v := range c.byReason {
		out[k] = v
	}
	return out
}

// Router is the fine-grained-locked admission/delivery path shared by every
// agent. All its collaborators (Guard, Dedup Store, Queue Set, Switch
// Engine) are themselves internally synchronized, so Router's own lock only
// protects the rng used for retry jitter.
type Router struct {
	cfg    *config.Config
	log    logging.Logger
	guard  *topology.Guard
	dedup  *dedup.Store
	queues *queue.Set
	engine *switchengine.Engine
	clock  Clock

	rngMu sync.Mutex
	rng   *rand.Rand

	counters *Counters
}

// New assembles a Router over already-constructed collaborators. rng, if
// nil, is seeded from the clock's current time; a harness wanting
// deterministic jitter in tests should inject its own.
func New(cfg *config.Config, log logging.Logger, guard *topology.Guard, dedupStore *dedup.Store, queues *queue.Set, engine *switchengine.Engine, clock Clock, rng *rand.Rand) *Router {
	if log == nil {
		log = logging.NoOp()
	}
	if clock == nil {
		clock = systemClock{}
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(clock.Now().UnixNano()))
	}
	return &Router{
		cfg:      cfg,
		log:      log,
		guard:    guard,
		dedup:    dedupStore,
		queues:   queues,
		engine:   engine,
		clock:    clock,
		rng:      rng,
		counters: newCounters(),
	}
}

// Counters exposes the router's admission/drop counters.
func (r *Router) Counters() *Counters { return r.counters }

// Route admits msg, or rejects it with a recorded drop_reason.
// topo is the active topology under which sender/recipients are validated;
// callers obtain it from Coordinator.Active() or Engine.Active().
func (r *Router) Route(topo topology.Kind, msg *message.Message) error {
	if len(msg.Payload) > 0 {
		if size := message.PayloadSize(msg.Payload); size > r.cfg.PayloadMaxBytes {
			r.counters.recordDrop(apexerr.DropInvalidPayload)
			return Rejected{Reason: apexerr.DropInvalidPayload}
		}
	}

	recipients := []string{msg.Recipient}
	intent, err := r.guard.Validate(topo, msg.Sender, recipients)
	if err != nil {
		r.counters.recordDrop(apexerr.DropTopologyViolation)
		return Rejected{Reason: apexerr.DropTopologyViolation}
	}

	switch intent.Kind {
	case topology.Direct:
		return r.admitOne(msg, intent.To, "")
	case topology.RouteViaHub:
		return r.admitOne(msg, intent.To, intent.ForwardTo)
	case topology.Fanout:
		return r.admitFanout(msg, intent.Fanout)
	default:
		return &apexerr.FatalError{Message: "router: unknown intent kind"}
	}
}

// RouteFanout is the Flat entry point: callers supply the full recipient
// list up front so the Guard can enforce fanout_limit before any Message is
// produced.
func (r *Router) RouteFanout(topo topology.Kind, sender string, recipients []string, build func(recipient string) *message.Message) error {
	intent, err := r.guard.Validate(topo, sender, recipients)
	if err != nil {
		r.counters.recordDrop(apexerr.DropTopologyViolation)
		return Rejected{Reason: apexerr.DropTopologyViolation}
	}
	if intent.Kind != topology.Fanout {
		return &apexerr.FatalError{Message: "router: RouteFanout called under non-fanout intent"}
	}
	for _, to := range intent.Fanout {
		if err := r.admitOne(build(to), to, ""); err != nil {
			return err
		}
	}
	return nil
}

func (r *Router) admitOne(msg *message.Message, recipient, forwardHint string) error {
	if forwardHint != "" {
		if msg.Payload == nil {
			msg.Payload = message.Payload{}
		}
		msg.Payload["forward_to"] = forwardHint
	}
	msg.Recipient = recipient

	// The atomic admission region: a single Active() read determines both
	// the epoch stamp and the destination queue, so a concurrent COMMIT can
	// never be observed half-applied. A message buffered into Q_next while
	// a switch is in flight belongs to the epoch COMMIT is about to
	// install, not the one still draining.
	_, epoch, bufferToNext := r.engine.Active()
	if bufferToNext {
		epoch++
	}
	msg.TopoEpoch = epoch

	if r.dedup.CheckAndMark(recipient, msg.EpisodeID, msg.MsgID, r.clock.Now()) {
		msg.Redelivered = true
		r.counters.recordDrop(apexerr.DropDedupDuplicate)
		return Rejected{Reason: apexerr.DropDedupDuplicate}
	}

	pair := r.queues.Get(recipient)
	target := pair.Active
	if bufferToNext {
		target = pair.Next
	}
	if !target.Push(msg) {
		r.counters.recordDrop(apexerr.DropQueueFull)
		return Rejected{Reason: apexerr.DropQueueFull}
	}
	r.counters.recordAdmitted()
	return nil
}

func (r *Router) admitFanout(msg *message.Message, recipients []string) error {
	if len(recipients) == 0 {
		return &apexerr.FatalError{Message: "router: fanout intent with no recipients"}
	}
	for _, to := range recipients {
		clone := msg.Clone(to)
		if err := r.admitOne(clone, to, ""); err != nil {
			return err
		}
	}
	return nil
}

// Dequeue returns the next deliverable message for agentID, or ok=false if
// its Q_active is empty. Expired messages are discarded and the search
// continues.
func (r *Router) Dequeue(agentID string) (msg *message.Message, ok bool) {
	pair := r.queues.Get(agentID)
	for {
		m, popped := pair.Active.TryPop()
		if !popped {
			return nil, false
		}
		if m.Expired(r.clock.Now()) {
			m.DropReason = apexerr.DropExpired
			r.counters.recordDrop(apexerr.DropExpired)
			continue
		}
		return m, true
	}
}

// DequeueWait is the blocking form of Dequeue: it parks until a message is
// deliverable for agentID or Close has been called, returning ok=false only
// in the latter case. A consumer parked here while a switch is in flight
// wakes when COMMIT splices the buffered Q_next content into its Q_active.
func (r *Router) DequeueWait(agentID string) (msg *message.Message, ok bool) {
	pair := r.queues.Get(agentID)
	for {
		m, popped := pair.Active.Pop()
		if !popped {
			return nil, false
		}
		if m.Expired(r.clock.Now()) {
			m.DropReason = apexerr.DropExpired
			r.counters.recordDrop(apexerr.DropExpired)
			continue
		}
		return m, true
	}
}

// Close wakes every consumer parked in DequeueWait; once its queue is
// empty, each returns ok=false instead of parking again.
func (r *Router) Close() {
	r.queues.Close()
}

// Retry marks msg for re-admission after a transient consumer-side failure,
// incrementing its attempt count and flagging it redelivered. Once attempts
// exceed max_attempts it is dropped instead and Retry returns that outcome
// directly. On success Retry returns the jittered backoff (±10%) the caller
// must itself wait out before re-admitting msg via Route; the Router runs no
// internal timer and never re-enqueues on the caller's behalf.
func (r *Router) Retry(msg *message.Message) (delay time.Duration, err error) {
	msg.MarkRetried()
	if msg.Attempt > r.cfg.MaxAttempts {
		r.counters.recordDrop(apexerr.DropMaxAttempts)
		msg.DropReason = apexerr.DropMaxAttempts
		return 0, Rejected{Reason: apexerr.DropMaxAttempts}
	}
	return r.jitteredBackoff(), nil
}

const baseRetryBackoff = 100 * time.Millisecond

func (r *Router) jitteredBackoff() time.Duration {
	r.rngMu.Lock()
	jitter := 1.0 + (r.rng.Float64()*0.2 - 0.1) // uniform in [-10%, +10%]
	r.rngMu.Unlock()
	return time.Duration(float64(baseRetryBackoff) * jitter)
}

// QueueDepths returns the current Active-queue depth per recipient.
func (r *Router) QueueDepths() map[string]int {
	return r.queues.Depths()
}
