// Package switchengine implements the Switch Engine: the
// PREPARE -> QUIESCE -> COMMIT|ABORT protocol that moves the Router from one
// active topology to another without ever delivering a message out of
// order or losing one.
package switchengine

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/apex-rt/apex/apexerr"
	"github.com/apex-rt/apex/config"
	"github.com/apex-rt/apex/logging"
	"github.com/apex-rt/apex/message"
	"github.com/apex-rt/apex/metrics"
	"github.com/apex-rt/apex/queue"
	"github.com/apex-rt/apex/topology"
)

// WarmupFunc is one PREPARE-phase warmup task, e.g. pre-resolving the
// target topology's routing tables. All warmups for a switch attempt run
// concurrently and must complete within the configured PREPARE deadline.
type WarmupFunc func(ctx context.Context, target topology.Kind) error

// Stats carries timing and migration counts for one switch attempt.
// Migrated counts Q_next messages moved into Q_active, whether by a COMMIT
// swap or by an ABORT suffix splice.
type Stats struct {
	PrepareDuration time.Duration
	QuiesceDuration time.Duration
	Migrated        int
}

// Outcome reports the terminal result of one ExecuteSwitch attempt.
type Outcome struct {
	Kind    apexerr.SwitchOutcomeKind
	Epoch   uint64
	Stats   Stats
	Dropped map[string]int // recipient -> count, populated only on ABORT overflow.
}

// Engine owns the epoch counter, the active topology, and the Q_active/
// Q_next queue set, and drives the three-phase switch protocol. The phase
// word is a lock-free CAS state machine; the multi-field swap
// performed at COMMIT/ABORT is guarded by mu since it must change epoch,
// topology and the queue contents together.
type Engine struct {
	mu sync.Mutex

	phase        *fastPhase
	epoch        atomic.Uint64
	bufferToNext atomic.Bool
	active       atomic.Value // topology.Kind

	queues    *queue.Set
	intentLog IntentLog
	cfg       *config.Config
	log       logging.Logger
	warmups   []WarmupFunc

	prepareHist *metrics.Histogram
	quiesceHist *metrics.Histogram

	onCommit func(epoch uint64, newTopology topology.Kind)
}

// New creates an Engine starting at initial, running Replay against log to
// resolve any dangling switch from a prior process.
func New(cfg *config.Config, log logging.Logger, intentLog IntentLog, queues *queue.Set, initial topology.Kind, warmups ...WarmupFunc) *Engine {
	if log == nil {
		log = logging.NoOp()
	}
	if intentLog == nil {
		intentLog = NewMemoryIntentLog()
	}
	e := &Engine{
		phase:       newFastPhase(),
		queues:      queues,
		intentLog:   intentLog,
		cfg:         cfg,
		log:         log,
		warmups:     warmups,
		prepareHist: metrics.NewHistogram(),
		quiesceHist: metrics.NewHistogram(),
	}
	e.active.Store(initial)
	e.replay()
	return e
}

// replay forces an ABORT resolution if the log shows a BeginPrepare with no
// matching Commit/Abort, i.e. the prior process crashed mid-switch.
func (e *Engine) replay() {
	target, pending := e.intentLog.LastIntent()
	if !pending {
		return
	}
	e.log.Warn("switchengine: resolving dangling switch intent from prior run", logging.F("target", target))
	e.intentLog.Abort("crash_restart", nil)
}

// OnCommit registers a callback invoked synchronously whenever a switch
// commits, after mu is released and the new (topology, epoch) is installed.
// Used by the Coordinator to publish TopologyChanged.
func (e *Engine) OnCommit(fn func(epoch uint64, newTopology topology.Kind)) {
	e.onCommit = fn
}

// Active returns the current topology, epoch, and whether new admissions
// should currently buffer into Q_next. Router's hot ingress path calls this
// on every route(): all three reads are lock-free.
func (e *Engine) Active() (kind topology.Kind, epoch uint64, bufferToNext bool) {
	return e.active.Load().(topology.Kind), e.epoch.Load(), e.bufferToNext.Load()
}

// Phase returns the engine's current protocol phase.
func (e *Engine) Phase() Phase {
	return e.phase.Load()
}

// PhaseDurations exposes the fixed-bucket histograms of PREPARE and QUIESCE
// durations across all switch attempts.
func (e *Engine) PhaseDurations() (prepare, quiesce *metrics.Histogram) {
	return e.prepareHist, e.quiesceHist
}

// ExecuteSwitch drives one full PREPARE -> QUIESCE -> COMMIT|ABORT attempt
// toward target. Only one attempt may be in flight at a time; a concurrent
// call observes PhaseIdle->PhasePrepare CAS failure and returns immediately
// with SwitchDeferredInFlight: at most one switch is ever in flight.
func (e *Engine) ExecuteSwitch(ctx context.Context, target topology.Kind) (Outcome, error) {
	if !target.Valid() {
		return Outcome{}, &apexerr.TopologyViolation{Reason: "unknown target topology"}
	}
	if !e.phase.CAS(PhaseIdle, PhasePrepare) {
		return Outcome{Kind: apexerr.SwitchDeferredInFlight}, nil
	}
	e.intentLog.BeginPrepare(string(target))

	var stats Stats
	prepareStart := time.Now()
	err := e.prepare(ctx, target)
	stats.PrepareDuration = time.Since(prepareStart)
	e.prepareHist.Record(stats.PrepareDuration)
	if err != nil {
		e.log.Warn("switchengine: prepare failed, aborting", logging.F("target", target), logging.F("err", err.Error()))
		return e.abort("prepare_failed", stats)
	}

	if !e.phase.CAS(PhasePrepare, PhaseQuiesce) {
		return Outcome{}, &apexerr.FatalError{Message: "switchengine: phase desync entering quiesce"}
	}
	e.bufferToNext.Store(true)

	quiesceStart := time.Now()
	drained := e.quiesce(ctx)
	stats.QuiesceDuration = time.Since(quiesceStart)
	e.quiesceHist.Record(stats.QuiesceDuration)
	if !drained {
		return e.abort("quiesce_timeout", stats)
	}

	if !e.phase.CAS(PhaseQuiesce, PhaseCommit) {
		return Outcome{}, &apexerr.FatalError{Message: "switchengine: phase desync entering commit"}
	}
	return e.commit(target, stats)
}

// prepare runs every warmup concurrently, bounded by cfg.PrepareDeadline.
func (e *Engine) prepare(ctx context.Context, target topology.Kind) error {
	if len(e.warmups) == 0 {
		return nil
	}
	pctx, cancel := context.WithTimeout(ctx, e.cfg.PrepareDeadline)
	defer cancel()
	g, gctx := errgroup.WithContext(pctx)
	for _, w := range e.warmups {
		w := w
		g.Go(func() error { return w(gctx, target) })
	}
	return g.Wait()
}

// quiesce polls the active queue depth until it reaches zero or the
// configured deadline elapses. Messages admitted during this window buffer
// into Q_next via bufferToNext, never into the draining Q_active.
func (e *Engine) quiesce(ctx context.Context) bool {
	deadline := time.Now().Add(e.cfg.QuiesceDeadline)
	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()
	for {
		if e.queues.ActiveDepthTotal() == 0 {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
}

// commit performs the multi-field swap: epoch advances, the target topology
// becomes active, and every recipient's drained Q_next content becomes its
// new Q_active (which is guaranteed empty by a successful quiesce).
func (e *Engine) commit(target topology.Kind, stats Stats) (Outcome, error) {
	e.mu.Lock()
	newEpoch := e.epoch.Add(1)
	e.active.Store(target)
	for _, recipient := range e.queues.Recipients() {
		pair := e.queues.Get(recipient)
		for _, m := range pair.Next.DrainAll() {
			pair.Active.Push(m)
			stats.Migrated++
		}
	}
	e.bufferToNext.Store(false)
	cb := e.onCommit
	e.mu.Unlock()

	e.intentLog.Commit(newEpoch)
	e.phase.Store(PhaseIdle)
	if cb != nil {
		cb(newEpoch, target)
	}
	e.log.Info("switchengine: committed", logging.F("topology", target), logging.F("epoch", newEpoch))
	return Outcome{Kind: apexerr.SwitchCommitted, Epoch: newEpoch, Stats: stats}, nil
}

// abort restores the pre-switch state: the topology and epoch are
// untouched, and every recipient's buffered Q_next content is spliced in as
// an ordered suffix after whatever remains in Q_active, never ahead of it.
// Capacity overflow during the splice is
// recorded per recipient as a dropped-message count rather than blocking.
func (e *Engine) abort(reason string, stats Stats) (Outcome, error) {
	e.mu.Lock()
	dropped := map[string]int{}
	for _, recipient := range e.queues.Recipients() {
		pair := e.queues.Get(recipient)
		leftover := pair.Active.DrainAll()
		buffered := pair.Next.DrainAll()
		combined := make([]*message.Message, 0, len(leftover)+len(buffered))
		combined = append(combined, leftover...)
		combined = append(combined, buffered...)
		// Active is empty at this point (just drained), so a plain Push per
		// item in order reproduces [leftover..., buffered...] exactly;
		// overflow past capacity drops from the buffered tail first, since
		// those are the newest and least-established messages of the two.
		for i, m := range combined {
			if !pair.Active.Push(m) {
				dropped[recipient]++
			} else if i >= len(leftover) {
				stats.Migrated++
			}
		}
	}
	e.bufferToNext.Store(false)
	epoch := e.epoch.Load()
	e.mu.Unlock()

	e.intentLog.Abort(reason, dropped)
	e.phase.Store(PhaseIdle)
	e.log.Warn("switchengine: aborted", logging.F("reason", reason), logging.F("dropped_total", totalDropped(dropped)))

	// Only the crash-recovery path gets its own outcome kind; a failed
	// warmup and a quiesce timeout are both reported as the generic
	// quiesce-timeout abort since neither ever touched committed state.
	outcomeKind := apexerr.SwitchAbortedQuiesce
	if reason == "crash_restart" {
		outcomeKind = apexerr.SwitchAbortedCrash
	}
	return Outcome{Kind: outcomeKind, Epoch: epoch, Stats: stats, Dropped: dropped}, nil
}

func totalDropped(m map[string]int) int {
	total := 0
	for _, v := range m {
		total += v
	}
	return total
}
