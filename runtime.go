// Package apex assembles the Router, Coordinator (and the Switch Engine it
// owns), Budget Guard and Switching Controller into one running instance,
// and is the single place in the module that treats a *apexerr.FatalError
// as fatal: an unrecoverable invariant violation is logged and the process
// exits. Nothing below this layer calls os.Exit itself; every component
// returns an error and only this assembly layer decides to exit.
package apex

import (
	"context"
	"errors"
	"os"
	"time"

	"github.com/apex-rt/apex/apexerr"
	"github.com/apex-rt/apex/budgetguard"
	"github.com/apex-rt/apex/collab"
	"github.com/apex-rt/apex/controller"
	"github.com/apex-rt/apex/coordinator"
	"github.com/apex-rt/apex/logging"
	"github.com/apex-rt/apex/message"
	"github.com/apex-rt/apex/router"
	"github.com/apex-rt/apex/topology"
)

// OnFatalFunc is invoked exactly once per detected *apexerr.FatalError.
type OnFatalFunc func(err *apexerr.FatalError)

// Runtime wires an already-constructed Router, Coordinator, Budget Guard and
// Switching Controller together. Router and Coordinator are the only two
// components that can surface a *apexerr.FatalError (an unknown topology
// intent, an empty fanout, or a Switch Engine phase desync); Runtime is
// where both are caught, regardless of whether the call came through
// Runtime itself (Route, RouteFanout, Retry) or through the Controller
// calling Coordinator.RequestSwitch directly during its own Tick.
type Runtime struct {
	Router      *router.Router
	Coordinator *coordinator.Coordinator
	Budget      *budgetguard.Guard
	Controller  *controller.Controller

	log     logging.Logger
	onFatal OnFatalFunc
}

// New assembles a Runtime. onFatal, if nil, defaults to logging at Error
// level and calling os.Exit(2). It is wired onto coord via
// Coordinator.SetOnFatal so a fatal Switch Engine error is caught no matter
// which caller triggered the switch.
func New(log logging.Logger, r *router.Router, coord *coordinator.Coordinator, budget *budgetguard.Guard, ctrl *controller.Controller, onFatal OnFatalFunc) *Runtime {
	if log == nil {
		log = logging.NoOp()
	}
	rt := &Runtime{Router: r, Coordinator: coord, Budget: budget, Controller: ctrl, log: log, onFatal: onFatal}
	if rt.onFatal == nil {
		rt.onFatal = rt.defaultOnFatal
	}
	if coord != nil {
		coord.SetOnFatal(rt.onFatal)
	}
	return rt
}

func (rt *Runtime) defaultOnFatal(err *apexerr.FatalError) {
	rt.log.Error("apex: fatal invariant violation, exiting", logging.F("err", err.Error()))
	os.Exit(2)
}

// checkFatal inspects err for a *apexerr.FatalError and invokes the
// configured hook if found. It returns err unchanged either way, so normal
// callers still branch on router.Rejected/DropReason exactly as before.
func (rt *Runtime) checkFatal(err error) error {
	var fe *apexerr.FatalError
	if errors.As(err, &fe) {
		rt.onFatal(fe)
	}
	return err
}

// Route delegates to Router.Route, detecting a *apexerr.FatalError.
func (rt *Runtime) Route(topo topology.Kind, msg *message.Message) error {
	return rt.checkFatal(rt.Router.Route(topo, msg))
}

// RouteFanout delegates to Router.RouteFanout, detecting a
// *apexerr.FatalError.
func (rt *Runtime) RouteFanout(topo topology.Kind, sender string, recipients []string, build func(recipient string) *message.Message) error {
	return rt.checkFatal(rt.Router.RouteFanout(topo, sender, recipients, build))
}

// Dequeue delegates to Router.Dequeue. Dequeue has no fatal surface: an
// expired message is a drop, never an invariant violation.
func (rt *Runtime) Dequeue(agentID string) (*message.Message, bool) {
	return rt.Router.Dequeue(agentID)
}

// DequeueWait delegates to Router.DequeueWait, the blocking form of
// Dequeue. Close unblocks every parked consumer.
func (rt *Runtime) DequeueWait(agentID string) (*message.Message, bool) {
	return rt.Router.DequeueWait(agentID)
}

// Close delegates to Router.Close, releasing consumers parked in
// DequeueWait during shutdown.
func (rt *Runtime) Close() {
	rt.Router.Close()
}

// Retry delegates to Router.Retry, detecting a *apexerr.FatalError.
// Runtime itself still schedules nothing: the returned delay is
// the caller's to wait out before calling Route again.
func (rt *Runtime) Retry(msg *message.Message) (time.Duration, error) {
	delay, err := rt.Router.Retry(msg)
	return delay, rt.checkFatal(err)
}

// RequestSwitch delegates to Coordinator.RequestSwitch. Fatal detection for
// this path is wired once, in New, onto the Coordinator itself, so it fires
// the same way whether called here or from the Controller's own Tick.
func (rt *Runtime) RequestSwitch(ctx context.Context, target topology.Kind) coordinator.Result {
	return rt.Coordinator.RequestSwitch(ctx, target)
}

// GuardedGenerate runs one LLM call under the Budget Guard's estimate ->
// reserve -> settle lifecycle: the prompt estimate plus the requested
// completion ceiling is reserved against scopeTags before the
// call, and whatever the call actually consumed is settled after it,
// whether it succeeded, errored or timed out. A denied reservation returns
// Status budget_denied with the per-scope reasons and never reaches llm;
// denial is not an error.
func (rt *Runtime) GuardedGenerate(ctx context.Context, llm collab.LLMClient, est collab.TokenEstimator, scopeTags []string, prompt string, maxTokens int64, timeout time.Duration) (collab.GenerateResult, budgetguard.Reasons, error) {
	estTok := est.Estimate(prompt) + maxTokens
	allowed, id, reasons := rt.Budget.CheckAndReserve(scopeTags, estTok, timeout.Milliseconds())
	if !allowed {
		return collab.GenerateResult{Status: apexerr.ToolBudgetDenied}, reasons, nil
	}
	start := time.Now()
	res, err := llm.Generate(ctx, prompt, maxTokens, timeout)
	rt.Budget.Settle(id, res.TokensIn+res.TokensOut, time.Since(start).Milliseconds())
	return res, nil, err
}
