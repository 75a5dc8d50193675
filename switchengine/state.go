// Grounded on eventloop/state.go's FastState: a lock-free CAS state machine
// for the engine's own phase, used for cheap concurrent reads via
// Engine.Phase (Router's ingress path reads the separate bufferToNext flag
// through Engine.Active, not the phase). The swap itself
// -- epoch bump, Q_next/Q_active exchange -- is still performed under
// Engine.mu, because it touches multiple fields (topology, epoch,
// bufferToNext) that must change atomically together; the phase word alone
// only needs to support lock-free *reads* of "are we mid-switch".
package switchengine

import "sync/atomic"

// Phase is one node of the PREPARE -> QUIESCE -> COMMIT|ABORT -> IDLE cycle.
type Phase uint32

const (
	PhaseIdle Phase = iota
	PhasePrepare
	PhaseQuiesce
	PhaseCommit
	PhaseAbort
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "Idle"
	case PhasePrepare:
		return "Prepare"
	case PhaseQuiesce:
		return "Quiesce"
	case PhaseCommit:
		return "Commit"
	case PhaseAbort:
		return "Abort"
	default:
		return "Unknown"
	}
}

// fastPhase is an atomic holder for Phase, mirroring FastState.
type fastPhase struct {
	v atomic.Uint32
}

func newFastPhase() *fastPhase {
	fp := &fastPhase{}
	fp.v.Store(uint32(PhaseIdle))
	return fp
}

func (fp *fastPhase) Load() Phase        { return Phase(fp.v.Load()) }
func (fp *fastPhase) Store(p Phase)      { fp.v.Store(uint32(p)) }
func (fp *fastPhase) CAS(from, to Phase) bool {
	return fp.v.CompareAndSwap(uint32(from), uint32(to))
}
