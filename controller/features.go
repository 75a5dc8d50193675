// Package controller implements the Switching Controller: a
// contextual-bandit policy that observes a small deterministic state vector
// on a fixed decision cadence and requests topology switches through the
// Coordinator -- never the Switch Engine directly.
package controller

import (
	"github.com/apex-rt/apex/internal/ring"
	"github.com/apex-rt/apex/topology"
)

// FeatureDim is the fixed dimensionality of the Controller's state vector;
// the vector has exactly 8 components at all times.
const FeatureDim = 8

// Features is the deterministic 8-dimensional per-tick state vector.
type Features [FeatureDim]float64

func clip01(x float64) float64 {
	if x < 0 {
		return 0
	}
	if x > 1 {
		return 1
	}
	return x
}

// roleGroup buckets a role name into one of the three rolling-share
// feature groups. A role outside the tracked groups (e.g. an external
// sender, or Summarizer) simply
// doesn't contribute to any bucket's numerator; it still doesn't break the
// [0,1] bound on the three shares, since they're computed against the
// window's tracked-role total rather than an overall message count.
type roleGroup int

const (
	groupNone roleGroup = iota
	groupPlanner
	groupCoderRunner
	groupCritic
)

func defaultRoleGroup(role string) roleGroup {
	switch role {
	case "Planner":
		return groupPlanner
	case "Coder", "Runner":
		return groupCoderRunner
	case "Critic":
		return groupCritic
	default:
		return groupNone
	}
}

// RoleGrouper maps an agent role to one of the three rolling-share buckets.
// A harness with a different roster than topology.DefaultRoleSet supplies
// its own.
type RoleGrouper func(role string) (bucket int, tracked bool)

func wrapGrouper(fn RoleGrouper) func(role string) roleGroup {
	if fn == nil {
		return defaultRoleGroup
	}
	return func(role string) roleGroup {
		bucket, tracked := fn(role)
		if !tracked {
			return groupNone
		}
		switch bucket {
		case int(groupPlanner):
			return groupPlanner
		case int(groupCoderRunner):
			return groupCoderRunner
		case int(groupCritic):
			return groupCritic
		default:
			return groupNone
		}
	}
}

// FeatureExtractor maintains the O(1)-amortized rolling state behind
// features 4-8: a fixed window of per-tick role-group counts (ring buffers,
// never sorted) plus whatever the Coordinator and Budget Guard already
// track.
//
// Not safe for concurrent use; the controller task is the only mutator.
type FeatureExtractor struct {
	window int

	plannerWindow     *ring.Buffer[int]
	coderRunnerWindow *ring.Buffer[int]
	criticWindow      *ring.Buffer[int]

	plannerSum, coderRunnerSum, criticSum int

	pending [3]int // counts accumulated since the last Tick, indexed by roleGroup-1.
	grouper func(role string) roleGroup
}

// NewFeatureExtractor creates an extractor with rolling window size w
// (default 5).
func NewFeatureExtractor(w int, grouper RoleGrouper) *FeatureExtractor {
	if w <= 0 {
		w = 5
	}
	return &FeatureExtractor{
		window:            w,
		plannerWindow:     ring.New[int](w),
		coderRunnerWindow: ring.New[int](w),
		criticWindow:      ring.New[int](w),
		grouper:           wrapGrouper(grouper),
	}
}

// Observe records one message attributed to sender's role, to be folded into
// the rolling shares at the next Tick call. The Router or harness calls this
// as messages are produced; it is the cheap, hot-path side of feature
// extraction.
func (f *FeatureExtractor) Observe(role string) {
	switch f.grouper(role) {
	case groupPlanner:
		f.pending[0]++
	case groupCoderRunner:
		f.pending[1]++
	case groupCritic:
		f.pending[2]++
	}
}

// advance pushes the pending per-tick counts into the rolling windows,
// evicting and subtracting the oldest tick's counts in O(1).
func (f *FeatureExtractor) advance() {
	evicted, didEvict := f.plannerWindow.Push(f.pending[0])
	f.plannerSum += f.pending[0]
	if didEvict {
		f.plannerSum -= evicted
	}
	evicted, didEvict = f.coderRunnerWindow.Push(f.pending[1])
	f.coderRunnerSum += f.pending[1]
	if didEvict {
		f.coderRunnerSum -= evicted
	}
	evicted, didEvict = f.criticWindow.Push(f.pending[2])
	f.criticSum += f.pending[2]
	if didEvict {
		f.criticSum -= evicted
	}
	f.pending = [3]int{}
}

// shares returns (planner_share, coder+runner_share, critic_share) over the
// tracked window total, each clipped to [0,1].
func (f *FeatureExtractor) shares() (planner, coderRunner, critic float64) {
	total := f.plannerSum + f.coderRunnerSum + f.criticSum
	if total <= 0 {
		return 0, 0, 0
	}
	denom := float64(total)
	return clip01(float64(f.plannerSum) / denom),
		clip01(float64(f.coderRunnerSum) / denom),
		clip01(float64(f.criticSum) / denom)
}

// Extract builds the 8-dimensional Features vector, folding in this tick's
// pending role observations first.
func (f *FeatureExtractor) Extract(currentTopology topology.Kind, stepsSinceSwitch, dwellMinSteps int, tokenHeadroom float64) Features {
	f.advance()

	var x Features
	switch currentTopology {
	case topology.Star:
		x[0] = 1
	case topology.Chain:
		x[1] = 1
	case topology.Flat:
		x[2] = 1
	}

	denom := dwellMinSteps
	if denom < 1 {
		denom = 1
	}
	x[3] = clip01(float64(stepsSinceSwitch) / float64(denom))

	plannerShare, coderRunnerShare, criticShare := f.shares()
	x[4] = plannerShare
	x[5] = coderRunnerShare
	x[6] = criticShare

	x[7] = clip01(tokenHeadroom)
	return x
}
