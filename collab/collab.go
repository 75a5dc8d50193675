// Package collab defines the narrow typed contracts the coordination core
// consumes from its external collaborators: the LLM client, the
// filesystem/test tool adapters, and the token estimator. Implementations
// live in the harness; the core only ever sees these interfaces, resolved
// at build time rather than through any runtime capability discovery.
package collab

import (
	"context"
	"time"

	"github.com/apex-rt/apex/apexerr"
)

// GenerateResult is the outcome of one LLM call. Status reuses the tool
// outcome taxonomy: ok, timeout, error, budget_denied.
type GenerateResult struct {
	Text      string
	TokensIn  int64
	TokensOut int64
	Status    apexerr.ToolOutcome
}

// LLMClient is the language-model backend contract. Generate must be
// stateless per call (session isolation is the caller's concern) and must
// honor timeout, surfacing expiry as Status timeout rather than hanging.
type LLMClient interface {
	Generate(ctx context.Context, prompt string, maxTokens int64, timeout time.Duration) (GenerateResult, error)
}

// FSAdapter is the filesystem tool contract. Implementations are rooted at
// a whitelist directory: path resolution must reject any path that escapes
// the root, including escapes via symbolic links, and writes must be atomic
// (temp file, fsync, atomic rename, cleanup on failure).
type FSAdapter interface {
	ReadFile(ctx context.Context, path string) ([]byte, error)
	WriteFileAtomic(ctx context.Context, path string, data []byte) error
}

// TestResult is the structured outcome of one test-runner invocation.
type TestResult struct {
	Passed    int
	Failed    int
	Errors    int
	DurationS float64
}

// TestRunner runs the project test suite within timeout. On timeout the
// implementation must reap any child processes it spawned before
// returning.
type TestRunner interface {
	RunTests(ctx context.Context, timeout time.Duration) (TestResult, error)
}

// TokenEstimator predicts the token cost of text before the call is made.
// The contract is a non-negative bias: on calibrated data the estimate
// never undershoots the realized count, since an optimistic estimator
// would let a reservation admit a call the budget cannot actually cover.
type TokenEstimator interface {
	Estimate(text string) int64
}

// FixedRatioEstimator is a reference TokenEstimator that divides byte
// length by BytesPerToken, rounding up. The default ratio of 3 overshoots
// the ~4 bytes/token typical of English text, which keeps the estimator on
// the conservative side of the contract.
type FixedRatioEstimator struct {
	BytesPerToken int
}

func (e FixedRatioEstimator) Estimate(text string) int64 {
	ratio := e.BytesPerToken
	if ratio <= 0 {
		ratio = 3
	}
	return int64((len(text) + ratio - 1) / ratio)
}
