// Package apexerr defines the error/outcome taxonomy of the coordination
// core: small structs with an Error() string and an Unwrap() error, plus a
// WrapError convenience function, rather than ad-hoc fmt.Errorf call sites.
package apexerr

import "fmt"

// DropReason enumerates why the Router declined to admit or deliver a
// Message. It never causes a panic; it is returned or recorded as a counter.
type DropReason string

const (
	DropExpired           DropReason = "expired"
	DropMaxAttempts       DropReason = "max_attempts"
	DropQueueFull         DropReason = "queue_full"
	DropTopologyViolation DropReason = "topology_violation"
	DropDedupDuplicate    DropReason = "dedup_duplicate"
	DropInvalidPayload    DropReason = "invalid_payload"
	DropInvalidRecipient  DropReason = "invalid_recipient"
)

// SwitchOutcomeKind enumerates the result shape of a switch attempt.
type SwitchOutcomeKind string

const (
	SwitchCommitted        SwitchOutcomeKind = "committed"
	SwitchAbortedQuiesce   SwitchOutcomeKind = "aborted_quiesce_timeout"
	SwitchAbortedCrash     SwitchOutcomeKind = "aborted_crash_restart"
	SwitchDeferredInFlight SwitchOutcomeKind = "deferred_in_flight"
	SwitchDeferredDwell    SwitchOutcomeKind = "deferred_dwell"
	SwitchDeferredHealth   SwitchOutcomeKind = "deferred_health"
	SwitchRejectedDwell    SwitchOutcomeKind = "rejected_dwell"
	SwitchRejectedCooldown SwitchOutcomeKind = "rejected_cooldown"
)

// BudgetDenyReason enumerates why check_and_reserve denied a reservation.
type BudgetDenyReason string

const (
	DenyTokenHeadroom BudgetDenyReason = "tok_headroom"
	DenyTimeHeadroom  BudgetDenyReason = "ms_headroom"
)

// ToolOutcome enumerates collaborator call outcomes.
type ToolOutcome string

const (
	ToolOK           ToolOutcome = "ok"
	ToolTimeout      ToolOutcome = "timeout"
	ToolError        ToolOutcome = "error"
	ToolBudgetDenied ToolOutcome = "budget_denied"
)

// TopologyViolation is returned by the Topology Guard when an admission
// would violate the current topology's routing rules.
type TopologyViolation struct {
	Reason string
}

func (e *TopologyViolation) Error() string {
	if e.Reason == "" {
		return "topology violation"
	}
	return "topology violation: " + e.Reason
}

// InvalidPayload is returned at Message construction when the payload
// exceeds the configured size bound.
type InvalidPayload struct {
	SizeBytes int
	MaxBytes  int
}

func (e *InvalidPayload) Error() string {
	return fmt.Sprintf("invalid payload: %d bytes exceeds max %d bytes", e.SizeBytes, e.MaxBytes)
}

// FatalError marks an unrecoverable invariant violation (epoch regression,
// unknown topology, lock poisoning). These are not retried or
// translated to a counter: the process must log and exit.
type FatalError struct {
	Cause   error
	Message string
}

func (e *FatalError) Error() string {
	if e.Cause != nil {
		return "fatal: " + e.Message + ": " + e.Cause.Error()
	}
	return "fatal: " + e.Message
}

func (e *FatalError) Unwrap() error { return e.Cause }

// WrapError wraps cause with a message, preserving errors.Is/As compatibility.
func WrapError(message string, cause error) error {
	return fmt.Errorf("%s: %w", message, cause)
}
