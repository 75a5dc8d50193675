// Package topology implements the Topology Guard: a pure
// function that validates an admission against the active communication
// pattern and computes routing intent. It never mutates Router state.
package topology

import (
	"fmt"

	"github.com/apex-rt/apex/apexerr"
)

// Kind is one of the three first-class communication topologies.
type Kind string

const (
	Star  Kind = "star"
	Chain Kind = "chain"
	Flat  Kind = "flat"
)

func (k Kind) Valid() bool {
	switch k {
	case Star, Chain, Flat:
		return true
	default:
		return false
	}
}

// IntentKind discriminates the shape of a validated routing decision.
type IntentKind int

const (
	Direct IntentKind = iota
	RouteViaHub
	Fanout
)

// Intent is the single canonical result record of Validate: named fields
// rather than a tuple/union.
type Intent struct {
	Kind      IntentKind
	To        string   // Direct, RouteViaHub: final recipient(s) to enqueue under.
	ForwardTo string   // RouteViaHub only: opaque hint carried in the rewritten message's payload.
	Fanout    []string // Fanout only: the bounded peer list.
}

// RoleSet is the ordered Chain cycle plus a designated hub and entry role.
// The default is the fixed Planner-led cycle; a harness may supply a
// different roster.
type RoleSet struct {
	Cycle []string // e.g. [Planner, Coder, Runner, Critic, Summarizer]
	Hub   string   // Star's hub, e.g. Planner
	Entry string   // Chain's entry role for external senders, e.g. Planner
}

// DefaultRoleSet returns the Planner→Coder→Runner→Critic→Summarizer→Planner cycle.
func DefaultRoleSet() RoleSet {
	return RoleSet{
		Cycle: []string{"Planner", "Coder", "Runner", "Critic", "Summarizer"},
		Hub:   "Planner",
		Entry: "Planner",
	}
}

func (r RoleSet) isRole(name string) bool {
	for _, c := range r.Cycle {
		if c == name {
			return true
		}
	}
	return false
}

// NextHop returns the role that follows sender in the fixed cycle.
func (r RoleSet) NextHop(sender string) (string, bool) {
	for i, c := range r.Cycle {
		if c == sender {
			return r.Cycle[(i+1)%len(r.Cycle)], true
		}
	}
	return "", false
}

// Guard validates admissions against the current topology.
type Guard struct {
	Roles       RoleSet
	FanoutLimit int
}

// New creates a Guard with the given role set and Flat fan-out bound.
func New(roles RoleSet, fanoutLimit int) *Guard {
	return &Guard{Roles: roles, FanoutLimit: fanoutLimit}
}

// Validate computes routing intent for a single sender and one-or-more
// recipients (the latter only meaningful under Flat).
func (g *Guard) Validate(kind Kind, sender string, recipients []string) (Intent, error) {
	switch kind {
	case Star:
		return g.validateStar(sender, recipients)
	case Chain:
		return g.validateChain(sender, recipients)
	case Flat:
		return g.validateFlat(sender, recipients)
	default:
		return Intent{}, &apexerr.TopologyViolation{Reason: fmt.Sprintf("unknown topology %q", kind)}
	}
}

func (g *Guard) validateStar(sender string, recipients []string) (Intent, error) {
	if len(recipients) != 1 {
		return Intent{}, &apexerr.TopologyViolation{Reason: "star requires exactly one recipient"}
	}
	recipient := recipients[0]
	if sender == g.Roles.Hub || recipient == g.Roles.Hub {
		return Intent{Kind: Direct, To: recipient}, nil
	}
	// Neither party is the hub: rewrite to a single message addressed to the
	// hub, carrying the true destination as a forwarding hint. Never
	// duplicated; exactly one Message results.
	return Intent{Kind: RouteViaHub, To: g.Roles.Hub, ForwardTo: recipient}, nil
}

func (g *Guard) validateChain(sender string, recipients []string) (Intent, error) {
	if len(recipients) != 1 {
		return Intent{}, &apexerr.TopologyViolation{Reason: "chain requires exactly one recipient"}
	}
	recipient := recipients[0]
	if !g.Roles.isRole(sender) {
		// External sender: must enter via the designated entry role.
		if recipient != g.Roles.Entry {
			return Intent{}, &apexerr.TopologyViolation{Reason: fmt.Sprintf("external sender must address entry role %q", g.Roles.Entry)}
		}
		return Intent{Kind: Direct, To: recipient}, nil
	}
	next, ok := g.Roles.NextHop(sender)
	if !ok || recipient != next {
		return Intent{}, &apexerr.TopologyViolation{Reason: fmt.Sprintf("chain requires recipient %q to follow sender %q", next, sender)}
	}
	return Intent{Kind: Direct, To: recipient}, nil
}

func (g *Guard) validateFlat(_ string, recipients []string) (Intent, error) {
	if len(recipients) == 0 {
		return Intent{}, &apexerr.TopologyViolation{Reason: "flat requires at least one recipient"}
	}
	if len(recipients) > g.FanoutLimit {
		return Intent{}, &apexerr.TopologyViolation{Reason: fmt.Sprintf("flat fan-out %d exceeds limit %d", len(recipients), g.FanoutLimit)}
	}
	return Intent{Kind: Fanout, Fanout: recipients}, nil
}
