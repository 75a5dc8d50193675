// Package message defines the Message value type carried through the
// Router. Retries mutate fields in place; ownership of a Message belongs
// strictly to the Router between route() and dequeue(), so it is a plain
// struct with explicit mutator methods rather than an immutable or
// copy-on-write value.
package message

import (
	"time"

	"github.com/google/uuid"

	"github.com/apex-rt/apex/apexerr"
)

// Broadcast is the reserved recipient identifier meaning "all agents".
const Broadcast = "BROADCAST"

// Priority is reserved for a future DRR/WRED scheduler; the MVP router
// uses strict FIFO regardless of its value.
type Priority string

const (
	PriorityFinal  Priority = "final"
	PriorityDraft  Priority = "draft"
	PriorityCritic Priority = "critic"
)

// Payload is an opaque key/value bag, size-bounded at construction.
type Payload map[string]any

// Message is the mutable envelope routed between agents.
type Message struct {
	EpisodeID string
	MsgID     string
	Sender    string
	Recipient string // single-recipient form; Flat fan-out expands to one Message per peer.

	TopoEpoch uint64 // authoritatively overwritten by the Router at ingress.

	Priority Priority
	Payload  Payload

	Attempt     int
	CreatedTS   time.Time
	ExpiresTS   time.Time
	Redelivered bool
	DropReason  apexerr.DropReason
}

// New constructs a Message, enforcing the payload size bound at
// construction. msgID and episodeID, if empty, are
// generated/defaulted. ttl, if zero, defaults to defaultTTL.
func New(episodeID, sender, recipient string, payload Payload, priority Priority, ttl, defaultTTL time.Duration, maxPayloadBytes int, now time.Time) (*Message, error) {
	if episodeID == "" {
		episodeID = uuid.NewString()
	}
	size := payloadSize(payload)
	if size > maxPayloadBytes {
		return nil, &apexerr.InvalidPayload{SizeBytes: size, MaxBytes: maxPayloadBytes}
	}
	effectiveTTL := ttl
	if effectiveTTL <= 0 {
		effectiveTTL = defaultTTL
	}
	return &Message{
		EpisodeID: episodeID,
		MsgID:     NewID(),
		Sender:    sender,
		Recipient: recipient,
		Priority:  priority,
		Payload:   payload,
		CreatedTS: now,
		ExpiresTS: now.Add(effectiveTTL),
	}, nil
}

// NewID returns a fresh 128-bit random message identifier. Collision
// probability is negligible across at least 10^4 messages per run,
// satisfied by UUIDv4's 122 bits of entropy.
func NewID() string {
	return uuid.NewString()
}

// PayloadSize estimates the wire size of a Payload by summing key lengths
// and value sizes: strings and byte slices count their length, nested maps
// are summed recursively, and every other value counts as a flat 8 bytes.
// That flat figure also applies to slices (other than []byte) and structs,
// so a payload whose bulk sits in such values is under-counted.
func PayloadSize(p Payload) int {
	return payloadSize(p)
}

func payloadSize(p Payload) int {
	total := 0
	for k, v := range p {
		total += len(k)
		total += valueSize(v)
	}
	return total
}

func valueSize(v any) int {
	switch t := v.(type) {
	case string:
		return len(t)
	case []byte:
		return len(t)
	case Payload:
		return payloadSize(t)
	case map[string]any:
		return payloadSize(Payload(t))
	default:
		return 8 // flat estimate for every other value, scalar or not.
	}
}

// MarkRetried increments Attempt and sets Redelivered.
func (m *Message) MarkRetried() {
	m.Attempt++
	m.Redelivered = true
}

// Expired reports whether now is past ExpiresTS.
func (m *Message) Expired(now time.Time) bool {
	return now.After(m.ExpiresTS)
}

// Clone returns a deep-enough copy suitable for Flat fan-out, where each
// recipient must receive its own Message with a distinct MsgID.
func (m *Message) Clone(recipient string) *Message {
	payloadCopy := make(Payload, len(m.Payload))
	for k, v := range m.Payload {
		payloadCopy[k] = v
	}
	clone := *m
	clone.Recipient = recipient
	clone.Payload = payloadCopy
	clone.MsgID = NewID()
	return &clone
}
