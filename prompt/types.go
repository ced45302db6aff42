// Package prompt decides whether a privileged request may proceed, escalating
// to an interactive approval surface when no remembered policy applies.
package prompt

import (
	"context"
	"encoding/json"

	"github.com/ruteri/nostr-signing-agent/interfaces"
)

// Request is a privileged request awaiting authorization.
type Request struct {
	Host   string
	Type   interfaces.OperationType
	Params json.RawMessage
	// Kind is the event kind of a sign request, nil for other operations.
	Kind *int
}

// Prompt is what an approval surface shows to the user.
type Prompt struct {
	ID     string                   `json:"id"`
	Host   string                   `json:"host"`
	Type   interfaces.OperationType `json:"type"`
	Params json.RawMessage          `json:"params"`
	// PublicKey is the account the request would be served with, empty while locked.
	PublicKey string `json:"pubkey"`
	// UnlockOnly is set when policy already allows the request and the
	// prompt only exists to get the vault unlocked.
	UnlockOnly bool `json:"unlock_only"`
}

// Response is the user's decision on a prompt.
type Response struct {
	ID         string                   `json:"id"`
	Host       string                   `json:"host"`
	Type       interfaces.OperationType `json:"type"`
	Accept     bool                     `json:"accept"`
	Conditions *interfaces.Conditions   `json:"conditions"`
}

// Surface shows prompts to the user. Decisions come back through
// Coordinator.Resolve; a surface that goes away with a prompt open reports it
// through Coordinator.Dismiss.
type Surface interface {
	// Open presents p. An error means no one can answer and the request is denied.
	Open(ctx context.Context, p *Prompt) error
	// Close withdraws a prompt that was settled without the user's answer.
	Close(id string)
}

// SessionView is the part of the session the coordinator consults.
type SessionView interface {
	IsUnlocked() bool
	ActivePublicKey() (string, error)
}

// PolicySource looks up and records remembered decisions.
type PolicySource interface {
	Get(ctx context.Context, host string, op interfaces.OperationType, kind *int) interfaces.Decision
	Record(ctx context.Context, host string, op interfaces.OperationType, accept bool, conditions *interfaces.Conditions) error
}

// State is the coordinator state.
type State int

const (
	StateIdle State = iota
	StateAwaitingMutex
	StatePendingUserDecision
)

func (s State) String() string {
	switch s {
	case StateAwaitingMutex:
		return "awaiting_mutex"
	case StatePendingUserDecision:
		return "pending_user_decision"
	default:
		return "idle"
	}
}
