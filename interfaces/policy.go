package interfaces

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
)

// Decision is the outcome of a policy lookup.
type Decision int

const (
	// DecisionUnknown means no recorded policy applies and the request must be escalated.
	DecisionUnknown Decision = iota
	DecisionAllow
	DecisionDeny
)

func (d Decision) String() string {
	switch d {
	case DecisionAllow:
		return "allow"
	case DecisionDeny:
		return "deny"
	default:
		return "unknown"
	}
}

// RememberScope discriminates the Conditions union.
type RememberScope int

const (
	RememberForever RememberScope = iota + 1
	RememberKind
)

// Conditions scopes a remembered decision. A nil *Conditions means
// "decide once, remember nothing".
type Conditions struct {
	Scope RememberScope
	Kinds map[int]struct{}
}

// Forever returns conditions applying to every future request of a (host, type).
func Forever() *Conditions {
	return &Conditions{Scope: RememberForever}
}

// ForKinds returns conditions applying to future sign-event requests of the given kinds.
func ForKinds(kinds ...int) *Conditions {
	c := &Conditions{Scope: RememberKind, Kinds: make(map[int]struct{}, len(kinds))}
	for _, k := range kinds {
		c.Kinds[k] = struct{}{}
	}
	return c
}

// IsForever reports whether the conditions cover all kinds.
func (c *Conditions) IsForever() bool {
	return c != nil && c.Scope == RememberForever
}

// Covers reports whether the kind-scoped conditions include kind.
func (c *Conditions) Covers(kind int) bool {
	if c == nil || c.Scope != RememberKind {
		return false
	}
	_, ok := c.Kinds[kind]
	return ok
}

// KindList returns the covered kinds in ascending order.
func (c *Conditions) KindList() []int {
	if c == nil {
		return nil
	}
	kinds := make([]int, 0, len(c.Kinds))
	for k := range c.Kinds {
		kinds = append(kinds, k)
	}
	sort.Ints(kinds)
	return kinds
}

// Merge returns the union of two kind-scoped conditions; any other combination yields other.
func (c *Conditions) Merge(other *Conditions) *Conditions {
	if c == nil || other == nil || c.Scope != RememberKind || other.Scope != RememberKind {
		return other
	}
	return ForKinds(append(c.KindList(), other.KindList()...)...)
}

type conditionsJSON struct {
	Remember string          `json:"remember"`
	Kinds    map[string]bool `json:"kinds,omitempty"`
}

func (c Conditions) MarshalJSON() ([]byte, error) {
	switch c.Scope {
	case RememberForever:
		return json.Marshal(conditionsJSON{Remember: "forever"})
	case RememberKind:
		kinds := make(map[string]bool, len(c.Kinds))
		for k := range c.Kinds {
			kinds[strconv.Itoa(k)] = true
		}
		return json.Marshal(conditionsJSON{Remember: "kind", Kinds: kinds})
	default:
		return nil, fmt.Errorf("invalid conditions scope %d", c.Scope)
	}
}

func (c *Conditions) UnmarshalJSON(data []byte) error {
	var raw conditionsJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	switch raw.Remember {
	case "forever":
		*c = Conditions{Scope: RememberForever}
	case "kind":
		parsed := Conditions{Scope: RememberKind, Kinds: make(map[int]struct{}, len(raw.Kinds))}
		for ks, on := range raw.Kinds {
			if !on {
				continue
			}
			k, err := strconv.Atoi(ks)
			if err != nil {
				return fmt.Errorf("invalid event kind %q: %w", ks, err)
			}
			parsed.Kinds[k] = struct{}{}
		}
		if len(parsed.Kinds) == 0 {
			return fmt.Errorf("kind-scoped conditions without kinds")
		}
		*c = parsed
	default:
		return fmt.Errorf("unsupported conditions %q", raw.Remember)
	}
	return nil
}

// PolicyEntry is one remembered decision.
type PolicyEntry struct {
	Conditions *Conditions `json:"conditions"`
	CreatedAt  int64       `json:"created_at"`
}

// PolicyRecord is a flattened PolicyEntry for listings.
type PolicyRecord struct {
	Host       string        `json:"host"`
	Accept     bool          `json:"accept"`
	Type       OperationType `json:"type"`
	Conditions *Conditions   `json:"conditions"`
	CreatedAt  int64         `json:"created_at"`
}
