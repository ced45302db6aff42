// Package cache holds the session-scoped caches of the signing agent: the
// resident profile and relay-list cache, its sealed persistence across
// sessions, and the bounded cache of derived conversation keys.
package cache

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/benbjohnson/clock"
	"github.com/nbd-wtf/go-nostr"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/ruteri/nostr-signing-agent/interfaces"
)

// Profile is the kind 0 metadata of a pubkey as last fetched.
type Profile struct {
	Content   json.RawMessage `json:"content"`
	UpdatedAt int64           `json:"updated_at"`
}

// Relay is one entry of a relay list.
type Relay struct {
	URL   string `json:"url"`
	Read  bool   `json:"read"`
	Write bool   `json:"write"`
}

// RelayList is the relay list of a pubkey as last fetched.
type RelayList struct {
	Relays    []Relay `json:"relays"`
	UpdatedAt int64   `json:"updated_at"`
}

// Snapshot is a point-in-time copy of the resident cache.
type Snapshot struct {
	Profiles map[string]Profile   `json:"profiles"`
	Relays   map[string]RelayList `json:"relays"`
}

// Resident is the memory-only cache of profile metadata and relay lists.
// It never touches durable storage.
type Resident struct {
	clock    clock.Clock
	profiles *xsync.MapOf[string, Profile]
	relays   *xsync.MapOf[string, RelayList]
}

func NewResident(clk clock.Clock) *Resident {
	if clk == nil {
		clk = clock.New()
	}
	return &Resident{
		clock:    clk,
		profiles: xsync.NewMapOf[string, Profile](),
		relays:   xsync.NewMapOf[string, RelayList](),
	}
}

func checkPubkey(pubkey string) error {
	if !nostr.IsValidPublicKey(pubkey) {
		return fmt.Errorf("%w: invalid pubkey %q", interfaces.ErrInvalidParams, pubkey)
	}
	return nil
}

// SetProfile stores content for pubkey, stamped with the current time.
func (r *Resident) SetProfile(pubkey string, content json.RawMessage) error {
	if err := checkPubkey(pubkey); err != nil {
		return err
	}
	if !json.Valid(content) {
		return fmt.Errorf("%w: profile content is not JSON", interfaces.ErrInvalidParams)
	}
	r.profiles.Store(pubkey, Profile{
		Content:   append(json.RawMessage(nil), content...),
		UpdatedAt: r.clock.Now().Unix(),
	})
	return nil
}

func (r *Resident) Profile(pubkey string) (Profile, bool) {
	return r.profiles.Load(pubkey)
}

// SetRelays stores the relay list of pubkey, stamped with the current time.
func (r *Resident) SetRelays(pubkey string, relays []Relay) error {
	if err := checkPubkey(pubkey); err != nil {
		return err
	}
	normalized := make([]Relay, 0, len(relays))
	for _, relay := range relays {
		url := nostr.NormalizeURL(strings.TrimSpace(relay.URL))
		if url == "" {
			return fmt.Errorf("%w: invalid relay url %q", interfaces.ErrInvalidParams, relay.URL)
		}
		normalized = append(normalized, Relay{URL: url, Read: relay.Read, Write: relay.Write})
	}
	r.relays.Store(pubkey, RelayList{Relays: normalized, UpdatedAt: r.clock.Now().Unix()})
	return nil
}

func (r *Resident) Relays(pubkey string) (RelayList, bool) {
	return r.relays.Load(pubkey)
}

// IsEmpty reports whether nothing is cached.
func (r *Resident) IsEmpty() bool {
	return r.profiles.Size() == 0 && r.relays.Size() == 0
}

// Snapshot copies the current entries.
func (r *Resident) Snapshot() *Snapshot {
	s := &Snapshot{
		Profiles: make(map[string]Profile, r.profiles.Size()),
		Relays:   make(map[string]RelayList, r.relays.Size()),
	}
	r.profiles.Range(func(k string, v Profile) bool {
		s.Profiles[k] = v
		return true
	})
	r.relays.Range(func(k string, v RelayList) bool {
		s.Relays[k] = v
		return true
	})
	return s
}

// Load replaces the resident entries with s.
func (r *Resident) Load(s *Snapshot) {
	r.Clear()
	for k, v := range s.Profiles {
		r.profiles.Store(k, v)
	}
	for k, v := range s.Relays {
		r.relays.Store(k, v)
	}
}

func (r *Resident) Clear() {
	r.profiles.Clear()
	r.relays.Clear()
}
