// Package policy persists per-host authorization decisions.
//
// Decisions are stored as a plain JSON mapping
// policies[host][accept][type] = {conditions, created_at} under the
// "policies" storage key. They carry no secret material and are not sealed.
package policy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/ruteri/nostr-signing-agent/interfaces"
)

type document map[string]map[string]map[interfaces.OperationType]interfaces.PolicyEntry

func acceptKey(accept bool) string {
	return strconv.FormatBool(accept)
}

// Store reads and writes policies through a storage backend. Writes are
// read-modify-write and serialized by the store.
type Store struct {
	backend interfaces.StorageBackend
	clock   clock.Clock
	log     *slog.Logger

	mu sync.Mutex
}

func NewStore(backend interfaces.StorageBackend, clk clock.Clock, log *slog.Logger) *Store {
	if clk == nil {
		clk = clock.New()
	}
	return &Store{backend: backend, clock: clk, log: log}
}

func (s *Store) load(ctx context.Context) (document, error) {
	data, err := s.backend.Fetch(ctx, interfaces.KeyPolicies)
	if errors.Is(err, interfaces.ErrContentNotFound) {
		return document{}, nil
	}
	if err != nil {
		return nil, err
	}

	doc := document{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode policies: %w", err)
	}
	return doc, nil
}

func (s *Store) save(ctx context.Context, doc document) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	return s.backend.Store(ctx, interfaces.KeyPolicies, data)
}

// Get returns the remembered decision for a request. kind is the event kind
// of a sign request and nil otherwise.
//
// A kind-scoped entry covering kind takes precedence over forever entries.
// Among entries of equal precedence the newest wins, and deny wins a tie.
// Storage failures yield DecisionUnknown so the request is escalated.
func (s *Store) Get(ctx context.Context, host string, op interfaces.OperationType, kind *int) interfaces.Decision {
	s.mu.Lock()
	doc, err := s.load(ctx)
	s.mu.Unlock()
	if err != nil {
		s.log.Warn("Policy lookup failed, escalating", "err", err, slog.String("host", host))
		return interfaces.DecisionUnknown
	}

	byAccept := doc[host]
	if byAccept == nil {
		return interfaces.DecisionUnknown
	}

	var (
		kindDecision    = interfaces.DecisionUnknown
		kindCreated     int64
		foreverDecision = interfaces.DecisionUnknown
		foreverCreated  int64
	)
	for _, accept := range []bool{false, true} {
		entry, ok := byAccept[acceptKey(accept)][op]
		if !ok || entry.Conditions == nil {
			continue
		}
		decision := interfaces.DecisionDeny
		if accept {
			decision = interfaces.DecisionAllow
		}

		switch {
		case kind != nil && entry.Conditions.Covers(*kind):
			if kindDecision == interfaces.DecisionUnknown || entry.CreatedAt > kindCreated {
				kindDecision, kindCreated = decision, entry.CreatedAt
			}
		case entry.Conditions.IsForever():
			if foreverDecision == interfaces.DecisionUnknown || entry.CreatedAt > foreverCreated {
				foreverDecision, foreverCreated = decision, entry.CreatedAt
			}
		}
	}

	if kindDecision != interfaces.DecisionUnknown {
		return kindDecision
	}
	return foreverDecision
}

// Record remembers a decision. A nil conditions means the decision applies to
// the current request only and nothing is written. Kind-scoped conditions are
// merged with kinds already remembered for the same decision.
func (s *Store) Record(ctx context.Context, host string, op interfaces.OperationType, accept bool, conditions *interfaces.Conditions) error {
	if conditions == nil {
		return nil
	}
	if host == "" {
		return fmt.Errorf("%w: empty host", interfaces.ErrInvalidParams)
	}
	if err := op.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.load(ctx)
	if err != nil {
		return err
	}

	if doc[host] == nil {
		doc[host] = map[string]map[interfaces.OperationType]interfaces.PolicyEntry{}
	}
	byType := doc[host][acceptKey(accept)]
	if byType == nil {
		byType = map[interfaces.OperationType]interfaces.PolicyEntry{}
		doc[host][acceptKey(accept)] = byType
	}

	if existing, ok := byType[op]; ok {
		conditions = existing.Conditions.Merge(conditions)
	}
	byType[op] = interfaces.PolicyEntry{
		Conditions: conditions,
		CreatedAt:  s.clock.Now().Unix(),
	}

	if err := s.save(ctx, doc); err != nil {
		return err
	}

	s.log.Info("Recorded policy",
		slog.String("host", host),
		slog.String("type", op.String()),
		slog.Bool("accept", accept))
	return nil
}

// Revoke removes the entry for (host, accept, type), if any.
func (s *Store) Revoke(ctx context.Context, host string, accept bool, op interfaces.OperationType) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.load(ctx)
	if err != nil {
		return err
	}

	byType := doc[host][acceptKey(accept)]
	if _, ok := byType[op]; !ok {
		return nil
	}
	delete(byType, op)
	if len(byType) == 0 {
		delete(doc[host], acceptKey(accept))
	}
	if len(doc[host]) == 0 {
		delete(doc, host)
	}

	return s.save(ctx, doc)
}

// RevokeHost removes every entry recorded for host.
func (s *Store) RevokeHost(ctx context.Context, host string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.load(ctx)
	if err != nil {
		return err
	}
	if _, ok := doc[host]; !ok {
		return nil
	}
	delete(doc, host)
	return s.save(ctx, doc)
}

// List returns every entry ordered by host, type and decision.
func (s *Store) List(ctx context.Context) ([]interfaces.PolicyRecord, error) {
	s.mu.Lock()
	doc, err := s.load(ctx)
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}

	records := []interfaces.PolicyRecord{}
	for host, byAccept := range doc {
		for accept, byType := range byAccept {
			for op, entry := range byType {
				records = append(records, interfaces.PolicyRecord{
					Host:       host,
					Accept:     accept == acceptKey(true),
					Type:       op,
					Conditions: entry.Conditions,
					CreatedAt:  entry.CreatedAt,
				})
			}
		}
	}

	sort.Slice(records, func(i, j int) bool {
		a, b := records[i], records[j]
		if a.Host != b.Host {
			return a.Host < b.Host
		}
		if a.Type != b.Type {
			return a.Type < b.Type
		}
		return !a.Accept && b.Accept
	})
	return records, nil
}
