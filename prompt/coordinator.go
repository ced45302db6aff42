package prompt

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/ruteri/nostr-signing-agent/interfaces"
	"github.com/ruteri/nostr-signing-agent/metrics"
	"go.uber.org/atomic"
	"golang.org/x/sync/semaphore"
)

// Config holds the collaborators of a Coordinator.
type Config struct {
	Policies PolicySource
	Session  SessionView
	Surface  Surface
	Log      *slog.Logger

	// Timeout dismisses a prompt left unanswered for this long. Zero waits
	// until the surface reports the prompt closed or the caller goes away.
	Timeout time.Duration
	Clock   clock.Clock
}

type pending struct {
	prompt   Prompt
	decision chan Response
}

// Coordinator serializes authorization of privileged requests. Requests are
// admitted one at a time in arrival order; at most one prompt is open at any
// moment and every decision resolves exactly the request that opened it.
type Coordinator struct {
	policies PolicySource
	session  SessionView
	surface  Surface
	timeout  time.Duration
	clock    clock.Clock
	log      *slog.Logger

	gate    *semaphore.Weighted
	waiting atomic.Int64

	mu      sync.Mutex
	current *pending
}

func NewCoordinator(cfg Config) *Coordinator {
	c := &Coordinator{
		policies: cfg.Policies,
		session:  cfg.Session,
		surface:  cfg.Surface,
		timeout:  cfg.Timeout,
		clock:    cfg.Clock,
		log:      cfg.Log,
		gate:     semaphore.NewWeighted(1),
	}
	if c.clock == nil {
		c.clock = clock.New()
	}
	if c.log == nil {
		c.log = slog.Default()
	}
	return c
}

// Authorize returns nil if req may proceed. A denial by policy or by the user
// yields ErrPermissionDenied; a cancelled ctx yields its error.
func (c *Coordinator) Authorize(ctx context.Context, req Request) error {
	c.waiting.Inc()
	metrics.PromptQueue.Inc()
	err := c.gate.Acquire(ctx, 1)
	c.waiting.Dec()
	metrics.PromptQueue.Dec()
	if err != nil {
		return err
	}
	defer c.gate.Release(1)

	decision := c.policies.Get(ctx, req.Host, req.Type, req.Kind)
	unlocked := c.session.IsUnlocked()

	log := c.log.With(slog.String("host", req.Host), slog.String("type", req.Type.String()))
	switch {
	case decision == interfaces.DecisionDeny:
		log.Debug("Denied by policy")
		return interfaces.ErrPermissionDenied
	case decision == interfaces.DecisionAllow && unlocked:
		return nil
	}

	p := &pending{
		prompt: Prompt{
			ID:         uuid.NewString(),
			Host:       req.Host,
			Type:       req.Type,
			Params:     req.Params,
			UnlockOnly: decision == interfaces.DecisionAllow,
		},
		decision: make(chan Response, 1),
	}
	if unlocked {
		if pub, err := c.session.ActivePublicKey(); err == nil {
			p.prompt.PublicKey = pub
		}
	}

	c.mu.Lock()
	c.current = p
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.current = nil
		c.mu.Unlock()
	}()

	log = log.With(slog.String("prompt", p.prompt.ID))
	if c.surface == nil {
		metrics.Prompts.WithLabelValues("unavailable").Inc()
		log.Info("No approval surface, denying")
		return interfaces.ErrPermissionDenied
	}
	if err := c.surface.Open(ctx, &p.prompt); err != nil {
		metrics.Prompts.WithLabelValues("unavailable").Inc()
		log.Info("Approval surface unavailable, denying", "err", err)
		return interfaces.ErrPermissionDenied
	}
	log.Debug("Prompt opened", slog.Bool("unlock_only", p.prompt.UnlockOnly))

	var expired <-chan time.Time
	if c.timeout > 0 {
		timer := c.clock.Timer(c.timeout)
		defer timer.Stop()
		expired = timer.C
	}

	var resp Response
	select {
	case resp = <-p.decision:
	case <-expired:
		c.withdraw(p)
		metrics.Prompts.WithLabelValues("timeout").Inc()
		log.Info("Prompt timed out")
		return interfaces.ErrPermissionDenied
	case <-ctx.Done():
		c.withdraw(p)
		metrics.Prompts.WithLabelValues("dismissed").Inc()
		return ctx.Err()
	}

	if resp.Conditions != nil {
		if err := c.policies.Record(ctx, req.Host, req.Type, resp.Accept, resp.Conditions); err != nil {
			log.Warn("Failed to record policy", "err", err)
		}
	}

	if !resp.Accept {
		log.Info("Denied by user")
		return interfaces.ErrPermissionDenied
	}
	log.Info("Approved by user")
	return nil
}

// withdraw detaches p so late answers are rejected, and asks the surface to
// stop showing it.
func (c *Coordinator) withdraw(p *pending) {
	c.mu.Lock()
	if c.current == p {
		c.current = nil
	}
	c.mu.Unlock()
	if c.surface != nil {
		c.surface.Close(p.prompt.ID)
	}
}

// takeLocked detaches the pending prompt with id. Caller holds c.mu.
func (c *Coordinator) takeLocked(id string) (*pending, error) {
	if c.current == nil || c.current.prompt.ID != id {
		return nil, fmt.Errorf("%w: no pending prompt %s", interfaces.ErrSessionExpired, id)
	}
	p := c.current
	c.current = nil
	return p, nil
}

// Resolve delivers the user's decision on the pending prompt.
func (c *Coordinator) Resolve(resp Response) error {
	c.mu.Lock()
	if c.current != nil && c.current.prompt.ID == resp.ID &&
		(resp.Host != c.current.prompt.Host || resp.Type != c.current.prompt.Type) {
		c.mu.Unlock()
		return fmt.Errorf("%w: response does not match prompt %s", interfaces.ErrInvalidParams, resp.ID)
	}
	p, err := c.takeLocked(resp.ID)
	c.mu.Unlock()
	if err != nil {
		return err
	}

	if resp.Accept {
		metrics.Prompts.WithLabelValues("approved").Inc()
	} else {
		metrics.Prompts.WithLabelValues("rejected").Inc()
	}
	p.decision <- resp
	return nil
}

// Dismiss denies the pending prompt with id without recording anything. It is
// called when the surface showing the prompt goes away.
func (c *Coordinator) Dismiss(id string) error {
	c.mu.Lock()
	p, err := c.takeLocked(id)
	c.mu.Unlock()
	if err != nil {
		return err
	}

	metrics.Prompts.WithLabelValues("dismissed").Inc()
	p.decision <- Response{ID: id, Host: p.prompt.Host, Type: p.prompt.Type}
	return nil
}

// State reports whether a prompt is open, requests are queued, or neither.
func (c *Coordinator) State() State {
	c.mu.Lock()
	open := c.current != nil
	c.mu.Unlock()

	switch {
	case open:
		return StatePendingUserDecision
	case c.waiting.Load() > 0:
		return StateAwaitingMutex
	default:
		return StateIdle
	}
}

// Pending returns a copy of the open prompt, if any.
func (c *Coordinator) Pending() (Prompt, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return Prompt{}, false
	}
	return c.current.prompt, true
}
