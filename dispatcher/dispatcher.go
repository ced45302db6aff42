// Package dispatcher is the entry point for privileged requests from callers.
package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip04"
	"github.com/nbd-wtf/go-nostr/nip44"
	"github.com/ruteri/nostr-signing-agent/cache"
	"github.com/ruteri/nostr-signing-agent/interfaces"
	"github.com/ruteri/nostr-signing-agent/metrics"
	"github.com/ruteri/nostr-signing-agent/prompt"
)

// Request is a privileged request as received from a caller.
type Request struct {
	Type   interfaces.OperationType `json:"type"`
	Params json.RawMessage          `json:"params"`
	Host   string                   `json:"host"`
}

// Authorizer decides whether a request may proceed.
type Authorizer interface {
	Authorize(ctx context.Context, req prompt.Request) error
}

// KeySource yields the key requests are served with.
type KeySource interface {
	IsUnlocked() bool
	ActiveKey() (interfaces.SecretKey, error)
}

// ActivityTracker is told about every inbound request.
type ActivityTracker interface {
	Reset()
}

type Config struct {
	Authorizer Authorizer
	Keys       KeySource
	Secrets    *cache.SharedSecrets
	Activity   ActivityTracker
	Log        *slog.Logger
}

type Dispatcher struct {
	authorizer Authorizer
	keys       KeySource
	secrets    *cache.SharedSecrets
	activity   ActivityTracker
	log        *slog.Logger
}

func New(cfg Config) *Dispatcher {
	d := &Dispatcher{
		authorizer: cfg.Authorizer,
		keys:       cfg.Keys,
		secrets:    cfg.Secrets,
		activity:   cfg.Activity,
		log:        cfg.Log,
	}
	if d.secrets == nil {
		d.secrets = cache.NewSharedSecrets(cache.DefaultSharedSecretCapacity)
	}
	if d.log == nil {
		d.log = slog.Default()
	}
	return d
}

// EventParams is the unsigned event of a signEvent request.
type EventParams struct {
	Kind      int             `json:"kind"`
	Content   string          `json:"content"`
	Tags      nostr.Tags      `json:"tags"`
	CreatedAt nostr.Timestamp `json:"created_at"`
}

type signParams struct {
	Event *EventParams `json:"event"`
}

// CipherParams are the parameters of the encrypt and decrypt operations.
type CipherParams struct {
	Peer       string `json:"peer"`
	Plaintext  string `json:"plaintext,omitempty"`
	Ciphertext string `json:"ciphertext,omitempty"`
}

type parsed struct {
	kind   *int
	event  *EventParams
	cipher *CipherParams
}

func parseParams(req Request) (*parsed, error) {
	if err := req.Type.Validate(); err != nil {
		return nil, err
	}
	if req.Host == "" {
		return nil, fmt.Errorf("%w: missing host", interfaces.ErrInvalidParams)
	}

	p := &parsed{}
	switch req.Type {
	case interfaces.OpGetPublicKey:
	case interfaces.OpSignEvent:
		var sp signParams
		if err := json.Unmarshal(req.Params, &sp); err != nil || sp.Event == nil {
			return nil, fmt.Errorf("%w: signEvent needs an event", interfaces.ErrInvalidParams)
		}
		if sp.Event.Kind < 0 || sp.Event.Kind > 65535 {
			return nil, fmt.Errorf("%w: invalid event kind %d", interfaces.ErrInvalidParams, sp.Event.Kind)
		}
		p.event = sp.Event
		p.kind = &sp.Event.Kind
	default:
		var cp CipherParams
		if err := json.Unmarshal(req.Params, &cp); err != nil {
			return nil, fmt.Errorf("%w: %v", interfaces.ErrInvalidParams, err)
		}
		if !nostr.IsValidPublicKey(cp.Peer) {
			return nil, fmt.Errorf("%w: invalid peer pubkey", interfaces.ErrInvalidParams)
		}
		p.cipher = &cp
	}
	return p, nil
}

// Dispatch authorizes req and performs it with the active key. The result is
// a pubkey hex string, a signed *nostr.Event, or a cipher/plain text string.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (result any, err error) {
	if d.activity != nil {
		d.activity.Reset()
	}
	defer func() {
		metrics.Requests.WithLabelValues(req.Type.String(), outcome(err)).Inc()
	}()

	p, err := parseParams(req)
	if err != nil {
		return nil, err
	}

	err = d.authorizer.Authorize(ctx, prompt.Request{
		Host:   req.Host,
		Type:   req.Type,
		Params: req.Params,
		Kind:   p.kind,
	})
	if err != nil {
		if errors.Is(err, interfaces.ErrPermissionDenied) {
			return nil, err
		}
		// A caller that went away or an unanswerable prompt is a denial.
		d.log.Debug("Authorization aborted", "err", err, slog.String("host", req.Host))
		return nil, fmt.Errorf("%w: %v", interfaces.ErrPermissionDenied, err)
	}

	// The session may have locked while the request waited for approval.
	if !d.keys.IsUnlocked() {
		return nil, interfaces.ErrLocked
	}
	key, err := d.keys.ActiveKey()
	if err != nil {
		return nil, err
	}
	defer key.Zero()

	return d.perform(req.Type, p, key)
}

func (d *Dispatcher) perform(op interfaces.OperationType, p *parsed, key interfaces.SecretKey) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("Primitive panicked", slog.String("type", op.String()), "panic", r)
			result, err = nil, fmt.Errorf("%s failed", op)
		}
	}()

	switch op {
	case interfaces.OpGetPublicKey:
		return nostr.GetPublicKey(key.Hex())
	case interfaces.OpSignEvent:
		evt, err := signEvent(p.event, key)
		if err != nil {
			return nil, err
		}
		return evt, nil
	case interfaces.OpNip04Encrypt, interfaces.OpNip04Decrypt:
		secret, err := d.nip04Secret(key, p.cipher.Peer)
		if err != nil {
			return nil, err
		}
		var text string
		if op == interfaces.OpNip04Encrypt {
			text, err = nip04.Encrypt(p.cipher.Plaintext, secret)
		} else {
			text, err = nip04.Decrypt(p.cipher.Ciphertext, secret)
		}
		return wrap(op, text, err)
	case interfaces.OpNip44Encrypt, interfaces.OpNip44Decrypt:
		ck, err := d.nip44Key(key, p.cipher.Peer)
		if err != nil {
			return nil, err
		}
		var text string
		if op == interfaces.OpNip44Encrypt {
			text, err = nip44.Encrypt(p.cipher.Plaintext, ck)
		} else {
			text, err = nip44.Decrypt(p.cipher.Ciphertext, ck)
		}
		return wrap(op, text, err)
	}
	return nil, interfaces.ErrInvalidParams
}

func wrap(op interfaces.OperationType, result string, err error) (any, error) {
	if err != nil {
		return nil, fmt.Errorf("%s failed: %w", op, err)
	}
	return result, nil
}

func signEvent(params *EventParams, key interfaces.SecretKey) (*nostr.Event, error) {
	evt := &nostr.Event{
		Kind:      params.Kind,
		Content:   params.Content,
		Tags:      params.Tags,
		CreatedAt: params.CreatedAt,
	}
	if evt.Tags == nil {
		evt.Tags = nostr.Tags{}
	}
	if evt.CreatedAt == 0 {
		evt.CreatedAt = nostr.Now()
	}
	if err := evt.Sign(key.Hex()); err != nil {
		return nil, fmt.Errorf("signEvent failed: %w", err)
	}
	return evt, nil
}

func (d *Dispatcher) nip04Secret(key interfaces.SecretKey, peer string) ([]byte, error) {
	if secret, ok := d.secrets.Get(key, cache.SchemeNIP04, peer); ok {
		return secret, nil
	}
	secret, err := nip04.ComputeSharedSecret(peer, key.Hex())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrInvalidParams, err)
	}
	d.secrets.Set(key, cache.SchemeNIP04, peer, secret)
	return secret, nil
}

func (d *Dispatcher) nip44Key(key interfaces.SecretKey, peer string) ([32]byte, error) {
	var ck [32]byte
	if secret, ok := d.secrets.Get(key, cache.SchemeNIP44, peer); ok {
		copy(ck[:], secret)
		return ck, nil
	}
	ck, err := nip44.GenerateConversationKey(peer, key.Hex())
	if err != nil {
		return ck, fmt.Errorf("%w: %v", interfaces.ErrInvalidParams, err)
	}
	d.secrets.Set(key, cache.SchemeNIP44, peer, ck[:])
	return ck, nil
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, interfaces.ErrPermissionDenied):
		return "denied"
	case errors.Is(err, interfaces.ErrLocked):
		return "locked"
	default:
		return "error"
	}
}

// Message maps err to the message returned to callers. Denials and locked
// sessions get fixed messages that reveal nothing further.
func Message(err error) string {
	switch {
	case errors.Is(err, interfaces.ErrPermissionDenied):
		return interfaces.ErrPermissionDenied.Error()
	case errors.Is(err, interfaces.ErrLocked):
		return interfaces.ErrLocked.Error()
	default:
		return err.Error()
	}
}
