package httpserver

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/ruteri/nostr-signing-agent/api"
	"github.com/ruteri/nostr-signing-agent/prompt"
)

// ErrNoSurface is returned by ApprovalHub.Open when no surface is connected.
var ErrNoSurface = errors.New("no approval surface connected")

const surfaceWriteTimeout = 10 * time.Second

// PromptResolver receives decisions taken on the approval surface.
type PromptResolver interface {
	Resolve(resp prompt.Response) error
	Dismiss(id string) error
}

// VaultControl is what the approval surface may do to the session.
type VaultControl interface {
	Unlock(ctx context.Context, password string) error
	Lock()
	IsUnlocked() bool
}

// ApprovalHub serves approval surfaces over websockets and implements
// prompt.Surface. Prompts go to the most recently connected surface. When a
// surface disconnects, the prompts it was showing are dismissed.
type ApprovalHub struct {
	log      *slog.Logger
	vault    VaultControl
	activity ActivityTracker
	upgrader websocket.Upgrader

	mu       sync.Mutex
	resolver PromptResolver
	surfaces []*surfaceConn
	shown    map[string]*surfaceConn
}

type surfaceConn struct {
	ws      *websocket.Conn
	writeMu sync.Mutex
}

func (c *surfaceConn) send(msg *api.SurfaceMessage) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(surfaceWriteTimeout))
	return c.ws.WriteJSON(msg)
}

func NewApprovalHub(vault VaultControl, activity ActivityTracker, log *slog.Logger) *ApprovalHub {
	return &ApprovalHub{
		log:      log,
		vault:    vault,
		activity: activity,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Access is controlled by ControlAuth, not by origin.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		shown: make(map[string]*surfaceConn),
	}
}

// SetResolver connects the hub to the coordinator whose prompts it shows.
func (h *ApprovalHub) SetResolver(r PromptResolver) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.resolver = r
}

// Open implements prompt.Surface.
func (h *ApprovalHub) Open(_ context.Context, p *prompt.Prompt) error {
	h.mu.Lock()
	if len(h.surfaces) == 0 {
		h.mu.Unlock()
		return ErrNoSurface
	}
	conn := h.surfaces[len(h.surfaces)-1]
	h.shown[p.ID] = conn
	h.mu.Unlock()

	if err := conn.send(&api.SurfaceMessage{Type: api.MsgPrompt, Prompt: p}); err != nil {
		h.mu.Lock()
		delete(h.shown, p.ID)
		h.mu.Unlock()
		return err
	}
	return nil
}

// Close implements prompt.Surface.
func (h *ApprovalHub) Close(id string) {
	h.mu.Lock()
	conn, ok := h.shown[id]
	delete(h.shown, id)
	h.mu.Unlock()

	if ok {
		if err := conn.send(&api.SurfaceMessage{Type: api.MsgPromptClosed, ID: id}); err != nil {
			h.log.Debug("Failed to withdraw prompt", "err", err, slog.String("prompt", id))
		}
	}
}

// Connected returns the number of connected surfaces.
func (h *ApprovalHub) Connected() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.surfaces)
}

// ServeHTTP upgrades the connection and serves one surface until it disconnects.
func (h *ApprovalHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("Websocket upgrade failed", "err", err)
		return
	}
	conn := &surfaceConn{ws: ws}

	h.mu.Lock()
	h.surfaces = append(h.surfaces, conn)
	h.mu.Unlock()
	h.log.Info("Approval surface connected", slog.String("remote", r.RemoteAddr))

	defer h.disconnect(conn)

	for {
		var msg api.SurfaceMessage
		if err := ws.ReadJSON(&msg); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.log.Debug("Approval surface read failed", "err", err)
			}
			return
		}

		if h.activity != nil {
			h.activity.Reset()
		}
		reply := h.handle(r.Context(), conn, &msg)
		if err := conn.send(reply); err != nil {
			h.log.Debug("Approval surface write failed", "err", err)
			return
		}
	}
}

func (h *ApprovalHub) handle(ctx context.Context, conn *surfaceConn, msg *api.SurfaceMessage) *api.SurfaceMessage {
	reply := &api.SurfaceMessage{Type: msg.Type}
	ok := func(success bool, err error) *api.SurfaceMessage {
		reply.Success = &success
		if err != nil {
			reply.Error = err.Error()
		}
		return reply
	}

	switch msg.Type {
	case api.MsgPromptResponse:
		if msg.Response == nil {
			return ok(false, errors.New("missing response"))
		}
		h.mu.Lock()
		resolver := h.resolver
		if h.shown[msg.Response.ID] == conn {
			delete(h.shown, msg.Response.ID)
		}
		h.mu.Unlock()
		if resolver == nil {
			return ok(false, errors.New("no pending prompt"))
		}
		err := resolver.Resolve(*msg.Response)
		return ok(err == nil, err)

	case api.MsgUnlockVault:
		err := h.vault.Unlock(ctx, msg.Password)
		return ok(err == nil, err)

	case api.MsgLockVault:
		h.vault.Lock()
		return ok(true, nil)

	case api.MsgGetLockStatus:
		unlocked := h.vault.IsUnlocked()
		reply.Unlocked = &unlocked
		return reply

	default:
		return ok(false, errors.New("unknown message type"))
	}
}

func (h *ApprovalHub) disconnect(conn *surfaceConn) {
	h.mu.Lock()
	for i, c := range h.surfaces {
		if c == conn {
			h.surfaces = append(h.surfaces[:i], h.surfaces[i+1:]...)
			break
		}
	}
	var orphaned []string
	for id, c := range h.shown {
		if c == conn {
			orphaned = append(orphaned, id)
			delete(h.shown, id)
		}
	}
	resolver := h.resolver
	h.mu.Unlock()

	_ = conn.ws.Close()
	h.log.Info("Approval surface disconnected", slog.Int("orphaned_prompts", len(orphaned)))

	if resolver == nil {
		return
	}
	for _, id := range orphaned {
		if err := resolver.Dismiss(id); err != nil {
			h.log.Debug("Prompt already settled", slog.String("prompt", id))
		}
	}
}
