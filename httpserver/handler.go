package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/ruteri/nostr-signing-agent/api"
	"github.com/ruteri/nostr-signing-agent/cache"
	"github.com/ruteri/nostr-signing-agent/cryptoutils"
	"github.com/ruteri/nostr-signing-agent/dispatcher"
	"github.com/ruteri/nostr-signing-agent/interfaces"
	"github.com/ruteri/nostr-signing-agent/policy"
	"github.com/ruteri/nostr-signing-agent/session"
	"github.com/ruteri/nostr-signing-agent/vaultstore"
)

// maxBodySize is the maximum allowed request body size (1MB).
const maxBodySize = 1024 * 1024

// RequestError provides structured error information for HTTP responses.
// It includes both an HTTP status code and the underlying error.
type RequestError struct {
	// StatusCode is the HTTP status code to return.
	StatusCode int

	// Err is the underlying error.
	Err error
}

// Error returns the error message from the underlying error.
func (e *RequestError) Error() string {
	return e.Err.Error()
}

func (e *RequestError) Unwrap() error {
	return e.Err
}

// VaultBackup publishes and retrieves vault export envelopes by content id.
type VaultBackup interface {
	Publish(ctx context.Context, data []byte) (string, error)
	Retrieve(ctx context.Context, cid string) ([]byte, error)
}

// ActivityTracker is told about user interaction.
type ActivityTracker interface {
	Reset()
}

// HandlerConfig holds the collaborators of a Handler. Backup is optional.
type HandlerConfig struct {
	Session    *session.Manager
	Dispatcher *dispatcher.Dispatcher
	Policies   *policy.Store
	Resident   *cache.Resident
	Backup     VaultBackup
	Log        *slog.Logger
}

// Handler serves the caller and control endpoints of the signing agent.
type Handler struct {
	session    *session.Manager
	dispatcher *dispatcher.Dispatcher
	policies   *policy.Store
	resident   *cache.Resident
	backup     VaultBackup
	log        *slog.Logger
}

func NewHandler(cfg HandlerConfig) *Handler {
	return &Handler{
		session:    cfg.Session,
		dispatcher: cfg.Dispatcher,
		policies:   cfg.Policies,
		resident:   cfg.Resident,
		backup:     cfg.Backup,
		log:        cfg.Log,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeCallerError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, api.Response{Error: &api.ErrorBody{Message: msg}})
}

func decodeBody(r *http.Request, v any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		return &RequestError{StatusCode: http.StatusBadRequest, Err: fmt.Errorf("failed to read body: %w", err)}
	}
	if err := json.Unmarshal(body, v); err != nil {
		return &RequestError{StatusCode: http.StatusBadRequest, Err: fmt.Errorf("%w: %v", interfaces.ErrInvalidParams, err)}
	}
	return nil
}

// statusFor maps an error to the HTTP status it is reported with.
func statusFor(err error) int {
	var reqErr *RequestError
	switch {
	case errors.As(err, &reqErr):
		return reqErr.StatusCode
	case errors.Is(err, interfaces.ErrInvalidParams), errors.Is(err, interfaces.ErrFormat):
		return http.StatusBadRequest
	case errors.Is(err, interfaces.ErrAuthentication):
		return http.StatusUnauthorized
	case errors.Is(err, interfaces.ErrPermissionDenied):
		return http.StatusForbidden
	case errors.Is(err, interfaces.ErrContentNotFound):
		return http.StatusNotFound
	case errors.Is(err, interfaces.ErrVaultExists):
		return http.StatusConflict
	case errors.Is(err, interfaces.ErrLocked):
		return http.StatusLocked
	case errors.Is(err, interfaces.ErrBackendUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.log.Error("Request failed", "err", err, slog.String("path", r.URL.Path))
	}
	writeJSON(w, status, api.SuccessResponse{Success: false, Error: err.Error()})
}

func (h *Handler) succeed(w http.ResponseWriter) {
	writeJSON(w, http.StatusOK, api.SuccessResponse{Success: true})
}

// HandleRequest serves POST /api/request for callers.
func (h *Handler) HandleRequest(w http.ResponseWriter, r *http.Request) {
	var req api.Request
	if err := decodeBody(r, &req); err != nil {
		writeCallerError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Host == "" {
		req.Host = r.Header.Get("Origin")
	}
	if req.Host == "" {
		writeCallerError(w, http.StatusBadRequest, fmt.Sprintf("%s: missing host", interfaces.ErrInvalidParams))
		return
	}

	result, err := h.dispatcher.Dispatch(r.Context(), dispatcher.Request{
		Type:   req.Type,
		Params: req.Params,
		Host:   req.Host,
	})
	if err != nil {
		status := statusFor(err)
		if status >= http.StatusInternalServerError {
			h.log.Warn("Request failed", "err", err, slog.String("host", req.Host), slog.String("type", req.Type.String()))
		}
		writeCallerError(w, status, dispatcher.Message(err))
		return
	}
	writeJSON(w, http.StatusOK, api.Response{Result: result})
}

func (h *Handler) HandleUnlock(w http.ResponseWriter, r *http.Request) {
	var req api.UnlockRequest
	if err := decodeBody(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	if err := h.session.Unlock(r.Context(), req.Password); err != nil {
		h.fail(w, r, err)
		return
	}
	h.succeed(w)
}

func (h *Handler) HandleLock(w http.ResponseWriter, r *http.Request) {
	h.session.Lock()
	h.succeed(w)
}

func (h *Handler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, api.StatusResponse{Unlocked: h.session.IsUnlocked()})
}

func (h *Handler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	var req api.CreateVaultRequest
	if err := decodeBody(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	if req.Password == "" {
		h.fail(w, r, fmt.Errorf("%w: empty password", interfaces.ErrInvalidParams))
		return
	}

	mnemonic, err := h.session.Create(r.Context(), req.Password, req.Mnemonic, req.Passphrase)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	pubkey, err := h.session.ActivePublicKey()
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, api.CreateVaultResponse{Mnemonic: mnemonic, PublicKey: pubkey})
}

func (h *Handler) HandleChangePassword(w http.ResponseWriter, r *http.Request) {
	var req api.ChangePasswordRequest
	if err := decodeBody(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	if req.NewPassword == "" {
		h.fail(w, r, fmt.Errorf("%w: empty password", interfaces.ErrInvalidParams))
		return
	}
	if err := h.session.ChangePassword(r.Context(), req.OldPassword, req.NewPassword); err != nil {
		h.fail(w, r, err)
		return
	}
	h.succeed(w)
}

// HandleExport returns the stored vault in its export envelope. The vault
// stays sealed, so this works while locked.
func (h *Handler) HandleExport(w http.ResponseWriter, r *http.Request) {
	data, err := h.session.Export(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (h *Handler) HandleExportIPFS(w http.ResponseWriter, r *http.Request) {
	if h.backup == nil {
		h.fail(w, r, &RequestError{StatusCode: http.StatusNotImplemented, Err: errors.New("no IPFS backup configured")})
		return
	}
	data, err := h.session.Export(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	cid, err := h.backup.Publish(r.Context(), data)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.log.Info("Vault published", slog.String("cid", cid))
	writeJSON(w, http.StatusOK, api.IPFSExportResponse{CID: cid})
}

func (h *Handler) HandleImport(w http.ResponseWriter, r *http.Request) {
	var req api.ImportVaultRequest
	if err := decodeBody(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}

	blob, err := h.importedBlob(r.Context(), &req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if err := h.session.ImportVault(r.Context(), blob, req.Password); err != nil {
		h.fail(w, r, err)
		return
	}
	h.succeed(w)
}

func (h *Handler) importedBlob(ctx context.Context, req *api.ImportVaultRequest) (*cryptoutils.SealedBlob, error) {
	switch {
	case req.Vault != "" && req.CID != "":
		return nil, fmt.Errorf("%w: give either vault or cid", interfaces.ErrInvalidParams)
	case req.Vault != "":
		return cryptoutils.ParseSealedBlob(req.Vault)
	case req.CID != "":
		if h.backup == nil {
			return nil, &RequestError{StatusCode: http.StatusNotImplemented, Err: errors.New("no IPFS backup configured")}
		}
		data, err := h.backup.Retrieve(ctx, req.CID)
		if err != nil {
			return nil, err
		}
		return vaultstore.ParseExport(data)
	default:
		return nil, fmt.Errorf("%w: missing vault", interfaces.ErrInvalidParams)
	}
}

func (h *Handler) HandleListAccounts(w http.ResponseWriter, r *http.Request) {
	accounts, err := h.session.ListAccounts()
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, api.AccountsResponse{Accounts: accounts})
}

func (h *Handler) HandleDeriveAccount(w http.ResponseWriter, r *http.Request) {
	pubkey, err := h.session.DeriveAccount(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, api.PublicKeyResponse{PublicKey: pubkey})
}

func (h *Handler) HandleImportAccount(w http.ResponseWriter, r *http.Request) {
	var req api.ImportAccountRequest
	if err := decodeBody(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	pubkey, err := h.session.ImportAccount(r.Context(), req.Key)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, api.PublicKeyResponse{PublicKey: pubkey})
}

func (h *Handler) HandleDeleteImportedAccount(w http.ResponseWriter, r *http.Request) {
	index, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil {
		h.fail(w, r, fmt.Errorf("%w: invalid index", interfaces.ErrInvalidParams))
		return
	}
	if err := h.session.DeleteImportedAccount(r.Context(), index); err != nil {
		h.fail(w, r, err)
		return
	}
	h.succeed(w)
}

func (h *Handler) HandleSetDefaultAccount(w http.ResponseWriter, r *http.Request) {
	var req api.PublicKeyRequest
	if err := decodeBody(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	if err := h.session.SetDefaultAccount(r.Context(), req.PublicKey); err != nil {
		h.fail(w, r, err)
		return
	}
	h.succeed(w)
}

func (h *Handler) HandleListPolicies(w http.ResponseWriter, r *http.Request) {
	records, err := h.policies.List(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if records == nil {
		records = []interfaces.PolicyRecord{}
	}
	writeJSON(w, http.StatusOK, api.PoliciesResponse{Policies: records})
}

// hostParam returns the unescaped host path parameter. Hosts such as
// "https://app.example" arrive percent-encoded.
func hostParam(r *http.Request) (string, error) {
	host, err := url.PathUnescape(chi.URLParam(r, "host"))
	if err != nil || host == "" {
		return "", fmt.Errorf("%w: invalid host", interfaces.ErrInvalidParams)
	}
	return host, nil
}

func (h *Handler) HandleRevokeHost(w http.ResponseWriter, r *http.Request) {
	host, err := hostParam(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if err := h.policies.RevokeHost(r.Context(), host); err != nil {
		h.fail(w, r, err)
		return
	}
	h.succeed(w)
}

func (h *Handler) HandleRevokePolicy(w http.ResponseWriter, r *http.Request) {
	host, err := hostParam(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	accept, err := strconv.ParseBool(chi.URLParam(r, "accept"))
	if err != nil {
		h.fail(w, r, fmt.Errorf("%w: accept must be true or false", interfaces.ErrInvalidParams))
		return
	}
	op := interfaces.OperationType(chi.URLParam(r, "type"))
	if err := op.Validate(); err != nil {
		h.fail(w, r, err)
		return
	}
	if err := h.policies.Revoke(r.Context(), host, accept, op); err != nil {
		h.fail(w, r, err)
		return
	}
	h.succeed(w)
}

func (h *Handler) HandleGetProfile(w http.ResponseWriter, r *http.Request) {
	profile, ok := h.resident.Profile(chi.URLParam(r, "pubkey"))
	if !ok {
		h.fail(w, r, interfaces.ErrContentNotFound)
		return
	}
	writeJSON(w, http.StatusOK, profile)
}

// HandlePutProfile stores the request body as the kind 0 content of pubkey.
func (h *Handler) HandlePutProfile(w http.ResponseWriter, r *http.Request) {
	var content json.RawMessage
	if err := decodeBody(r, &content); err != nil {
		h.fail(w, r, err)
		return
	}
	if err := h.resident.SetProfile(chi.URLParam(r, "pubkey"), content); err != nil {
		h.fail(w, r, err)
		return
	}
	h.succeed(w)
}

func (h *Handler) HandleGetRelays(w http.ResponseWriter, r *http.Request) {
	relays, ok := h.resident.Relays(chi.URLParam(r, "pubkey"))
	if !ok {
		h.fail(w, r, interfaces.ErrContentNotFound)
		return
	}
	writeJSON(w, http.StatusOK, relays)
}

// HandlePutRelays replaces the relay list of pubkey with the request body, a
// JSON array of {url, read, write}.
func (h *Handler) HandlePutRelays(w http.ResponseWriter, r *http.Request) {
	var relays []cache.Relay
	if err := decodeBody(r, &relays); err != nil {
		h.fail(w, r, err)
		return
	}
	if err := h.resident.SetRelays(chi.URLParam(r, "pubkey"), relays); err != nil {
		h.fail(w, r, err)
		return
	}
	h.succeed(w)
}
