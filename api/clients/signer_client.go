package clients

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/ruteri/nostr-signing-agent/api"
	"github.com/ruteri/nostr-signing-agent/cache"
	"github.com/ruteri/nostr-signing-agent/interfaces"
	"github.com/ruteri/nostr-signing-agent/session"
)

// SignerClient talks to the control and caller APIs of a signing agent.
type SignerClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewSignerClient creates a client for the agent at baseURL. token is sent as
// a bearer token when not empty. Caller requests may wait on a prompt, so the
// timeout (default 2 minutes) should leave room for the user to answer.
func NewSignerClient(baseURL, token string, timeout ...time.Duration) *SignerClient {
	clientTimeout := 2 * time.Minute
	if len(timeout) > 0 {
		clientTimeout = timeout[0]
	}

	return &SignerClient{
		baseURL: baseURL,
		token:   token,
		httpClient: &http.Client{
			Timeout: clientTimeout,
		},
	}
}

// APIError is a non-2xx reply from the agent.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("request failed with code %d: %s", e.StatusCode, e.Message)
}

func (c *SignerClient) do(method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s failed: %w", method, path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("could not read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &APIError{StatusCode: resp.StatusCode, Message: errorMessage(respBody)}
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("could not parse response: %w", err)
	}
	return nil
}

// errorMessage extracts the message from either error shape of the API.
func errorMessage(body []byte) string {
	var envelope struct {
		Error json.RawMessage `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err == nil && len(envelope.Error) > 0 {
		var msg string
		if json.Unmarshal(envelope.Error, &msg) == nil {
			return msg
		}
		var eb api.ErrorBody
		if json.Unmarshal(envelope.Error, &eb) == nil {
			return eb.Message
		}
	}
	return string(bytes.TrimSpace(body))
}

// Request sends a caller request and returns the raw result.
func (c *SignerClient) Request(req api.Request) (json.RawMessage, error) {
	var resp api.RawResponse
	if err := c.do(http.MethodPost, "/api/request", req, &resp); err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, errors.New(resp.Error.Message)
	}
	return resp.Result, nil
}

func (c *SignerClient) Status() (bool, error) {
	var resp api.StatusResponse
	err := c.do(http.MethodGet, "/api/vault/status", nil, &resp)
	return resp.Unlocked, err
}

func (c *SignerClient) Unlock(password string) error {
	return c.do(http.MethodPost, "/api/vault/unlock", api.UnlockRequest{Password: password}, nil)
}

func (c *SignerClient) Lock() error {
	return c.do(http.MethodPost, "/api/vault/lock", nil, nil)
}

// Create creates a vault. An empty mnemonic asks the agent to generate one.
func (c *SignerClient) Create(password, mnemonic, passphrase string) (*api.CreateVaultResponse, error) {
	var resp api.CreateVaultResponse
	err := c.do(http.MethodPost, "/api/vault/create", api.CreateVaultRequest{
		Password:   password,
		Mnemonic:   mnemonic,
		Passphrase: passphrase,
	}, &resp)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *SignerClient) ChangePassword(oldPassword, newPassword string) error {
	return c.do(http.MethodPost, "/api/vault/password", api.ChangePasswordRequest{
		OldPassword: oldPassword,
		NewPassword: newPassword,
	}, nil)
}

// Export returns the sealed vault string of the stored vault.
func (c *SignerClient) Export() (string, error) {
	var resp struct {
		Vault string `json:"vault"`
	}
	err := c.do(http.MethodGet, "/api/vault/export", nil, &resp)
	return resp.Vault, err
}

// ExportIPFS publishes the vault export to IPFS and returns its CID.
func (c *SignerClient) ExportIPFS() (string, error) {
	var resp api.IPFSExportResponse
	err := c.do(http.MethodPost, "/api/vault/export/ipfs", nil, &resp)
	return resp.CID, err
}

// Import replaces the stored vault with a sealed vault string or the export
// published under cid. Exactly one of vault and cid must be set.
func (c *SignerClient) Import(vault, cid, password string) error {
	return c.do(http.MethodPost, "/api/vault/import", api.ImportVaultRequest{
		Vault:    vault,
		CID:      cid,
		Password: password,
	}, nil)
}

func (c *SignerClient) Accounts() ([]session.AccountInfo, error) {
	var resp api.AccountsResponse
	err := c.do(http.MethodGet, "/api/accounts", nil, &resp)
	return resp.Accounts, err
}

func (c *SignerClient) DeriveAccount() (string, error) {
	var resp api.PublicKeyResponse
	err := c.do(http.MethodPost, "/api/accounts/derive", nil, &resp)
	return resp.PublicKey, err
}

// ImportAccount adds an nsec or hex secret key and returns its public key.
func (c *SignerClient) ImportAccount(key string) (string, error) {
	var resp api.PublicKeyResponse
	err := c.do(http.MethodPost, "/api/accounts/import", api.ImportAccountRequest{Key: key}, &resp)
	return resp.PublicKey, err
}

func (c *SignerClient) DeleteImportedAccount(index int) error {
	return c.do(http.MethodDelete, "/api/accounts/imported/"+strconv.Itoa(index), nil, nil)
}

func (c *SignerClient) SetDefaultAccount(pubkey string) error {
	return c.do(http.MethodPost, "/api/accounts/default", api.PublicKeyRequest{PublicKey: pubkey}, nil)
}

func (c *SignerClient) Policies() ([]interfaces.PolicyRecord, error) {
	var resp api.PoliciesResponse
	err := c.do(http.MethodGet, "/api/policies", nil, &resp)
	return resp.Policies, err
}

func (c *SignerClient) RevokeHost(host string) error {
	return c.do(http.MethodDelete, "/api/policies/"+url.PathEscape(host), nil, nil)
}

func (c *SignerClient) RevokePolicy(host string, accept bool, op interfaces.OperationType) error {
	path := fmt.Sprintf("/api/policies/%s/%t/%s", url.PathEscape(host), accept, url.PathEscape(op.String()))
	return c.do(http.MethodDelete, path, nil, nil)
}

func (c *SignerClient) Profile(pubkey string) (*cache.Profile, error) {
	var resp cache.Profile
	if err := c.do(http.MethodGet, "/api/cache/profiles/"+pubkey, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *SignerClient) SetProfile(pubkey string, content json.RawMessage) error {
	return c.do(http.MethodPut, "/api/cache/profiles/"+pubkey, content, nil)
}

func (c *SignerClient) Relays(pubkey string) (*cache.RelayList, error) {
	var resp cache.RelayList
	if err := c.do(http.MethodGet, "/api/cache/relays/"+pubkey, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *SignerClient) SetRelays(pubkey string, relays []cache.Relay) error {
	return c.do(http.MethodPut, "/api/cache/relays/"+pubkey, relays, nil)
}
