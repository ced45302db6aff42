package api

import (
	"encoding/json"

	"github.com/ruteri/nostr-signing-agent/interfaces"
	"github.com/ruteri/nostr-signing-agent/prompt"
	"github.com/ruteri/nostr-signing-agent/session"
)

// Request is the body of POST /api/request.
type Request struct {
	Type   interfaces.OperationType `json:"type"`
	Params json.RawMessage          `json:"params,omitempty"`
	// Host identifies the caller. The Origin header is used when empty.
	Host string `json:"host,omitempty"`
}

// ErrorBody carries the message of a failed request.
type ErrorBody struct {
	Message string `json:"message"`
}

// Response is the reply to a Request: exactly one of Result and Error is set.
type Response struct {
	Result any        `json:"result,omitempty"`
	Error  *ErrorBody `json:"error,omitempty"`
}

// RawResponse is Response as seen by clients, with the result left undecoded.
type RawResponse struct {
	Result json.RawMessage `json:"result,omitempty"`
	Error  *ErrorBody      `json:"error,omitempty"`
}

type UnlockRequest struct {
	Password string `json:"password"`
}

// SuccessResponse is returned by control endpoints that only report success.
type SuccessResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

type StatusResponse struct {
	Unlocked bool `json:"unlocked"`
}

type CreateVaultRequest struct {
	Password   string `json:"password"`
	Mnemonic   string `json:"mnemonic,omitempty"`
	Passphrase string `json:"passphrase,omitempty"`
}

type CreateVaultResponse struct {
	Mnemonic  string `json:"mnemonic"`
	PublicKey string `json:"pubkey"`
}

type ChangePasswordRequest struct {
	OldPassword string `json:"old_password"`
	NewPassword string `json:"new_password"`
}

// ImportVaultRequest names the vault either inline, as the sealed blob
// string of an export envelope, or by the IPFS CID of an envelope.
type ImportVaultRequest struct {
	Vault    string `json:"vault,omitempty"`
	CID      string `json:"cid,omitempty"`
	Password string `json:"password"`
}

type IPFSExportResponse struct {
	CID string `json:"cid"`
}

type ImportAccountRequest struct {
	Key string `json:"key"`
}

type PublicKeyRequest struct {
	PublicKey string `json:"pubkey"`
}

type PublicKeyResponse struct {
	PublicKey string `json:"pubkey"`
}

type AccountsResponse struct {
	Accounts []session.AccountInfo `json:"accounts"`
}

type PoliciesResponse struct {
	Policies []interfaces.PolicyRecord `json:"policies"`
}

// Approval surface message types.
const (
	MsgPrompt         = "PROMPT"
	MsgPromptClosed   = "PROMPT_CLOSED"
	MsgPromptResponse = "PROMPT_RESPONSE"
	MsgUnlockVault    = "UNLOCK_VAULT"
	MsgLockVault      = "LOCK_VAULT"
	MsgGetLockStatus  = "GET_LOCK_STATUS"
)

// SurfaceMessage is exchanged over the approval websocket in both directions.
type SurfaceMessage struct {
	Type string `json:"type"`

	// PROMPT
	Prompt *prompt.Prompt `json:"prompt,omitempty"`
	// PROMPT_CLOSED
	ID string `json:"id,omitempty"`
	// PROMPT_RESPONSE
	Response *prompt.Response `json:"response,omitempty"`
	// UNLOCK_VAULT
	Password string `json:"password,omitempty"`

	// Replies
	Success  *bool  `json:"success,omitempty"`
	Unlocked *bool  `json:"unlocked,omitempty"`
	Error    string `json:"error,omitempty"`
}
