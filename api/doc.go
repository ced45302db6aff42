/*
Package api defines the wire types of the signing agent's HTTP API and the
configuration of its HTTP server.

The API has three audiences:

1. Callers - untrusted applications asking for signatures, public keys and
   encryption through POST /api/request
2. The control surface - a trusted local UI unlocking and locking the vault,
   managing accounts and remembered permissions
3. The approval surface - the same UI connected over a websocket, answering
   prompts raised for caller requests

# Caller Protocol

A request names an operation, its parameters and the caller's host:

	{"type": "signEvent", "params": {"event": {...}}, "host": "app.example"}

The reply carries either a result or an error message:

	{"result": {...signed event...}}
	{"error": {"message": "denied"}}

# Approval Protocol

The server pushes PROMPT and PROMPT_CLOSED messages; the surface answers with
PROMPT_RESPONSE and may issue UNLOCK_VAULT, LOCK_VAULT and GET_LOCK_STATUS.
See SurfaceMessage.

The clients subpackage provides a Go client for the control API.
*/
package api
