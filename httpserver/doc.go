/*
Package httpserver implements the HTTP server of the signing agent.

It carries three protocols on one listener:

1. Caller API - POST /api/request, open to untrusted applications and rate
   limited per caller. Every request is authorized by the prompt coordinator
   before the dispatcher touches key material.
2. Control API - /api/vault, /api/accounts, /api/policies and /api/cache,
   used by the trusted local UI. Every call counts as user activity for the
   auto-locker.
3. Approval surface - GET /api/approval/ws, a websocket on which the UI
   receives prompts and answers them. See ApprovalHub.

# Access Control

Control and approval endpoints are guarded by ControlAuth. With a control
secret configured, requests carry an HS256 token as a bearer header or, for
websocket clients, as the token query parameter. Without one, only loopback
connections are served.

# Errors

Caller errors use the {"error":{"message":...}} shape, with fixed messages for
denials and locked sessions. Control endpoints answer {"success":false,
"error":...}. Status codes follow the error kind: 400 for malformed input, 401
for a wrong password, 403 for a denial, 423 while locked.

# Health Endpoints

  - /livez - liveness check
  - /readyz - readiness check
  - /drain, /undrain - toggle readiness for graceful shutdown

Metrics are served on a separate listener; see package metrics.
*/
package httpserver
