package middleware

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"reelay/pkg/protocol"
)

// WebSocket close codes for authentication failures, in the 4000-4999
// private use range mirroring the HTTP status codes.
const (
	// CloseUnauthorized is used when no valid token is provided
	CloseUnauthorized = 4401
	// CloseForbidden is used when the token is wrong
	CloseForbidden = 4403
)

// WSAuthResult contains the result of WebSocket handshake authentication
type WSAuthResult struct {
	// Authenticated indicates if authentication succeeded
	Authenticated bool
	// ResponseProtocol is echoed in the upgrade response when the client
	// requested the versioned sub-protocol
	ResponseProtocol string
	// Error describes the auth failure (nil if authenticated)
	Error *AuthError
}

// WSAuth authenticates WebSocket upgrade requests. Auth happens during the
// HTTP handshake, before the upgrade.
type WSAuth struct {
	auth *TokenAuth
}

// NewWSAuth creates a WebSocket authenticator sharing the API token check.
func NewWSAuth(auth *TokenAuth) *WSAuth {
	return &WSAuth{auth: auth}
}

// Authenticate validates a WebSocket upgrade request. Call before upgrading.
func (a *WSAuth) Authenticate(r *http.Request) WSAuthResult {
	var echo string
	for _, p := range websocket.Subprotocols(r) {
		if p == protocol.Subprotocol {
			echo = p
			break
		}
	}

	extracted := ExtractTokenWS(r)
	if authErr := a.auth.Check(extracted); authErr != nil {
		return WSAuthResult{ResponseProtocol: echo, Error: authErr}
	}
	return WSAuthResult{Authenticated: true, ResponseProtocol: echo}
}

// CloseCode maps an auth error to its WebSocket close code.
func CloseCode(authErr *AuthError) int {
	if authErr != nil && authErr.Code == http.StatusForbidden {
		return CloseForbidden
	}
	return CloseUnauthorized
}

// RejectUpgrade rejects an upgrade request before the upgrade happens with a
// plain HTTP error.
func (a *WSAuth) RejectUpgrade(w http.ResponseWriter, authErr *AuthError) {
	w.Header().Set("Content-Type", "text/plain")
	w.Header().Set("WWW-Authenticate", `Bearer realm="reelay"`)
	http.Error(w, authErr.Message, authErr.Code)
}

// RejectConnection closes an already-upgraded socket with the auth close
// code. Used when the credential check has to happen after the upgrade so
// browser clients can read the close reason.
func (a *WSAuth) RejectConnection(conn *websocket.Conn, authErr *AuthError) {
	message := websocket.FormatCloseMessage(CloseCode(authErr), authErr.Message)
	conn.WriteControl(websocket.CloseMessage, message, time.Now().Add(time.Second))
	conn.Close()
}
