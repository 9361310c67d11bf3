// Package connector defines the boundary between the session pool and the
// remote messaging gateway. The pool only depends on the interfaces here;
// the websocket implementation and the scripted test fakes both satisfy them.
package connector

import (
	"context"
	"errors"
	"fmt"
	"time"

	"telepool-go/internal/session"
)

// Remote error codes surfaced by the gateway. Classification of these codes
// lives in the pool's classifier; this package only carries them.
const (
	CodeAuthKeyDuplicated   = "AUTH_KEY_DUPLICATED"
	CodeAuthKeyUnregistered = "AUTH_KEY_UNREGISTERED"
	CodeSessionRevoked      = "SESSION_REVOKED"
	CodeConcurrentConnect   = "CONCURRENT_CONNECT"
	CodeLoginRequired       = "LOGIN_REQUIRED"
	CodeFloodWait           = "FLOOD_WAIT"
)

// ErrInteractiveLoginRequired is returned when the gateway demands an
// interactive login flow for a session. The pool never implements such flows;
// the credential is treated like any other auth failure.
var ErrInteractiveLoginRequired = errors.New("connector: interactive login required, rejected")

// GatewayError is a typed error reported by the remote gateway.
type GatewayError struct {
	Code    string
	Message string
}

func (e *GatewayError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("gateway error: %s", e.Code)
	}
	return fmt.Sprintf("gateway error: %s: %s", e.Code, e.Message)
}

// Message is one fetched message. The payload is deliberately narrow; the
// remote protocol's richer semantics are out of scope here.
type Message struct {
	ID   int64     `json:"id"`
	Peer string    `json:"peer"`
	Text string    `json:"text"`
	Date time.Time `json:"date"`
}

// Conn is an established, long-lived connection bound to one credential.
// Implementations must make IsAlive cheap and non-panicking; any internal
// failure counts as "not alive".
type Conn interface {
	IsAlive(ctx context.Context) bool
	Disconnect(ctx context.Context) error
	FetchMessages(ctx context.Context, peer string, limit int, minID int64) ([]Message, error)
}

// Connector establishes connections. The pool calls Connect outside its lock;
// implementations own their own timeout behavior below the ctx deadline.
type Connector interface {
	Connect(ctx context.Context, apiID int, apiHash string, cred session.Credential) (Conn, error)
}
