package connector

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"telepool-go/internal/session"
)

const (
	defaultHandshakeTimeout = 15 * time.Second
	frameReadTimeout        = 30 * time.Second
	liveProbeTimeout        = 3 * time.Second
)

// GatewayConnector speaks the JSON websocket protocol of the messaging
// gateway bridge.
type GatewayConnector struct {
	URL    string
	dialer *websocket.Dialer
}

// NewGatewayConnector builds a connector for the given websocket URL.
func NewGatewayConnector(url string) *GatewayConnector {
	return &GatewayConnector{
		URL: url,
		dialer: &websocket.Dialer{
			HandshakeTimeout: defaultHandshakeTimeout,
		},
	}
}

// Connect dials the gateway and authenticates the session. A gateway-level
// rejection is surfaced as *GatewayError (or ErrInteractiveLoginRequired for
// login flows, which this service refuses to drive).
func (g *GatewayConnector) Connect(ctx context.Context, apiID int, apiHash string, cred session.Credential) (Conn, error) {
	ws, _, err := g.dialer.DialContext(ctx, g.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial gateway: %w", err)
	}

	frame, _ := sjson.Set(`{"op":"auth"}`, "api_id", apiID)
	frame, _ = sjson.Set(frame, "api_hash", apiHash)
	frame, _ = sjson.Set(frame, "session", cred.Secret)

	conn := &gatewayConn{ws: ws, credID: cred.ID}
	reply, err := conn.roundTrip(ctx, frame)
	if err != nil {
		_ = ws.Close()
		return nil, err
	}
	if gerr := errorFromFrame(reply); gerr != nil {
		_ = ws.Close()
		return nil, gerr
	}
	if !gjson.Get(reply, "ok").Bool() {
		_ = ws.Close()
		return nil, &GatewayError{Code: "AUTH_FAILED", Message: "gateway refused session"}
	}

	log.WithField("credential", cred.ID).Debug("gateway session established")
	return conn, nil
}

// errorFromFrame extracts a typed error from a gateway reply, if present.
func errorFromFrame(frame string) error {
	code := gjson.Get(frame, "error.code").String()
	if code == "" {
		return nil
	}
	if code == CodeLoginRequired {
		return fmt.Errorf("%w: %s", ErrInteractiveLoginRequired, gjson.Get(frame, "error.message").String())
	}
	return &GatewayError{
		Code:    code,
		Message: gjson.Get(frame, "error.message").String(),
	}
}

// gatewayConn is one authenticated websocket session. The underlying
// websocket connection is not safe for concurrent use, so every round trip
// holds the mutex.
type gatewayConn struct {
	mu     sync.Mutex
	ws     *websocket.Conn
	credID string
}

func (c *gatewayConn) roundTrip(ctx context.Context, frame string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	deadline := time.Now().Add(frameReadTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = c.ws.SetWriteDeadline(deadline)
	if err := c.ws.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
		return "", fmt.Errorf("write frame: %w", err)
	}
	_ = c.ws.SetReadDeadline(deadline)
	_, data, err := c.ws.ReadMessage()
	if err != nil {
		return "", fmt.Errorf("read frame: %w", err)
	}
	return string(data), nil
}

// IsAlive sends a ping round trip with a short deadline. Any failure,
// including a panic inside the websocket stack, counts as dead.
func (c *gatewayConn) IsAlive(ctx context.Context) (alive bool) {
	defer func() {
		if r := recover(); r != nil {
			log.WithField("credential", c.credID).Warnf("liveness probe panic: %v", r)
			alive = false
		}
	}()

	probeCtx, cancel := context.WithTimeout(ctx, liveProbeTimeout)
	defer cancel()

	reply, err := c.roundTrip(probeCtx, `{"op":"ping"}`)
	if err != nil {
		return false
	}
	return gjson.Get(reply, "ok").Bool()
}

// Disconnect closes the session politely, then the socket.
func (c *gatewayConn) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	deadline := time.Now().Add(liveProbeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = c.ws.SetWriteDeadline(deadline)
	_ = c.ws.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutdown"))
	return c.ws.Close()
}

// FetchMessages retrieves up to limit messages from a peer, newest first,
// bounded below by minID.
func (c *gatewayConn) FetchMessages(ctx context.Context, peer string, limit int, minID int64) ([]Message, error) {
	frame, _ := sjson.Set(`{"op":"history"}`, "peer", peer)
	frame, _ = sjson.Set(frame, "limit", limit)
	frame, _ = sjson.Set(frame, "min_id", minID)

	reply, err := c.roundTrip(ctx, frame)
	if err != nil {
		return nil, err
	}
	if gerr := errorFromFrame(reply); gerr != nil {
		return nil, gerr
	}

	var out []Message
	for _, item := range gjson.Get(reply, "messages").Array() {
		msg := Message{
			ID:   item.Get("id").Int(),
			Peer: peer,
			Text: item.Get("text").String(),
		}
		if ts := item.Get("date").Int(); ts > 0 {
			msg.Date = time.Unix(ts, 0).UTC()
		}
		out = append(out, msg)
	}
	return out, nil
}

// IsGatewayCode reports whether err is a GatewayError carrying the given code.
func IsGatewayCode(err error, code string) bool {
	var gerr *GatewayError
	if !errors.As(err, &gerr) {
		return false
	}
	return strings.EqualFold(gerr.Code, code)
}
