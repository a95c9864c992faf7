package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/coral-mesh/tracer/internal/retry"
)

// Envelope frames a host-to-agent message. Agent-to-host messages are sent
// as bare JSON objects carrying their own type.
type Envelope struct {
	Tag     string          `json:"tag"`
	Payload json.RawMessage `json:"payload"`
}

// DialOptions configures a WebSocket connection to the host.
type DialOptions struct {
	URL string
	// Secret signs the bearer token presented to the host. Empty disables
	// authentication.
	Secret []byte
	// SessionID becomes the token subject.
	SessionID string
	TokenTTL  time.Duration

	HandshakeTimeout time.Duration
	Retry            retry.Config
}

// WebSocket is a transport over a single WebSocket connection.
type WebSocket struct {
	conn   *websocket.Conn
	box    *mailbox
	logger zerolog.Logger

	writeMu sync.Mutex
	done    chan struct{}

	closeOnce sync.Once
}

// Dial connects to the host, retrying transient failures according to
// opts.Retry. A rejected token is not retried.
func Dial(ctx context.Context, opts DialOptions, logger zerolog.Logger) (*WebSocket, error) {
	header := http.Header{}
	if len(opts.Secret) > 0 {
		token, err := NewToken(opts.Secret, opts.SessionID, opts.TokenTTL)
		if err != nil {
			return nil, err
		}
		header.Set("Authorization", "Bearer "+token)
	}

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: opts.HandshakeTimeout,
	}

	cfg := opts.Retry
	cfg.OnRetry = func(attempt int, err error, backoff time.Duration) {
		logger.Debug().Err(err).Int("attempt", attempt).Dur("backoff", backoff).Str("url", opts.URL).Msg("Dial failed")
	}

	var conn *websocket.Conn
	err := retry.Do(ctx, cfg, func() error {
		c, resp, err := dialer.DialContext(ctx, opts.URL, header)
		if resp != nil && resp.Body != nil {
			_ = resp.Body.Close()
		}
		if err != nil {
			if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
				return &rejectedError{status: resp.StatusCode, err: err}
			}
			return err
		}
		conn = c
		return nil
	}, func(err error) bool {
		var rejected *rejectedError
		return !errors.As(err, &rejected)
	})
	if err != nil {
		return nil, fmt.Errorf("dial host %s: %w", opts.URL, err)
	}

	return NewWebSocket(conn, logger), nil
}

type rejectedError struct {
	status int
	err    error
}

func (e *rejectedError) Error() string {
	return fmt.Sprintf("host rejected credentials (HTTP %d): %v", e.status, e.err)
}

func (e *rejectedError) Unwrap() error {
	return e.err
}

// NewWebSocket wraps an established connection and starts reading from it.
func NewWebSocket(conn *websocket.Conn, logger zerolog.Logger) *WebSocket {
	ws := &WebSocket{
		conn:   conn,
		box:    newMailbox(),
		logger: logger.With().Str("component", "ws_transport").Logger(),
		done:   make(chan struct{}),
	}
	go ws.readLoop()
	return ws
}

func (ws *WebSocket) readLoop() {
	defer close(ws.done)

	for {
		var env Envelope
		if err := ws.conn.ReadJSON(&env); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				ws.logger.Debug().Msg("Host closed the connection")
			} else {
				ws.logger.Debug().Err(err).Msg("Read loop stopped")
			}
			ws.box.close(ErrClosed)
			return
		}
		if env.Tag == "" {
			ws.logger.Warn().Msg("Dropping untagged host message")
			continue
		}
		ws.box.deliver(env.Tag, env.Payload)
	}
}

// Send implements protocol.Transport.
func (ws *WebSocket) Send(msg any) error {
	ws.writeMu.Lock()
	defer ws.writeMu.Unlock()

	select {
	case <-ws.done:
		return ErrClosed
	default:
	}
	if err := ws.conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	return nil
}

// Receive implements protocol.Transport.
func (ws *WebSocket) Receive(ctx context.Context, tag string) (json.RawMessage, error) {
	return ws.box.receive(ctx, tag)
}

// Close sends a close frame and releases the connection.
func (ws *WebSocket) Close() error {
	var err error
	ws.closeOnce.Do(func() {
		ws.writeMu.Lock()
		_ = ws.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		ws.writeMu.Unlock()

		err = ws.conn.Close()
		ws.box.close(ErrClosed)
	})
	return err
}

// MinSecretLength is the shortest token secret a configuration may set.
const MinSecretLength = 16

// NewToken signs a bearer token for sessionID. A non-positive ttl issues a
// token without expiry.
func NewToken(secret []byte, sessionID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:  sessionID,
		Issuer:   "coral-trace",
		IssuedAt: jwt.NewNumericDate(now),
	}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return token, nil
}

// VerifyToken checks a bearer token signed with secret and returns its
// claims.
func VerifyToken(secret []byte, token string) (*jwt.RegisteredClaims, error) {
	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithIssuer("coral-trace"))
	if err != nil {
		return nil, fmt.Errorf("verify token: %w", err)
	}
	return claims, nil
}
