// Package wsconn carries protocol messages over gorilla/websocket, for both
// the frame client and the engine server.
package wsconn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"roundtrip/internal/channel"
	"roundtrip/internal/domain"
	"roundtrip/internal/protocol"
)

const (
	defaultHandshakeTimeout = 10 * time.Second
	writeWait               = 10 * time.Second
)

// Dialer opens client connections and waits for the server's welcome.
type Dialer struct {
	HandshakeTimeout time.Duration
	// PingInterval enables keepalive pings; the connection fails if no pong
	// arrives within three intervals. Zero disables pings.
	PingInterval time.Duration
	Header       http.Header
	Logger       *slog.Logger
}

var _ channel.Dialer = (*Dialer)(nil)

// Dial connects to endpoint and completes the welcome handshake.
func (d *Dialer) Dial(ctx context.Context, endpoint string) (channel.Conn, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, &domain.TransportError{Reason: domain.ReasonConnectionRefused, Err: fmt.Errorf("parse endpoint: %w", err)}
	}

	timeout := d.HandshakeTimeout
	if timeout <= 0 {
		timeout = defaultHandshakeTimeout
	}
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: timeout,
	}
	ws, _, err := dialer.DialContext(ctx, u.String(), d.Header)
	if err != nil {
		reason := domain.ReasonConnectionRefused
		if isTimeout(err) || ctx.Err() != nil {
			reason = domain.ReasonHandshakeTimeout
		}
		return nil, &domain.TransportError{Reason: reason, Err: err}
	}

	deadline := time.Now().Add(timeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	_ = ws.SetReadDeadline(deadline)

	welcome, err := readWelcome(ws)
	if err != nil {
		ws.Close()
		return nil, err
	}
	_ = ws.SetReadDeadline(time.Time{})

	logger.Info("connected to engine server", "endpoint", u.String(), "sources", welcome.SourcesConsumed)

	conn := &Conn{
		ws:      ws,
		welcome: welcome,
		closed:  make(chan struct{}),
	}
	if d.PingInterval > 0 {
		conn.startKeepalive(d.PingInterval)
	}
	return conn, nil
}

func readWelcome(ws *websocket.Conn) (protocol.Welcome, error) {
	var welcome protocol.Welcome

	msgType, data, err := ws.ReadMessage()
	if err != nil {
		if isTimeout(err) {
			return welcome, &domain.TransportError{Reason: domain.ReasonHandshakeTimeout, Err: errors.New("no welcome from server")}
		}
		return welcome, classifyRead(err)
	}
	if msgType != websocket.BinaryMessage {
		return welcome, domain.NewProtocolError("welcome is not a binary message")
	}
	msg, err := protocol.Decode(data)
	if err != nil {
		return welcome, err
	}
	if err := msg.Unmarshal(protocol.MessageTypeWelcome, &welcome); err != nil {
		return welcome, err
	}
	return welcome, nil
}

// Conn is a client connection that completed the handshake.
type Conn struct {
	ws      *websocket.Conn
	welcome protocol.Welcome

	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    chan struct{}
}

var _ channel.Conn = (*Conn)(nil)

// Welcome returns what the server announced on connect.
func (c *Conn) Welcome() protocol.Welcome {
	return c.welcome
}

// WriteFrame sends one input frame.
func (c *Conn) WriteFrame(frame protocol.InputFrame) error {
	data, err := protocol.Encode(protocol.MessageTypeInputFrame, frame)
	if err != nil {
		return &domain.TransportError{Reason: domain.ReasonProtocolError, Err: err}
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.ws.WriteMessage(websocket.BinaryMessage, data); err != nil {
		return &domain.TransportError{Reason: domain.ReasonWriteError, Err: err}
	}
	return nil
}

// ReadResult blocks until the next result arrives.
func (c *Conn) ReadResult() (protocol.ResultWrapper, error) {
	var res protocol.ResultWrapper

	msgType, data, err := c.ws.ReadMessage()
	if err != nil {
		return res, classifyRead(err)
	}
	if msgType != websocket.BinaryMessage {
		return res, domain.NewProtocolError("unexpected websocket message type %d", msgType)
	}
	msg, err := protocol.Decode(data)
	if err != nil {
		return res, err
	}
	if err := msg.Unmarshal(protocol.MessageTypeResult, &res); err != nil {
		return res, err
	}
	return res, nil
}

// Close sends a close frame and releases the connection. It is idempotent.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		_ = c.ws.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		err = c.ws.Close()
	})
	return err
}

func (c *Conn) startKeepalive(interval time.Duration) {
	wait := 3 * interval
	_ = c.ws.SetReadDeadline(time.Now().Add(wait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(wait))
	})

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
					return
				}
			case <-c.closed:
				return
			}
		}
	}()
}

// classifyRead maps a websocket read error onto a disconnect reason.
func classifyRead(err error) error {
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return &domain.TransportError{Reason: domain.ReasonServerClosed, Err: err}
	}
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) && closeErr.Code == websocket.CloseUnsupportedData {
		return &domain.TransportError{Reason: domain.ReasonProtocolError, Err: err}
	}
	return &domain.TransportError{Reason: domain.ReasonReadError, Err: err}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
