package wsconn

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"roundtrip/internal/protocol"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  64 * 1024,
	WriteBufferSize: 64 * 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// ServerConn is the server end of a frame connection.
type ServerConn struct {
	ws *websocket.Conn

	writeMu   sync.Mutex
	closeOnce sync.Once
}

// Upgrade switches an HTTP request to a WebSocket connection.
func Upgrade(w http.ResponseWriter, r *http.Request) (*ServerConn, error) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	return &ServerConn{ws: ws}, nil
}

// RemoteAddr returns the peer address.
func (c *ServerConn) RemoteAddr() string {
	return c.ws.RemoteAddr().String()
}

// WriteWelcome greets the client.
func (c *ServerConn) WriteWelcome(welcome protocol.Welcome) error {
	return c.write(protocol.MessageTypeWelcome, welcome)
}

// WriteResult answers one input frame.
func (c *ServerConn) WriteResult(res protocol.ResultWrapper) error {
	return c.write(protocol.MessageTypeResult, res)
}

// ReadFrame blocks until the client sends the next input frame.
func (c *ServerConn) ReadFrame() (protocol.InputFrame, error) {
	var frame protocol.InputFrame

	_, data, err := c.ws.ReadMessage()
	if err != nil {
		return frame, classifyRead(err)
	}
	msg, err := protocol.Decode(data)
	if err != nil {
		return frame, err
	}
	if err := msg.Unmarshal(protocol.MessageTypeInputFrame, &frame); err != nil {
		return frame, err
	}
	return frame, nil
}

// Close sends a normal close frame and releases the connection.
func (c *ServerConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		_ = c.ws.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "server closing"),
			time.Now().Add(time.Second),
		)
		err = c.ws.Close()
	})
	return err
}

func (c *ServerConn) write(msgType protocol.MessageType, v any) error {
	data, err := protocol.Encode(msgType, v)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteMessage(websocket.BinaryMessage, data)
}
