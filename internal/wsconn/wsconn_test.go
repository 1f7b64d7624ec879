package wsconn

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"roundtrip/internal/domain"
	"roundtrip/internal/protocol"
)

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func reasonOf(t *testing.T, err error) domain.DisconnectReason {
	t.Helper()
	var te *domain.TransportError
	if !errors.As(err, &te) {
		t.Fatalf("expected transport error, got %T: %v", err, err)
	}
	return te.Reason
}

func echoServer(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := Upgrade(w, r)
		if err != nil {
			return
		}
		defer conn.Close()

		if err := conn.WriteWelcome(protocol.Welcome{SourcesConsumed: []string{"roundtrip"}}); err != nil {
			return
		}
		for {
			frame, err := conn.ReadFrame()
			if err != nil {
				return
			}
			res := protocol.NewResultWrapper(frame, domain.ResultStatusSuccess)
			res.Results = []protocol.Result{{PayloadType: frame.PayloadType, Payload: frame.Payloads[0]}}
			if err := conn.WriteResult(res); err != nil {
				return
			}
		}
	}))
}

func TestDialAndRoundTrip(t *testing.T) {
	srv := echoServer(t)
	defer srv.Close()

	d := &Dialer{HandshakeTimeout: time.Second, PingInterval: 50 * time.Millisecond}
	c, err := d.Dial(context.Background(), wsURL(srv))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()

	if w := c.(*Conn).Welcome(); !w.Consumes("roundtrip") {
		t.Fatalf("unexpected welcome %+v", w)
	}

	frame := protocol.InputFrame{FrameID: 1, Source: "roundtrip", PayloadType: domain.PayloadTypeImage, Payloads: [][]byte{[]byte("jpeg")}}
	if err := c.WriteFrame(frame); err != nil {
		t.Fatalf("write: %v", err)
	}
	res, err := c.ReadResult()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if res.FrameID != 1 || res.Status != domain.ResultStatusSuccess || string(res.Results[0].Payload) != "jpeg" {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestDialRefused(t *testing.T) {
	srv := echoServer(t)
	url := wsURL(srv)
	srv.Close()

	d := &Dialer{HandshakeTimeout: time.Second}
	_, err := d.Dial(context.Background(), url)
	if got := reasonOf(t, err); got != domain.ReasonConnectionRefused {
		t.Fatalf("expected connection_refused, got %s", got)
	}
}

func TestDialWithoutWelcomeTimesOut(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := Upgrade(w, r)
		if err != nil {
			return
		}
		defer conn.Close()
		<-release
	}))
	defer srv.Close()
	defer close(release)

	d := &Dialer{HandshakeTimeout: 50 * time.Millisecond}
	_, err := d.Dial(context.Background(), wsURL(srv))
	if got := reasonOf(t, err); got != domain.ReasonHandshakeTimeout {
		t.Fatalf("expected handshake_timeout, got %s", got)
	}
}

func TestDialRejectsMalformedWelcome(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := Upgrade(w, r)
		if err != nil {
			return
		}
		defer conn.Close()
		_ = conn.ws.WriteMessage(websocket.BinaryMessage, []byte{0xc1})
		_, _, _ = conn.ws.ReadMessage()
	}))
	defer srv.Close()

	d := &Dialer{HandshakeTimeout: time.Second}
	_, err := d.Dial(context.Background(), wsURL(srv))
	if got := reasonOf(t, err); got != domain.ReasonProtocolError {
		t.Fatalf("expected protocol_error, got %s", got)
	}
}

func TestServerCloseIsReported(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := Upgrade(w, r)
		if err != nil {
			return
		}
		_ = conn.WriteWelcome(protocol.Welcome{SourcesConsumed: []string{"roundtrip"}})
		conn.Close()
	}))
	defer srv.Close()

	d := &Dialer{HandshakeTimeout: time.Second}
	c, err := d.Dial(context.Background(), wsURL(srv))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()

	_, err = c.ReadResult()
	if got := reasonOf(t, err); got != domain.ReasonServerClosed {
		t.Fatalf("expected server_closed, got %s", got)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	srv := echoServer(t)
	defer srv.Close()

	d := &Dialer{}
	c, err := d.Dial(context.Background(), wsURL(srv))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}
