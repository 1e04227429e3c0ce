package session

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Conn is one live bidirectional connection carrying binary frames.
type Conn interface {
	// ReadMessage blocks until the next frame arrives. A close initiated by
	// the server is reported as *CloseError.
	ReadMessage() ([]byte, error)
	WriteMessage(b []byte) error
	Close() error
}

// Transport opens connections to a collaboration endpoint.
type Transport interface {
	Dial(ctx context.Context, endpoint string, params url.Values) (Conn, error)
}

// CloseError reports a close frame received from the server.
type CloseError struct {
	Code int
	Text string
}

func (e *CloseError) Error() string {
	return fmt.Sprintf("connection closed by server: %d %s", e.Code, e.Text)
}

// CloseCode returns the close code carried by err, or 0 when err is not a
// close.
func CloseCode(err error) int {
	var ce *CloseError
	if stderrors.As(err, &ce) {
		return ce.Code
	}
	return 0
}

// Query parameter names understood by the hub.
const (
	ParamAccessToken = "access_token"
	ParamRoom        = "room_uuid"
	ParamPermission  = "permissions"
)

const writeWait = 10 * time.Second

// WebsocketTransport dials the hub with gorilla/websocket.
type WebsocketTransport struct {
	Dialer *websocket.Dialer
	Header http.Header
}

// Dial implements Transport.
func (t *WebsocketTransport) Dial(ctx context.Context, endpoint string, params url.Values) (Conn, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, err
	}
	q := u.Query()
	for k, vs := range params {
		for _, v := range vs {
			q.Add(k, v)
		}
	}
	u.RawQuery = q.Encode()

	dialer := t.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	ws, resp, err := dialer.DialContext(ctx, u.String(), t.Header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", u.Redacted(), err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", u.Redacted(), err)
	}
	return &wsConn{ws: ws}, nil
}

type wsConn struct {
	ws *websocket.Conn
	mu sync.Mutex
}

func (c *wsConn) ReadMessage() ([]byte, error) {
	for {
		mt, b, err := c.ws.ReadMessage()
		if err != nil {
			var ce *websocket.CloseError
			if stderrors.As(err, &ce) {
				return nil, &CloseError{Code: ce.Code, Text: ce.Text}
			}
			return nil, err
		}
		if mt == websocket.BinaryMessage {
			return b, nil
		}
	}
}

func (c *wsConn) WriteMessage(b []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteMessage(websocket.BinaryMessage, b)
}

func (c *wsConn) Close() error {
	c.mu.Lock()
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.mu.Unlock()
	return c.ws.Close()
}
