package stream

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/coder/websocket"
)

// DefaultReadLimit bounds a single inbound frame. Encoded video frames are far
// larger than the library's 32 KiB default.
const DefaultReadLimit = 16 << 20

// WebsocketDialer dials the backend's websocket endpoints.
type WebsocketDialer struct {
	ReadLimit  int64
	HTTPHeader http.Header
}

func (d WebsocketDialer) Dial(ctx context.Context, url string) (Conn, error) {
	c, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{HTTPHeader: d.HTTPHeader})
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	limit := d.ReadLimit
	if limit <= 0 {
		limit = DefaultReadLimit
	}
	c.SetReadLimit(limit)
	return &wsConn{c: c}, nil
}

type wsConn struct {
	c *websocket.Conn
}

func (w *wsConn) Read(ctx context.Context) (FrameKind, []byte, error) {
	typ, data, err := w.c.Read(ctx)
	if err != nil {
		return TextFrame, nil, translateErr(err)
	}
	if typ == websocket.MessageBinary {
		return BinaryFrame, data, nil
	}
	return TextFrame, data, nil
}

func (w *wsConn) Write(ctx context.Context, p []byte) error {
	return translateErr(w.c.Write(ctx, websocket.MessageText, p))
}

func (w *wsConn) Close(code int, reason string) error {
	return w.c.Close(websocket.StatusCode(code), reason)
}

func translateErr(err error) error {
	if err == nil {
		return nil
	}
	var ce websocket.CloseError
	if errors.As(err, &ce) {
		return &CloseError{Code: int(ce.Code), Reason: ce.Reason}
	}
	return err
}
