package transport

import (
	"context"
	"errors"
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

type WebSocket struct {
	opts   Options
	dialer *websocket.Dialer
}

// NewWebSocket returns a transport where every websocket message is one frame.
func NewWebSocket(opts Options) *WebSocket {
	opts = opts.withDefaults()
	return &WebSocket{
		opts: opts,
		dialer: &websocket.Dialer{
			HandshakeTimeout: opts.DialTimeout,
		},
	}
}

func (w *WebSocket) Name() string { return "websocket" }

// URL builds the ws:// URL for a host:port address.
func (w *WebSocket) URL(address string) string {
	u := url.URL{Scheme: "ws", Host: address, Path: w.opts.WSPath}
	return u.String()
}

func (w *WebSocket) Open(ctx context.Context, address string) (Stream, error) {
	conn, _, err := w.dialer.DialContext(ctx, w.URL(address), nil)
	if err != nil {
		return nil, &ConnectError{Address: address, Err: err}
	}
	conn.SetReadLimit(int64(w.opts.MaxFrameSize))
	return &wsStream{conn: conn}, nil
}

type wsStream struct {
	conn *websocket.Conn

	closeOnce sync.Once
	closeErr  error
}

func (s *wsStream) ReadFrame() ([]byte, error) {
	for {
		_, msg, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) ||
				errors.Is(err, net.ErrClosed) {
				return nil, ErrEndOfStream
			}
			return nil, &TransportError{Op: "read", Err: err}
		}
		if len(msg) == 0 {
			continue
		}
		return msg, nil
	}
}

func (s *wsStream) Close() error {
	s.closeOnce.Do(func() {
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline())
		s.closeErr = s.conn.Close()
	})
	return s.closeErr
}

func deadline() time.Time {
	return time.Now().Add(time.Second)
}
