package conn

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// DialConfig holds the parameters for the gorilla-backed Transport.
type DialConfig struct {
	URL string

	ReadBufferSize  int
	WriteBufferSize int

	// HandshakeTimeout bounds the dial plus WebSocket upgrade.
	HandshakeTimeout time.Duration

	// Headers sent during the handshake (venue auth).
	Headers http.Header
}

// DefaultDialConfig returns buffer and timeout defaults tuned for
// low-latency market data.
func DefaultDialConfig(url string) DialConfig {
	return DialConfig{
		URL:              url,
		ReadBufferSize:   4096,
		WriteBufferSize:  4096,
		HandshakeTimeout: 10 * time.Second,
	}
}

// Dial returns a DialFunc producing websocket transports with TCP_NODELAY
// enabled, so small book frames are never held back by Nagle batching.
func Dial(cfg DialConfig) DialFunc {
	dialer := &websocket.Dialer{
		ReadBufferSize:   cfg.ReadBufferSize,
		WriteBufferSize:  cfg.WriteBufferSize,
		HandshakeTimeout: cfg.HandshakeTimeout,
		NetDialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			d := net.Dialer{}
			c, err := d.DialContext(ctx, network, addr)
			if err != nil {
				return nil, err
			}
			if tc, ok := c.(*net.TCPConn); ok {
				tc.SetNoDelay(true)
			}
			return c, nil
		},
	}

	return func(ctx context.Context) (Transport, error) {
		c, _, err := dialer.DialContext(ctx, cfg.URL, cfg.Headers)
		if err != nil {
			return nil, err
		}
		return &wsTransport{conn: c}, nil
	}
}

type wsTransport struct {
	conn *websocket.Conn
}

func (t *wsTransport) ReadMessage() ([]byte, error) {
	_, data, err := t.conn.ReadMessage()
	return data, err
}

func (t *wsTransport) WriteMessage(data []byte) error {
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

func (t *wsTransport) Close() error {
	return t.conn.Close()
}
