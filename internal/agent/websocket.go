package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"k8s.io/apimachinery/pkg/util/wait"
	"nhooyr.io/websocket"
)

const readLimit = 8 << 20

// WebsocketDialer dials the agent's websocket endpoint, retrying until
// Wait elapses. The agent server may come up slightly after the unit is
// reported ready.
type WebsocketDialer struct {
	Wait     time.Duration
	Interval time.Duration
	Logger   *slog.Logger
}

// NewWebsocketDialer creates a dialer bounded by wait.
func NewWebsocketDialer(wait time.Duration, logger *slog.Logger) *WebsocketDialer {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebsocketDialer{Wait: wait, Interval: 500 * time.Millisecond, Logger: logger}
}

// Dial connects to url.
func (d *WebsocketDialer) Dial(ctx context.Context, url string) (Conn, error) {
	var (
		conn    *websocket.Conn
		lastErr error
	)
	err := wait.PollUntilContextTimeout(ctx, d.Interval, d.Wait, true, func(ctx context.Context) (bool, error) {
		c, _, err := websocket.Dial(ctx, url, nil)
		if err != nil {
			lastErr = err
			d.Logger.Debug("agent dial failed, retrying", "url", url, "error", err)
			return false, nil
		}
		conn = c
		return true, nil
	})
	if err != nil {
		if lastErr != nil {
			return nil, fmt.Errorf("dial agent %s: %w", url, lastErr)
		}
		return nil, fmt.Errorf("dial agent %s: %w", url, err)
	}
	conn.SetReadLimit(readLimit)
	return &wsConn{conn: conn}, nil
}

type wsConn struct {
	conn *websocket.Conn
}

func (c *wsConn) Send(ctx context.Context, msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode agent message: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return c.conn.Write(ctx, websocket.MessageText, data)
}

func (c *wsConn) Receive(ctx context.Context) (Event, error) {
	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 || errors.Is(err, context.Canceled) {
				return Event{}, ErrClosed
			}
			return Event{}, err
		}
		ev, err := Decode(data)
		if err != nil {
			// Non-JSON frames are skipped.
			continue
		}
		return ev, nil
	}
}

func (c *wsConn) Close() error {
	return c.conn.Close(websocket.StatusNormalClosure, "")
}
