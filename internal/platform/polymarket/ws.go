package polymarket

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gorilla/websocket"

	"github.com/aubit/spreadbot/internal/domain"
)

const (
	// wsWriteWait bounds every websocket write.
	wsWriteWait = 10 * time.Second

	// wsHandshakeTimeout bounds the dial handshake.
	wsHandshakeTimeout = 15 * time.Second
)

// WSDialer dials the market channel of the CLOB websocket endpoint, e.g.
// "wss://ws-subscriptions-clob.polymarket.com/ws/market". It satisfies the
// stream multiplexer's dialer contract; reconnection and subscription
// management live in the multiplexer, not here.
type WSDialer struct {
	URL string
}

// Dial opens one websocket connection.
func (d *WSDialer) Dial(ctx context.Context) (*WSConn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: wsHandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, d.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("polymarket/ws: dial %s: %w", d.URL, err)
	}
	return &WSConn{conn: conn}, nil
}

// WSConn is a single market-channel connection. It is not safe for
// concurrent writers; the multiplexer serializes Subscribe/Ping per
// connection.
type WSConn struct {
	conn *websocket.Conn
}

// Subscribe sends a market-channel subscription for the given token ids. The
// exchange acknowledges by streaming a book snapshot per token.
func (c *WSConn) Subscribe(ctx context.Context, tokenIDs []string) error {
	payload, err := json.Marshal(subscribeCommand{AssetIDs: tokenIDs, Type: "market"})
	if err != nil {
		return fmt.Errorf("polymarket/ws: marshal subscribe: %w", err)
	}

	deadline := time.Now().Add(wsWriteWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	c.conn.SetWriteDeadline(deadline)

	if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return fmt.Errorf("polymarket/ws: subscribe %d tokens: %w: %v", len(tokenIDs), domain.ErrWSDisconnect, err)
	}
	return nil
}

// ReadMessage blocks until the next frame or the deadline.
func (c *WSConn) ReadMessage(deadline time.Time) ([]byte, error) {
	c.conn.SetReadDeadline(deadline)
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	return data, nil
}

// Ping sends a websocket ping control frame.
func (c *WSConn) Ping(deadline time.Time) error {
	return c.conn.WriteControl(websocket.PingMessage, nil, deadline)
}

// Close sends a close frame and tears the connection down.
func (c *WSConn) Close() error {
	_ = c.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	return c.conn.Close()
}
