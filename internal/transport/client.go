// Package transport is the thin websocket client that shuttles encoded
// protocol envelopes between the two parties via a relay. It carries no
// protocol logic: bytes in, bytes out, reconnect with backoff.
package transport

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Cyrix126/bch-xmr-swap/pkg/logging"
)

var (
	ErrClosed = errors.New("transport closed")
)

const (
	writeTimeout     = 10 * time.Second
	reconnectInitial = time.Second
	reconnectMax     = 60 * time.Second
)

// Client is a relay connection.
type Client struct {
	url string
	log *logging.Logger

	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool

	inbound chan []byte
	cancel  context.CancelFunc
}

// Dial connects to the relay and starts the read loop.
func Dial(ctx context.Context, url string, log *logging.Logger) (*Client, error) {
	if log == nil {
		log = logging.GetDefault().Component("transport")
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	c := &Client{
		url:     url,
		log:     log,
		conn:    conn,
		inbound: make(chan []byte, 64),
		cancel:  cancel,
	}
	go c.readLoop(loopCtx)
	return c, nil
}

// Send writes one envelope to the relay.
func (c *Client) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.conn == nil {
		return ErrClosed
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Inbound returns the channel of received envelopes.
func (c *Client) Inbound() <-chan []byte {
	return c.inbound
}

// Close tears the connection down.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.cancel()
	if c.conn != nil {
		c.conn.Close()
	}
	close(c.inbound)
	return nil
}

// readLoop pumps messages into the inbound channel, reconnecting with
// exponential backoff on failure.
func (c *Client) readLoop(ctx context.Context) {
	backoff := reconnectInitial

	for {
		c.mu.Lock()
		conn := c.conn
		closed := c.closed
		c.mu.Unlock()
		if closed {
			return
		}

		_, data, err := conn.ReadMessage()
		if err == nil {
			backoff = reconnectInitial
			select {
			case c.inbound <- data:
			case <-ctx.Done():
				return
			}
			continue
		}

		c.log.Warn("Relay connection lost, reconnecting", "err", err, "backoff", backoff)

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return
		}
		if backoff *= 2; backoff > reconnectMax {
			backoff = reconnectMax
		}

		newConn, _, dialErr := websocket.DefaultDialer.DialContext(ctx, c.url, nil)
		if dialErr != nil {
			continue
		}

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			newConn.Close()
			return
		}
		c.conn.Close()
		c.conn = newConn
		c.mu.Unlock()
	}
}
