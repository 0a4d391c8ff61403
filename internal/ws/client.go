package ws

import (
	"sync"

	"golang.org/x/net/websocket"
)

// Client wraps one websocket connection. The out channel is owned by the
// hub side: send and shutdown coordinate through mu so a publish racing a
// disconnect can never hit a closed channel.
type Client struct {
	conn *websocket.Conn

	mu       sync.RWMutex
	out      chan []byte
	closed   bool
	channels map[string]struct{}
}

func NewClient(conn *websocket.Conn) *Client {
	return &Client{
		conn:     conn,
		out:      make(chan []byte, 64),
		channels: map[string]struct{}{},
	}
}

// send queues a payload for the writer. Slow consumers get their connection
// dropped rather than blocking the hub; sends after shutdown are no-ops.
func (c *Client) send(payload []byte) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return
	}
	select {
	case c.out <- payload:
	default:
		if c.conn != nil {
			_ = c.conn.Close()
		}
	}
}

// shutdown closes the out channel exactly once, after any in-flight send
// has released the lock.
func (c *Client) shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.out)
}

func (c *Client) addChannel(channel string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.channels[channel] = struct{}{}
}

func (c *Client) listChannels() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.channels))
	for ch := range c.channels {
		out = append(out, ch)
	}
	return out
}
