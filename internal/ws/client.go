package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	writeWait  = 10 * time.Second
)

// Handler receives real-time detection updates
type Handler func(update *DetectionUpdate)

// Channel is the optional real-time push channel. The request/response
// path never depends on it
type Channel interface {
	// Subscribe registers a handler and returns its unsubscribe func
	Subscribe(handler Handler) func()

	// Close disconnects and drops all handlers
	Close() error
}

// Client is a Channel over a WebSocket connection
type Client struct {
	conn *websocket.Conn

	mu       sync.RWMutex
	handlers map[int]Handler
	nextID   int

	writeMu   sync.Mutex
	done      chan struct{}
	closeOnce sync.Once
}

// Dial connects to a ws:// or wss:// URL. A non-empty token is sent as a
// bearer header on the upgrade request
func Dial(ctx context.Context, url, token string) (*Client, error) {
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
		ReadBufferSize:   4096,
		WriteBufferSize:  4096,
	}
	conn, resp, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", url, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}

	c := &Client{
		conn:     conn,
		handlers: make(map[int]Handler),
		done:     make(chan struct{}),
	}

	go c.readPump()
	go c.pingLoop()

	log.Info().Str("component", "ws").Str("url", url).Msg("real-time channel connected")
	return c, nil
}

// Subscribe implements Channel
func (c *Client) Subscribe(handler Handler) func() {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.handlers[id] = handler
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.handlers, id)
		c.mu.Unlock()
	}
}

// Done is closed when the connection ends
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Close implements Channel
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		c.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()

		err = c.conn.Close()

		c.mu.Lock()
		c.handlers = make(map[int]Handler)
		c.mu.Unlock()
	})
	return err
}

// readPump decodes envelopes until the connection ends
func (c *Client) readPump() {
	defer func() {
		close(c.done)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(1 << 20)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) &&
				!errors.Is(err, net.ErrClosed) {
				log.Warn().Str("component", "ws").Err(err).Msg("real-time channel read error")
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		c.dispatch(data)
	}
}

func (c *Client) dispatch(data []byte) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		log.Debug().Str("component", "ws").Err(err).Msg("ignoring undecodable message")
		return
	}
	if env.Event != EventDetectionUpdate {
		return
	}

	var update DetectionUpdate
	if err := json.Unmarshal(env.Data, &update); err != nil {
		log.Debug().Str("component", "ws").Err(err).Msg("ignoring malformed detection update")
		return
	}
	update.ReceivedAt = time.Now()

	c.mu.RLock()
	handlers := make([]Handler, 0, len(c.handlers))
	for _, h := range c.handlers {
		handlers = append(handlers, h)
	}
	c.mu.RUnlock()

	for _, h := range handlers {
		h(&update)
	}
}

func (c *Client) pingLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			err := c.conn.WriteMessage(websocket.PingMessage, nil)
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

var _ Channel = (*Client)(nil)
