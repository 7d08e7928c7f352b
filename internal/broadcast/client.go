package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/gorilla/websocket"
)

// Backoff constants for reconnection
const (
	initialBackoff = 1 * time.Second
	maxBackoff     = 30 * time.Second
	backoffFactor  = 2
)

// calculateBackoff returns the delay for a given attempt number using exponential backoff
func calculateBackoff(attempt int) time.Duration {
	delay := initialBackoff
	for i := 0; i < attempt; i++ {
		delay *= backoffFactor
		if delay > maxBackoff {
			return maxBackoff
		}
	}
	return delay
}

// pingWait is how long the client waits for a server ping before giving up
const pingWait = 90 * time.Second

// Handler receives decoded messages. A snapshot always arrives first after
// every (re)connect.
type Handler func(env EnvelopeRaw)

// Client follows a run's stream and reconnects when the connection drops
type Client struct {
	URL    string
	Dialer *websocket.Dialer

	// Connected is called after each successful dial, if set
	Connected func()
	// Disconnected is called when a connection ends, if set
	Disconnected func(err error)
}

// NewClient creates a client for the websocket endpoint at url.
func NewClient(url string) *Client {
	return &Client{URL: url, Dialer: websocket.DefaultDialer}
}

// Follow streams messages to fn until ctx is done, reconnecting with
// exponential backoff. It returns nil when ctx is cancelled.
func (c *Client) Follow(ctx context.Context, fn Handler) error {
	attempt := 0
	for {
		err := c.followOnce(ctx, fn, func() { attempt = 0 })
		if ctx.Err() != nil {
			return nil
		}
		if c.Disconnected != nil {
			c.Disconnected(err)
		}
		delay := calculateBackoff(attempt)
		log.Printf("[broadcast] stream disconnected: %v, retrying in %v", err, delay)
		attempt++

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
	}
}

func (c *Client) followOnce(ctx context.Context, fn Handler, connected func()) error {
	dialer := c.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, _, err := dialer.DialContext(ctx, c.URL, nil)
	if err != nil {
		return fmt.Errorf("dial failed: %w", err)
	}
	defer conn.Close()
	connected()
	if c.Connected != nil {
		c.Connected()
	}

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	conn.SetReadDeadline(time.Now().Add(pingWait))
	conn.SetPingHandler(func(appData string) error {
		conn.SetReadDeadline(time.Now().Add(pingWait))
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(10*time.Second))
	})

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return errors.New("server closed stream")
			}
			return fmt.Errorf("read failed: %w", err)
		}
		conn.SetReadDeadline(time.Now().Add(pingWait))

		var env EnvelopeRaw
		if err := json.Unmarshal(message, &env); err != nil {
			log.Printf("[broadcast] invalid message: %v", err)
			continue
		}
		fn(env)
	}
}

// Decode unmarshals the payload of env into v.
func Decode[T any](env EnvelopeRaw) (T, error) {
	var v T
	if err := json.Unmarshal(env.Payload, &v); err != nil {
		return v, fmt.Errorf("decode %s: %w", env.Type, err)
	}
	return v, nil
}
