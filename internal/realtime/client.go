package realtime

import (
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bdaemon/agentd/internal/daemonlog"
)

// Publisher is the bridge's client-facing contract: build an envelope,
// send it over the framed Unix socket, and return once an ack (or
// terminal failure) is observed.
type Publisher interface {
	Publish(channel, event string, payload any) error
	Close() error
}

// Config tunes the bridge client's retry behavior.
type Config struct {
	SocketPath  string
	MaxAttempts int           // default 3
	BackoffBase time.Duration // default 200ms, doubled per attempt
	DialTimeout time.Duration // default 2s
	AckTimeout  time.Duration // default 2s
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 200 * time.Millisecond
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 2 * time.Second
	}
	if c.AckTimeout <= 0 {
		c.AckTimeout = 2 * time.Second
	}
	return c
}

// Client is a Publisher backed by a lazily (re)opened Unix socket
// connection to the realtime co-process. Safe for concurrent use; the
// connection may be held open across publishes and is dropped and
// reopened on any framing or ack error.
type Client struct {
	cfg  Config
	mu   sync.Mutex
	conn net.Conn

	// sendMu serializes the write-frame/read-ack exchange: the protocol
	// is strictly one outstanding request per connection, so concurrent
	// publishers must not interleave writes or steal each other's acks.
	sendMu sync.Mutex
}

// NewClient constructs a Client. The socket is dialed lazily on first Publish.
func NewClient(cfg Config) *Client {
	return &Client{cfg: cfg.withDefaults()}
}

// Close drops the held connection, if any.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

// Publish sends {type:"side_effect_publish", channel, event, payload}
// and waits for a matching ack, retrying transient transport failures
// with exponential backoff (base 200ms, doubled per attempt, default 3
// attempts). After exhaustion it returns the last error.
func (c *Client) Publish(channel, event string, payload any) error {
	env := Envelope{Type: "side_effect_publish", Channel: channel, Event: event, Payload: payload}
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("realtime: marshal envelope: %w", err)
	}

	var lastErr error
	delay := c.cfg.BackoffBase
	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		if attempt > 1 {
			time.Sleep(delay)
			delay *= 2
		}

		if err := c.publishOnce(body); err != nil {
			lastErr = err
			daemonlog.Logf("realtime: publish attempt %d/%d failed: %v", attempt, c.cfg.MaxAttempts, err)
			c.dropConn()
			continue
		}
		return nil
	}
	return fmt.Errorf("realtime: publish exhausted %d attempts: %w", c.cfg.MaxAttempts, lastErr)
}

func (c *Client) publishOnce(payload []byte) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	conn, err := c.connection()
	if err != nil {
		return err
	}

	effectID := uuid.New()
	if err := conn.SetWriteDeadline(time.Now().Add(c.cfg.AckTimeout)); err != nil {
		return err
	}
	if err := writeFrame(conn, TypeSideEffectPublish, effectID, payload); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}

	if err := conn.SetReadDeadline(time.Now().Add(c.cfg.AckTimeout)); err != nil {
		return err
	}
	ack, err := readAck(conn)
	if err != nil {
		return fmt.Errorf("read ack: %w", err)
	}
	if ack.EffectID != effectID {
		return fmt.Errorf("ack effect_id mismatch: got %s want %s", ack.EffectID, effectID)
	}
	if !ack.Success {
		return fmt.Errorf("publish failed: %s", ack.Error)
	}
	return nil
}

func (c *Client) connection() (net.Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return c.conn, nil
	}
	conn, err := net.DialTimeout("unix", c.cfg.SocketPath, c.cfg.DialTimeout)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", c.cfg.SocketPath, err)
	}
	c.conn = conn
	return conn, nil
}

func (c *Client) dropConn() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
}
