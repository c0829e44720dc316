package client

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"github.com/arbiterhq/streamgate/models"
)

// ErrInvalidKey is returned when the server rejects the handshake with its
// authentication close code. Terminal: the client does not reconnect.
var ErrInvalidKey = errors.New("invalid API key")

const (
	closeInvalidAPIKey  = 4403
	defaultRetryMillis  = 10_000
	handshakeTimeout    = 10 * time.Second
	defaultEventBacklog = 256
)

// Event is one server-sent record. Fields are populated according to the
// event name; Raw always carries the full frame.
type Event struct {
	Event  string          `json:"event"`
	Topic  string          `json:"topic,omitempty"`
	APIKey string          `json:"apiKey,omitempty"`
	Topics []string        `json:"topics,omitempty"`
	Retry  int64           `json:"retry,omitempty"`
	Error  string          `json:"error,omitempty"`
	Raw    json.RawMessage `json:"-"`
}

type Config struct {
	// ServerURL is the gateway base URL, e.g. "ws://127.0.0.1:8080".
	ServerURL string
	// APIKey and Topic mirror the handshake inputs: either, both or
	// neither (multi-key session).
	APIKey string
	Topic  string
	// Reconnect re-dials after a drop, honoring the server's retry hint.
	Reconnect     bool
	TLSSkipVerify bool
	Logger        *slog.Logger
}

// Client maintains one streaming connection to the gateway.
type Client struct {
	cfg    Config
	logger *slog.Logger
	events chan Event

	// Last retry hint from the server, in milliseconds.
	retryMillis atomic.Int64

	writeMu sync.Mutex
	conn    *websocket.Conn
}

func New(cfg Config) (*Client, error) {
	if cfg.ServerURL == "" {
		return nil, errors.New("ServerURL is required")
	}
	if _, err := url.Parse(cfg.ServerURL); err != nil {
		return nil, errors.Wrap(err, "invalid ServerURL")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	c := &Client{
		cfg:    cfg,
		logger: cfg.Logger,
		events: make(chan Event, defaultEventBacklog),
	}
	c.retryMillis.Store(defaultRetryMillis)
	return c, nil
}

// Events is the stream of server-sent records. Closed when Run returns.
func (c *Client) Events() <-chan Event {
	return c.events
}

// Run dials and consumes until the context is done, the server rejects the
// key, or (with Reconnect off) the connection drops.
func (c *Client) Run(ctx context.Context) error {
	defer close(c.events)

	for {
		err := c.runOnce(ctx)
		switch {
		case errors.Is(err, ErrInvalidKey):
			return err
		case ctx.Err() != nil:
			return nil
		case !c.cfg.Reconnect:
			return err
		}

		wait := time.Duration(c.retryMillis.Load()) * time.Millisecond
		c.logger.Info("connection dropped, reconnecting", "wait", wait, "error", err)
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return nil
		}
	}
}

func (c *Client) runOnce(ctx context.Context) error {
	streamURL, err := c.streamURL()
	if err != nil {
		return err
	}

	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	if c.cfg.TLSSkipVerify {
		dialer.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	conn, resp, err := dialer.DialContext(ctx, streamURL, nil)
	if err != nil {
		if resp != nil {
			return errors.Wrapf(err, "dial failed (status %d)", resp.StatusCode)
		}
		return errors.Wrap(err, "dial failed")
	}
	defer conn.Close()

	c.writeMu.Lock()
	c.conn = conn
	c.writeMu.Unlock()

	go func() {
		<-ctx.Done()
		c.writeMu.Lock()
		defer c.writeMu.Unlock()
		_ = conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		_ = conn.Close()
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) && closeErr.Code == closeInvalidAPIKey {
				return ErrInvalidKey
			}
			return errors.Wrap(err, "read failed")
		}

		var evt Event
		if err := json.Unmarshal(raw, &evt); err != nil || evt.Event == "" {
			c.logger.Debug("ignoring unparseable frame")
			continue
		}
		evt.Raw = raw

		if evt.Event == models.EventConnected && evt.Retry > 0 {
			c.retryMillis.Store(evt.Retry)
		}

		select {
		case c.events <- evt:
		case <-ctx.Done():
			return nil
		}
	}
}

// Subscribe registers an additional key (or explicit anonymous topics) on a
// multi-key connection.
func (c *Client) Subscribe(apiKey string, topics []string) error {
	return c.sendControl(models.ControlMessage{
		Action: models.ActionSubscribe,
		APIKey: apiKey,
		Topics: topics,
	})
}

// Unsubscribe removes a key, or explicit anonymous topics, from a
// multi-key connection.
func (c *Client) Unsubscribe(apiKey string, topics []string) error {
	return c.sendControl(models.ControlMessage{
		Action: models.ActionUnsubscribe,
		APIKey: apiKey,
		Topics: topics,
	})
}

func (c *Client) sendControl(ctl models.ControlMessage) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.conn == nil {
		return errors.New("not connected")
	}
	return errors.Wrap(c.conn.WriteJSON(ctl), "sending control message")
}

func (c *Client) streamURL() (string, error) {
	u, err := url.Parse(c.cfg.ServerURL)
	if err != nil {
		return "", errors.Wrap(err, "invalid ServerURL")
	}
	u.Path = "/stream"
	q := u.Query()
	if c.cfg.APIKey != "" {
		q.Set("apiKey", c.cfg.APIKey)
	}
	if c.cfg.Topic != "" {
		q.Set("topic", c.cfg.Topic)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}
