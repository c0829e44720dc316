package core

import (
	"errors"
	"net/http"
	"slices"

	"github.com/gorilla/websocket"
)

// streamHandler upgrades to WebSocket and runs the handshake. The client
// supplies at most an apiKey (query or X-API-Key header) and an explicit
// topic:
//
//	apiKey only        single-key session over the key's resolved topics
//	apiKey + topic     single-key session over just that topic
//	topic only         anonymous single-topic session
//	neither            multi-key session, empty until control messages
//
// Key resolution happens in this connection's goroutine; an outstanding
// lookup never delays another connection's handshake.
func (c *Core) streamHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !c.allow("stream", r) {
		http.Error(w, "Too many requests", http.StatusTooManyRequests)
		return
	}

	apiKey := r.URL.Query().Get("apiKey")
	if apiKey == "" {
		apiKey = r.Header.Get("X-API-Key")
	}
	topic := r.URL.Query().Get("topic")

	mode := ModeMultiKey
	if apiKey != "" || topic != "" {
		mode = ModeSingleKey
	}

	conn, err := c.upgrader.Upgrade(w, r, nil)
	if err != nil {
		c.logger.Warn("websocket upgrade failed", "error", err, "remote", r.RemoteAddr)
		return
	}

	s := newSession(c, conn, mode)
	if !c.addSession(s) {
		c.logger.Warn("max connections reached, rejecting session", "remote", r.RemoteAddr)
		s.Close(websocket.CloseTryAgainLater, "too many connections")
		return
	}

	go s.writePump()
	go s.readPump()

	c.completeHandshake(s, apiKey, topic)
}

// completeHandshake resolves the supplied key (if any), registers the
// session's initial topic set and emits the connected acknowledgment. Every
// handshake ends in either a connected event or an explicit close; never
// silence.
func (c *Core) completeHandshake(s *Session, apiKey, topic string) {
	if apiKey == "" {
		if topic != "" {
			s.connect("", []string{topic})
			return
		}
		s.connect("", nil)
		return
	}

	ctx, cancel := c.resolveContext()
	defer cancel()

	topics, err := c.resolver.Resolve(ctx, apiKey)
	if err != nil {
		if errors.Is(err, ErrInvalidKey) {
			c.logger.Info("handshake rejected: invalid key", "key", KeyFingerprint(apiKey))
		} else {
			// The resolver collaborator may distinguish retryable failures;
			// from here an unresolvable key is an unresolvable key.
			c.logger.Warn("handshake rejected: resolution failed",
				"key", KeyFingerprint(apiKey), "error", err)
		}
		s.reject()
		return
	}

	if topic != "" {
		if !slices.Contains(topics, topic) {
			c.logger.Info("handshake rejected: topic not granted by key",
				"key", KeyFingerprint(apiKey), "topic", topic)
			s.reject()
			return
		}
		topics = []string{topic}
	}

	s.connect(apiKey, topics)
}
