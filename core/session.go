package core

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/arbiterhq/streamgate/config"
	"github.com/arbiterhq/streamgate/models"
)

const (
	writeWait      = 10 * time.Second    // Time allowed to write a message to the peer.
	pongWait       = 60 * time.Second    // Time allowed to read the next pong message from the peer.
	pingPeriod     = (pongWait * 9) / 10 // Send pings to peer with this period. Must be less than pongWait.
	maxMessageSize = 4096                // Maximum control message size allowed from peer.
)

// CloseInvalidAPIKey is the reserved close code for authentication
// rejection at handshake time.
const (
	CloseInvalidAPIKey  = 4403
	ReasonInvalidAPIKey = "Invalid API key"
)

type SessionState int

const (
	StateConnecting SessionState = iota
	StateConnected
	StateClosed
	StateRejected
)

func (st SessionState) String() string {
	switch st {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	case StateRejected:
		return "rejected"
	}
	return "unknown"
}

type SessionMode int

const (
	// ModeSingleKey: at most one key, or an explicitly named anonymous
	// topic. Outgoing events never carry an apiKey field.
	ModeSingleKey SessionMode = iota
	// ModeMultiKey: zero or more keys registered over the connection's
	// lifetime; key-scoped outgoing events name the owning key.
	ModeMultiKey
)

// Session is the protocol state machine for one client connection:
// Connecting -> Connected -> Closed, with Rejected a terminal variant of
// Closed entered from Connecting on authentication failure.
type Session struct {
	id     string
	mode   SessionMode
	conn   *websocket.Conn
	core   *Core
	logger *slog.Logger

	// Buffered channel of outbound frames. Never closed; writers race
	// against done instead.
	send chan []byte
	done chan struct{}

	mu     sync.Mutex
	state  SessionState
	apiKey string // the registered key on single-key sessions

	closeOnce sync.Once
}

func newSession(c *Core, conn *websocket.Conn, mode SessionMode) *Session {
	id := uuid.NewString()
	return &Session{
		id:     id,
		mode:   mode,
		conn:   conn,
		core:   c,
		logger: c.logger.With("session", id),
		send:   make(chan []byte, c.cfg.Sessions.SendBufferSize),
		done:   make(chan struct{}),
		state:  StateConnecting,
	}
}

func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// connect finishes the handshake: the connected acknowledgment is queued
// before the topics become visible in the index, so no fanout event can
// reach the client ahead of it. A session closed while resolution was in
// flight stays unregistered.
func (s *Session) connect(apiKey string, topics []string) {
	s.mu.Lock()
	if s.state != StateConnecting {
		s.mu.Unlock()
		s.logger.Debug("stale resolution discarded", "state", s.state.String())
		return
	}
	s.state = StateConnected
	s.apiKey = apiKey
	s.mu.Unlock()

	s.emit(models.ConnectedPayload{
		Event:  models.EventConnected,
		Topics: append([]string{}, topics...),
		Retry:  s.core.cfg.RetryMillis(),
	})
	s.core.registry.AddSubscription(s, apiKey, topics)

	s.logger.Info("session connected",
		"mode", s.modeName(),
		"topics", len(topics),
	)
}

// reject closes the transport with the reserved authentication close code.
// No connected event is ever emitted on this path.
func (s *Session) reject() {
	s.mu.Lock()
	if s.state != StateConnecting {
		s.mu.Unlock()
		return
	}
	s.state = StateRejected
	s.mu.Unlock()

	s.logger.Info("session rejected", "reason", ReasonInvalidAPIKey)
	s.teardown(CloseInvalidAPIKey, ReasonInvalidAPIKey)
}

// Close transitions the session to Closed, deregisters it from the topic
// index and releases the transport. Safe to call more than once and from
// any goroutine.
func (s *Session) Close(code int, reason string) {
	s.mu.Lock()
	if s.state != StateRejected {
		s.state = StateClosed
	}
	s.mu.Unlock()
	s.teardown(code, reason)
}

func (s *Session) teardown(code int, reason string) {
	s.closeOnce.Do(func() {
		close(s.done)
		s.core.registry.RemoveConnection(s)
		s.core.dropSession(s)
		if s.conn != nil {
			msg := websocket.FormatCloseMessage(code, reason)
			_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
			_ = s.conn.Close()
		}
		s.logger.Debug("session torn down", "code", code, "state", s.State().String())
	})
}

// emit queues an outbound event. A full send buffer drops the frame for
// this session only; a slow client never stalls fanout to others.
func (s *Session) emit(payload any) {
	b, err := json.Marshal(payload)
	if err != nil {
		s.logger.Error("failed to marshal outbound event", "error", err)
		return
	}
	select {
	case s.send <- b:
	case <-s.done:
	default:
		s.logger.Warn("send buffer full, dropping event")
	}
}

func (s *Session) emitTopicAdded(topic, apiKey string) {
	p := models.TopicAddedPayload{Event: string(models.EventTopicAdded), Topic: topic}
	if s.mode == ModeMultiKey {
		p.APIKey = apiKey
	}
	s.emit(p)
}

func (s *Session) emitTopicRemoved(topic string) {
	s.emit(models.TopicRemovedPayload{Event: string(models.EventTopicRemoved), Topic: topic})
}

// emitTopicUpdated forwards a change record verbatim: topic plus whatever
// payload fields the queue carried.
func (s *Session) emitTopicUpdated(msg models.QueueMessage) {
	out := make(map[string]any, len(msg.Payload)+2)
	for k, v := range msg.Payload {
		out[k] = v
	}
	out["event"] = string(models.EventTopicUpdated)
	out["topic"] = msg.Topic
	s.emit(out)
}

func (s *Session) emitError(msg string) {
	s.emit(models.ErrorPayload{Event: models.EventError, Error: msg})
}

// terminal reports whether the session reached Closed or Rejected.
func (s *Session) terminal() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == StateClosed || s.state == StateRejected
}

// anonymous reports whether this is a single-topic session with no key.
func (s *Session) anonymous() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode == ModeSingleKey && s.apiKey == ""
}

// maybeCloseAfterRemoval applies the configured policy when an anonymous
// single-topic session loses its last topic.
func (s *Session) maybeCloseAfterRemoval() {
	if !s.anonymous() {
		return
	}
	if s.core.cfg.OnLastTopicRemoved != config.AnonymousPolicyClose {
		return
	}
	if len(s.core.registry.TopicsFor(s)) > 0 {
		return
	}
	s.logger.Info("last topic removed, closing anonymous session")
	s.Close(websocket.CloseNormalClosure, "all topics removed")
}

func (s *Session) modeName() string {
	if s.mode == ModeMultiKey {
		return "multi-key"
	}
	if s.anonymous() {
		return "anonymous"
	}
	return "single-key"
}

// writePump pumps queued frames to the WebSocket connection. One writer
// per connection; pings keep the peer alive between events.
func (s *Session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.Close(websocket.CloseGoingAway, "")
	}()
	for {
		select {
		case frame := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				s.logger.Warn("write failed, closing session", "error", err)
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.logger.Debug("ping failed, closing session", "error", err)
				return
			}
		case <-s.done:
			return
		case <-s.core.appCtx.Done():
			return
		}
	}
}

// readPump reads client frames. Multi-key sessions accept subscription
// control messages; everything else is ignored. One reader per connection.
func (s *Session) readPump() {
	defer s.Close(websocket.CloseNormalClosure, "")

	s.conn.SetReadLimit(maxMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(
				err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				s.logger.Warn("read error", "error", err)
			} else {
				s.logger.Debug("connection closed by peer", "error", err)
			}
			return
		}

		var ctl models.ControlMessage
		if err := json.Unmarshal(raw, &ctl); err != nil || ctl.Action == "" {
			s.logger.Debug("ignoring non-control client frame")
			continue
		}
		s.handleControl(ctl)
	}
}

// handleControl applies a client-issued subscription change. Only valid on
// an open multi-key session; the handshake fixed everyone else's topic set.
func (s *Session) handleControl(ctl models.ControlMessage) {
	if s.State() != StateConnected {
		return
	}
	if s.mode != ModeMultiKey {
		s.emitError("subscriptions are fixed for this connection")
		return
	}

	switch ctl.Action {
	case models.ActionSubscribe:
		s.handleSubscribe(ctl)
	case models.ActionUnsubscribe:
		s.handleUnsubscribe(ctl)
	default:
		s.emitError("unknown action")
	}
}

func (s *Session) handleSubscribe(ctl models.ControlMessage) {
	if ctl.APIKey == "" {
		if len(ctl.Topics) == 0 {
			s.emitError("subscribe requires an apiKey or topics")
			return
		}
		for _, topic := range s.core.registry.AddSubscription(s, "", ctl.Topics) {
			s.emitTopicAdded(topic, "")
		}
		return
	}

	ctx, cancel := s.core.resolveContext()
	defer cancel()
	granted, err := s.core.resolver.Resolve(ctx, ctl.APIKey)
	if err != nil {
		// Already past the handshake: an invalid key on a control message
		// produces an error event, not a close.
		s.logger.Info("subscribe with unresolvable key",
			"key", KeyFingerprint(ctl.APIKey), "error", err)
		s.emitError(ReasonInvalidAPIKey)
		return
	}

	topics := granted
	if len(ctl.Topics) > 0 {
		allowed := make(map[string]struct{}, len(granted))
		for _, t := range granted {
			allowed[t] = struct{}{}
		}
		// Filter into a fresh slice; granted may be shared with the resolver.
		topics = make([]string, 0, len(ctl.Topics))
		for _, t := range ctl.Topics {
			if _, ok := allowed[t]; !ok {
				s.emitError("topic is not accessible with this key: " + t)
				continue
			}
			topics = append(topics, t)
		}
	}

	for _, topic := range s.core.registry.AddSubscription(s, ctl.APIKey, topics) {
		s.emitTopicAdded(topic, ctl.APIKey)
	}
}

func (s *Session) handleUnsubscribe(ctl models.ControlMessage) {
	if ctl.APIKey != "" {
		for _, topic := range s.core.registry.RemoveKey(s, ctl.APIKey) {
			s.emitTopicRemoved(topic)
		}
		return
	}
	if len(ctl.Topics) == 0 {
		s.emitError("unsubscribe requires an apiKey or topics")
		return
	}
	for _, topic := range ctl.Topics {
		if s.core.registry.RemoveTopicForKey(s, "", topic) {
			s.emitTopicRemoved(topic)
		}
	}
}
