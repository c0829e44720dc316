package core

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jellydator/ttlcache/v3"
	"golang.org/x/time/rate"

	"github.com/arbiterhq/streamgate/config"
	"github.com/arbiterhq/streamgate/models"
	"github.com/arbiterhq/streamgate/queue"
)

// Core owns the registry, the router and the HTTP surface. There is no
// process-wide state: everything hangs off this struct and dies with its
// context.
type Core struct {
	appCtx   context.Context
	cfg      *config.Config
	logger   *slog.Logger
	registry *Registry
	resolver KeyResolver
	router   *Router
	events   queue.Publisher
	mux      *http.ServeMux

	upgrader websocket.Upgrader

	rateLimiters map[string]*ttlcache.Cache[string, *rate.Limiter]

	sessionsMu sync.Mutex
	sessions   map[*Session]struct{}

	startedAt time.Time
}

func New(
	ctx context.Context,
	logger *slog.Logger,
	cfg *config.Config,
	resolver KeyResolver,
	q *queue.Memory,
) *Core {
	c := &Core{
		appCtx:   ctx,
		cfg:      cfg,
		logger:   logger,
		registry: NewRegistry(),
		resolver: resolver,
		events:   q,
		mux:      http.NewServeMux(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  cfg.Sessions.WebSocketReadBufferSize,
			WriteBufferSize: cfg.Sessions.WebSocketWriteBufferSize,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		sessions: make(map[*Session]struct{}),
	}
	c.router = NewRouter(logger.With("service", "router"), c.registry, q)

	c.rateLimiters = map[string]*ttlcache.Cache[string, *rate.Limiter]{
		"stream":  newRateLimiterCache(),
		"events":  newRateLimiterCache(),
		"default": newRateLimiterCache(),
	}

	c.mux.HandleFunc("/stream", c.streamHandler)
	c.mux.HandleFunc("/events", c.eventsHandler)
	c.mux.HandleFunc("/status", c.statusHandler)
	return c
}

func newRateLimiterCache() *ttlcache.Cache[string, *rate.Limiter] {
	cache := ttlcache.New[string, *rate.Limiter](
		ttlcache.WithTTL[string, *rate.Limiter](time.Minute),
		ttlcache.WithDisableTouchOnHit[string, *rate.Limiter](),
	)
	go cache.Start()
	return cache
}

func (c *Core) Handler() http.Handler {
	return c.mux
}

func (c *Core) Registry() *Registry {
	return c.registry
}

// Start launches the event router. It returns immediately; the router runs
// until the core's context is cancelled or the queue closes.
func (c *Core) Start() {
	c.startedAt = time.Now()
	go c.router.Run(c.appCtx)
}

// Shutdown closes every live session. Sessions still mid-handshake observe
// the state change and never register.
func (c *Core) Shutdown() {
	c.sessionsMu.Lock()
	open := make([]*Session, 0, len(c.sessions))
	for s := range c.sessions {
		open = append(open, s)
	}
	c.sessionsMu.Unlock()

	for _, s := range open {
		s.Close(websocket.CloseGoingAway, "server shutting down")
	}
	c.logger.Info("core shut down", "sessions_closed", len(open))
}

func (c *Core) addSession(s *Session) bool {
	c.sessionsMu.Lock()
	defer c.sessionsMu.Unlock()
	if len(c.sessions) >= c.cfg.Sessions.MaxConnections {
		return false
	}
	c.sessions[s] = struct{}{}
	return true
}

func (c *Core) dropSession(s *Session) {
	c.sessionsMu.Lock()
	defer c.sessionsMu.Unlock()
	delete(c.sessions, s)
}

func (c *Core) resolveContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.appCtx, c.cfg.Resolver.Timeout)
}

// allow applies the named per-remote rate limiter.
func (c *Core) allow(category string, r *http.Request) bool {
	cache, ok := c.rateLimiters[category]
	if !ok {
		cache = c.rateLimiters["default"]
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}

	var limCfg config.RateLimiterConfig
	switch category {
	case "stream":
		limCfg = c.cfg.RateLimiters.Stream
	case "events":
		limCfg = c.cfg.RateLimiters.Events
	default:
		limCfg = c.cfg.RateLimiters.Default
	}

	item := cache.Get(host)
	if item == nil {
		item = cache.Set(host, rate.NewLimiter(rate.Limit(limCfg.Limit), limCfg.Burst), ttlcache.DefaultTTL)
	}
	return item.Value().Allow()
}

// eventsHandler is the change-queue ingest surface: collaborators POST one
// change record per request. Records are validated here and again by the
// router; the queue itself carries raw bytes.
func (c *Core) eventsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !c.allow("events", r) {
		http.Error(w, "Too many requests", http.StatusTooManyRequests)
		return
	}
	if c.cfg.Server.IngestSecret != "" &&
		r.Header.Get("X-Streamgate-Secret") != c.cfg.Server.IngestSecret {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	defer r.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		c.logger.Error("could not read body for events request", "error", err)
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if _, err := models.ParseQueueMessage(raw); err != nil {
		c.logger.Warn("rejecting malformed event", "error", err)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := c.events.Publish(r.Context(), raw); err != nil {
		c.logger.Error("could not publish event", "error", err)
		http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (c *Core) statusHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !c.allow("default", r) {
		http.Error(w, "Too many requests", http.StatusTooManyRequests)
		return
	}
	sessions, topics := c.registry.Counts()

	c.sessionsMu.Lock()
	live := len(c.sessions)
	c.sessionsMu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"uptime":      time.Since(c.startedAt).String(),
		"connections": live,
		"registered":  sessions,
		"topics":      topics,
	})
}
