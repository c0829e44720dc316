package core

import (
	"context"
	"log/slog"

	"github.com/arbiterhq/streamgate/models"
	"github.com/arbiterhq/streamgate/queue"
)

// Router drains the change queue and fans each record out to every session
// subscribed to its topic. Delivery is at-most-once per session per record;
// a session's full buffer or dead transport never affects the others, and a
// malformed record is dropped without stopping the stream.
type Router struct {
	logger   *slog.Logger
	registry *Registry
	consumer queue.Consumer
}

func NewRouter(logger *slog.Logger, registry *Registry, consumer queue.Consumer) *Router {
	return &Router{
		logger:   logger,
		registry: registry,
		consumer: consumer,
	}
}

// Run consumes until the context is done or the queue closes. Single
// goroutine: per-topic delivery order to any given session is queue-arrival
// order.
func (rt *Router) Run(ctx context.Context) {
	rt.logger.Info("event router started")
	defer rt.logger.Info("event router stopped")

	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-rt.consumer.C():
			if !ok {
				return
			}
			msg, err := models.ParseQueueMessage(raw)
			if err != nil {
				rt.logger.Warn("dropping malformed queue message", "error", err)
				continue
			}
			rt.Dispatch(msg)
		}
	}
}

// Dispatch routes one validated change record.
func (rt *Router) Dispatch(msg models.QueueMessage) {
	switch msg.Event {
	case models.EventTopicUpdated:
		sessions := rt.registry.ConnectionsFor(msg.Topic)
		rt.logger.Debug("dispatching topic update", "topic", msg.Topic, "sessions", len(sessions))
		for _, s := range sessions {
			s.emitTopicUpdated(msg)
		}

	case models.EventTopicAdded:
		// Key-discovery: only sessions that registered the key gain the
		// topic, and only they hear about it.
		for _, s := range rt.registry.ConnectionsForKey(msg.APIKey) {
			rt.registry.AddSubscription(s, msg.APIKey, []string{msg.Topic})
			s.emitTopicAdded(msg.Topic, msg.APIKey)
		}

	case models.EventTopicRemoved:
		if msg.APIKey != "" {
			for _, s := range rt.registry.ConnectionsForKey(msg.APIKey) {
				if rt.registry.RemoveTopicForKey(s, msg.APIKey, msg.Topic) {
					s.emitTopicRemoved(msg.Topic)
					s.maybeCloseAfterRemoval()
				}
			}
			return
		}
		// The topic itself is gone: strip it from every subscribed session.
		for _, s := range rt.registry.ConnectionsFor(msg.Topic) {
			if rt.registry.RemoveTopic(s, msg.Topic) {
				s.emitTopicRemoved(msg.Topic)
				s.maybeCloseAfterRemoval()
			}
		}

	case models.EventKeyRevoked:
		for _, s := range rt.registry.ConnectionsForKey(msg.APIKey) {
			for _, topic := range rt.registry.RemoveKey(s, msg.APIKey) {
				s.emitTopicRemoved(topic)
			}
			s.maybeCloseAfterRemoval()
		}
	}
}
