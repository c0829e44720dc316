package models

import (
	"encoding/json"
	"fmt"
)

/*
	Messages arriving on the change queue are decoded into a tagged variant
	over the known event kinds. Required fields are checked at the boundary
	so the router never sees a half-formed record; anything that fails
	validation is dropped by the consumer with a MalformedMessageError.
*/

type EventKind string

const (
	EventTopicAdded   EventKind = "topicAdded"
	EventTopicUpdated EventKind = "topicUpdated"
	EventTopicRemoved EventKind = "topicRemoved"
	EventKeyRevoked   EventKind = "keyRevoked"
)

// Outbound event names that have no queue-side counterpart.
const (
	EventConnected = "connected"
	EventError     = "error"
)

// QueueMessage is the validated form of one change-queue record.
// Payload holds any extra fields of a topicUpdated record; they are
// forwarded verbatim to subscribed clients.
type QueueMessage struct {
	Event   EventKind
	Topic   string
	APIKey  string
	Payload map[string]any
}

// MalformedMessageError is returned when a queue record is missing a
// required field or names an unknown event kind.
type MalformedMessageError struct {
	Reason string
}

func (e *MalformedMessageError) Error() string {
	return fmt.Sprintf("malformed queue message: %s", e.Reason)
}

// ParseQueueMessage decodes and validates a raw change-queue record.
func ParseQueueMessage(raw []byte) (QueueMessage, error) {
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return QueueMessage{}, &MalformedMessageError{Reason: "not a JSON object"}
	}

	msg := QueueMessage{}

	event, _ := fields["event"].(string)
	if event == "" {
		return QueueMessage{}, &MalformedMessageError{Reason: "missing 'event'"}
	}
	msg.Event = EventKind(event)

	msg.Topic, _ = fields["topic"].(string)
	msg.APIKey, _ = fields["apiKey"].(string)

	switch msg.Event {
	case EventTopicAdded:
		// Key-discovery event: names the key that gained the topic.
		if msg.Topic == "" {
			return QueueMessage{}, &MalformedMessageError{Reason: "topicAdded missing 'topic'"}
		}
		if msg.APIKey == "" {
			return QueueMessage{}, &MalformedMessageError{Reason: "topicAdded missing 'apiKey'"}
		}
	case EventTopicUpdated:
		if msg.Topic == "" {
			return QueueMessage{}, &MalformedMessageError{Reason: "topicUpdated missing 'topic'"}
		}
	case EventTopicRemoved:
		// apiKey is optional: present when only one key lost the topic,
		// absent when the topic itself is gone.
		if msg.Topic == "" {
			return QueueMessage{}, &MalformedMessageError{Reason: "topicRemoved missing 'topic'"}
		}
	case EventKeyRevoked:
		if msg.APIKey == "" {
			return QueueMessage{}, &MalformedMessageError{Reason: "keyRevoked missing 'apiKey'"}
		}
	default:
		return QueueMessage{}, &MalformedMessageError{Reason: fmt.Sprintf("unknown event %q", event)}
	}

	if msg.Event == EventTopicUpdated {
		payload := make(map[string]any)
		for k, v := range fields {
			switch k {
			case "event", "topic", "apiKey":
			default:
				payload[k] = v
			}
		}
		if len(payload) > 0 {
			msg.Payload = payload
		}
	}

	return msg, nil
}

// ConnectedPayload is the first and only handshake acknowledgment a client
// receives. Retry is the reconnect hint in milliseconds.
type ConnectedPayload struct {
	Event  string   `json:"event"`
	Topics []string `json:"topics"`
	Retry  int64    `json:"retry"`
}

type TopicAddedPayload struct {
	Event  string `json:"event"`
	Topic  string `json:"topic"`
	APIKey string `json:"apiKey,omitempty"`
}

type TopicRemovedPayload struct {
	Event string `json:"event"`
	Topic string `json:"topic"`
}

type ErrorPayload struct {
	Event string `json:"event"`
	Error string `json:"error"`
}

// ControlAction is a client-issued subscription change on an open
// multi-key connection.
type ControlAction string

const (
	ActionSubscribe   ControlAction = "subscribe"
	ActionUnsubscribe ControlAction = "unsubscribe"
)

type ControlMessage struct {
	Action ControlAction `json:"action"`
	APIKey string        `json:"apiKey,omitempty"`
	Topics []string      `json:"topics,omitempty"`
}
