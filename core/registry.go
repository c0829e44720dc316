package core

import (
	"sync"
)

/*
	The registry is the only state shared across sessions: each session's
	key -> topic-set subscriptions, the aggregate (deduplicated union) view
	per session, and the reverse topic -> sessions index the router fans
	out over. All three are mutated under one RWMutex so a fanout read can
	never observe an entry that is half inserted or half removed.

	Anonymous subscriptions (an explicitly named topic with no key) are
	stored under the empty key.
*/

type Registry struct {
	mu sync.RWMutex

	// topic -> sessions whose aggregate set contains the topic
	byTopic map[string]map[*Session]struct{}
	// api key -> sessions that registered the key (kept while the key is
	// registered, even if it currently grants zero topics)
	byKey map[string]map[*Session]struct{}
	// session -> key -> topics granted by that key
	bySession map[*Session]map[string]map[string]struct{}
}

func NewRegistry() *Registry {
	return &Registry{
		byTopic:   make(map[string]map[*Session]struct{}),
		byKey:     make(map[string]map[*Session]struct{}),
		bySession: make(map[*Session]map[string]map[string]struct{}),
	}
}

// AddSubscription registers topics under the given key (empty for anonymous)
// for the session and indexes the session under every topic that is new to
// its aggregate set. Topics already granted by another key on the same
// session stay indexed once. Returns the topics that were new to the
// aggregate.
func (r *Registry) AddSubscription(s *Session, apiKey string, topics []string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	// A terminal session is never (re)indexed. Teardown enters the terminal
	// state before it calls RemoveConnection, so a close racing this call
	// either trips this check or deregisters after we return.
	if s.terminal() {
		return nil
	}

	keys, ok := r.bySession[s]
	if !ok {
		keys = make(map[string]map[string]struct{})
		r.bySession[s] = keys
	}
	set, ok := keys[apiKey]
	if !ok {
		set = make(map[string]struct{})
		keys[apiKey] = set
	}
	if apiKey != "" {
		sessions, ok := r.byKey[apiKey]
		if !ok {
			sessions = make(map[*Session]struct{})
			r.byKey[apiKey] = sessions
		}
		sessions[s] = struct{}{}
	}

	var added []string
	for _, topic := range topics {
		if _, ok := set[topic]; ok {
			continue
		}
		inAggregate := r.inAggregateLocked(s, topic)
		set[topic] = struct{}{}
		if !inAggregate {
			sessions, ok := r.byTopic[topic]
			if !ok {
				sessions = make(map[*Session]struct{})
				r.byTopic[topic] = sessions
			}
			sessions[s] = struct{}{}
			added = append(added, topic)
		}
	}
	return added
}

// RemoveKey drops the key and every topic granted solely by it. Topics still
// granted by another key on the session stay indexed. Returns the topics
// that left the aggregate set.
func (r *Registry) RemoveKey(s *Session, apiKey string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	keys, ok := r.bySession[s]
	if !ok {
		return nil
	}
	set, ok := keys[apiKey]
	if !ok {
		return nil
	}
	delete(keys, apiKey)
	if apiKey != "" {
		r.dropKeyMembershipLocked(s, apiKey)
	}

	var removed []string
	for topic := range set {
		if !r.inAggregateLocked(s, topic) {
			r.deindexLocked(s, topic)
			removed = append(removed, topic)
		}
	}
	return removed
}

// RemoveTopicForKey removes one topic from one key's grant. Reports whether
// the topic left the session's aggregate set.
func (r *Registry) RemoveTopicForKey(s *Session, apiKey, topic string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	keys, ok := r.bySession[s]
	if !ok {
		return false
	}
	set, ok := keys[apiKey]
	if !ok {
		return false
	}
	if _, ok := set[topic]; !ok {
		return false
	}
	delete(set, topic)
	if r.inAggregateLocked(s, topic) {
		return false
	}
	r.deindexLocked(s, topic)
	return true
}

// RemoveTopic removes the topic from every key on the session. Reports
// whether the topic was in the aggregate set.
func (r *Registry) RemoveTopic(s *Session, topic string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	keys, ok := r.bySession[s]
	if !ok {
		return false
	}
	found := false
	for _, set := range keys {
		if _, ok := set[topic]; ok {
			delete(set, topic)
			found = true
		}
	}
	if found {
		r.deindexLocked(s, topic)
	}
	return found
}

// RemoveConnection removes the session from every index entry it belongs
// to. Idempotent: a second call is a no-op.
func (r *Registry) RemoveConnection(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()

	keys, ok := r.bySession[s]
	if !ok {
		return
	}
	seen := make(map[string]struct{})
	for apiKey, set := range keys {
		if apiKey != "" {
			r.dropKeyMembershipLocked(s, apiKey)
		}
		for topic := range set {
			if _, dup := seen[topic]; dup {
				continue
			}
			seen[topic] = struct{}{}
			r.deindexLocked(s, topic)
		}
	}
	delete(r.bySession, s)
}

// TopicsFor returns the session's aggregate topic set. Order is not
// meaningful.
func (r *Registry) TopicsFor(s *Session) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]struct{})
	var topics []string
	for _, set := range r.bySession[s] {
		for topic := range set {
			if _, dup := seen[topic]; dup {
				continue
			}
			seen[topic] = struct{}{}
			topics = append(topics, topic)
		}
	}
	return topics
}

// HasKey reports whether the session registered the key.
func (r *Registry) HasKey(s *Session, apiKey string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.bySession[s][apiKey]
	return ok
}

// ConnectionsFor returns a snapshot of the sessions subscribed to the topic.
func (r *Registry) ConnectionsFor(topic string) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sessions := r.byTopic[topic]
	if len(sessions) == 0 {
		return nil
	}
	out := make([]*Session, 0, len(sessions))
	for s := range sessions {
		out = append(out, s)
	}
	return out
}

// ConnectionsForKey returns a snapshot of the sessions that registered the
// key.
func (r *Registry) ConnectionsForKey(apiKey string) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sessions := r.byKey[apiKey]
	if len(sessions) == 0 {
		return nil
	}
	out := make([]*Session, 0, len(sessions))
	for s := range sessions {
		out = append(out, s)
	}
	return out
}

// Counts reports the number of registered sessions and indexed topics.
func (r *Registry) Counts() (sessions int, topics int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.bySession), len(r.byTopic)
}

// inAggregateLocked reports whether any key on the session currently grants
// the topic.
func (r *Registry) inAggregateLocked(s *Session, topic string) bool {
	for _, set := range r.bySession[s] {
		if _, ok := set[topic]; ok {
			return true
		}
	}
	return false
}

func (r *Registry) deindexLocked(s *Session, topic string) {
	sessions, ok := r.byTopic[topic]
	if !ok {
		return
	}
	delete(sessions, s)
	if len(sessions) == 0 {
		delete(r.byTopic, topic)
	}
}

func (r *Registry) dropKeyMembershipLocked(s *Session, apiKey string) {
	sessions, ok := r.byKey[apiKey]
	if !ok {
		return
	}
	delete(sessions, s)
	if len(sessions) == 0 {
		delete(r.byKey, apiKey)
	}
}
