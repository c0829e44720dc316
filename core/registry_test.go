package core

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newBareSession() *Session {
	// Index tests never touch the transport.
	return &Session{
		id:    "test",
		state: StateConnected,
		send:  make(chan []byte, 16),
		done:  make(chan struct{}),
	}
}

func TestRegistryAggregateIsUnionNotSum(t *testing.T) {
	r := NewRegistry()
	s := newBareSession()

	r.AddSubscription(s, "key-a", []string{"/users/1", "/groups/2"})
	r.AddSubscription(s, "key-b", []string{"/groups/2", "/groups/3"})

	assert.ElementsMatch(t, []string{"/users/1", "/groups/2", "/groups/3"}, r.TopicsFor(s))

	// Index membership is per-connection: the overlapping topic holds one entry.
	assert.Len(t, r.ConnectionsFor("/groups/2"), 1)
}

func TestRegistryAddReportsOnlyNewAggregateTopics(t *testing.T) {
	r := NewRegistry()
	s := newBareSession()

	added := r.AddSubscription(s, "key-a", []string{"/users/1"})
	assert.Equal(t, []string{"/users/1"}, added)

	// Same topic under a second key is not new to the aggregate.
	added = r.AddSubscription(s, "key-b", []string{"/users/1", "/users/2"})
	assert.Equal(t, []string{"/users/2"}, added)

	// Re-adding under the same key is a no-op.
	added = r.AddSubscription(s, "key-a", []string{"/users/1"})
	assert.Empty(t, added)
}

func TestRegistryRemoveKeyRetainsSharedTopics(t *testing.T) {
	r := NewRegistry()
	s := newBareSession()

	r.AddSubscription(s, "key-a", []string{"/users/1", "/groups/2"})
	r.AddSubscription(s, "key-b", []string{"/groups/2"})

	removed := r.RemoveKey(s, "key-a")
	assert.Equal(t, []string{"/users/1"}, removed)

	assert.ElementsMatch(t, []string{"/groups/2"}, r.TopicsFor(s))
	assert.Len(t, r.ConnectionsFor("/groups/2"), 1)
	assert.Empty(t, r.ConnectionsFor("/users/1"))
	assert.False(t, r.HasKey(s, "key-a"))
	assert.True(t, r.HasKey(s, "key-b"))
}

func TestRegistryRemoveTopicForKey(t *testing.T) {
	r := NewRegistry()
	s := newBareSession()

	r.AddSubscription(s, "key-a", []string{"/users/1"})
	r.AddSubscription(s, "key-b", []string{"/users/1"})

	// Still granted by key-b: stays in the aggregate.
	assert.False(t, r.RemoveTopicForKey(s, "key-a", "/users/1"))
	assert.Len(t, r.ConnectionsFor("/users/1"), 1)

	assert.True(t, r.RemoveTopicForKey(s, "key-b", "/users/1"))
	assert.Empty(t, r.ConnectionsFor("/users/1"))
	assert.Empty(t, r.TopicsFor(s))

	// Keys stay registered even with zero topics.
	assert.True(t, r.HasKey(s, "key-a"))
}

func TestRegistryRemoveConnectionIdempotent(t *testing.T) {
	r := NewRegistry()
	s := newBareSession()

	r.AddSubscription(s, "key-a", []string{"/users/1", "/groups/2"})
	r.AddSubscription(s, "", []string{"/public/3"})

	r.RemoveConnection(s)
	assert.Empty(t, r.TopicsFor(s))
	assert.Empty(t, r.ConnectionsFor("/users/1"))
	assert.Empty(t, r.ConnectionsFor("/public/3"))
	assert.Empty(t, r.ConnectionsForKey("key-a"))

	sessions, topics := r.Counts()
	assert.Zero(t, sessions)
	assert.Zero(t, topics)

	// Second removal must be a no-op, not an error.
	require.NotPanics(t, func() { r.RemoveConnection(s) })
}

func TestRegistryRefusesTerminalSessions(t *testing.T) {
	r := NewRegistry()

	for _, state := range []SessionState{StateClosed, StateRejected} {
		s := newBareSession()
		s.state = state

		assert.Empty(t, r.AddSubscription(s, "key-a", []string{"/users/1"}))
		sessions, topics := r.Counts()
		assert.Zero(t, sessions)
		assert.Zero(t, topics)
		assert.Empty(t, r.ConnectionsForKey("key-a"))
	}
}

func TestRegistryEmptyKeyRegistration(t *testing.T) {
	r := NewRegistry()
	s := newBareSession()

	// A key that currently grants nothing is still a registered key:
	// key-discovery events must reach this session.
	r.AddSubscription(s, "key-a", nil)
	assert.True(t, r.HasKey(s, "key-a"))
	assert.Len(t, r.ConnectionsForKey("key-a"), 1)
	assert.Empty(t, r.TopicsFor(s))
}

func TestRegistryConnectionsForSnapshot(t *testing.T) {
	r := NewRegistry()
	a := newBareSession()
	b := newBareSession()

	r.AddSubscription(a, "", []string{"/users/1"})
	r.AddSubscription(b, "", []string{"/users/1"})

	snapshot := r.ConnectionsFor("/users/1")
	require.Len(t, snapshot, 2)

	// Mutating after the snapshot does not affect it.
	r.RemoveConnection(b)
	assert.Len(t, snapshot, 2)
	assert.Len(t, r.ConnectionsFor("/users/1"), 1)
}

func TestRegistryConcurrentMutation(t *testing.T) {
	r := NewRegistry()

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			s := newBareSession()
			topic := fmt.Sprintf("/users/%d", n%8)
			for j := 0; j < 100; j++ {
				r.AddSubscription(s, "key", []string{topic})
				r.ConnectionsFor(topic)
				r.TopicsFor(s)
				r.RemoveConnection(s)
			}
		}(i)
	}
	wg.Wait()

	sessions, topics := r.Counts()
	assert.Zero(t, sessions)
	assert.Zero(t, topics)
}
