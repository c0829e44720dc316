package core

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/arbiterhq/streamgate/config"
	"github.com/arbiterhq/streamgate/queue"
)

// fakeResolver is the deterministic KeyResolver used throughout the core
// tests: known keys resolve to their grant list, unknown keys are invalid,
// and an injected error simulates an unreachable authorization service.
type fakeResolver struct {
	mu     sync.Mutex
	grants map[string][]string
	calls  map[string]int
	fail   error
}

func newFakeResolver(grants map[string][]string) *fakeResolver {
	return &fakeResolver{
		grants: grants,
		calls:  make(map[string]int),
	}
}

func (f *fakeResolver) Resolve(_ context.Context, apiKey string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[apiKey]++
	if f.fail != nil {
		return nil, &ResolverError{Fingerprint: KeyFingerprint(apiKey), Err: f.fail}
	}
	topics, ok := f.grants[apiKey]
	if !ok {
		return nil, ErrInvalidKey
	}
	return append([]string{}, topics...), nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestCore(t *testing.T, resolver KeyResolver, mutate ...func(*config.Config)) (*Core, *queue.Memory) {
	t.Helper()

	cfg := config.Default()
	for _, m := range mutate {
		m(cfg)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	q := queue.NewMemory(cfg.Queue.BufferSize, testLogger())
	c := New(ctx, testLogger(), cfg, resolver, q)
	t.Cleanup(c.Shutdown)
	return c, q
}

// connectedTestSession runs the non-transport half of the handshake: a
// session without a live socket, registered the way the handshake would.
func connectedTestSession(t *testing.T, c *Core, mode SessionMode, apiKey string, topics []string) *Session {
	t.Helper()
	s := newSession(c, nil, mode)
	require.True(t, c.addSession(s))
	s.connect(apiKey, topics)
	require.Equal(t, StateConnected, s.State())

	// Swallow the connected acknowledgment so assertions see only fanout.
	frame := recvFrame(t, s)
	require.Equal(t, "connected", frame["event"])
	return s
}

func recvFrame(t *testing.T, s *Session) map[string]any {
	t.Helper()
	select {
	case raw := <-s.send:
		var frame map[string]any
		require.NoError(t, json.Unmarshal(raw, &frame))
		return frame
	case <-time.After(2 * time.Second):
		t.Fatal("no frame queued")
		return nil
	}
}

func requireNoFrame(t *testing.T, s *Session) {
	t.Helper()
	select {
	case raw := <-s.send:
		t.Fatalf("unexpected frame: %s", raw)
	case <-time.After(100 * time.Millisecond):
	}
}
