package queue

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

var ErrQueueClosed = errors.New("queue closed")

// Consumer is the read side of the change queue. The event router drains
// C until it is closed or its context is done.
type Consumer interface {
	C() <-chan []byte
}

// Publisher is the write side, used by the ingest surface and by tests.
type Publisher interface {
	Publish(ctx context.Context, raw []byte) error
}

// Memory is a single-process change queue backed by a buffered channel.
// The real deployment can swap in any transport that satisfies Consumer;
// the core never sees more than the channel.
type Memory struct {
	ch     chan []byte
	logger *slog.Logger

	mu     sync.RWMutex
	closed bool
}

func NewMemory(size int, logger *slog.Logger) *Memory {
	if size <= 0 {
		size = 256
	}
	return &Memory{
		ch:     make(chan []byte, size),
		logger: logger,
	}
}

func (m *Memory) C() <-chan []byte {
	return m.ch
}

// Publish blocks until the record is enqueued or the context is done. The
// read lock is held across the send so Close cannot slip in between the
// closed check and the channel write.
func (m *Memory) Publish(ctx context.Context, raw []byte) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrQueueClosed
	}

	select {
	case m.ch <- raw:
		return nil
	case <-ctx.Done():
		m.logger.Warn("queue publish abandoned", "error", ctx.Err())
		return ctx.Err()
	}
}

func (m *Memory) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	close(m.ch)
}
