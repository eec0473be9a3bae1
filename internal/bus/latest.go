package bus

import (
	"context"
	"sync"
)

// Latest holds the most recent value published to a watcher.
type Latest[T any] struct {
	mu      sync.Mutex
	value   T
	version uint64
	seen    uint64
	changed chan struct{} // closed and replaced on every set
	closed  bool
}

func newLatest[T any]() *Latest[T] {
	return &Latest[T]{changed: make(chan struct{})}
}

func (l *Latest[T]) set(v T) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return false
	}
	l.value = v
	l.version++
	close(l.changed)
	l.changed = make(chan struct{})
	return true
}

// Next waits for a value newer than the one it last returned.
// Values published in between are skipped. Returns ErrClosed once the slot
// is closed, or the context error.
func (l *Latest[T]) Next(ctx context.Context) (T, error) {
	var zero T
	for {
		l.mu.Lock()
		if l.closed {
			l.mu.Unlock()
			return zero, ErrClosed
		}
		if l.version != l.seen {
			l.seen = l.version
			v := l.value
			l.mu.Unlock()
			return v, nil
		}
		wait := l.changed
		l.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return zero, ctx.Err()
		}
	}
}

// Close wakes pending Next calls. Idempotent.
func (l *Latest[T]) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return
	}
	l.closed = true
	close(l.changed)
}
