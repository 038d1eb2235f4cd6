// Package progress remembers when each running build last showed signs of
// life, so the master can tell a slow build from a hung one.
package progress

import (
	"context"
	"sync"
	"time"
)

// Tracker records progress fingerprints per key. A fingerprint is any
// string that changes while the build makes progress, such as the log tail.
type Tracker interface {
	// Observe records fingerprint for key at now. The progress time only
	// moves when the fingerprint differs from the last one seen.
	Observe(ctx context.Context, key, fingerprint string, now time.Time) error
	// Idle returns how long key has gone without progress. Unknown keys
	// report zero.
	Idle(ctx context.Context, key string, now time.Time) (time.Duration, error)
	// Forget drops key.
	Forget(ctx context.Context, key string) error
}

type mark struct {
	fingerprint string
	at          time.Time
}

// MemoryTracker keeps marks in process memory.
type MemoryTracker struct {
	mu    sync.Mutex
	marks map[string]mark
}

func NewMemoryTracker() *MemoryTracker {
	return &MemoryTracker{marks: map[string]mark{}}
}

func (t *MemoryTracker) Observe(_ context.Context, key, fingerprint string, now time.Time) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if m, ok := t.marks[key]; ok && m.fingerprint == fingerprint {
		return nil
	}
	t.marks[key] = mark{fingerprint: fingerprint, at: now}
	return nil
}

func (t *MemoryTracker) Idle(_ context.Context, key string, now time.Time) (time.Duration, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	m, ok := t.marks[key]
	if !ok {
		return 0, nil
	}
	return idleSince(m.at, now), nil
}

func (t *MemoryTracker) Forget(_ context.Context, key string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.marks, key)
	return nil
}

func idleSince(at, now time.Time) time.Duration {
	if d := now.Sub(at); d > 0 {
		return d
	}
	return 0
}
