package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Slots is a small string key/value store shared by every context that
// takes part in a signing handshake. Take is an atomic read-and-delete so
// a value is consumed at most once.
type Slots interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, keys ...string) error
	Take(ctx context.Context, key string) (string, bool, error)
}

// Watcher is implemented by stores that can push a signal when a key is
// written. The returned stop func must be called to release resources.
type Watcher interface {
	Watch(ctx context.Context, key string) (<-chan struct{}, func(), error)
}

// Purger drops slots that have not been written since the given time.
type Purger interface {
	PurgeBefore(ctx context.Context, t time.Time) (int64, error)
}

// IndexAllocator hands out monotonically increasing derivation indexes.
type IndexAllocator interface {
	NextDerivationIndex(ctx context.Context) (int64, error)
}

type Memory struct {
	mu       sync.Mutex
	values   map[string]string
	watchers map[string]map[chan struct{}]struct{}
	index    int64
}

func NewMemory() *Memory {
	return &Memory{
		values:   map[string]string{},
		watchers: map[string]map[chan struct{}]struct{}{},
	}
}

func (m *Memory) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.values[key]
	return v, ok, nil
}

func (m *Memory) Set(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = value
	for ch := range m.watchers[key] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
	return nil
}

func (m *Memory) Delete(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		delete(m.values, k)
	}
	return nil
}

func (m *Memory) Take(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.values[key]
	if ok {
		delete(m.values, key)
	}
	return v, ok, nil
}

func (m *Memory) Watch(_ context.Context, key string) (<-chan struct{}, func(), error) {
	ch := make(chan struct{}, 1)
	m.mu.Lock()
	if m.watchers[key] == nil {
		m.watchers[key] = map[chan struct{}]struct{}{}
	}
	m.watchers[key][ch] = struct{}{}
	m.mu.Unlock()

	var once sync.Once
	stop := func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.watchers[key], ch)
			if len(m.watchers[key]) == 0 {
				delete(m.watchers, key)
			}
			m.mu.Unlock()
		})
	}
	return ch, stop, nil
}

func (m *Memory) NextDerivationIndex(context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.index++
	return m.index, nil
}

// Backend is a slot store that also allocates sink derivation indexes.
type Backend interface {
	Slots
	IndexAllocator
}

// Open returns the backend named by kind: "memory", "sqlite" (at
// sqlitePath) or "postgres" (on pool).
func Open(kind, sqlitePath string, pool *pgxpool.Pool) (Backend, error) {
	switch kind {
	case "", "memory":
		return NewMemory(), nil
	case "sqlite":
		return OpenSQLite(sqlitePath)
	case "postgres":
		if pool == nil {
			return nil, errors.New("postgres slot store needs a database pool")
		}
		return NewPostgres(pool), nil
	}
	return nil, fmt.Errorf("unknown slot store %q", kind)
}
