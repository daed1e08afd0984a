package transport

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/use-agent/fusion/models"
)

// watchBuffer is the per-watcher notification backlog. Put blocks once a
// watcher falls this far behind, rather than dropping a notification.
const watchBuffer = 256

type memEntry struct {
	recs      []models.Record
	createdAt time.Time
}

type watcher struct {
	ch   chan string
	done <-chan struct{}
}

// MemoryStore is an in-process Store. Values older than the TTL are swept
// periodically so abandoned writes do not accumulate.
// It is safe for concurrent use.
type MemoryStore struct {
	mu       sync.Mutex
	store    map[string]*memEntry
	watchers map[*watcher]struct{}
	ttl      time.Duration

	stop      chan struct{}
	closeOnce sync.Once
}

// NewMemoryStore creates a MemoryStore. A background goroutine evicts values
// older than ttl every ttl/12 until Close.
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	if ttl <= 0 {
		ttl = time.Hour
	}
	m := &MemoryStore{
		store:    make(map[string]*memEntry),
		watchers: make(map[*watcher]struct{}),
		ttl:      ttl,
		stop:     make(chan struct{}),
	}
	go m.cleanupLoop(ttl / 12)
	return m
}

func (m *MemoryStore) Put(ctx context.Context, key string, recs []models.Record) error {
	m.mu.Lock()
	if _, ok := m.store[key]; ok {
		m.mu.Unlock()
		return ErrAlreadyWritten
	}
	m.store[key] = &memEntry{recs: slices.Clone(recs), createdAt: time.Now()}
	ws := make([]*watcher, 0, len(m.watchers))
	for w := range m.watchers {
		ws = append(ws, w)
	}
	m.mu.Unlock()

	for _, w := range ws {
		select {
		case w.ch <- key:
		case <-w.done:
		case <-ctx.Done():
			return fmt.Errorf("%w: %s: %w", ErrNotNotified, key, ctx.Err())
		}
	}
	return nil
}

func (m *MemoryStore) Take(_ context.Context, key string) ([]models.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.store[key]
	if !ok {
		return nil, ErrNotFound
	}
	delete(m.store, key)
	return e.recs, nil
}

func (m *MemoryStore) Watch(ctx context.Context) (<-chan string, error) {
	w := &watcher{ch: make(chan string, watchBuffer), done: ctx.Done()}
	m.mu.Lock()
	m.watchers[w] = struct{}{}
	m.mu.Unlock()

	out := make(chan string)
	go func() {
		defer close(out)
		defer func() {
			m.mu.Lock()
			delete(m.watchers, w)
			m.mu.Unlock()
		}()
		for {
			select {
			case <-ctx.Done():
				return
			case key := <-w.ch:
				select {
				case out <- key:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (m *MemoryStore) Purge(_ context.Context, prefix string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for k := range m.store {
		if strings.HasPrefix(k, prefix) {
			delete(m.store, k)
			n++
		}
	}
	return n, nil
}

// Close stops the sweeper. Watchers end with their own contexts.
func (m *MemoryStore) Close() error {
	m.closeOnce.Do(func() { close(m.stop) })
	return nil
}

// Len returns the number of live values.
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.store)
}

func (m *MemoryStore) cleanupLoop(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.sweep(time.Now().Add(-m.ttl))
		}
	}
}

func (m *MemoryStore) sweep(cutoff time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, e := range m.store {
		if e.createdAt.Before(cutoff) {
			delete(m.store, k)
		}
	}
}
