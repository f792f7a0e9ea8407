package gamification

import (
	"context"
	"errors"
	"sync"
	"time"
)

var errDiskFull = errors.New("disk full")

// memPersister is an in-memory Persister that can be told to fail writes.
type memPersister struct {
	mu       sync.Mutex
	records  map[string][]byte
	saves    map[string]int
	failSave bool
	failLoad bool
}

func newMemPersister() *memPersister {
	return &memPersister{records: make(map[string][]byte), saves: make(map[string]int)}
}

func (m *memPersister) Load(_ context.Context, name string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failLoad {
		return nil, errDiskFull
	}
	data, ok := m.records[name]
	if !ok {
		return nil, nil
	}
	return append([]byte(nil), data...), nil
}

func (m *memPersister) Save(_ context.Context, name string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failSave {
		return errDiskFull
	}
	m.records[name] = append([]byte(nil), data...)
	m.saves[name]++
	return nil
}

func (m *memPersister) Delete(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, name)
	return nil
}

func (m *memPersister) has(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.records[name]
	return ok
}

func (m *memPersister) saveCount(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves[name]
}

// recorder collects every event it is notified of.
type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) Notify(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) ofKind(kind EventKind) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, ev := range r.events {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

// fixedClock returns a controllable time source.
type fixedClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fixedClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}
