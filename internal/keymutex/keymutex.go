// Package keymutex provides a map of read/write mutexes keyed by string.
// Entries are created on first use and dropped once no goroutine holds or
// waits on them, so the map stays proportional to in-flight work.
package keymutex

import "sync"

// Map serializes work per key. The zero value is ready to use.
type Map struct {
	mu    sync.Mutex
	locks map[string]*entry
}

type entry struct {
	sync.RWMutex
	waiters int
}

// Lock acquires the exclusive lock for key and returns its release func.
func (m *Map) Lock(key string) func() {
	e := m.acquire(key)
	e.Lock()
	return func() {
		e.Unlock()
		m.release(key, e)
	}
}

// RLock acquires the shared lock for key and returns its release func.
func (m *Map) RLock(key string) func() {
	e := m.acquire(key)
	e.RLock()
	return func() {
		e.RUnlock()
		m.release(key, e)
	}
}

// Len reports how many keys currently have a holder or waiter.
func (m *Map) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.locks)
}

func (m *Map) acquire(key string) *entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.locks == nil {
		m.locks = make(map[string]*entry)
	}
	e, ok := m.locks[key]
	if !ok {
		e = &entry{}
		m.locks[key] = e
	}
	e.waiters++
	return e
}

func (m *Map) release(key string, e *entry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e.waiters--
	if e.waiters == 0 {
		delete(m.locks, key)
	}
}
