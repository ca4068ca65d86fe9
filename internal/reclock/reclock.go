// Package reclock provides a recursive mutex with bounded-wait acquisition,
// keyed by an explicit owner token rather than OS thread identity.
package reclock

import (
	"sync"
	"time"
)

// Mutex is a recursive lock. The owner that holds it may re-acquire it any
// number of times; full release requires matching the acquisition depth.
// Owner tokens are caller-assigned and must be non-zero.
type Mutex struct {
	mu    sync.Mutex
	owner uint64 // 0 while unowned
	depth int
	sem   chan struct{} // capacity 1; full while owned
}

// New creates an unowned recursive mutex.
func New() *Mutex {
	return &Mutex{sem: make(chan struct{}, 1)}
}

// Acquire takes the lock for owner, waiting at most timeout for another
// owner to release it. Re-acquisition by the current owner always succeeds
// immediately and increments the depth. Returns false on timeout.
func (m *Mutex) Acquire(owner uint64, timeout time.Duration) bool {
	if owner == 0 {
		panic("reclock: zero owner token")
	}

	m.mu.Lock()
	if m.owner == owner {
		m.depth++
		m.mu.Unlock()
		return true
	}
	m.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case m.sem <- struct{}{}:
		m.mu.Lock()
		m.owner = owner
		m.depth = 1
		m.mu.Unlock()
		return true
	case <-timer.C:
		return false
	}
}

// Release undoes one Acquire by the current owner. Releasing an unowned
// mutex or someone else's hold panics: both indicate corrupted lock
// bookkeeping upstream.
func (m *Mutex) Release(owner uint64) {
	m.mu.Lock()
	if m.owner != owner {
		m.mu.Unlock()
		panic("reclock: release by non-owner")
	}
	m.depth--
	if m.depth > 0 {
		m.mu.Unlock()
		return
	}
	m.owner = 0
	m.mu.Unlock()
	<-m.sem
}

// Owner reports the current owner token, or 0 while unowned.
func (m *Mutex) Owner() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.owner
}

// Depth reports the current owner's acquisition depth.
func (m *Mutex) Depth() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.depth
}
