package rastr

import (
	"log/slog"
	"sync"

	"github.com/openterra/rastr/internal/reclock"
)

// -----------------------------------------------------------------------------
// Read/write coordination layer
// -----------------------------------------------------------------------------

// rwState is decided once per root dataset, lazily on the first write-mode
// entry, from the process-wide switch, then frozen for the dataset's
// lifetime.
type rwState int

const (
	rwUnknown rwState = iota
	rwAllowed
	rwDisabled
)

// dsLock is the per-root-dataset coordination state. Child datasets that
// delegate to a parent never touch their own dsLock; every call forwards.
type dsLock struct {
	mu    sync.Mutex // guards state, taken, lazy mutex creation
	state rwState
	lock  *reclock.Mutex
	taken map[uint64]int // owner -> acquisition depth
}

func (l *dsLock) init() {
	l.taken = make(map[uint64]int)
}

// DropToken captures the exact depth to restore after a temporary release of
// the read/write mutex. The zero token restores nothing.
type DropToken struct {
	ds    *Dataset
	owner uint64
	depth int
}

// lockRoot walks the delegation chain to the dataset owning the mutex. The
// parent must outlive its children; a closed parent here means that
// invariant was broken by the caller.
func (ds *Dataset) lockRoot() *Dataset {
	root := ds
	for root.parent != nil {
		root = root.parent
		if root.closed {
			panic("rastr: lock delegation to a closed parent dataset")
		}
	}
	return root
}

// EnterReadWrite serializes mutation-sensitive access. It reports whether
// the lock was actually engaged; callers pass the result to LeaveReadWrite.
//
// Not engaged when: the dataset (or its delegation root) is read-only, the
// process-wide switch disabled coordination for this dataset, no write-mode
// entry has yet forced the lazy decision, or acquisition timed out (a soft
// failure; proceeding without the lock beats deadlocking indefinitely).
//
// The very first acquisition by a session in read mode releases the mutex,
// drains every band cache's pending write-backs, and re-acquires: a pure
// reader must not block forever behind an asynchronous flush that is itself
// waiting on this mutex.
func (ds *Dataset) EnterReadWrite(s *Session, mode IOMode) bool {
	root := ds.lockRoot()
	if root.access != UpdateAccess {
		return false
	}
	l := &root.lock

	l.mu.Lock()
	if l.state == rwUnknown {
		if mode != IOWrite {
			l.mu.Unlock()
			return false
		}
		if ReadWriteMutexEnabled() {
			l.state = rwAllowed
		} else {
			l.state = rwDisabled
		}
	}
	if l.state == rwDisabled {
		l.mu.Unlock()
		return false
	}
	if l.lock == nil {
		l.lock = reclock.New()
	}
	mutex := l.lock
	l.mu.Unlock()

	timeout := acquireTimeout()
	if !mutex.Acquire(s.id, timeout) {
		slog.Warn("rastr: read/write mutex acquisition timed out; proceeding unlocked",
			"dataset", root.description, "timeout", timeout)
		return false
	}

	l.mu.Lock()
	first := l.taken[s.id] == 0
	l.taken[s.id]++
	l.mu.Unlock()

	if first && mode == IORead {
		// Drop the mutex while draining so the flush worker can make
		// progress if it needs this same lock.
		mutex.Release(s.id)
		for _, band := range root.bands {
			band.cache.WaitPending()
		}
		if !mutex.Acquire(s.id, timeout) {
			l.mu.Lock()
			l.taken[s.id]--
			l.mu.Unlock()
			slog.Warn("rastr: read/write mutex re-acquisition after drain timed out",
				"dataset", root.description)
			return false
		}
	}
	return true
}

// LeaveReadWrite undoes one engaged EnterReadWrite.
func (ds *Dataset) LeaveReadWrite(s *Session) {
	root := ds.lockRoot()
	l := &root.lock

	l.mu.Lock()
	l.taken[s.id]--
	if l.taken[s.id] <= 0 {
		delete(l.taken, s.id)
	}
	mutex := l.lock
	l.mu.Unlock()

	mutex.Release(s.id)
}

// TemporarilyDropReadWriteLock fully releases the session's hold on the
// mutex, whatever its current nesting depth, so a blocking sub-operation
// can run without deadlocking a re-entry from another call stack. The
// returned token restores exactly that depth via ReacquireReadWriteLock.
func (ds *Dataset) TemporarilyDropReadWriteLock(s *Session) DropToken {
	root := ds.lockRoot()
	l := &root.lock

	l.mu.Lock()
	depth := l.taken[s.id]
	mutex := l.lock
	l.mu.Unlock()

	if depth == 0 || mutex == nil {
		return DropToken{}
	}
	for i := 0; i < depth; i++ {
		mutex.Release(s.id)
	}
	return DropToken{ds: root, owner: s.id, depth: depth}
}

// ReacquireReadWriteLock restores the hold captured by a DropToken.
func (ds *Dataset) ReacquireReadWriteLock(token DropToken) {
	if token.depth == 0 {
		return
	}
	root := ds.lockRoot()
	l := &root.lock

	l.mu.Lock()
	mutex := l.lock
	l.mu.Unlock()

	timeout := acquireTimeout()
	for i := 0; i < token.depth; i++ {
		if !mutex.Acquire(token.owner, timeout) {
			slog.Warn("rastr: read/write mutex re-acquisition timed out",
				"dataset", root.description, "restored", i, "wanted", token.depth)
			l.mu.Lock()
			l.taken[token.owner] = i
			l.mu.Unlock()
			return
		}
	}
}

// DisableReadWriteMutex force-transitions the coordination state to
// disabled. Composite or derived datasets call this when they can prove
// serialization is unnecessary or counter-productive for their access
// pattern. Forwards to the delegation root.
func (ds *Dataset) DisableReadWriteMutex() {
	root := ds.lockRoot()
	l := &root.lock

	l.mu.Lock()
	l.state = rwDisabled
	l.mu.Unlock()
}

// takenCount reports the session's current acquisition depth on the
// delegation root. Test instrumentation.
func (ds *Dataset) takenCount(s *Session) int {
	root := ds.lockRoot()
	l := &root.lock
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.taken[s.id]
}
