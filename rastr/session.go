package rastr

import (
	"strings"
	"sync/atomic"
)

// -----------------------------------------------------------------------------
// Session: explicit thread identity
// -----------------------------------------------------------------------------

// A Session represents one logical thread of control. It is the owner key
// for shared-open identity, the owner token for the recursive read/write
// mutex, and the carrier of the anti-recursion state consulted while an open
// request is being resolved.
//
// A Session must not be used from more than one goroutine at a time: create
// one Session per goroutine. Shared opens never cross sessions: the same
// name opened from two sessions yields two distinct dataset objects, because
// concurrent unsynchronized use of one dataset from multiple goroutines is
// not supported by the rest of the core.
type Session struct {
	id uint64

	// opening tracks the open requests currently being resolved on this
	// session, keyed by value so variable-length parts cannot collide.
	opening map[openGuardKey]struct{}
	depth   int
}

// openGuardKey identifies one in-flight open attempt. Compared by value; the
// driver allow-list is joined in caller order (two orders are two distinct
// attempts).
type openGuardKey struct {
	name       string
	access     Access
	driversKey string
}

var sessionIDs atomic.Uint64

// NewSession creates an independent thread-of-control identity.
func NewSession() *Session {
	return &Session{
		id:      sessionIDs.Add(1),
		opening: make(map[openGuardKey]struct{}),
	}
}

// defaultSession serves the package-level Open for single-goroutine use.
var defaultSession = NewSession()

// DefaultSession returns the session used by the package-level Open and
// Release. Programs driving datasets from multiple goroutines must create
// their own sessions instead.
func DefaultSession() *Session {
	return defaultSession
}

// guardKey builds the anti-recursion key for an open attempt.
func guardKey(name string, access Access, allowedDrivers []string) openGuardKey {
	return openGuardKey{
		name:       name,
		access:     access,
		driversKey: strings.Join(allowedDrivers, ","),
	}
}

// enterOpen registers an in-flight open attempt. It reports false when the
// identical attempt is already being resolved on this session, which means
// a driver's open routine has cycled back into itself.
func (s *Session) enterOpen(key openGuardKey) bool {
	if _, inFlight := s.opening[key]; inFlight {
		return false
	}
	s.opening[key] = struct{}{}
	s.depth++
	return true
}

// leaveOpen unwinds enterOpen. Called via defer so guard state never leaks,
// including on error paths.
func (s *Session) leaveOpen(key openGuardKey) {
	delete(s.opening, key)
	s.depth--
}

// OpenDepth reports how many open requests are currently being resolved on
// this session. Zero whenever no open is in flight.
func (s *Session) OpenDepth() int {
	return s.depth
}
