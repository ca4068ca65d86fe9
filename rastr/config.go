package rastr

import (
	"sync"
	"time"
)

// Process-wide configuration. The read/write mutex switch is consulted once
// per dataset, on the first write-mode lock entry; the decision is then
// frozen for that dataset's lifetime (see lock.go).
var (
	configMu             sync.Mutex
	rwMutexEnabled       = true
	lockAcquireTimeout   = time.Second
	defaultCachePerBand  = 64 // blocks
	configInitialized    bool
	configInitializeOnce sync.Once
)

// initConfig performs the explicit lazy initialization of process-wide
// state. Kept separate from package init so the lifecycle is observable and
// deterministic across callers.
func initConfig() {
	configInitializeOnce.Do(func() {
		configMu.Lock()
		configInitialized = true
		configMu.Unlock()
	})
}

// SetReadWriteMutexEnabled controls whether datasets opened for update ever
// engage the read/write coordination mutex. Default: enabled. The setting is
// sampled once per dataset; changing it does not affect datasets whose state
// is already decided.
func SetReadWriteMutexEnabled(enabled bool) {
	initConfig()
	configMu.Lock()
	rwMutexEnabled = enabled
	configMu.Unlock()
}

// ReadWriteMutexEnabled reports the current process-wide switch.
func ReadWriteMutexEnabled() bool {
	initConfig()
	configMu.Lock()
	defer configMu.Unlock()
	return rwMutexEnabled
}

// SetLockAcquireTimeout adjusts the bounded wait used when entering the
// read/write mutex. A timeout is a soft failure: the caller proceeds without
// the lock rather than deadlocking. Default: one second.
func SetLockAcquireTimeout(d time.Duration) {
	initConfig()
	configMu.Lock()
	if d > 0 {
		lockAcquireTimeout = d
	}
	configMu.Unlock()
}

func acquireTimeout() time.Duration {
	initConfig()
	configMu.Lock()
	defer configMu.Unlock()
	return lockAcquireTimeout
}
