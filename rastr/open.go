package rastr

import (
	"context"
	"fmt"
	"sync"
)

// -----------------------------------------------------------------------------
// Driver registration
// -----------------------------------------------------------------------------

var (
	driversMu         sync.Mutex
	registeredDrivers []Driver
)

// RegisterDriver adds a driver to the process-wide driver list. Drivers are
// consulted in registration order. Registering two drivers with the same
// name replaces the earlier one.
func RegisterDriver(d Driver) {
	driversMu.Lock()
	defer driversMu.Unlock()
	for i, existing := range registeredDrivers {
		if existing.Name() == d.Name() {
			registeredDrivers[i] = d
			return
		}
	}
	registeredDrivers = append(registeredDrivers, d)
}

// DriverByName returns a registered driver, or nil.
func DriverByName(name string) Driver {
	driversMu.Lock()
	defer driversMu.Unlock()
	for _, d := range registeredDrivers {
		if d.Name() == name {
			return d
		}
	}
	return nil
}

// resolveDriver picks the first driver (honoring the allow-list) that
// recognizes the name.
func resolveDriver(name string, allowed []string) (Driver, error) {
	driversMu.Lock()
	candidates := make([]Driver, len(registeredDrivers))
	copy(candidates, registeredDrivers)
	driversMu.Unlock()

	allowedSet := map[string]bool{}
	for _, a := range allowed {
		allowedSet[a] = true
	}

	for _, d := range candidates {
		if len(allowed) > 0 && !allowedSet[d.Name()] {
			continue
		}
		if d.CanOpen(name) {
			return d, nil
		}
	}
	return nil, fmt.Errorf("%w: %q", ErrNoDriver, name)
}

// -----------------------------------------------------------------------------
// Open / Release
// -----------------------------------------------------------------------------

// Open resolves a dataset on the package default session. Programs opening
// datasets from multiple goroutines must use per-goroutine sessions:
//
//	s := rastr.NewSession()
//	ds, err := s.Open(name, opts...)
func Open(name string, opts ...OpenOption) (*Dataset, error) {
	return defaultSession.Open(name, opts...)
}

// Open resolves or creates a dataset object for name on this session.
//
// With Shared(), an identical open already live on this session returns the
// same object with its reference count incremented; otherwise the matched
// driver performs one physical open and the result is entered into the
// shared index. Opens of the same name on two different sessions always
// yield two distinct objects.
//
// An open request that cycles back into itself from within a driver's open
// routine fails with ErrRecursiveOpen; the guard state is unwound on every
// exit path, so a subsequent unrelated open is unaffected.
func (s *Session) Open(name string, opts ...OpenOption) (*Dataset, error) {
	cfg := openConfig{ctx: context.Background(), access: ReadOnly}
	for _, opt := range opts {
		opt.applyOpen(&cfg)
	}

	key := guardKey(name, cfg.access, cfg.drivers)
	if !s.enterOpen(key) {
		return nil, fmt.Errorf("%w: %q (%s)", ErrRecursiveOpen, name, cfg.access)
	}
	defer s.leaveOpen(key)

	if cfg.shared {
		identity := sharedKey{
			description: name,
			access:      cfg.access,
			options:     optionsJoined(cfg.options),
			owner:       s.id,
		}
		if ds := datasetRegistry().resolveShared(identity); ds != nil {
			ds.Reference()
			return ds, nil
		}
	}

	driver, err := resolveDriver(name, cfg.drivers)
	if err != nil {
		return nil, err
	}

	ds, err := driver.Open(cfg.ctx, &OpenRequest{
		Name:    name,
		Access:  cfg.access,
		Options: cfg.options,
		Session: s,
	})
	if err != nil {
		return nil, fmt.Errorf("rastr: driver %s: open %q: %w", driver.Name(), name, err)
	}
	if ds == nil {
		return nil, fmt.Errorf("rastr: driver %s: nil dataset for %q", driver.Name(), name)
	}

	// The open identity key is computed from the dataset's own fields;
	// align them with the request so Resolve and markShared agree.
	ds.description = name
	ds.access = cfg.access
	ds.options = cfg.options
	datasetRegistry().register(ds, s.id)
	ds.Reference()

	if cfg.shared {
		// No registry lock is held across the driver open above, so a
		// duplicate here means two opens raced on this session, a caller
		// contract violation. markShared reports it; the earlier entry
		// stays authoritative and this object remains unshared.
		ds.markAsShared(s.id)
	}
	return ds, nil
}

// Release closes a handle obtained from Open on the default session.
func Release(ds *Dataset) error {
	return ds.Release()
}
