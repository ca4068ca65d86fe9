package rastr

import "context"

// -----------------------------------------------------------------------------
// Open options
// -----------------------------------------------------------------------------

type openConfig struct {
	ctx     context.Context
	access  Access
	shared  bool
	drivers []string
	options []KV
}

// OpenOption configures one Open call.
type OpenOption interface {
	applyOpen(*openConfig)
}

type openOptionFunc func(*openConfig)

func (f openOptionFunc) applyOpen(cfg *openConfig) { f(cfg) }

// Update opens the dataset for mutation. Default: read-only.
func Update() OpenOption {
	return openOptionFunc(func(cfg *openConfig) { cfg.access = UpdateAccess })
}

// Shared requests shared semantics: an identical open (same name, access and
// option list) on the same session returns the same reference-incremented
// dataset object instead of re-opening it.
func Shared() OpenOption {
	return openOptionFunc(func(cfg *openConfig) { cfg.shared = true })
}

// Drivers restricts the open to the named drivers, tried in registration
// order. An empty list (the default) allows every registered driver.
func Drivers(names ...string) OpenOption {
	return openOptionFunc(func(cfg *openConfig) { cfg.drivers = names })
}

// Option appends one key/value open option. Order matters: the shared-open
// identity concatenates options in the order given.
func Option(key, value string) OpenOption {
	return openOptionFunc(func(cfg *openConfig) {
		cfg.options = append(cfg.options, KV{Key: key, Value: value})
	})
}

// WithContext supplies the context passed to the driver's open routine.
func WithContext(ctx context.Context) OpenOption {
	return openOptionFunc(func(cfg *openConfig) { cfg.ctx = ctx })
}

// -----------------------------------------------------------------------------
// I/O options
// -----------------------------------------------------------------------------

type ioConfig struct {
	bands    []int
	alg      ResampleAlg
	progress ProgressFn
	session  *Session
}

// IOOption configures one Read, Write or IO call.
type IOOption interface {
	applyIO(*ioConfig)
}

type ioOptionFunc func(*ioConfig)

func (f ioOptionFunc) applyIO(cfg *ioConfig) { f(cfg) }

// Bands selects the 1-based band indices to transfer, in buffer-plane
// order. Default: all bands.
func Bands(indices ...int) IOOption {
	return ioOptionFunc(func(cfg *ioConfig) { cfg.bands = indices })
}

// Resampling selects the algorithm used when the buffer shape differs from
// the window. Default: Nearest.
func Resampling(alg ResampleAlg) IOOption {
	return ioOptionFunc(func(cfg *ioConfig) { cfg.alg = alg })
}

// WithProgress installs a progress callback. Returning false from the
// callback cancels remaining bands; completed bands are not undone.
func WithProgress(fn ProgressFn) IOOption {
	return ioOptionFunc(func(cfg *ioConfig) { cfg.progress = fn })
}

// WithSession names the session performing the transfer, for callers
// driving one dataset from a goroutine other than the opening one. Default:
// the package default session.
func WithSession(s *Session) IOOption {
	return ioOptionFunc(func(cfg *ioConfig) { cfg.session = s })
}
