package rastr

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/paulmach/orb"
)

// -----------------------------------------------------------------------------
// Dataset
// -----------------------------------------------------------------------------

// Dataset is an open handle onto a raster source. It owns its bands and,
// unless it delegates to a parent, the read/write coordination mutex.
//
// Reference, Dereference and ReleaseRef are intentionally plain counter
// arithmetic with no locking; callers must not invoke them concurrently on
// one object without their own synchronization. A dataset is expected to
// have a single owning session mutating its cursor-like state; the
// read/write mutex only protects block-cache consistency across goroutines.
type Dataset struct {
	description string
	access      Access
	options     []KV
	instanceID  string

	structure    Structure
	geoTransform [6]float64
	bands        []*Band
	overviews    OverviewProvider

	// parent, when non-nil, receives all lock traffic. It must outlive
	// this dataset.
	parent *Dataset

	onClose func() error

	refCount int
	shared   bool
	closed   bool
	ownerID  uint64

	lock  dsLock
	stats ioStats
}

// ioStats counts which dispatch path served each request. Read by tests and
// by callers profiling access patterns; not synchronized beyond the
// read/write mutex.
type ioStats struct {
	blockPath   int
	overviewHit int
	groupedPath int
	perBandPath int
}

// NewDataset constructs a dataset from a driver-populated descriptor. The
// extent and band list must be complete; the core never calls back into the
// driver to amend them.
func NewDataset(desc DatasetDescriptor) (*Dataset, error) {
	if desc.Width <= 0 || desc.Height <= 0 {
		return nil, fmt.Errorf("rastr: invalid raster extent %dx%d", desc.Width, desc.Height)
	}
	if len(desc.Bands) == 0 {
		return nil, errors.New("rastr: dataset requires at least one band")
	}

	ds := &Dataset{
		description:  desc.Description,
		access:       desc.Access,
		options:      desc.OpenOptions,
		instanceID:   uuid.NewString(),
		geoTransform: desc.GeoTransform,
		overviews:    desc.Overviews,
		parent:       desc.Parent,
		onClose:      desc.OnClose,
	}
	ds.lock.init()

	first := desc.Bands[0]
	ds.structure = Structure{
		Width:            desc.Width,
		Height:           desc.Height,
		BandCount:        len(desc.Bands),
		DataType:         first.DataType,
		BlockWidth:       first.BlockWidth,
		BlockHeight:      first.BlockHeight,
		PixelInterleaved: desc.PixelInterleaved,
	}

	for i, bd := range desc.Bands {
		band, err := newBand(ds, i+1, bd)
		if err != nil {
			return nil, fmt.Errorf("rastr: band %d: %w", i+1, err)
		}
		ds.bands = append(ds.bands, band)
	}

	datasetRegistry().register(ds, 0)
	return ds, nil
}

// Description returns the dataset's display name, the string component of
// its shared-open identity.
func (ds *Dataset) Description() string { return ds.description }

// Access returns the open mode.
func (ds *Dataset) Access() Access { return ds.access }

// Shared reports whether the dataset participates in the shared-open index.
func (ds *Dataset) Shared() bool { return ds.shared }

// InstanceID returns the unique identity of this handle, surfaced by
// DumpOpenDatasets.
func (ds *Dataset) InstanceID() string { return ds.instanceID }

// Structure returns the dataset's fixed shape.
func (ds *Dataset) Structure() Structure { return ds.structure }

// GeoTransform returns the affine pixel-to-georeferenced transform.
func (ds *Dataset) GeoTransform() [6]float64 { return ds.geoTransform }

// Bounds returns the georeferenced envelope of the raster extent.
func (ds *Dataset) Bounds() orb.Bound {
	return boundsFromGeoTransform(ds.geoTransform, ds.structure.Width, ds.structure.Height)
}

// SetOverviews installs the overview provider consulted for decimated
// multi-band reads. Drivers that build overview structures after base
// construction (the provider usually references the base dataset) call this
// once before handing the dataset out.
func (ds *Dataset) SetOverviews(p OverviewProvider) { ds.overviews = p }

// Bands returns all bands, ordered by index.
func (ds *Dataset) Bands() []*Band { return ds.bands }

// Band returns the band with the given 1-based index.
func (ds *Dataset) Band(index int) (*Band, error) {
	if index < 1 || index > len(ds.bands) {
		return nil, fmt.Errorf("%w: %d of %d", ErrInvalidBand, index, len(ds.bands))
	}
	return ds.bands[index-1], nil
}

// sharedKey computes this dataset's shared-open identity for an owner.
func (ds *Dataset) sharedKey(owner uint64) sharedKey {
	return sharedKey{
		description: ds.description,
		access:      ds.access,
		options:     optionsJoined(ds.options),
		owner:       owner,
	}
}

// -----------------------------------------------------------------------------
// Reference counting
// -----------------------------------------------------------------------------

// Reference increments the reference count and returns the new count.
func (ds *Dataset) Reference() int {
	ds.refCount++
	return ds.refCount
}

// Dereference decrements the reference count and returns the new count. It
// never destroys the dataset; pair with ReleaseRef or Release for that.
func (ds *Dataset) Dereference() int {
	ds.refCount--
	return ds.refCount
}

// RefCount returns the current reference count.
func (ds *Dataset) RefCount() int { return ds.refCount }

// ReleaseRef decrements the reference count and, if it reaches zero,
// finalizes the dataset and reports true. The closed flag makes the
// finalizer idempotent, so destruction never re-examines the counter.
func (ds *Dataset) ReleaseRef() (bool, error) {
	if ds.Dereference() <= 0 {
		return true, ds.Close()
	}
	return false, nil
}

// Release closes a handle obtained from Open. Shared handles are
// dereferenced and only finalized when the last reference goes away;
// non-shared handles are always finalized.
func (ds *Dataset) Release() error {
	if ds.shared {
		if ds.Dereference() > 0 {
			return nil
		}
	}
	return ds.Close()
}

// markAsShared enters the dataset into the shared-open index under its own
// identity. On a duplicate key the pre-existing entry stays authoritative
// and this dataset remains unshared.
func (ds *Dataset) markAsShared(owner uint64) {
	ds.ownerID = owner
	if datasetRegistry().markShared(ds, owner) {
		ds.shared = true
	}
}

// Close is the idempotent finalizer: the first call unregisters the dataset
// from the registry (using the pre-mutation identity key), drains and
// flushes every band's block cache, and chains the driver's close hook.
// Subsequent calls return nil without side effects.
//
// Most callers should use Release; Close is exported for drivers that embed
// datasets and need to chain finalization.
func (ds *Dataset) Close() error {
	if ds.closed {
		return nil
	}
	// Unregister before mutating any state that feeds the identity key.
	datasetRegistry().unregister(ds)
	ds.closed = true
	ds.shared = false

	var firstErr error
	for _, band := range ds.bands {
		if err := band.cache.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if ds.onClose != nil {
		if err := ds.onClose(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Closed reports whether the finalizer has run.
func (ds *Dataset) Closed() bool { return ds.closed }

// FlushCache synchronously writes back every dirty cached block of every
// band. Blocks stay resident.
func (ds *Dataset) FlushCache() error {
	if ds.closed {
		return ErrClosed
	}
	var firstErr error
	for _, band := range ds.bands {
		if err := band.cache.Flush(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
