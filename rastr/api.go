// Package rastr is the runtime core of a raster data-access engine: open
// dataset handles, their identity and sharing, reference-counted lifecycle,
// cross-goroutine read/write coordination, and the dispatch of pixel I/O
// across base resolution, precomputed overviews, and on-the-fly resampling.
//
// Rastr sits between format drivers (which decode a particular file or
// protocol) and the application. It does not implement format encodings,
// attribute query execution, or coordinate-system machinery; those are
// collaborators behind the interfaces defined here.
package rastr

import (
	"context"
	"fmt"
	"strings"

	"github.com/paulmach/orb"
)

// -----------------------------------------------------------------------------
// Core types
// -----------------------------------------------------------------------------

// DataType identifies the pixel type of a band or buffer.
type DataType int

const (
	// Unknown is the zero DataType and is never valid in a descriptor.
	Unknown DataType = iota
	Byte
	UInt16
	Int16
	UInt32
	Int32
	Float32
	Float64
	// CFloat32 and CFloat64 are complex pairs (real, imaginary).
	CFloat32
	CFloat64
)

// Size returns the size of one pixel of this type in bytes.
func (dt DataType) Size() int {
	switch dt {
	case Byte:
		return 1
	case UInt16, Int16:
		return 2
	case UInt32, Int32, Float32:
		return 4
	case Float64, CFloat32:
		return 8
	case CFloat64:
		return 16
	default:
		return 0
	}
}

// IsComplex reports whether the type carries an imaginary component.
func (dt DataType) IsComplex() bool {
	return dt == CFloat32 || dt == CFloat64
}

// String returns the conventional name of the type.
func (dt DataType) String() string {
	switch dt {
	case Byte:
		return "Byte"
	case UInt16:
		return "UInt16"
	case Int16:
		return "Int16"
	case UInt32:
		return "UInt32"
	case Int32:
		return "Int32"
	case Float32:
		return "Float32"
	case Float64:
		return "Float64"
	case CFloat32:
		return "CFloat32"
	case CFloat64:
		return "CFloat64"
	default:
		return "Unknown"
	}
}

// ParseDataType resolves the conventional type name (as produced by
// DataType.String, case-insensitively).
func ParseDataType(s string) (DataType, error) {
	for dt := Byte; dt <= CFloat64; dt++ {
		if strings.EqualFold(s, dt.String()) {
			return dt, nil
		}
	}
	return Unknown, fmt.Errorf("rastr: unknown data type %q", s)
}

// Access is the open mode of a dataset.
type Access int

const (
	// ReadOnly datasets reject Write and never engage the read/write mutex.
	ReadOnly Access = iota
	// UpdateAccess datasets accept Write and serialize block-cache access.
	UpdateAccess
)

func (a Access) String() string {
	if a == UpdateAccess {
		return "update"
	}
	return "read-only"
}

// IOMode distinguishes read from write transfers.
type IOMode int

const (
	IORead IOMode = iota
	IOWrite
)

// ResampleAlg selects the decimation algorithm for reads whose output shape
// differs from the source window.
type ResampleAlg int

const (
	// Nearest picks the nearest source pixel. It is the default and never
	// routes through the grouped-resampling path.
	Nearest ResampleAlg = iota
	// Average averages all source pixels covered by an output pixel.
	Average
	// Bilinear interpolates the four nearest source pixels.
	Bilinear
)

func (r ResampleAlg) String() string {
	switch r {
	case Average:
		return "average"
	case Bilinear:
		return "bilinear"
	default:
		return "nearest"
	}
}

// Window is a pixel-aligned region of a raster in source space.
type Window struct {
	X, Y          int // offset of the upper-left corner, in pixels
	Width, Height int // size, in pixels
}

// Empty reports whether the window covers zero pixels. Empty windows are a
// silent no-op for I/O, not an error.
func (w Window) Empty() bool {
	return w.Width <= 0 || w.Height <= 0
}

// within reports whether the window lies fully inside a raster of the given
// extent.
func (w Window) within(width, height int) bool {
	return w.X >= 0 && w.Y >= 0 &&
		w.Width <= width-w.X && w.Height <= height-w.Y
}

// Structure describes the fixed shape of an open dataset.
type Structure struct {
	Width, Height int
	BandCount     int
	DataType      DataType
	BlockWidth    int
	BlockHeight   int
	// PixelInterleaved reports that the underlying layout stores all bands
	// of one pixel adjacently; the dispatcher exploits this for 1:1 copies.
	PixelInterleaved bool
}

// ProgressFn reports completion in [0,1]. Returning false cancels the
// remaining work; completed portions are not undone.
type ProgressFn func(complete float64) bool

// ScaledProgress returns a ProgressFn that maps [0,1] of a sub-operation
// onto [from,to] of the parent callback. A nil parent yields nil.
func ScaledProgress(parent ProgressFn, from, to float64) ProgressFn {
	if parent == nil {
		return nil
	}
	return func(complete float64) bool {
		return parent(from + complete*(to-from))
	}
}

// -----------------------------------------------------------------------------
// Driver collaborators
// -----------------------------------------------------------------------------

// Driver opens datasets for one format or protocol. Implementations are
// registered with RegisterDriver and matched by name prefix or content.
//
// The core calls Open at most once per physical open attempt and relies on
// the driver to fully populate the returned descriptor (extent, bands)
// before returning.
type Driver interface {
	// Name is the short driver identifier used in allow-lists.
	Name() string

	// CanOpen reports whether this driver recognizes the dataset name.
	// It must be cheap and must not open the target.
	CanOpen(name string) bool

	// Open decodes the target and returns a populated dataset. Nested
	// opens issued from inside Open must go through req.Session so the
	// anti-recursion guard can see them.
	Open(ctx context.Context, req *OpenRequest) (*Dataset, error)
}

// OpenRequest carries one physical open attempt to a driver.
type OpenRequest struct {
	Name    string
	Access  Access
	Options []KV
	Session *Session
}

// KV is one ordered open option. Option order is preserved: the shared-open
// identity key concatenates options in the order given.
type KV struct {
	Key, Value string
}

// BlockSource is the per-band pixel supplier implemented by drivers. Blocks
// are fixed-size tiles; edge blocks are padded to full size.
type BlockSource interface {
	// ReadBlock fills dst (BlockWidth*BlockHeight*DataType.Size() bytes)
	// with the tile at block coordinates (bx, by).
	ReadBlock(bx, by int, dst []byte) error

	// WriteBlock persists the tile at (bx, by) from src.
	WriteBlock(bx, by int, src []byte) error
}

// OverviewProvider is the optional dataset-level collaborator consulted for
// decimated reads before on-the-fly resampling.
type OverviewProvider interface {
	// TryRasterIO attempts to satisfy the request from a precomputed
	// lower-resolution representation. handled=false means no overview
	// applies and the caller must fall back; err is only meaningful when
	// handled is true.
	TryRasterIO(window Window, buf []byte, bufWidth, bufHeight int, bands []int, alg ResampleAlg, progress ProgressFn) (handled bool, err error)
}

// -----------------------------------------------------------------------------
// Descriptors (driver -> core construction)
// -----------------------------------------------------------------------------

// BandDescriptor describes one band at dataset construction time.
type BandDescriptor struct {
	DataType    DataType
	BlockWidth  int
	BlockHeight int
	Source      BlockSource

	// HasPalette marks a band with an attached color table; such bands are
	// excluded from grouped resampling.
	HasPalette bool

	// MaskBand is the 1-based index of another band acting as this band's
	// validity mask, or 0 for the synthetic all-valid mask.
	MaskBand int

	// Overviews lists per-band precomputed reductions, finest first. Bands
	// with private overviews are excluded from grouped resampling (the
	// group path would skip them).
	Overviews []BandDescriptor

	// CacheBlocks bounds the per-band block cache; 0 selects the default.
	CacheBlocks int
}

// DatasetDescriptor is what a driver hands to NewDataset.
type DatasetDescriptor struct {
	Description      string
	Access           Access
	OpenOptions      []KV
	Width, Height    int
	Bands            []BandDescriptor
	PixelInterleaved bool

	// GeoTransform is the affine transform from pixel to georeferenced
	// space, in the usual six-coefficient order.
	GeoTransform [6]float64

	// Overviews, when non-nil, is consulted for decimated multi-band reads.
	Overviews OverviewProvider

	// Parent, when non-nil, makes this dataset delegate all read/write
	// locking to the parent. The parent must outlive this dataset.
	Parent *Dataset

	// OnClose is chained into the idempotent Close finalizer, after caches
	// are flushed.
	OnClose func() error
}

// boundsFromGeoTransform computes the georeferenced envelope of a raster
// extent under an affine transform.
func boundsFromGeoTransform(gt [6]float64, width, height int) orb.Bound {
	corner := func(px, py float64) orb.Point {
		return orb.Point{
			gt[0] + px*gt[1] + py*gt[2],
			gt[3] + px*gt[4] + py*gt[5],
		}
	}
	b := orb.MultiPoint{
		corner(0, 0),
		corner(float64(width), 0),
		corner(0, float64(height)),
		corner(float64(width), float64(height)),
	}.Bound()
	return b
}
