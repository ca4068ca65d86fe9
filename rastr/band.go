package rastr

import (
	"errors"
	"fmt"

	"github.com/openterra/rastr/internal/blockcache"
)

// -----------------------------------------------------------------------------
// Band
// -----------------------------------------------------------------------------

// Band is one raster channel owned by exactly one dataset. Its lifetime is
// bounded by the owning dataset's lifetime.
type Band struct {
	ds    *Dataset
	index int // 1-based

	dtype       DataType
	blockWidth  int
	blockHeight int

	// maskIndex references the band acting as validity mask (lookup, not
	// ownership). 0 means the synthetic all-valid mask.
	maskIndex  int
	hasPalette bool

	// privateOverviews counts per-band precomputed reductions. Bands with
	// private overviews are excluded from grouped resampling, which would
	// otherwise skip them.
	privateOverviews int

	source BlockSource
	cache  *blockcache.Cache
}

func newBand(ds *Dataset, index int, desc BandDescriptor) (*Band, error) {
	if desc.DataType == Unknown {
		return nil, errors.New("band data type is required")
	}
	if desc.BlockWidth <= 0 || desc.BlockHeight <= 0 {
		return nil, fmt.Errorf("invalid block size %dx%d", desc.BlockWidth, desc.BlockHeight)
	}
	if desc.Source == nil {
		return nil, errors.New("band requires a block source")
	}
	if desc.MaskBand < 0 || desc.MaskBand > ds.structure.BandCount {
		return nil, fmt.Errorf("mask band %d out of range", desc.MaskBand)
	}

	b := &Band{
		ds:               ds,
		index:            index,
		dtype:            desc.DataType,
		blockWidth:       desc.BlockWidth,
		blockHeight:      desc.BlockHeight,
		maskIndex:        desc.MaskBand,
		hasPalette:       desc.HasPalette,
		privateOverviews: len(desc.Overviews),
		source:           desc.Source,
	}

	max := desc.CacheBlocks
	if max <= 0 {
		max = defaultCachePerBand
	}
	var flush blockcache.Flusher
	if ds.access == UpdateAccess {
		flush = b.source.WriteBlock
	}
	b.cache = blockcache.New(max, flush)
	return b, nil
}

// Index returns the band's 1-based position in its dataset.
func (b *Band) Index() int { return b.index }

// DataType returns the pixel type.
func (b *Band) DataType() DataType { return b.dtype }

// BlockSize returns the tile dimensions.
func (b *Band) BlockSize() (w, h int) { return b.blockWidth, b.blockHeight }

// HasPalette reports an attached color table.
func (b *Band) HasPalette() bool { return b.hasPalette }

// AllValidMask reports whether the band's mask is the synthetic all-valid
// view rather than a real side-band.
func (b *Band) AllValidMask() bool { return b.maskIndex == 0 }

// MaskBand returns the band serving as validity mask, or nil for the
// all-valid mask.
func (b *Band) MaskBand() *Band {
	if b.maskIndex == 0 {
		return nil
	}
	return b.ds.bands[b.maskIndex-1]
}

// blockLen returns the byte length of one full tile.
func (b *Band) blockLen() int {
	return b.blockWidth * b.blockHeight * b.dtype.Size()
}

// loadBlock returns the tile at (bx, by), from cache or the driver source.
func (b *Band) loadBlock(bx, by int) ([]byte, error) {
	if data, ok := b.cache.Get(bx, by); ok {
		return data, nil
	}
	data := make([]byte, b.blockLen())
	if err := b.source.ReadBlock(bx, by, data); err != nil {
		return nil, fmt.Errorf("read block (%d,%d) of band %d: %w", bx, by, b.index, err)
	}
	b.cache.Add(bx, by, data, false)
	return data, nil
}

// readWindow copies the window into dst laid out window.Width x
// window.Height, one pixel of b.dtype per cell.
func (b *Band) readWindow(window Window, dst []byte) error {
	px := b.dtype.Size()
	bw, bh := b.blockWidth, b.blockHeight

	bx0, bx1 := window.X/bw, (window.X+window.Width-1)/bw
	by0, by1 := window.Y/bh, (window.Y+window.Height-1)/bh

	for by := by0; by <= by1; by++ {
		for bx := bx0; bx <= bx1; bx++ {
			block, err := b.loadBlock(bx, by)
			if err != nil {
				return err
			}
			copyBlockRegion(block, window, bx, by, bw, bh, px, dst, false)
		}
	}
	return nil
}

// writeWindow copies src (window-shaped) into the covered blocks via the
// cache, marking them dirty. Partially covered edge blocks are loaded first
// so unwritten pixels survive.
func (b *Band) writeWindow(window Window, src []byte) error {
	px := b.dtype.Size()
	bw, bh := b.blockWidth, b.blockHeight

	bx0, bx1 := window.X/bw, (window.X+window.Width-1)/bw
	by0, by1 := window.Y/bh, (window.Y+window.Height-1)/bh

	for by := by0; by <= by1; by++ {
		for bx := bx0; bx <= bx1; bx++ {
			block, err := b.loadBlock(bx, by)
			if err != nil {
				return err
			}
			copyBlockRegion(block, window, bx, by, bw, bh, px, src, true)
			b.cache.MarkDirty(bx, by)
		}
	}
	return nil
}

// copyBlockRegion moves the intersection of a window and one block between
// the block buffer and a window-shaped buffer. reverse=false copies block
// to window buffer (read); reverse=true copies window buffer into the block
// (write).
func copyBlockRegion(block []byte, window Window, bx, by, bw, bh, px int, winBuf []byte, reverse bool) {
	// Intersection in source-space coordinates.
	x0 := maxInt(window.X, bx*bw)
	y0 := maxInt(window.Y, by*bh)
	x1 := minInt(window.X+window.Width, (bx+1)*bw)
	y1 := minInt(window.Y+window.Height, (by+1)*bh)

	rowLen := (x1 - x0) * px
	for y := y0; y < y1; y++ {
		blockOff := ((y-by*bh)*bw + (x0 - bx*bw)) * px
		winOff := ((y-window.Y)*window.Width + (x0 - window.X)) * px
		if reverse {
			copy(block[blockOff:blockOff+rowLen], winBuf[winOff:winOff+rowLen])
		} else {
			copy(winBuf[winOff:winOff+rowLen], block[blockOff:blockOff+rowLen])
		}
	}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
