package rastr

import (
	"fmt"
)

// -----------------------------------------------------------------------------
// Raster I/O dispatcher
// -----------------------------------------------------------------------------

// Read transfers pixels from the window into buf, shaped bufWidth x
// bufHeight per band (band-sequential planes, one per requested band, each
// in the band's data type, little-endian). A buffer shape smaller than the
// window decimates; Resampling selects the algorithm.
func (ds *Dataset) Read(window Window, buf []byte, bufWidth, bufHeight int, opts ...IOOption) error {
	return ds.IO(IORead, window, buf, bufWidth, bufHeight, opts...)
}

// Write transfers pixels from buf into the window. The dataset must be open
// for update. A buffer shape smaller than the window replicates.
func (ds *Dataset) Write(window Window, buf []byte, bufWidth, bufHeight int, opts ...IOOption) error {
	return ds.IO(IOWrite, window, buf, bufWidth, bufHeight, opts...)
}

// AdviseRead validates a planned read without performing it, using the same
// checks as the I/O path. Drivers that prefetch may hook this later.
func (ds *Dataset) AdviseRead(window Window, bufWidth, bufHeight int, opts ...IOOption) error {
	cfg := ds.ioConfig(opts)
	_, _, err := ds.validateIO(window, bufWidth, bufHeight, cfg.bands)
	return err
}

func (ds *Dataset) ioConfig(opts []IOOption) ioConfig {
	cfg := ioConfig{alg: Nearest, session: defaultSession}
	for _, opt := range opts {
		opt.applyIO(&cfg)
	}
	return cfg
}

// validateIO applies the shared validation rules: an empty window is a
// silent no-op (silent=true), a window outside the raster extent or a band
// index out of range is a usage error. Returns the effective band list.
func (ds *Dataset) validateIO(window Window, bufWidth, bufHeight int, bands []int) (effective []int, silent bool, err error) {
	if ds.closed {
		return nil, false, ErrClosed
	}
	if window.Empty() {
		return nil, true, nil
	}
	if !window.within(ds.structure.Width, ds.structure.Height) {
		return nil, false, fmt.Errorf("%w: window %+v on %dx%d raster",
			ErrWindow, window, ds.structure.Width, ds.structure.Height)
	}
	if bufWidth <= 0 || bufHeight <= 0 {
		return nil, false, fmt.Errorf("%w: buffer shape %dx%d", ErrWindow, bufWidth, bufHeight)
	}
	if len(bands) == 0 {
		effective = make([]int, len(ds.bands))
		for i := range ds.bands {
			effective[i] = i + 1
		}
	} else {
		for _, idx := range bands {
			if idx < 1 || idx > len(ds.bands) {
				return nil, false, fmt.Errorf("%w: %d of %d", ErrInvalidBand, idx, len(ds.bands))
			}
		}
		effective = bands
	}
	return effective, false, nil
}

// IO is the dispatch procedure behind Read and Write. In priority order:
//
//  1. A 1:1 multi-band transfer on a pixel-interleaved layout walks one tile
//     position at a time and moves all bands for that tile together.
//  2. A decimating, multi-band, non-nearest read is offered to the overview
//     provider; if no overview applies, compatible bands are resampled as
//     one batched group and the rest fall back band by band.
//  3. Otherwise each band transfers independently, with the progress
//     callback proportionally sliced across bands.
//
// A per-band failure aborts the call; earlier bands' writes into buf are not
// rolled back. A progress callback returning false aborts remaining bands
// with ErrCancelled.
func (ds *Dataset) IO(mode IOMode, window Window, buf []byte, bufWidth, bufHeight int, opts ...IOOption) error {
	cfg := ds.ioConfig(opts)

	bands, silent, err := ds.validateIO(window, bufWidth, bufHeight, cfg.bands)
	if err != nil {
		return err
	}
	if silent {
		return nil
	}
	if mode == IOWrite && ds.access != UpdateAccess {
		return ErrReadOnly
	}

	// Band-sequential plane offsets; planes are sized by each band's type.
	offsets := make([]int, len(bands))
	total := 0
	for i, idx := range bands {
		offsets[i] = total
		total += bufWidth * bufHeight * ds.bands[idx-1].dtype.Size()
	}
	if len(buf) < total {
		return fmt.Errorf("rastr: buffer too small: %d bytes, need %d", len(buf), total)
	}

	if engaged := ds.EnterReadWrite(cfg.session, mode); engaged {
		defer ds.LeaveReadWrite(cfg.session)
	}

	oneToOne := bufWidth == window.Width && bufHeight == window.Height
	decimating := bufWidth < window.Width && bufHeight < window.Height

	switch {
	case oneToOne && len(bands) > 1 && ds.structure.PixelInterleaved:
		ds.stats.blockPath++
		if err := ds.blockInterleavedIO(mode, window, buf, offsets, bands); err != nil {
			return err
		}
		return reportDone(cfg.progress)

	case mode == IORead && cfg.alg != Nearest && decimating && len(bands) > 1:
		if ds.overviews != nil {
			handled, oerr := ds.overviews.TryRasterIO(window, buf, bufWidth, bufHeight, bands, cfg.alg, cfg.progress)
			if handled {
				ds.stats.overviewHit++
				return oerr
			}
		}
		ds.stats.groupedPath++
		return ds.groupedResampledRead(window, buf, bufWidth, bufHeight, bands, offsets, cfg.alg, cfg.progress)

	default:
		ds.stats.perBandPath++
		n := float64(len(bands))
		for i, idx := range bands {
			band := ds.bands[idx-1]
			plane := buf[offsets[i] : offsets[i]+bufWidth*bufHeight*band.dtype.Size()]
			sub := ScaledProgress(cfg.progress, float64(i)/n, float64(i+1)/n)
			if err := band.io(mode, window, plane, bufWidth, bufHeight, cfg.alg); err != nil {
				return fmt.Errorf("%w: band %d: %v", ErrIO, idx, err)
			}
			if !report(sub, 1.0) {
				return ErrCancelled
			}
		}
		return nil
	}
}

// report invokes a possibly-nil progress callback, returning false only on
// an explicit cancellation.
func report(fn ProgressFn, complete float64) bool {
	if fn == nil {
		return true
	}
	return fn(complete)
}

func reportDone(fn ProgressFn) error {
	if !report(fn, 1.0) {
		return ErrCancelled
	}
	return nil
}

// io transfers one band's window to or from a window-shaped or resampled
// plane.
func (b *Band) io(mode IOMode, window Window, plane []byte, bufWidth, bufHeight int, alg ResampleAlg) error {
	px := b.dtype.Size()
	oneToOne := bufWidth == window.Width && bufHeight == window.Height

	if mode == IORead {
		if oneToOne {
			return b.readWindow(window, plane)
		}
		src := make([]byte, window.Width*window.Height*px)
		if err := b.readWindow(window, src); err != nil {
			return err
		}
		mask, err := b.readMask(window)
		if err != nil {
			return err
		}
		resampleBand(src, window.Width, window.Height, plane, bufWidth, bufHeight, b.dtype, alg, mask)
		return nil
	}

	if oneToOne {
		return b.writeWindow(window, plane)
	}
	// Shape-changing write: replicate/decimate the buffer onto the window
	// with nearest sampling, then store.
	expanded := make([]byte, window.Width*window.Height*px)
	resampleBand(plane, bufWidth, bufHeight, expanded, window.Width, window.Height, b.dtype, Nearest, nil)
	return b.writeWindow(window, expanded)
}

// readMask materializes the band's validity mask for a window: one byte per
// pixel, nonzero = valid. A nil return means all-valid.
func (b *Band) readMask(window Window) ([]byte, error) {
	mb := b.MaskBand()
	if mb == nil {
		return nil, nil
	}
	raw := make([]byte, window.Width*window.Height*mb.dtype.Size())
	if err := mb.readWindow(window, raw); err != nil {
		return nil, fmt.Errorf("mask band %d: %w", mb.index, err)
	}
	mask := make([]byte, window.Width*window.Height)
	for i := range mask {
		if sampleAt(raw, i, mb.dtype) != 0 {
			mask[i] = 1
		}
	}
	return mask, nil
}

// blockInterleavedIO serves 1:1 multi-band transfers on pixel-interleaved
// layouts by walking one tile position at a time and moving every requested
// band for that tile before advancing, for locality.
func (ds *Dataset) blockInterleavedIO(mode IOMode, window Window, buf []byte, offsets []int, bands []int) error {
	bw := ds.structure.BlockWidth
	bh := ds.structure.BlockHeight

	bx0, bx1 := window.X/bw, (window.X+window.Width-1)/bw
	by0, by1 := window.Y/bh, (window.Y+window.Height-1)/bh

	for by := by0; by <= by1; by++ {
		for bx := bx0; bx <= bx1; bx++ {
			for i, idx := range bands {
				band := ds.bands[idx-1]
				block, err := band.loadBlock(bx, by)
				if err != nil {
					return fmt.Errorf("%w: band %d: %v", ErrIO, idx, err)
				}
				px := band.dtype.Size()
				plane := buf[offsets[i]:]
				copyBlockRegion(block, window, bx, by, bw, bh, px, plane, mode == IOWrite)
				if mode == IOWrite {
					band.cache.MarkDirty(bx, by)
				}
			}
		}
	}
	return nil
}

// IOStats is a snapshot of which dispatch paths served this dataset.
type IOStats struct {
	BlockPath   int
	OverviewHit int
	GroupedPath int
	PerBandPath int
}

// Stats returns dispatch-path counters for this dataset.
func (ds *Dataset) Stats() IOStats {
	return IOStats{
		BlockPath:   ds.stats.blockPath,
		OverviewHit: ds.stats.overviewHit,
		GroupedPath: ds.stats.groupedPath,
		PerBandPath: ds.stats.perBandPath,
	}
}
