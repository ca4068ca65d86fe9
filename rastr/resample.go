package rastr

import (
	"encoding/binary"
	"fmt"
	"math"
)

// -----------------------------------------------------------------------------
// On-the-fly resampling
// -----------------------------------------------------------------------------

// groupEligible reports whether a band may participate in grouped
// resampling at all: complex values cannot be averaged, palette indices must
// not be interpolated, and a band with private overviews would have them
// skipped by the group path.
func groupEligible(b *Band) bool {
	return !b.dtype.IsComplex() && !b.hasPalette && b.privateOverviews == 0
}

// splitResampleGroup scans the requested bands and grows a compatible group
// anchored on the first band: same pixel type, group-eligible, and sharing
// the anchor's mask identity (the same mask band, or both all-valid).
// Returns the batched group and the bands left to the per-band fallback.
func (ds *Dataset) splitResampleGroup(bands []int) (group, rest []int) {
	anchor := ds.bands[bands[0]-1]
	if !groupEligible(anchor) {
		return bands[:1], bands[1:]
	}
	group = append(group, bands[0])
	for _, idx := range bands[1:] {
		b := ds.bands[idx-1]
		if groupEligible(b) && b.dtype == anchor.dtype && b.maskIndex == anchor.maskIndex {
			group = append(group, idx)
		} else {
			rest = append(rest, idx)
		}
	}
	return group, rest
}

// groupedResampledRead serves a decimating multi-band read with no
// applicable overview: the compatible group is resampled as one batched
// operation sharing a single mask read, the remaining bands go through the
// per-band fallback, and progress is weighted proportionally to each part's
// share of the total band count.
func (ds *Dataset) groupedResampledRead(window Window, buf []byte, bufWidth, bufHeight int, bands []int, offsets []int, alg ResampleAlg, progress ProgressFn) error {
	group, rest := ds.splitResampleGroup(bands)
	n := float64(len(bands))
	weight := float64(len(group)) / n

	planeFor := func(idx int) []byte {
		for i, b := range bands {
			if b == idx {
				band := ds.bands[idx-1]
				return buf[offsets[i] : offsets[i]+bufWidth*bufHeight*band.dtype.Size()]
			}
		}
		panic("rastr: band not in request")
	}

	// Batched group: one mask read shared by every member.
	groupProgress := ScaledProgress(progress, 0, weight)
	mask, err := ds.bands[group[0]-1].readMask(window)
	if err != nil {
		return fmt.Errorf("%w: band %d: %v", ErrIO, group[0], err)
	}
	for gi, idx := range group {
		band := ds.bands[idx-1]
		src := make([]byte, window.Width*window.Height*band.dtype.Size())
		if err := band.readWindow(window, src); err != nil {
			return fmt.Errorf("%w: band %d: %v", ErrIO, idx, err)
		}
		resampleBand(src, window.Width, window.Height, planeFor(idx), bufWidth, bufHeight, band.dtype, alg, mask)
		if !report(groupProgress, float64(gi+1)/float64(len(group))) {
			return ErrCancelled
		}
	}

	// Per-band fallback for the incompatible remainder.
	for ri, idx := range rest {
		band := ds.bands[idx-1]
		from := weight + float64(ri)/n
		to := weight + float64(ri+1)/n
		sub := ScaledProgress(progress, from, to)
		if err := band.io(IORead, window, planeFor(idx), bufWidth, bufHeight, alg); err != nil {
			return fmt.Errorf("%w: band %d: %v", ErrIO, idx, err)
		}
		if !report(sub, 1.0) {
			return ErrCancelled
		}
	}
	return nil
}

// resampleBand maps a srcW x srcH plane onto a dstW x dstH plane. mask,
// when non-nil, holds one validity byte per source pixel and is honored by
// Average (invalid samples are excluded). Complex types always use nearest:
// interpolating real and imaginary parts independently is not meaningful
// for the band-grouping contract, and complex bands never reach the grouped
// path anyway.
func resampleBand(src []byte, srcW, srcH int, dst []byte, dstW, dstH int, dtype DataType, alg ResampleAlg, mask []byte) {
	if dtype.IsComplex() {
		alg = Nearest
	}
	switch alg {
	case Average:
		resampleAverage(src, srcW, srcH, dst, dstW, dstH, dtype, mask)
	case Bilinear:
		resampleBilinear(src, srcW, srcH, dst, dstW, dstH, dtype)
	default:
		resampleNearest(src, srcW, srcH, dst, dstW, dstH, dtype)
	}
}

func resampleNearest(src []byte, srcW, srcH int, dst []byte, dstW, dstH int, dtype DataType) {
	px := dtype.Size()
	for y := 0; y < dstH; y++ {
		sy := clampInt((y*2+1)*srcH/(dstH*2), 0, srcH-1)
		for x := 0; x < dstW; x++ {
			sx := clampInt((x*2+1)*srcW/(dstW*2), 0, srcW-1)
			srcOff := (sy*srcW + sx) * px
			dstOff := (y*dstW + x) * px
			copy(dst[dstOff:dstOff+px], src[srcOff:srcOff+px])
		}
	}
}

func resampleAverage(src []byte, srcW, srcH int, dst []byte, dstW, dstH int, dtype DataType, mask []byte) {
	for y := 0; y < dstH; y++ {
		y0 := y * srcH / dstH
		y1 := maxInt((y+1)*srcH/dstH, y0+1)
		for x := 0; x < dstW; x++ {
			x0 := x * srcW / dstW
			x1 := maxInt((x+1)*srcW/dstW, x0+1)

			sum := 0.0
			count := 0
			for sy := y0; sy < y1 && sy < srcH; sy++ {
				for sx := x0; sx < x1 && sx < srcW; sx++ {
					i := sy*srcW + sx
					if mask != nil && mask[i] == 0 {
						continue
					}
					sum += sampleAt(src, i, dtype)
					count++
				}
			}
			v := 0.0
			if count > 0 {
				v = sum / float64(count)
			}
			storeAt(dst, y*dstW+x, dtype, v)
		}
	}
}

func resampleBilinear(src []byte, srcW, srcH int, dst []byte, dstW, dstH int, dtype DataType) {
	sxRatio := float64(srcW) / float64(dstW)
	syRatio := float64(srcH) / float64(dstH)

	for y := 0; y < dstH; y++ {
		fy := (float64(y)+0.5)*syRatio - 0.5
		y0 := clampInt(int(math.Floor(fy)), 0, srcH-1)
		y1 := clampInt(y0+1, 0, srcH-1)
		wy := fy - float64(y0)
		if wy < 0 {
			wy = 0
		}
		for x := 0; x < dstW; x++ {
			fx := (float64(x)+0.5)*sxRatio - 0.5
			x0 := clampInt(int(math.Floor(fx)), 0, srcW-1)
			x1 := clampInt(x0+1, 0, srcW-1)
			wx := fx - float64(x0)
			if wx < 0 {
				wx = 0
			}

			v00 := sampleAt(src, y0*srcW+x0, dtype)
			v01 := sampleAt(src, y0*srcW+x1, dtype)
			v10 := sampleAt(src, y1*srcW+x0, dtype)
			v11 := sampleAt(src, y1*srcW+x1, dtype)

			top := v00*(1-wx) + v01*wx
			bottom := v10*(1-wx) + v11*wx
			storeAt(dst, y*dstW+x, dtype, top*(1-wy)+bottom*wy)
		}
	}
}

// sampleAt reads pixel i of a plane as float64. Buffers are little-endian.
func sampleAt(buf []byte, i int, dtype DataType) float64 {
	switch dtype {
	case Byte:
		return float64(buf[i])
	case UInt16:
		return float64(binary.LittleEndian.Uint16(buf[i*2:]))
	case Int16:
		return float64(int16(binary.LittleEndian.Uint16(buf[i*2:])))
	case UInt32:
		return float64(binary.LittleEndian.Uint32(buf[i*4:]))
	case Int32:
		return float64(int32(binary.LittleEndian.Uint32(buf[i*4:])))
	case Float32:
		return float64(math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:])))
	case Float64:
		return math.Float64frombits(binary.LittleEndian.Uint64(buf[i*8:]))
	default:
		return 0
	}
}

// storeAt writes a float64 value into pixel i of a plane, rounding and
// clamping integral types.
func storeAt(buf []byte, i int, dtype DataType, v float64) {
	switch dtype {
	case Byte:
		buf[i] = byte(clampFloat(math.Round(v), 0, math.MaxUint8))
	case UInt16:
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(clampFloat(math.Round(v), 0, math.MaxUint16)))
	case Int16:
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(int16(clampFloat(math.Round(v), math.MinInt16, math.MaxInt16))))
	case UInt32:
		binary.LittleEndian.PutUint32(buf[i*4:], uint32(clampFloat(math.Round(v), 0, math.MaxUint32)))
	case Int32:
		binary.LittleEndian.PutUint32(buf[i*4:], uint32(int32(clampFloat(math.Round(v), math.MinInt32, math.MaxInt32))))
	case Float32:
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(float32(v)))
	case Float64:
		binary.LittleEndian.PutUint64(buf[i*8:], math.Float64bits(v))
	}
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampFloat(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
