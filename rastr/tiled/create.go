package tiled

import (
	"context"
	"errors"
	"fmt"

	"github.com/openterra/rastr/rastr"
)

// CreateConfig describes a pyramid to be written.
type CreateConfig struct {
	Name          string
	Width, Height int
	Bands         int
	DataType      rastr.DataType
	BlockWidth    int
	BlockHeight   int

	// Compressor defaults to zstd.
	Compressor Compressor

	GeoTransform [6]float64

	// Levels lists overview decimation factors, ascending. Default: [2, 4].
	// Overview tiles are subsampled (nearest) from the base resolution.
	Levels []int
}

// Create writes a complete pyramid under prefix: the manifest, the base
// tiles, and one subsampled tile set per overview level. planes holds one
// band-sequential full-resolution plane per band, little-endian, in
// cfg.DataType.
func Create(ctx context.Context, store TileStore, prefix string, cfg CreateConfig, planes [][]byte) error {
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return fmt.Errorf("tiled: invalid extent %dx%d", cfg.Width, cfg.Height)
	}
	if cfg.Bands <= 0 || len(planes) != cfg.Bands {
		return fmt.Errorf("tiled: %d planes for %d bands", len(planes), cfg.Bands)
	}
	if cfg.DataType == rastr.Unknown {
		return errors.New("tiled: data type is required")
	}
	if cfg.BlockWidth <= 0 {
		cfg.BlockWidth = 64
	}
	if cfg.BlockHeight <= 0 {
		cfg.BlockHeight = 64
	}
	if cfg.Compressor == nil {
		cfg.Compressor = NewZstdCompressor()
	}
	if cfg.Levels == nil {
		cfg.Levels = []int{2, 4}
	}

	px := cfg.DataType.Size()
	want := cfg.Width * cfg.Height * px
	for i, plane := range planes {
		if len(plane) != want {
			return fmt.Errorf("tiled: band %d plane is %d bytes, want %d", i+1, len(plane), want)
		}
	}
	for i, f := range cfg.Levels {
		if f < 2 || (i > 0 && f <= cfg.Levels[i-1]) {
			return fmt.Errorf("tiled: levels must be ascending factors >= 2, got %v", cfg.Levels)
		}
	}

	m := Manifest{
		SchemaName:    manifestSchemaName,
		FormatVersion: manifestFormatVersion,
		Name:          cfg.Name,
		Width:         cfg.Width,
		Height:        cfg.Height,
		Bands:         cfg.Bands,
		DataType:      cfg.DataType.String(),
		BlockWidth:    cfg.BlockWidth,
		BlockHeight:   cfg.BlockHeight,
		Compressor:    cfg.Compressor.Name(),
		GeoTransform:  cfg.GeoTransform,
		Levels:        cfg.Levels,
	}

	for band := 1; band <= cfg.Bands; band++ {
		plane := planes[band-1]
		if err := writeLevel(ctx, store, prefix, &m, cfg.Compressor, 0, band, plane, cfg.Width, cfg.Height, px); err != nil {
			return err
		}
		for li, f := range cfg.Levels {
			sub, lw, lh := subsample(plane, cfg.Width, cfg.Height, f, px)
			if err := writeLevel(ctx, store, prefix, &m, cfg.Compressor, li+1, band, sub, lw, lh, px); err != nil {
				return err
			}
		}
	}

	raw, err := json.Marshal(&m)
	if err != nil {
		return fmt.Errorf("tiled: encode manifest: %w", err)
	}
	if err := store.Put(ctx, prefix+manifestPath, raw); err != nil {
		return fmt.Errorf("tiled: write manifest: %w", err)
	}
	return nil
}

// writeLevel tiles one plane and stores every non-uniform-zero tile; all-zero
// tiles are elided, readers treat missing tiles as zero.
func writeLevel(ctx context.Context, store TileStore, prefix string, m *Manifest, comp Compressor, level, band int, plane []byte, width, height, px int) error {
	src := &tileSource{
		ctx:      ctx,
		store:    store,
		comp:     comp,
		prefix:   prefix,
		level:    level,
		band:     band,
		blockLen: m.BlockWidth * m.BlockHeight * px,
	}

	bw, bh := m.BlockWidth, m.BlockHeight
	tile := make([]byte, src.blockLen)

	for by := 0; by*bh < height; by++ {
		for bx := 0; bx*bw < width; bx++ {
			clear(tile)
			cols := minIntT(bw, width-bx*bw)
			rows := minIntT(bh, height-by*bh)
			zero := true
			for row := 0; row < rows; row++ {
				planeOff := ((by*bh+row)*width + bx*bw) * px
				tileOff := row * bw * px
				n := copy(tile[tileOff:tileOff+cols*px], plane[planeOff:planeOff+cols*px])
				for i := 0; i < n && zero; i++ {
					if tile[tileOff+i] != 0 {
						zero = false
					}
				}
			}
			if zero {
				continue
			}
			if err := src.WriteBlock(bx, by, tile); err != nil {
				return fmt.Errorf("tiled: write tile L%d/b%d (%d,%d): %w", level, band, bx, by, err)
			}
		}
	}
	return nil
}

// subsample decimates a plane by an integer factor with nearest (top-left)
// sampling. Type-agnostic: pixels are moved as px-byte units.
func subsample(plane []byte, width, height, factor, px int) (out []byte, outW, outH int) {
	outW = ceilDiv(width, factor)
	outH = ceilDiv(height, factor)
	out = make([]byte, outW*outH*px)
	for y := 0; y < outH; y++ {
		sy := minIntT(y*factor, height-1)
		for x := 0; x < outW; x++ {
			sx := minIntT(x*factor, width-1)
			copy(out[(y*outW+x)*px:(y*outW+x+1)*px], plane[(sy*width+sx)*px:(sy*width+sx)*px+px])
		}
	}
	return out, outW, outH
}

func minIntT(a, b int) int {
	if a < b {
		return a
	}
	return b
}
