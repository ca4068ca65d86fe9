// Package mem provides an in-memory raster driver. Datasets are created
// zero-filled on open and live entirely in process memory, which makes the
// driver the workhorse for tests and for staging intermediate results.
//
// Names have the form
//
//	mem://ident?w=512&h=512&bands=3&dtype=byte&bw=64&bh=64&interleave=pixel
//
// Every open of the same name creates an independent raster; sharing, when
// wanted, is the core registry's job (open with rastr.Shared()).
package mem

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/openterra/rastr/rastr"
)

// DriverName is the identifier used in open allow-lists.
const DriverName = "mem"

// Register hooks the driver into the process-wide driver list.
func Register() {
	rastr.RegisterDriver(&driver{})
}

type driver struct{}

func (d *driver) Name() string { return DriverName }

func (d *driver) CanOpen(name string) bool {
	return strings.HasPrefix(name, "mem://")
}

func (d *driver) Open(_ context.Context, req *rastr.OpenRequest) (*rastr.Dataset, error) {
	cfg, err := parseName(req.Name)
	if err != nil {
		return nil, err
	}
	cfg.Name = req.Name
	cfg.Access = req.Access
	return NewDataset(cfg)
}

// Config describes an in-memory raster.
type Config struct {
	Name          string
	Access        rastr.Access
	Width, Height int
	Bands         int
	DataType      rastr.DataType
	BlockWidth    int
	BlockHeight   int

	// PixelInterleaved stores all bands of one pixel adjacently; the core
	// dispatcher exploits this for 1:1 multi-band copies.
	PixelInterleaved bool

	GeoTransform [6]float64

	// PaletteBands lists 1-based band indices carrying a color table.
	PaletteBands []int

	// MaskBands maps a 1-based band index to the index of its mask band.
	MaskBands map[int]int
}

func parseName(name string) (Config, error) {
	u, err := url.Parse(name)
	if err != nil {
		return Config{}, fmt.Errorf("mem: parse name: %w", err)
	}
	q := u.Query()

	intOr := func(key string, def int) int {
		if v := q.Get(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				return n
			}
		}
		return def
	}

	cfg := Config{
		Width:            intOr("w", 256),
		Height:           intOr("h", 256),
		Bands:            intOr("bands", 1),
		BlockWidth:       intOr("bw", 0),
		BlockHeight:      intOr("bh", 0),
		PixelInterleaved: q.Get("interleave") == "pixel",
	}
	if dtype := q.Get("dtype"); dtype == "" {
		cfg.DataType = rastr.Byte
	} else {
		dt, err := rastr.ParseDataType(dtype)
		if err != nil {
			return Config{}, fmt.Errorf("mem: %w", err)
		}
		cfg.DataType = dt
	}
	return cfg, nil
}

// NewDataset constructs an in-memory dataset directly, bypassing the open
// machinery. Useful for composing test fixtures.
func NewDataset(cfg Config) (*rastr.Dataset, error) {
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, fmt.Errorf("mem: invalid extent %dx%d", cfg.Width, cfg.Height)
	}
	if cfg.Bands <= 0 {
		return nil, fmt.Errorf("mem: invalid band count %d", cfg.Bands)
	}
	if cfg.DataType == rastr.Unknown {
		cfg.DataType = rastr.Byte
	}
	if cfg.BlockWidth <= 0 {
		cfg.BlockWidth = minInt(cfg.Width, 64)
	}
	if cfg.BlockHeight <= 0 {
		cfg.BlockHeight = minInt(cfg.Height, 64)
	}

	palette := map[int]bool{}
	for _, idx := range cfg.PaletteBands {
		palette[idx] = true
	}

	px := cfg.DataType.Size()
	bands := make([]rastr.BandDescriptor, cfg.Bands)

	if cfg.PixelInterleaved {
		// One shared backing array, all bands of a pixel adjacent.
		backing := make([]byte, cfg.Width*cfg.Height*cfg.Bands*px)
		for i := range bands {
			bands[i] = rastr.BandDescriptor{
				DataType:    cfg.DataType,
				BlockWidth:  cfg.BlockWidth,
				BlockHeight: cfg.BlockHeight,
				Source: &interleavedSource{
					backing: backing,
					band:    i,
					nbands:  cfg.Bands,
					cfg:     cfg,
				},
				HasPalette: palette[i+1],
				MaskBand:   cfg.MaskBands[i+1],
			}
		}
	} else {
		for i := range bands {
			bands[i] = rastr.BandDescriptor{
				DataType:    cfg.DataType,
				BlockWidth:  cfg.BlockWidth,
				BlockHeight: cfg.BlockHeight,
				Source: &planarSource{
					data: make([]byte, cfg.Width*cfg.Height*px),
					cfg:  cfg,
				},
				HasPalette: palette[i+1],
				MaskBand:   cfg.MaskBands[i+1],
			}
		}
	}

	return rastr.NewDataset(rastr.DatasetDescriptor{
		Description:      cfg.Name,
		Access:           cfg.Access,
		Width:            cfg.Width,
		Height:           cfg.Height,
		Bands:            bands,
		PixelInterleaved: cfg.PixelInterleaved,
		GeoTransform:     cfg.GeoTransform,
	})
}

// planarSource backs one band with its own contiguous array.
type planarSource struct {
	data []byte
	cfg  Config
}

func (s *planarSource) ReadBlock(bx, by int, dst []byte) error {
	return s.copyBlock(bx, by, dst, false)
}

func (s *planarSource) WriteBlock(bx, by int, src []byte) error {
	return s.copyBlock(bx, by, src, true)
}

func (s *planarSource) copyBlock(bx, by int, buf []byte, write bool) error {
	px := s.cfg.DataType.Size()
	bw, bh := s.cfg.BlockWidth, s.cfg.BlockHeight

	x0, y0 := bx*bw, by*bh
	if x0 >= s.cfg.Width || y0 >= s.cfg.Height {
		return fmt.Errorf("mem: block (%d,%d) out of range", bx, by)
	}
	cols := minInt(bw, s.cfg.Width-x0)
	rows := minInt(bh, s.cfg.Height-y0)

	for row := 0; row < rows; row++ {
		rasterOff := ((y0+row)*s.cfg.Width + x0) * px
		blockOff := row * bw * px
		if write {
			copy(s.data[rasterOff:rasterOff+cols*px], buf[blockOff:blockOff+cols*px])
		} else {
			copy(buf[blockOff:blockOff+cols*px], s.data[rasterOff:rasterOff+cols*px])
		}
	}
	return nil
}

// interleavedSource backs one band of a pixel-interleaved shared array.
type interleavedSource struct {
	backing []byte
	band    int
	nbands  int
	cfg     Config
}

func (s *interleavedSource) ReadBlock(bx, by int, dst []byte) error {
	return s.copyBlock(bx, by, dst, false)
}

func (s *interleavedSource) WriteBlock(bx, by int, src []byte) error {
	return s.copyBlock(bx, by, src, true)
}

func (s *interleavedSource) copyBlock(bx, by int, buf []byte, write bool) error {
	px := s.cfg.DataType.Size()
	bw, bh := s.cfg.BlockWidth, s.cfg.BlockHeight

	x0, y0 := bx*bw, by*bh
	if x0 >= s.cfg.Width || y0 >= s.cfg.Height {
		return fmt.Errorf("mem: block (%d,%d) out of range", bx, by)
	}
	cols := minInt(bw, s.cfg.Width-x0)
	rows := minInt(bh, s.cfg.Height-y0)

	for row := 0; row < rows; row++ {
		for col := 0; col < cols; col++ {
			pixel := (y0+row)*s.cfg.Width + (x0 + col)
			rasterOff := (pixel*s.nbands + s.band) * px
			blockOff := (row*bw + col) * px
			if write {
				copy(s.backing[rasterOff:rasterOff+px], buf[blockOff:blockOff+px])
			} else {
				copy(buf[blockOff:blockOff+px], s.backing[rasterOff:rasterOff+px])
			}
		}
	}
	return nil
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
