package rastr

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
)

// planarSource is an in-memory BlockSource used as the test fixture.
type planarSource struct {
	mu           sync.Mutex
	data         []byte
	width        int
	height       int
	blockW       int
	blockH       int
	px           int
	writeBlockFn func(bx, by int, src []byte) error // optional intercept
}

func newPlanarSource(width, height, blockW, blockH int, dtype DataType) *planarSource {
	return &planarSource{
		data:   make([]byte, width*height*dtype.Size()),
		width:  width,
		height: height,
		blockW: blockW,
		blockH: blockH,
		px:     dtype.Size(),
	}
}

func (s *planarSource) ReadBlock(bx, by int, dst []byte) error {
	return s.copyBlock(bx, by, dst, false)
}

func (s *planarSource) WriteBlock(bx, by int, src []byte) error {
	if s.writeBlockFn != nil {
		return s.writeBlockFn(bx, by, src)
	}
	return s.copyBlock(bx, by, src, true)
}

func (s *planarSource) copyBlock(bx, by int, buf []byte, write bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	x0, y0 := bx*s.blockW, by*s.blockH
	if x0 >= s.width || y0 >= s.height {
		return fmt.Errorf("block (%d,%d) out of range", bx, by)
	}
	cols := minInt(s.blockW, s.width-x0)
	rows := minInt(s.blockH, s.height-y0)

	for row := 0; row < rows; row++ {
		off := ((y0+row)*s.width + x0) * s.px
		blockOff := row * s.blockW * s.px
		if write {
			copy(s.data[off:off+cols*s.px], buf[blockOff:blockOff+cols*s.px])
		} else {
			copy(buf[blockOff:blockOff+cols*s.px], s.data[off:off+cols*s.px])
		}
	}
	return nil
}

// fillGradient seeds the raster with v = (x + y*width) % 256 per pixel,
// byte-typed sources only.
func (s *planarSource) fillGradient() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.data {
		s.data[i] = byte(i % 256)
	}
}

// testDatasetConfig assembles a dataset straight from descriptors, skipping
// the driver machinery.
type testDatasetConfig struct {
	name        string
	access      Access
	width       int
	height      int
	bands       int
	dtype       DataType
	blockW      int
	blockH      int
	interleaved bool
	palette     map[int]bool
	mask        map[int]int
	cacheBlocks int
	parent      *Dataset
	gradient    bool
}

func newTestDataset(t *testing.T, cfg testDatasetConfig) (*Dataset, []*planarSource) {
	t.Helper()
	if cfg.width == 0 {
		cfg.width = 8
	}
	if cfg.height == 0 {
		cfg.height = 8
	}
	if cfg.bands == 0 {
		cfg.bands = 1
	}
	if cfg.dtype == Unknown {
		cfg.dtype = Byte
	}
	if cfg.blockW == 0 {
		cfg.blockW = 4
	}
	if cfg.blockH == 0 {
		cfg.blockH = 4
	}
	if cfg.name == "" {
		cfg.name = fmt.Sprintf("test://%s", t.Name())
	}

	var sources []*planarSource
	descs := make([]BandDescriptor, cfg.bands)
	for i := range descs {
		src := newPlanarSource(cfg.width, cfg.height, cfg.blockW, cfg.blockH, cfg.dtype)
		if cfg.gradient {
			src.fillGradient()
		}
		sources = append(sources, src)
		descs[i] = BandDescriptor{
			DataType:    cfg.dtype,
			BlockWidth:  cfg.blockW,
			BlockHeight: cfg.blockH,
			Source:      src,
			HasPalette:  cfg.palette[i+1],
			MaskBand:    cfg.mask[i+1],
			CacheBlocks: cfg.cacheBlocks,
		}
	}

	ds, err := NewDataset(DatasetDescriptor{
		Description:      cfg.name,
		Access:           cfg.access,
		Width:            cfg.width,
		Height:           cfg.height,
		Bands:            descs,
		PixelInterleaved: cfg.interleaved,
		Parent:           cfg.parent,
	})
	if err != nil {
		t.Fatalf("NewDataset: %v", err)
	}
	t.Cleanup(func() { _ = ds.Close() })
	return ds, sources
}

// stubDriver opens synthetic datasets for names with its prefix.
type stubDriver struct {
	name   string
	prefix string
	openFn func(ctx context.Context, req *OpenRequest) (*Dataset, error)
	opens  int
}

func (d *stubDriver) Name() string { return d.name }

func (d *stubDriver) CanOpen(name string) bool {
	return strings.HasPrefix(name, d.prefix)
}

func (d *stubDriver) Open(ctx context.Context, req *OpenRequest) (*Dataset, error) {
	d.opens++
	if d.openFn != nil {
		return d.openFn(ctx, req)
	}
	src := newPlanarSource(8, 8, 4, 4, Byte)
	return NewDataset(DatasetDescriptor{
		Description: req.Name,
		Access:      req.Access,
		Width:       8,
		Height:      8,
		Bands: []BandDescriptor{{
			DataType:    Byte,
			BlockWidth:  4,
			BlockHeight: 4,
			Source:      src,
		}},
	})
}
