// Package tiled is a raster driver over object storage: each band is split
// into fixed-size compressed tiles, described by a JSON manifest, with
// optional precomputed lower-resolution levels that feed the core's overview
// dispatch.
//
// Tiles live in any TileStore: local filesystem, memory, or the S3 adapter
// in rastr/s3. Names of the form "tiled:///path/to/dir" open a
// filesystem-backed pyramid through the driver registry; stores without a
// filesystem path (S3, memory) open through OpenDataset directly.
package tiled

import (
	"context"
	"errors"
	"fmt"
	"strings"

	jsoniter "github.com/json-iterator/go"

	"github.com/openterra/rastr/rastr"
)

// json is a drop-in replacement for encoding/json with better performance.
var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	// DriverName is the identifier used in open allow-lists.
	DriverName = "tiled"

	manifestSchemaName    = "rastr-tiled"
	manifestFormatVersion = "1.0.0"
	manifestPath          = "manifest.json"
)

// Manifest describes one tile pyramid. It is self-contained: a reader needs
// nothing but the manifest and the tile objects it points at.
type Manifest struct {
	SchemaName    string `json:"schema_name"`
	FormatVersion string `json:"format_version"`

	Name          string     `json:"name"`
	Width         int        `json:"width"`
	Height        int        `json:"height"`
	Bands         int        `json:"bands"`
	DataType      string     `json:"data_type"`
	BlockWidth    int        `json:"block_width"`
	BlockHeight   int        `json:"block_height"`
	Compressor    string     `json:"compressor"`
	GeoTransform  [6]float64 `json:"geo_transform"`

	// Levels lists the decimation factors of the precomputed overview
	// levels, ascending (e.g. [2, 4]). Level i is stored under L(i+1)/.
	Levels []int `json:"levels,omitempty"`
}

// Register hooks the filesystem-path form of the driver into the
// process-wide driver list.
func Register() {
	rastr.RegisterDriver(&driver{})
}

type driver struct{}

func (d *driver) Name() string { return DriverName }

func (d *driver) CanOpen(name string) bool {
	return strings.HasPrefix(name, "tiled://")
}

func (d *driver) Open(ctx context.Context, req *rastr.OpenRequest) (*rastr.Dataset, error) {
	dir := strings.TrimPrefix(req.Name, "tiled://")
	if dir == "" {
		return nil, fmt.Errorf("tiled: name %q carries no directory", req.Name)
	}
	store, err := NewFS(dir)
	if err != nil {
		return nil, fmt.Errorf("tiled: open store: %w", err)
	}
	return OpenDataset(ctx, store, "", req.Access)
}

// -----------------------------------------------------------------------------
// Open
// -----------------------------------------------------------------------------

// OpenDataset opens the pyramid stored under prefix in store. Overview
// levels open as read-only child datasets delegating their read/write lock
// to the base, and are closed with it.
func OpenDataset(ctx context.Context, store TileStore, prefix string, access rastr.Access) (*rastr.Dataset, error) {
	raw, err := store.Get(ctx, prefix+manifestPath)
	if err != nil {
		return nil, fmt.Errorf("tiled: read manifest: %w", err)
	}
	var m Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("tiled: decode manifest: %w", err)
	}
	if m.SchemaName != manifestSchemaName {
		return nil, fmt.Errorf("tiled: unexpected manifest schema %q", m.SchemaName)
	}

	dtype, err := rastr.ParseDataType(m.DataType)
	if err != nil {
		return nil, fmt.Errorf("tiled: manifest: %w", err)
	}
	comp, err := CompressorByName(m.Compressor)
	if err != nil {
		return nil, err
	}

	var levels []*rastr.Dataset
	base, err := rastr.NewDataset(rastr.DatasetDescriptor{
		Description:  m.Name,
		Access:       access,
		Width:        m.Width,
		Height:       m.Height,
		Bands:        bandDescriptors(ctx, store, prefix, &m, dtype, comp, 0, m.Width, m.Height),
		GeoTransform: m.GeoTransform,
		OnClose: func() error {
			var firstErr error
			for _, lv := range levels {
				if err := lv.Close(); err != nil && firstErr == nil {
					firstErr = err
				}
			}
			return firstErr
		},
	})
	if err != nil {
		return nil, fmt.Errorf("tiled: %w", err)
	}

	for li, factor := range m.Levels {
		lw := ceilDiv(m.Width, factor)
		lh := ceilDiv(m.Height, factor)
		lv, err := rastr.NewDataset(rastr.DatasetDescriptor{
			Description:  fmt.Sprintf("%s [1:%d]", m.Name, factor),
			Access:       rastr.ReadOnly,
			Width:        lw,
			Height:       lh,
			Bands:        bandDescriptors(ctx, store, prefix, &m, dtype, comp, li+1, lw, lh),
			GeoTransform: scaledGeoTransform(m.GeoTransform, factor),
			Parent:       base,
		})
		if err != nil {
			_ = base.Close()
			return nil, fmt.Errorf("tiled: level 1:%d: %w", factor, err)
		}
		levels = append(levels, lv)
	}

	if len(levels) > 0 {
		base.SetOverviews(&pyramid{factors: m.Levels, levels: levels})
	}
	return base, nil
}

func bandDescriptors(ctx context.Context, store TileStore, prefix string, m *Manifest, dtype rastr.DataType, comp Compressor, level, width, height int) []rastr.BandDescriptor {
	bands := make([]rastr.BandDescriptor, m.Bands)
	for i := range bands {
		bands[i] = rastr.BandDescriptor{
			DataType:    dtype,
			BlockWidth:  m.BlockWidth,
			BlockHeight: m.BlockHeight,
			Source: &tileSource{
				ctx:      ctx,
				store:    store,
				comp:     comp,
				prefix:   prefix,
				level:    level,
				band:     i + 1,
				blockLen: m.BlockWidth * m.BlockHeight * dtype.Size(),
			},
		}
	}
	return bands
}

func scaledGeoTransform(gt [6]float64, factor int) [6]float64 {
	f := float64(factor)
	return [6]float64{gt[0], gt[1] * f, gt[2] * f, gt[3], gt[4] * f, gt[5] * f}
}

func ceilDiv(a, b int) int {
	return (a + b - 1) / b
}

// -----------------------------------------------------------------------------
// Tile source
// -----------------------------------------------------------------------------

// tileSource supplies one band of one level. Missing tiles read as zero
// (sparse pyramids are legal); writes replace the tile object whole.
type tileSource struct {
	ctx      context.Context
	store    TileStore
	comp     Compressor
	prefix   string
	level    int
	band     int
	blockLen int
}

func (s *tileSource) path(bx, by int) string {
	return fmt.Sprintf("%sL%d/b%d/%d_%d%s", s.prefix, s.level, s.band, bx, by, s.comp.Extension())
}

func (s *tileSource) ReadBlock(bx, by int, dst []byte) error {
	data, err := s.store.Get(s.ctx, s.path(bx, by))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			clear(dst)
			return nil
		}
		return err
	}
	raw, err := s.comp.Decompress(data)
	if err != nil {
		return fmt.Errorf("tiled: tile %s: %w", s.path(bx, by), err)
	}
	if len(raw) != s.blockLen {
		return fmt.Errorf("tiled: tile %s: %d bytes, want %d", s.path(bx, by), len(raw), s.blockLen)
	}
	copy(dst, raw)
	return nil
}

func (s *tileSource) WriteBlock(bx, by int, src []byte) error {
	data, err := s.comp.Compress(src)
	if err != nil {
		return fmt.Errorf("tiled: compress tile %s: %w", s.path(bx, by), err)
	}
	return s.store.Put(s.ctx, s.path(bx, by), data)
}

// -----------------------------------------------------------------------------
// Overview provider
// -----------------------------------------------------------------------------

// pyramid satisfies decimating reads from the coarsest precomputed level
// that still meets the requested output resolution.
type pyramid struct {
	factors []int
	levels  []*rastr.Dataset
}

func (p *pyramid) TryRasterIO(window rastr.Window, buf []byte, bufWidth, bufHeight int, bands []int, alg rastr.ResampleAlg, progress rastr.ProgressFn) (bool, error) {
	ratio := float64(window.Width) / float64(bufWidth)

	best := -1
	for i, f := range p.factors {
		if float64(f) <= ratio && (best < 0 || f > p.factors[best]) {
			best = i
		}
	}
	if best < 0 {
		return false, nil
	}

	f := p.factors[best]
	lv := p.levels[best]
	st := lv.Structure()

	lvlWin := rastr.Window{
		X:      window.X / f,
		Y:      window.Y / f,
		Width:  maxIntT(1, window.Width/f),
		Height: maxIntT(1, window.Height/f),
	}
	if lvlWin.X+lvlWin.Width > st.Width {
		lvlWin.Width = st.Width - lvlWin.X
	}
	if lvlWin.Y+lvlWin.Height > st.Height {
		lvlWin.Height = st.Height - lvlWin.Y
	}
	if lvlWin.Empty() {
		return false, nil
	}

	err := lv.Read(lvlWin, buf, bufWidth, bufHeight,
		rastr.Bands(bands...), rastr.Resampling(alg), rastr.WithProgress(progress))
	return true, err
}

func maxIntT(a, b int) int {
	if a > b {
		return a
	}
	return b
}
