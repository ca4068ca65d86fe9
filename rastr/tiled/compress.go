package tiled

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
)

// Compressor encodes and decodes tile payloads. The manifest records the
// compressor name so readers pick the matching implementation.
type Compressor interface {
	Name() string
	Extension() string
	Compress(data []byte) ([]byte, error)
	Decompress(data []byte) ([]byte, error)
}

// CompressorByName resolves a manifest compressor name.
func CompressorByName(name string) (Compressor, error) {
	switch name {
	case "", "noop":
		return NewNoOpCompressor(), nil
	case "gzip":
		return NewGzipCompressor(), nil
	case "zstd":
		return NewZstdCompressor(), nil
	default:
		return nil, fmt.Errorf("tiled: unknown compressor %q", name)
	}
}

// -----------------------------------------------------------------------------
// Zstd compressor
// -----------------------------------------------------------------------------

// zstdCompressor implements Compressor using Zstandard. Raster tiles tend to
// be highly repetitive, and zstd decompresses fast enough to sit on the read
// path.
type zstdCompressor struct{}

// NewZstdCompressor creates a zstd compressor. Tiles get a .zst extension.
func NewZstdCompressor() Compressor {
	return &zstdCompressor{}
}

func (z *zstdCompressor) Name() string      { return "zstd" }
func (z *zstdCompressor) Extension() string { return ".zst" }

func (z *zstdCompressor) Compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := zstd.NewWriter(&buf)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (z *zstdCompressor) Decompress(data []byte) ([]byte, error) {
	r, err := zstd.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r.IOReadCloser())
}

// -----------------------------------------------------------------------------
// Gzip compressor
// -----------------------------------------------------------------------------

// gzipCompressor implements Compressor using standard gzip.
type gzipCompressor struct{}

// NewGzipCompressor creates a gzip compressor. Tiles get a .gz extension.
func NewGzipCompressor() Compressor {
	return &gzipCompressor{}
}

func (g *gzipCompressor) Name() string      { return "gzip" }
func (g *gzipCompressor) Extension() string { return ".gz" }

func (g *gzipCompressor) Compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (g *gzipCompressor) Decompress(data []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer func() { _ = r.Close() }()
	return io.ReadAll(r)
}

// -----------------------------------------------------------------------------
// NoOp compressor
// -----------------------------------------------------------------------------

// noopCompressor stores tiles unchanged.
type noopCompressor struct{}

// NewNoOpCompressor creates a pass-through compressor.
func NewNoOpCompressor() Compressor {
	return &noopCompressor{}
}

func (n *noopCompressor) Name() string      { return "noop" }
func (n *noopCompressor) Extension() string { return "" }

func (n *noopCompressor) Compress(data []byte) ([]byte, error)   { return data, nil }
func (n *noopCompressor) Decompress(data []byte) ([]byte, error) { return data, nil }
