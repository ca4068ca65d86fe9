package rastr

import (
	"bytes"
	"errors"
	"testing"
)

// -----------------------------------------------------------------------------
// Validation
// -----------------------------------------------------------------------------

func TestIO_EmptyWindowIsSilentNoOp(t *testing.T) {
	ds, _ := newTestDataset(t, testDatasetConfig{gradient: true})

	buf := bytes.Repeat([]byte{0xEE}, 16)
	if err := ds.Read(Window{0, 0, 0, 4}, buf, 4, 4); err != nil {
		t.Fatalf("empty window: %v", err)
	}
	if !bytes.Equal(buf, bytes.Repeat([]byte{0xEE}, 16)) {
		t.Fatal("empty window touched the buffer")
	}
}

func TestIO_WindowOutOfRange(t *testing.T) {
	ds, _ := newTestDataset(t, testDatasetConfig{})

	buf := make([]byte, 64)
	for _, w := range []Window{
		{-1, 0, 4, 4},
		{0, -1, 4, 4},
		{6, 0, 4, 4},
		{0, 6, 4, 4},
		{0, 0, 9, 1},
	} {
		if err := ds.Read(w, buf, 4, 4); !errors.Is(err, ErrWindow) {
			t.Errorf("window %+v: err = %v, want ErrWindow", w, err)
		}
	}
}

func TestIO_InvalidBandLeavesBufferUntouched(t *testing.T) {
	ds, _ := newTestDataset(t, testDatasetConfig{bands: 3, gradient: true})

	sentinel := bytes.Repeat([]byte{0xEE}, 3*16)
	for _, idx := range []int{0, 4, -1} {
		buf := bytes.Repeat([]byte{0xEE}, 3*16)
		err := ds.Read(Window{0, 0, 4, 4}, buf, 4, 4, Bands(1, idx))
		if !errors.Is(err, ErrInvalidBand) {
			t.Fatalf("band %d: err = %v, want ErrInvalidBand", idx, err)
		}
		if !bytes.Equal(buf, sentinel) {
			t.Fatalf("band %d: failed validation wrote into the buffer", idx)
		}
	}
}

func TestIO_WriteOnReadOnly(t *testing.T) {
	ds, _ := newTestDataset(t, testDatasetConfig{access: ReadOnly})

	buf := make([]byte, 16)
	if err := ds.Write(Window{0, 0, 4, 4}, buf, 4, 4); !errors.Is(err, ErrReadOnly) {
		t.Fatalf("err = %v, want ErrReadOnly", err)
	}
}

func TestIO_Closed(t *testing.T) {
	ds, _ := newTestDataset(t, testDatasetConfig{})
	_ = ds.Close()

	buf := make([]byte, 16)
	if err := ds.Read(Window{0, 0, 4, 4}, buf, 4, 4); !errors.Is(err, ErrClosed) {
		t.Fatalf("err = %v, want ErrClosed", err)
	}
}

func TestIO_BufferTooSmall(t *testing.T) {
	ds, _ := newTestDataset(t, testDatasetConfig{bands: 2})

	buf := make([]byte, 16) // two bands need 32
	if err := ds.Read(Window{0, 0, 4, 4}, buf, 4, 4); err == nil {
		t.Fatal("undersized buffer accepted")
	}
}

func TestAdviseRead(t *testing.T) {
	ds, _ := newTestDataset(t, testDatasetConfig{})

	if err := ds.AdviseRead(Window{0, 0, 8, 8}, 4, 4); err != nil {
		t.Fatalf("valid advise: %v", err)
	}
	if err := ds.AdviseRead(Window{0, 0, 16, 16}, 4, 4); !errors.Is(err, ErrWindow) {
		t.Fatalf("err = %v, want ErrWindow", err)
	}
}

// -----------------------------------------------------------------------------
// Transfers
// -----------------------------------------------------------------------------

func TestIO_RoundTrip(t *testing.T) {
	ds, _ := newTestDataset(t, testDatasetConfig{access: UpdateAccess})

	// A window crossing all four blocks.
	win := Window{2, 2, 4, 4}
	out := make([]byte, 16)
	for i := range out {
		out[i] = byte(100 + i)
	}
	if err := ds.Write(win, out, 4, 4); err != nil {
		t.Fatalf("write: %v", err)
	}

	in := make([]byte, 16)
	if err := ds.Read(win, in, 4, 4); err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(in, out) {
		t.Fatalf("round trip mismatch:\n got %v\nwant %v", in, out)
	}

	// Pixels outside the window stayed zero.
	corner := make([]byte, 4)
	if err := ds.Read(Window{0, 0, 2, 2}, corner, 2, 2); err != nil {
		t.Fatalf("read corner: %v", err)
	}
	if !bytes.Equal(corner, []byte{0, 0, 0, 0}) {
		t.Fatalf("write leaked outside its window: %v", corner)
	}
}

func TestIO_GradientReadMatchesSource(t *testing.T) {
	ds, _ := newTestDataset(t, testDatasetConfig{gradient: true})

	buf := make([]byte, 64)
	if err := ds.Read(Window{0, 0, 8, 8}, buf, 8, 8); err != nil {
		t.Fatalf("read: %v", err)
	}
	for i, v := range buf {
		if v != byte(i) {
			t.Fatalf("pixel %d = %d, want %d", i, v, byte(i))
		}
	}
}

// -----------------------------------------------------------------------------
// Dispatch path selection
// -----------------------------------------------------------------------------

func TestIO_PixelInterleavedTakesBlockPath(t *testing.T) {
	ds, _ := newTestDataset(t, testDatasetConfig{bands: 3, interleaved: true, gradient: true})

	buf := make([]byte, 3*16)
	if err := ds.Read(Window{0, 0, 4, 4}, buf, 4, 4); err != nil {
		t.Fatalf("read: %v", err)
	}
	if got := ds.Stats(); got.BlockPath != 1 || got.PerBandPath != 0 {
		t.Fatalf("stats = %+v, want exactly one block-path hit", got)
	}
	// The tile walk must produce the same planes as independent band reads.
	for b := 0; b < 3; b++ {
		plane := buf[b*16 : (b+1)*16]
		want := make([]byte, 16)
		if err := ds.Read(Window{0, 0, 4, 4}, want, 4, 4, Bands(b+1)); err != nil {
			t.Fatalf("per-band read: %v", err)
		}
		if !bytes.Equal(plane, want) {
			t.Fatalf("band %d plane mismatch:\n got %v\nwant %v", b+1, plane, want)
		}
	}
}

func TestIO_DecimatingMultiBandTakesGroupedPath(t *testing.T) {
	ds, _ := newTestDataset(t, testDatasetConfig{bands: 3, gradient: true})

	buf := make([]byte, 3*4)
	if err := ds.Read(Window{0, 0, 8, 8}, buf, 2, 2, Resampling(Average)); err != nil {
		t.Fatalf("read: %v", err)
	}
	if got := ds.Stats(); got.GroupedPath != 1 {
		t.Fatalf("stats = %+v, want one grouped-path hit", got)
	}

	// Each 2x2 output pixel averages one 4x4 quadrant of the gradient
	// (value = y*8 + x): 13.5, 17.5, 45.5, 49.5 rounded.
	want := []byte{14, 18, 46, 50}
	for b := 0; b < 3; b++ {
		if !bytes.Equal(buf[b*4:(b+1)*4], want) {
			t.Fatalf("band %d = %v, want %v", b+1, buf[b*4:(b+1)*4], want)
		}
	}
}

func TestIO_NearestDecimationStaysPerBand(t *testing.T) {
	ds, _ := newTestDataset(t, testDatasetConfig{bands: 2, gradient: true})

	buf := make([]byte, 2*4)
	if err := ds.Read(Window{0, 0, 8, 8}, buf, 2, 2); err != nil {
		t.Fatalf("read: %v", err)
	}
	if got := ds.Stats(); got.PerBandPath != 1 || got.GroupedPath != 0 {
		t.Fatalf("stats = %+v, want one per-band hit", got)
	}
}

func TestSplitResampleGroup(t *testing.T) {
	ds, _ := newTestDataset(t, testDatasetConfig{
		bands:   4,
		palette: map[int]bool{2: true},
	})

	group, rest := ds.splitResampleGroup([]int{1, 2, 3, 4})
	if len(group) != 3 || group[0] != 1 || group[1] != 3 || group[2] != 4 {
		t.Fatalf("group = %v, want [1 3 4]", group)
	}
	if len(rest) != 1 || rest[0] != 2 {
		t.Fatalf("rest = %v, want [2]", rest)
	}

	// An ineligible anchor stands alone.
	group, rest = ds.splitResampleGroup([]int{2, 1, 3})
	if len(group) != 1 || group[0] != 2 {
		t.Fatalf("group = %v, want [2]", group)
	}
	if len(rest) != 2 || rest[0] != 1 || rest[1] != 3 {
		t.Fatalf("rest = %v, want [1 3]", rest)
	}
}

func TestIO_MixedGroupProgressReachesCompletion(t *testing.T) {
	ds, _ := newTestDataset(t, testDatasetConfig{
		bands:    3,
		palette:  map[int]bool{2: true},
		gradient: true,
	})

	var values []float64
	buf := make([]byte, 3*4)
	err := ds.Read(Window{0, 0, 8, 8}, buf, 2, 2,
		Resampling(Average),
		WithProgress(func(complete float64) bool {
			values = append(values, complete)
			return true
		}))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(values) == 0 {
		t.Fatal("progress callback never fired")
	}
	for i := 1; i < len(values); i++ {
		if values[i] < values[i-1] {
			t.Fatalf("progress regressed: %v", values)
		}
	}
	if last := values[len(values)-1]; last != 1.0 {
		t.Fatalf("final progress = %v, want 1.0", last)
	}
}

func TestIO_ProgressCancellation(t *testing.T) {
	ds, _ := newTestDataset(t, testDatasetConfig{bands: 3, gradient: true})

	buf := make([]byte, 3*16)
	err := ds.Read(Window{0, 0, 4, 4}, buf, 4, 4,
		WithProgress(func(complete float64) bool {
			return complete < 0.5 // cancel after the first band
		}))
	if !errors.Is(err, ErrCancelled) {
		t.Fatalf("err = %v, want ErrCancelled", err)
	}
}

// -----------------------------------------------------------------------------
// Overview delegation
// -----------------------------------------------------------------------------

type fakeOverviews struct {
	handled bool
	err     error
	calls   int
	window  Window
	bands   []int
	alg     ResampleAlg
}

func (f *fakeOverviews) TryRasterIO(window Window, buf []byte, bufWidth, bufHeight int, bands []int, alg ResampleAlg, progress ProgressFn) (bool, error) {
	f.calls++
	f.window = window
	f.bands = bands
	f.alg = alg
	if f.handled {
		for i := range buf {
			buf[i] = 0xAB
		}
	}
	return f.handled, f.err
}

func TestIO_OverviewHandlesDecimatingRead(t *testing.T) {
	ds, _ := newTestDataset(t, testDatasetConfig{bands: 2, gradient: true})
	ov := &fakeOverviews{handled: true}
	ds.SetOverviews(ov)

	buf := make([]byte, 2*4)
	if err := ds.Read(Window{0, 0, 8, 8}, buf, 2, 2, Resampling(Average)); err != nil {
		t.Fatalf("read: %v", err)
	}
	if ov.calls != 1 {
		t.Fatalf("provider called %d times, want 1", ov.calls)
	}
	if ov.alg != Average || len(ov.bands) != 2 {
		t.Fatalf("provider got alg=%v bands=%v", ov.alg, ov.bands)
	}
	if got := ds.Stats(); got.OverviewHit != 1 || got.GroupedPath != 0 {
		t.Fatalf("stats = %+v, want one overview hit", got)
	}
	for i, v := range buf {
		if v != 0xAB {
			t.Fatalf("byte %d = %#x, provider output not used", i, v)
		}
	}
}

func TestIO_OverviewDeclinesFallsToGrouped(t *testing.T) {
	ds, _ := newTestDataset(t, testDatasetConfig{bands: 2, gradient: true})
	ov := &fakeOverviews{handled: false}
	ds.SetOverviews(ov)

	buf := make([]byte, 2*4)
	if err := ds.Read(Window{0, 0, 8, 8}, buf, 2, 2, Resampling(Average)); err != nil {
		t.Fatalf("read: %v", err)
	}
	if ov.calls != 1 {
		t.Fatalf("provider called %d times, want 1", ov.calls)
	}
	if got := ds.Stats(); got.OverviewHit != 0 || got.GroupedPath != 1 {
		t.Fatalf("stats = %+v, want grouped fallback", got)
	}
}

func TestIO_OverviewNotConsultedForNearest(t *testing.T) {
	ds, _ := newTestDataset(t, testDatasetConfig{bands: 2, gradient: true})
	ov := &fakeOverviews{handled: true}
	ds.SetOverviews(ov)

	buf := make([]byte, 2*4)
	if err := ds.Read(Window{0, 0, 8, 8}, buf, 2, 2); err != nil {
		t.Fatalf("read: %v", err)
	}
	if ov.calls != 0 {
		t.Fatal("provider consulted for a nearest-neighbor read")
	}
}

// -----------------------------------------------------------------------------
// Masked resampling
// -----------------------------------------------------------------------------

func TestIO_AverageHonorsMaskBand(t *testing.T) {
	ds, sources := newTestDataset(t, testDatasetConfig{
		bands: 2,
		mask:  map[int]int{1: 2},
	})

	// Band 1: left half 10, right half 250. Band 2 (the mask): left half
	// valid, right half invalid.
	data := sources[0]
	mask := sources[1]
	for y := 0; y < 8; y++ {
		for x := 0; x < 8; x++ {
			i := y*8 + x
			if x < 4 {
				data.data[i] = 10
				mask.data[i] = 1
			} else {
				data.data[i] = 250
				mask.data[i] = 0
			}
		}
	}

	buf := make([]byte, 1)
	if err := ds.Read(Window{0, 0, 8, 8}, buf, 1, 1, Bands(1), Resampling(Average)); err != nil {
		t.Fatalf("read: %v", err)
	}
	if buf[0] != 10 {
		t.Fatalf("masked average = %d, want 10 (invalid pixels excluded)", buf[0])
	}
}
