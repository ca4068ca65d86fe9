package rastr

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"testing"
)

// -----------------------------------------------------------------------------
// Shared open identity
// -----------------------------------------------------------------------------

func TestOpenShared_SameSessionReturnsSameObject(t *testing.T) {
	drv := &stubDriver{name: "stub-shared", prefix: "stub-shared://"}
	RegisterDriver(drv)
	s := NewSession()

	name := "stub-shared://alpha"
	first, err := s.Open(name, Shared())
	if err != nil {
		t.Fatalf("first open: %v", err)
	}

	for i := 2; i <= 3; i++ {
		ds, err := s.Open(name, Shared())
		if err != nil {
			t.Fatalf("open %d: %v", i, err)
		}
		if ds != first {
			t.Fatalf("open %d returned a distinct object", i)
		}
		if got := ds.RefCount(); got != i {
			t.Fatalf("ref count after open %d = %d, want %d", i, got, i)
		}
	}
	if drv.opens != 1 {
		t.Fatalf("driver opened %d times, want 1", drv.opens)
	}

	// Three releases: only the last finalizes.
	for i := 0; i < 2; i++ {
		if err := first.Release(); err != nil {
			t.Fatalf("release %d: %v", i+1, err)
		}
		if first.Closed() {
			t.Fatalf("dataset closed after release %d of 3", i+1)
		}
	}
	if err := first.Release(); err != nil {
		t.Fatalf("final release: %v", err)
	}
	if !first.Closed() {
		t.Fatal("dataset not closed after final release")
	}
}

func TestOpenShared_DistinctSessionsGetDistinctObjects(t *testing.T) {
	RegisterDriver(&stubDriver{name: "stub-sess", prefix: "stub-sess://"})

	s1 := NewSession()
	s2 := NewSession()
	name := "stub-sess://beta"

	a, err := s1.Open(name, Shared())
	if err != nil {
		t.Fatalf("session 1 open: %v", err)
	}
	defer func() { _ = a.Release() }()

	b, err := s2.Open(name, Shared())
	if err != nil {
		t.Fatalf("session 2 open: %v", err)
	}
	defer func() { _ = b.Release() }()

	if a == b {
		t.Fatal("two sessions shared one dataset object")
	}
	if a.RefCount() != 1 || b.RefCount() != 1 {
		t.Fatalf("ref counts = %d, %d, want 1, 1", a.RefCount(), b.RefCount())
	}
}

func TestOpenShared_DifferentOptionsAreDifferentIdentities(t *testing.T) {
	RegisterDriver(&stubDriver{name: "stub-opts", prefix: "stub-opts://"})
	s := NewSession()

	a, err := s.Open("stub-opts://x", Shared(), Option("K", "1"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer func() { _ = a.Release() }()

	b, err := s.Open("stub-opts://x", Shared(), Option("K", "2"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer func() { _ = b.Release() }()

	if a == b {
		t.Fatal("distinct option lists resolved to one object")
	}
}

func TestOpen_NonSharedNeverDeduplicates(t *testing.T) {
	drv := &stubDriver{name: "stub-ns", prefix: "stub-ns://"}
	RegisterDriver(drv)
	s := NewSession()

	a, _ := s.Open("stub-ns://y")
	b, err := s.Open("stub-ns://y")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if a == b {
		t.Fatal("non-shared opens returned one object")
	}
	if a.Shared() || b.Shared() {
		t.Fatal("non-shared dataset marked shared")
	}
	_ = a.Release()
	_ = b.Release()
}

func TestOpen_NoDriver(t *testing.T) {
	s := NewSession()
	_, err := s.Open("noscheme://nothing-matches-this")
	if !errors.Is(err, ErrNoDriver) {
		t.Fatalf("err = %v, want ErrNoDriver", err)
	}
}

func TestOpen_AllowListExcludesMatchingDriver(t *testing.T) {
	RegisterDriver(&stubDriver{name: "stub-allow", prefix: "stub-allow://"})
	s := NewSession()

	_, err := s.Open("stub-allow://z", Drivers("some-other-driver"))
	if !errors.Is(err, ErrNoDriver) {
		t.Fatalf("err = %v, want ErrNoDriver", err)
	}

	ds, err := s.Open("stub-allow://z", Drivers("stub-allow"))
	if err != nil {
		t.Fatalf("open with allow-list: %v", err)
	}
	_ = ds.Release()
}

// -----------------------------------------------------------------------------
// Reference counting
// -----------------------------------------------------------------------------

func TestReferenceDereference_Identity(t *testing.T) {
	ds, _ := newTestDataset(t, testDatasetConfig{})

	for _, start := range []int{0, 1, 5} {
		ds.refCount = start
		ds.Reference()
		if got := ds.Dereference(); got != start {
			t.Fatalf("Reference+Dereference from %d = %d", start, got)
		}
	}
}

func TestReleaseRef(t *testing.T) {
	ds, _ := newTestDataset(t, testDatasetConfig{})
	ds.refCount = 2

	destroyed, err := ds.ReleaseRef()
	if err != nil {
		t.Fatalf("ReleaseRef: %v", err)
	}
	if destroyed {
		t.Fatal("ReleaseRef destroyed at count 2")
	}
	if ds.RefCount() != 1 || ds.Closed() {
		t.Fatalf("dataset unusable after non-final ReleaseRef (count=%d closed=%v)", ds.RefCount(), ds.Closed())
	}

	// Still usable: a read must succeed.
	buf := make([]byte, 16)
	if err := ds.Read(Window{0, 0, 4, 4}, buf, 4, 4); err != nil {
		t.Fatalf("read after non-final ReleaseRef: %v", err)
	}

	destroyed, err = ds.ReleaseRef()
	if err != nil {
		t.Fatalf("final ReleaseRef: %v", err)
	}
	if !destroyed || !ds.Closed() {
		t.Fatal("final ReleaseRef did not finalize the dataset")
	}
}

func TestClose_Idempotent(t *testing.T) {
	closes := 0
	src := newPlanarSource(8, 8, 4, 4, Byte)
	ds, err := NewDataset(DatasetDescriptor{
		Description: "test://close",
		Width:       8,
		Height:      8,
		Bands:       []BandDescriptor{{DataType: Byte, BlockWidth: 4, BlockHeight: 4, Source: src}},
		OnClose: func() error {
			closes++
			return nil
		},
	})
	if err != nil {
		t.Fatalf("NewDataset: %v", err)
	}

	for i := 0; i < 3; i++ {
		if err := ds.Close(); err != nil {
			t.Fatalf("close %d: %v", i+1, err)
		}
	}
	if closes != 1 {
		t.Fatalf("driver close hook ran %d times, want 1", closes)
	}
}

// -----------------------------------------------------------------------------
// Recursive open protection
// -----------------------------------------------------------------------------

func TestOpen_RecursiveOpenFails(t *testing.T) {
	var recursiveErr error
	drv := &stubDriver{name: "stub-rec", prefix: "stub-rec://"}
	drv.openFn = func(ctx context.Context, req *OpenRequest) (*Dataset, error) {
		// A confused driver re-opening its own target.
		_, recursiveErr = req.Session.Open(req.Name, Drivers("stub-rec"))
		return nil, fmt.Errorf("giving up: %w", recursiveErr)
	}
	RegisterDriver(drv)
	RegisterDriver(&stubDriver{name: "stub-rec-ok", prefix: "stub-rec-ok://"})

	s := NewSession()
	_, err := s.Open("stub-rec://self", Drivers("stub-rec"))
	if err == nil {
		t.Fatal("recursive open succeeded")
	}
	if !errors.Is(recursiveErr, ErrRecursiveOpen) {
		t.Fatalf("inner error = %v, want ErrRecursiveOpen", recursiveErr)
	}
	if got := s.OpenDepth(); got != 0 {
		t.Fatalf("open depth after failed open = %d, want 0 (guard state leaked)", got)
	}

	// The guard unwound: an unrelated open on the same session succeeds.
	ds, err := s.Open("stub-rec-ok://other")
	if err != nil {
		t.Fatalf("follow-up open: %v", err)
	}
	_ = ds.Release()
}

func TestOpen_SameNameDifferentFlagsIsNotRecursion(t *testing.T) {
	drv := &stubDriver{name: "stub-rec2", prefix: "stub-rec2://"}
	drv.openFn = func(ctx context.Context, req *OpenRequest) (*Dataset, error) {
		if req.Access == UpdateAccess {
			// Legitimate pattern: an update open consulting a read-only
			// view of the same target.
			inner, err := req.Session.Open(req.Name, Drivers("stub-rec2"))
			if err != nil {
				return nil, err
			}
			_ = inner.Release()
		}
		src := newPlanarSource(8, 8, 4, 4, Byte)
		return NewDataset(DatasetDescriptor{
			Description: req.Name,
			Access:      req.Access,
			Width:       8,
			Height:      8,
			Bands:       []BandDescriptor{{DataType: Byte, BlockWidth: 4, BlockHeight: 4, Source: src}},
		})
	}
	RegisterDriver(drv)

	s := NewSession()
	ds, err := s.Open("stub-rec2://mixed", Update(), Drivers("stub-rec2"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	_ = ds.Release()
}

// -----------------------------------------------------------------------------
// Registry introspection
// -----------------------------------------------------------------------------

func TestDumpOpenDatasets(t *testing.T) {
	ds, _ := newTestDataset(t, testDatasetConfig{name: "test://dump-me", bands: 2})
	ds.Reference()

	var buf bytes.Buffer
	n, err := DumpOpenDatasets(&buf)
	if err != nil {
		t.Fatalf("dump: %v", err)
	}
	if n < 1 {
		t.Fatalf("dump reported %d entries, want >= 1", n)
	}

	var entries []dumpEntry
	if err := json.Unmarshal(buf.Bytes(), &entries); err != nil {
		t.Fatalf("dump output is not valid JSON: %v", err)
	}
	found := false
	for _, e := range entries {
		if e.Description == "test://dump-me" {
			found = true
			if e.Bands != 2 || e.RefCount != 1 {
				t.Fatalf("dump entry wrong: %+v", e)
			}
		}
	}
	if !found {
		t.Fatal("open dataset missing from dump")
	}
}

func TestUnregister_Idempotent(t *testing.T) {
	ds, _ := newTestDataset(t, testDatasetConfig{})
	r := datasetRegistry()

	before := OpenDatasetCount()
	r.unregister(ds)
	r.unregister(ds) // second removal is a no-op
	if got := OpenDatasetCount(); got != before-1 {
		t.Fatalf("count after double unregister = %d, want %d", got, before-1)
	}
}

func TestMarkShared_DuplicateKeepsExistingAuthoritative(t *testing.T) {
	a, _ := newTestDataset(t, testDatasetConfig{name: "test://dup-shared"})
	b, _ := newTestDataset(t, testDatasetConfig{name: "test://dup-shared"})

	a.markAsShared(0)
	if !a.Shared() {
		t.Fatal("first markAsShared failed")
	}
	b.markAsShared(0)
	if b.Shared() {
		t.Fatal("duplicate registration displaced the existing entry")
	}

	key := a.sharedKey(0)
	if got := datasetRegistry().resolveShared(key); got != a {
		t.Fatal("pre-existing entry no longer authoritative")
	}
}
