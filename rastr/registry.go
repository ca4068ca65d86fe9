package rastr

import (
	"fmt"
	"io"
	"log/slog"
	"sync"

	jsoniter "github.com/json-iterator/go"
)

// json is a drop-in replacement for encoding/json with better performance.
var json = jsoniter.ConfigCompatibleWithStandardLibrary

// -----------------------------------------------------------------------------
// Open-dataset registry
// -----------------------------------------------------------------------------

// sharedKey identifies one shared open. Two opens with the same name, the
// same access, option lists that concatenate identically, and the same owning
// session resolve to the same dataset object.
type sharedKey struct {
	description string
	access      Access
	options     string
	owner       uint64
}

// registry holds the process-wide open-dataset state: every live dataset
// (for introspection and bulk enumeration) and the shared-open index (for
// deduplication). One lock guards both maps and is held only for the map
// mutation itself, never across a driver's open or close call, which may
// re-enter the registry.
type registry struct {
	mu sync.Mutex

	// allOpen maps every live dataset to its owning session id.
	allOpen map[*Dataset]uint64

	// shared indexes shared datasets by open identity.
	shared map[sharedKey]*Dataset
}

var (
	openRegistry     *registry
	openRegistryOnce sync.Once
)

// datasetRegistry returns the explicitly lazily-initialized singleton. The
// maps are created on first use and emptied (not recreated) as datasets
// leave; this keeps the lifecycle independent of package initialization
// order.
func datasetRegistry() *registry {
	openRegistryOnce.Do(func() {
		initConfig()
		openRegistry = &registry{
			allOpen: make(map[*Dataset]uint64),
			shared:  make(map[sharedKey]*Dataset),
		}
	})
	return openRegistry
}

// optionsJoined concatenates open options in their given order. No sorting:
// identity follows what the caller passed.
func optionsJoined(options []KV) string {
	joined := ""
	for _, kv := range options {
		joined += kv.Key + "=" + kv.Value + ";"
	}
	return joined
}

// register adds a dataset to the all-open tracking map.
func (r *registry) register(ds *Dataset, owner uint64) {
	r.mu.Lock()
	r.allOpen[ds] = owner
	r.mu.Unlock()
}

// resolveShared looks up a live shared dataset for the key, or nil.
func (r *registry) resolveShared(key sharedKey) *Dataset {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.shared[key]
}

// markShared inserts a dataset into the shared index under its own identity.
// A pre-existing entry under the same key is a logic error (callers must
// resolve first): it is reported, the existing entry stays authoritative,
// and the newcomer is left unshared.
func (r *registry) markShared(ds *Dataset, owner uint64) bool {
	key := ds.sharedKey(owner)
	r.mu.Lock()
	if prev, exists := r.shared[key]; exists && prev != ds {
		r.mu.Unlock()
		slog.Error("rastr: dataset already registered as shared",
			"description", ds.Description(),
			"access", ds.Access().String())
		return false
	}
	r.shared[key] = ds
	r.mu.Unlock()
	return true
}

// unregister removes a dataset from both maps. Idempotent: absent entries
// are a no-op. Must be called before the dataset's open identity (flags,
// options) is mutated, since removal needs the pre-mutation key.
func (r *registry) unregister(ds *Dataset) {
	r.mu.Lock()
	owner, tracked := r.allOpen[ds]
	if tracked {
		delete(r.allOpen, ds)
	}
	key := ds.sharedKey(owner)
	if r.shared[key] == ds {
		delete(r.shared, key)
	}
	r.mu.Unlock()
}

// OpenDatasetCount reports how many dataset objects are currently live.
func OpenDatasetCount() int {
	r := datasetRegistry()
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.allOpen)
}

// dumpEntry is one line of the introspection dump.
type dumpEntry struct {
	Instance    string `json:"instance"`
	Description string `json:"description"`
	Access      string `json:"access"`
	Shared      bool   `json:"shared"`
	RefCount    int    `json:"ref_count"`
	Owner       uint64 `json:"owner"`
	Width       int    `json:"width"`
	Height      int    `json:"height"`
	Bands       int    `json:"bands"`
}

// DumpOpenDatasets writes a JSON description of every live dataset to w and
// returns the number of entries written. Intended for leak debugging.
func DumpOpenDatasets(w io.Writer) (int, error) {
	r := datasetRegistry()

	r.mu.Lock()
	entries := make([]dumpEntry, 0, len(r.allOpen))
	for ds, owner := range r.allOpen {
		entries = append(entries, dumpEntry{
			Instance:    ds.InstanceID(),
			Description: ds.Description(),
			Access:      ds.Access().String(),
			Shared:      ds.Shared(),
			RefCount:    ds.RefCount(),
			Owner:       owner,
			Width:       ds.structure.Width,
			Height:      ds.structure.Height,
			Bands:       len(ds.bands),
		})
	}
	r.mu.Unlock()

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(entries); err != nil {
		return 0, fmt.Errorf("rastr: dump open datasets: %w", err)
	}
	return len(entries), nil
}
