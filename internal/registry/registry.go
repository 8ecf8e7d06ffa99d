// Package registry is the durable store of strategy definitions.
//
// Strategies are keyed by (id, version). Secondary indexes by domain,
// tag, and complexity tier are maintained incrementally under the same
// lock as the primary write, so the store and its indexes can never
// diverge. A small LRU read cache with TTL fronts lookups; an optional
// fsnotify watcher invalidates it when the persistence file changes on
// disk out from under the daemon.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/fyrsmithlabs/rolloutd/internal/logging"
	"github.com/fyrsmithlabs/rolloutd/internal/strategy"
	"go.uber.org/zap"
)

// Errors for registry operations.
var (
	ErrDuplicateVersion = errors.New("strategy version already registered")
	ErrNotFound         = errors.New("strategy not found")
	ErrRegistryCorrupt  = errors.New("registry file corrupted")
)

// idPattern validates strategy ids.
var idPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]*$`)

// fileVersion guards the persisted format.
const fileVersion = 1

// fileData is the persisted registry structure.
type fileData struct {
	Version    int                  `json:"version"`
	Strategies []*strategy.Strategy `json:"strategies"`
}

// Registry stores strategies with secondary indexes and JSON persistence.
type Registry struct {
	mu       sync.RWMutex
	byID     map[string]map[string]*strategy.Strategy // id -> version -> strategy
	versions map[string][]string                      // id -> sorted versions, ascending
	index    *indexes

	filePath string
	cache    *Cache
	watcher  *fileWatcher
	logger   *logging.Logger
}

// Options configures a Registry.
type Options struct {
	// FilePath is the JSON persistence file. Empty means in-memory only.
	FilePath     string
	CacheEntries int
	CacheTTL     time.Duration
	// WatchFile starts an fsnotify watcher on FilePath that drops the
	// read cache when the file changes outside this process.
	WatchFile bool
	Logger    *logging.Logger
}

// New creates a registry, loading existing state from the persistence
// file if present.
func New(opts Options) (*Registry, error) {
	if opts.Logger == nil {
		opts.Logger = logging.NewNop()
	}
	r := &Registry{
		byID:     make(map[string]map[string]*strategy.Strategy),
		versions: make(map[string][]string),
		index:    newIndexes(),
		filePath: opts.FilePath,
		cache:    NewCache(opts.CacheEntries, opts.CacheTTL),
		logger:   opts.Logger.Named("registry"),
	}

	if r.filePath != "" {
		if err := r.load(); err != nil {
			return nil, err
		}
		if opts.WatchFile {
			w, err := newFileWatcher(r.filePath, r.onFileChanged, r.logger)
			if err != nil {
				return nil, fmt.Errorf("starting registry file watcher: %w", err)
			}
			r.watcher = w
		}
	}
	return r, nil
}

// Close stops the file watcher if one is running.
func (r *Registry) Close() error {
	if r.watcher != nil {
		return r.watcher.Close()
	}
	return nil
}

// Register stores a new draft strategy. The (id, version) pair must be
// unique; a duplicate leaves the store untouched and returns
// ErrDuplicateVersion.
func (r *Registry) Register(ctx context.Context, s *strategy.Strategy) (*strategy.Strategy, error) {
	if !idPattern.MatchString(s.ID) {
		return nil, fmt.Errorf("%w: %q", strategy.ErrInvalidID, s.ID)
	}
	if !strategy.ValidVersion(s.Version) {
		return nil, fmt.Errorf("%w: %q", strategy.ErrInvalidVersion, s.Version)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byID[s.ID][s.Version]; exists {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateVersion, s.Ref())
	}

	stored := s.Clone()
	stored.Status = strategy.StatusDraft
	stored.CreatedAt = time.Now().UTC()

	if r.byID[stored.ID] == nil {
		r.byID[stored.ID] = make(map[string]*strategy.Strategy)
	}
	r.byID[stored.ID][stored.Version] = stored
	r.insertVersion(stored.ID, stored.Version)
	r.index.add(stored)

	if err := r.persistLocked(); err != nil {
		// Roll the insert back so the store and indexes stay consistent
		// with what is on disk.
		delete(r.byID[stored.ID], stored.Version)
		if len(r.byID[stored.ID]) == 0 {
			delete(r.byID, stored.ID)
		}
		r.removeVersion(stored.ID, stored.Version)
		r.index.remove(stored)
		return nil, err
	}

	r.cache.InvalidateStrategy(stored.ID)
	r.logger.Info(ctx, "strategy registered", zap.String("ref", stored.Ref().String()))
	return stored.Clone(), nil
}

// Get returns the strategy matching id and version spec. An empty spec
// (or "latest"/"*") resolves to the highest registered version. Exact
// versions and caret/tilde specs are honored.
func (r *Registry) Get(ctx context.Context, id, spec string) (*strategy.Strategy, error) {
	if s, ok := r.cache.Get(id, spec); ok {
		return s, nil
	}

	r.mu.RLock()
	s, err := r.resolveLocked(id, spec)
	if err != nil {
		r.mu.RUnlock()
		return nil, err
	}
	out := s.Clone()
	r.mu.RUnlock()

	r.cache.Put(id, spec, out)
	return out.Clone(), nil
}

// resolveLocked picks the highest version of id satisfying spec. Caller
// holds at least a read lock.
func (r *Registry) resolveLocked(id, spec string) (*strategy.Strategy, error) {
	vs := r.versions[id]
	if len(vs) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	for i := len(vs) - 1; i >= 0; i-- {
		ok, err := strategy.MatchesSpec(vs[i], spec)
		if err != nil {
			return nil, err
		}
		if ok {
			return r.byID[id][vs[i]], nil
		}
	}
	return nil, fmt.Errorf("%w: %s@%s", ErrNotFound, id, spec)
}

// Update applies fn to the stored strategy under the write lock,
// reindexing and persisting the result. fn returning an error aborts the
// update with no visible effect.
func (r *Registry) Update(ctx context.Context, ref strategy.Ref, fn func(*strategy.Strategy) error) (*strategy.Strategy, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, ok := r.byID[ref.ID][ref.Version]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, ref)
	}

	next := stored.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	// Identity is immutable.
	next.ID, next.Version = stored.ID, stored.Version

	r.index.remove(stored)
	r.byID[ref.ID][ref.Version] = next
	r.index.add(next)

	if err := r.persistLocked(); err != nil {
		r.index.remove(next)
		r.byID[ref.ID][ref.Version] = stored
		r.index.add(stored)
		return nil, err
	}

	r.cache.InvalidateStrategy(ref.ID)
	return next.Clone(), nil
}

// Delete removes a strategy version. Used by GC after archival.
func (r *Registry) Delete(ctx context.Context, ref strategy.Ref) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, ok := r.byID[ref.ID][ref.Version]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, ref)
	}

	delete(r.byID[ref.ID], ref.Version)
	if len(r.byID[ref.ID]) == 0 {
		delete(r.byID, ref.ID)
	}
	r.removeVersion(ref.ID, ref.Version)
	r.index.remove(stored)

	if err := r.persistLocked(); err != nil {
		if r.byID[ref.ID] == nil {
			r.byID[ref.ID] = make(map[string]*strategy.Strategy)
		}
		r.byID[ref.ID][ref.Version] = stored
		r.insertVersion(ref.ID, ref.Version)
		r.index.add(stored)
		return err
	}

	r.cache.InvalidateStrategy(ref.ID)
	r.logger.Info(ctx, "strategy deleted", zap.String("ref", ref.String()))
	return nil
}

// Versions returns the registered versions of id, ascending.
func (r *Registry) Versions(id string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.versions[id]...)
}

// All returns clones of every registered strategy.
func (r *Registry) All() []*strategy.Strategy {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*strategy.Strategy
	for _, byVersion := range r.byID {
		for _, s := range byVersion {
			out = append(out, s.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ID != out[j].ID {
			return out[i].ID < out[j].ID
		}
		return strategy.CompareVersions(out[i].Version, out[j].Version) < 0
	})
	return out
}

// ListByDomain returns strategies in the given domain.
func (r *Registry) ListByDomain(domain string) []*strategy.Strategy {
	return r.lookupIndex(func(ix *indexes) []strategy.Ref { return ix.byDomain[domain] })
}

// ListByTag returns strategies carrying the given tag.
func (r *Registry) ListByTag(tag string) []*strategy.Strategy {
	return r.lookupIndex(func(ix *indexes) []strategy.Ref { return ix.byTag[tag] })
}

// ListByComplexity returns strategies in the given complexity tier.
func (r *Registry) ListByComplexity(tier strategy.ComplexityTier) []*strategy.Strategy {
	return r.lookupIndex(func(ix *indexes) []strategy.Ref { return ix.byComplexity[tier] })
}

func (r *Registry) lookupIndex(pick func(*indexes) []strategy.Ref) []*strategy.Strategy {
	r.mu.RLock()
	defer r.mu.RUnlock()

	refs := pick(r.index)
	out := make([]*strategy.Strategy, 0, len(refs))
	for _, ref := range refs {
		if s, ok := r.byID[ref.ID][ref.Version]; ok {
			out = append(out, s.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ID != out[j].ID {
			return out[i].ID < out[j].ID
		}
		return strategy.CompareVersions(out[i].Version, out[j].Version) < 0
	})
	return out
}

// CacheStats exposes read-cache counters for metrics and GC.
func (r *Registry) CacheStats() CacheStats {
	return r.cache.Stats()
}

// EvictCacheToWatermark trims the read cache down to watermark*capacity
// entries. Called by GC when usage crosses the high watermark.
func (r *Registry) EvictCacheToWatermark(watermark float64) int {
	return r.cache.EvictToWatermark(watermark)
}

// insertVersion keeps r.versions[id] sorted ascending. Caller holds the
// write lock.
func (r *Registry) insertVersion(id, version string) {
	vs := r.versions[id]
	at := sort.Search(len(vs), func(i int) bool {
		return strategy.CompareVersions(vs[i], version) >= 0
	})
	vs = append(vs, "")
	copy(vs[at+1:], vs[at:])
	vs[at] = version
	r.versions[id] = vs
}

func (r *Registry) removeVersion(id, version string) {
	vs := r.versions[id]
	for i, v := range vs {
		if v == version {
			r.versions[id] = append(vs[:i], vs[i+1:]...)
			break
		}
	}
	if len(r.versions[id]) == 0 {
		delete(r.versions, id)
	}
}

// persistLocked writes the store to disk atomically (temp file + rename).
// Caller holds the write lock. No-op for in-memory registries.
func (r *Registry) persistLocked() error {
	if r.filePath == "" {
		return nil
	}

	data := fileData{Version: fileVersion}
	for _, byVersion := range r.byID {
		for _, s := range byVersion {
			data.Strategies = append(data.Strategies, s)
		}
	}
	sort.Slice(data.Strategies, func(i, j int) bool {
		a, b := data.Strategies[i], data.Strategies[j]
		if a.ID != b.ID {
			return a.ID < b.ID
		}
		return strategy.CompareVersions(a.Version, b.Version) < 0
	})

	blob, err := json.MarshalIndent(&data, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling registry: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(r.filePath), 0o700); err != nil {
		return fmt.Errorf("creating registry directory: %w", err)
	}
	tmp := r.filePath + ".tmp"
	if err := os.WriteFile(tmp, blob, 0o600); err != nil {
		return fmt.Errorf("writing registry file: %w", err)
	}
	if err := os.Rename(tmp, r.filePath); err != nil {
		return fmt.Errorf("replacing registry file: %w", err)
	}

	if r.watcher != nil {
		r.watcher.MarkSelfWrite()
	}
	return nil
}

// load reads the persistence file into the store. Missing file is fine.
func (r *Registry) load() error {
	blob, err := os.ReadFile(r.filePath)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading registry file: %w", err)
	}

	var data fileData
	if err := json.Unmarshal(blob, &data); err != nil {
		return fmt.Errorf("%w: %v", ErrRegistryCorrupt, err)
	}
	if data.Version != fileVersion {
		return fmt.Errorf("%w: unsupported file version %d", ErrRegistryCorrupt, data.Version)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range data.Strategies {
		if r.byID[s.ID] == nil {
			r.byID[s.ID] = make(map[string]*strategy.Strategy)
		}
		r.byID[s.ID][s.Version] = s
		r.insertVersion(s.ID, s.Version)
		r.index.add(s)
	}
	return nil
}

// onFileChanged is the watcher callback for external writes.
func (r *Registry) onFileChanged() {
	r.cache.InvalidateAll()
	r.logger.Warn(context.Background(), "registry file changed on disk, read cache invalidated")
}
