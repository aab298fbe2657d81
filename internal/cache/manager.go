package cache

import (
	"fmt"
	"net/url"
	"path"
	"regexp"
	"runtime"
	"strings"
	"sync"

	"github.com/3liz/qjazz-gateway/internal/apperror"
	"github.com/3liz/qjazz-gateway/internal/config"
	"github.com/3liz/qjazz-gateway/internal/log"
	"github.com/3liz/qjazz-gateway/internal/metrics"
)

// route is a compiled search path entry: a static prefix or a dynamic
// regex-derived pattern mapping a location to a storage root URL.
type route struct {
	location string
	rootURL  *url.URL
	dynamic  bool
	pattern  *regexp.Regexp
}

func compileRoute(sp config.SearchPath) (*route, error) {
	root, err := url.Parse(sp.RootURL)
	if err != nil {
		return nil, apperror.Wrap(apperror.KindInvalidArgument, err, "invalid root url %q", sp.RootURL)
	}
	r := &route{location: strings.TrimSuffix(sp.Location, "/"), rootURL: root, dynamic: sp.Dynamic}
	if sp.Dynamic {
		pat, err := regexp.Compile(sp.Location)
		if err != nil {
			return nil, apperror.Wrap(apperror.KindInvalidArgument, err, "invalid dynamic route pattern %q", sp.Location)
		}
		r.pattern = pat
	}
	return r, nil
}

// match reports whether p falls under this route and, if so, the relative
// remainder of p beneath the route's location.
func (r *route) match(p string) (string, bool) {
	if r.dynamic {
		loc := r.pattern.FindString(p)
		if loc == "" {
			return "", false
		}
		return strings.TrimPrefix(strings.TrimPrefix(p, loc), "/"), true
	}
	if p != r.location && !strings.HasPrefix(p, r.location+"/") {
		return "", false
	}
	rel := strings.TrimPrefix(p, r.location)
	return strings.TrimPrefix(rel, "/"), true
}

// resolve builds the destination URL for a matched route and remainder,
// honoring a "{path}" template substitution in the root URL's query, or
// else appending the remainder to the root URL's path.
func (r *route) resolve(remainder string) *url.URL {
	out := *r.rootURL
	if strings.Contains(out.RawQuery, "{path}") {
		out.RawQuery = strings.ReplaceAll(out.RawQuery, "{path}", remainder)
		return &out
	}
	out.Path = path.Join(out.Path, remainder)
	return &out
}

// Manager is the per-worker cache manager: a keyed set of loaded projects
// with an explicit checkout state machine, eviction policy and atomic
// update semantics. Logically single-threaded per worker, but guarded by a
// mutex since admin operations and the request-handling path may reach it
// from different goroutines inside the same process.
type Manager struct {
	mu       sync.Mutex
	cfg      *config.ProjectsConfig
	registry *Registry
	routes   []*route
	cache    map[string]*CacheEntry
	workerID string

	// release is invoked for every entry leaving the cache (drop, eviction,
	// reload, clear), so the renderer can free per-project state.
	release func(ProjectHandle)
}

// SetReleaseHook installs the callback invoked whenever an entry is
// destroyed.
func (m *Manager) SetReleaseHook(f func(ProjectHandle)) { m.release = f }

func (m *Manager) releaseEntry(e *CacheEntry) {
	if e != nil && e.Project != nil && m.release != nil {
		m.release(e.Project)
	}
}

// NewManager constructs a Manager bound to the given projects configuration
// and protocol handler registry.
func NewManager(cfg *config.ProjectsConfig, registry *Registry, workerID string) (*Manager, error) {
	m := &Manager{cfg: cfg, registry: registry, cache: make(map[string]*CacheEntry), workerID: workerID}
	for _, sp := range cfg.SearchPaths {
		r, err := compileRoute(sp)
		if err != nil {
			return nil, err
		}
		handler, err := registry.Get(r.rootURL.Scheme)
		if err != nil {
			return nil, err
		}
		if err := handler.ValidateRootURL(r.rootURL, r.dynamic); err != nil {
			return nil, err
		}
		m.routes = append(m.routes, r)
	}
	return m, nil
}

// ResolvePath applies search-path rules to a logical client path, returning
// the resolved storage URL.
func (m *Manager) ResolvePath(p string, allowDirect bool) (*url.URL, error) {
	clean := "/" + strings.Trim(p, "/")
	for _, r := range m.routes {
		rel, ok := r.match(clean)
		if !ok {
			continue
		}
		return r.resolve(rel), nil
	}
	if allowDirect || m.cfg.AllowDirectPathResolution {
		u, err := url.Parse(clean)
		if err != nil {
			return nil, apperror.Wrap(apperror.KindInvalidArgument, err, "invalid path %q", p)
		}
		if u.Scheme == "" {
			u.Scheme = "file"
		}
		return u, nil
	}
	return nil, apperror.New(apperror.KindResourceNotAllowed, "resource not allowed: %s", p)
}

// Checkout is a pure query against the cache: it never mutates state. It
// reports what Update would have to do to bring the cache coherent with
// storage for u.
func (m *Manager) Checkout(u *url.URL) (any, CheckoutStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.checkoutLocked(u)
}

func (m *Manager) checkoutLocked(u *url.URL) (any, CheckoutStatus, error) {
	handler, err := m.registry.Get(u.Scheme)
	if err != nil {
		return nil, 0, err
	}
	md, err := handler.ProjectMetadata(u)
	if err != nil {
		if apperror.KindOf(err) == apperror.KindNotFound {
			attemptedURI, _ := handler.ResolveURI(u)
			if e, ok := m.cache[attemptedURI]; ok {
				metrics.CacheHitsTotal.WithLabelValues(StatusRemoved.String()).Inc()
				return e, StatusRemoved, nil
			}
			metrics.CacheHitsTotal.WithLabelValues(StatusNotFound.String()).Inc()
			return nil, StatusNotFound, nil
		}
		return nil, 0, err
	}
	if e, ok := m.cache[md.URI]; ok {
		if md.LastModified > e.MD.LastModified {
			metrics.CacheHitsTotal.WithLabelValues(StatusNeedUpdate.String()).Inc()
			return e, StatusNeedUpdate, nil
		}
		metrics.CacheHitsTotal.WithLabelValues(StatusUnchanged.String()).Inc()
		return e, StatusUnchanged, nil
	}
	metrics.CacheHitsTotal.WithLabelValues(StatusNew.String()).Inc()
	return md, StatusNew, nil
}

// Update mutates the cache according to status: NEW loads and inserts,
// NEEDUPDATE reloads in place (returning UPDATED), REMOVED deletes,
// UNCHANGED/UPDATED echo the existing entry, NOTFOUND is rejected.
func (m *Manager) Update(md ProjectMetadata, status CheckoutStatus, pinned bool) (*CacheEntry, CheckoutStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updateLocked(md, status, pinned)
}

func (m *Manager) updateLocked(md ProjectMetadata, status CheckoutStatus, pinned bool) (*CacheEntry, CheckoutStatus, error) {
	handler, err := m.registry.Get(md.Scheme)
	if err != nil {
		return nil, 0, err
	}
	switch status {
	case StatusNew:
		log.Debug(fmt.Sprintf("cache update: adding new entry %s", md.URI))
		if err := m.ensureCapacityLocked(); err != nil {
			return nil, 0, err
		}
		entry, err := m.loadEntryLocked(md, handler, pinned)
		if err != nil {
			return nil, 0, err
		}
		m.cache[md.URI] = entry // always replace, resolving the Open Question in DESIGN.md
		metrics.CacheEntriesTotal.WithLabelValues(m.workerID).Set(float64(len(m.cache)))
		return entry, StatusNew, nil
	case StatusNeedUpdate:
		log.Debug(fmt.Sprintf("cache update: updating entry %s", md.URI))
		wasPinned := false
		var prevMem int64
		if old, ok := m.cache[md.URI]; ok {
			wasPinned = old.Pinned()
			prevMem = old.Debug.LoadMemoryBytes
			delete(m.cache, md.URI)
			m.releaseEntry(old)
		}
		entry, err := m.loadEntryLocked(md, handler, pinned || wasPinned)
		if err != nil {
			return nil, 0, err
		}
		if entry.Debug.LoadMemoryBytes < prevMem {
			entry.Debug.LoadMemoryBytes = prevMem
		}
		m.cache[md.URI] = entry
		return entry, StatusUpdated, nil
	case StatusUnchanged, StatusUpdated:
		entry, ok := m.cache[md.URI]
		if !ok {
			return nil, 0, apperror.New(apperror.KindNotFound, "no cache entry for %s", md.URI)
		}
		return entry, status, nil
	case StatusRemoved:
		log.Debug(fmt.Sprintf("cache update: removing entry %s", md.URI))
		entry := m.deleteLocked(md.URI)
		return entry, StatusRemoved, nil
	case StatusNotFound:
		return nil, 0, apperror.New(apperror.KindInvalidArgument, "update() must never be called with NOTFOUND")
	default:
		return nil, 0, apperror.New(apperror.KindInternal, "unreachable checkout status %d", status)
	}
}

func (m *Manager) loadEntryLocked(md ProjectMetadata, handler ProtocolHandler, pinned bool) (*CacheEntry, error) {
	timer := metrics.NewTimer()
	var prevMem int64
	if old, ok := m.cache[md.URI]; ok {
		prevMem = old.Debug.LoadMemoryBytes
	}
	flags := LoadFlags{
		TrustLayerMetadata:  m.cfg.TrustLayerMetadata,
		DisablePrintLayouts: m.cfg.DisableGetPrint,
		ReadOnly:            m.cfg.ForceReadonlyLayers,
		IgnoreBadLayers:     m.cfg.IgnoreBadLayers,
	}
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	heapBefore := int64(ms.HeapAlloc)

	project, err := handler.LoadProject(md, flags)
	if err != nil {
		return nil, err
	}
	elapsed := timer.Duration()
	metrics.CacheLoadDuration.Observe(elapsed.Seconds())

	// Best-effort heap delta with a monotonic floor: if the new measurement
	// regresses below the previous load's footprint (GC ran mid-load), keep
	// the previous value.
	runtime.ReadMemStats(&ms)
	usedMem := int64(ms.HeapAlloc) - heapBefore
	if usedMem < prevMem {
		usedMem = prevMem
	}
	entry := newCacheEntry(md, project, DebugMetadata{
		LoadMemoryBytes: usedMem,
		LoadTimeMS:      elapsed.Milliseconds(),
	})
	if pinned {
		entry.Pin()
	}
	return entry, nil
}

func (m *Manager) deleteLocked(uri string) *CacheEntry {
	entry, ok := m.cache[uri]
	if !ok {
		return nil
	}
	delete(m.cache, uri)
	m.releaseEntry(entry)
	metrics.CacheEntriesTotal.WithLabelValues(m.workerID).Set(float64(len(m.cache)))
	return entry
}

// ensureCapacityLocked evicts a non-pinned entry by popularity when
// max_projects would be exceeded by a new insertion. Returns a
// CapacityExhausted error if capacity is full and no entry is evictable.
func (m *Manager) ensureCapacityLocked() error {
	if m.cfg.MaxProjects <= 0 || len(m.cache) < m.cfg.MaxProjects {
		return nil
	}
	if m.evictByPopularityLocked() == nil {
		return apperror.New(apperror.KindCapacityExhausted, "cache is full (max_projects=%d) and no evictable entry was found", m.cfg.MaxProjects)
	}
	return nil
}

// evictByPopularityLocked selects the non-pinned entry minimizing
// hits/(now-timestamp) and removes it.
func (m *Manager) evictByPopularityLocked() *CacheEntry {
	var candidate *CacheEntry
	var best float64
	n := now()
	for _, e := range m.cache {
		if e.Pinned() {
			continue
		}
		score := e.Score(n)
		if candidate == nil || score < best {
			candidate, best = e, score
		}
	}
	if candidate == nil {
		return nil
	}
	delete(m.cache, candidate.MD.URI)
	m.releaseEntry(candidate)
	metrics.CacheEvictionsTotal.Inc()
	metrics.CacheEntriesTotal.WithLabelValues(m.workerID).Set(float64(len(m.cache)))
	return candidate
}

// EvictByPopularity evicts the least-popular non-pinned entry, if any.
func (m *Manager) EvictByPopularity() *CacheEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.evictByPopularityLocked()
}

// UpdateCache refreshes metadata for every cached entry and applies
// NEEDUPDATE/REMOVED transitions as appropriate.
func (m *Manager) UpdateCache() ([]*CacheEntry, []CheckoutStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	uris := make([]string, 0, len(m.cache))
	for uri := range m.cache {
		uris = append(uris, uri)
	}
	entries := make([]*CacheEntry, 0, len(uris))
	statuses := make([]CheckoutStatus, 0, len(uris))
	for _, uri := range uris {
		e, ok := m.cache[uri]
		if !ok {
			continue
		}
		u, err := url.Parse(e.MD.URI)
		if err != nil {
			continue
		}
		handler, err := m.registry.Get(e.MD.Scheme)
		if err != nil {
			continue
		}
		md, err := handler.ProjectMetadata(u)
		if err != nil {
			if apperror.KindOf(err) == apperror.KindNotFound {
				updated, status, err := m.updateLocked(e.MD, StatusRemoved, e.Pinned())
				if err != nil {
					return nil, nil, err
				}
				entries = append(entries, updated)
				statuses = append(statuses, status)
			}
			continue
		}
		if md.LastModified > e.MD.LastModified {
			updated, status, err := m.updateLocked(md, StatusNeedUpdate, e.Pinned())
			if err != nil {
				return nil, nil, err
			}
			entries = append(entries, updated)
			statuses = append(statuses, status)
		} else {
			entries = append(entries, e)
			statuses = append(statuses, StatusUnchanged)
		}
	}
	return entries, statuses, nil
}

// Clear removes every entry from the cache, releasing each one.
func (m *Manager) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.cache {
		m.releaseEntry(e)
	}
	m.cache = make(map[string]*CacheEntry)
	metrics.CacheEntriesTotal.WithLabelValues(m.workerID).Set(0)
}

// Iter returns a snapshot slice of all current entries.
func (m *Manager) Iter() []*CacheEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*CacheEntry, 0, len(m.cache))
	for _, e := range m.cache {
		out = append(out, e)
	}
	return out
}

// Len reports the number of resident entries.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.cache)
}

// Drop removes a single entry by URI, returning it (or nil if absent).
func (m *Manager) Drop(uri string) *CacheEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deleteLocked(uri)
}

// CollectProjects enumerates metadata from every configured search path
// (or a single named location), for the Catalog RPC.
func (m *Manager) CollectProjects(location string) ([]ProjectMetadata, error) {
	var out []ProjectMetadata
	for _, r := range m.routes {
		if location != "" && r.location != location {
			continue
		}
		handler, err := m.registry.Get(r.rootURL.Scheme)
		if err != nil {
			return nil, err
		}
		mds, err := handler.ListProjects(r.rootURL)
		if err != nil {
			return nil, err
		}
		out = append(out, mds...)
	}
	return out, nil
}

// Registry exposes the manager's protocol handler registry, e.g. for the
// worker's direct-load path.
func (m *Manager) Registry() *Registry { return m.registry }
