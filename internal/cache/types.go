// Package cache implements the project cache / checkout engine: the state
// machine that decides which projects are resident in a worker's memory,
// and the protocol handlers that resolve logical request paths to storage
// URIs.
package cache

import "time"

// CheckoutStatus is the tagged enumeration returned by a dry Checkout (or,
// for UPDATED, only ever by Update).
type CheckoutStatus int

const (
	StatusUnchanged CheckoutStatus = iota
	StatusNeedUpdate
	StatusRemoved
	StatusNotFound
	StatusNew
	// StatusUpdated is returned only by Update(), after applying a
	// NEEDUPDATE transition; Checkout never produces it.
	StatusUpdated
)

func (s CheckoutStatus) String() string {
	switch s {
	case StatusUnchanged:
		return "UNCHANGED"
	case StatusNeedUpdate:
		return "NEEDUPDATE"
	case StatusRemoved:
		return "REMOVED"
	case StatusNotFound:
		return "NOTFOUND"
	case StatusNew:
		return "NEW"
	case StatusUpdated:
		return "UPDATED"
	default:
		return "UNKNOWN"
	}
}

// ProjectMetadata is the immutable descriptor of a project resource.
type ProjectMetadata struct {
	URI          string // resolved URI, unique cache key
	Name         string // display name
	Scheme       string // file, postgres, ...
	Storage      string // storage kind label
	LastModified int64  // seconds since epoch
}

// DebugMetadata carries best-effort load instrumentation, surfaced through
// CacheInfo replies.
type DebugMetadata struct {
	LoadMemoryBytes int64
	LoadTimeMS      int64
}

// ProjectHandle is the opaque loaded-project handle owned exclusively by
// the worker that loaded it; it is the boundary the worker's Renderer sits
// behind.
type ProjectHandle interface {
	// FileName returns the resource path the renderer resolved the project
	// from, used when notifying the renderer to release per-project state.
	FileName() string
}

// counters holds the mutable fields hung off an otherwise-value-like cache
// entry. The cache is single-threaded per worker, so plain fields suffice;
// no atomics are required.
type counters struct {
	hits    uint64
	lastHit int64
	pinned  bool
}

// CacheEntry is the mutable record held by CacheManager, keyed by the
// project's resolved URI.
type CacheEntry struct {
	MD        ProjectMetadata
	Project   ProjectHandle
	Timestamp int64 // load-time timestamp (unix seconds)
	Debug     DebugMetadata

	c *counters
}

func newCacheEntry(md ProjectMetadata, project ProjectHandle, dbg DebugMetadata) *CacheEntry {
	return &CacheEntry{
		MD:        md,
		Project:   project,
		Timestamp: time.Now().Unix(),
		Debug:     dbg,
		c:         &counters{},
	}
}

// HitMe records a cache hit against the entry.
func (e *CacheEntry) HitMe() {
	e.c.hits++
	e.c.lastHit = time.Now().Unix()
}

// Pin marks the entry as exempt from popularity-based eviction. An entry
// is pinned iff it was explicitly loaded via the admin/pull path, never via
// an on-request load.
func (e *CacheEntry) Pin() { e.c.pinned = true }

// Hits returns the number of recorded hits.
func (e *CacheEntry) Hits() uint64 { return e.c.hits }

// LastHit returns the unix timestamp of the last recorded hit, or 0.
func (e *CacheEntry) LastHit() int64 { return e.c.lastHit }

// Pinned reports whether the entry is exempt from eviction.
func (e *CacheEntry) Pinned() bool { return e.c.pinned }

// Score computes the hyperbolic-cache popularity score used by eviction:
// hits divided by the lifetime of the entry in cache.
func (e *CacheEntry) Score(now time.Time) float64 {
	age := now.Sub(time.Unix(e.Timestamp, 0)).Seconds()
	if age <= 0 {
		age = 1e-9
	}
	return float64(e.c.hits) / age
}
