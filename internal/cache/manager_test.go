package cache

import (
	"net/url"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/3liz/qjazz-gateway/internal/apperror"
	"github.com/3liz/qjazz-gateway/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeProject(t *testing.T, dir, name string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte("<qgis/>"), 0o644))
	return p
}

func newTestManager(t *testing.T, dir string, maxProjects int) *Manager {
	t.Helper()
	cfg := &config.ProjectsConfig{
		MaxProjects:               maxProjects,
		AllowDirectPathResolution: false,
		SearchPaths: []config.SearchPath{
			{Location: "/france", RootURL: "file://" + dir},
		},
	}
	m, err := NewManager(cfg, NewRegistry(), "w0")
	require.NoError(t, err)
	return m
}

func TestResolvePathStaticRoute(t *testing.T) {
	dir := t.TempDir()
	writeProject(t, dir, "france_parts.qgs")
	m := newTestManager(t, dir, 10)

	u, err := m.ResolvePath("/france/france_parts", false)
	require.NoError(t, err)
	assert.Equal(t, "file", u.Scheme)
	assert.Equal(t, filepath.Join(dir, "france_parts"), u.Path)
}

func TestResolvePathDisallowed(t *testing.T) {
	dir := t.TempDir()
	m := newTestManager(t, dir, 10)

	_, err := m.ResolvePath("/elsewhere/foo", false)
	require.Error(t, err)
	assert.Equal(t, apperror.KindResourceNotAllowed, apperror.KindOf(err))
}

func TestResolvePathAllowDirect(t *testing.T) {
	dir := t.TempDir()
	m := newTestManager(t, dir, 10)
	m.cfg.AllowDirectPathResolution = true

	u, err := m.ResolvePath("/some/other/path", false)
	require.NoError(t, err)
	assert.Equal(t, "file", u.Scheme)
}

func TestCheckoutNewThenUnchanged(t *testing.T) {
	dir := t.TempDir()
	writeProject(t, dir, "france_parts.qgs")
	m := newTestManager(t, dir, 10)

	u, err := m.ResolvePath("/france/france_parts.qgs", false)
	require.NoError(t, err)

	mdAny, status, err := m.Checkout(u)
	require.NoError(t, err)
	assert.Equal(t, StatusNew, status)
	md := mdAny.(ProjectMetadata)

	entry, status, err := m.Update(md, StatusNew, false)
	require.NoError(t, err)
	assert.Equal(t, StatusNew, status)
	require.NotNil(t, entry)

	// After a NEW update with fresh metadata, checkout reports UNCHANGED.
	_, status, err = m.Checkout(u)
	require.NoError(t, err)
	assert.Equal(t, StatusUnchanged, status)
}

func TestCheckoutNeedsUpdateOnNewerMtime(t *testing.T) {
	dir := t.TempDir()
	path := writeProject(t, dir, "france_parts.qgs")
	m := newTestManager(t, dir, 10)
	u, _ := m.ResolvePath("/france/france_parts.qgs", false)

	mdAny, status, _ := m.Checkout(u)
	md := mdAny.(ProjectMetadata)
	_, _, err := m.Update(md, status, false)
	require.NoError(t, err)

	future := time.Now().Add(2 * time.Second)
	require.NoError(t, os.Chtimes(path, future, future))

	_, status, err = m.Checkout(u)
	require.NoError(t, err)
	assert.Equal(t, StatusNeedUpdate, status)
}

func TestCheckoutRemovedThenNotFound(t *testing.T) {
	dir := t.TempDir()
	path := writeProject(t, dir, "france_parts.qgs")
	m := newTestManager(t, dir, 10)
	u, _ := m.ResolvePath("/france/france_parts.qgs", false)

	mdAny, status, _ := m.Checkout(u)
	md := mdAny.(ProjectMetadata)
	_, _, err := m.Update(md, status, false)
	require.NoError(t, err)

	require.NoError(t, os.Remove(path))

	_, status, err = m.Checkout(u)
	require.NoError(t, err)
	assert.Equal(t, StatusRemoved, status)

	entry, status, err := m.Update(md, StatusRemoved, false)
	require.NoError(t, err)
	assert.Equal(t, StatusRemoved, status)
	require.NotNil(t, entry)

	_, status, err = m.Checkout(u)
	require.NoError(t, err)
	assert.Equal(t, StatusNotFound, status)
}

func TestUpdateNotFoundAlwaysFails(t *testing.T) {
	dir := t.TempDir()
	m := newTestManager(t, dir, 10)
	_, _, err := m.Update(ProjectMetadata{URI: "file:///nope", Scheme: "file"}, StatusNotFound, false)
	require.Error(t, err)
	assert.Equal(t, apperror.KindInvalidArgument, apperror.KindOf(err))
}

func TestMaxProjectsEvictsUnpinned(t *testing.T) {
	dir := t.TempDir()
	for i := 0; i < 3; i++ {
		writeProject(t, dir, string(rune('a'+i))+".qgs")
	}
	m := newTestManager(t, dir, 2)

	load := func(name string) *CacheEntry {
		u, err := m.ResolvePath("/france/"+name, false)
		require.NoError(t, err)
		mdAny, status, err := m.Checkout(u)
		require.NoError(t, err)
		md := mdAny.(ProjectMetadata)
		entry, _, err := m.Update(md, status, false)
		require.NoError(t, err)
		return entry
	}

	e1 := load("a.qgs")
	e1.HitMe()
	e1.HitMe()
	e1.HitMe()
	time.Sleep(2 * time.Millisecond)
	load("b.qgs")
	time.Sleep(2 * time.Millisecond)

	assert.Equal(t, 2, m.Len())
	load("c.qgs")
	assert.LessOrEqual(t, m.Len(), 2)

	// The highly-hit entry a.qgs should have survived eviction in favor of
	// the less popular b.qgs.
	found := false
	for _, e := range m.Iter() {
		if e.MD.Name == "a" {
			found = true
		}
	}
	assert.True(t, found, "popular entry should not have been evicted")
}

func TestCapacityExhaustedWhenAllPinned(t *testing.T) {
	dir := t.TempDir()
	writeProject(t, dir, "a.qgs")
	writeProject(t, dir, "b.qgs")
	m := newTestManager(t, dir, 1)

	u, _ := m.ResolvePath("/france/a.qgs", false)
	mdAny, status, _ := m.Checkout(u)
	_, _, err := m.Update(mdAny.(ProjectMetadata), status, true)
	require.NoError(t, err)

	u2, _ := m.ResolvePath("/france/b.qgs", false)
	mdAny2, status2, _ := m.Checkout(u2)
	_, _, err = m.Update(mdAny2.(ProjectMetadata), status2, false)
	require.Error(t, err)
	assert.Equal(t, apperror.KindCapacityExhausted, apperror.KindOf(err))
}

func TestClearRemovesAllEntries(t *testing.T) {
	dir := t.TempDir()
	writeProject(t, dir, "a.qgs")
	m := newTestManager(t, dir, 10)
	u, _ := m.ResolvePath("/france/a.qgs", false)
	mdAny, status, _ := m.Checkout(u)
	_, _, _ = m.Update(mdAny.(ProjectMetadata), status, false)
	require.Equal(t, 1, m.Len())
	m.Clear()
	require.Equal(t, 0, m.Len())
}

func TestIdempotentResolveURI(t *testing.T) {
	h := NewFileHandler()
	u1 := &url.URL{Scheme: "file", Path: "/data/fr/a.qgs"}
	uri1, err := h.ResolveURI(u1)
	require.NoError(t, err)
	u2, _ := url.Parse(uri1)
	uri2, err := h.ResolveURI(u2)
	require.NoError(t, err)
	assert.Equal(t, uri1, uri2)
}
