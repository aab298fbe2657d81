package cache

import (
	"net/url"
	"os"
	"path/filepath"
	"testing"

	"github.com/3liz/qjazz-gateway/internal/apperror"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryUnknownScheme(t *testing.T) {
	r := NewRegistry()
	_, err := r.Get("gopher")
	require.Error(t, err)
	assert.Equal(t, apperror.KindInvalidArgument, apperror.KindOf(err))
}

func TestRegistryDefaultFileHandler(t *testing.T) {
	r := NewRegistry()
	h, err := r.Get("file")
	require.NoError(t, err)
	assert.Equal(t, "file", h.Scheme())
}

func TestValidateRootURLRequiresDirectory(t *testing.T) {
	h := NewFileHandler()
	dir := t.TempDir()

	require.NoError(t, h.ValidateRootURL(&url.URL{Scheme: "file", Path: dir}, false))

	err := h.ValidateRootURL(&url.URL{Scheme: "file", Path: filepath.Join(dir, "missing")}, false)
	require.Error(t, err)

	// Dynamic roots are not validated.
	require.NoError(t, h.ValidateRootURL(&url.URL{Scheme: "file", Path: filepath.Join(dir, "missing")}, true))
}

func TestPublicPathRoundTrip(t *testing.T) {
	h := NewFileHandler()
	root := &url.URL{Scheme: "file", Path: "/data/fr"}

	// public_path(resolve_uri(url_for(location, name))) reproduces
	// "{location}/{name}".
	u := &url.URL{Scheme: "file", Path: "/data/fr/sub/france_parts.qgs"}
	uri, err := h.ResolveURI(u)
	require.NoError(t, err)

	public, err := h.PublicPath(uri, "/france", root)
	require.NoError(t, err)
	assert.Equal(t, "/france/sub/france_parts.qgs", public)
}

func TestPublicPathInvalidURIFails(t *testing.T) {
	h := NewFileHandler()
	root := &url.URL{Scheme: "file", Path: "/data/fr"}
	_, err := h.PublicPath("://bad uri", "/france", root)
	require.Error(t, err)
}

func TestProjectMetadataProbesSuffixes(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "france_parts.qgs"), []byte("<qgis/>"), 0o644))

	h := NewFileHandler()
	// A suffix-less spelling resolves to the on-disk project document.
	md, err := h.ProjectMetadata(&url.URL{Scheme: "file", Path: filepath.Join(dir, "france_parts")})
	require.NoError(t, err)
	assert.Equal(t, "france_parts", md.Name)
	assert.Equal(t, "file://"+filepath.Join(dir, "france_parts.qgs"), md.URI)
}

func TestProjectMetadataNotFound(t *testing.T) {
	h := NewFileHandler()
	_, err := h.ProjectMetadata(&url.URL{Scheme: "file", Path: filepath.Join(t.TempDir(), "missing.qgs")})
	require.Error(t, err)
	assert.Equal(t, apperror.KindNotFound, apperror.KindOf(err))
}

func TestListProjectsFiltersBySuffix(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "nested"), 0o755))
	for _, name := range []string{"a.qgs", "b.qgz", "notes.txt", "nested/c.QGS"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644))
	}

	h := NewFileHandler()
	mds, err := h.ListProjects(&url.URL{Scheme: "file", Path: dir})
	require.NoError(t, err)

	names := make([]string, 0, len(mds))
	for _, md := range mds {
		names = append(names, md.Name)
	}
	assert.ElementsMatch(t, []string{"a", "b", "c"}, names)
}
