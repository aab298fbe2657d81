package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yml")
	require.NoError(t, os.WriteFile(path, []byte(`
projects:
  max_projects: 5
  search_paths:
    - location: /france
      root_url: file:///data/fr
server:
  pool_size: 2
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.Projects.MaxProjects)
	assert.Equal(t, 2, cfg.Server.PoolSize)
	require.Len(t, cfg.Projects.SearchPaths, 1)
	assert.Equal(t, "/france", cfg.Projects.SearchPaths[0].Location)

	// Untouched sections keep their defaults.
	assert.Equal(t, Default().Server.ListenAddr, cfg.Server.ListenAddr)
}

func TestMergeDoesNotMutateReceiver(t *testing.T) {
	base := Default()
	merged, err := base.Merge([]byte("projects:\n  max_projects: 7\n"))
	require.NoError(t, err)
	assert.Equal(t, 7, merged.Projects.MaxProjects)
	assert.Equal(t, Default().Projects.MaxProjects, base.Projects.MaxProjects)
}

func TestMergeRejectsMalformedPatch(t *testing.T) {
	_, err := Default().Merge([]byte("projects: [not a mapping"))
	require.Error(t, err)
}

func TestStoreSwapIsObservedByNewReaders(t *testing.T) {
	store := NewStore(Default())
	held := store.Get()

	next := Default()
	next.Projects.MaxProjects = 42
	store.Swap(next)

	// A holder of the prior snapshot keeps observing it; fresh readers see
	// the new one.
	assert.Equal(t, Default().Projects.MaxProjects, held.Projects.MaxProjects)
	assert.Equal(t, 42, store.Get().Projects.MaxProjects)
}
