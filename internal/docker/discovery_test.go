package docker

import (
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scotty/internal/errdefs"
)

func writeFile(t *testing.T, fs afero.Fs, path string) {
	t.Helper()
	require.NoError(t, afero.WriteFile(fs, path, []byte("services:\n  web:\n    image: nginx\n"), 0o644))
}

func TestDiscoverAppsFindsNestedProjects(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeFile(t, fs, "/srv/apps/blog/docker-compose.yml")
	writeFile(t, fs, "/srv/apps/team-a/shop/docker-compose.yaml")

	found, err := DiscoverApps(fs, "/srv/apps", 3)
	require.NoError(t, err)
	require.Len(t, found, 2)

	assert.Equal(t, "blog", found[0].Name)
	assert.Equal(t, "/srv/apps/blog", found[0].Dir)
	assert.Equal(t, "team-a--shop", found[1].Name)
	assert.Equal(t, "/srv/apps/team-a/shop/docker-compose.yaml", found[1].ComposePath)
}

func TestDiscoverAppsRejectsRootLevelCompose(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeFile(t, fs, "/srv/apps/docker-compose.yml")
	writeFile(t, fs, "/srv/apps/ok/docker-compose.yml")

	found, err := DiscoverApps(fs, "/srv/apps", 3)
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "ok", found[0].Name)
}

func TestDiscoverAppsHonorsMaxDepth(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeFile(t, fs, "/srv/apps/a/docker-compose.yml")
	writeFile(t, fs, "/srv/apps/a/b/c/too-deep/docker-compose.yml")

	found, err := DiscoverApps(fs, "/srv/apps", 2)
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "a", found[0].Name)
}

func TestDiscoverAppsPrefersYmlOverYaml(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeFile(t, fs, "/srv/apps/dup/docker-compose.yml")
	writeFile(t, fs, "/srv/apps/dup/docker-compose.yaml")

	found, err := DiscoverApps(fs, "/srv/apps", 3)
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "/srv/apps/dup/docker-compose.yml", found[0].ComposePath)
}

func TestDiscoverAppsMissingRoot(t *testing.T) {
	_, err := DiscoverApps(afero.NewMemMapFs(), "/nope", 3)
	assert.True(t, errdefs.IsKind(err, errdefs.KindNotFound))
}

func TestAppNameRoundTrip(t *testing.T) {
	assert.Equal(t, "team-a--shop", AppNameFromPath("team-a/shop"))
	assert.Equal(t, "team-a/shop", AppPathFromName("team-a--shop"))
}
