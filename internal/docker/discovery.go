package docker

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/afero"

	"scotty/internal/errdefs"
	"scotty/internal/logging"
)

// Compose file names recognised during discovery, in preference order
// when both exist in one directory.
var composeFileNames = []string{"docker-compose.yml", "docker-compose.yaml"}

// DiscoveredApp is one compose project found under the apps root.
type DiscoveredApp struct {
	// Name is the relative path from the root with separators replaced
	// by "--", e.g. team-a/blog -> team-a--blog.
	Name string
	// Dir is the absolute directory holding the compose file.
	Dir string
	// ComposePath is the absolute path of the compose file itself.
	ComposePath string
}

// DiscoverApps walks root up to maxDepth directory levels and returns
// every compose project found. Compose files directly in the root are
// rejected: an app always lives in its own directory.
func DiscoverApps(fs afero.Fs, root string, maxDepth int) ([]DiscoveredApp, error) {
	root = filepath.Clean(root)
	if ok, err := afero.DirExists(fs, root); err != nil {
		return nil, errdefs.Upstream(err, "stat apps root %s", root)
	} else if !ok {
		return nil, errdefs.NotFound("apps root %s does not exist", root)
	}

	var found []DiscoveredApp
	err := afero.Walk(fs, root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			logging.S().Warnw("skipping unreadable path during discovery", "path", path, "error", err)
			return nil
		}
		rel, relErr := filepath.Rel(root, path)
		if relErr != nil {
			return nil
		}
		depth := pathDepth(rel)

		if info.IsDir() {
			if depth > maxDepth {
				return filepath.SkipDir
			}
			return nil
		}
		if !isComposeFileName(info.Name()) {
			return nil
		}
		dir := filepath.Dir(path)
		if dir == root {
			logging.S().Warnw("ignoring compose file directly in apps root", "path", path)
			return nil
		}
		relDir, _ := filepath.Rel(root, dir)
		found = append(found, DiscoveredApp{
			Name:        AppNameFromPath(relDir),
			Dir:         dir,
			ComposePath: path,
		})
		return nil
	})
	if err != nil {
		return nil, errdefs.Upstream(err, "walk apps root %s", root)
	}

	// A directory with both .yml and .yaml yields two walk hits; keep the
	// preferred one.
	found = dedupeByDir(found)
	sort.Slice(found, func(i, j int) bool { return found[i].Name < found[j].Name })
	return found, nil
}

// AppNameFromPath converts a root-relative directory into the app name.
func AppNameFromPath(relDir string) string {
	return strings.ReplaceAll(filepath.ToSlash(relDir), "/", "--")
}

// AppPathFromName is the inverse of AppNameFromPath.
func AppPathFromName(name string) string {
	return filepath.FromSlash(strings.ReplaceAll(name, "--", "/"))
}

func isComposeFileName(name string) bool {
	for _, candidate := range composeFileNames {
		if name == candidate {
			return true
		}
	}
	return false
}

func pathDepth(rel string) int {
	if rel == "." {
		return 0
	}
	return strings.Count(filepath.ToSlash(rel), "/") + 1
}

func dedupeByDir(in []DiscoveredApp) []DiscoveredApp {
	byDir := map[string]DiscoveredApp{}
	for _, app := range in {
		prev, ok := byDir[app.Dir]
		if !ok {
			byDir[app.Dir] = app
			continue
		}
		// Prefer the earlier entry in composeFileNames.
		if composeRank(filepath.Base(app.ComposePath)) < composeRank(filepath.Base(prev.ComposePath)) {
			byDir[app.Dir] = app
		}
	}
	out := make([]DiscoveredApp, 0, len(byDir))
	for _, app := range byDir {
		out = append(out, app)
	}
	return out
}

func composeRank(name string) int {
	for i, candidate := range composeFileNames {
		if name == candidate {
			return i
		}
	}
	return len(composeFileNames)
}
