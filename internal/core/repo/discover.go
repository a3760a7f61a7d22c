package repo

import (
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Discover walks roots up to maxDepth directories deep and returns the absolute
// paths of git repositories. It does not descend into a repository once found,
// nor into directories named in ignore.
func Discover(roots []string, maxDepth int, ignore []string) []string {
	skip := make(map[string]bool, len(ignore))
	for _, name := range ignore {
		skip[name] = true
	}

	seen := make(map[string]bool)
	var repos []string
	for _, root := range roots {
		root = expandHome(root)
		abs, err := filepath.Abs(root)
		if err != nil {
			continue
		}
		rootDepth := strings.Count(abs, string(os.PathSeparator))

		filepath.WalkDir(abs, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				// Unreadable directories are skipped, not fatal.
				if d != nil && d.IsDir() && path != abs {
					return fs.SkipDir
				}
				return nil
			}
			if !d.IsDir() {
				return nil
			}
			name := d.Name()
			if path != abs && (skip[name] || name == ".git") {
				return fs.SkipDir
			}
			if isRepo(path) {
				if !seen[path] {
					seen[path] = true
					repos = append(repos, path)
				}
				return fs.SkipDir
			}
			if maxDepth > 0 && strings.Count(path, string(os.PathSeparator))-rootDepth >= maxDepth {
				return fs.SkipDir
			}
			return nil
		})
	}

	sort.Strings(repos)
	return repos
}

func isRepo(dir string) bool {
	_, err := os.Stat(filepath.Join(dir, ".git"))
	return err == nil
}

func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[1:])
		}
	}
	return path
}
