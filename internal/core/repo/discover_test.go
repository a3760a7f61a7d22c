package repo

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mkRepo(t *testing.T, path string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Join(path, ".git"), 0755))
}

func TestDiscover(t *testing.T) {
	root := t.TempDir()
	mkRepo(t, filepath.Join(root, "alpha"))
	mkRepo(t, filepath.Join(root, "group", "beta"))
	mkRepo(t, filepath.Join(root, "alpha", "nested")) // inside alpha, not visited
	mkRepo(t, filepath.Join(root, "node_modules", "dep"))
	mkRepo(t, filepath.Join(root, "a", "b", "c", "d", "deep"))

	// worktree checkout with a .git file
	wt := filepath.Join(root, "wt")
	require.NoError(t, os.MkdirAll(wt, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(wt, ".git"), []byte("gitdir: /x/.git/worktrees/wt\n"), 0644))

	got := Discover([]string{root}, 3, []string{"node_modules"})
	assert.Equal(t, []string{
		filepath.Join(root, "alpha"),
		filepath.Join(root, "group", "beta"),
		filepath.Join(root, "wt"),
	}, got)
}

func TestDiscoverRootIsRepo(t *testing.T) {
	root := t.TempDir()
	mkRepo(t, root)
	assert.Equal(t, []string{root}, Discover([]string{root}, 4, nil))
}

func TestDiscoverDeduplicatesAndSkipsMissingRoots(t *testing.T) {
	root := t.TempDir()
	mkRepo(t, filepath.Join(root, "alpha"))

	got := Discover([]string{root, root, filepath.Join(root, "missing")}, 4, nil)
	assert.Equal(t, []string{filepath.Join(root, "alpha")}, got)
}
