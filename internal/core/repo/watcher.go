package repo

import (
	"context"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// gitDirWatcher watches repository git directories and reports the owning repo
// path whenever git metadata changes (commit, checkout, merge, rebase, staging).
type gitDirWatcher struct {
	watcher  *fsnotify.Watcher
	logger   *logrus.Entry
	onChange func(repoPath string)

	mu     sync.Mutex
	byDir  map[string]string // git dir -> repo path
	closed bool
}

func newGitDirWatcher(logger *logrus.Entry, onChange func(string)) (*gitDirWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &gitDirWatcher{
		watcher:  w,
		logger:   logger,
		onChange: onChange,
		byDir:    make(map[string]string),
	}, nil
}

// Add starts watching gitDir for repoPath. Adding a watched dir is a no-op.
func (g *gitDirWatcher) Add(repoPath, gitDir string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return
	}
	if _, ok := g.byDir[gitDir]; ok {
		return
	}
	if err := g.watcher.Add(gitDir); err != nil {
		g.logger.WithError(err).WithField("git_dir", gitDir).Debug("Cannot watch git dir")
		return
	}
	g.byDir[gitDir] = repoPath
}

// Remove stops watching gitDir.
func (g *gitDirWatcher) Remove(gitDir string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.byDir[gitDir]; !ok {
		return
	}
	delete(g.byDir, gitDir)
	if !g.closed {
		_ = g.watcher.Remove(gitDir)
	}
}

// Run dispatches change notifications until ctx is done.
func (g *gitDirWatcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-g.watcher.Events:
			if !ok {
				return
			}
			if ignoredGitEvent(event) {
				continue
			}
			g.mu.Lock()
			repoPath, ok := g.byDir[filepath.Dir(event.Name)]
			g.mu.Unlock()
			if ok {
				g.onChange(repoPath)
			}
		case err, ok := <-g.watcher.Errors:
			if !ok {
				return
			}
			g.logger.WithError(err).Warn("Git dir watcher error")
		}
	}
}

// Close releases the underlying watcher.
func (g *gitDirWatcher) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return nil
	}
	g.closed = true
	return g.watcher.Close()
}

// Lock files come and go around every git command, including our own status
// calls when another client holds the index.
func ignoredGitEvent(event fsnotify.Event) bool {
	if event.Op == fsnotify.Chmod {
		return true
	}
	base := filepath.Base(event.Name)
	return strings.HasSuffix(base, ".lock") || base == "FETCH_HEAD" || strings.HasPrefix(base, "gc.")
}
