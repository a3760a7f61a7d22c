// Package repo implements the RepoScanner: discovery of git repositories under
// configured roots and their status on two refresh cadences.
package repo

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// GitRunner runs `git status` for a repository.
type GitRunner interface {
	Status(ctx context.Context, repoPath string) ([]byte, error)
}

// gitWaitDelay bounds how long Output waits for the pipes after the git
// process is killed.
const gitWaitDelay = 500 * time.Millisecond

// ExecRunner runs the git binary.
type ExecRunner struct {
	GitPath string
}

// Status runs `git status --porcelain=v2 --branch`. The process is killed when
// ctx expires.
func (r ExecRunner) Status(ctx context.Context, repoPath string) ([]byte, error) {
	gitPath := r.GitPath
	if gitPath == "" {
		gitPath = "git"
	}

	cmd := exec.CommandContext(ctx, gitPath, "status", "--porcelain=v2", "--branch")
	cmd.Dir = repoPath
	// Status must not take index.lock or rewrite the index; that would race with
	// the agent working in the repo and retrigger the git-dir watcher.
	cmd.Env = append(os.Environ(), "GIT_OPTIONAL_LOCKS=0", "LC_ALL=C")
	// A helper that inherits stdout must not keep Output blocked past ctx.
	cmd.WaitDelay = gitWaitDelay

	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			return nil, fmt.Errorf("git status failed: %w", err)
		}
		return nil, fmt.Errorf("git status failed: %s: %w", msg, err)
	}
	return out, nil
}

// Status is the parsed output of `git status --porcelain=v2 --branch`.
type Status struct {
	Branch    string
	Ahead     int
	Behind    int
	Staged    int
	Unstaged  int
	Untracked int
}

// ParseStatus parses porcelain v2 output. Unmerged entries count as both
// staged and unstaged.
func ParseStatus(out []byte) Status {
	var st Status
	scanner := bufio.NewScanner(bytes.NewReader(out))
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}

		if strings.HasPrefix(line, "# ") {
			parts := strings.Fields(line)
			if len(parts) < 3 {
				continue
			}
			switch parts[1] {
			case "branch.head":
				st.Branch = parts[2]
			case "branch.ab":
				st.Ahead, _ = strconv.Atoi(strings.TrimPrefix(parts[2], "+"))
				if len(parts) > 3 {
					st.Behind, _ = strconv.Atoi(strings.TrimPrefix(parts[3], "-"))
				}
			}
			continue
		}

		parts := strings.Fields(line)
		switch parts[0] {
		case "?":
			st.Untracked++
		case "1", "2":
			if len(parts) < 2 || len(parts[1]) < 2 {
				continue
			}
			xy := parts[1]
			if xy[0] != '.' {
				st.Staged++
			}
			if xy[1] != '.' {
				st.Unstaged++
			}
		case "u":
			st.Staged++
			st.Unstaged++
		}
	}
	return st
}

// ResolveGitDir returns the git directory of the repository at repoPath. A .git
// file (worktrees, submodules) is followed through its "gitdir:" line.
func ResolveGitDir(repoPath string) (string, error) {
	dotGit := filepath.Join(repoPath, ".git")
	info, err := os.Stat(dotGit)
	if err != nil {
		return "", err
	}
	if info.IsDir() {
		return dotGit, nil
	}

	data, err := os.ReadFile(dotGit)
	if err != nil {
		return "", err
	}
	line := strings.TrimSpace(string(data))
	if !strings.HasPrefix(line, "gitdir:") {
		return "", errors.New("invalid .git file: missing gitdir")
	}
	dir := strings.TrimSpace(strings.TrimPrefix(line, "gitdir:"))
	if !filepath.IsAbs(dir) {
		dir = filepath.Join(repoPath, dir)
	}
	return filepath.Clean(dir), nil
}
