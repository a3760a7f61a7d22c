package repo

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"

	"github.com/agentwatch/agentwatch/pkg/types"
)

// DetectSpecialState reads merge, rebase and conflict markers from the git
// directory. It never runs git.
func DetectSpecialState(gitDir string) types.SpecialState {
	var st types.SpecialState
	if gitDir == "" {
		return st
	}

	st.Merge = exists(filepath.Join(gitDir, "MERGE_HEAD"))
	st.Rebase = exists(filepath.Join(gitDir, "rebase-merge")) || exists(filepath.Join(gitDir, "rebase-apply"))
	st.Conflict = exists(filepath.Join(gitDir, "AUTO_MERGE")) ||
		exists(filepath.Join(gitDir, "CHERRY_PICK_HEAD")) ||
		exists(filepath.Join(gitDir, "REVERT_HEAD")) ||
		mergeMsgHasConflicts(filepath.Join(gitDir, "MERGE_MSG"))
	return st
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// mergeMsgHasConflicts reports whether MERGE_MSG carries a conflicts section,
// which git writes as "# Conflicts:" (or "Conflicts:" in older versions).
func mergeMsgHasConflicts(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(strings.TrimPrefix(scanner.Text(), "#"))
		if line == "Conflicts:" {
			return true
		}
	}
	return false
}
