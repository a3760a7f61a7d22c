package types

import "time"

// SpecialState flags in-progress git operations detected from metadata files.
type SpecialState struct {
	Conflict bool `json:"conflict"`
	Rebase   bool `json:"rebase"`
	Merge    bool `json:"merge"`
}

// Any reports whether any special state is set.
func (s SpecialState) Any() bool {
	return s.Conflict || s.Rebase || s.Merge
}

// RepoHealth records the outcome of the most recent git call for a repository.
type RepoHealth struct {
	LastError  string    `json:"last_error,omitempty"`
	TimedOut   bool      `json:"timed_out,omitempty"`
	LastScanAt time.Time `json:"last_scan_at,omitempty"`
}

// RepoStatus is the git status of a discovered repository. Identity is the absolute path.
type RepoStatus struct {
	Path           string       `json:"path"`
	Name           string       `json:"name"`
	Branch         string       `json:"branch"`
	StagedCount    int          `json:"staged_count"`
	UnstagedCount  int          `json:"unstaged_count"`
	UntrackedCount int          `json:"untracked_count"`
	SpecialState   SpecialState `json:"special_state"`
	Ahead          int          `json:"ahead"`
	Behind         int          `json:"behind"`
	Health         RepoHealth   `json:"health"`
}

// IsDirty reports whether the repository has uncommitted work.
func (r *RepoStatus) IsDirty() bool {
	return r.StagedCount > 0 || r.UnstagedCount > 0 || r.UntrackedCount > 0
}

// NeedsFastScan reports whether the repository belongs on the fast refresh cadence.
func (r *RepoStatus) NeedsFastScan() bool {
	return r.IsDirty() || r.SpecialState.Any()
}

// SameStatus compares everything except scan bookkeeping (LastScanAt).
func (r *RepoStatus) SameStatus(o *RepoStatus) bool {
	if r == nil || o == nil {
		return r == o
	}
	a, b := *r, *o
	a.Health.LastScanAt = time.Time{}
	b.Health.LastScanAt = time.Time{}
	return a == b
}
