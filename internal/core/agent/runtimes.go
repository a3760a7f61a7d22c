// Package agent describes the agent runtimes agentwatch knows about: how to
// recognise their processes and how to launch them non-interactively.
package agent

import (
	"context"
	"fmt"
	"os/exec"
	"sort"
	"sync"

	"github.com/agentwatch/agentwatch/pkg/types"
)

// Runtime is a known agent runtime.
type Runtime struct {
	Name     types.AgentRuntime
	Label    string
	Binary   string
	Matchers []types.Matcher

	// PromptArgs builds the arguments for a one-shot, non-interactive run.
	PromptArgs func(prompt string) []string
}

// Registry holds the known runtimes.
type Registry struct {
	mu       sync.RWMutex
	runtimes map[types.AgentRuntime]*Runtime
}

// NewRegistry creates a Registry with the built-in runtimes.
func NewRegistry() *Registry {
	r := &Registry{runtimes: make(map[types.AgentRuntime]*Runtime)}
	r.registerBuiltinRuntimes()
	return r
}

func (r *Registry) registerBuiltinRuntimes() {
	r.runtimes[types.RuntimeClaudeCode] = &Runtime{
		Name:   types.RuntimeClaudeCode,
		Label:  "claude",
		Binary: "claude",
		Matchers: []types.Matcher{
			{Label: "claude", Type: types.MatchExePath, Pattern: `(^|/)claude$`},
			{Label: "claude", Type: types.MatchCmdRegex, Pattern: `@anthropic-ai/claude-code/cli\.js`},
		},
		PromptArgs: func(prompt string) []string {
			return []string{"--print", "--output-format", "json", prompt}
		},
	}

	r.runtimes[types.RuntimeCodex] = &Runtime{
		Name:   types.RuntimeCodex,
		Label:  "codex",
		Binary: "codex",
		Matchers: []types.Matcher{
			{Label: "codex", Type: types.MatchExePath, Pattern: `(^|/)codex$`},
			{Label: "codex", Type: types.MatchCmdRegex, Pattern: `@openai/codex/bin/codex`},
		},
		PromptArgs: func(prompt string) []string {
			return []string{"exec", prompt}
		},
	}

	r.runtimes[types.RuntimeGemini] = &Runtime{
		Name:   types.RuntimeGemini,
		Label:  "gemini",
		Binary: "gemini",
		Matchers: []types.Matcher{
			{Label: "gemini", Type: types.MatchExePath, Pattern: `(^|/)gemini$`},
			{Label: "gemini", Type: types.MatchCmdRegex, Pattern: `@google/gemini-cli`},
		},
		PromptArgs: func(prompt string) []string {
			return []string{"--prompt", prompt}
		},
	}

	r.runtimes[types.RuntimeOpenCode] = &Runtime{
		Name:   types.RuntimeOpenCode,
		Label:  "opencode",
		Binary: "opencode",
		Matchers: []types.Matcher{
			{Label: "opencode", Type: types.MatchExePath, Pattern: `(^|/)opencode$`},
		},
		PromptArgs: func(prompt string) []string {
			return []string{"run", prompt}
		},
	}
}

// Get returns the runtime with the given name.
func (r *Registry) Get(name types.AgentRuntime) (*Runtime, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rt, ok := r.runtimes[name]
	if !ok {
		return nil, fmt.Errorf("unknown agent runtime: %s", name)
	}
	return rt, nil
}

// List returns all runtimes sorted by name.
func (r *Registry) List() []*Runtime {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Runtime, 0, len(r.runtimes))
	for _, rt := range r.runtimes {
		out = append(out, rt)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Register adds or replaces a runtime.
func (r *Registry) Register(rt *Runtime) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runtimes[rt.Name] = rt
}

// DefaultMatchers returns the process matchers of every runtime. They are used
// when the configuration does not list any.
func (r *Registry) DefaultMatchers() []types.Matcher {
	var matchers []types.Matcher
	for _, rt := range r.List() {
		matchers = append(matchers, rt.Matchers...)
	}
	return matchers
}

// Command builds the command that runs prompt with the named runtime in dir.
func (r *Registry) Command(ctx context.Context, name types.AgentRuntime, prompt, dir string) (*exec.Cmd, error) {
	rt, err := r.Get(name)
	if err != nil {
		return nil, err
	}
	cmd := exec.CommandContext(ctx, rt.Binary, rt.PromptArgs(prompt)...)
	cmd.Dir = dir
	return cmd, nil
}
