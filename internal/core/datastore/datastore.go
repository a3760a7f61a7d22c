// Package datastore holds the latest agents, repos and ports snapshots and
// notifies observers when a snapshot actually changes.
package datastore

import (
	"reflect"
	"sort"
	"sync"

	"github.com/agentwatch/agentwatch/pkg/types"
)

// AgentsObserver receives the previous and the new full agents snapshot.
type AgentsObserver func(prev, next []types.AgentProcess)

// ReposObserver receives the previous and the new full repos snapshot.
type ReposObserver func(prev, next []types.RepoStatus)

// PortsObserver receives the previous and the new full ports snapshot.
type PortsObserver func(prev, next []types.ListeningPort)

// Store is the in-memory snapshot holder. Each entity kind has exactly one
// producer; the store does not enforce that.
type Store struct {
	mu     sync.RWMutex
	agents []types.AgentProcess
	repos  []types.RepoStatus
	ports  []types.ListeningPort

	// notifyMu serializes observer calls so they see snapshots in set order
	// without holding mu.
	notifyMu sync.Mutex

	obsMu          sync.RWMutex
	nextID         int
	agentObservers map[int]AgentsObserver
	repoObservers  map[int]ReposObserver
	portObservers  map[int]PortsObserver
}

// New creates an empty Store.
func New() *Store {
	return &Store{
		agentObservers: make(map[int]AgentsObserver),
		repoObservers:  make(map[int]ReposObserver),
		portObservers:  make(map[int]PortsObserver),
	}
}

// SetAgents replaces the agents snapshot. Observers run only if the new
// snapshot differs from the previous one, ignoring order. Reports whether it changed.
func (s *Store) SetAgents(agents []types.AgentProcess) bool {
	next := sortedAgents(agents)

	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	s.mu.Lock()
	if s.agents != nil && reflect.DeepEqual(s.agents, next) {
		s.mu.Unlock()
		return false
	}
	prev := s.agents
	s.agents = next
	s.mu.Unlock()

	for _, fn := range s.agentObs() {
		fn(copyAgents(prev), copyAgents(next))
	}
	return true
}

// SetRepos replaces the repos snapshot. See SetAgents.
func (s *Store) SetRepos(repos []types.RepoStatus) bool {
	next := make([]types.RepoStatus, len(repos))
	copy(next, repos)
	sort.Slice(next, func(i, j int) bool { return next[i].Path < next[j].Path })

	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	s.mu.Lock()
	if s.repos != nil && sameRepos(s.repos, next) {
		s.mu.Unlock()
		return false
	}
	prev := s.repos
	s.repos = next
	s.mu.Unlock()

	for _, fn := range s.repoObs() {
		fn(copyRepos(prev), copyRepos(next))
	}
	return true
}

// SetPorts replaces the ports snapshot. See SetAgents.
func (s *Store) SetPorts(ports []types.ListeningPort) bool {
	next := copyPorts(ports)
	if next == nil {
		next = []types.ListeningPort{}
	}
	sort.Slice(next, func(i, j int) bool {
		if next[i].Port != next[j].Port {
			return next[i].Port < next[j].Port
		}
		return next[i].Protocol < next[j].Protocol
	})

	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	s.mu.Lock()
	if s.ports != nil && reflect.DeepEqual(s.ports, next) {
		s.mu.Unlock()
		return false
	}
	prev := s.ports
	s.ports = next
	s.mu.Unlock()

	for _, fn := range s.portObs() {
		fn(copyPorts(prev), copyPorts(next))
	}
	return true
}

// SnapshotAgents returns a copy of the current agents, sorted by pid.
func (s *Store) SnapshotAgents() []types.AgentProcess {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return copyAgents(s.agents)
}

// SnapshotRepos returns a copy of the current repos, sorted by path.
func (s *Store) SnapshotRepos() []types.RepoStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return copyRepos(s.repos)
}

// SnapshotPorts returns a copy of the current ports, sorted by port and protocol.
func (s *Store) SnapshotPorts() []types.ListeningPort {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return copyPorts(s.ports)
}

// OnAgentsChange registers an observer and returns a function that removes it.
func (s *Store) OnAgentsChange(fn AgentsObserver) func() {
	s.obsMu.Lock()
	defer s.obsMu.Unlock()
	id := s.nextID
	s.nextID++
	s.agentObservers[id] = fn
	return func() {
		s.obsMu.Lock()
		delete(s.agentObservers, id)
		s.obsMu.Unlock()
	}
}

// OnReposChange registers an observer and returns a function that removes it.
func (s *Store) OnReposChange(fn ReposObserver) func() {
	s.obsMu.Lock()
	defer s.obsMu.Unlock()
	id := s.nextID
	s.nextID++
	s.repoObservers[id] = fn
	return func() {
		s.obsMu.Lock()
		delete(s.repoObservers, id)
		s.obsMu.Unlock()
	}
}

// OnPortsChange registers an observer and returns a function that removes it.
func (s *Store) OnPortsChange(fn PortsObserver) func() {
	s.obsMu.Lock()
	defer s.obsMu.Unlock()
	id := s.nextID
	s.nextID++
	s.portObservers[id] = fn
	return func() {
		s.obsMu.Lock()
		delete(s.portObservers, id)
		s.obsMu.Unlock()
	}
}

// Observers are called in registration order.

func (s *Store) agentObs() []AgentsObserver {
	s.obsMu.RLock()
	defer s.obsMu.RUnlock()
	ids := sortedKeys(s.agentObservers)
	out := make([]AgentsObserver, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.agentObservers[id])
	}
	return out
}

func (s *Store) repoObs() []ReposObserver {
	s.obsMu.RLock()
	defer s.obsMu.RUnlock()
	ids := sortedKeys(s.repoObservers)
	out := make([]ReposObserver, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.repoObservers[id])
	}
	return out
}

func (s *Store) portObs() []PortsObserver {
	s.obsMu.RLock()
	defer s.obsMu.RUnlock()
	ids := sortedKeys(s.portObservers)
	out := make([]PortsObserver, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.portObservers[id])
	}
	return out
}

func sortedKeys[V any](m map[int]V) []int {
	keys := make([]int, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	return keys
}

func sortedAgents(agents []types.AgentProcess) []types.AgentProcess {
	next := copyAgents(agents)
	if next == nil {
		next = []types.AgentProcess{}
	}
	sort.Slice(next, func(i, j int) bool { return next[i].PID < next[j].PID })
	return next
}

// sameRepos ignores scan bookkeeping so a rescan with no change in git state
// does not count as a change.
func sameRepos(a, b []types.RepoStatus) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !a[i].SameStatus(&b[i]) {
			return false
		}
	}
	return true
}

func copyAgents(in []types.AgentProcess) []types.AgentProcess {
	if in == nil {
		return nil
	}
	out := make([]types.AgentProcess, len(in))
	copy(out, in)
	for i := range out {
		if out[i].WrapperState != nil {
			w := *out[i].WrapperState
			out[i].WrapperState = &w
		}
	}
	return out
}

func copyRepos(in []types.RepoStatus) []types.RepoStatus {
	if in == nil {
		return nil
	}
	out := make([]types.RepoStatus, len(in))
	copy(out, in)
	return out
}

func copyPorts(in []types.ListeningPort) []types.ListeningPort {
	if in == nil {
		return nil
	}
	out := make([]types.ListeningPort, len(in))
	copy(out, in)
	for i := range out {
		if out[i].PID != nil {
			v := *out[i].PID
			out[i].PID = &v
		}
		if out[i].ProcessName != nil {
			v := *out[i].ProcessName
			out[i].ProcessName = &v
		}
	}
	return out
}
