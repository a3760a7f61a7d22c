package port

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/agentwatch/agentwatch/internal/core/datastore"
	"github.com/agentwatch/agentwatch/internal/core/events"
	"github.com/agentwatch/agentwatch/internal/logging"
	"github.com/agentwatch/agentwatch/pkg/types"
)

// Emitter accepts normalized events.
type Emitter interface {
	Emit(opts events.EmitOptions) (*types.AgentWatchEvent, error)
}

// Scanner is the PortScanner.
type Scanner struct {
	cfg     types.PortsConfig
	store   *datastore.Store
	lister  PortLister
	emitter Emitter
	logger  *logrus.Entry

	mu   sync.Mutex
	prev map[string]types.ListeningPort

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// Option configures a Scanner.
type Option func(*Scanner)

// WithLister sets the socket lister.
func WithLister(l PortLister) Option {
	return func(s *Scanner) { s.lister = l }
}

// WithEmitter sets where discover/end events go.
func WithEmitter(e Emitter) Option {
	return func(s *Scanner) { s.emitter = e }
}

// WithLogger sets the logger.
func WithLogger(l *logrus.Entry) Option {
	return func(s *Scanner) { s.logger = l }
}

// NewScanner creates a PortScanner writing into store. Agent labels are read
// from the agents already in store.
func NewScanner(cfg types.PortsConfig, store *datastore.Store, opts ...Option) *Scanner {
	s := &Scanner{
		cfg:    cfg,
		store:  store,
		prev:   make(map[string]types.ListeningPort),
		stopCh: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = logging.NewLogger("port")
	}
	if s.lister == nil {
		s.lister = NewLister()
	}
	return s
}

// Start runs a scan immediately and then every RefreshSeconds.
func (s *Scanner) Start(ctx context.Context) {
	interval := time.Duration(s.cfg.RefreshSeconds) * time.Second
	if interval <= 0 {
		interval = 2 * time.Second
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.ScanOnce(ctx)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.ScanOnce(ctx)
			case <-s.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop halts the scan loop.
func (s *Scanner) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

// ScanOnce runs a single cycle. A failed enumeration keeps the previous
// snapshot.
func (s *Scanner) ScanOnce(ctx context.Context) []types.ListeningPort {
	sockets, err := s.lister.List(ctx)
	if err != nil {
		s.logger.WithError(err).Warn("Port enumeration failed")
		return nil
	}

	labels := make(map[int]string)
	for _, a := range s.store.SnapshotAgents() {
		labels[a.PID] = a.Label
	}

	current := make(map[string]types.ListeningPort)
	for _, sock := range sockets {
		if sock.Port < s.cfg.MinPort {
			continue
		}
		p := types.ListeningPort{Port: sock.Port, Protocol: sock.Protocol}
		key := p.Key()
		if existing, ok := current[key]; ok && existing.PID != nil {
			// SO_REUSEPORT or dual entries; keep the first attributed owner.
			continue
		}
		if sock.PID > 0 {
			pid := sock.PID
			p.PID = &pid
			if sock.ProcessName != "" {
				name := sock.ProcessName
				p.ProcessName = &name
			}
			p.AgentLabel = labels[pid]
		}
		current[key] = p
	}

	ports := make([]types.ListeningPort, 0, len(current))
	for _, p := range current {
		ports = append(ports, p)
	}
	sort.Slice(ports, func(i, j int) bool {
		if ports[i].Port != ports[j].Port {
			return ports[i].Port < ports[j].Port
		}
		return ports[i].Protocol < ports[j].Protocol
	})

	s.mu.Lock()
	prev := s.prev
	s.prev = current
	s.mu.Unlock()

	s.store.SetPorts(ports)

	for _, p := range ports {
		if _, ok := prev[p.Key()]; !ok {
			s.emit(types.ActionDiscover, p, "opened")
		}
	}
	var ended []types.ListeningPort
	for key, p := range prev {
		if _, ok := current[key]; !ok {
			ended = append(ended, p)
		}
	}
	sort.Slice(ended, func(i, j int) bool { return ended[i].Key() < ended[j].Key() })
	for _, p := range ended {
		s.emit(types.ActionEnd, p, "closed")
	}

	return ports
}

func (s *Scanner) emit(action types.EventAction, p types.ListeningPort, verb string) {
	if s.emitter == nil {
		return
	}
	details := map[string]any{
		"port":     p.Port,
		"protocol": p.Protocol,
	}
	owner := ""
	if p.PID != nil {
		details["pid"] = *p.PID
		owner = fmt.Sprintf(" (pid %d)", *p.PID)
	}
	if p.ProcessName != nil {
		details["process_name"] = *p.ProcessName
	}
	if p.AgentLabel != "" {
		details["agent_label"] = p.AgentLabel
	}
	_, err := s.emitter.Emit(events.EmitOptions{
		Category:    types.CategoryPort,
		Action:      action,
		EntityID:    p.Key(),
		Description: fmt.Sprintf("Port %d/%s %s%s", p.Port, p.Protocol, verb, owner),
		Details:     details,
		Source:      "port_scanner",
	})
	if err != nil {
		s.logger.WithError(err).WithField("port", p.Port).Debug("Port event not emitted")
	}
}
