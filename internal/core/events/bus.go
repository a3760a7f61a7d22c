// Package events implements the EventBus: the single funnel for normalized
// AgentWatchEvents. Every accepted event is appended to a daily audit log, kept
// in a bounded recent-events buffer and delivered synchronously to subscribers.
package events

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/agentwatch/agentwatch/internal/jsonl"
	"github.com/agentwatch/agentwatch/internal/logging"
	"github.com/agentwatch/agentwatch/pkg/types"
)

// ErrBusStopped is returned by Emit outside the Start/Stop window.
var ErrBusStopped = errors.New("event bus is not running")

// AuditPrefix is the file name prefix of the daily audit logs.
const AuditPrefix = "events-"

// DefaultCapacity is the recent-events buffer size used when none is given.
const DefaultCapacity = 500

// EmitOptions describes an event to emit. ID and Timestamp are assigned when empty.
type EmitOptions struct {
	ID          string
	Timestamp   time.Time
	Category    types.EventCategory
	Action      types.EventAction
	EntityID    string
	Description string
	Details     map[string]any
	Source      string
}

// Subscriber receives events in emit order. It runs on the emitting goroutine
// and must not call Emit.
type Subscriber func(types.AgentWatchEvent)

// Bus is the event bus.
type Bus struct {
	// mu serializes Emit so the audit log, the buffer and every subscriber
	// observe the same order.
	mu      sync.Mutex
	state   busState
	ring    []types.AgentWatchEvent
	head    int
	size    int
	dropped int

	subsMu sync.RWMutex
	nextID int
	subs   map[int]Subscriber

	auditDir string
	logger   *logrus.Entry
	now      func() time.Time
}

type busState int

const (
	stateNew busState = iota
	stateRunning
	stateStopped
)

// Option configures a Bus.
type Option func(*Bus)

// WithLogger sets the logger.
func WithLogger(l *logrus.Entry) Option {
	return func(b *Bus) { b.logger = l }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(b *Bus) { b.now = now }
}

// New creates a Bus that writes audit logs under auditDir (no audit log when
// empty) and keeps the last capacity events in memory.
func New(auditDir string, capacity int, opts ...Option) *Bus {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	b := &Bus{
		ring:     make([]types.AgentWatchEvent, capacity),
		subs:     make(map[int]Subscriber),
		auditDir: auditDir,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.logger == nil {
		b.logger = logging.NewLogger("events")
	}
	return b
}

// Start opens the bus for events and preloads the buffer from today's audit log.
// A stopped bus cannot be restarted.
func (b *Bus) Start() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case stateRunning:
		return nil
	case stateStopped:
		return fmt.Errorf("event bus already stopped")
	}

	if b.auditDir != "" {
		path := jsonl.DailyPath(b.auditDir, AuditPrefix, b.now())
		res, err := jsonl.Replay(path, func(ev types.AgentWatchEvent) { b.push(ev) })
		if err != nil {
			b.logger.WithError(err).Warn("Failed to preload recent events")
		}
		if res.Skipped > 0 {
			b.logger.WithField("skipped", res.Skipped).Warn("Skipped malformed audit lines")
		}
	}

	b.state = stateRunning
	return nil
}

// Stop closes the bus. Later emits are dropped.
func (b *Bus) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = stateStopped
}

// Running reports whether the bus accepts events.
func (b *Bus) Running() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state == stateRunning
}

// Emit records an event and delivers it to every subscriber before returning.
func (b *Bus) Emit(opts EmitOptions) (*types.AgentWatchEvent, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != stateRunning {
		b.dropped++
		b.logger.WithFields(logrus.Fields{
			"category": opts.Category,
			"action":   opts.Action,
			"entity":   opts.EntityID,
		}).Debug("Dropping event emitted outside bus lifecycle")
		return nil, ErrBusStopped
	}

	ev := types.AgentWatchEvent{
		ID:          opts.ID,
		Timestamp:   opts.Timestamp,
		Category:    opts.Category,
		Action:      opts.Action,
		EntityID:    opts.EntityID,
		Description: opts.Description,
		Details:     opts.Details,
		Source:      opts.Source,
	}
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = b.now()
	}

	if b.auditDir != "" {
		path := jsonl.DailyPath(b.auditDir, AuditPrefix, ev.Timestamp)
		if err := jsonl.Append(path, ev); err != nil {
			b.logger.WithError(err).Warn("Failed to append audit event")
		}
	}

	b.push(ev)

	for _, fn := range b.subscribers() {
		b.deliver(fn, ev)
	}

	return &ev, nil
}

func (b *Bus) deliver(fn Subscriber, ev types.AgentWatchEvent) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.WithFields(logrus.Fields{"event": ev.ID, "panic": r}).Error("Event subscriber panicked")
		}
	}()
	fn(ev)
}

// push appends to the ring, evicting the oldest event when full. Caller holds mu.
func (b *Bus) push(ev types.AgentWatchEvent) {
	capacity := len(b.ring)
	idx := (b.head + b.size) % capacity
	b.ring[idx] = ev
	if b.size < capacity {
		b.size++
	} else {
		b.head = (b.head + 1) % capacity
	}
}

// Subscribe registers fn and returns a function that removes it.
func (b *Bus) Subscribe(fn Subscriber) func() {
	b.subsMu.Lock()
	defer b.subsMu.Unlock()

	id := b.nextID
	b.nextID++
	b.subs[id] = fn
	return func() {
		b.subsMu.Lock()
		delete(b.subs, id)
		b.subsMu.Unlock()
	}
}

// SubscriberCount returns the number of subscribers.
func (b *Bus) SubscriberCount() int {
	b.subsMu.RLock()
	defer b.subsMu.RUnlock()
	return len(b.subs)
}

func (b *Bus) subscribers() []Subscriber {
	b.subsMu.RLock()
	defer b.subsMu.RUnlock()

	ids := make([]int, 0, len(b.subs))
	for id := range b.subs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	out := make([]Subscriber, 0, len(ids))
	for _, id := range ids {
		out = append(out, b.subs[id])
	}
	return out
}

// Query filters Recent. Zero fields match everything.
type Query struct {
	Category types.EventCategory
	Action   types.EventAction
	EntityID string
	Since    time.Time
	Limit    int
}

func (q Query) matches(ev *types.AgentWatchEvent) bool {
	if q.Category != "" && ev.Category != q.Category {
		return false
	}
	if q.Action != "" && ev.Action != q.Action {
		return false
	}
	if q.EntityID != "" && ev.EntityID != q.EntityID {
		return false
	}
	if !q.Since.IsZero() && ev.Timestamp.Before(q.Since) {
		return false
	}
	return true
}

// Recent returns buffered events matching q, oldest first. With a Limit only
// the newest Limit matches are returned.
func (b *Bus) Recent(q Query) []types.AgentWatchEvent {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]types.AgentWatchEvent, 0)
	for i := 0; i < b.size; i++ {
		ev := &b.ring[(b.head+i)%len(b.ring)]
		if q.matches(ev) {
			out = append(out, *ev)
		}
	}
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[len(out)-q.Limit:]
	}
	return out
}

// Dropped returns how many events were rejected outside the lifecycle window.
func (b *Bus) Dropped() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

// CleanupAudit deletes audit logs older than retentionDays.
func (b *Bus) CleanupAudit(retentionDays int) (int, error) {
	if b.auditDir == "" || retentionDays <= 0 {
		return 0, nil
	}
	cutoff := b.now().AddDate(0, 0, -retentionDays)
	removed, err := jsonl.RemoveOlderThan(b.auditDir, AuditPrefix, cutoff)
	if err != nil {
		return removed, fmt.Errorf("failed to clean audit logs: %w", err)
	}
	return removed, nil
}
