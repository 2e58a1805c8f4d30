// Package telemetry fans each session's event stream out to live subscribers, replaying the
// full backlog to late joiners.
package telemetry

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	defaultGracePeriod = 5 * time.Minute
	defaultMaxPending  = 4096
)

// Stopper cancels a scheduled eviction.
type Stopper interface {
	Stop() bool
}

// AfterFunc schedules f after d.
type AfterFunc func(d time.Duration, f func()) Stopper

func systemAfterFunc(d time.Duration, f func()) Stopper {
	return time.AfterFunc(d, f)
}

// RegistryConfig tunes topic retention and subscriber isolation.
type RegistryConfig struct {
	GracePeriod time.Duration
	MaxPending  int
	Clock       func() time.Time
	AfterFunc   AfterFunc
	Logger      *zap.Logger
}

// Registry owns one topic per session.
type Registry struct {
	mu          sync.Mutex
	topics      map[string]*topic
	nextID      int64
	gracePeriod time.Duration
	maxPending  int
	clock       func() time.Time
	afterFunc   AfterFunc
	logger      *zap.Logger
}

type topic struct {
	mu          sync.Mutex
	sessionID   string
	backlog     []Event
	subscribers map[int64]*subscriber
	eviction    Stopper
	generation  uint64
	closed      bool
}

// NewRegistry constructs an empty registry.
func NewRegistry(cfg RegistryConfig) *Registry {
	registry := &Registry{
		topics:      make(map[string]*topic),
		gracePeriod: cfg.GracePeriod,
		maxPending:  cfg.MaxPending,
		clock:       cfg.Clock,
		afterFunc:   cfg.AfterFunc,
		logger:      cfg.Logger,
	}
	if registry.gracePeriod <= 0 {
		registry.gracePeriod = defaultGracePeriod
	}
	if registry.maxPending <= 0 {
		registry.maxPending = defaultMaxPending
	}
	if registry.clock == nil {
		registry.clock = time.Now
	}
	if registry.afterFunc == nil {
		registry.afterFunc = systemAfterFunc
	}
	if registry.logger == nil {
		registry.logger = zap.NewNop()
	}
	return registry
}

// Open creates the session topic with an empty backlog. Opening an existing topic keeps its
// backlog and subscribers and cancels any eviction scheduled by an earlier completion.
func (r *Registry) Open(sessionID string) {
	if sessionID == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.topics[sessionID]; ok {
		t.mu.Lock()
		if t.eviction != nil {
			t.eviction.Stop()
			t.eviction = nil
			t.generation++
		}
		t.mu.Unlock()
		return
	}
	r.topics[sessionID] = &topic{sessionID: sessionID, subscribers: make(map[int64]*subscriber)}
}

// Subscribe replays the topic backlog and then streams live events in publish order. Unknown
// sessions yield a closed channel. The returned func detaches the subscriber; cancelling ctx
// does the same.
func (r *Registry) Subscribe(ctx context.Context, sessionID string) (<-chan Event, func()) {
	t := r.lookup(sessionID)
	if t == nil {
		return closedStream(), func() {}
	}
	id := r.nextSequence()
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return closedStream(), func() {}
	}
	sub := newSubscriber(id, t.backlog[:len(t.backlog):len(t.backlog)])
	t.subscribers[sub.id] = sub
	t.mu.Unlock()

	go sub.run()
	cleanup := func() {
		t.mu.Lock()
		delete(t.subscribers, sub.id)
		t.mu.Unlock()
		sub.abort()
	}
	go func() {
		select {
		case <-ctx.Done():
			cleanup()
		case <-sub.done:
		}
	}()
	return sub.out, cleanup
}

// Publish appends the event to the session backlog and hands it to every subscriber without
// blocking. A subscriber whose mailbox exceeds the pending limit is disconnected. It reports
// false when the session has no open topic.
func (r *Registry) Publish(sessionID string, event Event) bool {
	t := r.lookup(sessionID)
	if t == nil {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return false
	}
	event.SessionID = sessionID
	event.Sequence = uint64(len(t.backlog)) + 1
	if event.Timestamp.IsZero() {
		event.Timestamp = r.clock().UTC()
	}
	t.backlog = append(t.backlog, event)
	for id, sub := range t.subscribers {
		if sub.pending() >= r.maxPending {
			delete(t.subscribers, id)
			sub.abort()
			r.logger.Warn("telemetry subscriber disconnected",
				zap.String("session_id", sessionID),
				zap.Int64("subscriber_id", id),
				zap.Int("max_pending", r.maxPending))
			continue
		}
		sub.enqueue(event)
	}
	if event.Type == EventComplete && t.eviction == nil {
		generation := t.generation
		t.eviction = r.afterFunc(r.gracePeriod, func() { r.expire(sessionID, t, generation) })
	}
	return true
}

// Close discards the topic immediately. Subscribers receive what is already queued and then
// see their stream close.
func (r *Registry) Close(sessionID string) {
	t := r.lookup(sessionID)
	if t == nil {
		return
	}
	t.mu.Lock()
	if t.eviction != nil {
		t.eviction.Stop()
	}
	t.mu.Unlock()
	r.evict(sessionID, t)
}

// Topics lists the open session topics.
func (r *Registry) Topics() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	sessions := make([]string, 0, len(r.topics))
	for sessionID := range r.topics {
		sessions = append(sessions, sessionID)
	}
	sort.Strings(sessions)
	return sessions
}

// Backlog returns a copy of the session history.
func (r *Registry) Backlog(sessionID string) []Event {
	t := r.lookup(sessionID)
	if t == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Event(nil), t.backlog...)
}

// Subscribers counts live subscribers of a session.
func (r *Registry) Subscribers(sessionID string) int {
	t := r.lookup(sessionID)
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.subscribers)
}

// expire evicts the topic unless it was reopened after the eviction was scheduled.
func (r *Registry) expire(sessionID string, t *topic, generation uint64) {
	r.mu.Lock()
	t.mu.Lock()
	stale := t.generation != generation
	t.mu.Unlock()
	if stale {
		r.mu.Unlock()
		return
	}
	r.detach(sessionID, t)
	r.mu.Unlock()
	r.shutdown(sessionID, t)
}

func (r *Registry) evict(sessionID string, t *topic) {
	r.mu.Lock()
	r.detach(sessionID, t)
	r.mu.Unlock()
	r.shutdown(sessionID, t)
}

// detach requires r.mu.
func (r *Registry) detach(sessionID string, t *topic) {
	if current, ok := r.topics[sessionID]; ok && current == t {
		delete(r.topics, sessionID)
	}
}

func (r *Registry) shutdown(sessionID string, t *topic) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.closed = true
	for id, sub := range t.subscribers {
		delete(t.subscribers, id)
		sub.finish()
	}
	t.backlog = nil
	r.logger.Debug("telemetry topic evicted", zap.String("session_id", sessionID))
}

func (r *Registry) lookup(sessionID string) *topic {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.topics[sessionID]
}

func (r *Registry) nextSequence() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	return r.nextID
}

func closedStream() <-chan Event {
	stream := make(chan Event)
	close(stream)
	return stream
}
