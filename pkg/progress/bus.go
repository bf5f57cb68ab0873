// Package progress implements the in-process progress event bus: per-session
// FIFO fan-out with bounded subscriber buffers and replay by last-seen id.
package progress

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lotse-ki/lotse/pkg/config"
	"github.com/lotse-ki/lotse/pkg/model"
	"github.com/lotse-ki/lotse/pkg/observability"
)

// Bus is the process-wide progress hub. Sessions are independent; all
// state for one session sits behind that session's mutex.
type Bus struct {
	mu       sync.RWMutex
	cfg      config.ProgressConfig
	sessions map[string]*session
}

type session struct {
	mu           sync.Mutex
	id           string
	nextEventID  uint64
	lastTS       time.Time
	retained     []model.ProgressEvent
	subs         map[*Subscription]struct{}
	lastActivity time.Time
}

// Subscription is one consumer of a session's event stream.
type Subscription struct {
	ch      chan model.ProgressEvent
	once    sync.Once
	dropped atomic.Uint64
	detach  func(*Subscription)
}

// Events is the subscriber's receive channel. It is closed by Close.
func (s *Subscription) Events() <-chan model.ProgressEvent { return s.ch }

// Dropped reports how many events were discarded because this subscriber
// fell behind.
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

// Close detaches the subscription and closes its channel. Safe to call
// more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.detach(s)
		close(s.ch)
	})
}

func NewBus(cfg config.ProgressConfig) *Bus {
	return &Bus{
		cfg:      cfg,
		sessions: make(map[string]*session),
	}
}

// Publish appends an event to the session stream and fans it out. It never
// blocks on a slow subscriber: when a subscriber's buffer is full the
// oldest buffered event is dropped and counted.
func (b *Bus) Publish(sessionID string, stage model.Stage, status model.EventStatus, kind string, payload map[string]any) model.ProgressEvent {
	s := b.getOrCreateSession(sessionID)

	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextEventID++
	ts := time.Now()
	// Event ids and timestamps must order identically within a session.
	if ts.Before(s.lastTS) {
		ts = s.lastTS
	}
	s.lastTS = ts
	s.lastActivity = ts

	ev := model.ProgressEvent{
		EventID:   s.nextEventID,
		SessionID: sessionID,
		Stage:     stage,
		Status:    status,
		Kind:      kind,
		Payload:   payload,
		Timestamp: ts,
	}

	s.retained = append(s.retained, ev)
	s.prune(b.cfg)

	for sub := range s.subs {
		sub.offer(ev)
	}

	return ev
}

// offer delivers without blocking, dropping the oldest buffered event when
// the subscriber is saturated.
func (sub *Subscription) offer(ev model.ProgressEvent) {
	for {
		select {
		case sub.ch <- ev:
			return
		default:
		}
		select {
		case <-sub.ch:
			sub.dropped.Add(1)
			observability.ProgressDropped.Inc()
		default:
		}
	}
}

// prune drops retained events that fall outside both retention bounds:
// beyond the newest R events and older than the TTL. The window is the
// larger of the two.
func (s *session) prune(cfg config.ProgressConfig) {
	if len(s.retained) <= cfg.ReplayBufferSize {
		return
	}
	cutoff := time.Now().Add(-cfg.ReplayTTL)
	excess := len(s.retained) - cfg.ReplayBufferSize

	drop := 0
	for drop < excess && s.retained[drop].Timestamp.Before(cutoff) {
		drop++
	}
	if drop > 0 {
		s.retained = append(s.retained[:0:0], s.retained[drop:]...)
	}
}

// Subscribe attaches a consumer to a session. Retained events with id >
// sinceEventID are replayed into the buffer first, then live events follow
// in publish order with no gap.
func (b *Bus) Subscribe(sessionID string, sinceEventID uint64) *Subscription {
	s := b.getOrCreateSession(sessionID)

	s.mu.Lock()
	defer s.mu.Unlock()

	replay := make([]model.ProgressEvent, 0)
	for _, ev := range s.retained {
		if ev.EventID > sinceEventID {
			replay = append(replay, ev)
		}
	}

	bufSize := b.cfg.SubscriberBuffer
	if bufSize < len(replay)+1 {
		bufSize = len(replay) + 1
	}

	sub := &Subscription{
		ch: make(chan model.ProgressEvent, bufSize),
		detach: func(sub *Subscription) {
			s.mu.Lock()
			delete(s.subs, sub)
			s.mu.Unlock()
		},
	}

	for _, ev := range replay {
		sub.ch <- ev
	}

	if s.subs == nil {
		s.subs = make(map[*Subscription]struct{})
	}
	s.subs[sub] = struct{}{}

	return sub
}

// Retained returns a copy of the currently retained events for a session.
func (b *Bus) Retained(sessionID string) []model.ProgressEvent {
	b.mu.RLock()
	s, ok := b.sessions[sessionID]
	b.mu.RUnlock()
	if !ok {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.ProgressEvent, len(s.retained))
	copy(out, s.retained)
	return out
}

func (b *Bus) getOrCreateSession(sessionID string) *session {
	b.mu.RLock()
	s, ok := b.sessions[sessionID]
	b.mu.RUnlock()
	if ok {
		return s
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if s, ok = b.sessions[sessionID]; ok {
		return s
	}
	// Sweep before inserting so the new session can never fall inside the
	// expiry window.
	b.sweepLocked()
	s = &session{
		id:           sessionID,
		subs:         make(map[*Subscription]struct{}),
		lastActivity: time.Now(),
	}
	b.sessions[sessionID] = s
	return s
}

// sweepLocked removes sessions idle for more than twice the replay TTL and
// without subscribers. A zero TTL disables expiry; retention then is
// bounded by the replay buffer alone. Caller holds b.mu.
func (b *Bus) sweepLocked() {
	if b.cfg.ReplayTTL <= 0 {
		return
	}
	cutoff := time.Now().Add(-2 * b.cfg.ReplayTTL)
	for id, s := range b.sessions {
		s.mu.Lock()
		idle := s.lastActivity.Before(cutoff) && len(s.subs) == 0
		s.mu.Unlock()
		if idle {
			delete(b.sessions, id)
			slog.Debug("progress session expired", "session_id", id)
		}
	}
}
