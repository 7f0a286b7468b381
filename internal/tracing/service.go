package tracing

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prasenjit/omock/internal/models"
)

const (
	defaultMaxTraces  = 1000
	subscriberBacklog = 100
)

// Service keeps the most recent dispatch traces in a ring buffer and fans
// new ones out to live subscribers
type Service struct {
	mu          sync.RWMutex
	ring        []*models.Trace
	next        int // slot the next trace is written to
	full        bool
	subscribers map[string]*subscriber
}

type subscriber struct {
	ch     chan *models.Trace
	filter models.TraceFilter
}

// Stats describes the buffer and its subscribers
type Stats struct {
	TotalTraces       int `json:"total_traces"`
	MaxTraces         int `json:"max_traces"`
	ActiveSubscribers int `json:"active_subscribers"`
}

// NewService creates a tracing service holding up to maxTraces traces
func NewService(maxTraces int) *Service {
	if maxTraces <= 0 {
		maxTraces = defaultMaxTraces
	}
	return &Service{
		ring:        make([]*models.Trace, maxTraces),
		subscribers: make(map[string]*subscriber),
	}
}

// RecordTrace stores trace, evicting the oldest when full. Subscribers that
// cannot keep up miss the trace rather than block the caller.
func (s *Service) RecordTrace(trace *models.Trace) {
	if trace.ID == "" {
		trace.ID = uuid.New().String()
	}
	if trace.Timestamp.IsZero() {
		trace.Timestamp = time.Now()
	}

	s.mu.Lock()
	s.ring[s.next] = trace
	s.next = (s.next + 1) % len(s.ring)
	if s.next == 0 {
		s.full = true
	}

	targets := make([]chan *models.Trace, 0, len(s.subscribers))
	for _, sub := range s.subscribers {
		if sub.filter.Matches(trace) {
			targets = append(targets, sub.ch)
		}
	}
	s.mu.Unlock()

	for _, ch := range targets {
		select {
		case ch <- trace:
		default:
		}
	}
}

// GetTraces returns matching traces, newest first
func (s *Service) GetTraces(filter *models.TraceFilter) []*models.Trace {
	var f models.TraceFilter
	if filter != nil {
		f = *filter
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*models.Trace, 0)
	skipped := 0
	s.walkNewest(func(t *models.Trace) bool {
		if !f.Matches(t) {
			return true
		}
		if skipped < f.Offset {
			skipped++
			return true
		}
		result = append(result, t)
		return f.Limit <= 0 || len(result) < f.Limit
	})
	return result
}

// GetTrace returns a single trace by id, or nil
func (s *Service) GetTrace(id string) *models.Trace {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var found *models.Trace
	s.walkNewest(func(t *models.Trace) bool {
		if t.ID == id {
			found = t
			return false
		}
		return true
	})
	return found
}

// ClearTraces removes all traces
func (s *Service) ClearTraces() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.ring = make([]*models.Trace, len(s.ring))
	s.next = 0
	s.full = false
}

// ClearTracesByMock removes the traces of one mock
func (s *Service) ClearTracesByMock(mockID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := make([]*models.Trace, 0, s.count())
	s.walkNewest(func(t *models.Trace) bool {
		if t.MockID != mockID {
			kept = append(kept, t)
		}
		return true
	})

	ring := make([]*models.Trace, len(s.ring))
	for i := range kept {
		ring[i] = kept[len(kept)-1-i]
	}
	s.ring = ring
	s.next = len(kept) % len(ring)
	s.full = len(kept) == len(ring)
}

// Subscribe registers a live listener receiving traces that match filter
func (s *Service) Subscribe(filter models.TraceFilter) (string, <-chan *models.Trace) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := uuid.New().String()
	sub := &subscriber{ch: make(chan *models.Trace, subscriberBacklog), filter: filter}
	s.subscribers[id] = sub
	return id, sub.ch
}

// Unsubscribe removes a listener and closes its channel
func (s *Service) Unsubscribe(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sub, ok := s.subscribers[id]; ok {
		close(sub.ch)
		delete(s.subscribers, id)
	}
}

// GetStats returns buffer occupancy and subscriber count
func (s *Service) GetStats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return Stats{
		TotalTraces:       s.count(),
		MaxTraces:         len(s.ring),
		ActiveSubscribers: len(s.subscribers),
	}
}

// Caller holds mu.
func (s *Service) count() int {
	if s.full {
		return len(s.ring)
	}
	return s.next
}

// walkNewest visits traces from newest to oldest until fn returns false.
// Caller holds mu.
func (s *Service) walkNewest(fn func(*models.Trace) bool) {
	n := s.count()
	for i := 1; i <= n; i++ {
		idx := (s.next - i + len(s.ring)) % len(s.ring)
		if !fn(s.ring[idx]) {
			return
		}
	}
}
