// Package router fans lifecycle events out to subscribed sessions.
//
// Delivery is at-least-once per healthy subscriber. A subscriber that
// falls behind its bounded buffer loses events and receives a single gap
// notification carrying the dropped count; memory use stays bounded.
package router

import (
	"log"
	"sync"

	"github.com/google/uuid"

	"github.com/djlord-it/easy-grid/internal/domain"
)

// Filter selects which events a subscriber receives. Empty fields match
// everything; set fields must all match. Filters are evaluated per
// publish, so subscription updates are O(1).
type Filter struct {
	Types []domain.EventType
	Tags  []string
}

// Matches reports whether the event passes the filter.
func (f Filter) Matches(ev domain.LifecycleEvent) bool {
	if len(f.Types) > 0 {
		found := false
		for _, t := range f.Types {
			if t == ev.Type {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if len(f.Tags) > 0 {
		found := false
		for _, want := range f.Tags {
			for _, have := range ev.Tags {
				if want == have {
					found = true
					break
				}
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// Sender delivers router output to a session's outbound stream.
type Sender interface {
	SendEvent(sessionID uuid.UUID, ev domain.LifecycleEvent) error
	SendGap(sessionID uuid.UUID, dropped int) error
}

// MetricsSink defines the interface for recording router metrics.
// All methods must be non-blocking and fire-and-forget.
type MetricsSink interface {
	EventPublished()
	EventDropped()
	GapNotified()
}

type subscriber struct {
	sessionID uuid.UUID
	filter    Filter
	ch        chan domain.LifecycleEvent
	done      chan struct{}
	closeOnce sync.Once

	mu      sync.Mutex
	dropped int
}

func (s *subscriber) close() {
	s.closeOnce.Do(func() { close(s.done) })
}

func (s *subscriber) markDropped() {
	s.mu.Lock()
	s.dropped++
	s.mu.Unlock()
}

func (s *subscriber) takeDropped() int {
	s.mu.Lock()
	n := s.dropped
	s.dropped = 0
	s.mu.Unlock()
	return n
}

// Router is an explicitly constructed fan-out hub; its lifecycle is owned
// by the process entry point.
type Router struct {
	mu         sync.RWMutex
	subs       map[uuid.UUID]*subscriber
	sender     Sender
	bufferSize int
	metrics    MetricsSink // optional, nil = disabled
	wg         sync.WaitGroup
}

// New creates a router delivering through sender with the given
// per-subscriber buffer bound.
func New(sender Sender, bufferSize int) *Router {
	if bufferSize <= 0 {
		bufferSize = 64
	}
	return &Router{
		subs:       make(map[uuid.UUID]*subscriber),
		sender:     sender,
		bufferSize: bufferSize,
	}
}

// WithMetrics attaches a metrics sink to the router.
func (r *Router) WithMetrics(sink MetricsSink) *Router {
	r.metrics = sink
	return r
}

// Subscribe registers (or replaces) the session's subscription.
func (r *Router) Subscribe(sessionID uuid.UUID, filter Filter) {
	sub := &subscriber{
		sessionID: sessionID,
		filter:    filter,
		ch:        make(chan domain.LifecycleEvent, r.bufferSize),
		done:      make(chan struct{}),
	}

	r.mu.Lock()
	if old, ok := r.subs[sessionID]; ok {
		old.close()
	}
	r.subs[sessionID] = sub
	r.mu.Unlock()

	r.wg.Add(1)
	go r.deliver(sub)
}

// Unsubscribe removes the session's subscription.
func (r *Router) Unsubscribe(sessionID uuid.UUID) {
	r.mu.Lock()
	sub, ok := r.subs[sessionID]
	if ok {
		delete(r.subs, sessionID)
	}
	r.mu.Unlock()

	if ok {
		sub.close()
	}
}

// Publish fans the event out to all matching subscribers. A full
// subscriber buffer drops the event and marks the gap.
func (r *Router) Publish(ev domain.LifecycleEvent) {
	r.mu.RLock()
	targets := make([]*subscriber, 0, len(r.subs))
	for _, sub := range r.subs {
		if sub.filter.Matches(ev) {
			targets = append(targets, sub)
		}
	}
	r.mu.RUnlock()

	if r.metrics != nil {
		r.metrics.EventPublished()
	}

	for _, sub := range targets {
		select {
		case sub.ch <- ev:
		default:
			sub.markDropped()
			if r.metrics != nil {
				r.metrics.EventDropped()
			}
		}
	}
}

// Close stops all deliveries and waits for them to finish.
func (r *Router) Close() {
	r.mu.Lock()
	for id, sub := range r.subs {
		sub.close()
		delete(r.subs, id)
	}
	r.mu.Unlock()
	r.wg.Wait()
}

func (r *Router) deliver(sub *subscriber) {
	defer r.wg.Done()
	for {
		select {
		case <-sub.done:
			return
		case ev := <-sub.ch:
			if dropped := sub.takeDropped(); dropped > 0 {
				if err := r.sender.SendGap(sub.sessionID, dropped); err != nil {
					log.Printf("router: gap notify session=%s failed: %v", sub.sessionID, err)
				} else if r.metrics != nil {
					r.metrics.GapNotified()
				}
			}
			if err := r.sender.SendEvent(sub.sessionID, ev); err != nil {
				// The session's outbound buffer is the second bound; a
				// failed send counts toward the next gap.
				sub.markDropped()
				if r.metrics != nil {
					r.metrics.EventDropped()
				}
			}
		}
	}
}
