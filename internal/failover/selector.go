// Package failover derives the single active trade-routing venue from the
// venue registry.
package failover

import (
	"sync"

	"tradeforce/internal/venue"
	"tradeforce/logger"
	"tradeforce/models"
)

// Source is the read side of the venue registry.
type Source interface {
	Snapshot() []models.Venue
	Subscribe(l venue.Listener) func()
}

// Select returns the connected DEX venue with the lowest priority, ties
// broken by id, or nil when none is connected.
func Select(venues []models.Venue) *models.Venue {
	var best *models.Venue
	for i := range venues {
		v := &venues[i]
		if v.Status != models.StatusConnected || v.Kind != models.KindDEX {
			continue
		}
		if best == nil || v.Priority < best.Priority || (v.Priority == best.Priority && v.ID < best.ID) {
			best = v
		}
	}
	if best == nil {
		return nil
	}
	out := best.Clone()
	return &out
}

type Selector struct {
	src Source
	log *logger.Log

	emitMu sync.Mutex
	mu     sync.Mutex
	auto   bool
	active string
	count  int

	listenersMu sync.RWMutex
	listeners   map[uint64]func(models.StatusEvent)
	nextID      uint64

	unsubscribe func()
}

// New computes the initial selection and recomputes on every registry
// status change.
func New(src Source, autoFailover bool) *Selector {
	s := &Selector{
		src:       src,
		log:       logger.GetLogger(),
		auto:      autoFailover,
		listeners: make(map[uint64]func(models.StatusEvent)),
	}
	s.recompute()
	s.unsubscribe = src.Subscribe(func(ev models.VenueEvent) {
		if ev.StatusChanged() {
			s.recompute()
		}
	})
	return s
}

// OnStatusChange registers fn for active venue changes and returns a
// function that removes it.
func (s *Selector) OnStatusChange(fn func(models.StatusEvent)) func() {
	if fn == nil {
		return func() {}
	}
	s.listenersMu.Lock()
	s.nextID++
	id := s.nextID
	s.listeners[id] = fn
	s.listenersMu.Unlock()

	return func() {
		s.listenersMu.Lock()
		delete(s.listeners, id)
		s.listenersMu.Unlock()
	}
}

// Active returns the id of the active venue or an empty string.
func (s *Selector) Active() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Status returns the current selection in the subscriber payload shape.
func (s *Selector) Status() models.StatusEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.eventLocked()
}

func (s *Selector) AutoFailover() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.auto
}

// SetAutoFailover toggles automatic reselection. Enabling it recomputes
// immediately.
func (s *Selector) SetAutoFailover(enabled bool) {
	s.mu.Lock()
	changed := s.auto != enabled
	s.auto = enabled
	s.mu.Unlock()

	if !changed {
		return
	}
	s.log.WithComponent("failover").WithField("enabled", enabled).Info("auto failover toggled")
	if enabled {
		s.recompute()
	}
}

func (s *Selector) Close() {
	if s.unsubscribe != nil {
		s.unsubscribe()
	}
}

func (s *Selector) recompute() {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()

	venues := s.src.Snapshot()
	connected := 0
	for _, v := range venues {
		if v.Status == models.StatusConnected {
			connected++
		}
	}

	s.mu.Lock()
	next := ""
	if !s.auto && s.active != "" && stillConnected(venues, s.active) {
		next = s.active
	} else if best := Select(venues); best != nil {
		next = best.ID
	}
	prev := s.active
	s.active = next
	s.count = connected
	ev := s.eventLocked()
	s.mu.Unlock()

	if prev == next {
		return
	}

	s.log.WithComponent("failover").WithFields(logger.Fields{
		"previous":  prev,
		"active":    next,
		"connected": connected,
	}).Info("active venue changed")

	s.listenersMu.RLock()
	ls := make([]func(models.StatusEvent), 0, len(s.listeners))
	for _, l := range s.listeners {
		ls = append(ls, l)
	}
	s.listenersMu.RUnlock()

	for _, l := range ls {
		l(ev)
	}
}

func (s *Selector) eventLocked() models.StatusEvent {
	ev := models.StatusEvent{Status: models.StatusDisconnected, ConnectedCount: s.count}
	if s.active != "" {
		id := s.active
		ev.Exchange = &id
		ev.Status = models.StatusConnected
	}
	return ev
}

func stillConnected(venues []models.Venue, id string) bool {
	for _, v := range venues {
		if v.ID == id {
			return v.Status == models.StatusConnected
		}
	}
	return false
}
