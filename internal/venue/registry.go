package venue

import (
	"sync"
	"time"

	"tradeforce/internal/health"
	"tradeforce/models"
)

// Listener receives registry changes. Listeners run synchronously in
// mutation order and must not mutate the registry.
type Listener func(models.VenueEvent)

// Registry is the single source of truth for venue state and aggregate
// connection statistics. Every mutation is atomic and emits a VenueEvent.
type Registry struct {
	mu     sync.RWMutex
	venues map[string]*models.Venue
	stats  models.ConnectionStats

	emitMu     sync.Mutex
	listenerMu sync.RWMutex
	listeners  map[uint64]Listener
	nextID     uint64

	now func() time.Time
}

// NewRegistry registers venues in the disconnected state.
func NewRegistry(venues []models.Venue) *Registry {
	r := &Registry{
		venues:    make(map[string]*models.Venue, len(venues)),
		listeners: make(map[uint64]Listener),
		now:       time.Now,
	}
	for _, v := range venues {
		v := v.Clone()
		v.Status = models.StatusDisconnected
		v.LatencyMs = nil
		v.LastConnectedAt = nil
		v.ReconnectAttempts = 0
		r.venues[v.ID] = &v
	}
	return r
}

func (r *Registry) Get(id string) (models.Venue, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.venues[id]
	if !ok {
		return models.Venue{}, false
	}
	return v.Clone(), true
}

// Snapshot returns copies of all venues ordered by priority then id.
func (r *Registry) Snapshot() []models.Venue {
	r.mu.RLock()
	out := make([]models.Venue, 0, len(r.venues))
	for _, v := range r.venues {
		out = append(out, v.Clone())
	}
	r.mu.RUnlock()
	models.SortByPriority(out)
	return out
}

func (r *Registry) Stats() models.ConnectionStats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s := r.stats
	if s.LastHealthCheck != nil {
		t := *s.LastHealthCheck
		s.LastHealthCheck = &t
	}
	return s
}

// Subscribe registers l and returns a function that removes it.
func (r *Registry) Subscribe(l Listener) func() {
	if l == nil {
		return func() {}
	}
	r.listenerMu.Lock()
	r.nextID++
	id := r.nextID
	r.listeners[id] = l
	r.listenerMu.Unlock()

	return func() {
		r.listenerMu.Lock()
		delete(r.listeners, id)
		r.listenerMu.Unlock()
	}
}

// RecordAttempt counts a connect call against an already connected venue.
func (r *Registry) RecordAttempt(id string) {
	r.mutate(id, func(_ *models.Venue, s *models.ConnectionStats) bool {
		s.TotalConnections++
		s.SuccessfulConnections++
		return false
	})
}

func (r *Registry) RecordConnecting(id string) {
	r.mutate(id, func(v *models.Venue, _ *models.ConnectionStats) bool {
		v.Status = models.StatusConnecting
		return true
	})
}

// RecordConnectResult stores the outcome of one connection attempt.
func (r *Registry) RecordConnectResult(id string, res health.Result) {
	now := r.now()
	r.mutate(id, func(v *models.Venue, s *models.ConnectionStats) bool {
		s.TotalConnections++
		if res.Healthy {
			s.SuccessfulConnections++
			v.Status = models.StatusConnected
			v.LatencyMs = copyLatency(res.LatencyMs)
			v.LastConnectedAt = &now
			v.ReconnectAttempts = 0
			v.LastError = ""
			return true
		}
		s.FailedConnections++
		v.Status = models.StatusError
		v.LatencyMs = nil
		v.LastError = res.Reason()
		return true
	})
}

// RecordHealthCheckResult stores the outcome of a periodic re-check of a
// connected venue.
func (r *Registry) RecordHealthCheckResult(id string, res health.Result) {
	now := r.now()
	r.mutate(id, func(v *models.Venue, s *models.ConnectionStats) bool {
		s.LastHealthCheck = &now
		if res.Healthy {
			v.LatencyMs = copyLatency(res.LatencyMs)
			return true
		}
		v.Status = models.StatusError
		v.LatencyMs = nil
		v.LastError = res.Reason()
		return true
	})
}

// RecordReconnect counts a reconnect attempt, automatic or manual.
func (r *Registry) RecordReconnect(id string) {
	r.mutate(id, func(_ *models.Venue, s *models.ConnectionStats) bool {
		s.Reconnections++
		return false
	})
}

func (r *Registry) SetReconnectAttempts(id string, n int) {
	r.mutate(id, func(v *models.Venue, _ *models.ConnectionStats) bool {
		if v.ReconnectAttempts == n {
			return false
		}
		v.ReconnectAttempts = n
		return true
	})
}

func (r *Registry) RecordDisconnect(id string) {
	r.mutate(id, func(v *models.Venue, _ *models.ConnectionStats) bool {
		v.Status = models.StatusDisconnected
		v.LatencyMs = nil
		v.LastError = ""
		return true
	})
}

// RecordFailed moves the venue to the terminal failed state.
func (r *Registry) RecordFailed(id, reason string) {
	r.mutate(id, func(v *models.Venue, _ *models.ConnectionStats) bool {
		v.Status = models.StatusFailed
		v.LatencyMs = nil
		v.LastError = reason
		return true
	})
}

func (r *Registry) mutate(id string, fn func(*models.Venue, *models.ConnectionStats) bool) {
	r.emitMu.Lock()
	defer r.emitMu.Unlock()

	r.mu.Lock()
	v, ok := r.venues[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	prev := v.Status
	changed := fn(v, &r.stats)
	ev := models.VenueEvent{Venue: v.Clone(), PreviousStatus: prev, At: r.now()}
	r.mu.Unlock()

	if changed {
		r.emit(ev)
	}
}

func (r *Registry) emit(ev models.VenueEvent) {
	r.listenerMu.RLock()
	ls := make([]Listener, 0, len(r.listeners))
	for _, l := range r.listeners {
		ls = append(ls, l)
	}
	r.listenerMu.RUnlock()

	for _, l := range ls {
		l(ev)
	}
}

func copyLatency(ms *int64) *int64 {
	if ms == nil {
		return nil
	}
	v := *ms
	return &v
}
