// Package venue owns the venue registry and drives connect, health
// monitoring and reconnect for every configured venue.
package venue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"tradeforce/config"
	"tradeforce/internal/backoff"
	"tradeforce/internal/health"
	"tradeforce/internal/metrics"
	"tradeforce/logger"
	"tradeforce/models"
)

var (
	ErrUnknownVenue   = errors.New("unknown venue")
	ErrClosed         = errors.New("venue manager closed")
	ErrAlreadyRunning = errors.New("health monitoring already running")
)

const (
	DefaultConnectTimeout      = 10 * time.Second
	DefaultHealthCheckInterval = 30 * time.Second
)

type Option func(*Manager)

func WithBackoffPolicy(p backoff.Policy) Option {
	return func(m *Manager) { m.policy = p }
}

// WithAfterFunc replaces the timer factory used for reconnect scheduling.
func WithAfterFunc(fn backoff.AfterFunc) Option {
	return func(m *Manager) { m.afterFunc = fn }
}

func WithChecker(c *health.Checker) Option {
	return func(m *Manager) {
		if c != nil {
			m.checker = c
		}
	}
}

func WithConnectTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.connectTimeout = d
		}
	}
}

func WithHealthCheck(enabled bool) Option {
	return func(m *Manager) { m.healthEnabled.Store(enabled) }
}

type Manager struct {
	registry   *Registry
	connectors map[string]Connector
	locks      map[string]*sync.Mutex
	schedulers map[string]*backoff.Scheduler

	checker        *health.Checker
	policy         backoff.Policy
	afterFunc      backoff.AfterFunc
	connectTimeout time.Duration

	healthEnabled atomic.Bool
	monitoring    atomic.Bool
	closed        atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	log    *logger.Log
}

// NewManager builds a manager over venues. Every venue needs a connector.
func NewManager(venues []models.Venue, connectors map[string]Connector, opts ...Option) (*Manager, error) {
	m := &Manager{
		registry:       NewRegistry(venues),
		connectors:     make(map[string]Connector, len(venues)),
		locks:          make(map[string]*sync.Mutex, len(venues)),
		schedulers:     make(map[string]*backoff.Scheduler, len(venues)),
		checker:        health.NewChecker(health.DefaultTimeout),
		policy:         backoff.DefaultVenuePolicy(),
		connectTimeout: DefaultConnectTimeout,
		log:            logger.GetLogger(),
	}
	m.healthEnabled.Store(true)
	for _, opt := range opts {
		opt(m)
	}

	for _, v := range venues {
		c, ok := connectors[v.ID]
		if !ok || c == nil {
			return nil, fmt.Errorf("venue %s: no connector", v.ID)
		}
		if _, dup := m.connectors[v.ID]; dup {
			return nil, fmt.Errorf("venue %s: duplicate id", v.ID)
		}
		m.connectors[v.ID] = c
		m.locks[v.ID] = &sync.Mutex{}
		var schedOpts []backoff.Option
		if m.afterFunc != nil {
			schedOpts = append(schedOpts, backoff.WithAfterFunc(m.afterFunc))
		}
		m.schedulers[v.ID] = backoff.NewScheduler(m.policy, schedOpts...)
	}

	m.ctx, m.cancel = context.WithCancel(context.Background())
	return m, nil
}

// FromConfig builds connectors for every configured venue and applies the
// connection settings.
func FromConfig(cfg *config.Config, opts ...Option) (*Manager, error) {
	conn := cfg.Connection
	build := BuildOptions{AuthLimit: conn.AuthProbeRateLimit}

	venues := make([]models.Venue, 0, len(cfg.Venues))
	connectors := make(map[string]Connector, len(cfg.Venues))
	for _, vc := range cfg.Venues {
		v, c, err := BuildVenue(vc, build)
		if err != nil {
			return nil, err
		}
		venues = append(venues, v)
		connectors[v.ID] = c
	}

	base := []Option{
		WithChecker(health.NewChecker(conn.ProbeTimeout)),
		WithConnectTimeout(conn.ConnectTimeout),
		WithHealthCheck(conn.HealthCheckEnabled),
		WithBackoffPolicy(backoff.Policy{
			BaseDelay:   conn.Backoff.BaseDelay,
			MaxDelay:    conn.Backoff.MaxDelay,
			MaxAttempts: conn.Backoff.MaxAttempts,
		}),
	}
	return NewManager(venues, connectors, append(base, opts...)...)
}

func (m *Manager) Registry() *Registry { return m.registry }

// Snapshot returns copies of all venues ordered by priority.
func (m *Manager) Snapshot() []models.Venue { return m.registry.Snapshot() }

func (m *Manager) Stats() models.ConnectionStats { return m.registry.Stats() }

func (m *Manager) Subscribe(l Listener) func() { return m.registry.Subscribe(l) }

func (m *Manager) Venue(id string) (models.Venue, bool) { return m.registry.Get(id) }

func (m *Manager) lookup(id string) (Connector, *sync.Mutex, error) {
	if m.closed.Load() {
		return nil, nil, ErrClosed
	}
	c, ok := m.connectors[id]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %q", ErrUnknownVenue, id)
	}
	return c, m.locks[id], nil
}

// Connect verifies connectivity for one venue and reports whether it ended
// up connected. Calls for the same venue are serialized.
func (m *Manager) Connect(ctx context.Context, id string) (bool, error) {
	c, lock, err := m.lookup(id)
	if err != nil {
		return false, err
	}
	lock.Lock()
	defer lock.Unlock()
	return m.connectLocked(ctx, id, c), nil
}

func (m *Manager) connectLocked(ctx context.Context, id string, c Connector) bool {
	if v, _ := m.registry.Get(id); v.Status == models.StatusConnected {
		m.registry.RecordAttempt(id)
		return true
	}

	log := m.log.WithComponent("venue_manager").WithFields(logger.Fields{
		"venue":      id,
		"attempt_id": uuid.NewString(),
	})

	m.registry.RecordConnecting(id)

	cctx, cancel := context.WithTimeout(ctx, m.connectTimeout)
	res := c.Connect(cctx, m.checker)
	cancel()

	m.registry.RecordConnectResult(id, res)
	metrics.VenueConnect(m.log, id, res.Healthy, res.LatencyMs)
	metrics.VenueUp(id, res.Healthy)

	if res.Healthy {
		m.schedulers[id].Reset()
		log.WithField("latency_ms", res.LatencyMs).Info("venue connected")
		return true
	}

	m.handleFailure(id, res, log)
	return false
}

func (m *Manager) handleFailure(id string, res health.Result, log *logger.Entry) {
	if health.IsAuthError(res.Err) {
		m.schedulers[id].Stop()
		log.WithError(res.Err).Error("venue rejected credentials, not retrying")
		return
	}
	if errors.Is(res.Err, health.ErrRateLimited) {
		m.deferReconnect(id, res.Err, log)
		return
	}
	log.WithError(res.Err).Warn("venue connection failed")
	m.scheduleReconnect(id, log)
}

// deferReconnect retries a locally throttled venue once the limiter frees a
// slot. The backoff streak is left untouched.
func (m *Manager) deferReconnect(id string, err error, log *logger.Entry) {
	if m.closed.Load() {
		return
	}
	var delay time.Duration
	var limited *health.RateLimitError
	if errors.As(err, &limited) {
		delay = limited.RetryAfter
	}
	s := m.schedulers[id]
	if !s.Defer(delay, func() { m.retry(id) }) {
		return
	}
	log.WithField("delay", delay.String()).Info("probe throttled locally, retry deferred")
}

func (m *Manager) scheduleReconnect(id string, log *logger.Entry) {
	if m.closed.Load() {
		return
	}
	s := m.schedulers[id]
	delay, err := s.Schedule(func() { m.retry(id) })
	m.registry.SetReconnectAttempts(id, s.Attempts())

	if err != nil {
		reason := fmt.Sprintf("gave up after %d reconnect attempts", s.Policy().MaxAttempts)
		m.registry.RecordFailed(id, reason)
		log.WithField("attempts", s.Attempts()).Error("venue marked failed, manual reconnect required")
		return
	}
	log.WithFields(logger.Fields{
		"attempt": s.Attempts(),
		"delay":   delay.String(),
	}).Info("reconnect scheduled")
}

func (m *Manager) retry(id string) {
	c, lock, err := m.lookup(id)
	if err != nil {
		return
	}
	lock.Lock()
	defer lock.Unlock()

	// A manual reconnect or disconnect may have raced this timer.
	if v, _ := m.registry.Get(id); v.Status != models.StatusError || m.schedulers[id].Pending() {
		return
	}

	m.registry.RecordReconnect(id)
	metrics.VenueReconnect(m.log, id, m.schedulers[id].Attempts())
	m.connectLocked(m.ctx, id, c)
}

// ConnectAll connects the highest priority venue first, then the rest
// concurrently. Failures do not abort the sweep.
func (m *Manager) ConnectAll(ctx context.Context) map[string]bool {
	venues := m.registry.Snapshot()
	results := make(map[string]bool, len(venues))
	if len(venues) == 0 {
		return results
	}

	ok, _ := m.Connect(ctx, venues[0].ID)
	results[venues[0].ID] = ok

	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for _, v := range venues[1:] {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			ok, _ := m.Connect(ctx, id)
			mu.Lock()
			results[id] = ok
			mu.Unlock()
		}(v.ID)
	}
	wg.Wait()

	connected := 0
	for _, ok := range results {
		if ok {
			connected++
		}
	}
	m.log.WithComponent("venue_manager").WithFields(logger.Fields{
		"venues":    len(venues),
		"connected": connected,
	}).Info("initial connection sweep finished")
	return results
}

// Disconnect cancels any pending retry and marks the venue disconnected.
func (m *Manager) Disconnect(id string) error {
	_, lock, err := m.lookup(id)
	if err != nil {
		return err
	}
	lock.Lock()
	defer lock.Unlock()

	m.schedulers[id].Reset()
	m.registry.RecordDisconnect(id)
	metrics.VenueUp(id, false)
	m.log.WithComponent("venue_manager").WithField("venue", id).Info("venue disconnected")
	return nil
}

// Reconnect clears the backoff state of the venue and connects immediately.
// It is the only way out of the failed state.
func (m *Manager) Reconnect(ctx context.Context, id string) (bool, error) {
	c, lock, err := m.lookup(id)
	if err != nil {
		return false, err
	}
	lock.Lock()
	defer lock.Unlock()

	m.schedulers[id].Reset()
	m.registry.RecordReconnect(id)
	metrics.VenueReconnect(m.log, id, 0)
	m.log.WithComponent("venue_manager").WithField("venue", id).Info("manual reconnect")
	return m.connectLocked(ctx, id, c), nil
}

// ToggleHealthCheck pauses or resumes periodic re-checks.
func (m *Manager) ToggleHealthCheck(enabled bool) {
	if m.healthEnabled.Swap(enabled) == enabled {
		return
	}
	m.log.WithComponent("venue_manager").WithField("enabled", enabled).Info("health monitoring toggled")
}

func (m *Manager) HealthCheckEnabled() bool { return m.healthEnabled.Load() }

// StartHealthMonitoring re-checks connected venues every interval until ctx
// is done or the manager is closed.
func (m *Manager) StartHealthMonitoring(ctx context.Context, interval time.Duration) error {
	if m.closed.Load() {
		return ErrClosed
	}
	if !m.monitoring.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	if interval <= 0 {
		interval = DefaultHealthCheckInterval
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer m.monitoring.Store(false)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-m.ctx.Done():
				return
			case <-ticker.C:
				if m.healthEnabled.Load() {
					m.CheckConnected(ctx)
				}
			}
		}
	}()
	m.log.WithComponent("venue_manager").WithField("interval", interval.String()).Info("health monitoring started")
	return nil
}

// CheckConnected runs one health check round over every connected venue.
func (m *Manager) CheckConnected(ctx context.Context) {
	var wg sync.WaitGroup
	for _, v := range m.registry.Snapshot() {
		if v.Status != models.StatusConnected {
			continue
		}
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			m.checkVenue(ctx, id)
		}(v.ID)
	}
	wg.Wait()
}

func (m *Manager) checkVenue(ctx context.Context, id string) {
	c, lock, err := m.lookup(id)
	if err != nil {
		return
	}
	lock.Lock()
	defer lock.Unlock()

	if v, _ := m.registry.Get(id); v.Status != models.StatusConnected {
		return
	}

	res := c.Check(ctx, m.checker)
	m.registry.RecordHealthCheckResult(id, res)
	if res.Healthy {
		if res.LatencyMs != nil {
			metrics.VenueLatency(m.log, id, *res.LatencyMs)
		}
		return
	}

	metrics.VenueUp(id, false)
	log := m.log.WithComponent("venue_manager").WithField("venue", id)
	log.WithError(res.Err).Warn("health check failed")
	m.handleFailure(id, res, log)
}

// Close stops monitoring and cancels every pending retry.
func (m *Manager) Close() {
	if !m.closed.CompareAndSwap(false, true) {
		return
	}
	m.cancel()
	for _, s := range m.schedulers {
		s.Stop()
	}
	m.wg.Wait()
	m.log.WithComponent("venue_manager").Info("venue manager closed")
}
