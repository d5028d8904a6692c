// Package app wires the venue manager, failover selector, market data stream
// and event publisher into the single object the dashboard talks to.
package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"tradeforce/config"
	"tradeforce/internal/failover"
	"tradeforce/internal/publisher"
	"tradeforce/internal/stream"
	"tradeforce/internal/venue"
	"tradeforce/logger"
	"tradeforce/models"
)

var ErrAlreadyStarted = errors.New("app: already started")

// Components are the collaborators an App drives. Stream may be nil when
// market data is disabled.
type Components struct {
	Venues              *venue.Manager
	Stream              *stream.Client
	Publisher           publisher.Publisher
	AutoFailover        bool
	HealthCheckInterval time.Duration
}

type App struct {
	venues   *venue.Manager
	selector *failover.Selector
	stream   *stream.Client
	pub      publisher.Publisher
	interval time.Duration
	log      *logger.Log

	started atomic.Bool
	stopped atomic.Bool

	mu     sync.Mutex
	unsubs []func()
}

type Option func(*buildOptions)

type buildOptions struct {
	venueOpts []venue.Option
	publisher publisher.Publisher
}

// WithVenueOptions passes extra options to the venue manager.
func WithVenueOptions(opts ...venue.Option) Option {
	return func(b *buildOptions) { b.venueOpts = append(b.venueOpts, opts...) }
}

// WithPublisher overrides the publisher selected by the NATS section.
func WithPublisher(p publisher.Publisher) Option {
	return func(b *buildOptions) { b.publisher = p }
}

// New builds every component from cfg.
func New(cfg *config.Config, opts ...Option) (*App, error) {
	var b buildOptions
	for _, opt := range opts {
		opt(&b)
	}

	manager, err := venue.FromConfig(cfg, b.venueOpts...)
	if err != nil {
		return nil, fmt.Errorf("build venues: %w", err)
	}

	pub := b.publisher
	if pub == nil {
		pub, err = publisher.FromConfig(cfg.NATS)
		if err != nil {
			manager.Close()
			return nil, fmt.Errorf("build publisher: %w", err)
		}
	}

	var client *stream.Client
	if cfg.Stream.Enabled {
		client = stream.NewClient(stream.OptionsFromConfig(cfg.Stream))
		if len(cfg.Stream.Symbols) > 0 {
			client.AddSubscription(cfg.Stream.Symbols)
		}
	}

	return Assemble(Components{
		Venues:              manager,
		Stream:              client,
		Publisher:           pub,
		AutoFailover:        cfg.Failover.Auto,
		HealthCheckInterval: cfg.Connection.HealthCheckInterval,
	}), nil
}

// Assemble connects already built components.
func Assemble(c Components) *App {
	if c.Publisher == nil {
		c.Publisher = publisher.Noop{}
	}
	a := &App{
		venues:   c.Venues,
		selector: failover.New(c.Venues, c.AutoFailover),
		stream:   c.Stream,
		pub:      c.Publisher,
		interval: c.HealthCheckInterval,
		log:      logger.GetLogger(),
	}

	a.unsubs = append(a.unsubs,
		a.venues.Subscribe(func(ev models.VenueEvent) { _ = a.pub.PublishVenue(ev) }),
		a.selector.OnStatusChange(func(ev models.StatusEvent) { _ = a.pub.PublishStatus(ev) }),
	)
	if a.stream != nil {
		a.unsubs = append(a.unsubs, a.stream.OnPrice(func(p models.TokenPrice) { _ = a.pub.PublishPrice(p) }))
	}
	return a
}

func (a *App) entry() *logger.Entry {
	return a.log.WithComponent("app")
}

// Start connects every venue, starts health monitoring and opens the market
// data stream. Venue failures are left to the reconnect scheduler; missing
// stream credentials are returned.
func (a *App) Start(ctx context.Context) error {
	if !a.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}

	logger.RegisterReportSource("venues", a.venueReport)
	logger.RegisterReportSource("stream", a.streamReport)

	results := a.venues.ConnectAll(ctx)
	connected := 0
	for _, ok := range results {
		if ok {
			connected++
		}
	}
	a.entry().WithFields(logger.Fields{
		"connected": connected,
		"total":     len(results),
		"active":    a.selector.Active(),
	}).Info("initial venue connection complete")

	if err := a.venues.StartHealthMonitoring(ctx, a.interval); err != nil && !errors.Is(err, venue.ErrAlreadyRunning) {
		return fmt.Errorf("start health monitoring: %w", err)
	}

	if a.stream != nil {
		if err := a.stream.Connect(ctx); err != nil {
			if errors.Is(err, stream.ErrNoCredentials) {
				return err
			}
			a.entry().WithError(err).Warn("initial stream connect failed, retrying in background")
		}
	}
	return nil
}

// Shutdown stops every component. It returns ctx.Err() if ctx ends first.
func (a *App) Shutdown(ctx context.Context) error {
	if !a.stopped.CompareAndSwap(false, true) {
		return nil
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		a.mu.Lock()
		for _, u := range a.unsubs {
			u()
		}
		a.unsubs = nil
		a.mu.Unlock()

		if a.stream != nil {
			a.stream.Close()
		}
		a.selector.Close()
		a.venues.Close()
		a.pub.Close()
	}()

	select {
	case <-done:
		a.entry().Info("app stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *App) OnStatusChange(fn func(models.StatusEvent)) func() {
	return a.selector.OnStatusChange(fn)
}

func (a *App) OnVenueEvent(fn func(models.VenueEvent)) func() {
	if fn == nil {
		return func() {}
	}
	return a.venues.Subscribe(fn)
}

func (a *App) OnPrice(fn func(models.TokenPrice)) func() {
	if a.stream == nil {
		return func() {}
	}
	return a.stream.OnPrice(fn)
}

// Reconnect clears the venue's backoff and connects it now.
func (a *App) Reconnect(ctx context.Context, id string) (bool, error) {
	return a.venues.Reconnect(ctx, id)
}

// ReconnectStream clears a failed stream and connects it now.
func (a *App) ReconnectStream(ctx context.Context) error {
	if a.stream == nil {
		return stream.ErrDisabled
	}
	return a.stream.Reconnect(ctx)
}

func (a *App) ToggleHealthCheck(enabled bool) { a.venues.ToggleHealthCheck(enabled) }

func (a *App) ToggleAutoFailover(enabled bool) { a.selector.SetAutoFailover(enabled) }

func (a *App) HealthCheckEnabled() bool { return a.venues.HealthCheckEnabled() }

func (a *App) AutoFailover() bool { return a.selector.AutoFailover() }

// GetTokenData never blocks; nil means no fresh data.
func (a *App) GetTokenData(symbol string) *models.TokenPrice {
	if a.stream == nil {
		return nil
	}
	return a.stream.GetData(symbol)
}

func (a *App) AddTokenSubscription(symbols []string) bool {
	if a.stream == nil {
		return false
	}
	return a.stream.AddSubscription(symbols)
}

func (a *App) ActiveVenue() string { return a.selector.Active() }

func (a *App) Status() models.StatusEvent { return a.selector.Status() }

func (a *App) Venues() []models.Venue { return a.venues.Snapshot() }

func (a *App) ConnectionStats() models.ConnectionStats { return a.venues.Stats() }

func (a *App) StreamStats() models.StreamStats {
	if a.stream == nil {
		return models.StreamStats{State: models.StreamDisconnected}
	}
	return a.stream.Stats()
}

func (a *App) venueReport() logger.Fields {
	stats := a.venues.Stats()
	connected := 0
	for _, v := range a.venues.Snapshot() {
		if v.Status == models.StatusConnected {
			connected++
		}
	}
	return logger.Fields{
		"connected":     connected,
		"active":        a.selector.Active(),
		"attempts":      stats.TotalConnections,
		"failed":        stats.FailedConnections,
		"reconnections": stats.Reconnections,
		"success_rate":  stats.SuccessRate(),
	}
}

func (a *App) streamReport() logger.Fields {
	st := a.StreamStats()
	return logger.Fields{
		"state":         string(st.State),
		"messages":      st.MessagesReceived,
		"reconnections": st.Reconnections,
		"subscriptions": len(st.Subscriptions),
	}
}
