package app

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradeforce/config"
	"tradeforce/internal/backoff"
	"tradeforce/internal/health"
	"tradeforce/internal/stream"
	"tradeforce/internal/venue"
	"tradeforce/models"
)

type stubConnector struct {
	healthy atomic.Bool
}

func newStub(healthy bool) *stubConnector {
	s := &stubConnector{}
	s.healthy.Store(healthy)
	return s
}

func (s *stubConnector) result() health.Result {
	if s.healthy.Load() {
		ms := int64(12)
		return health.Result{Healthy: true, LatencyMs: &ms}
	}
	return health.Result{Err: errors.New("connection refused")}
}

func (s *stubConnector) Connect(context.Context, *health.Checker) health.Result { return s.result() }

func (s *stubConnector) Check(context.Context, *health.Checker) health.Result { return s.result() }

type recordingPublisher struct {
	mu     sync.Mutex
	venues []string
	status []string
	prices []string
	closed bool
}

func (r *recordingPublisher) PublishVenue(ev models.VenueEvent) error {
	r.mu.Lock()
	r.venues = append(r.venues, ev.Venue.ID)
	r.mu.Unlock()
	return nil
}

func (r *recordingPublisher) PublishStatus(ev models.StatusEvent) error {
	r.mu.Lock()
	r.status = append(r.status, ev.ActiveID())
	r.mu.Unlock()
	return nil
}

func (r *recordingPublisher) PublishPrice(p models.TokenPrice) error {
	r.mu.Lock()
	r.prices = append(r.prices, p.Symbol)
	r.mu.Unlock()
	return nil
}

func (r *recordingPublisher) Close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
}

func (r *recordingPublisher) statuses() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.status...)
}

// noTimers keeps scheduled reconnects from firing during a test.
func noTimers(time.Duration, func()) backoff.Timer { return idleTimer{} }

type idleTimer struct{}

func (idleTimer) Stop() bool { return true }

type fixture struct {
	app        *App
	pub        *recordingPublisher
	connectors map[string]*stubConnector
}

func newFixture(t *testing.T, client *stream.Client) *fixture {
	t.Helper()
	venues := []models.Venue{
		{ID: "jupiter", Kind: models.KindDEX, Priority: 1},
		{ID: "raydium", Kind: models.KindDEX, Priority: 2},
		{ID: "kraken", Kind: models.KindCEX, Priority: 3},
	}
	stubs := map[string]*stubConnector{
		"jupiter": newStub(false),
		"raydium": newStub(true),
		"kraken":  newStub(true),
	}
	connectors := make(map[string]venue.Connector, len(stubs))
	for id, s := range stubs {
		connectors[id] = s
	}

	manager, err := venue.NewManager(venues, connectors, venue.WithAfterFunc(noTimers))
	require.NoError(t, err)

	pub := &recordingPublisher{}
	a := Assemble(Components{
		Venues:              manager,
		Stream:              client,
		Publisher:           pub,
		AutoFailover:        true,
		HealthCheckInterval: time.Hour,
	})
	t.Cleanup(func() { _ = a.Shutdown(context.Background()) })
	return &fixture{app: a, pub: pub, connectors: stubs}
}

func TestStartSelectsBestConnectedDEX(t *testing.T) {
	f := newFixture(t, nil)

	var mu sync.Mutex
	var events []models.StatusEvent
	f.app.OnStatusChange(func(ev models.StatusEvent) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	})

	require.NoError(t, f.app.Start(context.Background()))
	assert.ErrorIs(t, f.app.Start(context.Background()), ErrAlreadyStarted)

	assert.Equal(t, "raydium", f.app.ActiveVenue())
	st := f.app.Status()
	assert.Equal(t, models.StatusConnected, st.Status)
	assert.Equal(t, 2, st.ConnectedCount)

	mu.Lock()
	require.NotEmpty(t, events)
	assert.Equal(t, "raydium", events[len(events)-1].ActiveID())
	mu.Unlock()

	assert.Contains(t, f.pub.statuses(), "raydium")
	f.pub.mu.Lock()
	assert.Contains(t, f.pub.venues, "jupiter")
	f.pub.mu.Unlock()
}

func TestManualReconnectPromotesHigherPriority(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.app.Start(context.Background()))
	require.Equal(t, "raydium", f.app.ActiveVenue())

	f.connectors["jupiter"].healthy.Store(true)
	ok, err := f.app.Reconnect(context.Background(), "jupiter")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "jupiter", f.app.ActiveVenue())
	assert.Equal(t, []string{"raydium", "jupiter"}, f.pub.statuses())

	_, err = f.app.Reconnect(context.Background(), "ftx")
	assert.ErrorIs(t, err, venue.ErrUnknownVenue)
}

func TestAutoFailoverOffKeepsActive(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.app.Start(context.Background()))

	f.app.ToggleAutoFailover(false)
	assert.False(t, f.app.AutoFailover())

	f.connectors["jupiter"].healthy.Store(true)
	_, err := f.app.Reconnect(context.Background(), "jupiter")
	require.NoError(t, err)
	assert.Equal(t, "raydium", f.app.ActiveVenue())

	f.app.ToggleAutoFailover(true)
	assert.Equal(t, "jupiter", f.app.ActiveVenue())
}

func TestToggleHealthCheck(t *testing.T) {
	f := newFixture(t, nil)
	assert.True(t, f.app.HealthCheckEnabled())
	f.app.ToggleHealthCheck(false)
	assert.False(t, f.app.HealthCheckEnabled())
}

func TestMarketDataWithoutStream(t *testing.T) {
	f := newFixture(t, nil)
	assert.Nil(t, f.app.GetTokenData("SOL"))
	assert.False(t, f.app.AddTokenSubscription([]string{"SOL"}))
	assert.Equal(t, models.StreamDisconnected, f.app.StreamStats().State)
	assert.ErrorIs(t, f.app.ReconnectStream(context.Background()), stream.ErrDisabled)
	f.app.OnPrice(func(models.TokenPrice) {})()
}

func TestStartFailsWithoutStreamCredentials(t *testing.T) {
	client := stream.NewClient(stream.Options{URL: "ws://127.0.0.1:1/socket"})
	f := newFixture(t, client)

	assert.True(t, f.app.AddTokenSubscription([]string{"SOL", "BONK"}))
	assert.Equal(t, []string{"BONK", "SOL"}, f.app.StreamStats().Subscriptions)
	assert.ErrorIs(t, f.app.Start(context.Background()), stream.ErrNoCredentials)
}

func TestShutdownClosesEverything(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.app.Start(context.Background()))

	require.NoError(t, f.app.Shutdown(context.Background()))
	require.NoError(t, f.app.Shutdown(context.Background()))

	f.pub.mu.Lock()
	assert.True(t, f.pub.closed)
	f.pub.mu.Unlock()

	_, err := f.app.Reconnect(context.Background(), "jupiter")
	assert.ErrorIs(t, err, venue.ErrClosed)
}

func TestReportSources(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.app.Start(context.Background()))

	r := f.app.venueReport()
	assert.Equal(t, 2, r["connected"])
	assert.Equal(t, "raydium", r["active"])
	assert.Equal(t, "disconnected", f.app.streamReport()["state"])
}

func TestNewFromConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Venues = []config.VenueConfig{
		{ID: "jupiter", Kind: "dex", Priority: 1, Probe: config.ProbeConfig{URL: "http://127.0.0.1:1/health"}},
	}
	a, err := New(&cfg, WithPublisher(&recordingPublisher{}), WithVenueOptions(venue.WithAfterFunc(noTimers)))
	require.NoError(t, err)
	defer a.Shutdown(context.Background())

	require.Len(t, a.Venues(), 1)
	assert.Equal(t, models.StatusDisconnected, a.Venues()[0].Status)
	assert.Equal(t, "", a.ActiveVenue())
}
