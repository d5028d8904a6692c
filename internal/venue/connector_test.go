package venue

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradeforce/config"
	"tradeforce/internal/health"
	"tradeforce/models"
)

type staticProbe struct {
	err   error
	mode  health.Mode
	calls int32
}

func (p *staticProbe) Probe(context.Context) error {
	atomic.AddInt32(&p.calls, 1)
	return p.err
}

func (p *staticProbe) Mode() health.Mode { return p.mode }

func TestDexConnectorCapabilityFailure(t *testing.T) {
	checker := health.NewChecker(time.Second)
	c := NewConnector(models.KindDEX, &staticProbe{}, &staticProbe{err: assert.AnError}, nil)

	res := c.Connect(context.Background(), checker)
	assert.False(t, res.Healthy)
	assert.Contains(t, res.Reason(), "capability init")

	assert.True(t, c.Check(context.Background(), checker).Healthy)
}

func TestCexConnectorRunsAuthOnlyOnConnect(t *testing.T) {
	checker := health.NewChecker(time.Second)
	auth := &staticProbe{mode: health.Authenticated}
	c := NewConnector(models.KindCEX, &staticProbe{}, nil, auth)

	assert.True(t, c.Connect(context.Background(), checker).Healthy)
	assert.True(t, c.Check(context.Background(), checker).Healthy)
	assert.Equal(t, int32(1), atomic.LoadInt32(&auth.calls))
}

func TestCexConnectorSkipsAuthWhenDown(t *testing.T) {
	checker := health.NewChecker(time.Second)
	auth := &staticProbe{mode: health.Authenticated}
	c := NewConnector(models.KindCEX, &staticProbe{err: assert.AnError}, nil, auth)

	assert.False(t, c.Connect(context.Background(), checker).Healthy)
	assert.Zero(t, atomic.LoadInt32(&auth.calls))
}

func TestBuildVenueHTTPAdapter(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		if r.URL.Path == "/quote" {
			assert.Equal(t, "abc", r.Header.Get("X-Key"))
		}
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	v, c, err := BuildVenue(config.VenueConfig{
		ID:              "jupiter",
		Kind:            "DEX",
		Priority:        1,
		Capabilities:    []string{"swap"},
		Probe:           config.ProbeConfig{URL: srv.URL + "/health"},
		CapabilityProbe: &config.ProbeConfig{URL: srv.URL + "/quote", Headers: map[string]string{"X-Key": "abc"}},
	}, BuildOptions{HTTPClient: srv.Client()})
	require.NoError(t, err)

	assert.Equal(t, "jupiter", v.DisplayName)
	assert.Equal(t, models.KindDEX, v.Kind)
	assert.True(t, c.Connect(context.Background(), health.NewChecker(time.Second)).Healthy)
	assert.Equal(t, int32(2), atomic.LoadInt32(&hits))
}

func TestBuildVenueKrakenWithoutCredentials(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/0/public/Time", r.URL.Path)
		_, _ = w.Write([]byte(`{"error":[],"result":{"unixtime":1700000000}}`))
	}))
	defer srv.Close()

	_, c, err := BuildVenue(config.VenueConfig{
		ID:      "kraken",
		Kind:    "cex",
		Adapter: "kraken",
		BaseURL: srv.URL,
		Auth:    &config.AuthConfig{APIKeyEnv: "UNSET"},
	}, BuildOptions{HTTPClient: srv.Client()})
	require.NoError(t, err)

	cex, ok := c.(*cexConnector)
	require.True(t, ok)
	assert.Nil(t, cex.auth)
	assert.True(t, c.Connect(context.Background(), health.NewChecker(time.Second)).Healthy)
}

func TestBuildVenueKucoinAdapter(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"code":"200000","data":1700000000000}`))
	}))
	defer srv.Close()

	v, c, err := BuildVenue(config.VenueConfig{
		ID:      "kucoin",
		Kind:    "cex",
		Adapter: "kucoin",
		BaseURL: srv.URL,
	}, BuildOptions{})
	require.NoError(t, err)

	assert.Equal(t, models.KindCEX, v.Kind)
	cex, ok := c.(*cexConnector)
	require.True(t, ok)
	assert.Nil(t, cex.auth)
	assert.True(t, c.Connect(context.Background(), health.NewChecker(time.Second)).Healthy)
	assert.Equal(t, int32(1), atomic.LoadInt32(&hits))
}

func TestBuildVenueKrakenAuthIsRateLimited(t *testing.T) {
	_, c, err := BuildVenue(config.VenueConfig{
		ID:      "kraken",
		Kind:    "cex",
		Adapter: "kraken",
		Auth:    &config.AuthConfig{APIKey: "k", APISecret: "c2VjcmV0"},
	}, BuildOptions{AuthLimit: config.RateLimitConfig{RequestsPerSecond: 1, BurstSize: 1}})
	require.NoError(t, err)

	cex := c.(*cexConnector)
	require.NotNil(t, cex.auth)
	assert.Equal(t, health.Authenticated, cex.auth.Mode())
}

func TestBuildVenueRejectsKind(t *testing.T) {
	_, _, err := BuildVenue(config.VenueConfig{ID: "x", Kind: "amm"}, BuildOptions{})
	assert.Error(t, err)
}
