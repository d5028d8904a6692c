package venue

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"tradeforce/config"
	"tradeforce/internal/health"
	"tradeforce/models"
)

// Connector establishes and re-verifies connectivity for one venue.
type Connector interface {
	// Connect runs the full connection sequence for the venue kind.
	Connect(ctx context.Context, c *health.Checker) health.Result
	// Check runs the cheap liveness probe used by health monitoring.
	Check(ctx context.Context, c *health.Checker) health.Result
}

// dexConnector probes liveness, then optionally initialises a capability
// such as quoting.
type dexConnector struct {
	liveness   health.Probe
	capability health.Probe
}

func (d *dexConnector) Connect(ctx context.Context, c *health.Checker) health.Result {
	res := c.Check(ctx, d.liveness)
	if !res.Healthy || d.capability == nil {
		return res
	}
	if capRes := c.Check(ctx, d.capability); !capRes.Healthy {
		return health.Result{Err: fmt.Errorf("capability init: %w", capRes.Err)}
	}
	return res
}

func (d *dexConnector) Check(ctx context.Context, c *health.Checker) health.Result {
	return c.Check(ctx, d.liveness)
}

// cexConnector probes liveness and, when credentials are configured, follows
// up with an authenticated probe.
type cexConnector struct {
	liveness health.Probe
	auth     health.Probe
}

func (x *cexConnector) Connect(ctx context.Context, c *health.Checker) health.Result {
	res := c.Check(ctx, x.liveness)
	if !res.Healthy || x.auth == nil {
		return res
	}
	if authRes := c.Check(ctx, x.auth); !authRes.Healthy {
		return health.Result{Err: fmt.Errorf("authenticated probe: %w", authRes.Err)}
	}
	return res
}

func (x *cexConnector) Check(ctx context.Context, c *health.Checker) health.Result {
	return c.Check(ctx, x.liveness)
}

type dataConnector struct {
	liveness health.Probe
}

func (d *dataConnector) Connect(ctx context.Context, c *health.Checker) health.Result {
	return c.Check(ctx, d.liveness)
}

func (d *dataConnector) Check(ctx context.Context, c *health.Checker) health.Result {
	return c.Check(ctx, d.liveness)
}

// NewConnector picks the connector for kind around the given probes. auth
// is ignored for non-CEX venues and capability for non-DEX venues.
func NewConnector(kind models.VenueKind, liveness, capability, auth health.Probe) Connector {
	switch kind {
	case models.KindDEX:
		return &dexConnector{liveness: liveness, capability: capability}
	case models.KindCEX:
		return &cexConnector{liveness: liveness, auth: auth}
	default:
		return &dataConnector{liveness: liveness}
	}
}

// BuildOptions carries shared dependencies for connectors built from config.
type BuildOptions struct {
	HTTPClient *http.Client
	AuthLimit  config.RateLimitConfig
}

// BuildVenue turns a configured venue into its registry record and connector.
func BuildVenue(vc config.VenueConfig, opts BuildOptions) (models.Venue, Connector, error) {
	kind, err := models.ParseVenueKind(vc.Kind)
	if err != nil {
		return models.Venue{}, nil, fmt.Errorf("venue %s: %w", vc.ID, err)
	}

	display := vc.DisplayName
	if display == "" {
		display = vc.ID
	}
	v := models.Venue{
		ID:           vc.ID,
		DisplayName:  display,
		Kind:         kind,
		Priority:     vc.Priority,
		Capabilities: append([]string(nil), vc.Capabilities...),
		Status:       models.StatusDisconnected,
	}

	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}

	var liveness, auth health.Probe
	creds := vc.Auth != nil && vc.Auth.Configured()

	switch strings.ToLower(vc.Adapter) {
	case "binance":
		liveness = health.NewBinanceProbe(vc.BaseURL, "", "", client, false)
		if creds {
			auth = health.NewBinanceProbe(vc.BaseURL, vc.Auth.APIKey, vc.Auth.APISecret, client, true)
		}
	case "bybit":
		liveness = health.NewBybitProbe(vc.BaseURL, client)
	case "kucoin":
		liveness = health.NewKucoinProbe(vc.BaseURL, client.Timeout)
	case "kraken":
		liveness = httpProbe(vc.Probe, client)
		if vc.Probe.URL == "" {
			base := strings.TrimRight(vc.BaseURL, "/")
			if base == "" {
				base = "https://api.kraken.com"
			}
			liveness = &health.HTTPProbe{URL: base + "/0/public/Time", Client: client}
		}
		if creds {
			auth = health.NewKrakenAuthProbe(vc.BaseURL, vc.Auth.APIKey, vc.Auth.APISecret, client)
		}
	default:
		liveness = httpProbe(vc.Probe, client)
	}

	if auth != nil {
		auth = health.Limited(auth, newAuthLimiter(opts.AuthLimit))
	}

	var capability health.Probe
	if vc.CapabilityProbe != nil && vc.CapabilityProbe.URL != "" {
		capability = httpProbe(*vc.CapabilityProbe, client)
	}

	return v, NewConnector(kind, liveness, capability, auth), nil
}

func httpProbe(p config.ProbeConfig, client *http.Client) health.Probe {
	return &health.HTTPProbe{URL: p.URL, Method: p.Method, Headers: p.Headers, Client: client}
}

func newAuthLimiter(cfg config.RateLimitConfig) *rate.Limiter {
	rps, burst := cfg.RequestsPerSecond, cfg.BurstSize
	if rps <= 0 {
		rps = 1
	}
	if burst <= 0 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(rps), burst)
}
