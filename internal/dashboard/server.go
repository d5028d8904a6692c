// Package dashboard serves the status API the trading UI polls and the
// websocket feed it listens on.
package dashboard

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"tradeforce/config"
	"tradeforce/internal/metrics"
	"tradeforce/logger"
	"tradeforce/models"
)

// Core is the application surface the dashboard drives.
type Core interface {
	Venues() []models.Venue
	ConnectionStats() models.ConnectionStats
	Status() models.StatusEvent
	StreamStats() models.StreamStats
	HealthCheckEnabled() bool
	AutoFailover() bool

	Reconnect(ctx context.Context, id string) (bool, error)
	ReconnectStream(ctx context.Context) error
	ToggleHealthCheck(enabled bool)
	ToggleAutoFailover(enabled bool)
	GetTokenData(symbol string) *models.TokenPrice
	AddTokenSubscription(symbols []string) bool

	OnStatusChange(fn func(models.StatusEvent)) func()
	OnVenueEvent(fn func(models.VenueEvent)) func()
	OnPrice(fn func(models.TokenPrice)) func()
}

type Server struct {
	cfg           config.DashboardConfig
	core          Core
	log           *logger.Log
	metricStore   *metricStore
	logStore      *logStore
	metricHandler metrics.MetricHandlerID
	hub           *hub
	httpServer    *http.Server

	unsubMu sync.Mutex
	unsubs  []func()
}

// NewServer returns nil when the dashboard is disabled.
func NewServer(cfg config.DashboardConfig, core Core, log *logger.Log) (*Server, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if core == nil {
		return nil, errors.New("dashboard: nil core")
	}

	cfg.Address = normalizeAddress(cfg.Address)
	if cfg.LogHistory <= 0 {
		cfg.LogHistory = 200
	}
	if cfg.MetricsHistory <= 0 {
		cfg.MetricsHistory = 200
	}

	store := newMetricStore(cfg.MetricsHistory)
	logs := newLogStore(cfg.LogHistory)
	log.AddHook(logs)

	return &Server{
		cfg:           cfg,
		core:          core,
		log:           log,
		metricStore:   store,
		logStore:      logs,
		metricHandler: metrics.RegisterMetricHandler(store.handle),
		hub:           newHub(core, log),
	}, nil
}

// Run serves until ctx is cancelled or the listener fails.
func (s *Server) Run(ctx context.Context) error {
	if s == nil {
		return nil
	}
	defer s.cleanup()

	router, err := s.buildRouter()
	if err != nil {
		return err
	}
	s.subscribe()

	s.httpServer = &http.Server{
		Addr:              s.cfg.Address,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	s.log.WithComponent("dashboard").WithField("address", s.cfg.Address).Info("dashboard listening")

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.hub.closeAll()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		<-errCh
		return nil
	case err := <-errCh:
		return err
	}
}

// subscribe forwards core events to websocket clients.
func (s *Server) subscribe() {
	s.unsubMu.Lock()
	defer s.unsubMu.Unlock()
	s.unsubs = append(s.unsubs,
		s.core.OnStatusChange(func(ev models.StatusEvent) { s.hub.broadcast(messageStatus, ev) }),
		s.core.OnVenueEvent(func(ev models.VenueEvent) { s.hub.broadcast(messageVenue, ev) }),
		s.core.OnPrice(func(p models.TokenPrice) { s.hub.broadcast(messagePrice, p) }),
	)
}

func (s *Server) cleanup() {
	s.unsubMu.Lock()
	for _, u := range s.unsubs {
		u()
	}
	s.unsubs = nil
	s.unsubMu.Unlock()

	metrics.UnregisterMetricHandler(s.metricHandler)
	s.logStore.close()
	s.hub.closeAll()
}

func (s *Server) Address() string {
	if s == nil {
		return ""
	}
	return s.cfg.Address
}

func (s *Server) buildRouter() (*gin.Engine, error) {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	if err := router.SetTrustedProxies(nil); err != nil {
		return nil, err
	}

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(metrics.Handler()))
	router.GET("/ws/status", func(c *gin.Context) {
		s.hub.serve(c.Writer, c.Request)
	})

	api := router.Group("/api")
	api.GET("/venues", s.handleVenues)
	api.GET("/status", s.handleStatus)
	api.POST("/venues/:id/reconnect", s.handleReconnect)
	api.POST("/stream/reconnect", s.handleStreamReconnect)
	api.POST("/controls/health-check", s.handleToggle(s.core.ToggleHealthCheck))
	api.POST("/controls/auto-failover", s.handleToggle(s.core.ToggleAutoFailover))
	api.GET("/tokens/:symbol", s.handleToken)
	api.POST("/tokens/subscriptions", s.handleSubscribe)
	api.GET("/metrics", s.handleMetrics)
	api.GET("/logs", s.handleLogs)

	return router, nil
}

func normalizeAddress(addr string) string {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return "0.0.0.0:8080"
	}

	if strings.Contains(addr, "://") {
		if parsed, err := url.Parse(addr); err == nil {
			if parsed.Host != "" {
				addr = parsed.Host
			} else if parsed.Opaque != "" {
				addr = parsed.Opaque
			}
		}
	}

	if strings.HasPrefix(addr, ":") && len(addr) > 1 && addr[1] >= '0' && addr[1] <= '9' {
		return "0.0.0.0" + addr
	}

	if host, port, err := net.SplitHostPort(addr); err == nil {
		if host == "" || host == "*" {
			host = "0.0.0.0"
		}
		if port == "" {
			port = "8080"
		}
		return net.JoinHostPort(host, port)
	}

	if ip := net.ParseIP(addr); ip != nil || !strings.Contains(addr, ":") {
		return net.JoinHostPort(addr, "8080")
	}
	return addr
}
