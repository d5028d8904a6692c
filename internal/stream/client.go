// Package stream maintains the real-time market data connection: one
// websocket, a tracked symbol set, heartbeat and staleness detection, and a
// last-known-value cache.
package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"tradeforce/config"
	"tradeforce/internal/backoff"
	"tradeforce/internal/health"
	"tradeforce/internal/metrics"
	"tradeforce/logger"
	"tradeforce/models"
)

var (
	ErrClosed = errors.New("stream: client closed")
	ErrFailed = errors.New("stream: client failed, reconnect required")
	// ErrDisabled is returned by callers that run without a stream client.
	ErrDisabled = errors.New("stream: market data stream disabled")
)

const (
	DefaultConnectTimeout    = 10 * time.Second
	DefaultHeartbeatInterval = 15 * time.Second
	DefaultProbeGrace        = 5 * time.Second
	DefaultCacheExpiry       = 60 * time.Second

	writeTimeout = 5 * time.Second
)

type Options struct {
	URL         string
	KeyParam    string
	LivenessURL string
	Keys        []string

	ConnectTimeout    time.Duration
	HeartbeatInterval time.Duration
	ProbeGrace        time.Duration
	CacheExpiry       time.Duration
	Policy            backoff.Policy

	Dialer     *websocket.Dialer
	HTTPClient *http.Client
	AfterFunc  backoff.AfterFunc
	Now        func() time.Time
}

// OptionsFromConfig maps the stream section of the configuration.
func OptionsFromConfig(cfg config.StreamConfig) Options {
	return Options{
		URL:               cfg.URL,
		KeyParam:          cfg.KeyParam,
		LivenessURL:       cfg.LivenessURL,
		Keys:              cfg.StreamKeys(),
		ConnectTimeout:    cfg.ConnectTimeout,
		HeartbeatInterval: cfg.HeartbeatInterval,
		ProbeGrace:        cfg.ProbeGrace,
		CacheExpiry:       cfg.CacheExpiry,
		Policy: backoff.Policy{
			BaseDelay:   cfg.Backoff.BaseDelay,
			MaxDelay:    cfg.Backoff.MaxDelay,
			MaxAttempts: cfg.Backoff.MaxAttempts,
		},
	}
}

func (o *Options) applyDefaults() {
	if o.KeyParam == "" {
		o.KeyParam = "x-api-key"
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = DefaultConnectTimeout
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if o.ProbeGrace <= 0 {
		o.ProbeGrace = DefaultProbeGrace
	}
	if o.CacheExpiry <= 0 {
		o.CacheExpiry = DefaultCacheExpiry
	}
	if o.Policy.MaxAttempts <= 0 {
		o.Policy = backoff.DefaultStreamPolicy()
	}
	if o.Dialer == nil {
		o.Dialer = websocket.DefaultDialer
	}
	if o.HTTPClient == nil {
		o.HTTPClient = &http.Client{}
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

type pendingPing struct {
	id   string
	sent time.Time
}

type Client struct {
	opts  Options
	keys  *KeyRing
	cache *PriceCache
	sched *backoff.Scheduler
	log   *logger.Log

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	writeMu sync.Mutex

	mu          sync.Mutex
	state       models.StreamState
	conn        *websocket.Conn
	connCancel  context.CancelFunc
	subs        map[string]struct{}
	live        map[string]models.TokenPrice
	lastMessage time.Time
	probeSentAt time.Time
	ping        pendingPing
	latency     *int64
	messages    int64
	reconnects  int64
	lastError   string
	dropReason  string
	authFailed  bool
	closed      bool

	listenersMu sync.RWMutex
	listeners   map[uint64]func(models.TokenPrice)
	nextID      uint64
}

func NewClient(opts Options) *Client {
	opts.applyDefaults()

	var schedOpts []backoff.Option
	if opts.AfterFunc != nil {
		schedOpts = append(schedOpts, backoff.WithAfterFunc(opts.AfterFunc))
	}

	c := &Client{
		opts:      opts,
		keys:      NewKeyRing(opts.Keys...),
		cache:     NewPriceCache(opts.CacheExpiry, opts.Now),
		sched:     backoff.NewScheduler(opts.Policy, schedOpts...),
		log:       logger.GetLogger(),
		state:     models.StreamDisconnected,
		subs:      make(map[string]struct{}),
		live:      make(map[string]models.TokenPrice),
		listeners: make(map[uint64]func(models.TokenPrice)),
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())
	return c
}

func (c *Client) entry() *logger.Entry {
	return c.log.WithComponent("stream_client")
}

// Connect opens the stream with the current credential. A failed attempt is
// handed to the reconnect scheduler and its error is returned.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	switch {
	case c.closed:
		c.mu.Unlock()
		return ErrClosed
	case c.state == models.StreamFailed:
		c.mu.Unlock()
		return ErrFailed
	case c.state == models.StreamConnected || c.state == models.StreamConnecting:
		c.mu.Unlock()
		return nil
	}
	key, err := c.keys.Current()
	if err != nil {
		c.mu.Unlock()
		return err
	}
	c.state = models.StreamConnecting
	c.mu.Unlock()

	cctx, cancel := context.WithTimeout(ctx, c.opts.ConnectTimeout)
	conn, err := c.dial(cctx, key)
	cancel()
	if err != nil {
		c.entry().WithError(err).Warn("stream connect failed")
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return ErrClosed
		}
		c.state = models.StreamError
		c.lastError = err.Error()
		c.mu.Unlock()
		c.scheduleReconnect(health.IsAuthError(err), err.Error())
		return err
	}

	return c.onOpen(conn)
}

// Reconnect clears the failed state, the backoff streak and the credential
// rotation, then connects immediately.
func (c *Client) Reconnect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.state == models.StreamFailed {
		c.state = models.StreamDisconnected
	}
	c.mu.Unlock()

	c.sched.Reset()
	c.keys.Reset()
	return c.Connect(ctx)
}

func (c *Client) dial(ctx context.Context, key string) (*websocket.Conn, error) {
	if c.opts.LivenessURL != "" {
		if err := c.precheck(ctx); err != nil {
			return nil, fmt.Errorf("liveness pre-check: %w", err)
		}
	}

	u, err := url.Parse(c.opts.URL)
	if err != nil {
		return nil, fmt.Errorf("parse stream url: %w", err)
	}
	q := u.Query()
	q.Set(c.opts.KeyParam, key)
	u.RawQuery = q.Encode()

	conn, resp, err := c.opts.Dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("dial status %d: %w", resp.StatusCode, health.ErrUnauthorized)
		}
		return nil, fmt.Errorf("dial: %w", err)
	}
	return conn, nil
}

func (c *Client) precheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.opts.LivenessURL, nil)
	if err != nil {
		return err
	}
	resp, err := c.opts.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("status %d: %w", resp.StatusCode, health.ErrUnauthorized)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return nil
}

func (c *Client) onOpen(conn *websocket.Conn) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		conn.Close()
		return ErrClosed
	}
	connCtx, connCancel := context.WithCancel(c.ctx)
	c.conn = conn
	c.connCancel = connCancel
	c.state = models.StreamConnected
	c.lastMessage = c.opts.Now()
	c.probeSentAt = time.Time{}
	c.lastError = ""
	c.dropReason = ""
	c.authFailed = false
	symbols := c.sortedSubsLocked()
	c.wg.Add(3)
	c.mu.Unlock()

	c.sched.Reset()

	if len(symbols) > 0 {
		if err := c.send(conn, subscribeFrame(symbols)); err != nil {
			c.entry().WithError(err).Warn("resubscribe failed")
		}
	}

	go c.readLoop(conn)
	go c.heartbeatLoop(connCtx, conn)
	go c.healthLoop(connCtx, conn)

	c.entry().WithField("symbols", len(symbols)).Info("stream connected")
	return nil
}

func (c *Client) send(conn *websocket.Conn, frame outboundFrame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteJSON(frame)
}

func (c *Client) readLoop(conn *websocket.Conn) {
	defer c.wg.Done()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.handleDrop(conn, err)
			return
		}
		c.handleFrame(conn, data)
	}
}

func (c *Client) handleFrame(conn *websocket.Conn, data []byte) {
	now := c.opts.Now()
	c.mu.Lock()
	c.lastMessage = now
	c.probeSentAt = time.Time{}
	c.messages++
	c.mu.Unlock()
	metrics.StreamMessage()

	f, err := decodeFrame(data)
	if err != nil {
		c.entry().WithError(err).Debug("ignoring malformed frame")
		metrics.EmitDropMetric(c.log, metrics.DropMalformedFrame, "stream_client", "")
		return
	}

	switch f.Type {
	case framePrice:
		p, err := decodePrice(f, now)
		if err != nil {
			c.entry().WithError(err).Debug("ignoring price frame")
			metrics.EmitDropMetric(c.log, metrics.DropBadPrice, "stream_client", "")
			return
		}
		c.cache.Put(p)
		c.mu.Lock()
		c.live[p.Symbol] = p
		c.mu.Unlock()
		c.notify(p)

	case framePong:
		c.mu.Lock()
		if c.ping.id != "" && c.ping.id == f.ID {
			ms := now.Sub(c.ping.sent).Milliseconds()
			c.latency = &ms
			c.ping = pendingPing{}
			c.mu.Unlock()
			metrics.StreamLatency(c.log, ms)
			return
		}
		c.mu.Unlock()

	case frameError:
		if health.IsAuthMessage(f.Message) {
			c.mu.Lock()
			c.authFailed = true
			c.dropReason = "provider rejected credentials: " + f.Message
			c.mu.Unlock()
			c.entry().WithField("message", f.Message).Warn("stream credentials rejected")
			conn.Close()
			return
		}
		c.entry().WithField("message", f.Message).Warn("stream provider error")
	}
}

// handleDrop runs once per connection when its read loop ends.
func (c *Client) handleDrop(conn *websocket.Conn, err error) {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	if c.connCancel != nil {
		c.connCancel()
		c.connCancel = nil
	}
	c.live = make(map[string]models.TokenPrice)
	c.ping = pendingPing{}
	if c.closed {
		c.state = models.StreamDisconnected
		c.mu.Unlock()
		return
	}
	reason := c.dropReason
	if reason == "" {
		reason = err.Error()
	}
	auth := c.authFailed
	c.dropReason = ""
	c.authFailed = false
	c.state = models.StreamError
	c.lastError = reason
	c.mu.Unlock()

	conn.Close()
	c.entry().WithField("reason", reason).Warn("stream connection lost")
	c.scheduleReconnect(auth, reason)
}

func (c *Client) scheduleReconnect(auth bool, reason string) {
	if auth {
		if !c.keys.Rotate() {
			c.fail("credentials rejected and no fallback key left: " + reason)
			return
		}
		c.entry().Info("rotated stream credentials")
	}

	delay, err := c.sched.Schedule(c.retry)
	if err != nil {
		c.fail(fmt.Sprintf("gave up after %d reconnect attempts: %s", c.sched.Policy().MaxAttempts, reason))
		return
	}
	c.entry().WithFields(logger.Fields{
		"attempt": c.sched.Attempts(),
		"delay":   delay.String(),
	}).Info("stream reconnect scheduled")
}

func (c *Client) retry() {
	c.mu.Lock()
	if c.closed || c.state != models.StreamError {
		c.mu.Unlock()
		return
	}
	c.reconnects++
	c.mu.Unlock()

	metrics.StreamReconnect(c.log, c.sched.Attempts())
	_ = c.Connect(c.ctx)
}

func (c *Client) fail(reason string) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.state = models.StreamFailed
	c.lastError = reason
	c.mu.Unlock()

	c.sched.Stop()
	c.entry().WithField("reason", reason).Error("stream failed, manual reconnect required")
}

func (c *Client) heartbeatLoop(ctx context.Context, conn *websocket.Conn) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.sendPing(conn)
		}
	}
}

func (c *Client) sendPing(conn *websocket.Conn) {
	frame := pingFrame()
	c.mu.Lock()
	c.ping = pendingPing{id: frame.ID, sent: c.opts.Now()}
	c.mu.Unlock()
	if err := c.send(conn, frame); err != nil {
		c.entry().WithError(err).Debug("heartbeat write failed")
	}
}

// healthLoop probes a silent stream after twice the heartbeat interval and
// drops it when the probe goes unanswered for the grace window.
func (c *Client) healthLoop(ctx context.Context, conn *websocket.Conn) {
	defer c.wg.Done()
	tick := c.opts.ProbeGrace / 2
	if tick <= 0 {
		tick = time.Second
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if c.checkStale(conn) {
				return
			}
		}
	}
}

func (c *Client) checkStale(conn *websocket.Conn) bool {
	now := c.opts.Now()
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return true
	}
	silent := now.Sub(c.lastMessage)
	probed := !c.probeSentAt.IsZero()

	if probed && now.Sub(c.probeSentAt) >= c.opts.ProbeGrace {
		c.dropReason = fmt.Sprintf("no data for %s", silent.Round(time.Millisecond))
		c.mu.Unlock()
		c.entry().WithField("silent", silent.String()).Warn("stream stale, forcing reconnect")
		conn.Close()
		return true
	}
	if !probed && silent > 2*c.opts.HeartbeatInterval {
		c.probeSentAt = now
		c.mu.Unlock()
		c.sendPing(conn)
		return false
	}
	c.mu.Unlock()
	return false
}

// AddSubscription tracks symbols and subscribes to the new ones right away
// when connected. It reports false for an empty request or a failed write.
func (c *Client) AddSubscription(symbols []string) bool {
	var clean []string
	for _, s := range symbols {
		if s = strings.TrimSpace(s); s != "" {
			clean = append(clean, s)
		}
	}
	if len(clean) == 0 {
		return false
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	var added []string
	for _, s := range clean {
		if _, ok := c.subs[s]; !ok {
			c.subs[s] = struct{}{}
			added = append(added, s)
		}
	}
	var conn *websocket.Conn
	if c.state == models.StreamConnected {
		conn = c.conn
	}
	c.mu.Unlock()

	if conn == nil || len(added) == 0 {
		return true
	}
	sort.Strings(added)
	if err := c.send(conn, subscribeFrame(added)); err != nil {
		c.entry().WithError(err).Warn("subscribe failed")
		return false
	}
	return true
}

// GetData returns live data while connected, else an unexpired cache entry,
// else nil.
func (c *Client) GetData(symbol string) *models.TokenPrice {
	c.mu.Lock()
	if c.state == models.StreamConnected {
		if p, ok := c.live[symbol]; ok {
			c.mu.Unlock()
			return &p
		}
	}
	c.mu.Unlock()

	if p, ok := c.cache.Get(symbol); ok {
		return &p
	}
	return nil
}

// OnPrice registers fn for every price update and returns a function that
// removes it.
func (c *Client) OnPrice(fn func(models.TokenPrice)) func() {
	if fn == nil {
		return func() {}
	}
	c.listenersMu.Lock()
	c.nextID++
	id := c.nextID
	c.listeners[id] = fn
	c.listenersMu.Unlock()

	return func() {
		c.listenersMu.Lock()
		delete(c.listeners, id)
		c.listenersMu.Unlock()
	}
}

func (c *Client) notify(p models.TokenPrice) {
	c.listenersMu.RLock()
	ls := make([]func(models.TokenPrice), 0, len(c.listeners))
	for _, l := range c.listeners {
		ls = append(ls, l)
	}
	c.listenersMu.RUnlock()
	for _, l := range ls {
		l(p)
	}
}

func (c *Client) State() models.StreamState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Subscriptions returns the tracked symbols in sorted order.
func (c *Client) Subscriptions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sortedSubsLocked()
}

func (c *Client) sortedSubsLocked() []string {
	out := make([]string, 0, len(c.subs))
	for s := range c.subs {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

func (c *Client) Stats() models.StreamStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := models.StreamStats{
		State:            c.state,
		MessagesReceived: c.messages,
		Reconnections:    c.reconnects,
		ReconnectAttempt: c.sched.Attempts(),
		Subscriptions:    c.sortedSubsLocked(),
		LastError:        c.lastError,
	}
	if c.latency != nil {
		l := *c.latency
		st.LatencyMs = &l
	}
	if !c.lastMessage.IsZero() {
		t := c.lastMessage
		st.LastMessageAt = &t
	}
	return st
}

// Close stops every goroutine and timer and closes the socket.
func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	conn := c.conn
	c.conn = nil
	if c.connCancel != nil {
		c.connCancel()
		c.connCancel = nil
	}
	c.state = models.StreamDisconnected
	c.live = make(map[string]models.TokenPrice)
	c.mu.Unlock()

	c.sched.Stop()
	c.cancel()
	if conn != nil {
		c.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		c.writeMu.Unlock()
		conn.Close()
	}
	c.wg.Wait()
	c.entry().Info("stream client closed")
}
