// Package publisher fans venue, failover and price events out to NATS so
// other processes can follow the dashboard core without polling it.
package publisher

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"tradeforce/config"
	"tradeforce/internal/metrics"
	"tradeforce/logger"
	"tradeforce/models"
)

// Subject suffixes under the configured prefix.
const (
	SubjectVenue  = "venue"
	SubjectActive = "active"
	SubjectPrice  = "price"
)

type Publisher interface {
	PublishVenue(ev models.VenueEvent) error
	PublishStatus(ev models.StatusEvent) error
	PublishPrice(p models.TokenPrice) error
	Close()
}

// Conn is the part of *nats.Conn the publisher needs.
type Conn interface {
	Publish(subject string, data []byte) error
	Close()
}

// NATSPublisher writes JSON payloads to <prefix>.venue.<id>,
// <prefix>.active and <prefix>.price.<symbol>.
type NATSPublisher struct {
	conn   Conn
	prefix string
	log    *logger.Entry
}

// Connect dials NATS with unlimited reconnects.
func Connect(cfg config.NATSConfig) (*NATSPublisher, error) {
	log := logger.GetLogger().WithComponent("nats_publisher")

	wait := cfg.ReconnectWait
	if wait <= 0 {
		wait = time.Second
	}
	opts := []nats.Option{
		nats.Name(cfg.ClientID),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(wait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.WithError(err).Warn("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.WithField("url", nc.ConnectedUrl()).Info("NATS reconnected")
		}),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			log.WithError(err).Error("NATS error")
		}),
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	log.WithField("url", nc.ConnectedUrl()).Info("connected to NATS")
	return New(nc, cfg.SubjectPrefix), nil
}

func New(conn Conn, prefix string) *NATSPublisher {
	prefix = strings.Trim(strings.TrimSpace(prefix), ".")
	if prefix == "" {
		prefix = "tradeforce"
	}
	return &NATSPublisher{
		conn:   conn,
		prefix: prefix,
		log:    logger.GetLogger().WithComponent("nats_publisher"),
	}
}

func (p *NATSPublisher) PublishVenue(ev models.VenueEvent) error {
	return p.publish(p.Subject(SubjectVenue, ev.Venue.ID), ev)
}

func (p *NATSPublisher) PublishStatus(ev models.StatusEvent) error {
	return p.publish(p.Subject(SubjectActive), ev)
}

func (p *NATSPublisher) PublishPrice(tp models.TokenPrice) error {
	return p.publish(p.Subject(SubjectPrice, tp.Symbol), tp)
}

// Subject joins the prefix and tokens, replacing characters NATS treats as
// separators or wildcards inside a token.
func (p *NATSPublisher) Subject(tokens ...string) string {
	parts := make([]string, 0, len(tokens)+1)
	parts = append(parts, p.prefix)
	for _, t := range tokens {
		parts = append(parts, sanitizeToken(t))
	}
	return strings.Join(parts, ".")
}

func (p *NATSPublisher) publish(subject string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	if err := p.conn.Publish(subject, data); err != nil {
		p.log.WithError(err).WithField("subject", subject).Warn("publish failed")
		metrics.EmitDropMetric(logger.GetLogger(), metrics.DropPublish, "nats_publisher", subject)
		return fmt.Errorf("failed to publish to %s: %w", subject, err)
	}
	return nil
}

func (p *NATSPublisher) Close() {
	if p.conn != nil {
		p.conn.Close()
	}
}

var tokenReplacer = strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_")

func sanitizeToken(s string) string {
	s = tokenReplacer.Replace(strings.TrimSpace(s))
	if s == "" {
		return "_"
	}
	return s
}

// Noop discards every event. Used when NATS is disabled.
type Noop struct{}

func (Noop) PublishVenue(models.VenueEvent) error   { return nil }
func (Noop) PublishStatus(models.StatusEvent) error { return nil }
func (Noop) PublishPrice(models.TokenPrice) error   { return nil }
func (Noop) Close()                                 {}

// FromConfig returns a NATS publisher when enabled and Noop otherwise.
func FromConfig(cfg config.NATSConfig) (Publisher, error) {
	if !cfg.Enabled {
		return Noop{}, nil
	}
	return Connect(cfg)
}
