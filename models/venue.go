package models

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// VenueKind classifies a venue by what it can do for the dashboard.
type VenueKind string

const (
	KindDEX  VenueKind = "dex"
	KindCEX  VenueKind = "cex"
	KindData VenueKind = "data"
)

// ParseVenueKind normalises a configured kind string.
func ParseVenueKind(s string) (VenueKind, error) {
	switch VenueKind(strings.ToLower(strings.TrimSpace(s))) {
	case KindDEX:
		return KindDEX, nil
	case KindCEX:
		return KindCEX, nil
	case KindData:
		return KindData, nil
	default:
		return "", fmt.Errorf("unknown venue kind %q", s)
	}
}

// VenueStatus is the connection state of a venue.
type VenueStatus string

const (
	StatusDisconnected VenueStatus = "disconnected"
	StatusConnecting   VenueStatus = "connecting"
	StatusConnected    VenueStatus = "connected"
	StatusError        VenueStatus = "error"
	// StatusFailed is terminal until a manual reconnect.
	StatusFailed VenueStatus = "failed"
)

// Capability tags advertised by venues.
const (
	CapabilitySwap  = "swap"
	CapabilityQuote = "quote"
	CapabilityTrade = "trade"
	CapabilityData  = "data"
)

// Venue is one tradable or data-providing endpoint together with its runtime state.
type Venue struct {
	ID           string    `json:"id"`
	DisplayName  string    `json:"displayName"`
	Kind         VenueKind `json:"kind"`
	Priority     int       `json:"priority"`
	Capabilities []string  `json:"capabilities"`

	Status            VenueStatus `json:"status"`
	LatencyMs         *int64      `json:"latencyMs"`
	LastConnectedAt   *time.Time  `json:"lastConnectedAt"`
	ReconnectAttempts int         `json:"reconnectAttempts"`
	LastError         string      `json:"lastError,omitempty"`
}

// HasCapability reports whether the venue advertises the given tag.
func (v Venue) HasCapability(tag string) bool {
	for _, c := range v.Capabilities {
		if strings.EqualFold(c, tag) {
			return true
		}
	}
	return false
}

// Clone returns a deep copy safe to hand out of the registry.
func (v Venue) Clone() Venue {
	out := v
	if v.Capabilities != nil {
		out.Capabilities = append([]string(nil), v.Capabilities...)
	}
	if v.LatencyMs != nil {
		l := *v.LatencyMs
		out.LatencyMs = &l
	}
	if v.LastConnectedAt != nil {
		t := *v.LastConnectedAt
		out.LastConnectedAt = &t
	}
	return out
}

// SortByPriority orders venues by priority, then id.
func SortByPriority(venues []Venue) {
	sort.SliceStable(venues, func(i, j int) bool {
		if venues[i].Priority != venues[j].Priority {
			return venues[i].Priority < venues[j].Priority
		}
		return venues[i].ID < venues[j].ID
	})
}

// ConnectionStats are process-wide counters across all venue operations.
type ConnectionStats struct {
	TotalConnections      int64      `json:"totalConnections"`
	SuccessfulConnections int64      `json:"successfulConnections"`
	FailedConnections     int64      `json:"failedConnections"`
	Reconnections         int64      `json:"reconnections"`
	LastHealthCheck       *time.Time `json:"lastHealthCheck"`
}

// SuccessRate returns the share of successful attempts in percent.
func (s ConnectionStats) SuccessRate() float64 {
	if s.TotalConnections == 0 {
		return 0
	}
	return float64(s.SuccessfulConnections) / float64(s.TotalConnections) * 100
}

// VenueEvent is emitted by the registry on every venue mutation.
type VenueEvent struct {
	Venue          Venue       `json:"venue"`
	PreviousStatus VenueStatus `json:"previousStatus"`
	At             time.Time   `json:"at"`
}

// StatusChanged reports whether the event moved the venue to another status.
func (e VenueEvent) StatusChanged() bool {
	return e.PreviousStatus != e.Venue.Status
}

// StatusEvent is delivered to UI subscribers whenever the active venue changes.
type StatusEvent struct {
	Exchange       *string     `json:"exchange"`
	Status         VenueStatus `json:"status"`
	ConnectedCount int         `json:"connectedCount"`
}

// ActiveID returns the active venue id or an empty string.
func (e StatusEvent) ActiveID() string {
	if e.Exchange == nil {
		return ""
	}
	return *e.Exchange
}
