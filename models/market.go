package models

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// StreamState is the lifecycle state of the market-data stream.
type StreamState string

const (
	StreamDisconnected StreamState = "disconnected"
	StreamConnecting   StreamState = "connecting"
	StreamConnected    StreamState = "connected"
	StreamError        StreamState = "error"
	StreamFailed       StreamState = "failed"
)

// TokenPrice is the last known market data for one symbol.
type TokenPrice struct {
	Symbol    string          `json:"symbol"`
	Price     decimal.Decimal `json:"price"`
	Volume    decimal.Decimal `json:"volume"`
	UpdatedAt time.Time       `json:"updatedAt"`
	Raw       json.RawMessage `json:"raw,omitempty"`
}

// StreamStats summarises the stream connection for the dashboard.
type StreamStats struct {
	State            StreamState `json:"state"`
	LatencyMs        *int64      `json:"latencyMs"`
	MessagesReceived int64       `json:"messagesReceived"`
	Reconnections    int64       `json:"reconnections"`
	ReconnectAttempt int         `json:"reconnectAttempt"`
	Subscriptions    []string    `json:"subscriptions"`
	LastMessageAt    *time.Time  `json:"lastMessageAt"`
	LastError        string      `json:"lastError,omitempty"`
}
