package stream

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"tradeforce/models"
)

const (
	frameSubscribe = "SUBSCRIBE_PRICE"
	framePing      = "PING"
	framePong      = "PONG"
	framePrice     = "PRICE_DATA"
	frameError     = "ERROR"
)

type outboundFrame struct {
	Type string         `json:"type"`
	ID   string         `json:"id"`
	Data *subscribeData `json:"data,omitempty"`
}

type subscribeData struct {
	Symbols []string `json:"symbols"`
}

type inboundFrame struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Message string          `json:"message,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

type priceData struct {
	Symbol   string          `json:"symbol"`
	Price    decimal.Decimal `json:"price"`
	Volume   decimal.Decimal `json:"volume"`
	UnixTime int64           `json:"unixTime"`
}

func subscribeFrame(symbols []string) outboundFrame {
	return outboundFrame{Type: frameSubscribe, ID: uuid.NewString(), Data: &subscribeData{Symbols: symbols}}
}

func pingFrame() outboundFrame {
	return outboundFrame{Type: framePing, ID: uuid.NewString()}
}

func decodeFrame(raw []byte) (inboundFrame, error) {
	var f inboundFrame
	if err := json.Unmarshal(raw, &f); err != nil {
		return f, fmt.Errorf("decode frame: %w", err)
	}
	return f, nil
}

func decodePrice(f inboundFrame, received time.Time) (models.TokenPrice, error) {
	var d priceData
	if err := json.Unmarshal(f.Data, &d); err != nil {
		return models.TokenPrice{}, fmt.Errorf("decode price: %w", err)
	}
	if d.Symbol == "" {
		return models.TokenPrice{}, fmt.Errorf("decode price: missing symbol")
	}
	updated := received
	if d.UnixTime > 0 {
		updated = time.Unix(d.UnixTime, 0).UTC()
	}
	return models.TokenPrice{
		Symbol:    d.Symbol,
		Price:     d.Price,
		Volume:    d.Volume,
		UpdatedAt: updated,
		Raw:       append(json.RawMessage(nil), f.Data...),
	}, nil
}
