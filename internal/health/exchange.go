package health

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	kucoin "github.com/Kucoin/kucoin-universal-sdk/sdk/golang/pkg/api"
	futuresmarket "github.com/Kucoin/kucoin-universal-sdk/sdk/golang/pkg/generate/futures/market"
	sdktype "github.com/Kucoin/kucoin-universal-sdk/sdk/golang/pkg/types"
	"github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/common"
	bybit "github.com/bybit-exchange/bybit.go.api"
)

// BinanceProbe pings the spot API, or reads the account when Authenticated
// is set and the client carries credentials.
type BinanceProbe struct {
	client        *binance.Client
	authenticated bool
}

func NewBinanceProbe(baseURL, apiKey, apiSecret string, httpClient *http.Client, authenticated bool) *BinanceProbe {
	client := binance.NewClient(apiKey, apiSecret)
	if baseURL != "" {
		client.BaseURL = baseURL
	}
	if httpClient != nil {
		client.HTTPClient = httpClient
	}
	return &BinanceProbe{client: client, authenticated: authenticated && apiKey != "" && apiSecret != ""}
}

func (p *BinanceProbe) Mode() Mode {
	if p.authenticated {
		return Authenticated
	}
	return ReadOnly
}

func (p *BinanceProbe) Probe(ctx context.Context) error {
	if !p.authenticated {
		return p.client.NewPingService().Do(ctx)
	}
	_, err := p.client.NewGetAccountService().Do(ctx)
	return binanceError(err)
}

func binanceError(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *common.APIError
	if errors.As(err, &apiErr) && IsAuthMessage(apiErr.Message) {
		return fmt.Errorf("binance %d %s: %w", apiErr.Code, apiErr.Message, ErrUnauthorized)
	}
	return err
}

// BybitProbe reads the public server time.
type BybitProbe struct {
	client *bybit.Client
}

func NewBybitProbe(baseURL string, httpClient *http.Client) *BybitProbe {
	if baseURL == "" {
		baseURL = "https://api.bybit.com"
	}
	client := bybit.NewBybitHttpClient("", "", bybit.WithBaseURL(baseURL))
	if httpClient != nil {
		client.HTTPClient = httpClient
	}
	return &BybitProbe{client: client}
}

func (p *BybitProbe) Mode() Mode { return ReadOnly }

func (p *BybitProbe) Probe(ctx context.Context) error {
	resp, err := p.client.NewUtaBybitServiceNoParams().GetServerTime(ctx)
	if err != nil {
		return err
	}
	if resp == nil {
		return errors.New("bybit: empty response")
	}
	if resp.RetCode != 0 {
		return fmt.Errorf("bybit retCode %d: %s", resp.RetCode, resp.RetMsg)
	}
	return nil
}

// KucoinProbe reads the public futures server time.
type KucoinProbe struct {
	market futuresmarket.MarketAPI
}

func NewKucoinProbe(baseURL string, timeout time.Duration) *KucoinProbe {
	if baseURL == "" {
		baseURL = "https://api-futures.kucoin.com"
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	transport := sdktype.NewTransportOptionBuilder().
		SetTimeout(timeout).
		Build()
	option := sdktype.NewClientOptionBuilder().
		WithFuturesEndpoint(strings.TrimRight(baseURL, "/")).
		WithTransportOption(transport).
		Build()

	client := kucoin.NewClient(option)
	return &KucoinProbe{market: client.RestService().GetFuturesService().GetMarketAPI()}
}

func (p *KucoinProbe) Mode() Mode { return ReadOnly }

func (p *KucoinProbe) Probe(ctx context.Context) error {
	resp, err := p.market.GetServerTime(ctx)
	if err != nil {
		return fmt.Errorf("kucoin server time: %w", err)
	}
	if resp == nil || resp.Data <= 0 {
		return errors.New("kucoin: empty server time")
	}
	return nil
}
