package health

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const krakenBalancePath = "/0/private/Balance"

// KrakenAuthProbe calls the private balance endpoint. It has no side effects
// on the account but is rate limited by the exchange.
type KrakenAuthProbe struct {
	BaseURL   string
	APIKey    string
	APISecret string
	Client    *http.Client
	nonce     func() int64
}

func NewKrakenAuthProbe(baseURL, apiKey, apiSecret string, client *http.Client) *KrakenAuthProbe {
	if baseURL == "" {
		baseURL = "https://api.kraken.com"
	}
	return &KrakenAuthProbe{
		BaseURL:   strings.TrimRight(baseURL, "/"),
		APIKey:    apiKey,
		APISecret: apiSecret,
		Client:    client,
		nonce:     func() int64 { return time.Now().UnixMilli() },
	}
}

func (p *KrakenAuthProbe) Mode() Mode { return Authenticated }

func (p *KrakenAuthProbe) Probe(ctx context.Context) error {
	nonce := strconv.FormatInt(p.nonce(), 10)
	form := url.Values{"nonce": {nonce}}.Encode()

	sig, err := krakenSign(krakenBalancePath, nonce, form, p.APISecret)
	if err != nil {
		return fmt.Errorf("kraken sign: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.BaseURL+krakenBalancePath, strings.NewReader(form))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("API-Key", p.APIKey)
	req.Header.Set("API-Sign", sig)

	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxProbeBody))
	return checkResponse(resp.StatusCode, body)
}

// krakenSign computes base64(HMAC-SHA512(path + SHA256(nonce + body), secret)).
func krakenSign(path, nonce, body, secret string) (string, error) {
	key, err := base64.StdEncoding.DecodeString(secret)
	if err != nil {
		return "", fmt.Errorf("decode secret: %w", ErrUnauthorized)
	}
	sum := sha256.Sum256([]byte(nonce + body))

	mac := hmac.New(sha512.New, key)
	mac.Write([]byte(path))
	mac.Write(sum[:])
	return base64.StdEncoding.EncodeToString(mac.Sum(nil)), nil
}
