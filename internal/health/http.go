package health

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

const maxProbeBody = 64 << 10

// HTTPProbe issues one request and requires a 2xx answer. JSON bodies that
// carry a non-empty "error" field are treated as failures.
type HTTPProbe struct {
	URL     string
	Method  string
	Headers map[string]string
	Client  *http.Client
}

func (p *HTTPProbe) Mode() Mode { return ReadOnly }

func (p *HTTPProbe) Probe(ctx context.Context) error {
	method := p.Method
	if method == "" {
		method = http.MethodGet
	}
	req, err := http.NewRequestWithContext(ctx, method, p.URL, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	for k, v := range p.Headers {
		req.Header.Set(k, v)
	}

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

func checkResponse(status int, body []byte) error {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return fmt.Errorf("status %d: %w", status, ErrUnauthorized)
	case status < 200 || status > 299:
		return fmt.Errorf("unexpected status %d", status)
	}
	if msg := payloadError(body); msg != "" {
		if IsAuthMessage(msg) {
			return fmt.Errorf("provider error %q: %w", msg, ErrUnauthorized)
		}
		return fmt.Errorf("provider error %q", msg)
	}
	return nil
}

// payloadError extracts {"error": "..."} or {"error": ["...", ...]}.
func payloadError(body []byte) string {
	var payload struct {
		Error json.RawMessage `json:"error"`
	}
	if len(body) == 0 || json.Unmarshal(body, &payload) != nil || len(payload.Error) == 0 {
		return ""
	}
	var list []string
	if err := json.Unmarshal(payload.Error, &list); err == nil {
		return strings.Join(list, "; ")
	}
	var single string
	if err := json.Unmarshal(payload.Error, &single); err == nil {
		return single
	}
	return ""
}
