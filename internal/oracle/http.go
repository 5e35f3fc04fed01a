package oracle

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// HTTPSource fetches quotes from a REST quote service:
//
//	GET {base}/quotes?symbol=RELIANCE&exchange=NSE
//	Authorization: <token>
//
// The response body is any JSON object carrying a last-traded-price field.
type HTTPSource struct {
	base   string
	client *http.Client
}

// NewHTTPSource creates a quote source with a bounded request timeout.
func NewHTTPSource(baseURL string, timeout time.Duration) *HTTPSource {
	return &HTTPSource{
		base:   strings.TrimRight(baseURL, "/"),
		client: &http.Client{Timeout: timeout},
	}
}

// GetQuotes implements Source.
func (s *HTTPSource) GetQuotes(ctx context.Context, authToken, symbol, exchange string) (map[string]any, error) {
	q := url.Values{}
	q.Set("symbol", symbol)
	q.Set("exchange", exchange)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.base+"/quotes?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("build quote request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if authToken != "" {
		req.Header.Set("Authorization", authToken)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("quote %s-%s: %w", symbol, exchange, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("quote %s-%s: status %d: %s", symbol, exchange, resp.StatusCode, body)
	}

	var quote map[string]any
	dec := json.NewDecoder(resp.Body)
	dec.UseNumber()
	if err := dec.Decode(&quote); err != nil {
		return nil, fmt.Errorf("decode quote %s-%s: %w", symbol, exchange, err)
	}
	return quote, nil
}
