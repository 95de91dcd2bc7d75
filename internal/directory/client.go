package directory

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"custodycore/pkg/domain"
)

// Client resolves wallets against a remote actor directory over HTTP.
type Client struct {
	BaseURL string
	HTTP    *http.Client
}

var _ domain.ActorDirectory = (*Client)(nil)

// NewClient constructs a directory client for the given base URL.
func NewClient(baseURL string) *Client {
	return &Client{
		BaseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		HTTP:    &http.Client{Timeout: 10 * time.Second},
	}
}

// Resolve fetches GET {base}/actors/{wallet}. A 404 maps to not-found; other
// failures are retryable infrastructure errors.
func (c *Client) Resolve(ctx context.Context, wallet string) (domain.Actor, error) {
	endpoint := c.BaseURL + "/actors/" + url.PathEscape(wallet)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return domain.Actor{}, err
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return domain.Actor{}, domain.WrapRetryable("actor directory unreachable", err)
	}
	defer func() { _ = resp.Body.Close() }()
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return domain.Actor{}, domain.Errorf(domain.KindNotFound, "wallet %s not registered", wallet)
	case resp.StatusCode >= 300:
		return domain.Actor{}, domain.WrapRetryable("actor directory error", fmt.Errorf("directory returned %d", resp.StatusCode))
	}
	var out struct {
		Actor domain.Actor `json:"actor"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return domain.Actor{}, fmt.Errorf("decode directory response: %w", err)
	}
	return out.Actor, nil
}
