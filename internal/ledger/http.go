package ledger

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"time"

	"github.com/roach88/flowguard/internal/policy"
)

// HTTPGateway queries the ledger's net-flow endpoint:
//
//	GET {base}/v1/accounts/{account}/net-flow?receiver={receiver}
//	-> {"net_flow_rate": n}
//
// Transport errors and 5xx responses are retried with exponential backoff
// plus jitter.
type HTTPGateway struct {
	base       string
	receiver   policy.Account
	client     *http.Client
	maxRetries int
	baseDelay  time.Duration
}

var _ Gateway = (*HTTPGateway)(nil)

// HTTPOption configures an HTTPGateway.
type HTTPOption func(*HTTPGateway)

// WithHTTPClient replaces the default client (30s timeout).
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(g *HTTPGateway) { g.client = c }
}

// WithRetries sets the retry count and the first backoff step.
func WithRetries(maxRetries int, baseDelay time.Duration) HTTPOption {
	return func(g *HTTPGateway) {
		g.maxRetries = maxRetries
		g.baseDelay = baseDelay
	}
}

// NewHTTPGateway creates a gateway for the ledger at base. receiver is the
// engine's own account on the ledger.
func NewHTTPGateway(base string, receiver policy.Account, opts ...HTTPOption) *HTTPGateway {
	g := &HTTPGateway{
		base:       base,
		receiver:   receiver,
		client:     &http.Client{Timeout: 30 * time.Second},
		maxRetries: 3,
		baseDelay:  100 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

type netFlowResponse struct {
	NetFlowRate *int64 `json:"net_flow_rate"`
}

// NetFlowRate implements Gateway.
func (g *HTTPGateway) NetFlowRate(ctx context.Context, account policy.Account) (policy.Rate, error) {
	endpoint := fmt.Sprintf("%s/v1/accounts/%s/net-flow?receiver=%s",
		g.base, url.PathEscape(string(account)), url.QueryEscape(string(g.receiver)))

	var lastErr error
	for attempt := 0; attempt <= g.maxRetries; attempt++ {
		if attempt > 0 {
			if err := sleep(ctx, backoff(g.baseDelay, attempt-1)); err != nil {
				return 0, err
			}
		}

		rate, retry, err := g.fetch(ctx, endpoint)
		if err == nil {
			return rate, nil
		}
		lastErr = err
		if !retry || ctx.Err() != nil {
			break
		}
	}
	return 0, fmt.Errorf("net flow for %s: %w", account, lastErr)
}

func (g *HTTPGateway) fetch(ctx context.Context, endpoint string) (policy.Rate, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return 0, false, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return 0, true, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return 0, true, fmt.Errorf("ledger status %d", resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return 0, false, fmt.Errorf("ledger status %d", resp.StatusCode)
	}

	var body netFlowResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return 0, false, fmt.Errorf("decode net flow: %w", err)
	}
	if body.NetFlowRate == nil {
		return 0, false, fmt.Errorf("decode net flow: missing net_flow_rate")
	}
	return policy.Rate(*body.NetFlowRate), false, nil
}

// backoff returns base * 2^step plus up to 50ms of jitter.
func backoff(base time.Duration, step int) time.Duration {
	d := base << step
	if n, err := rand.Int(rand.Reader, big.NewInt(50)); err == nil {
		d += time.Duration(n.Int64()) * time.Millisecond
	}
	return d
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
