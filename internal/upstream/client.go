package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/Yaugourt/LiquidTerminal-Back/internal/liquidation"
	"github.com/Yaugourt/LiquidTerminal-Back/internal/monitoring"
)

const (
	pathLiquidations = "/liquidations/"
	pathRecent       = "/liquidations/recent"

	maxRetries = 2
)

// Query names the upstream listing parameters. Zero values are omitted from
// the encoded request. When Hours is set it wins over StartTime/EndTime and
// is encoded as a start_time of now minus that many hours.
type Query struct {
	Coin        string
	User        string
	StartTime   int64 // epoch ms
	EndTime     int64 // epoch ms
	MinNotional float64
	Hours       int
	Limit       int
	Cursor      string
	Order       string // ASC or DESC
}

// Page is one keyset-paginated upstream response.
type Page struct {
	Data            []liquidation.Event `json:"data"`
	NextCursor      *string             `json:"next_cursor"`
	HasMore         bool                `json:"has_more"`
	ExecutionTimeMs float64             `json:"execution_time_ms"`
}

// Cursor returns the opaque cursor for the next page, empty when the listing
// is exhausted.
func (p *Page) Cursor() string {
	if p.NextCursor == nil {
		return ""
	}
	return *p.NextCursor
}

type Config struct {
	BaseURL            string
	APIKey             string
	Timeout            time.Duration
	MaxWeightPerMinute int
	RequestWeight      int
}

// Client fetches liquidation pages from the upstream indexer. Every call
// passes, in order, the weight limiter, the circuit breaker, and a bounded
// retry around the HTTP request. Rate-limit denials never touch the breaker
// so a 429 storm cannot masquerade as an outage.
type Client struct {
	baseURL      string
	apiKey       string
	http         *http.Client
	breaker      *gobreaker.CircuitBreaker
	limiter      *WeightLimiter
	logger       zerolog.Logger
	now          func() time.Time
	retryInitial time.Duration
}

func New(cfg Config, logger zerolog.Logger) *Client {
	l := logger.With().Str("component", "upstream").Logger()

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "upstream-liquidations",
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		IsSuccessful: func(err error) bool {
			// Rate limiting and bad input are not upstream health signals.
			return err == nil || errors.Is(err, ErrRateLimited) || errors.Is(err, ErrValidation)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			l.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Circuit breaker state changed")
			monitoring.UpstreamBreakerState.Set(breakerStateValue(to))
		},
	})

	return &Client{
		baseURL:      strings.TrimSuffix(cfg.BaseURL, "/"),
		apiKey:       cfg.APIKey,
		http:         &http.Client{Timeout: cfg.Timeout},
		breaker:      breaker,
		limiter:      NewWeightLimiter(cfg.MaxWeightPerMinute, cfg.RequestWeight),
		logger:       l,
		now:          time.Now,
		retryInitial: 200 * time.Millisecond,
	}
}

// FetchPage lists historical liquidations.
func (c *Client) FetchPage(ctx context.Context, q Query) (*Page, error) {
	return c.fetch(ctx, pathLiquidations, q)
}

// FetchRecentPage lists liquidations from the last q.Hours hours.
func (c *Client) FetchRecentPage(ctx context.Context, q Query) (*Page, error) {
	return c.fetch(ctx, pathRecent, q)
}

// BreakerState reports the circuit breaker state for health reporting.
func (c *Client) BreakerState() string {
	return c.breaker.State().String()
}

func (c *Client) fetch(ctx context.Context, path string, q Query) (*Page, error) {
	if err := q.validate(); err != nil {
		return nil, err
	}
	endpoint := endpointLabel(path)

	if !c.limiter.Allow() {
		monitoring.UpstreamRequestsTotal.WithLabelValues(endpoint, "rejected").Inc()
		return nil, fmt.Errorf("%w: weight budget exhausted", ErrRateLimited)
	}

	res, err := c.breaker.Execute(func() (any, error) {
		return c.doWithRetry(ctx, path, endpoint, q)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			monitoring.UpstreamRequestsTotal.WithLabelValues(endpoint, "rejected").Inc()
			return nil, fmt.Errorf("%w: circuit open", ErrUnavailable)
		}
		return nil, err
	}
	return res.(*Page), nil
}

// doWithRetry retries transport failures and 5xx responses with exponential
// backoff, at most maxRetries extra attempts. Typed 4xx outcomes abort
// immediately.
func (c *Client) doWithRetry(ctx context.Context, path, endpoint string, q Query) (*Page, error) {
	var page *Page
	op := func() error {
		p, err := c.doRequest(ctx, path, endpoint, q)
		if err != nil {
			if errors.Is(err, ErrRateLimited) || errors.Is(err, ErrValidation) {
				return backoff.Permanent(err)
			}
			return err
		}
		page = p
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.retryInitial
	bo.MaxInterval = 2 * time.Second

	err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(bo, maxRetries), ctx))
	if err != nil {
		return nil, err
	}
	return page, nil
}

func (c *Client) doRequest(ctx context.Context, path, endpoint string, q Query) (*Page, error) {
	u := c.baseURL + path
	if enc := c.encodeQuery(q).Encode(); enc != "" {
		u += "?" + enc
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %v", ErrUnavailable, err)
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		monitoring.UpstreamRequestsTotal.WithLabelValues(endpoint, "unavailable").Inc()
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		var page Page
		if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
			monitoring.UpstreamRequestsTotal.WithLabelValues(endpoint, "unavailable").Inc()
			return nil, fmt.Errorf("%w: decode response: %v", ErrUnavailable, err)
		}
		monitoring.UpstreamRequestsTotal.WithLabelValues(endpoint, "ok").Inc()
		monitoring.UpstreamRequestDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
		return &page, nil

	case resp.StatusCode == http.StatusTooManyRequests:
		io.Copy(io.Discard, resp.Body)
		monitoring.UpstreamRequestsTotal.WithLabelValues(endpoint, "rate_limited").Inc()
		return nil, fmt.Errorf("%w: upstream returned 429", ErrRateLimited)

	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		monitoring.UpstreamRequestsTotal.WithLabelValues(endpoint, "rejected").Inc()
		return nil, fmt.Errorf("%w: upstream returned %d: %s", ErrValidation, resp.StatusCode, strings.TrimSpace(string(body)))

	default:
		io.Copy(io.Discard, resp.Body)
		monitoring.UpstreamRequestsTotal.WithLabelValues(endpoint, "unavailable").Inc()
		return nil, fmt.Errorf("%w: upstream returned %d", ErrUnavailable, resp.StatusCode)
	}
}

func (c *Client) encodeQuery(q Query) url.Values {
	v := url.Values{}
	if q.Coin != "" {
		v.Set("coin", q.Coin)
	}
	if q.User != "" {
		v.Set("user", q.User)
	}
	if q.Hours > 0 {
		start := c.now().Add(-time.Duration(q.Hours) * time.Hour).UnixMilli()
		v.Set("start_time", strconv.FormatInt(start, 10))
	} else {
		if q.StartTime > 0 {
			v.Set("start_time", strconv.FormatInt(q.StartTime, 10))
		}
		if q.EndTime > 0 {
			v.Set("end_time", strconv.FormatInt(q.EndTime, 10))
		}
	}
	if q.MinNotional > 0 {
		v.Set("amount_dollars", strconv.FormatFloat(q.MinNotional, 'f', -1, 64))
	}
	if q.Limit > 0 {
		v.Set("limit", strconv.Itoa(q.Limit))
	}
	if q.Cursor != "" {
		v.Set("cursor", q.Cursor)
	}
	if q.Order != "" {
		v.Set("order", strings.ToUpper(q.Order))
	}
	return v
}

func (q Query) validate() error {
	if q.Limit < 0 || q.Limit > 1000 {
		return fmt.Errorf("%w: limit must be in [1,1000], got %d", ErrValidation, q.Limit)
	}
	if q.Hours < 0 || q.Hours > 168 {
		return fmt.Errorf("%w: hours must be in [1,168], got %d", ErrValidation, q.Hours)
	}
	switch strings.ToUpper(q.Order) {
	case "", "ASC", "DESC":
	default:
		return fmt.Errorf("%w: order must be ASC or DESC, got %q", ErrValidation, q.Order)
	}
	return nil
}

func endpointLabel(path string) string {
	if path == pathRecent {
		return "recent"
	}
	return "liquidations"
}

func breakerStateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	default:
		return 2
	}
}
