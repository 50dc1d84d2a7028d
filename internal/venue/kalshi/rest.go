package kalshi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/meridian-markets/feedcore/internal/resilience"
)

const DefaultBaseURL = "https://api.elections.kalshi.com/trade-api/v2"

// APIError is a non-2xx REST response.
type APIError struct {
	StatusCode int
	Body       []byte
}

func (e *APIError) Error() string {
	return fmt.Sprintf("kalshi api error %d: %s", e.StatusCode, http.StatusText(e.StatusCode))
}

// ClientConfig wires the REST client's collaborators.
type ClientConfig struct {
	BaseURL string
	Signer  *Signer
	Limiter *resilience.Limiter
	Policy  resilience.Policy
	HTTP    *http.Client
	Log     *logrus.Entry
}

// Client fetches the market catalog over the venue's signed REST
// surface. Every request waits out any active 429 backoff window first;
// responses feed the limiter back.
type Client struct {
	baseURL  string
	basePath string
	signer   *Signer
	limiter  *resilience.Limiter
	policy   resilience.Policy
	http     *http.Client
	log      *logrus.Entry
}

func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	u, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("kalshi: base url: %w", err)
	}
	if cfg.HTTP == nil {
		cfg.HTTP = &http.Client{Timeout: 30 * time.Second}
	}
	log := cfg.Log
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Client{
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		basePath: u.Path,
		signer:   cfg.Signer,
		limiter:  cfg.Limiter,
		policy:   cfg.Policy,
		http:     cfg.HTTP,
		log:      log.WithField("venue", Venue),
	}, nil
}

// Market is one catalog entry.
type Market struct {
	Ticker         string `json:"ticker"`
	EventTicker    string `json:"event_ticker"`
	Title          string `json:"title"`
	Status         string `json:"status"`
	YesBid         int    `json:"yes_bid"`
	YesAsk         int    `json:"yes_ask"`
	LastPrice      int    `json:"last_price"`
	Volume         int64  `json:"volume"`
	OpenInterest   int64  `json:"open_interest"`
	ExpirationTime string `json:"expiration_time"`
}

// MarketsPage is one page of the catalog.
type MarketsPage struct {
	Markets []Market `json:"markets"`
	Cursor  string   `json:"cursor"`
}

// GetMarketsOptions filters the catalog fetch.
type GetMarketsOptions struct {
	Limit        int
	Cursor       string
	EventTicker  string
	SeriesTicker string
	Status       string
	Tickers      []string
}

// GetMarkets fetches a single catalog page.
func (c *Client) GetMarkets(ctx context.Context, opts GetMarketsOptions) (*MarketsPage, error) {
	query := url.Values{}
	if opts.Limit > 0 {
		query.Set("limit", strconv.Itoa(opts.Limit))
	}
	if opts.Cursor != "" {
		query.Set("cursor", opts.Cursor)
	}
	if opts.EventTicker != "" {
		query.Set("event_ticker", opts.EventTicker)
	}
	if opts.SeriesTicker != "" {
		query.Set("series_ticker", opts.SeriesTicker)
	}
	if opts.Status != "" {
		query.Set("status", opts.Status)
	}
	if len(opts.Tickers) > 0 {
		query.Set("tickers", strings.Join(opts.Tickers, ","))
	}

	var page MarketsPage
	if err := c.get(ctx, "/markets", query, &page); err != nil {
		return nil, fmt.Errorf("get markets: %w", err)
	}
	return &page, nil
}

// GetAllMarkets walks the cursor until the catalog is exhausted.
func (c *Client) GetAllMarkets(ctx context.Context, opts GetMarketsOptions) ([]Market, error) {
	opts.Limit = 1000 // max page size
	var all []Market
	for {
		page, err := c.GetMarkets(ctx, opts)
		if err != nil {
			return nil, err
		}
		all = append(all, page.Markets...)
		if page.Cursor == "" {
			return all, nil
		}
		opts.Cursor = page.Cursor
	}
}

// GetMarket fetches one catalog entry by ticker.
func (c *Client) GetMarket(ctx context.Context, ticker string) (*Market, error) {
	var resp struct {
		Market Market `json:"market"`
	}
	if err := c.get(ctx, "/markets/"+ticker, nil, &resp); err != nil {
		return nil, fmt.Errorf("get market %s: %w", ticker, err)
	}
	return &resp.Market, nil
}

func (c *Client) get(ctx context.Context, path string, query url.Values, out any) error {
	body, err := c.do(ctx, http.MethodGet, path, query)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("kalshi: decode response: %w", err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values) ([]byte, error) {
	var body []byte
	err := c.policy.Do(ctx, func(ctx context.Context) error {
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return resilience.MarkFatal(err)
			}
		}
		b, err := c.request(ctx, method, path, query)
		if err != nil {
			return err
		}
		body = b
		return nil
	})
	return body, err
}

// request performs one signed round-trip and classifies the outcome:
// 429 extends the limiter window and is retryable, 5xx is retryable,
// any other non-2xx is fatal.
func (c *Client) request(ctx context.Context, method, path string, query url.Values) ([]byte, error) {
	fullURL := c.baseURL + path
	if len(query) > 0 {
		fullURL += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, fullURL, nil)
	if err != nil {
		return nil, resilience.MarkFatal(err)
	}
	req.Header.Set("Accept", "application/json")
	if c.signer != nil {
		headers, err := c.signer.Headers(method, c.basePath+path)
		if err != nil {
			return nil, resilience.MarkFatal(err)
		}
		for name, values := range headers {
			req.Header[name] = values
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, resilience.MarkRetryable(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resilience.MarkRetryable(err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		if c.limiter != nil {
			c.limiter.Observe429()
		}
		c.log.WithField("path", path).Warn("rate limited")
		return nil, resilience.MarkRetryable(&APIError{StatusCode: resp.StatusCode, Body: body})
	case resp.StatusCode >= 500:
		return nil, resilience.MarkRetryable(&APIError{StatusCode: resp.StatusCode, Body: body})
	case resp.StatusCode >= 400:
		return nil, resilience.MarkFatal(&APIError{StatusCode: resp.StatusCode, Body: body})
	}

	if c.limiter != nil {
		c.limiter.ObserveSuccess()
	}
	return body, nil
}
