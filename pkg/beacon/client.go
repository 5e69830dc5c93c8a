// Package beacon is a small client for the standard Ethereum beacon node
// HTTP API.
//
// Only the endpoints needed to anchor a historical block are covered:
// genesis, spec, and block headers by slot or by parent root. Genesis and
// spec are fetched once per client; canonical headers are kept in an LRU
// cache since historical headers do not change.
package beacon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum/common"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"
)

// DefaultURL is the public beacon node used when none is configured.
const DefaultURL = "https://lodestar-mainnet.chainsafe.io"

// maxBodyBytes caps response bodies; header and spec responses are small.
const maxBodyBytes = 8 << 20

// Config configures a beacon client.
type Config struct {
	// URL is the beacon node base URL.
	URL string

	// Timeout bounds each HTTP request.
	// Default: 60s
	Timeout time.Duration

	// RateLimit is the maximum requests per second. Zero means unlimited.
	RateLimit float64

	// Retries is the number of retries for transport errors and 5xx
	// responses. Zero means a single attempt.
	// Default: 3
	Retries int

	// RetryInterval is the initial backoff between retries.
	// Default: 500ms
	RetryInterval time.Duration

	// CacheSize is the number of canonical headers kept in memory.
	// Default: 256
	CacheSize int

	// HTTPClient overrides the HTTP client. Timeout is ignored when set.
	HTTPClient *http.Client
}

// DefaultConfig returns the default client configuration.
func DefaultConfig() Config {
	return Config{
		URL:           DefaultURL,
		Timeout:       60 * time.Second,
		Retries:       3,
		RetryInterval: 500 * time.Millisecond,
		CacheSize:     256,
	}
}

// Client talks to one beacon node. It is safe for concurrent use.
type Client struct {
	baseURL       *url.URL
	httpClient    *http.Client
	limiter       *rate.Limiter
	retries       int
	retryInterval time.Duration

	headers *lru.Cache[uint64, *HeaderData]

	mu      sync.Mutex
	genesis *Genesis
	spec    *Spec
}

// New creates a beacon client.
func New(cfg Config) (*Client, error) {
	def := DefaultConfig()
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, fmt.Errorf("beacon url is required")
	}
	u, err := url.Parse(strings.TrimSpace(cfg.URL))
	if err != nil {
		return nil, fmt.Errorf("parse beacon url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("beacon url must be http or https: %q", cfg.URL)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.Retries < 0 {
		cfg.Retries = 0
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = def.RetryInterval
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = def.CacheSize
	}

	headers, err := lru.New[uint64, *HeaderData](cfg.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("create header cache: %w", err)
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}

	c := &Client{
		baseURL:       u,
		httpClient:    httpClient,
		retries:       cfg.Retries,
		retryInterval: cfg.RetryInterval,
		headers:       headers,
	}
	if cfg.RateLimit > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), 1)
	}
	return c, nil
}

// Genesis returns the chain genesis. The result is cached after the first
// successful call.
func (c *Client) Genesis(ctx context.Context) (*Genesis, error) {
	c.mu.Lock()
	cached := c.genesis
	c.mu.Unlock()
	if cached != nil {
		return cached, nil
	}

	g, err := request[Genesis](ctx, c, "/eth/v1/beacon/genesis", nil)
	if err != nil {
		return nil, err
	}
	if g.GenesisTime == 0 {
		return nil, &APIError{Path: "/eth/v1/beacon/genesis", Err: ErrMalformedResponse, Message: "missing genesis_time"}
	}

	c.mu.Lock()
	c.genesis = &g
	c.mu.Unlock()
	return &g, nil
}

// Spec returns the chain configuration. The result is cached after the
// first successful call.
func (c *Client) Spec(ctx context.Context) (*Spec, error) {
	c.mu.Lock()
	cached := c.spec
	c.mu.Unlock()
	if cached != nil {
		return cached, nil
	}

	s, err := request[Spec](ctx, c, "/eth/v1/config/spec", nil)
	if err != nil {
		return nil, err
	}
	if s.SecondsPerSlot == 0 {
		return nil, &APIError{Path: "/eth/v1/config/spec", Err: ErrMalformedResponse, Message: "missing SECONDS_PER_SLOT"}
	}

	c.mu.Lock()
	c.spec = &s
	c.mu.Unlock()
	return &s, nil
}

// HeaderBySlot returns the block header at slot. ErrNotFound is returned for
// empty (skipped) slots.
func (c *Client) HeaderBySlot(ctx context.Context, slot uint64) (*HeaderData, error) {
	if h, ok := c.headers.Get(slot); ok {
		return h, nil
	}

	h, err := request[HeaderData](ctx, c, "/eth/v1/beacon/headers/"+strconv.FormatUint(slot, 10), nil)
	if err != nil {
		return nil, err
	}
	if h.Canonical {
		c.headers.Add(slot, &h)
	}
	return &h, nil
}

// ChildHeader returns the canonical header whose parent is parentRoot.
func (c *Client) ChildHeader(ctx context.Context, parentRoot common.Hash) (*HeaderData, error) {
	q := url.Values{}
	q.Set("parent_root", parentRoot.Hex())

	const apiPath = "/eth/v1/beacon/headers"
	hs, err := request[[]HeaderData](ctx, c, apiPath, q)
	if err != nil {
		return nil, err
	}
	for i := range hs {
		if hs[i].Canonical {
			return &hs[i], nil
		}
	}
	if len(hs) > 0 {
		return &hs[0], nil
	}
	return nil, &APIError{Path: apiPath, StatusCode: http.StatusNotFound, Message: "no child of " + parentRoot.Hex(), Err: ErrNotFound}
}

// CheckHealth probes the node's genesis endpoint.
func (c *Client) CheckHealth(ctx context.Context) error {
	_, err := c.Genesis(ctx)
	return err
}

// request performs a GET and decodes the "data" member of the response.
// Methods cannot be generic, so this is a function over the client.
func request[T any](ctx context.Context, c *Client, apiPath string, query url.Values) (T, error) {
	var empty T

	u := *c.baseURL
	u.Path = path.Join(u.Path, apiPath)
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var body []byte
	op := func() error {
		var err error
		body, err = c.get(ctx, apiPath, u.String())
		if err != nil && !retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.retryInterval
	policy := backoff.WithContext(backoff.WithMaxRetries(bo, uint64(c.retries)), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		return empty, err
	}

	var full fullResult[T]
	if err := json.Unmarshal(body, &full); err != nil {
		return empty, &APIError{Path: apiPath, StatusCode: http.StatusOK, Message: err.Error(), Err: ErrMalformedResponse}
	}
	return full.Data, nil
}

func (c *Client) get(ctx context.Context, apiPath, target string) ([]byte, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, http.NoBody)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &APIError{Path: apiPath, Message: err.Error(), Err: ErrUnavailable}
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, &APIError{Path: apiPath, StatusCode: resp.StatusCode, Message: err.Error(), Err: ErrUnavailable}
	}

	if resp.StatusCode == http.StatusOK {
		return body, nil
	}

	apiErr := &APIError{Path: apiPath, StatusCode: resp.StatusCode, Message: errorMessage(body)}
	switch {
	case resp.StatusCode == http.StatusNotFound:
		apiErr.Err = ErrNotFound
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		apiErr.Err = ErrUnavailable
	default:
		apiErr.Err = ErrRejected
	}
	return nil, apiErr
}

func retryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return errors.Is(err, ErrUnavailable)
}

func errorMessage(body []byte) string {
	var e apiErrorBody
	if err := json.Unmarshal(body, &e); err == nil && e.Message != "" {
		return e.Message
	}
	msg := strings.TrimSpace(string(body))
	if len(msg) > 200 {
		msg = msg[:200]
	}
	return msg
}
