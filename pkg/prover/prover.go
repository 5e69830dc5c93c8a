// Package prover fetches validator inclusion proofs from an external proof
// service.
//
// Construction of the proof happens elsewhere; this package only transports
// the payload and validates its shape before handing it to the verifier.
package prover

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
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/3leaps/beaconproof/pkg/gindex"
)

var (
	// ErrMalformedProof indicates a payload that is not a usable proof.
	ErrMalformedProof = errors.New("malformed proof payload")

	// ErrUnavailable indicates the proof service could not be reached or
	// answered with a server error.
	ErrUnavailable = errors.New("proof service unavailable")

	// ErrNotFound indicates the service has no proof for the request.
	ErrNotFound = errors.New("proof not found")
)

// ValidatorProof is a validated proof that a validator record is included
// under a beacon block root.
type ValidatorProof struct {
	gindex.Proof

	// StateRoot is the beacon state root the proof passes through.
	StateRoot common.Hash

	// Validator is the raw validator record, if the service supplied one.
	Validator json.RawMessage
}

// Payload is the wire form returned by the proof service.
type Payload struct {
	Leaf      string          `json:"leaf"`
	GIndex    json.RawMessage `json:"gindex"`
	Witnesses []string        `json:"witnesses"`
	StateRoot string          `json:"state_root,omitempty"`
	Validator json.RawMessage `json:"validator,omitempty"`
}

// Decode validates the payload and converts it into a ValidatorProof.
func (p *Payload) Decode() (*ValidatorProof, error) {
	leaf, err := decodeHash("leaf", p.Leaf)
	if err != nil {
		return nil, err
	}
	idx, err := gindex.Parse(rawIndex(p.GIndex))
	if err != nil {
		return nil, fmt.Errorf("%w: gindex: %v", ErrMalformedProof, err)
	}
	witnesses := make([]common.Hash, len(p.Witnesses))
	for i, w := range p.Witnesses {
		h, err := decodeHash(fmt.Sprintf("witnesses[%d]", i), w)
		if err != nil {
			return nil, err
		}
		witnesses[i] = h
	}

	out := &ValidatorProof{
		Proof: gindex.Proof{Leaf: leaf, Index: idx, Witnesses: witnesses},
	}
	if p.StateRoot != "" {
		out.StateRoot, err = decodeHash("state_root", p.StateRoot)
		if err != nil {
			return nil, err
		}
	}
	if len(p.Validator) > 0 && string(p.Validator) != "null" {
		out.Validator = append(json.RawMessage(nil), p.Validator...)
	}
	return out, nil
}

// rawIndex accepts the index as a JSON number or a decimal/hex string.
func rawIndex(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

func decodeHash(field, s string) (common.Hash, error) {
	b, err := hexutil.Decode(strings.TrimSpace(s))
	if err != nil {
		return common.Hash{}, fmt.Errorf("%w: %s: %v", ErrMalformedProof, field, err)
	}
	if len(b) != common.HashLength {
		return common.Hash{}, fmt.Errorf("%w: %s: want %d bytes, got %d", ErrMalformedProof, field, common.HashLength, len(b))
	}
	return common.BytesToHash(b), nil
}

// Config configures an HTTP proof source.
type Config struct {
	// URL is the proof service base URL.
	URL string

	// Timeout bounds each request.
	// Default: 60s
	Timeout time.Duration

	// Retries is the number of retries on transport errors and 5xx.
	// Default: 2
	Retries int

	// RetryInterval is the initial backoff between retries.
	// Default: 500ms
	RetryInterval time.Duration

	// HTTPClient overrides the HTTP client.
	HTTPClient *http.Client
}

// HTTPSource requests proofs from
// GET {url}/proofs/validator/{slot}/{validatorIndex}.
type HTTPSource struct {
	baseURL       *url.URL
	httpClient    *http.Client
	retries       int
	retryInterval time.Duration
}

// NewHTTPSource creates a proof source.
func NewHTTPSource(cfg Config) (*HTTPSource, error) {
	raw := strings.TrimSpace(cfg.URL)
	if raw == "" {
		return nil, fmt.Errorf("prover url is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse prover url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("prover url must be http or https: %q", cfg.URL)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.Retries < 0 {
		cfg.Retries = 0
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 500 * time.Millisecond
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: cfg.Timeout}
	}
	return &HTTPSource{
		baseURL:       u,
		httpClient:    hc,
		retries:       cfg.Retries,
		retryInterval: cfg.RetryInterval,
	}, nil
}

// ValidatorProof fetches and validates the proof for validatorIndex at slot.
func (s *HTTPSource) ValidatorProof(ctx context.Context, slot, validatorIndex uint64) (*ValidatorProof, error) {
	u := *s.baseURL
	u.Path = path.Join(u.Path, "proofs", "validator", strconv.FormatUint(slot, 10), strconv.FormatUint(validatorIndex, 10))

	var body []byte
	op := func() error {
		var err error
		body, err = s.get(ctx, u.String())
		if err != nil && !errors.Is(err, ErrUnavailable) {
			return backoff.Permanent(err)
		}
		return err
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.retryInterval
	if err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(bo, uint64(s.retries)), ctx)); err != nil {
		return nil, err
	}

	if err := ValidatePayload(body); err != nil {
		return nil, err
	}
	var p Payload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedProof, err)
	}
	return p.Decode()
}

func (s *HTTPSource) get(ctx context.Context, target string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, http.NoBody)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %v", ErrUnavailable, err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		return body, nil
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%w: %s", ErrNotFound, snippet(body))
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return nil, fmt.Errorf("%w: status %d: %s", ErrUnavailable, resp.StatusCode, snippet(body))
	default:
		return nil, fmt.Errorf("proof service: status %d: %s", resp.StatusCode, snippet(body))
	}
}

func snippet(body []byte) string {
	msg := strings.TrimSpace(string(body))
	if len(msg) > 200 {
		msg = msg[:200]
	}
	return msg
}
