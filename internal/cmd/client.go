package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	apperrors "github.com/3leaps/beaconproof/internal/errors"
	"github.com/3leaps/beaconproof/internal/server/handlers"
	"github.com/3leaps/beaconproof/pkg/jobregistry"
	"github.com/3leaps/beaconproof/pkg/pipeline"
)

// apiClient talks to a running beaconproof server.
type apiClient struct {
	base *url.URL
	http *http.Client
}

// apiError is a non-2xx answer from the server.
type apiError struct {
	Status int
	Body   apperrors.HTTPError
}

func (e *apiError) Error() string {
	if e.Body.Code == "" {
		return fmt.Sprintf("server returned %d", e.Status)
	}
	return fmt.Sprintf("server returned %d %s: %s", e.Status, e.Body.Code, e.Body.Message)
}

func newAPIClient(rawURL string, timeout time.Duration) (*apiClient, error) {
	u, err := url.Parse(strings.TrimRight(strings.TrimSpace(rawURL), "/"))
	if err != nil {
		return nil, fmt.Errorf("parse server url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("server url must be http or https: %q", rawURL)
	}
	return &apiClient{base: u, http: &http.Client{Timeout: timeout}}, nil
}

func (c *apiClient) Submit(ctx context.Context, req pipeline.Request) (jobregistry.JobView, error) {
	var view jobregistry.JobView
	err := c.do(ctx, http.MethodPost, "/api/v1/jobs", req, &view)
	return view, err
}

func (c *apiClient) Job(ctx context.Context, id string) (jobregistry.JobView, error) {
	var view jobregistry.JobView
	err := c.do(ctx, http.MethodGet, "/api/v1/jobs/"+url.PathEscape(id), nil, &view)
	return view, err
}

func (c *apiClient) List(ctx context.Context) (handlers.ListResponse, error) {
	var list handlers.ListResponse
	err := c.do(ctx, http.MethodGet, "/api/v1/jobs", nil, &list)
	return list, err
}

func (c *apiClient) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader = http.NoBody
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(raw)
	}

	u := *c.base
	u.Path = strings.TrimRight(u.Path, "/") + path
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &apiError{Status: resp.StatusCode}
		var envelope apperrors.HTTPErrorResponse
		if json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&envelope) == nil {
			apiErr.Body = envelope.Error
		}
		return apiErr
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
