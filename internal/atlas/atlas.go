// Package atlas exposes the MongoDB Atlas admin API to MCP clients as the
// list-clusters tool. Calls are made with the caller's own bearer token.
package atlas

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const (
	DefaultBaseURL = "https://cloud.mongodb.com"

	clustersPath = "/api/atlas/v2/clusters"
	acceptHeader = "application/vnd.atlas.2023-02-01+json"
	tracerName   = "github.com/ggoodman/mcp-resource-server/internal/atlas"
)

// APIError is a non-2xx answer from the Atlas API.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("[%d %s] %s", e.StatusCode, http.StatusText(e.StatusCode), e.Body)
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets the HTTP client used for API calls.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.http = c }
}

// Client calls the Atlas admin API.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient returns a Client for baseURL. An empty baseURL selects
// DefaultBaseURL.
func NewClient(baseURL string, opts ...Option) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	c := &Client{baseURL: strings.TrimRight(baseURL, "/"), http: http.DefaultClient}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ListClusters fetches the clusters visible to token and returns the decoded
// response document.
func (c *Client) ListClusters(ctx context.Context, token string) (any, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "atlas.clusters.list")
	defer span.End()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+clustersPath, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", acceptHeader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		span.SetStatus(codes.Error, "request failed")
		return nil, err
	}
	defer resp.Body.Close()
	span.SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		span.SetStatus(codes.Error, "unexpected status")
		return nil, &APIError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	var doc any
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		span.SetStatus(codes.Error, "decode failed")
		return nil, fmt.Errorf("decode clusters response: %w", err)
	}
	return doc, nil
}

// IsAPIError reports whether err carries an Atlas API error response.
func IsAPIError(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr)
}
