package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/ggoodman/mcp-resource-server/internal/wellknown"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/singleflight"
)

const (
	tracerName       = "github.com/ggoodman/mcp-resource-server/auth"
	maxMetadataBytes = 1 << 20
)

// MetadataOption configures a MetadataCache.
type MetadataOption func(*metadataConfig)

type metadataConfig struct {
	client       *http.Client
	logger       *slog.Logger
	registerer   prometheus.Registerer
	fetchTimeout time.Duration
}

// WithHTTPClient sets the client used for discovery requests.
func WithHTTPClient(c *http.Client) MetadataOption {
	return func(cfg *metadataConfig) { cfg.client = c }
}

// WithMetadataLogger sets the logger. If not provided, slog.Default is used.
func WithMetadataLogger(l *slog.Logger) MetadataOption {
	return func(cfg *metadataConfig) { cfg.logger = l }
}

// WithRegisterer registers the cache's fetch counters on r.
func WithRegisterer(r prometheus.Registerer) MetadataOption {
	return func(cfg *metadataConfig) { cfg.registerer = r }
}

// WithFetchTimeout bounds a single discovery fetch. Defaults to 10s.
func WithFetchTimeout(d time.Duration) MetadataOption {
	return func(cfg *metadataConfig) { cfg.fetchTimeout = d }
}

// MetadataCache lazily fetches and memoizes the authorization server
// metadata document. The zero value is not usable; use NewMetadataCache.
type MetadataCache struct {
	url          string
	client       *http.Client
	log          *slog.Logger
	fetchTimeout time.Duration

	group singleflight.Group
	doc   atomic.Pointer[metadataDoc]

	fetches  prometheus.Counter
	failures prometheus.Counter
}

type metadataDoc struct {
	meta wellknown.AuthServerMetadata
	raw  json.RawMessage
}

// NewMetadataCache prepares a cache for the discovery document located under
// baseURL. No request is made until the first Get.
func NewMetadataCache(baseURL string, opts ...MetadataOption) (*MetadataCache, error) {
	u, err := wellknown.MergeURL(baseURL, wellknown.AuthServerMetadataPath)
	if err != nil {
		return nil, fmt.Errorf("invalid authorization server URL: %w", err)
	}

	cfg := metadataConfig{client: http.DefaultClient, logger: slog.Default(), fetchTimeout: 10 * time.Second}
	for _, opt := range opts {
		opt(&cfg)
	}

	factory := promauto.With(cfg.registerer)
	return &MetadataCache{
		url:          u,
		client:       cfg.client,
		log:          cfg.logger,
		fetchTimeout: cfg.fetchTimeout,
		fetches: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "mcp",
			Subsystem: "authmeta",
			Name:      "fetches_total",
			Help:      "Authorization server metadata fetch attempts.",
		}),
		failures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "mcp",
			Subsystem: "authmeta",
			Name:      "fetch_failures_total",
			Help:      "Authorization server metadata fetches that failed.",
		}),
	}, nil
}

// URL returns the resolved discovery document URL.
func (c *MetadataCache) URL() string { return c.url }

// Get returns the metadata document, fetching it if this is the first
// successful call. Errors wrap ErrDiscoveryFetch unless ctx ended first.
func (c *MetadataCache) Get(ctx context.Context) (*wellknown.AuthServerMetadata, error) {
	d, err := c.load(ctx)
	if err != nil {
		return nil, err
	}
	m := d.meta
	return &m, nil
}

// Raw returns the document exactly as the identity provider served it.
func (c *MetadataCache) Raw(ctx context.Context) (json.RawMessage, error) {
	d, err := c.load(ctx)
	if err != nil {
		return nil, err
	}
	return d.raw, nil
}

func (c *MetadataCache) load(ctx context.Context) (*metadataDoc, error) {
	if d := c.doc.Load(); d != nil {
		return d, nil
	}

	ch := c.group.DoChan("metadata", func() (any, error) {
		if d := c.doc.Load(); d != nil {
			return d, nil
		}
		// Detached from the first caller so that its cancellation does not
		// fail everybody else waiting on the same fetch.
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.fetchTimeout)
		defer cancel()

		d, err := c.fetch(fetchCtx)
		if err != nil {
			return nil, err
		}
		c.doc.Store(d)
		return d, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*metadataDoc), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *MetadataCache) fetch(ctx context.Context) (_ *metadataDoc, err error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "authmeta.fetch")
	span.SetAttributes(attribute.String("url.full", c.url))
	start := time.Now()
	c.fetches.Inc()
	defer func() {
		if err != nil {
			c.failures.Inc()
			span.RecordError(err)
			span.SetStatus(codes.Error, "fetch failed")
			c.log.ErrorContext(ctx, "authmeta.fetch.fail", slog.String("url", c.url), slog.String("err", err.Error()))
		} else {
			c.log.InfoContext(ctx, "authmeta.fetch.ok", slog.String("url", c.url), slog.Int64("dur_ms", time.Since(start).Milliseconds()))
		}
		span.End()
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDiscoveryFetch, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDiscoveryFetch, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxMetadataBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %v", ErrDiscoveryFetch, err)
	}
	span.SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: [%d %s] %s", ErrDiscoveryFetch, resp.StatusCode, http.StatusText(resp.StatusCode), strings.TrimSpace(string(body)))
	}

	var meta wellknown.AuthServerMetadata
	if err := json.Unmarshal(body, &meta); err != nil {
		return nil, fmt.Errorf("%w: invalid document: %v", ErrDiscoveryFetch, err)
	}
	if meta.Issuer == "" {
		return nil, fmt.Errorf("%w: document has no issuer", ErrDiscoveryFetch)
	}

	return &metadataDoc{meta: meta, raw: json.RawMessage(body)}, nil
}
