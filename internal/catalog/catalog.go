// Package catalog searches a STAC API for imagery items covering an AOI.
package catalog

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/astroAycha/geospatial-mlops/internal/series"
)

const (
	defaultPageLimit = 100
	defaultMaxPages  = 50
	defaultTimeout   = 30 * time.Second
	defaultRetries   = 3
)

// Asset is a downloadable file of an item.
type Asset struct {
	Href  string   `json:"href"`
	Type  string   `json:"type,omitempty"`
	Roles []string `json:"roles,omitempty"`
}

// Item is a STAC item reduced to what the pipeline needs.
type Item struct {
	ID         string           `json:"id"`
	Collection string           `json:"collection"`
	BBox       []float64        `json:"bbox"`
	Properties Properties       `json:"properties"`
	Assets     map[string]Asset `json:"assets"`
}

// Properties carries the acquisition time and cloud cover.
type Properties struct {
	Datetime    time.Time `json:"datetime"`
	CloudCover  *float64  `json:"eo:cloud_cover,omitempty"`
	Platform    string    `json:"platform,omitempty"`
	EPSG        *int      `json:"proj:epsg,omitempty"`
	MGRSTile    string    `json:"s2:mgrs_tile,omitempty"`
	ProcVersion string    `json:"processing:version,omitempty"`
}

// SearchRequest selects items by collection, bbox and date range (dates inclusive).
type SearchRequest struct {
	Collections []string
	BBox        series.BBox
	Start       time.Time
	End         time.Time
}

// Searcher is the catalog collaborator used by the pipeline.
type Searcher interface {
	Search(ctx context.Context, req SearchRequest) ([]Item, error)
}

type link struct {
	Rel    string         `json:"rel"`
	Href   string         `json:"href"`
	Method string         `json:"method,omitempty"`
	Body   map[string]any `json:"body,omitempty"`
	Merge  bool           `json:"merge,omitempty"`
}

type itemCollection struct {
	Features []Item `json:"features"`
	Links    []link `json:"links"`
}

// Client is a STAC API client.
type Client struct {
	http      *resty.Client
	baseURL   string
	pageLimit int
	maxPages  int
	signer    *Signer
	logger    *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.http.SetTimeout(d) }
}

// WithRetries sets how many times failed requests (network errors, 429, 5xx) are retried.
func WithRetries(n int) Option {
	return func(c *Client) { c.http.SetRetryCount(n) }
}

// WithPageLimit sets the items requested per page.
func WithPageLimit(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.pageLimit = n
		}
	}
}

// WithSigner signs asset hrefs of returned items.
func WithSigner(s *Signer) Option {
	return func(c *Client) { c.signer = s }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// NewClient creates a STAC client for the API rooted at baseURL.
func NewClient(baseURL string, opts ...Option) *Client {
	hc := resty.New()
	hc.SetTimeout(defaultTimeout)
	hc.SetRetryCount(defaultRetries)
	hc.SetRetryWaitTime(2 * time.Second)
	hc.SetHeader("Accept", "application/geo+json")
	hc.AddRetryCondition(func(r *resty.Response, err error) bool {
		return r != nil && (r.StatusCode() == http.StatusTooManyRequests || r.StatusCode() >= 500)
	})

	c := &Client{
		http:      hc,
		baseURL:   strings.TrimRight(baseURL, "/"),
		pageLimit: defaultPageLimit,
		maxPages:  defaultMaxPages,
		logger:    slog.Default(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Search runs one item search and follows next links until the result set is exhausted.
func (c *Client) Search(ctx context.Context, req SearchRequest) ([]Item, error) {
	if len(req.Collections) == 0 {
		return nil, fmt.Errorf("search without collections: %w", series.ErrInvalidArgument)
	}
	if err := req.BBox.Validate(); err != nil {
		return nil, err
	}
	if req.Start.After(req.End) {
		return nil, fmt.Errorf("search range %s after %s: %w",
			req.Start.Format(time.DateOnly), req.End.Format(time.DateOnly), series.ErrInvalidArgument)
	}

	body := map[string]any{
		"collections": req.Collections,
		"bbox":        req.BBox.Slice(),
		"datetime":    fmt.Sprintf("%s/%s", req.Start.Format(time.DateOnly), req.End.Format(time.DateOnly)),
		"limit":       c.pageLimit,
	}

	var items []Item
	next := &link{Href: c.baseURL + "/search", Method: http.MethodPost, Body: body}
	for page := 1; next != nil; page++ {
		if page > c.maxPages {
			c.logger.Warn("stac search page limit reached", "pages", c.maxPages, "items", len(items))
			break
		}
		ic, err := c.fetch(ctx, next, body)
		if err != nil {
			return nil, err
		}
		items = append(items, ic.Features...)
		next = nextLink(ic.Links)
	}

	if c.signer != nil {
		for i := range items {
			if err := c.signer.Sign(ctx, &items[i]); err != nil {
				return nil, err
			}
		}
	}

	c.logger.Debug("stac search complete",
		"collections", req.Collections,
		"bbox", req.BBox.String(),
		"items", len(items),
	)
	return items, nil
}

func (c *Client) fetch(ctx context.Context, l *link, base map[string]any) (*itemCollection, error) {
	var ic itemCollection
	r := c.http.R().SetContext(ctx).SetResult(&ic)

	var (
		resp *resty.Response
		err  error
	)
	if strings.EqualFold(l.Method, http.MethodPost) {
		body := l.Body
		if l.Merge || body == nil {
			merged := make(map[string]any, len(base)+len(l.Body))
			for k, v := range base {
				merged[k] = v
			}
			for k, v := range l.Body {
				merged[k] = v
			}
			body = merged
		}
		resp, err = r.SetBody(body).Post(l.Href)
	} else {
		resp, err = r.Get(l.Href)
	}
	if err != nil {
		return nil, fmt.Errorf("searching %s: %v: %w", l.Href, err, series.ErrUpstreamUnavailable)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("searching %s: status %d: %s: %w",
			l.Href, resp.StatusCode(), truncate(resp.String(), 200), series.ErrUpstreamUnavailable)
	}
	return &ic, nil
}

func nextLink(links []link) *link {
	for _, l := range links {
		if l.Rel == "next" && l.Href != "" {
			if l.Method == "" {
				l.Method = http.MethodGet
			}
			return &l
		}
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
