// Package checkmk is a small client for the REST API of a monitoring site.
package checkmk

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/containerd/errdefs"
	"github.com/hashicorp/go-retryablehttp"

	"relayctl/internal/relay"
)

const (
	DefaultTimeout = 30 * time.Second
	maxBodyBytes   = 4 << 20
)

// Relay is a relay registered on the site.
type Relay struct {
	ID    string
	Alias string
}

// APIError is a non-success response from the site.
type APIError struct {
	Method string
	Path   string
	Status int
	Body   string
}

func (e *APIError) Error() string {
	msg := fmt.Sprintf("%s %s: %d %s", e.Method, e.Path, e.Status, http.StatusText(e.Status))
	if e.Body != "" {
		msg += ": " + e.Body
	}
	return msg
}

func (e *APIError) Unwrap() error {
	switch e.Status {
	case http.StatusNotFound:
		return errdefs.ErrNotFound
	case http.StatusConflict, http.StatusPreconditionFailed:
		return errdefs.ErrConflict
	case http.StatusUnauthorized, http.StatusForbidden:
		return errdefs.ErrPermissionDenied
	case http.StatusServiceUnavailable, http.StatusBadGateway, http.StatusGatewayTimeout:
		return errdefs.ErrUnavailable
	default:
		return nil
	}
}

type Client struct {
	http *retryablehttp.Client
	log  *slog.Logger
}

type Option func(*Client)

// WithHTTPClient replaces the transport client, e.g. for tests.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http.HTTPClient = h }
}

func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.http.HTTPClient.Timeout = d
		}
	}
}

// WithRetry sets how often and how long failed requests are retried.
func WithRetry(max int, waitMin, waitMax time.Duration) Option {
	return func(c *Client) {
		c.http.RetryMax = max
		c.http.RetryWaitMin = waitMin
		c.http.RetryWaitMax = waitMax
	}
}

func New(opts ...Option) *Client {
	log := slog.With("component", "checkmk-api")
	rc := retryablehttp.NewClient()
	rc.RetryMax = 2
	rc.RetryWaitMin = 250 * time.Millisecond
	rc.RetryWaitMax = 2 * time.Second
	rc.HTTPClient.Timeout = DefaultTimeout
	rc.Logger = log
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler

	c := &Client{http: rc, log: log}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Version returns the product version reported by the site, e.g. "2.5.0p1.cee".
func (c *Client) Version(ctx context.Context, site relay.Site) (string, error) {
	var body struct {
		Versions struct {
			Checkmk string `json:"checkmk"`
		} `json:"versions"`
	}
	if _, err := c.do(ctx, site, http.MethodGet, "/version", nil, &body); err != nil {
		return "", fmt.Errorf("get site version: %w", err)
	}
	if body.Versions.Checkmk == "" {
		return "", fmt.Errorf("get site version: response has no checkmk version")
	}
	return body.Versions.Checkmk, nil
}

// Hosts lists the names of all hosts configured on the site.
func (c *Client) Hosts(ctx context.Context, site relay.Site) ([]string, error) {
	var body struct {
		Value []struct {
			Title string `json:"title"`
			ID    string `json:"id"`
		} `json:"value"`
	}
	if _, err := c.do(ctx, site, http.MethodGet, "/domain-types/host_config/collections/all", nil, &body); err != nil {
		return nil, fmt.Errorf("list hosts: %w", err)
	}
	out := make([]string, 0, len(body.Value))
	for _, h := range body.Value {
		name := h.Title
		if name == "" {
			name = h.ID
		}
		if name != "" {
			out = append(out, name)
		}
	}
	return out, nil
}

// Relays lists the relays registered on the site.
func (c *Client) Relays(ctx context.Context, site relay.Site) ([]Relay, error) {
	var body struct {
		Value []struct {
			ID         string `json:"id"`
			Title      string `json:"title"`
			Extensions struct {
				Alias string `json:"alias"`
			} `json:"extensions"`
		} `json:"value"`
	}
	if _, err := c.do(ctx, site, http.MethodGet, "/domain-types/relay/collections/all", nil, &body); err != nil {
		return nil, fmt.Errorf("list relays: %w", err)
	}
	out := make([]Relay, 0, len(body.Value))
	for _, r := range body.Value {
		alias := r.Extensions.Alias
		if alias == "" {
			alias = r.Title
		}
		out = append(out, Relay{ID: r.ID, Alias: alias})
	}
	return out, nil
}

// DeleteRelay deletes a relay. The API requires the object's current ETag.
func (c *Client) DeleteRelay(ctx context.Context, site relay.Site, id string) error {
	path := "/objects/relay/" + url.PathEscape(id)
	hdr, err := c.do(ctx, site, http.MethodGet, path, nil, nil)
	if err != nil {
		return fmt.Errorf("get relay %q: %w", id, err)
	}
	etag := hdr.Get("ETag")
	if etag == "" {
		return fmt.Errorf("get relay %q: response has no ETag", id)
	}
	if _, err := c.do(ctx, site, http.MethodDelete, path, http.Header{"If-Match": {etag}}, nil); err != nil {
		return fmt.Errorf("delete relay %q: %w", id, err)
	}
	return nil
}

// DeregisterAlias deletes every relay registered under alias and returns how
// many were deleted.
func (c *Client) DeregisterAlias(ctx context.Context, site relay.Site, alias string) (int, error) {
	relays, err := c.Relays(ctx, site)
	if err != nil {
		return 0, err
	}
	deleted := 0
	for _, r := range relays {
		if r.Alias != alias {
			continue
		}
		if err := c.DeleteRelay(ctx, site, r.ID); err != nil {
			if errdefs.IsNotFound(err) {
				continue
			}
			return deleted, err
		}
		c.log.Debug("relay deregistered", "site", site.Name, "alias", alias, "id", r.ID)
		deleted++
	}
	return deleted, nil
}

func (c *Client) do(ctx context.Context, site relay.Site, method, path string, hdr http.Header, out any) (http.Header, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, method, site.APIURL()+path, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+site.Username+" "+site.Password)
	req.Header.Set("Accept", "application/json")
	for k, vs := range hdr {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errdefs.ErrUnavailable, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &APIError{Method: method, Path: path, Status: resp.StatusCode, Body: errorDetail(data)}
	}
	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return nil, fmt.Errorf("decode %s response: %w", path, err)
		}
	}
	return resp.Header, nil
}

// errorDetail extracts the title/detail fields of a problem response.
func errorDetail(data []byte) string {
	var problem struct {
		Title  string `json:"title"`
		Detail string `json:"detail"`
	}
	if json.Unmarshal(data, &problem) == nil && (problem.Title != "" || problem.Detail != "") {
		return strings.TrimSpace(strings.Join([]string{problem.Title, problem.Detail}, " "))
	}
	s := strings.TrimSpace(string(data))
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}
