package sdk

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// Option configures the Client.
type Option func(*Client)

// Client provides typed access to the badgekit HTTP API.
type Client struct {
	baseURL    string
	httpClient *http.Client
	headers    http.Header
}

// NewClient constructs a new SDK client targeting the given baseURL (e.g., http://localhost:8080/api).
func NewClient(baseURL string, opts ...Option) (*Client, error) {
	if strings.TrimSpace(baseURL) == "" {
		return nil, errors.New("baseURL is required")
	}
	baseURL = strings.TrimSuffix(baseURL, "/")

	c := &Client{
		baseURL:    baseURL,
		httpClient: http.DefaultClient,
		headers:    make(http.Header),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.httpClient = h
		}
	}
}

// WithAuthToken adds an Authorization: Bearer token header to all requests.
func WithAuthToken(token string) Option {
	return func(c *Client) {
		if strings.TrimSpace(token) != "" {
			c.headers.Set("Authorization", "Bearer "+token)
		}
	}
}

// WithAPIKey adds an X-API-Key header.
func WithAPIKey(key string) Option {
	return func(c *Client) {
		if strings.TrimSpace(key) != "" {
			c.headers.Set("X-API-Key", key)
		}
	}
}

// WithHeader sets an arbitrary header applied to every call.
func WithHeader(k, v string) Option {
	return func(c *Client) {
		if k != "" {
			c.headers.Set(k, v)
		}
	}
}

// RecomputeBadge recomputes one badge for a user. A partial measurement comes
// back as an *APIError whose PartialResult holds the computed state.
func (c *Client) RecomputeBadge(ctx context.Context, userID, badgeID string, p RecomputeParams) (BadgeResult, error) {
	if strings.TrimSpace(userID) == "" {
		return BadgeResult{}, ErrEmptyUserID
	}
	if strings.TrimSpace(badgeID) == "" {
		return BadgeResult{}, ErrEmptyBadgeID
	}
	path := fmt.Sprintf("/users/%s/badges/%s/recompute", url.PathEscape(userID), url.PathEscape(badgeID))
	var res BadgeResult
	if err := c.do(ctx, http.MethodPost, path, p.query(), &res); err != nil {
		return BadgeResult{}, err
	}
	return res, nil
}

// RecomputeAll recomputes every active badge for a user.
func (c *Client) RecomputeAll(ctx context.Context, userID string, p RecomputeParams) (RecomputeSummary, error) {
	if strings.TrimSpace(userID) == "" {
		return RecomputeSummary{}, ErrEmptyUserID
	}
	var sum RecomputeSummary
	if err := c.do(ctx, http.MethodPost, fmt.Sprintf("/users/%s/recompute", url.PathEscape(userID)), p.query(), &sum); err != nil {
		return RecomputeSummary{}, err
	}
	return sum, nil
}

// Summary fetches a user's achievements roll-up.
func (c *Client) Summary(ctx context.Context, userID string) (Summary, error) {
	if strings.TrimSpace(userID) == "" {
		return Summary{}, ErrEmptyUserID
	}
	var sum Summary
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/users/%s/summary", url.PathEscape(userID)), nil, &sum); err != nil {
		return Summary{}, err
	}
	return sum, nil
}

// Health probes /healthz and returns status + storage check.
func (c *Client) Health(ctx context.Context) (HealthStatus, error) {
	var hs HealthStatus
	if err := c.do(ctx, http.MethodGet, "/healthz", nil, &hs); err != nil {
		return HealthStatus{}, err
	}
	return hs, nil
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, target any) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, nil)
	if err != nil {
		return err
	}
	c.applyHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	return decodeJSON(resp, target)
}

func (p RecomputeParams) query() url.Values {
	q := url.Values{}
	if p.Persist != nil {
		q.Set("persist", strconv.FormatBool(*p.Persist))
	}
	if p.Award != nil {
		q.Set("award", strconv.FormatBool(*p.Award))
	}
	return q
}

func (c *Client) applyHeaders(r *http.Request) {
	for k, vals := range c.headers {
		for _, v := range vals {
			r.Header.Add(k, v)
		}
	}
}
