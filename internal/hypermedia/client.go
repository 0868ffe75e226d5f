package hypermedia

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// maxEntitySize bounds how much of a response body is decoded.
const maxEntitySize = 4 << 20

// Client fetches Siren entities over HTTP.
type Client struct {
	http    *http.Client
	timeout time.Duration
}

// NewClient creates a client whose every call is bounded by timeout.
func NewClient(timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		http: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        32,
				MaxIdleConnsPerHost: 8,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		timeout: timeout,
	}
}

// StatusError is returned for non-2xx responses.
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("GET %s: HTTP %d", e.URL, e.StatusCode)
}

// Fetch retrieves and decodes the entity at rawURL.
func (c *Client) Fetch(ctx context.Context, rawURL string) (*Entity, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.siren+json, application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxEntitySize))
		return nil, &StatusError{URL: rawURL, StatusCode: resp.StatusCode}
	}

	var e Entity
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxEntitySize)).Decode(&e); err != nil {
		return nil, fmt.Errorf("decode entity from %s: %w", rawURL, err)
	}
	return &e, nil
}

// Follow fetches the entity a link points at, resolving relative hrefs
// against base.
func (c *Client) Follow(ctx context.Context, base string, link Link) (*Entity, error) {
	target, err := resolve(base, link.Href)
	if err != nil {
		return nil, err
	}
	return c.Fetch(ctx, target)
}

func resolve(base, href string) (string, error) {
	ref, err := url.Parse(href)
	if err != nil {
		return "", fmt.Errorf("parse href %q: %w", href, err)
	}
	if ref.IsAbs() || base == "" {
		return ref.String(), nil
	}
	b, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse base %q: %w", base, err)
	}
	return b.ResolveReference(ref).String(), nil
}
