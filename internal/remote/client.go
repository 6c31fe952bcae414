// Package remote talks to the tracked LMS site: form login, page
// fetching, and HTML extraction into snapshot records.
package remote

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"coursewatch/internal/track"
	"coursewatch/pkg/logx"
)

type Config struct {
	BaseURL   string
	Timeout   time.Duration
	UserAgent string
}

// Client implements track.Authenticator and track.ResourceFetcher
// against one site. The per-tenant state (cookie jar) lives in the
// session, not here; Client itself is stateless and safe for concurrent
// use.
type Client struct {
	base      *url.URL
	timeout   time.Duration
	userAgent string
	log       logx.Logger
}

func NewClient(cfg Config, log logx.Logger) (*Client, error) {
	u, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("remote base url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("remote base url %q must be absolute", cfg.BaseURL)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "coursewatch/1.0"
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Client{
		base:      u,
		timeout:   cfg.Timeout,
		userAgent: cfg.UserAgent,
		log:       log.With(logx.String("comp", "remote")),
	}, nil
}

// pageURL resolves a site-relative path against the base URL.
func (c *Client) pageURL(path string) string {
	u := *c.base
	u.Path = strings.TrimRight(u.Path, "/") + path
	return u.String()
}

func (c *Client) resourceURL(resourceID string) string {
	return c.pageURL("/Sinif/" + resourceID)
}

// absURL turns scraped hrefs into absolute URLs. Site-absolute paths get
// the base host; bare query strings re-target the page they came from.
func (c *Client) absURL(page, href string) string {
	switch {
	case href == "":
		return ""
	case strings.HasPrefix(href, "/"):
		u := *c.base
		u.Path = ""
		return u.String() + href
	case strings.HasPrefix(href, "?"):
		base, _, _ := strings.Cut(page, "?")
		return base + href
	default:
		return href
	}
}

func (c *Client) get(ctx context.Context, httpc *http.Client, rawURL string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", c.userAgent)
	return httpc.Do(req)
}

func (c *Client) postForm(ctx context.Context, httpc *http.Client, rawURL string, form url.Values) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rawURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return httpc.Do(req)
}

func drainClose(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))
	_ = resp.Body.Close()
}

func sessionClient(sess *track.Session) (*http.Client, error) {
	if sess == nil || sess.HTTP == nil {
		return nil, track.ErrUnauthenticated
	}
	return sess.HTTP, nil
}
