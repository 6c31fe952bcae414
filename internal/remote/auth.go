package remote

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"coursewatch/internal/track"
	"coursewatch/pkg/logx"
)

const (
	loginPath = "/Login.aspx"
	homePath  = "/Kampus"
)

// ASP.NET round-trip state carried into the login POST.
var hiddenFields = []string{"__VIEWSTATE", "__VIEWSTATEGENERATOR", "__EVENTVALIDATION"}

const (
	fieldUsername = "ctl00$ContentPlaceHolder1$tbUserName"
	fieldPassword = "ctl00$ContentPlaceHolder1$tbPassword"
	fieldSubmit   = "ctl00$ContentPlaceHolder1$btnLogin"
)

// Login performs the ASP.NET form login and returns a session with its
// own cookie jar. Rejected credentials surface as track.ErrAuthFailed;
// everything else is a transport error worth retrying.
func (c *Client) Login(ctx context.Context, tenantID, username, secret string) (*track.Session, error) {
	if username == "" || secret == "" {
		return nil, fmt.Errorf("empty credentials: %w", track.ErrAuthFailed)
	}

	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}
	httpc := &http.Client{Jar: jar, Timeout: c.timeout}

	resp, err := c.get(ctx, httpc, c.pageURL(loginPath))
	if err != nil {
		return nil, fmt.Errorf("login page: %w", err)
	}
	doc, err := goquery.NewDocumentFromReader(resp.Body)
	// The POST goes back to wherever the GET landed after redirects.
	postURL := resp.Request.URL.String()
	_ = resp.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("login page parse: %w", err)
	}

	form := url.Values{}
	for _, name := range hiddenFields {
		if v, ok := doc.Find(`input[name='` + name + `']`).Attr("value"); ok {
			form.Set(name, v)
		}
	}
	form.Set(fieldUsername, username)
	form.Set(fieldPassword, secret)
	form.Set(fieldSubmit, "Giriş")

	resp, err = c.postForm(ctx, httpc, postURL, form)
	if err != nil {
		return nil, fmt.Errorf("login post: %w", err)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	finalURL := resp.Request.URL.String()
	_ = resp.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("login response: %w", err)
	}

	// The site answers a bad login with an error banner on the login
	// page instead of an HTTP status.
	if strings.Contains(string(body), "Hatalı") || strings.Contains(finalURL, "Login.aspx") {
		return nil, track.ErrAuthFailed
	}

	c.log.Debug("login succeeded", logx.String("tenant", tenantID))
	return &track.Session{TenantID: tenantID, HTTP: httpc, CreatedAt: time.Now()}, nil
}

// Alive probes whether a cached session is still accepted without
// following the login redirect.
func (c *Client) Alive(ctx context.Context, sess *track.Session) bool {
	httpc, err := sessionClient(sess)
	if err != nil {
		return false
	}
	noRedirect := *httpc
	noRedirect.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}
	resp, err := c.get(ctx, &noRedirect, c.pageURL(homePath))
	if err != nil {
		return false
	}
	drainClose(resp)
	return resp.StatusCode == http.StatusOK
}
