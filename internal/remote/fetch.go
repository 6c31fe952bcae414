package remote

import (
	"context"
	"fmt"
	"net/http"

	"github.com/PuerkitoBio/goquery"

	"coursewatch/internal/track"
	"coursewatch/pkg/logx"
)

// Folder recursion ceiling for file listings. The site has no cycles but
// scraped hrefs are not trusted that far.
const maxFolderDepth = 6

// Fetch loads the full record collection for one resource. A login
// redirect on the first page surfaces as track.ErrUnauthenticated so
// the caller can re-authenticate and retry.
func (c *Client) Fetch(ctx context.Context, sess *track.Session, resourceID string) (track.ResourceSnapshot, error) {
	httpc, err := sessionClient(sess)
	if err != nil {
		return track.ResourceSnapshot{}, err
	}
	base := c.resourceURL(resourceID)

	doc, err := c.getDocNoRedirect(ctx, httpc, base+"/Notlar")
	if err != nil {
		return track.ResourceSnapshot{}, err
	}
	snap := track.ResourceSnapshot{
		Name:   extractCourseName(doc),
		Scores: extractScores(doc),
	}

	if snap.Tasks, err = c.fetchTasks(ctx, httpc, base); err != nil {
		return track.ResourceSnapshot{}, err
	}
	if snap.Bulletins, err = c.fetchBulletins(ctx, httpc, base); err != nil {
		return track.ResourceSnapshot{}, err
	}
	if snap.Attachments, err = c.fetchAttachments(ctx, httpc, base); err != nil {
		return track.ResourceSnapshot{}, err
	}
	return snap, nil
}

// BulletinContent loads one announcement detail page and returns its
// body as a Telegram-safe HTML fragment.
func (c *Client) BulletinContent(ctx context.Context, sess *track.Session, url string) (string, error) {
	httpc, err := sessionClient(sess)
	if err != nil {
		return "", err
	}
	doc, err := c.getDoc(ctx, httpc, url)
	if err != nil {
		return "", err
	}
	return c.extractBulletinContent(doc, url), nil
}

func (c *Client) fetchTasks(ctx context.Context, httpc *http.Client, base string) ([]track.Task, error) {
	page := base + "/Odevler"
	doc, err := c.getDoc(ctx, httpc, page)
	if err != nil {
		return nil, err
	}
	tasks := c.extractTasks(doc, page)

	// List rows sometimes omit the deadline; the detail page is
	// authoritative for dates and submission state.
	for i := range tasks {
		if tasks[i].End != "" && tasks[i].End != "-" {
			continue
		}
		detailDoc, err := c.getDoc(ctx, httpc, tasks[i].URL)
		if err != nil {
			c.log.Warn("task detail fetch failed",
				logx.String("task", tasks[i].ID), logx.Err(err))
			continue
		}
		d := extractTaskDetail(detailDoc)
		if d.Start != "" {
			tasks[i].Start = d.Start
		}
		if d.End != "" {
			tasks[i].End = d.End
		}
		tasks[i].Submitted = d.Submitted
	}
	return tasks, nil
}

func (c *Client) fetchBulletins(ctx context.Context, httpc *http.Client, base string) ([]track.Bulletin, error) {
	page := base + "/Duyurular"
	doc, err := c.getDoc(ctx, httpc, page)
	if err != nil {
		return nil, err
	}
	return c.extractBulletins(doc, page), nil
}

// fetchAttachments walks both file areas, flattening folders into
// slash-joined names.
func (c *Client) fetchAttachments(ctx context.Context, httpc *http.Client, base string) ([]track.Attachment, error) {
	var out []track.Attachment
	for _, area := range []string{"SinifDosyalari", "DersDosyalari"} {
		files, err := c.walkFiles(ctx, httpc, base+"/"+area, "", 0)
		if err != nil {
			return nil, err
		}
		out = append(out, files...)
	}
	return out, nil
}

func (c *Client) walkFiles(ctx context.Context, httpc *http.Client, page, prefix string, depth int) ([]track.Attachment, error) {
	if depth > maxFolderDepth {
		return nil, nil
	}
	doc, err := c.getDoc(ctx, httpc, page)
	if err != nil {
		return nil, err
	}

	var out []track.Attachment
	for _, entry := range c.extractFiles(doc, page) {
		if entry.Folder {
			sub, err := c.walkFiles(ctx, httpc, entry.URL, prefix+entry.Name+"/", depth+1)
			if err != nil {
				return nil, err
			}
			out = append(out, sub...)
			continue
		}
		out = append(out, track.Attachment{
			URL:  entry.URL,
			Name: prefix + entry.Name,
			Date: entry.Date,
		})
	}
	return out, nil
}

func (c *Client) getDoc(ctx context.Context, httpc *http.Client, url string) (*goquery.Document, error) {
	resp, err := c.get(ctx, httpc, url)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s: unexpected status %d", url, resp.StatusCode)
	}
	return goquery.NewDocumentFromReader(resp.Body)
}

// getDocNoRedirect fetches without following redirects; a redirect means
// the session expired.
func (c *Client) getDocNoRedirect(ctx context.Context, httpc *http.Client, url string) (*goquery.Document, error) {
	noRedirect := *httpc
	noRedirect.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}
	resp, err := c.get(ctx, &noRedirect, url)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	switch {
	case resp.StatusCode >= 300 && resp.StatusCode < 400:
		return nil, track.ErrUnauthenticated
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("%s: unexpected status %d", url, resp.StatusCode)
	}
	return goquery.NewDocumentFromReader(resp.Body)
}
