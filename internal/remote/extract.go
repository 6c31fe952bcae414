package remote

import (
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"coursewatch/internal/track"
)

// Score detail values ride in an inline tooltip script next to each
// grade label. The keys written into ScoreEntry.Stats are the ones the
// performance predictor reads.
var (
	reScoreWeight = regexp.MustCompile(`Not Yüzdesi\s*</strong>\s*<span>%?([\d,.]+)</span>`)
	reScoreMean   = regexp.MustCompile(`Ortalama\s*</strong>\s*<span>([\d,.]+)</span>`)
	reScoreStdDev = regexp.MustCompile(`Standart Sapma\s*</strong>\s*<span>([\d,.]+)</span>`)
	reScoreCount  = regexp.MustCompile(`Öğrenci Sayısı\s*</strong>\s*<span>(\d+)</span>`)
	reScoreRank   = regexp.MustCompile(`Sıralamanız\s*</strong>\s*<span>(\d+)</span>`)

	reTaskStart = regexp.MustCompile(`(?i)Teslim\s*Başlangıcı\s*:\s*(\d{1,2}\s+\S+\s+\d{4}\s+\d{2}:\d{2})`)
	reTaskEnd   = regexp.MustCompile(`(?i)Teslim\s*Bitişi\s*:\s*(\d{1,2}\s+\S+\s+\d{4}\s+\d{2}:\d{2})`)
	// "<strong class="uyari">N</strong> adedini sisteme yüklediniz"
	reTaskUploaded = regexp.MustCompile(`(?i)<strong[^>]*class=["']uyari["'][^>]*>(\d+)</strong>\s*adedini\s*sisteme\s*yüklediniz`)

	reScoreRowID = regexp.MustCompile(`^eas\d+`)
)

// Summary rows mixed into the grade table that are not real grades.
var scoreSkipKeywords = []string{"ağırlıklı ortalamanız", "weighted average"}

// extractCourseName pulls the course title from the breadcrumb, falling
// back to the page heading.
func extractCourseName(doc *goquery.Document) string {
	name := ""
	doc.Find("div.yol a").EachWithBreak(func(_ int, a *goquery.Selection) bool {
		href := a.AttrOr("href", "")
		if strings.Contains(href, "/Sinif/") && !strings.Contains(href, "Notlar") {
			name = strings.TrimSpace(a.Text())
			return false
		}
		return true
	})
	if name == "" {
		name = strings.TrimSpace(doc.Find("h1").First().Text())
	}
	return name
}

// extractScores reads the grade tables. Each row is label, value, and an
// optional tooltip script with weight and class statistics.
func extractScores(doc *goquery.Document) map[string]track.ScoreEntry {
	scores := map[string]track.ScoreEntry{}
	doc.Find("table.data").Each(func(_ int, table *goquery.Selection) {
		if table.Find("th").Length() == 0 {
			return
		}
		table.Find("tr").Each(func(_ int, row *goquery.Selection) {
			cols := row.Find("td")
			if cols.Length() < 2 {
				return
			}
			nameCol := cols.Eq(0)
			label := ""
			nameCol.Find("span").EachWithBreak(func(_ int, s *goquery.Selection) bool {
				if reScoreRowID.MatchString(s.AttrOr("id", "")) {
					label = strings.TrimSpace(s.Text())
					return false
				}
				return true
			})
			if label == "" {
				label = strings.TrimSpace(nameCol.Text())
			}
			value := strings.TrimSpace(cols.Eq(1).Text())
			if label == "" || value == "" {
				return
			}
			low := strings.ToLower(label)
			for _, kw := range scoreSkipKeywords {
				if strings.Contains(low, kw) {
					return
				}
			}

			entry := track.ScoreEntry{Value: value}
			if script := nameCol.Find("script").Text(); script != "" {
				if m := reScoreWeight.FindStringSubmatch(script); m != nil {
					entry.Weight = strings.ReplaceAll(m[1], ",", ".")
				}
				stats := map[string]string{}
				if m := reScoreMean.FindStringSubmatch(script); m != nil {
					stats["Ortalama"] = m[1]
				}
				if m := reScoreStdDev.FindStringSubmatch(script); m != nil {
					stats["Std. Sapma"] = m[1]
				}
				if m := reScoreCount.FindStringSubmatch(script); m != nil {
					stats["Öğrenci Sayısı"] = m[1]
				}
				if m := reScoreRank.FindStringSubmatch(script); m != nil {
					stats["Sıralamanız"] = m[1]
				}
				if len(stats) > 0 {
					entry.Stats = stats
				}
			}
			scores[label] = entry
		})
	})
	return scores
}

// extractBulletins reads the announcement list. Content stays empty; the
// full body comes from the detail page only when a bulletin is new or
// changed.
func (c *Client) extractBulletins(doc *goquery.Document, page string) []track.Bulletin {
	var out []track.Bulletin
	doc.Find("div.duyuruGoruntule").Each(func(_ int, div *goquery.Selection) {
		a := div.Find("h2 a").First()
		if a.Length() == 0 {
			return
		}
		href := a.AttrOr("href", "")
		b := track.Bulletin{
			ID:    lastPathSegment(href),
			Title: strings.TrimSpace(a.Text()),
			URL:   c.absURL(page, href),
		}
		if b.ID == "" {
			return
		}
		dates := div.Find("div.tarih span.tarih")
		if dates.Length() >= 1 {
			b.Date = strings.TrimSpace(dates.First().Text())
		}
		if dates.Length() >= 2 {
			b.Author = strings.TrimSpace(dates.Last().Text())
		}
		out = append(out, b)
	})
	return out
}

// extractBulletinContent renders the detail page body as a Telegram-safe
// HTML fragment.
func (c *Client) extractBulletinContent(doc *goquery.Document, page string) string {
	content := doc.Find("div.duyuruGoruntule div.icerik").First()
	if content.Length() == 0 {
		// Older page layout.
		legacy := doc.Find("div#ctl00_ContentPlaceHolder1_divIcerik").First()
		if legacy.Length() == 0 {
			return ""
		}
		legacy.Find("script, style").Remove()
		return strings.TrimSpace(legacy.Text())
	}

	content.Find("script, style").Remove()
	content.Find("a[href]").Each(func(_ int, a *goquery.Selection) {
		a.SetAttr("href", c.absURL(page, a.AttrOr("href", "")))
	})

	html, err := content.Html()
	if err != nil {
		return strings.TrimSpace(content.Text())
	}
	html = strings.NewReplacer(
		"<strong>", "<b>", "</strong>", "</b>",
		"<em>", "<i>", "</em>", "</i>",
	).Replace(html)
	return strings.TrimSpace(html)
}

// extractTasks reads the assignment list table. Dates and submission
// state are scraped from the row text; rows missing a deadline are
// completed from the detail page by the caller.
func (c *Client) extractTasks(doc *goquery.Document, page string) []track.Task {
	table := doc.Find(`table[id*='gvOdevListesi']`).First()
	if table.Length() == 0 {
		table = doc.Find("table.data").First()
	}
	if table.Length() == 0 {
		return nil
	}

	var out []track.Task
	table.Find("tr").Each(func(_ int, row *goquery.Selection) {
		if row.Find("th").Length() > 0 {
			return
		}
		cell := row.Find("td").First()
		if cell.Length() == 0 {
			return
		}

		var name, href string
		if a := cell.Find("h2 a[href*='/Odev/']").First(); a.Length() > 0 {
			name = strings.TrimSpace(a.Text())
			href = a.AttrOr("href", "")
		} else {
			cell.Find("a[href*='/Odev/']").EachWithBreak(func(_ int, a *goquery.Selection) bool {
				h := a.AttrOr("href", "")
				if strings.Contains(h, "/OdevGonder") {
					return true
				}
				name = strings.TrimSpace(a.Text())
				href = h
				return false
			})
		}
		id := lastPathSegment(href)
		if id == "" {
			return
		}

		task := track.Task{
			ID:   id,
			Name: name,
			URL:  c.absURL(page, href),
		}
		if task.Name == "" {
			task.Name = "Ödev " + id
		}

		text := strings.TrimSpace(cell.Text())
		if m := reTaskStart.FindStringSubmatch(text); m != nil {
			task.Start = m[1]
		}
		if m := reTaskEnd.FindStringSubmatch(text); m != nil {
			task.End = m[1]
		}

		cellHTML, _ := goquery.OuterHtml(cell)
		if m := reTaskUploaded.FindStringSubmatch(cellHTML); m != nil {
			task.Submitted = m[1] != "0"
		} else if strings.Contains(strings.ToLower(text), "teslim edildi") ||
			strings.Contains(strings.ToLower(text), "gönderildi") {
			task.Submitted = true
		}

		out = append(out, task)
	})
	return out
}

// taskDetail is the subset of the assignment detail page we care about.
type taskDetail struct {
	Start     string
	End       string
	Submitted bool
}

func extractTaskDetail(doc *goquery.Document) taskDetail {
	var d taskDetail
	doc.Find("span.title_field").Each(func(_ int, title *goquery.Selection) {
		label := strings.ToLower(strings.TrimSpace(title.Text()))
		data := title.NextFiltered("span.data_field")
		if data.Length() == 0 {
			data = title.NextAllFiltered("span.data_field").First()
		}
		if data.Length() == 0 {
			return
		}
		value := strings.TrimSpace(data.Text())
		switch {
		case strings.Contains(label, "başlangıç"), strings.Contains(label, "start"):
			d.Start = value
		case strings.Contains(label, "bitiş"), strings.Contains(label, "end"), strings.Contains(label, "due"):
			d.End = value
		}
	})

	pageHTML, _ := doc.Html()
	pageText := strings.ToLower(doc.Text())
	submitted := strings.Contains(pageHTML, "lbOdevDosyalar") ||
		strings.Contains(pageText, "yüklediğiniz ödev") ||
		strings.Contains(pageText, "teslim edildi") ||
		strings.Contains(pageText, "gönderildi")
	notSubmitted := strings.Contains(pageHTML, "OdevGonder") ||
		strings.Contains(pageText, "ödevi yükle")
	d.Submitted = submitted && !notSubmitted
	return d
}

// fileEntry is one row of a file listing page. Folders are descended
// into by the caller.
type fileEntry struct {
	Name   string
	URL    string
	Date   string
	Size   string
	Folder bool
}

func (c *Client) extractFiles(doc *goquery.Document, page string) []fileEntry {
	table := doc.Find("table.data").First()
	if table.Length() == 0 {
		return nil
	}

	var out []fileEntry
	table.Find("tr").Each(func(_ int, row *goquery.Selection) {
		if row.Find("th").Length() > 0 {
			return
		}
		cols := row.Find("td")
		if cols.Length() < 3 {
			return
		}
		first := cols.Eq(0)
		a := first.Find("a").First()
		if a.Length() == 0 {
			return
		}
		out = append(out, fileEntry{
			Name:   strings.TrimSpace(a.Text()),
			URL:    c.absURL(page, a.AttrOr("href", "")),
			Size:   strings.TrimSpace(cols.Eq(1).Text()),
			Date:   strings.TrimSpace(cols.Eq(2).Text()),
			Folder: strings.Contains(strings.ToLower(first.Find("img").AttrOr("src", "")), "folder.png"),
		})
	})
	return out
}

func lastPathSegment(href string) string {
	if href == "" {
		return ""
	}
	href, _, _ = strings.Cut(href, "?")
	parts := strings.Split(strings.TrimRight(href, "/"), "/")
	return parts[len(parts)-1]
}
