package scraper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/bakape/liveupdate/common"
	"golang.org/x/net/html/charset"
	"golang.org/x/time/rate"
)

const (
	// Only the head of a page is needed for its metadata
	maxPageSize  = 2 << 20
	maxRedirects = 5
	userAgent    = "liveupdate-scraper/1.0"
)

var errTooManyRedirects = errors.New("too many redirects")

// Page metadata used to build a link card
type pagePreview struct {
	Name, Title, Description, Image string
}

// PreviewScraper builds link cards from the page metadata of arbitrary URLs
type PreviewScraper struct {
	Width int

	// Limits the rate of outbound requests. Optional.
	Limiter *rate.Limiter

	client *http.Client

	// Overridable for tests
	fetch func(ctx context.Context, url string) (pagePreview, error)
}

// NewPreviewScraper creates a PreviewScraper producing cards of the
// passed width. Outbound requests are limited to rps per second and each
// page fetch is aborted after timeout, if the caller's context does not
// expire first.
func NewPreviewScraper(width int, rps float64, timeout time.Duration) *PreviewScraper {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	s := &PreviewScraper{
		Width: width,
		client: &http.Client{
			Timeout: timeout,
			CheckRedirect: func(_ *http.Request, via []*http.Request) error {
				if len(via) >= maxRedirects {
					return errTooManyRedirects
				}
				return nil
			},
		},
	}
	if rps > 0 {
		s.Limiter = rate.NewLimiter(rate.Limit(rps), 1)
	}
	return s
}

// Fetch a page and read its metadata. The request is bound to ctx.
func (s *PreviewScraper) fetchPreview(ctx context.Context, url string) (
	p pagePreview, err error,
) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "text/html")

	c := s.client
	if c == nil {
		c = http.DefaultClient
	}
	res, err := c.Do(req)
	if err != nil {
		return
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		err = fmt.Errorf("fetching %s: status %d", url, res.StatusCode)
		return
	}

	r, err := charset.NewReader(io.LimitReader(res.Body, maxPageSize),
		res.Header.Get("Content-Type"))
	if err != nil {
		return
	}
	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return
	}
	p = parsePreview(doc)

	// Thumbnails are often relative to the final page URL
	if p.Image != "" {
		if u, err := res.Request.URL.Parse(p.Image); err == nil {
			p.Image = u.String()
		}
	}
	return
}

// Read OpenGraph and plain HTML metadata, preferring OpenGraph
func parsePreview(doc *goquery.Document) (p pagePreview) {
	meta := func(keys ...string) string {
		for _, k := range keys {
			sel := doc.Find(fmt.Sprintf(
				`meta[property="%s"], meta[name="%s"]`, k, k,
			))
			if v := strings.TrimSpace(sel.First().AttrOr("content", "")); v != "" {
				return v
			}
		}
		return ""
	}

	p.Title = meta("og:title", "twitter:title")
	if p.Title == "" {
		p.Title = strings.TrimSpace(doc.Find("title").First().Text())
	}
	p.Description = meta("og:description", "twitter:description",
		"description")
	p.Image = meta("og:image", "twitter:image")
	p.Name = meta("og:site_name")
	return
}

// Scrape implements Scraper
func (s *PreviewScraper) Scrape(ctx context.Context, url string) (
	*common.MediaObject, error,
) {
	if s.Limiter != nil {
		if err := s.Limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	fetch := s.fetch
	if fetch == nil {
		fetch = s.fetchPreview
	}
	p, err := fetch(ctx, url)
	if err != nil {
		return nil, err
	}
	if p.Title == "" && p.Description == "" {
		return nil, nil
	}

	return &common.MediaObject{
		Type: "embedly-card",
		OEmbed: common.OEmbed{
			Type:         "link",
			URL:          url,
			Width:        s.Width,
			Height:       0,
			HTML:         renderCard(url, p.Title, p.Description, p.Image),
			Title:        p.Title,
			Description:  p.Description,
			ThumbnailURL: p.Image,
			ProviderName: p.Name,
		},
	}, nil
}
