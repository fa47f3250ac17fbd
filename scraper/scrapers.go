package scraper

import (
	"context"
	"fmt"
	"html"
	"net/url"
	"strings"

	"github.com/bakape/liveupdate/common"
)

// Scraper resolves an URL into a media object. A nil object and error mean
// the URL is not embeddable by this scraper.
type Scraper interface {
	Scrape(ctx context.Context, url string) (*common.MediaObject, error)
}

// Chain tries each scraper in order and returns the first resolved object
type Chain []Scraper

// Scrape implements Scraper
func (c Chain) Scrape(ctx context.Context, url string) (
	*common.MediaObject, error,
) {
	for _, s := range c {
		obj, err := s.Scrape(ctx, url)
		if err != nil || obj != nil {
			return obj, err
		}
	}
	return nil, nil
}

// Dimensions of embedded live thread iframes
const (
	liveEmbedWidth  = 710
	liveEmbedHeight = 500
)

// LiveThreadScraper embeds links to live threads on this site as iframes
type LiveThreadScraper struct {
	// Domain of the site
	Domain string
}

// Scrape implements Scraper
func (s LiveThreadScraper) Scrape(_ context.Context, raw string) (
	*common.MediaObject, error,
) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, nil
	}
	host := strings.TrimPrefix(strings.ToLower(u.Host), "www.")
	if host != strings.ToLower(s.Domain) {
		return nil, nil
	}
	parts := strings.Split(u.Path, "/")
	if len(parts) < 3 || parts[1] != "live" || parts[2] == "" {
		return nil, nil
	}
	thread := parts[2]

	return &common.MediaObject{
		Type: "liveupdate",
		OEmbed: common.OEmbed{
			Type:   "rich",
			URL:    raw,
			Width:  liveEmbedWidth,
			Height: liveEmbedHeight,
			HTML: fmt.Sprintf(
				`<iframe src="//%s/live/%s/embed" width="%d" height="%d"></iframe>`,
				s.Domain, url.PathEscape(thread), liveEmbedWidth, liveEmbedHeight,
			),
			ProviderName: s.Domain,
		},
	}, nil
}

// Render a minimal link card
func renderCard(link, title, description, thumb string) string {
	var w strings.Builder
	w.WriteString(`<blockquote class="embedly-card"><h4><a href="`)
	w.WriteString(html.EscapeString(link))
	w.WriteString(`">`)
	w.WriteString(html.EscapeString(title))
	w.WriteString(`</a></h4>`)
	if thumb != "" {
		w.WriteString(`<img src="`)
		w.WriteString(html.EscapeString(thumb))
		w.WriteString(`">`)
	}
	if description != "" {
		w.WriteString(`<p>`)
		w.WriteString(html.EscapeString(description))
		w.WriteString(`</p>`)
	}
	w.WriteString(`</blockquote>`)
	return w.String()
}
