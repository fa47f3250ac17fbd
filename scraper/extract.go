package scraper

import (
	"net/url"
	"strings"
)

// ExtractIsolatedURLs returns absolute http(s) URLs, that are alone on their
// own line of body, in order of appearance
func ExtractIsolatedURLs(body string) []string {
	var urls []string
	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.ContainsAny(line, " \t") {
			continue
		}
		u, err := url.Parse(line)
		if err != nil || u.Host == "" {
			continue
		}
		switch strings.ToLower(u.Scheme) {
		case "http", "https":
			urls = append(urls, line)
		}
	}
	return urls
}
