package live

import (
	"html"
	"strings"
)

// RenderText converts plain text into HTML paragraphs, one per non-empty line
func RenderText(s string) string {
	var w strings.Builder
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		w.WriteString("<p>")
		w.WriteString(html.EscapeString(line))
		w.WriteString("</p>")
	}
	return w.String()
}
