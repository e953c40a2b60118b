package recordstore

import (
	"context"
	"regexp"
	"strings"

	"golang.org/x/net/html"
)

// HTMLText converts HTML bodies to plain text with golang.org/x/net/html.
type HTMLText struct{}

var blockElements = map[string]bool{
	"p": true, "div": true, "br": true, "li": true, "tr": true, "table": true,
	"h1": true, "h2": true, "h3": true, "h4": true, "h5": true, "h6": true,
	"blockquote": true, "pre": true, "hr": true, "ul": true, "ol": true,
}

func (HTMLText) ConvertToPlainText(ctx context.Context, doc string) (string, error) {
	z := html.NewTokenizer(strings.NewReader(doc))
	var b strings.Builder
	skip := 0
	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		switch z.Next() {
		case html.ErrorToken:
			return tidyText(b.String()), nil
		case html.StartTagToken, html.SelfClosingTagToken:
			name, _ := z.TagName()
			tag := string(name)
			if tag == "script" || tag == "style" || tag == "head" {
				skip++
			}
			if blockElements[tag] {
				b.WriteByte('\n')
			}
		case html.EndTagToken:
			name, _ := z.TagName()
			tag := string(name)
			if (tag == "script" || tag == "style" || tag == "head") && skip > 0 {
				skip--
			}
			if blockElements[tag] {
				b.WriteByte('\n')
			}
		case html.TextToken:
			if skip == 0 {
				b.Write(z.Text())
			}
		}
	}
}

var (
	spaceRun   = regexp.MustCompile(`[ \t\f\r]+`)
	newlineRun = regexp.MustCompile(`\n{3,}`)
	tagPattern = regexp.MustCompile(`<[^>]*>`)
)

func tidyText(s string) string {
	lines := strings.Split(spaceRun.ReplaceAllString(s, " "), "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSpace(line)
	}
	return strings.TrimSpace(newlineRun.ReplaceAllString(strings.Join(lines, "\n"), "\n\n"))
}

// StripTags is the crude fallback used when no converter is available.
func StripTags(doc string) string {
	return tidyText(html.UnescapeString(tagPattern.ReplaceAllString(doc, " ")))
}
