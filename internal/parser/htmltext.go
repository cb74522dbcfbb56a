package parser

import (
	"strings"
	"unicode"

	"golang.org/x/net/html"

	"github.com/shineum/mailtree/internal/render"
)

var blockTags = func() map[string]bool {
	m := make(map[string]bool)
	for _, t := range render.DefaultBlockTags() {
		m[t] = true
	}
	for _, t := range []string{"h1", "h2", "h3", "h4", "h5", "h6", "tr", "table", "ul", "ol"} {
		m[t] = true
	}
	return m
}()

// skippedTags have contents that never belong in a text body.
var skippedTags = map[string]bool{"script": true, "style": true, "head": true, "title": true}

// HTMLToText derives a plain-text body from HTML using the same conventions
// the renderer uses for outgoing mail: block elements end a line and links
// are followed by their target in parentheses. Runs of whitespace collapse
// to one space.
func HTMLToText(src string) string {
	w := &textWriter{}
	z := html.NewTokenizer(strings.NewReader(src))

	var (
		skip  int
		hrefs []string
	)

	for {
		switch z.Next() {
		case html.ErrorToken:
			return strings.TrimSpace(w.b.String())

		case html.TextToken:
			if skip == 0 {
				w.text(string(z.Text()))
			}

		case html.StartTagToken, html.SelfClosingTagToken:
			tok := z.Token()
			switch {
			case skippedTags[tok.Data]:
				if tok.Type == html.StartTagToken {
					skip++
				}
			case tok.Data == "a" && tok.Type == html.StartTagToken:
				href := ""
				for _, a := range tok.Attr {
					if a.Key == "href" {
						href = a.Val
					}
				}
				hrefs = append(hrefs, href)
			case tok.Data == "br":
				w.newline()
			}

		case html.EndTagToken:
			tok := z.Token()
			switch {
			case skippedTags[tok.Data]:
				if skip > 0 {
					skip--
				}
			case tok.Data == "a" && len(hrefs) > 0:
				href := hrefs[len(hrefs)-1]
				hrefs = hrefs[:len(hrefs)-1]
				if href != "" {
					w.b.WriteString(" (" + href + ")")
				}
			case blockTags[tok.Data]:
				w.newline()
			}
		}
	}
}

type textWriter struct {
	b       strings.Builder
	pending bool
}

func (w *textWriter) atLineStart() bool {
	s := w.b.String()
	return s == "" || strings.HasSuffix(s, "\n")
}

func (w *textWriter) text(t string) {
	if t == "" {
		return
	}
	if unicode.IsSpace(rune(t[0])) {
		w.pending = true
	}
	for _, word := range strings.Fields(t) {
		if w.pending && !w.atLineStart() {
			w.b.WriteByte(' ')
		}
		w.b.WriteString(word)
		w.pending = true
	}
	w.pending = unicode.IsSpace(rune(t[len(t)-1]))
}

func (w *textWriter) newline() {
	w.pending = false
	if w.atLineStart() {
		return
	}
	s := strings.TrimRight(w.b.String(), " ")
	w.b.Reset()
	w.b.WriteString(s)
	w.b.WriteByte('\n')
}
