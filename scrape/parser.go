package scrape

import (
	"io"
	"net/url"
	"strings"
	"unicode/utf8"

	"golang.org/x/net/html"
)

// Byte limits matching the columns scraped values are stored in.
const (
	maxDateLen        = 32
	maxDescriptionLen = 8192
	maxTitleLen       = 255
	maxURLLen         = 1024
)

// Action is one dated entry in a site's activity log.
type Action struct {
	Date        string
	Description string
}

func (a Action) Key() string {
	return a.Date + "\x00" + a.Description
}

// Document is a linked document published for a site.
type Document struct {
	Title string
	URL   string
}

// SiteSnapshot is everything the tracker page lists for a site at fetch time.
type SiteSnapshot struct {
	Actions   []Action
	Documents []Document
}

// ParseSnapshot reads a tracker page. Elements classed "action" are actions,
// with the date in data-date; <a class="document"> elements are documents.
// Relative document links are resolved against base. Dates, descriptions and
// titles are cut to their column sizes; links too long to store are skipped.
func ParseSnapshot(r io.Reader, base *url.URL) (SiteSnapshot, error) {
	doc, err := html.Parse(r)
	if err != nil {
		return SiteSnapshot{}, err
	}

	var snap SiteSnapshot
	seenActions := make(map[string]bool)
	seenDocs := make(map[string]bool)

	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch {
			case hasClass(n, "action"):
				a := Action{
					Date:        truncate(strings.TrimSpace(attr(n, "data-date")), maxDateLen),
					Description: truncate(textOf(n), maxDescriptionLen),
				}
				if a.Description != "" && !seenActions[a.Key()] {
					seenActions[a.Key()] = true
					snap.Actions = append(snap.Actions, a)
				}
				return
			case n.Data == "a" && hasClass(n, "document"):
				d := Document{Title: truncate(textOf(n), maxTitleLen), URL: resolve(base, attr(n, "href"))}
				if d.URL != "" && len(d.URL) <= maxURLLen && !seenDocs[d.URL] {
					seenDocs[d.URL] = true
					if d.Title == "" {
						d.Title = truncate(d.URL, maxTitleLen)
					}
					snap.Documents = append(snap.Documents, d)
				}
				return
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)

	return snap, nil
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func hasClass(n *html.Node, class string) bool {
	for _, c := range strings.Fields(attr(n, "class")) {
		if c == class {
			return true
		}
	}
	return false
}

// textOf returns the node's text content with whitespace collapsed.
func textOf(n *html.Node) string {
	var b strings.Builder
	var collect func(*html.Node)
	collect = func(n *html.Node) {
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
			b.WriteByte(' ')
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			collect(c)
		}
	}
	collect(n)
	return strings.Join(strings.Fields(b.String()), " ")
}

func resolve(base *url.URL, href string) string {
	href = strings.TrimSpace(href)
	if href == "" {
		return ""
	}
	u, err := url.Parse(href)
	if err != nil {
		return ""
	}
	if base == nil {
		return u.String()
	}
	return base.ResolveReference(u).String()
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
