package page

import (
	"strings"

	"golang.org/x/net/html"
)

// Meta holds the subset of page metadata the extraction chain's last
// fallback layer reads.
type Meta struct {
	// Title is the document title.
	Title string

	// Properties maps meta tag names/properties to their content
	// (og:title, og:url, author, ...).
	Properties map[string]string
}

// ParseMeta extracts the title and meta tags from raw HTML. Parse
// errors yield an empty Meta, never a failure: metadata is the last,
// best-effort layer of the fallback chain.
func ParseMeta(rawHTML string) *Meta {
	meta := &Meta{Properties: make(map[string]string)}

	doc, err := html.Parse(strings.NewReader(rawHTML))
	if err != nil {
		return meta
	}

	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.Data {
			case "title":
				if n.FirstChild != nil && meta.Title == "" {
					meta.Title = strings.TrimSpace(n.FirstChild.Data)
				}
			case "meta":
				var key, content string
				for _, attr := range n.Attr {
					switch attr.Key {
					case "name", "property":
						key = attr.Val
					case "content":
						content = attr.Val
					}
				}
				if key != "" && content != "" {
					meta.Properties[key] = content
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)

	return meta
}
