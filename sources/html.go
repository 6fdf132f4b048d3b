package sources

import (
	"bytes"
	"net/url"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// document is a parsed page and the URL relative links resolve against
type document struct {
	root *html.Node
	base *url.URL
}

func parseDocument(body []byte, pageURL string) (*document, error) {
	root, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	base, err := url.Parse(pageURL)
	if err != nil {
		return nil, err
	}
	doc := &document{root: root, base: base}
	// honour <base href>
	if b := doc.find(func(n *html.Node) bool { return n.DataAtom == atom.Base }); b != nil {
		if href := attr(b, "href"); href != "" {
			if u, err := base.Parse(href); err == nil {
				doc.base = u
			}
		}
	}
	return doc, nil
}

// resolve makes href absolute; unusable hrefs yield ""
func (d *document) resolve(href string) string {
	href = strings.TrimSpace(href)
	if href == "" || strings.HasPrefix(href, "#") || strings.HasPrefix(strings.ToLower(href), "javascript:") ||
		strings.HasPrefix(strings.ToLower(href), "mailto:") {
		return ""
	}
	u, err := d.base.Parse(href)
	if err != nil {
		return ""
	}
	u.Fragment = ""
	return u.String()
}

// walk visits nodes depth-first; returning false skips the children
func walk(n *html.Node, fn func(*html.Node) bool) {
	if !fn(n) {
		return
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		walk(c, fn)
	}
}

func (d *document) find(match func(*html.Node) bool) *html.Node {
	return findIn(d.root, match)
}

func findIn(root *html.Node, match func(*html.Node) bool) *html.Node {
	var found *html.Node
	walk(root, func(n *html.Node) bool {
		if found != nil {
			return false
		}
		if n.Type == html.ElementNode && match(n) {
			found = n
			return false
		}
		return true
	})
	return found
}

func (d *document) findAll(match func(*html.Node) bool) []*html.Node {
	var out []*html.Node
	walk(d.root, func(n *html.Node) bool {
		if n.Type == html.ElementNode && match(n) {
			out = append(out, n)
		}
		return true
	})
	return out
}

// meta returns the content of the first <meta> whose property or name is key
func (d *document) meta(keys ...string) string {
	for _, key := range keys {
		n := d.find(func(n *html.Node) bool {
			if n.DataAtom != atom.Meta {
				return false
			}
			return strings.EqualFold(attr(n, "property"), key) || strings.EqualFold(attr(n, "name"), key) ||
				strings.EqualFold(attr(n, "itemprop"), key)
		})
		if n != nil {
			if v := cleanText(attr(n, "content")); v != "" {
				return v
			}
		}
	}
	return ""
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if strings.EqualFold(a.Key, key) {
			return a.Val
		}
	}
	return ""
}

func hasClass(n *html.Node, class string) bool {
	for _, c := range strings.Fields(attr(n, "class")) {
		if strings.Contains(c, class) {
			return true
		}
	}
	return false
}

func byID(id string) func(*html.Node) bool {
	return func(n *html.Node) bool { return attr(n, "id") == id }
}

func byAtom(a atom.Atom) func(*html.Node) bool {
	return func(n *html.Node) bool { return n.DataAtom == a }
}

// text returns the visible text under n with whitespace collapsed
func text(n *html.Node) string {
	var b strings.Builder
	walk(n, func(c *html.Node) bool {
		switch {
		case c.Type == html.ElementNode && (c.DataAtom == atom.Script || c.DataAtom == atom.Style):
			return false
		case c.Type == html.ElementNode && c.DataAtom == atom.Br:
			b.WriteByte(' ')
		case c.Type == html.TextNode:
			b.WriteString(c.Data)
			b.WriteByte(' ')
		}
		return true
	})
	return cleanText(b.String())
}

func cleanText(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
